package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/reconhub/internal/api/response"
	"github.com/kiranshivaraju/reconhub/internal/dataset"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// CatalogService describes what the service can run and on which inputs.
type CatalogService interface {
	Methods(ctx context.Context) []models.MethodInfo
	Datasets() []models.Dataset
	DatasetImages(name, tier string) ([]dataset.Image, error)
	GPUStatus(ctx context.Context) models.GPUStatus
}

// Info is the body of GET /.
type Info struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Runtime   string   `json:"runtime"`
	Endpoints []string `json:"endpoints"`
}

// NewInfoHandler returns an http.HandlerFunc for GET /.
func NewInfoHandler(info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, info)
	}
}

// NewMethodsHandler returns an http.HandlerFunc for GET /methods.
func NewMethodsHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, map[string]any{"methods": svc.Methods(r.Context())})
	}
}

// NewDatasetsHandler returns an http.HandlerFunc for GET /datasets.
func NewDatasetsHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, map[string]any{"datasets": svc.Datasets()})
	}
}

// NewDatasetImagesHandler returns an http.HandlerFunc for
// GET /dataset/{name}/{resolution}.
func NewDatasetImagesHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		tier := chi.URLParam(r, "resolution")

		images, err := svc.DatasetImages(name, tier)
		if err != nil {
			switch {
			case errors.Is(err, dataset.ErrUnknownDataset):
				response.Error(w, http.StatusNotFound, "DATASET_NOT_FOUND", err.Error(), nil)
			case errors.Is(err, dataset.ErrUnknownTier):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			case errors.Is(err, dataset.ErrNotProvisioned):
				response.Error(w, http.StatusNotFound, "DATASET_NOT_PROVISIONED", err.Error(), nil)
			default:
				writeServiceError(w, err)
			}
			return
		}

		response.JSON(w, map[string]any{
			"dataset":    name,
			"resolution": tier,
			"images":     images,
			"count":      len(images),
		})
	}
}

// NewGPUStatusHandler returns an http.HandlerFunc for GET /gpu-status.
func NewGPUStatusHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, svc.GPUStatus(r.Context()))
	}
}
