package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/reconhub/internal/api/response"
	"github.com/kiranshivaraju/reconhub/internal/engine"
	"github.com/kiranshivaraju/reconhub/internal/recon"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const maxFormMemory = 1 << 20

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req recon.SubmitRequest) (*models.Job, error)
	GetStatus(ctx context.Context, id string) (*models.Job, error)
	Results(ctx context.Context, id string) (*models.Job, error)
	GetResult(ctx context.Context, id, filename string) (io.ReadCloser, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context) ([]*models.Job, error)
	EstimatedTime(method models.Method) string
}

type reconstructRequest struct {
	JobID       string          `json:"job_id"`
	Method      string          `json:"method"`
	UploadID    string          `json:"upload_id"`
	DatasetName string          `json:"dataset_name"`
	Resolution  string          `json:"resolution"`
	Parameters  json.RawMessage `json:"parameters"`
}

type reconstructResponse struct {
	JobID         string           `json:"jobId"`
	Method        models.Method    `json:"method"`
	Status        models.JobStatus `json:"status"`
	EstimatedTime string           `json:"estimated_time,omitempty"`
}

// NewReconstructHandler returns an http.HandlerFunc for POST /reconstruct.
// It accepts a JSON body or form fields; in a form, parameters is a JSON string.
func NewReconstructHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeReconstruct(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if req.Method == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "method is required", nil)
			return
		}

		job, err := svc.Submit(r.Context(), recon.SubmitRequest{
			JobID:      strings.TrimSpace(req.JobID),
			Method:     models.Method(strings.ToLower(strings.TrimSpace(req.Method))),
			UploadID:   strings.TrimSpace(req.UploadID),
			Dataset:    strings.TrimSpace(req.DatasetName),
			Resolution: strings.TrimSpace(req.Resolution),
			Parameters: req.Parameters,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Accepted(w, reconstructResponse{
			JobID:         job.ID,
			Method:        job.Method,
			Status:        job.Status,
			EstimatedTime: svc.EstimatedTime(job.Method),
		})
	}
}

func decodeReconstruct(r *http.Request) (reconstructRequest, error) {
	var req reconstructRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch ct {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return req, errors.New("invalid form body")
		}
		req.JobID = r.FormValue("job_id")
		req.Method = r.FormValue("method")
		req.UploadID = r.FormValue("upload_id")
		req.DatasetName = r.FormValue("dataset_name")
		req.Resolution = r.FormValue("resolution")
		if p := strings.TrimSpace(r.FormValue("parameters")); p != "" {
			req.Parameters = json.RawMessage(p)
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid JSON body")
		}
	}

	if string(req.Parameters) == "null" {
		req.Parameters = nil
	}
	return req, nil
}

// NewStatusHandler returns an http.HandlerFunc for GET /status/{jobID}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

type resultsResponse struct {
	JobID     string          `json:"job_id"`
	OutputRef string          `json:"output_ref"`
	Files     []resultFile    `json:"files"`
	Metrics   *models.Metrics `json:"metrics,omitempty"`
}

type resultFile struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
}

// NewResultsHandler returns an http.HandlerFunc for GET /results/{jobID}.
func NewResultsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Results(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		files := make([]resultFile, 0, len(job.OutputFiles))
		for _, f := range job.OutputFiles {
			files = append(files, resultFile{Name: f, DownloadURL: "/download/" + job.ID + "/" + f})
		}
		response.JSON(w, resultsResponse{
			JobID:     job.ID,
			OutputRef: job.OutputRef,
			Files:     files,
			Metrics:   job.Metrics,
		})
	}
}

// NewDownloadHandler returns an http.HandlerFunc for
// GET /download/{jobID}/{filename}. The filename may contain slashes.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "*")
		rc, err := svc.GetResult(r.Context(), chi.URLParam(r, "jobID"), name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		defer rc.Close()

		base := path.Base(name)
		w.Header().Set("Content-Type", contentType(base))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": base}))

		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, r, base, time.Time{}, rs)
			return
		}
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("stream result failed", "file", name, "error", err)
		}
	}
}

var modelTypes = map[string]string{
	".glb": "model/gltf-binary",
	".obj": "model/obj",
	".ply": "application/octet-stream",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := modelTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

type jobsResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Total int           `json:"total"`
}

// NewListJobsHandler returns an http.HandlerFunc for GET /jobs. An optional
// status query parameter filters the list.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.JobStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"status must be one of queued, running, completed, failed", nil)
			return
		}

		jobs, err := svc.List(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}

		out := make([]*models.Job, 0, len(jobs))
		for _, j := range jobs {
			if status == "" || j.Status == status {
				out = append(out, j)
			}
		}
		response.JSON(w, jobsResponse{Jobs: out, Total: len(out)})
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /jobs/{jobID}.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Cancel(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recon.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, engine.ErrGPURequired):
		response.Error(w, http.StatusConflict, "GPU_REQUIRED", err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE_JOB", "A job with this id already exists", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, recon.ErrNotReady):
		response.Error(w, http.StatusConflict, "NOT_READY", err.Error(), nil)
	case errors.Is(err, recon.ErrFileNotFound):
		response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, recon.ErrAlreadyTerminal):
		response.Error(w, http.StatusConflict, "JOB_FINISHED", "Job has already finished", nil)
	case errors.Is(err, recon.ErrClosed):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
