package handler

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/reconhub/internal/api/response"
	"github.com/kiranshivaraju/reconhub/internal/upload"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// Uploader stores and removes uploaded image sets.
type Uploader interface {
	Save(files []*multipart.FileHeader) (*models.Upload, error)
	Delete(id string) error
}

// NewUploadHandler returns an http.HandlerFunc for POST /upload. Images are
// sent as multipart parts named "files".
func NewUploadHandler(up Uploader, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
					"Upload exceeds the size limit", map[string]int64{"limit_bytes": tooLarge.Limit})
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			files = r.MultipartForm.File["files[]"]
		}
		if len(files) == 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "No files provided", nil)
			return
		}

		u, err := up.Save(files)
		if err != nil {
			if errors.Is(err, upload.ErrNoImages) {
				response.Error(w, http.StatusBadRequest, "NO_IMAGES",
					"None of the uploaded files is a supported image", nil)
				return
			}
			slog.Error("save upload failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.Created(w, u)
	}
}

// NewDeleteUploadHandler returns an http.HandlerFunc for DELETE /upload/{uploadID}.
func NewDeleteUploadHandler(up Uploader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "uploadID")
		if err := up.Delete(id); err != nil {
			if errors.Is(err, upload.ErrInvalidID) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid upload id", nil)
				return
			}
			slog.Error("delete upload failed", "upload_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]any{"upload_id": id, "deleted": true})
	}
}
