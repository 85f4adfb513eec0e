package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/reconhub/internal/api/middleware"
	"github.com/kiranshivaraju/reconhub/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	InfoHandler          http.HandlerFunc
	HealthHandler        http.HandlerFunc
	UploadHandler        http.HandlerFunc
	DeleteUploadHandler  http.HandlerFunc
	ReconstructHandler   http.HandlerFunc
	StatusHandler        http.HandlerFunc
	ResultsHandler       http.HandlerFunc
	DownloadHandler      http.HandlerFunc
	ListJobsHandler      http.HandlerFunc
	CancelHandler        http.HandlerFunc
	DatasetsHandler      http.HandlerFunc
	DatasetImagesHandler http.HandlerFunc
	MethodsHandler       http.HandlerFunc
	GPUStatusHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
// Reads are public; uploads, submissions and cancellations go through auth
// and rate limiting.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/", orNotImplemented(deps.InfoHandler))
	r.Get("/health", orNotImplemented(deps.HealthHandler))

	r.Get("/status/{jobID}", orNotImplemented(deps.StatusHandler))
	r.Get("/results/{jobID}", orNotImplemented(deps.ResultsHandler))
	r.Get("/download/{jobID}/*", orNotImplemented(deps.DownloadHandler))
	r.Get("/jobs", orNotImplemented(deps.ListJobsHandler))

	r.Get("/datasets", orNotImplemented(deps.DatasetsHandler))
	r.Get("/dataset/{name}/{resolution}", orNotImplemented(deps.DatasetImagesHandler))
	r.Get("/methods", orNotImplemented(deps.MethodsHandler))
	r.Get("/gpu-status", orNotImplemented(deps.GPUStatusHandler))

	// Mutating routes
	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/upload", orNotImplemented(deps.UploadHandler))
		r.Delete("/upload/{uploadID}", orNotImplemented(deps.DeleteUploadHandler))
		r.Post("/reconstruct", orNotImplemented(deps.ReconstructHandler))
		r.Delete("/jobs/{jobID}", orNotImplemented(deps.CancelHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
