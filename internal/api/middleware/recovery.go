package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/reconhub/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. When the handler had
// already started a response, such as a half-sent download, the connection
// is left to close without a second body.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(p)
			}

			attrs := []any{
				"error", p,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, "route", pattern)
				}
				if id := rctx.URLParam("jobID"); id != "" {
					attrs = append(attrs, "job_id", id)
				}
				if id := rctx.URLParam("uploadID"); id != "" {
					attrs = append(attrs, "upload_id", id)
				}
			}
			started := rec.status != 0 || rec.bytes > 0
			attrs = append(attrs, "response_started", started)
			slog.Error("panic recovered", attrs...)

			if !started {
				response.Error(rec, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(rec, r)
	})
}
