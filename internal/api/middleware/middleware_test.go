package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/reconhub/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Cache ---

type mockCache struct {
	counter int64
	err     error
	keys    []string
}

func (m *mockCache) Ping(_ context.Context) error { return nil }
func (m *mockCache) Close() error                 { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.counter++
	m.keys = append(m.keys, key)
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_DisabledPassesThrough(t *testing.T) {
	auth := mw.NewAuth(nil)
	assert.False(t, auth.Enabled())

	req := httptest.NewRequest("POST", "/reconstruct", nil)
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, "rk_live_1234567890")})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("POST", "/reconstruct", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, "rk_live_1234567890")})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("POST", "/reconstruct", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, "rk_live_1234567890")})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("POST", "/reconstruct", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	auth := mw.NewAuth([]string{hashKey(t, "different_key_entirely")})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("POST", "/reconstruct", nil)
	req.Header.Set("Authorization", "Bearer rk_live_1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", errBody(t, w)["message"])
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "rk_live_1234567890abcdef"
	auth := mw.NewAuth([]string{hashKey(t, "other_key_value"), hashKey(t, rawKey)})

	var gotPrefix string
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefix, gotOK = mw.KeyPrefix(r)
		w.WriteHeader(http.StatusOK)
	})

	for _, header := range []string{"Authorization", "X-API-Key"} {
		t.Run(header, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/reconstruct", nil)
			if header == "Authorization" {
				req.Header.Set(header, "Bearer "+rawKey)
			} else {
				req.Header.Set(header, rawKey)
			}
			w := httptest.NewRecorder()
			auth.Authenticate(inner).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.True(t, gotOK)
			assert.Equal(t, "rk_live_", gotPrefix)
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	req := httptest.NewRequest("GET", "/datasets", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{"reconhub:ratelimit:ip:10.1.2.3"}, mc.keys)
}

func TestRateLimit_KeysByAPIKey(t *testing.T) {
	rawKey := "rk_live_1234567890abcdef"
	mc := &mockCache{}
	auth := mw.NewAuth([]string{hashKey(t, rawKey)})
	handler := auth.Authenticate(mw.NewRateLimit(mc, 60).Limit(okHandler()))

	req := httptest.NewRequest("POST", "/reconstruct", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"reconhub:ratelimit:key:rk_live_"}, mc.keys)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60} // next IncrWithExpiry will return 61
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	req := httptest.NewRequest("GET", "/datasets", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mc := &mockCache{err: errors.New("redis down")}
	handler := mw.NewRateLimit(mc, 1).Limit(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/datasets", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	handler := mw.NewRateLimit(&mockCache{}, 0).Limit(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/status/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_LogsRouteAndJobID(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := chi.NewRouter()
	r.Use(mw.Recovery)
	r.Get("/status/{jobID}", func(http.ResponseWriter, *http.Request) {
		panic("nil job")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/status/scan-42", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "panic recovered", entry["msg"])
	assert.Equal(t, "/status/{jobID}", entry["route"])
	assert.Equal(t, "scan-42", entry["job_id"])
	assert.Equal(t, false, entry["response_started"])
}

func TestRecovery_PanicAfterBodyStarted(t *testing.T) {
	streaming := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("ply\nformat"))
		panic("disk read failed")
	})

	w := httptest.NewRecorder()
	mw.Recovery(streaming).ServeHTTP(w, httptest.NewRequest("GET", "/download/j/mesh.ply", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ply\nformat", w.Body.String())
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithError(t, http.ErrAbortHandler.Error(), func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/download/j/x", nil))
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/status/x", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesResponseThrough(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/status/abc", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
