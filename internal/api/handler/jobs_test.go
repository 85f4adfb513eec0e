package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/reconhub/internal/engine"
	"github.com/kiranshivaraju/reconhub/internal/recon"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock JobService ---

type mockJobs struct {
	submitted []recon.SubmitRequest
	submitErr error
	jobs      map[string]*models.Job
	files     map[string]string
	listErr   error
}

func newMockJobs() *mockJobs {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &mockJobs{
		jobs: map[string]*models.Job{
			"done": {
				ID: "done", Method: models.MethodCOLMAP, Status: models.JobStatusCompleted, Progress: 100,
				OutputRef: "mesh.ply", OutputFiles: []string{"mesh.ply", "dense/fused.ply"},
				Metrics: &models.Metrics{Points: 1200}, CreatedAt: now, UpdatedAt: now,
			},
			"busy": {ID: "busy", Method: models.MethodMeshroom, Status: models.JobStatusRunning, Progress: 40, CreatedAt: now, UpdatedAt: now},
		},
		files: map[string]string{"done/mesh.ply": "ply-bytes", "done/dense/fused.ply": "fused"},
	}
}

func (m *mockJobs) Submit(_ context.Context, req recon.SubmitRequest) (*models.Job, error) {
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	id := req.JobID
	if id == "" {
		id = "generated"
	}
	return &models.Job{ID: id, Method: req.Method, Status: models.JobStatusQueued}, nil
}

func (m *mockJobs) GetStatus(_ context.Context, id string) (*models.Job, error) {
	if j, ok := m.jobs[id]; ok {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockJobs) Results(ctx context.Context, id string) (*models.Job, error) {
	j, err := m.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", recon.ErrNotReady, j.Status)
	}
	return j, nil
}

func (m *mockJobs) GetResult(ctx context.Context, id, filename string) (io.ReadCloser, error) {
	if _, err := m.Results(ctx, id); err != nil {
		return nil, err
	}
	content, ok := m.files[id+"/"+filename]
	if !ok {
		return nil, recon.ErrFileNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (m *mockJobs) Cancel(ctx context.Context, id string) (*models.Job, error) {
	j, err := m.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, recon.ErrAlreadyTerminal
	}
	c := j.Clone()
	c.MarkFailed(time.Now(), models.FailureCancelled, "cancelled")
	return c, nil
}

func (m *mockJobs) List(context.Context) ([]*models.Job, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return []*models.Job{m.jobs["done"], m.jobs["busy"]}, nil
}

func (m *mockJobs) EstimatedTime(models.Method) string { return "5-15 min" }

// --- helpers ---

func jobsRouter(svc JobService) http.Handler {
	r := chi.NewRouter()
	r.Post("/reconstruct", NewReconstructHandler(svc))
	r.Get("/status/{jobID}", NewStatusHandler(svc))
	r.Get("/results/{jobID}", NewResultsHandler(svc))
	r.Get("/download/{jobID}/*", NewDownloadHandler(svc))
	r.Get("/jobs", NewListJobsHandler(svc))
	r.Delete("/jobs/{jobID}", NewCancelHandler(svc))
	return r
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonReq(method, path string, body any) *http.Request {
	b, _ := json.Marshal(body)
	r := httptest.NewRequest(method, path, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

// --- reconstruct ---

func TestReconstruct_JSON(t *testing.T) {
	svc := newMockJobs()
	rec := serve(jobsRouter(svc), jsonReq("POST", "/reconstruct", map[string]any{
		"method":       "COLMAP",
		"dataset_name": "bicycle",
		"resolution":   "images_4",
		"parameters":   map[string]any{"quality": "high"},
	}))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "generated", body["jobId"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "5-15 min", body["estimated_time"])

	require.Len(t, svc.submitted, 1)
	got := svc.submitted[0]
	assert.Equal(t, models.MethodCOLMAP, got.Method)
	assert.Equal(t, "bicycle", got.Dataset)
	assert.Equal(t, "images_4", got.Resolution)
	assert.JSONEq(t, `{"quality":"high"}`, string(got.Parameters))
}

func TestReconstruct_Form(t *testing.T) {
	svc := newMockJobs()
	form := url.Values{
		"job_id":     {"scan-7"},
		"method":     {"meshroom"},
		"upload_id":  {"up-1"},
		"parameters": {`{"describer_preset":"high"}`},
	}
	req := httptest.NewRequest("POST", "/reconstruct", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(jobsRouter(svc), req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := svc.submitted[0]
	assert.Equal(t, "scan-7", got.JobID)
	assert.Equal(t, "up-1", got.UploadID)
	assert.JSONEq(t, `{"describer_preset":"high"}`, string(got.Parameters))
}

func TestReconstruct_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		req  *http.Request
		code string
	}{
		{
			name: "invalid json",
			req: func() *http.Request {
				r := httptest.NewRequest("POST", "/reconstruct", strings.NewReader("{"))
				r.Header.Set("Content-Type", "application/json")
				return r
			}(),
			code: "INVALID_REQUEST",
		},
		{
			name: "missing method",
			req:  jsonReq("POST", "/reconstruct", map[string]any{"dataset_name": "bicycle"}),
			code: "VALIDATION_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockJobs()
			rec := serve(jobsRouter(svc), tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, errCode(t, rec))
			assert.Empty(t, svc.submitted)
		})
	}
}

func TestReconstruct_ServiceErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: unknown method", recon.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{fmt.Errorf("%w: Instant-NGP", engine.ErrGPURequired), http.StatusConflict, "GPU_REQUIRED"},
		{fmt.Errorf("create job: %w", store.ErrDuplicateKey), http.StatusConflict, "DUPLICATE_JOB"},
		{recon.ErrClosed, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := newMockJobs()
			svc.submitErr = tt.err
			rec := serve(jobsRouter(svc), jsonReq("POST", "/reconstruct", map[string]any{
				"method": "colmap", "dataset_name": "bicycle",
			}))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errCode(t, rec))
		})
	}
}

// --- status / results / download ---

func TestStatus(t *testing.T) {
	svc := newMockJobs()

	rec := serve(jobsRouter(svc), httptest.NewRequest("GET", "/status/busy", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 40, job.Progress)

	rec = serve(jobsRouter(svc), httptest.NewRequest("GET", "/status/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(t, rec))
}

func TestResults(t *testing.T) {
	svc := newMockJobs()

	rec := serve(jobsRouter(svc), httptest.NewRequest("GET", "/results/done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body resultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "mesh.ply", body.OutputRef)
	require.Len(t, body.Files, 2)
	assert.Equal(t, "/download/done/dense/fused.ply", body.Files[1].DownloadURL)

	rec = serve(jobsRouter(svc), httptest.NewRequest("GET", "/results/busy", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_READY", errCode(t, rec))
}

func TestDownload(t *testing.T) {
	svc := newMockJobs()

	rec := serve(jobsRouter(svc), httptest.NewRequest("GET", "/download/done/mesh.ply", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ply-bytes", rec.Body.String())
	assert.Equal(t, `attachment; filename=mesh.ply`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	rec = serve(jobsRouter(svc), httptest.NewRequest("GET", "/download/done/dense/fused.ply", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fused", rec.Body.String())
}

func TestDownload_Errors(t *testing.T) {
	svc := newMockJobs()
	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/download/done/missing.glb", http.StatusNotFound, "FILE_NOT_FOUND"},
		{"/download/busy/mesh.ply", http.StatusConflict, "NOT_READY"},
		{"/download/ghost/mesh.ply", http.StatusNotFound, "JOB_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(jobsRouter(svc), httptest.NewRequest("GET", tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errCode(t, rec))
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "model/gltf-binary", contentType("scene.GLB"))
	assert.Equal(t, "model/obj", contentType("mesh.obj"))
	assert.Equal(t, "application/octet-stream", contentType("cloud.ply"))
	assert.Equal(t, "application/json", contentType("reconstruction_summary.json"))
	assert.Equal(t, "application/octet-stream", contentType("weights.ckpt"))
}

// --- list / cancel ---

func TestListJobs(t *testing.T) {
	svc := newMockJobs()

	rec := serve(jobsRouter(svc), httptest.NewRequest("GET", "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body jobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)

	rec = serve(jobsRouter(svc), httptest.NewRequest("GET", "/jobs?status=running", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "busy", body.Jobs[0].ID)

	rec = serve(jobsRouter(svc), httptest.NewRequest("GET", "/jobs?status=paused", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs_StoreError(t *testing.T) {
	svc := newMockJobs()
	svc.listErr = errors.New("redis: connection refused")

	rec := serve(jobsRouter(svc), httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCancel(t *testing.T) {
	svc := newMockJobs()

	rec := serve(jobsRouter(svc), httptest.NewRequest("DELETE", "/jobs/busy", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "cancelled", job.Error)

	rec = serve(jobsRouter(svc), httptest.NewRequest("DELETE", "/jobs/done", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_FINISHED", errCode(t, rec))

	rec = serve(jobsRouter(svc), httptest.NewRequest("DELETE", "/jobs/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
