// Package client is a Go client for the reconhub HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const defaultTimeout = 60 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to one reconhub server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a Bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitRequest is the body of POST /reconstruct. Set either UploadID or
// DatasetName.
type SubmitRequest struct {
	JobID       string         `json:"job_id,omitempty"`
	Method      models.Method  `json:"method"`
	UploadID    string         `json:"upload_id,omitempty"`
	DatasetName string         `json:"dataset_name,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SubmitResponse is returned by POST /reconstruct.
type SubmitResponse struct {
	JobID         string           `json:"jobId"`
	Method        models.Method    `json:"method"`
	Status        models.JobStatus `json:"status"`
	EstimatedTime string           `json:"estimated_time"`
}

// Submit starts a reconstruction job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var out SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/reconstruct", "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the current job record.
func (c *Client) Status(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), "", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel stops a queued or running job.
func (c *Client) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), "", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Methods lists the reconstruction methods and whether each can run.
func (c *Client) Methods(ctx context.Context) ([]models.MethodInfo, error) {
	var out struct {
		Methods []models.MethodInfo `json:"methods"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/methods", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Methods, nil
}

// Datasets lists the built-in datasets.
func (c *Client) Datasets(ctx context.Context) ([]models.Dataset, error) {
	var out struct {
		Datasets []models.Dataset `json:"datasets"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/datasets", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Datasets, nil
}

func (c *Client) GPUStatus(ctx context.Context) (*models.GPUStatus, error) {
	var out models.GPUStatus
	if err := c.doJSON(ctx, http.MethodGet, "/gpu-status", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends the image files at paths as one upload. The body is streamed.
func (c *Client) Upload(ctx context.Context, paths []string) (*models.Upload, error) {
	if len(paths) == 0 {
		return nil, errors.New("no files to upload")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, paths))
	}()

	var up models.Upload
	if err := c.doJSON(ctx, http.MethodPost, "/upload", mw.FormDataContentType(), pr, &up); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &up, nil
}

func writeParts(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		if err := writePart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// Download streams one result file of a completed job to w. file may be a
// relative path such as "dense/fused.ply".
func (c *Client) Download(ctx context.Context, jobID, file string, w io.Writer) (int64, error) {
	segments := strings.Split(file, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	resp, err := c.do(ctx, http.MethodGet, "/download/"+url.PathEscape(jobID)+"/"+strings.Join(segments, "/"), "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends the request and turns non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return nil, apiErr
}
