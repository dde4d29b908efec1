package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/mediajobs/internal/api/dto"
	"github.com/cuongbtq/mediajobs/internal/api/handler"
	"github.com/cuongbtq/mediajobs/internal/auth"
	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/objectstore/local"
	queuememory "github.com/cuongbtq/mediajobs/internal/queue/memory"
	"github.com/cuongbtq/mediajobs/internal/storage"
	storememory "github.com/cuongbtq/mediajobs/internal/storage/memory"
	"github.com/cuongbtq/mediajobs/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret"

type testServer struct {
	engine *gin.Engine
	jobs   *storememory.Store
	queue  *queuememory.Queue
}

func newTestServer(t *testing.T, mutate ...func(d *handler.Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	objects, err := local.New(local.Config{
		Root:       t.TempDir(),
		BaseURL:    "http://api.test",
		SigningKey: "object-key",
	})
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret})
	require.NoError(t, err)

	ts := &testServer{
		jobs:  storememory.NewStore(),
		queue: queuememory.New(time.Minute),
	}
	deps := &handler.Dependencies{
		Logger:      logger,
		ServiceName: "job-api-service",
		Submission: submission.NewService(&submission.Dependencies{
			Logger:  logger,
			Jobs:    ts.jobs,
			Queue:   ts.queue,
			Objects: objects,
		}),
		Verifier:       verifier,
		LocalObjects:   objects,
		MaxUploadBytes: 1 << 20,
	}
	for _, m := range mutate {
		m(deps)
	}
	ts.engine = SetupRouter(deps)
	return ts
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (ts *testServer) do(t *testing.T, method, target, authz string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	if body != nil && method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) upload(t *testing.T, userID, filename string) dto.UploadResponse {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/upload", bearer(t, userID),
		strings.NewReader(`{"filename":"`+filename+`","mode":"text"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// requestURI strips scheme and host from a presigned URL.
func requestURI(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.RequestURI()
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t, func(d *handler.Dependencies) {
			d.HealthChecks = map[string]handler.HealthCheck{
				"jobs": func(ctx context.Context) error { return nil },
			}
		})

		w := ts.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","service":"job-api-service","checks":{"jobs":"ok"}}`, w.Body.String())
	})

	t.Run("failing dependency", func(t *testing.T) {
		ts := newTestServer(t, func(d *handler.Dependencies) {
			d.HealthChecks = map[string]handler.HealthCheck{
				"queue": func(ctx context.Context) error { return errors.New("connection refused") },
			}
		})

		w := ts.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "connection refused")
	})
}

func TestUpload_Unauthorized(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		authz   string
		wantErr string
	}{
		{name: "missing header", authz: "", wantErr: "Authorization header missing"},
		{name: "garbage token", authz: "Bearer not-a-jwt", wantErr: "Invalid token: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/upload", tt.authz, strings.NewReader(`{"filename":"a.txt","mode":"text"}`))
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.True(t, strings.HasPrefix(body["error"], tt.wantErr), body["error"])
		})
	}
	assert.Zero(t, ts.jobs.Len())
	assert.Zero(t, ts.queue.Len())
}

func TestUpload_RoundTrip(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.upload(t, "user-1", "notes.txt")
	require.NotEmpty(t, resp.JobID)
	assert.Equal(t, 1, ts.queue.Len())

	content := []byte("hello from the client\n")
	w := ts.do(t, http.MethodPut, requestURI(t, resp.UploadURL), "", bytes.NewReader(content))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var obj dto.ObjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	assert.Equal(t, "raw/user-1/"+resp.JobID+"/notes.txt", obj.Key)
	assert.Equal(t, int64(len(content)), obj.Size)
	assert.True(t, strings.HasPrefix(obj.ContentType, "text/plain"), obj.ContentType)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID, bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, resp.JobID, job.JobID)
	assert.Equal(t, "PENDING", job.Status)
	assert.Equal(t, "text", job.Mode)
	assert.Equal(t, obj.Key, job.ObjectKey)
	require.NotEmpty(t, job.DownloadURL)

	w = ts.do(t, http.MethodGet, requestURI(t, job.DownloadURL), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
}

func TestUpload_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"filename":`},
		{name: "missing filename", body: `{"mode":"text"}`},
		{name: "blank filename", body: `{"filename":"  ","mode":"text"}`},
		{name: "filename escaping job prefix", body: `{"filename":"../../user-2/job-9/report.pdf","mode":"text"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/upload", bearer(t, "user-1"), strings.NewReader(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Zero(t, ts.jobs.Len())
}

func TestUpload_EnqueueFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.FailEnqueue(errors.New("broker down"))

	w := ts.do(t, http.MethodPost, "/api/v1/upload", bearer(t, "user-1"), strings.NewReader(`{"filename":"a.txt","mode":"text"}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Failed to submit job"}`, w.Body.String())
	assert.Equal(t, 1, ts.jobs.Len(), "record stays PENDING for the reconciliation sweep")
}

func TestGetJob_ScopedToCaller(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.upload(t, "user-1", "a.txt")

	w := ts.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID, bearer(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", bearer(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.upload(t, "user-1", "a.txt")
	}
	ts.upload(t, "user-2", "b.txt")

	w := ts.do(t, http.MethodGet, "/api/v1/jobs?page_size=2", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.NextCursor)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+page.NextCursor, bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var next dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Jobs, 1)
	assert.Empty(t, next.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(page.Jobs, next.Jobs...) {
		assert.Equal(t, "user-1", j.UserID)
		assert.False(t, seen[j.JobID])
		seen[j.JobID] = true
	}

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?status=pending", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Jobs, 3)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?status=COMPLETED", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Empty(t, page.Jobs)
}

func TestListJobs_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	for _, target := range []string{
		"/api/v1/jobs?cursor=not-base64!",
		"/api/v1/jobs?status=CANCELED",
		"/api/v1/jobs?page_size=abc",
	} {
		w := ts.do(t, http.MethodGet, target, bearer(t, "user-1"), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestObjects_RejectBadSignature(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.upload(t, "user-1", "a.txt")

	u, err := url.Parse(resp.UploadURL)
	require.NoError(t, err)
	q := u.Query()
	q.Set("sig", "forged")
	u.RawQuery = q.Encode()

	w := ts.do(t, http.MethodPut, u.RequestURI(), "", strings.NewReader("data"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// An upload URL cannot be used for reads.
	w = ts.do(t, http.MethodGet, requestURI(t, resp.UploadURL), "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestObjects_UploadTooLarge(t *testing.T) {
	ts := newTestServer(t, func(d *handler.Dependencies) { d.MaxUploadBytes = 16 })
	resp := ts.upload(t, "user-1", "big.bin")

	w := ts.do(t, http.MethodPut, requestURI(t, resp.UploadURL), "", bytes.NewReader(make([]byte, 100)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestObjects_NotRoutedForS3(t *testing.T) {
	ts := newTestServer(t, func(d *handler.Dependencies) { d.LocalObjects = nil })

	w := ts.do(t, http.MethodGet, "/objects/raw/u/j/a.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS_Preflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/upload", nil)
	req.Header.Set("Origin", "http://app.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestJobStatusSurfacedAfterFailure(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.upload(t, "user-1", "a.txt")

	ctx := context.Background()
	_, err := ts.jobs.UpdateStatus(ctx, storage.Transition{
		UserID: "user-1",
		JobID:  resp.JobID,
		From:   domain.FailableStatuses,
		To:     domain.JobStatusFailed,
		Error:  "unsupported mode",
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID, bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "FAILED", job.Status)
	assert.Equal(t, "unsupported mode", job.Error)
}
