package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docextract/internal/async"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/core/limiter"
	"github.com/joseph-ayodele/docextract/internal/core/worker"
	"github.com/joseph-ayodele/docextract/internal/export"
	"github.com/joseph-ayodele/docextract/internal/ingest"
	"github.com/joseph-ayodele/docextract/internal/pipeline"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/repository"
	"github.com/joseph-ayodele/docextract/internal/repository/repotest"
	"github.com/joseph-ayodele/docextract/internal/services/batch"
	"github.com/joseph-ayodele/docextract/internal/services/task"
)

// stack is the full service graph with a worker directory that has no
// script installed, so every job completes with a placeholder result.
type stack struct {
	api      *API
	srv      *httptest.Server
	streamer *progress.Streamer
	jobs     repository.JobRepository
}

func newStack(t *testing.T, cfg task.Config) *stack {
	t.Helper()
	logger := repotest.Logger()
	db, jobs := repotest.NewSQLite(t)
	store, err := ingest.NewFSStore(t.TempDir(), logger)
	require.NoError(t, err)

	pub := progress.NewMemoryPublisher(time.Hour, logger)
	streamer := progress.NewStreamer(pub, jobs, progress.StreamConfig{PollInterval: 10 * time.Millisecond, IdleTimeout: 5 * time.Second}, logger)
	lim := limiter.New(2)
	inv := worker.NewInvoker(worker.Config{Dir: t.TempDir(), Script: "extract.py", Timeout: time.Minute}, logger)
	exec := pipeline.NewExecutor(inv, lim, pipeline.ExecutorConfig{MaxRetries: 3, SlotTimeout: time.Second}, logger)
	proc := pipeline.NewProcessor(jobs, pub, exec, "default-model", logger)
	disp := async.NewDispatcher(proc, logger, async.WithWorkers(2))
	t.Cleanup(func() { disp.Shutdown(context.Background()) })

	api := NewAPI(HTTPConfig{
		Tasks:    task.NewService(jobs, store, disp, pub, streamer, cfg, logger),
		Batches:  batch.NewService(jobs, logger),
		Exports:  export.NewService(jobs, logger),
		Streamer: streamer,
		Limiter:  lim,
		DBHealth: func(ctx context.Context) error {
			return repository.HealthCheck(ctx, db, time.Second, logger)
		},
	}, logger)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &stack{api: api, srv: srv, streamer: streamer, jobs: jobs}
}

func (s *stack) do(t *testing.T, method, path, owner string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, body)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func multipartBody(t *testing.T, fields map[string]string, files ...string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, name := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("document " + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

type jobJSON struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	BatchName string    `json:"batch_name"`
	Result    any       `json:"result"`
}

func (s *stack) submit(t *testing.T, owner, batchName string, files ...string) []jobJSON {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{
		"batchName":     batchName,
		"extractFields": `[{"name":"vendor"},{"name":"total"}]`,
	}, files...)
	resp := s.do(t, http.MethodPost, "/api/v1/tasks", owner, body, ct)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[[]jobJSON](t, resp)
}

func (s *stack) waitCompleted(t *testing.T, owner string, id uuid.UUID) jobJSON {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := s.do(t, http.MethodGet, "/api/v1/tasks/"+id.String(), owner, nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		j := decode[jobJSON](t, resp)
		if j.Status == "COMPLETED" {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s", id, j.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	s := newStack(t, task.Config{})
	resp := s.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[healthReply](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 2, h.MaxProcesses)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestHealthDegraded(t *testing.T) {
	api := NewAPI(HTTPConfig{DBHealth: func(context.Context) error { return errors.New("down") }}, repotest.Logger())
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestSubmitAndComplete(t *testing.T) {
	s := newStack(t, task.Config{})
	jobs := s.submit(t, "u1", "April receipts", "a.pdf", "b.png")
	require.Len(t, jobs, 2)
	assert.Equal(t, "PENDING", jobs[0].Status)
	assert.Equal(t, "April receipts", jobs[0].BatchName)

	for _, j := range jobs {
		done := s.waitCompleted(t, "u1", j.ID)
		assert.Equal(t, 100, done.Progress)
		assert.NotNil(t, done.Result)
	}

	resp := s.do(t, http.MethodGet, "/api/v1/tasks/"+jobs[0].ID.String()+"/progress", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[map[string]any](t, resp)
	assert.Equal(t, "COMPLETED", snap["stage"])
	assert.Equal(t, "Completed (worker unavailable)", snap["stageText"])

	resp = s.do(t, http.MethodGet, "/api/v1/tasks?page=1&size=1", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[map[string]any](t, resp)
	assert.EqualValues(t, 2, page["total"])
	assert.Len(t, page["items"], 1)

	resp = s.do(t, http.MethodGet, "/api/v1/batches", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batches := decode[[]map[string]any](t, resp)
	require.Len(t, batches, 1)
	assert.Equal(t, "COMPLETED", batches[0]["status"])

	resp = s.do(t, http.MethodGet, "/api/v1/batches/"+url.PathEscape("April receipts")+"/export.xlsx", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="April_receipts.xlsx"`)

	resp = s.do(t, http.MethodGet, "/api/v1/batches/"+url.PathEscape("April receipts")+"/export.zip", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))

	// Completed jobs cannot be retried.
	resp = s.do(t, http.MethodPost, "/api/v1/tasks/"+jobs[0].ID.String()+"/retry", "u1", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "RETRY_NOT_ALLOWED", decode[ErrResponse](t, resp).Code)
}

func TestSubmitErrors(t *testing.T) {
	s := newStack(t, task.Config{})

	body, ct := multipartBody(t, map[string]string{"batchName": "b", "extractFields": `[{"name":"x"}]`}, "a.pdf")
	resp := s.do(t, http.MethodPost, "/api/v1/tasks", "", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = multipartBody(t, map[string]string{"batchName": "b", "extractFields": `{not json`}, "a.pdf")
	resp = s.do(t, http.MethodPost, "/api/v1/tasks", "u1", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = multipartBody(t, map[string]string{"batchName": "b", "extractFields": `[{"name":"x"}]`}, "notes.txt")
	resp = s.do(t, http.MethodPost, "/api/v1/tasks", "u1", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", decode[ErrResponse](t, resp).Code)

	resp = s.do(t, http.MethodPost, "/api/v1/tasks", "u1", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskLookupErrors(t *testing.T) {
	s := newStack(t, task.Config{})

	resp := s.do(t, http.MethodGet, "/api/v1/tasks/not-a-uuid", "u1", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decode[ErrResponse](t, resp)
	assert.Equal(t, "TASK_NOT_FOUND", e.Code)
	assert.NotEmpty(t, e.RequestID)

	resp = s.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString()+"/stream", "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/batches/nothing/export.zip", "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "BATCH_NOT_FOUND", decode[ErrResponse](t, resp).Code)

	resp = s.do(t, http.MethodGet, "/api/v1/batches", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgressEndpointsCheckOwner(t *testing.T) {
	s := newStack(t, task.Config{})
	id := s.submit(t, "u1", "b", "a.pdf")[0].ID
	s.waitCompleted(t, "u1", id)
	base := "/api/v1/tasks/" + id.String()

	resp := s.do(t, http.MethodGet, base+"/progress", "u1", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/progress", "/stream"} {
		resp = s.do(t, http.MethodGet, base+path, "u2", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "TASK_NOT_FOUND", decode[ErrResponse](t, resp).Code, path)
	}

	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + base + "/ws"
	header := http.Header{OwnerHeader: []string{"u2"}}
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, wsResp.StatusCode)
}

func TestDeleteEndpoints(t *testing.T) {
	s := newStack(t, task.Config{})
	jobs := s.submit(t, "u1", "b", "a.pdf", "b.pdf", "c.pdf")
	for _, j := range jobs {
		s.waitCompleted(t, "u1", j.ID)
	}

	resp := s.do(t, http.MethodDelete, "/api/v1/tasks/"+jobs[0].ID.String(), "u1", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	payload, _ := json.Marshal(map[string]any{"ids": []uuid.UUID{jobs[0].ID, jobs[1].ID}})
	resp = s.do(t, http.MethodPost, "/api/v1/tasks/delete", "u1", bytes.NewReader(payload), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[deletedReply](t, resp).Deleted)

	resp = s.do(t, http.MethodDelete, "/api/v1/batches/b", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[deletedReply](t, resp).Deleted)
}

func TestStreamSSE(t *testing.T) {
	s := newStack(t, task.Config{})
	id := s.submit(t, "u1", "b", "a.pdf")[0].ID
	s.waitCompleted(t, "u1", id)

	resp := s.do(t, http.MethodGet, "/api/v1/tasks/"+id.String()+"/stream", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "event: progress\ndata: {")
	assert.Contains(t, text, `"stage":"COMPLETED"`)
	assert.Contains(t, text, "event: close\ndata: {\"reason\":\"terminal\"}")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{common.TaskNotFound("x"), http.StatusNotFound},
		{common.InvalidInput("bad"), http.StatusBadRequest},
		{common.ErrValidation, http.StatusBadRequest},
		{common.AdmissionRejected("u", 10, 10), http.StatusTooManyRequests},
		{common.ErrRetryNotAllowed, http.StatusConflict},
		{common.ErrIllegalTransition, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeError(rec, req, repotest.Logger(), errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestStreamWebSocket(t *testing.T) {
	s := newStack(t, task.Config{})
	id := s.submit(t, "u1", "b", "a.pdf")[0].ID
	s.waitCompleted(t, "u1", id)

	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/tasks/" + id.String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var snap struct {
		Stage    string `json:"stage"`
		Progress int    `json:"progress"`
	}
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "COMPLETED", snap.Stage)
	assert.Equal(t, 100, snap.Progress)

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "terminal", ce.Text)
}

func TestStreamWebSocketUnknownTask(t *testing.T) {
	s := newStack(t, task.Config{})
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/tasks/" + uuid.NewString() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
