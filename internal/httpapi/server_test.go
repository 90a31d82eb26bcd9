package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readly/internal/apperr"
	"readly/internal/artifact"
	"readly/internal/config"
	"readly/internal/feedback"
	"readly/internal/history"
	"readly/internal/jobs"
	"readly/internal/model"
	"readly/internal/pipeline"
	"readly/internal/ratelimit"
)

type stubRunner struct {
	err   error
	title string
	delay time.Duration
}

func (s *stubRunner) Run(ctx context.Context, url string, emit func(model.Phase)) (*pipeline.Result, error) {
	for _, phase := range []model.Phase{model.PhaseFetching, model.PhaseExtracting, model.PhaseEncoding} {
		emit(phase)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Result{
		Title: s.title,
		Artifacts: map[model.Format][]byte{
			model.FormatPDF:  []byte("pdf:" + url),
			model.FormatEPUB: []byte("epub:" + url),
		},
		Elapsed: 5 * time.Millisecond,
	}, nil
}

func newTestServer(t *testing.T, runner jobs.Runner, maxPerWindow int) (*Server, http.Handler) {
	t.Helper()

	cfg := config.Config{
		RateLimitMax:      maxPerWindow,
		RateLimitWindow:   time.Hour,
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		ArtifactTTL:       time.Hour,
		JobRetention:      24 * time.Hour,
		AdminPassword:     "sesame",
	}
	cfg.Sanitize()

	store, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	auditLog := history.NewMemoryStore()

	manager := jobs.NewManager(jobs.ManagerOptions{
		Limiter:          ratelimit.New(maxPerWindow, time.Hour),
		Pipeline:         runner,
		Artifacts:        store,
		History:          auditLog,
		WorkerPoolSize:   2,
		JobQueueCapacity: 16,
		ArtifactTTL:      time.Hour,
		JobRetention:     24 * time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		manager.Stop()
	})

	srv := New(Options{
		Manager:   manager,
		Artifacts: store,
		Feedback:  feedback.NewStore(nil, nil),
		History:   auditLog,
		Config:    cfg,
	})
	return srv, srv.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, body := doJSON(t, handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 2, body["worker_pool"])
}

func TestConvertSynchronousSuccess(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "An Article"}, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "An Article", body["title"])
	require.NotEmpty(t, body["job_id"])
	assert.Contains(t, body["pdf_url"], "/download/"+body["job_id"].(string)+"/pdf")
	assert.Contains(t, body["epub_url"], "/download/"+body["job_id"].(string)+"/epub")
}

func TestConvertInvalidURL(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"not a url","device_id":"dev-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", body["error"])
}

func TestConvertMissingDeviceID(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", body["error"])
}

func TestConvertRateLimited(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 1)

	rec, _ := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/b","device_id":"dev-1"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Greater(t, body["reset_seconds"].(float64), 0.0)
}

func TestConvertPipelineFailure(t *testing.T) {
	runner := &stubRunner{err: &apperr.Error{Code: apperr.CodeExtractionFailed, Message: "no content"}}
	_, handler := newTestServer(t, runner, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "extraction_failed", body["error"])
}

func TestJobsRequiresDeviceID(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, _ := doJSON(t, handler, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsListingWithRateLimitBlock(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "An Article"}, 5)

	rec, _ := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, handler, http.MethodGet, "/jobs?device_id=dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	listed := body["jobs"].([]any)
	require.Len(t, listed, 1)
	job := listed[0].(map[string]any)
	assert.Equal(t, "complete", job["state"])
	assert.Contains(t, job["pdf_url"], "/download/")

	rl := body["rate_limit"].(map[string]any)
	assert.EqualValues(t, 4, rl["remaining"])
	assert.EqualValues(t, 5, rl["max_per_window"])
	assert.EqualValues(t, 60, rl["window_minutes"])
}

func TestDownloadRoundTrip(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "An Article"}, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	rec, _ = doJSON(t, handler, http.MethodGet, "/download/"+jobID+"/pdf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "An Article.pdf")
	assert.Equal(t, "pdf:https://example.com/a", rec.Body.String())
}

func TestDownloadUnknownJob(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, body := doJSON(t, handler, http.MethodGet, "/download/nope/pdf", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestDownloadInvalidFormat(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, _ := doJSON(t, handler, http.MethodGet, "/download/some-id/mobi", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedback(t *testing.T) {
	srv, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/feedback",
		`{"device_id":"dev-1","response":"yes","use_case":"reading offline","conversions_today":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 1, srv.feedback.Count())

	rec, _ = doJSON(t, handler, http.MethodPost, "/feedback",
		`{"device_id":"dev-1","response":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminStatsAuth(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	rec, _ := doJSON(t, handler, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-Admin-Password", "sesame")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &body))
	assert.Contains(t, body, "stats")
	assert.Contains(t, body, "recent")
}

func sseEvents(t *testing.T, body string) []model.Event {
	t.Helper()

	var events []model.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev model.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestConvertStreamEndsWithComplete(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "An Article"}, 5)

	target := fmt.Sprintf("/convert/stream?device_id=dev-1&url=%s", "https://example.com/a")
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, model.EventComplete, last.Kind)
	assert.Equal(t, "An Article", last.Title)
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Terminal())
	}
}

func TestConvertStreamRateLimitedFrame(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 1)

	rec, _ := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/convert/stream?device_id=dev-1&url=https://example.com/b", nil)
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)

	events := sseEvents(t, out.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRateLimited, events[0].Kind)
	assert.Greater(t, events[0].ResetSeconds, 0)
}

func TestConvertStreamErrorFrame(t *testing.T) {
	runner := &stubRunner{err: &apperr.Error{Code: apperr.CodeEncodingFailed, Message: "encoder crashed"}}
	_, handler := newTestServer(t, runner, 5)

	req := httptest.NewRequest(http.MethodGet, "/convert/stream?device_id=dev-1&url=https://example.com/a", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Kind)
	assert.Equal(t, "encoding_failed", last.Reason)
}

func TestJobsListingIncludesEvictedHistory(t *testing.T) {
	srv, handler := newTestServer(t, &stubRunner{title: "An Article"}, 5)

	rec, body := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	// Evict the terminal job from the live registry; the audit log still
	// has it, so the listing must too.
	require.Equal(t, 1, srv.manager.CleanupOldJobs(time.Now().Add(48*time.Hour)))

	rec, body = doJSON(t, handler, http.MethodGet, "/jobs?device_id=dev-2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	listed := body["jobs"].([]any)
	require.Len(t, listed, 1)
	job := listed[0].(map[string]any)
	assert.Equal(t, jobID, job["id"])
	assert.Equal(t, "complete", job["state"])
	assert.Equal(t, "An Article", job["title"])
	assert.Contains(t, job["pdf_url"], "/download/"+jobID+"/pdf")
}

func TestAdminStatsIncludesAggregates(t *testing.T) {
	runner := &stubRunner{err: &apperr.Error{Code: apperr.CodeExtractionFailed, Message: "no content"}}
	_, handler := newTestServer(t, runner, 5)

	rec, _ := doJSON(t, handler, http.MethodPost, "/convert",
		`{"url":"https://example.com/a","device_id":"dev-1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-Admin-Password", "sesame")
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &body))

	breakdown := body["error_breakdown"].([]any)
	require.Len(t, breakdown, 1)
	bucket := breakdown[0].(map[string]any)
	assert.Equal(t, "extraction_failed", bucket["reason"])
	assert.EqualValues(t, 1, bucket["count"])

	daily := body["daily"].([]any)
	require.Len(t, daily, 1)
	day := daily[0].(map[string]any)
	assert.EqualValues(t, 1, day["total"])
	assert.EqualValues(t, 0, day["success"])
}

func dialWS(t *testing.T, httpURL, query string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/convert/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestConvertWSEndsWithComplete(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "An Article"}, 5)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	conn := dialWS(t, ts.URL, "device_id=dev-1&url=https://example.com/a")
	defer conn.Close()

	var last model.Event
	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		last = ev
	}
	assert.Equal(t, model.EventComplete, last.Kind)
	assert.Equal(t, "An Article", last.Title)
}

func TestConvertWSClientDisconnectDoesNotCancelJob(t *testing.T) {
	srv, handler := newTestServer(t, &stubRunner{title: "t", delay: 300 * time.Millisecond}, 5)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	conn := dialWS(t, ts.URL, "device_id=dev-1&url=https://example.com/a")

	var first model.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NotEmpty(t, first.JobID)
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := srv.manager.WaitTerminal(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, done.State)
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestServer(t, &stubRunner{title: "ok"}, 5)

	req := httptest.NewRequest(http.MethodOptions, "/convert", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
