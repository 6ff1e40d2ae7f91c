package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/decision"
	"github.com/atlasops/atlas/orchestration"
	"github.com/atlasops/atlas/routing"
)

type stubWorker struct {
	name string
	mu   sync.Mutex
	runs int
	fail bool
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Run(ctx context.Context, task *core.Task) *core.TaskResult {
	w.mu.Lock()
	w.runs++
	w.mu.Unlock()
	if w.fail {
		return core.Fail("stub failure")
	}
	return core.Succeed("stub ok")
}

func (w *stubWorker) Analyze(data map[string]interface{}) map[string]interface{} {
	return data
}

func (w *stubWorker) Report(result *core.TaskResult) string { return result.Message }

func newTestServer(t *testing.T, workers ...*stubWorker) (*Server, *orchestration.Coordinator) {
	t.Helper()
	registry := core.NewWorkerRegistry()
	for _, w := range workers {
		require.NoError(t, registry.Register(w))
	}
	coordinator := orchestration.NewCoordinator(registry, decision.NewMatrix(), routing.NewRouter(nil), 100)

	config, err := core.NewConfig()
	require.NoError(t, err)
	return NewServer(config, coordinator, nil), coordinator
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPostTaskLogsLowRisk(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := postJSON(t, handler, "/task", taskRequest{
		Description: "daily report",
		Risk:        "low",
		Urgency:     "low",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "logged", resp.Message)
	assert.Equal(t, "log", resp.Action)
	assert.InDelta(t, 0.95, resp.Confidence, 1e-9)
	assert.NotEmpty(t, resp.TaskID)
}

func TestPostTaskValidationError(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := postJSON(t, handler, "/task", taskRequest{
		Description: "broken",
		Risk:        "catastrophic",
		Urgency:     "low",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestPostTaskMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/task", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalCallbackRoundTrip(t *testing.T) {
	guard := &stubWorker{name: "security-guard"}
	server, coordinator := newTestServer(t, guard)
	handler := server.Handler()

	rec := postJSON(t, handler, "/task", taskRequest{
		Description:  "intrusion detected, isolate the host",
		Risk:         "high",
		Urgency:      "high",
		TargetWorker: "security-guard",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	pending := coordinator.Approvals().GetPendingApprovals()
	require.Len(t, pending, 1)
	id := pending[0].ID

	rec = getPath(t, handler, "/approvals")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = postJSON(t, handler, "/approval/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, coordinator.Approvals().GetPendingApprovals())

	// A second callback for the same ID is gone.
	rec = postJSON(t, handler, "/approval/"+id+"/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	coordinator.Approvals().Stop()
}

func TestApprovalRejectCallback(t *testing.T) {
	guard := &stubWorker{name: "security-guard"}
	server, coordinator := newTestServer(t, guard)
	handler := server.Handler()

	postJSON(t, handler, "/task", taskRequest{
		Description:  "intrusion detected, isolate the host",
		Risk:         "high",
		Urgency:      "high",
		TargetWorker: "security-guard",
	})
	pending := coordinator.Approvals().GetPendingApprovals()
	require.Len(t, pending, 1)

	runsBefore := guard.runs
	rec := postJSON(t, handler, "/approval/"+pending[0].ID+"/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runsBefore, guard.runs)
	coordinator.Approvals().Stop()
}

func TestAuditEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	postJSON(t, handler, "/task", taskRequest{Description: "daily report", Risk: "low", Urgency: "low"})

	rec := getPath(t, handler, "/audit")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []orchestration.AuditEntry `json:"entries"`
		Dropped int64                      `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "daily report", body.Entries[0].TaskDescription)
	assert.True(t, body.Entries[0].OutcomeFilled)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	postJSON(t, handler, "/task", taskRequest{Description: "daily report", Risk: "low", Urgency: "low"})

	rec := getPath(t, handler, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestration.CoordinatorMetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TasksProcessed)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := getPath(t, handler, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t)
	server.config.HTTP.CORS.Enabled = true
	server.config.HTTP.CORS.AllowedOrigins = []string{"https://ops.example.com"}
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/task", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	// A non-allowed origin gets no CORS headers.
	req = httptest.NewRequest(http.MethodOptions, "/task", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
