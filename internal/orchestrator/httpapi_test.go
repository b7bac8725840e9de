package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/task"
	"github.com/taskforge/pipeline/internal/workerpool"
)

func TestHandlerSubmitPlanAndHealth(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	plan := task.Plan{Entries: []task.PlanEntry{{ID: "a", TargetFile: "a.go"}}}
	body, err := json.Marshal(plan)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/plans", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["plan_id"])

	healthResp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	require.Equal(t, http.StatusOK, healthResp.StatusCode)

	var view HealthView
	require.NoError(t, json.NewDecoder(healthResp.Body).Decode(&view))
	require.True(t, view.Healthy)
}

func TestHandlerSubmitPlanRejectsBadMethod(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/plans")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlerSubmitPlanRejectsMalformedBody(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/plans", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerDLQPurge(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/dlq/purge", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 0, out["purged"])
}

func TestHandlerStats(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
}

func TestHandlerCancelPlanNotFound(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"plan_id": "missing", "reason": "test"})
	resp, err := http.Post(srv.URL+"/plans/cancel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerScaleResizesPools(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"dev": map[string]int{"min": 2, "max": 3}})
	resp, err := http.Post(srv.URL+"/scale", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]workerpool.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.GreaterOrEqual(t, out["dev"].Workers, 2)
}

func TestHandlerCanaryLifecycle(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	startBody, _ := json.Marshal(map[string]any{"id": "dep-http", "stages": []int{10, 100}})
	resp, err := http.Post(srv.URL+"/canary/start", "application/json", bytes.NewReader(startBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	statusResp, err := http.Get(srv.URL + "/canary/status?id=dep-http")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	pauseBody, _ := json.Marshal(map[string]string{"id": "dep-http"})
	pauseResp, err := http.Post(srv.URL+"/canary/pause", "application/json", bytes.NewReader(pauseBody))
	require.NoError(t, err)
	pauseResp.Body.Close()
	require.Equal(t, http.StatusOK, pauseResp.StatusCode)

	resumeResp, err := http.Post(srv.URL+"/canary/resume", "application/json", bytes.NewReader(pauseBody))
	require.NoError(t, err)
	resumeResp.Body.Close()
	require.Equal(t, http.StatusOK, resumeResp.StatusCode)

	rollbackBody, _ := json.Marshal(map[string]string{"id": "dep-http", "reason": "test"})
	rollbackResp, err := http.Post(srv.URL+"/canary/rollback", "application/json", bytes.NewReader(rollbackBody))
	require.NoError(t, err)
	defer rollbackResp.Body.Close()
	require.Equal(t, http.StatusOK, rollbackResp.StatusCode)
}

func TestHandlerCanaryStatusNotFound(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/canary/status?id=missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerMetricsReport(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"type": "deploy_error_rate:dep-x", "source": "lb", "value": 0.03})
	resp, err := http.Post(srv.URL+"/metrics/report", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return o.metrics.Stats("deploy_error_rate:dep-x").Count > 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerSubmitFix(t *testing.T) {
	o := newTestOrchestrator(t, passingAgents())
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	body, _ := json.Marshal(task.Task{Type: task.TypeFix, FilePath: "broken.go"})
	resp, err := http.Post(srv.URL+"/fix", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}
