package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskforge/pipeline/internal/metricsstream"
	"github.com/taskforge/pipeline/internal/task"
)

// Handler exposes the orchestrator's operational surface over HTTP:
// one http.ServeMux, one handler per concern, JSON responses.
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/plans", o.handleSubmitPlan)
	mux.HandleFunc("/plans/cancel", o.handleCancelPlan)
	mux.HandleFunc("/plans/versions", o.handlePlanVersions)
	mux.HandleFunc("/health", o.handleHealth)
	mux.HandleFunc("/stats", o.handleStats)
	mux.HandleFunc("/dlq", o.handleDLQ)
	mux.HandleFunc("/dlq/purge", o.handleDLQPurge)
	mux.HandleFunc("/fix", o.handleSubmitFix)
	mux.HandleFunc("/scale", o.handleScale)
	mux.HandleFunc("/canary/start", o.handleCanaryStart)
	mux.HandleFunc("/canary/rollback", o.handleCanaryRollback)
	mux.HandleFunc("/canary/pause", o.handleCanaryPause)
	mux.HandleFunc("/canary/resume", o.handleCanaryResume)
	mux.HandleFunc("/canary/status", o.handleCanaryStatus)
	mux.HandleFunc("/metrics/report", o.handleMetricsReport)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (o *Orchestrator) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var plan task.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := o.SubmitPlan(r.Context(), plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": id})
}

func (o *Orchestrator) handleSubmitFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := o.SubmitFix(r.Context(), t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID})
}

func (o *Orchestrator) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req struct {
		PlanID string `json:"plan_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := o.CancelPlan(req.PlanID, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (o *Orchestrator) handlePlanVersions(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("plan_id")
	versions, err := o.PlanVersions(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := o.Health()
	status := http.StatusOK
	if !view.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, view)
}

func (o *Orchestrator) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.Stats())
}

func (o *Orchestrator) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 100
	records, err := o.router.Peek(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (o *Orchestrator) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	n, err := o.router.Purge()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (o *Orchestrator) handleScale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req struct {
		Dev *ScaleRequest `json:"dev,omitempty"`
		QA  *ScaleRequest `json:"qa,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dev, qa, deploy := o.Scale(req.Dev, req.QA)
	writeJSON(w, http.StatusOK, map[string]any{"dev": dev, "qa": qa, "deploy": deploy})
}

func (o *Orchestrator) handleCanaryStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req struct {
		ID     string `json:"id"`
		Stages []int  `json:"stages,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := o.StartCanary(req.ID, req.Stages); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID})
}

func (o *Orchestrator) handleCanaryRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o.RollbackCanary(req.ID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (o *Orchestrator) handleCanaryPause(w http.ResponseWriter, r *http.Request) {
	o.handleCanaryPauseResume(w, r, o.PauseCanary, "paused")
}

func (o *Orchestrator) handleCanaryResume(w http.ResponseWriter, r *http.Request) {
	o.handleCanaryPauseResume(w, r, o.ResumeCanary, "resumed")
}

func (o *Orchestrator) handleCanaryPauseResume(w http.ResponseWriter, r *http.Request, op func(string) error, status string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := op(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (o *Orchestrator) handleCanaryStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	status, ok := o.CanaryStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("canary: unknown deployment %q", id))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (o *Orchestrator) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var m metricsstream.Metric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o.ReportMetric(m)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

var errMethodNotAllowed = httpMethodNotAllowedErr{}

type httpMethodNotAllowedErr struct{}

func (httpMethodNotAllowedErr) Error() string { return "method not allowed" }
