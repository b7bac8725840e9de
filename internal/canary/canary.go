// Package canary implements a progressive-rollout controller: a
// deployment advances through traffic-percentage stages, gated by a
// health check at each stage boundary (and optionally mid-stage),
// rolling back on breach. Stage timers run as ad hoc cron entries, one
// set per active deployment, and state is persisted through
// internal/store.
package canary

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/pipeline/internal/store"
	"github.com/taskforge/pipeline/internal/task"
)

// HealthCheck reports the current error rate (0-1) and p95 latency (ms)
// observed for an in-flight deployment.
type HealthCheck func(id string) (errorRate float64, p95LatencyMs float64, err error)

// Config bounds rollout thresholds.
type Config struct {
	StageDuration       time.Duration
	HealthCheckInterval time.Duration // 0 disables mid-stage probing
	ErrorRateThreshold  float64
	LatencyThresholdMs  float64
}

// DefaultConfig returns the controller's default stage duration and
// health thresholds.
func DefaultConfig() Config {
	return Config{
		StageDuration:      300 * time.Second,
		ErrorRateThreshold: 0.10,
		LatencyThresholdMs: 200,
	}
}

// Status is a point-in-time view of one deployment.
type Status struct {
	ID             string    `json:"id"`
	Stages         []int     `json:"stages"`
	StageIndex     int       `json:"stage_index"`
	TrafficPercent int       `json:"traffic_percent"`
	Health         string    `json:"health"` // "healthy", "degraded", "failed"
	Done           bool      `json:"done"`
	Success        bool      `json:"success"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FailureReason  string    `json:"failure_reason,omitempty"`
}

const bucket = "canary"

// Controller tracks concurrent deployments keyed by id.
type Controller struct {
	cfg       Config
	check     HealthCheck
	emit      func(e task.Event)
	persisted *store.Store

	cron *cron.Cron

	mu          sync.Mutex
	deployments map[string]*deployment
}

type deployment struct {
	status  Status
	entries []cron.EntryID
}

// New constructs a Controller. persisted may be nil, in which case
// deployment state is in-memory only. emit is called with DEPLOY_OK /
// DEPLOY_FAIL events as rollouts complete.
func New(cfg Config, check HealthCheck, emit func(e task.Event), persisted *store.Store) *Controller {
	c := &Controller{
		cfg:         cfg,
		check:       check,
		emit:        emit,
		persisted:   persisted,
		cron:        cron.New(cron.WithSeconds()),
		deployments: make(map[string]*deployment),
	}
	c.cron.Start()
	return c
}

// Stop halts the scheduler, waiting for any in-flight cron job to finish.
func (c *Controller) Stop() {
	<-c.cron.Stop().Done()
}

// Start begins a new canary at stage 0 of stages (ascending traffic
// percentages, e.g. []int{10, 50, 100}).
func (c *Controller) Start(id string, stages []int) error {
	if len(stages) == 0 {
		return fmt.Errorf("canary: stages must be non-empty")
	}

	d := &deployment{status: Status{
		ID:             id,
		Stages:         append([]int(nil), stages...),
		StageIndex:     0,
		TrafficPercent: stages[0],
		Health:         "healthy",
		StartedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}}

	c.mu.Lock()
	c.deployments[id] = d
	c.mu.Unlock()

	c.persist(d)
	c.scheduleStageBoundary(id)
	if c.cfg.HealthCheckInterval > 0 {
		c.scheduleMidStageProbe(id)
	}
	slog.Info("canary started", "id", id, "stages", stages)
	return nil
}

func (c *Controller) scheduleStageBoundary(id string) {
	spec := fmt.Sprintf("@every %s", c.cfg.StageDuration)
	entryID, err := c.cron.AddFunc(spec, func() { c.advanceStage(id) })
	if err != nil {
		slog.Error("canary: schedule stage boundary failed", "id", id, "error", err)
		return
	}
	c.mu.Lock()
	if d, ok := c.deployments[id]; ok {
		d.entries = append(d.entries, entryID)
	}
	c.mu.Unlock()
}

func (c *Controller) scheduleMidStageProbe(id string) {
	spec := fmt.Sprintf("@every %s", c.cfg.HealthCheckInterval)
	entryID, err := c.cron.AddFunc(spec, func() { c.probe(id) })
	if err != nil {
		slog.Error("canary: schedule mid-stage probe failed", "id", id, "error", err)
		return
	}
	c.mu.Lock()
	if d, ok := c.deployments[id]; ok {
		d.entries = append(d.entries, entryID)
	}
	c.mu.Unlock()
}

// probe runs a mid-stage health check: a breach marks the deployment
// degraded (surfaced in Status and persisted) without rolling back; the
// stage-boundary evaluation decides rollback.
func (c *Controller) probe(id string) {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if ok {
		ok = !d.status.Done
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	healthy := c.healthy(id)

	c.mu.Lock()
	d, ok = c.deployments[id]
	if !ok || d.status.Done {
		c.mu.Unlock()
		return
	}
	prev := d.status.Health
	if healthy {
		d.status.Health = "healthy"
	} else {
		d.status.Health = "degraded"
	}
	changed := prev != d.status.Health
	if changed {
		d.status.UpdatedAt = time.Now()
	}
	c.mu.Unlock()

	if changed {
		c.persist(d)
		if !healthy {
			slog.Warn("canary degraded mid-stage", "id", id)
		}
	}
}

// advanceStage runs the stage-boundary health check: advances on pass,
// rolls back on breach, and declares success once past the last stage.
func (c *Controller) advanceStage(id string) {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if ok {
		ok = !d.status.Done
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if !c.healthy(id) {
		c.Rollback(id, "stage-boundary health check breached threshold")
		return
	}

	c.mu.Lock()
	d = c.deployments[id]
	d.status.StageIndex++
	if d.status.StageIndex >= len(d.status.Stages) {
		d.status.TrafficPercent = 100
		d.status.Done = true
		d.status.Success = true
		d.status.Health = "healthy"
		d.status.UpdatedAt = time.Now()
		c.mu.Unlock()
		c.stopEntries(d)
		c.persist(d)
		c.emitEvent(task.EventDeployOK, id)
		slog.Info("canary completed", "id", id)
		return
	}
	d.status.TrafficPercent = d.status.Stages[d.status.StageIndex]
	d.status.Health = "healthy"
	d.status.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.persist(d)
	slog.Info("canary advanced", "id", id, "traffic_percent", d.status.TrafficPercent)
}

func (c *Controller) healthy(id string) bool {
	if c.check == nil {
		return true
	}
	errRate, p95, err := c.check(id)
	if err != nil {
		slog.Warn("canary: health check errored, treating as breached", "id", id, "error", err)
		return false
	}
	return errRate <= c.cfg.ErrorRateThreshold && p95 <= c.cfg.LatencyThresholdMs
}

// Rollback aborts a deployment, marking it failed and emitting
// DEPLOY_FAIL. Safe to call externally or from internal health-check
// failure paths.
func (c *Controller) Rollback(id, reason string) {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if !ok || d.status.Done {
		c.mu.Unlock()
		return
	}
	d.status.Done = true
	d.status.Success = false
	d.status.Health = "failed"
	d.status.FailureReason = reason
	d.status.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.stopEntries(d)
	c.persist(d)
	c.emitEvent(task.EventDeployFail, id)
	slog.Warn("canary rolled back", "id", id, "reason", reason)
}

// Pause suspends stage advancement and mid-stage probing for an active
// deployment without changing its recorded stage or traffic percent;
// the deployment stays at its current percentage until Resume.
func (c *Controller) Pause(id string) error {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("canary: unknown deployment %q", id)
	}
	if d.status.Done {
		c.mu.Unlock()
		return fmt.Errorf("canary: deployment %q already finished", id)
	}
	entries := d.entries
	d.entries = nil
	c.mu.Unlock()

	for _, e := range entries {
		c.cron.Remove(e)
	}
	slog.Info("canary paused", "id", id)
	return nil
}

// Resume reschedules stage advancement and mid-stage probing for a
// previously paused deployment, picking up from its current stage.
func (c *Controller) Resume(id string) error {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("canary: unknown deployment %q", id)
	}
	if d.status.Done {
		c.mu.Unlock()
		return fmt.Errorf("canary: deployment %q already finished", id)
	}
	if len(d.entries) > 0 {
		c.mu.Unlock()
		return fmt.Errorf("canary: deployment %q is not paused", id)
	}
	c.mu.Unlock()

	c.scheduleStageBoundary(id)
	if c.cfg.HealthCheckInterval > 0 {
		c.scheduleMidStageProbe(id)
	}
	slog.Info("canary resumed", "id", id)
	return nil
}

func (c *Controller) stopEntries(d *deployment) {
	for _, e := range d.entries {
		c.cron.Remove(e)
	}
}

func (c *Controller) emitEvent(t task.EventType, id string) {
	if c.emit == nil {
		return
	}
	c.emit(task.Event{Type: t, TaskID: id, Timestamp: time.Now()})
}

func (c *Controller) persist(d *deployment) {
	if c.persisted == nil {
		return
	}
	data, err := json.Marshal(d.status)
	if err != nil {
		slog.Error("canary: marshal status failed", "error", err)
		return
	}
	if err := c.persisted.Put(bucket, d.status.ID, data); err != nil {
		slog.Error("canary: persist status failed", "error", err)
	}
}

// Status returns the current status of a deployment, and false if id is
// unknown.
func (c *Controller) Status(id string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deployments[id]
	if !ok {
		return Status{}, false
	}
	return d.status, true
}

// All returns a snapshot of every known deployment's status.
func (c *Controller) All() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.deployments))
	for _, d := range c.deployments {
		out = append(out, d.status)
	}
	return out
}
