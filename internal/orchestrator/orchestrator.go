package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskforge/pipeline/internal/agents"
	"github.com/taskforge/pipeline/internal/breaker"
	"github.com/taskforge/pipeline/internal/cache"
	"github.com/taskforge/pipeline/internal/canary"
	"github.com/taskforge/pipeline/internal/devfixpool"
	"github.com/taskforge/pipeline/internal/escalation"
	"github.com/taskforge/pipeline/internal/metricsstream"
	"github.com/taskforge/pipeline/internal/perrors"
	"github.com/taskforge/pipeline/internal/priority"
	"github.com/taskforge/pipeline/internal/queue"
	"github.com/taskforge/pipeline/internal/router"
	"github.com/taskforge/pipeline/internal/store"
	"github.com/taskforge/pipeline/internal/task"
	"github.com/taskforge/pipeline/internal/workerpool"
)

// AgentSet holds the three opaque agent callables injected by the
// caller. The pipeline never inspects their internals.
type AgentSet struct {
	Dev agents.Dev
	QA  agents.QA
	Ops agents.Ops
}

// Orchestrator wires the task queue, cache, circuit breaker, dependency
// analyzer, priority assigner, worker pools, event router, canary
// controller, and metrics stream manager into one submit/drain/stats
// surface.
type Orchestrator struct {
	cfg    Config
	agents AgentSet

	devFixQueue *queue.Queue
	devFixPool  *devfixpool.Pool
	qaQueue     *queue.Queue
	qaPool      *workerpool.Pool
	deployQueue *queue.Queue
	deployPool  *workerpool.Pool

	cache     *cache.Cache
	breakers  *breaker.Registry
	router    *router.Router
	canaryCtl *canary.Controller
	metrics   *metricsstream.Manager
	store     *store.Store
	assigner  *priority.Assigner
	cron      *cron.Cron
	cancelMgr *CancellationManager

	mu         sync.Mutex
	plans      map[string]*planState
	fileToPlan map[string]string

	progressMu   sync.Mutex
	lastProgress map[string]time.Time

	deployMu       sync.Mutex
	deployPayloads map[string]map[string]any
	deployRetries  map[string]int

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New assembles an Orchestrator from cfg and the injected agent set.
// escalate, if nil, defaults to escalation.NoopSink (logs only).
func New(cfg Config, agentSet AgentSet, escalate escalation.Sink) (*Orchestrator, error) {
	if escalate == nil {
		escalate = escalation.NoopSink
	}

	var st *store.Store
	if cfg.StorePath != "" {
		s, err := store.Open(cfg.StorePath, "dlq", "canary", "plans")
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open store: %w", err)
		}
		st = s
	}

	o := &Orchestrator{
		cfg:            cfg,
		agents:         agentSet,
		cache:          cache.New(cfg.CacheTTL, cfg.CacheMaxSize),
		breakers:       breaker.NewRegistry(cfg.Breaker),
		store:          st,
		assigner:       priority.New(),
		cron:           cron.New(cron.WithSeconds()),
		cancelMgr:      NewCancellationManager(),
		plans:          make(map[string]*planState),
		fileToPlan:     make(map[string]string),
		lastProgress:   make(map[string]time.Time),
		deployPayloads: make(map[string]map[string]any),
		deployRetries:  make(map[string]int),
		metrics:        metricsstream.New(cfg.Metrics),
	}

	o.router = router.New(cfg.Router, st, escalate)
	o.wireEvents()

	meter := otel.Meter("github.com/taskforge/pipeline/internal/orchestrator")

	o.devFixQueue = queue.New(cfg.QueueCapacity, queue.WithDivert(o.divertDev), queue.WithDepthGauge(depthGauge(meter, "dev_fix")))
	o.devFixPool = devfixpool.New(cfg.DevFixPool, o.devFixQueue, o.processDev, o.processFix, o.onDevFixFail)

	o.qaQueue = queue.New(cfg.QueueCapacity, queue.WithDivert(o.divertQA), queue.WithDepthGauge(depthGauge(meter, "qa")))
	o.qaPool = workerpool.New(cfg.QAPool, o.qaQueue, o.processQA, o.onQAFail)

	o.deployQueue = queue.New(cfg.QueueCapacity, queue.WithDivert(o.divertDeploy), queue.WithDepthGauge(depthGauge(meter, "deploy")))
	o.deployPool = workerpool.New(cfg.DeployPool, o.deployQueue, o.processDeploy, o.onDeployPoolFail)

	var health canary.HealthCheck
	if cfg.CanaryEnabled {
		health = o.canaryHealthCheck
	}
	o.canaryCtl = canary.New(cfg.Canary, health, o.onCanaryEvent, st)

	if st != nil && cfg.DLQSweepInterval > 0 {
		spec := fmt.Sprintf("@every %s", cfg.DLQSweepInterval)
		if _, err := o.cron.AddFunc(spec, o.sweepDLQ); err != nil {
			slog.Error("orchestrator: schedule dlq sweep failed", "error", err)
		}
	}

	o.cron.Start()

	return o, nil
}

// sweepDLQ periodically re-escalates resident DLQ records so an
// unserviced dead letter doesn't go quiet after its first ESCALATE.
func (o *Orchestrator) sweepDLQ() {
	if n := o.router.ReEscalate(o.backgroundCtx()); n > 0 {
		slog.Warn("dlq sweep re-escalated resident records", "count", n)
	}
}

// depthGauge builds the per-queue pending-depth gauge recorded on
// every queue mutation. Gauge construction only fails on an invalid
// instrument name, so a nil return just disables recording.
func depthGauge(meter metric.Meter, queueName string) metric.Int64Gauge {
	g, err := meter.Int64Gauge(
		"pipeline.queue."+queueName+".depth",
		metric.WithDescription("pending tasks in the "+queueName+" queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		slog.Error("orchestrator: queue depth gauge init failed", "queue", queueName, "error", err)
		return nil
	}
	return g
}

// Start begins every worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.rootCtx, o.rootCancel = context.WithCancel(ctx)
	o.devFixPool.Start(o.rootCtx)
	o.qaPool.Start(o.rootCtx)
	o.deployPool.Start(o.rootCtx)
}

// Stop shuts every pool down, honoring graceful per-pool shutdown
// timeouts when graceful is true, or cancelling in-flight work
// immediately otherwise.
func (o *Orchestrator) Stop(ctx context.Context, graceful bool, timeout time.Duration) {
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !graceful {
		o.cancelMgr.CancelAll("orchestrator stop(graceful=false)")
		if o.rootCancel != nil {
			o.rootCancel()
		}
	}

	// Close queues first so idle workers see ErrQueueClosed and exit
	// instead of blocking in Get until the pool's shutdown deadline;
	// pending tasks are still drained before the close is observed.
	o.devFixQueue.Close()
	o.qaQueue.Close()
	o.deployQueue.Close()

	o.devFixPool.Stop(stopCtx)
	o.qaPool.Stop(stopCtx)
	o.deployPool.Stop(stopCtx)

	o.canaryCtl.Stop()
	o.metrics.Stop()
	o.cron.Stop()

	if o.store != nil {
		if err := o.store.Close(); err != nil {
			slog.Error("orchestrator: store close failed", "error", err)
		}
	}
	if o.rootCancel != nil {
		o.rootCancel()
	}
}

// Drain blocks until every queue is empty of pending and in-flight work,
// or ctx expires.
func (o *Orchestrator) Drain(ctx context.Context) error {
	for _, q := range []*queue.Queue{o.devFixQueue, o.qaQueue, o.deployQueue} {
		if err := q.WaitUntilEmpty(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ScaleRequest carries an optional new (min, max) bound for one pool;
// a nil request leaves that pool's bounds untouched.
type ScaleRequest struct {
	Min int
	Max int
}

// Scale optionally resizes the dev/fix and QA pool bounds, then reports
// the (possibly just-updated) stats for all three pools.
func (o *Orchestrator) Scale(dev, qa *ScaleRequest) (devStats, qaStats, deployStats workerpool.Stats) {
	ctx := o.backgroundCtx()
	if dev != nil {
		o.devFixPool.Resize(ctx, dev.Min, dev.Max)
	}
	if qa != nil {
		o.qaPool.Resize(ctx, qa.Min, qa.Max)
	}
	return o.devFixPool.Stats(), o.qaPool.Stats(), o.deployPool.Stats()
}

// StartCanary begins a new canary deployment, using the configured
// default stages if none are given.
func (o *Orchestrator) StartCanary(id string, stages []int) error {
	if len(stages) == 0 {
		stages = o.cfg.CanaryStages
	}
	return o.canaryCtl.Start(id, stages)
}

// RollbackCanary aborts an in-flight canary deployment externally.
func (o *Orchestrator) RollbackCanary(id, reason string) {
	o.canaryCtl.Rollback(id, reason)
}

// PauseCanary suspends stage advancement for a deployment.
func (o *Orchestrator) PauseCanary(id string) error {
	return o.canaryCtl.Pause(id)
}

// ResumeCanary reschedules stage advancement for a paused deployment.
func (o *Orchestrator) ResumeCanary(id string) error {
	return o.canaryCtl.Resume(id)
}

// CanaryStatus returns the current status of one deployment.
func (o *Orchestrator) CanaryStatus(id string) (canary.Status, bool) {
	return o.canaryCtl.Status(id)
}

// ReportMetric lets an external observer (traffic monitor, load
// balancer sidecar) feed a metric into the stream manager — most
// notably "deploy_error_rate:<id>"/"deploy_latency_ms:<id>" samples
// that extend the window canaryHealthCheck reads at each stage
// boundary, beyond what the Ops agent's own deploy response reported.
func (o *Orchestrator) ReportMetric(m metricsstream.Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	o.metrics.Broadcast(m)
}

// SubmitFix enqueues an externally-originated fix task directly, pinned
// to the highest-urgency band.
func (o *Orchestrator) SubmitFix(ctx context.Context, t task.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.MaxRetries = defaultMaxRetries(t.MaxRetries)
	return o.devFixPool.SubmitFix(ctx, t)
}

func defaultMaxRetries(n int) int {
	if n <= 0 {
		return task.DefaultRetry
	}
	return n
}

// divertDev is the devFixQueue's DivertFunc: once a dev/fix task's retry
// budget is exhausted it is diverted to the DLQ via the router.
func (o *Orchestrator) divertDev(t task.Task) { o.divert(t, task.EventFileFailed) }
func (o *Orchestrator) divertQA(t task.Task)  { o.divert(t, task.EventQAFailed) }

func (o *Orchestrator) divertDeploy(t task.Task) { o.divert(t, task.EventDeployFail) }

func (o *Orchestrator) divert(t task.Task, evType task.EventType) {
	ctx := context.Background()
	o.router.Route(ctx, task.Event{
		Type:      evType,
		TaskID:    t.ID,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"file_path":   t.FilePath,
			"retry_count": t.RetryCount,
			"last_error":  t.LastError,
			"diverted":    true,
		},
	})
}

// onDevFixFail handles a failed dev or fix task: the callable errored
// regardless of which leg of the unified pool ran it, so one handler
// covers both.
func (o *Orchestrator) onDevFixFail(t task.Task, err error) {
	t.LastError = err.Error()
	if perrors.Retryable(err) {
		if rerr := o.devFixQueue.Retry(o.backgroundCtx(), t); rerr != nil {
			slog.Error("orchestrator: dev/fix retry failed", "task_id", t.ID, "type", t.Type, "error", rerr)
		}
		return
	}
	o.router.Route(o.backgroundCtx(), task.Event{Type: task.EventFileFailed, TaskID: t.ID, Timestamp: time.Now(),
		Payload: map[string]any{"file_path": t.FilePath, "error": err.Error()}})
}

func (o *Orchestrator) onQAFail(t task.Task, err error) {
	t.LastError = err.Error()
	if perrors.Retryable(err) {
		if rerr := o.qaQueue.Retry(o.backgroundCtx(), t); rerr != nil {
			slog.Error("orchestrator: qa retry failed", "task_id", t.ID, "error", rerr)
		}
		return
	}
	o.router.Route(o.backgroundCtx(), task.Event{Type: task.EventQAFailed, TaskID: t.ID, Timestamp: time.Now(),
		Payload: map[string]any{"file_path": t.FilePath, "error": err.Error()}})
}

func (o *Orchestrator) onDeployPoolFail(t task.Task, err error) {
	t.LastError = err.Error()
	if perrors.Retryable(err) {
		if rerr := o.deployQueue.Retry(o.backgroundCtx(), t); rerr != nil {
			slog.Error("orchestrator: deploy retry failed", "task_id", t.ID, "error", rerr)
		}
		return
	}
	o.router.Route(o.backgroundCtx(), task.Event{Type: task.EventDeployFail, TaskID: t.ID, Timestamp: time.Now(),
		Payload: map[string]any{"error": err.Error()}})
}

func (o *Orchestrator) backgroundCtx() context.Context {
	if o.rootCtx != nil {
		return o.rootCtx
	}
	return context.Background()
}

// touchProgress records that queue name made forward progress just now,
// feeding the health view's stall detection.
func (o *Orchestrator) touchProgress(name string) {
	o.progressMu.Lock()
	o.lastProgress[name] = time.Now()
	o.progressMu.Unlock()
}

func (o *Orchestrator) progressSnapshot() map[string]time.Time {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	out := make(map[string]time.Time, len(o.lastProgress))
	for k, v := range o.lastProgress {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) canaryHealthCheck(id string) (float64, float64, error) {
	errStats := o.metrics.Stats("deploy_error_rate:" + id)
	latStats := o.metrics.Stats("deploy_latency_ms:" + id)
	return errStats.Avg, latStats.P95, nil
}

func (o *Orchestrator) onCanaryEvent(e task.Event) {
	o.router.Route(o.backgroundCtx(), e)
}
