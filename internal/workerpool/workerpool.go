// Package workerpool implements an auto-scaling worker pool: a monitor
// loop watches upstream queue depth and spawns or retires workers
// within configured bounds, with scale transitions throttled through a
// token bucket and a per-task deadline around every dispatch.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskforge/pipeline/internal/queue"
	"github.com/taskforge/pipeline/internal/task"
)

// ProcessFunc executes one task. An error hands the task to the caller's
// OnFailure hook (typically the Event Router's retry path).
type ProcessFunc func(ctx context.Context, t task.Task) error

// Config bounds pool size and scaling behavior.
type Config struct {
	Min                int
	Max                int
	ScaleCheckInterval time.Duration
	ScaleUpThreshold   int
	ScaleDownThreshold int
	TaskDeadline       time.Duration
	ShutdownTimeout    time.Duration
}

// DefaultConfig returns the pool's default bounds and intervals.
func DefaultConfig() Config {
	return Config{
		Min:                1,
		Max:                8,
		ScaleCheckInterval: 5 * time.Second,
		ScaleUpThreshold:   10,
		ScaleDownThreshold: 2,
		TaskDeadline:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}

// Pool runs Config.Min..Config.Max workers pulling from an upstream
// queue.Queue, scaling between bounds based on observed queue depth.
type Pool struct {
	cfg     Config
	q       *queue.Queue
	process ProcessFunc
	onFail  func(task.Task, error)

	limiter *rate.Limiter

	min atomic.Int64
	max atomic.Int64

	mu      sync.Mutex
	workers map[int64]*worker
	nextID  int64

	running  atomic.Int64
	scaledUp atomic.Int64
	scaledDn atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

type worker struct {
	id       int64
	cancel   context.CancelFunc
	busy     atomic.Bool
	retiring atomic.Bool
	lastIdle atomic.Int64 // unix nanos of last time this worker went idle
}

// New constructs a Pool. onFail is invoked on the worker's goroutine,
// after TaskDone, whenever process returns an error for a dequeued task.
func New(cfg Config, q *queue.Queue, process ProcessFunc, onFail func(task.Task, error)) *Pool {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	p := &Pool{
		cfg:     cfg,
		q:       q,
		process: process,
		onFail:  onFail,
		limiter: rate.NewLimiter(rate.Every(cfg.ScaleCheckInterval), 1),
		workers: make(map[int64]*worker),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	p.min.Store(int64(cfg.Min))
	p.max.Store(int64(cfg.Max))
	return p
}

// Start spawns Config.Min workers and begins the scale-check monitor
// loop. Start is not safe to call more than once.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Min; i++ {
		p.spawnWorker(ctx)
	}
	go p.monitorLoop(ctx)
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stats reports scaling activity for the orchestrator's health view.
type Stats struct {
	Workers    int
	ScaledUp   int64
	ScaledDown int64
}

func (p *Pool) Stats() Stats {
	return Stats{Workers: p.Size(), ScaledUp: p.scaledUp.Load(), ScaledDown: p.scaledDn.Load()}
}

func (p *Pool) spawnWorker(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	id := atomic.AddInt64(&p.nextID, 1)
	w := &worker{id: id, cancel: cancel}
	w.lastIdle.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()
	p.running.Add(1)

	go p.runWorker(wctx, w)
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	defer func() {
		p.mu.Lock()
		delete(p.workers, w.id)
		p.mu.Unlock()
		p.running.Add(-1)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := p.q.Get(ctx)
		if err != nil {
			return // queue closed or context cancelled
		}

		taskCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.TaskDeadline > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskDeadline)
		}
		w.busy.Store(true)
		start := time.Now()
		procErr := p.process(taskCtx, t)
		if cancel != nil {
			cancel()
		}
		w.busy.Store(false)
		p.q.TaskDone(procErr == nil, time.Since(start))
		w.lastIdle.Store(time.Now().UnixNano())

		if procErr != nil && p.onFail != nil {
			p.onFail(t, procErr)
		}
	}
}

// monitorLoop runs every ScaleCheckInterval, observing queue depth and
// scaling by at most one worker per interval.
func (p *Pool) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkScale(ctx)
		}
	}
}

func (p *Pool) checkScale(ctx context.Context) {
	depth := p.q.Stats().Pending
	size := p.Size()

	switch {
	case depth > int64(p.cfg.ScaleUpThreshold) && size < int(p.max.Load()):
		if !p.limiter.Allow() {
			return
		}
		p.spawnWorker(ctx)
		p.scaledUp.Add(1)
		slog.Info("workerpool scaled up", "workers", size+1, "depth", depth)
	case depth < int64(p.cfg.ScaleDownThreshold) && size > int(p.min.Load()):
		if !p.limiter.Allow() {
			return
		}
		if p.retireYoungestIdle() {
			p.scaledDn.Add(1)
			slog.Info("workerpool scaled down", "workers", size-1, "depth", depth)
		}
	}
}

// retireYoungestIdle cancels the most recently created idle worker,
// which is the cheapest to retire since it has accumulated the least
// state. A worker mid-task is never retired; a worker
// already cancelled but not yet deregistered is skipped so repeated
// calls retire distinct workers.
func (p *Pool) retireYoungestIdle() bool {
	p.mu.Lock()
	var youngest *worker
	for _, w := range p.workers {
		if w.busy.Load() || w.retiring.Load() {
			continue
		}
		if youngest == nil || w.id > youngest.id {
			youngest = w
		}
	}
	p.mu.Unlock()
	if youngest == nil {
		return false
	}
	youngest.retiring.Store(true)
	youngest.cancel()
	return true
}

// Stop signals the monitor loop to exit and waits up to ShutdownTimeout
// (or until ctx ends) for every worker to exit, then cancels any still
// running. Workers exit on their own once the queue is closed or their
// context ends.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopCh)

	deadline := time.NewTimer(p.cfg.ShutdownTimeout)
	defer deadline.Stop()
	for {
		if p.running.Load() == 0 {
			return
		}
		select {
		case <-deadline.C:
			p.cancelAll()
			return
		case <-ctx.Done():
			p.cancelAll()
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Resize changes the pool's min/max bounds at runtime. If the
// current worker count falls outside the new
// bounds, workers are spawned or retired immediately to match; the
// monitor loop's throttle does not apply to this explicit, operator-
// requested resize.
func (p *Pool) Resize(ctx context.Context, min, max int) {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	p.min.Store(int64(min))
	p.max.Store(int64(max))

	for p.Size() < min {
		p.spawnWorker(ctx)
	}
	for excess := p.Size() - max; excess > 0; excess-- {
		if !p.retireYoungestIdle() {
			break
		}
	}
}

// Bounds reports the pool's current min/max configuration.
func (p *Pool) Bounds() (min, max int) {
	return int(p.min.Load()), int(p.max.Load())
}

func (p *Pool) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.cancel()
	}
}
