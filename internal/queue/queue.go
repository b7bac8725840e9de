// Package queue implements a bounded, priority-ordered task queue: a
// min-heap over (priority, enqueue-seq) with retry-with-degrade-and-
// divert semantics and live metrics.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/taskforge/pipeline/internal/task"
)

// ErrQueueFull is returned by Put when the queue is at capacity and no
// room frees up before the caller's timeout (or immediately, with none).
var ErrQueueFull = errors.New("queue: full")

// ErrQueueClosed is returned by Get (and Put) once the queue has been
// shut down.
var ErrQueueClosed = errors.New("queue: closed")

// DivertFunc is invoked when a task's retry budget is exhausted; the
// caller (normally the event router) is responsible for routing it to
// the dead-letter queue.
type DivertFunc func(t task.Task)

// Queue is a bounded min-heap keyed by (priority, seq). Lower priority
// numbers are dequeued first; ties break FIFO by enqueue sequence.
type Queue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    *itemHeap
	capacity int
	closed   bool
	seq      uint64

	divert DivertFunc

	pending   atomic.Int64
	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	totalDuration atomic.Int64 // nanoseconds, summed
	durationCount atomic.Int64

	depthGauge metric.Int64Gauge
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithDivert sets the DLQ diversion callback used once retries exhaust.
func WithDivert(fn DivertFunc) Option {
	return func(q *Queue) { q.divert = fn }
}

// WithDepthGauge records pending depth to an OTel gauge on every mutation.
func WithDepthGauge(g metric.Int64Gauge) Option {
	return func(q *Queue) { q.depthGauge = g }
}

// New creates a Queue bounded at capacity entries.
func New(capacity int, opts ...Option) *Queue {
	q := &Queue{
		notEmpty: make(chan struct{}, 1),
		items:    &itemHeap{},
		capacity: capacity,
	}
	heap.Init(q.items)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type item struct {
	t        task.Task
	enqueued time.Time
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority < h[j].t.Priority
	}
	return h[i].t.Seq < h[j].t.Seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Put enqueues t, failing fast with ErrQueueFull when at capacity and no
// timeout was given via ctx, or blocking until ctx expires otherwise.
func (q *Queue) Put(ctx context.Context, t task.Task) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.capacity <= 0 || q.items.Len() < q.capacity {
			q.seq++
			t.Seq = q.seq
			t.Clamp()
			heap.Push(q.items, &item{t: t, enqueued: time.Now()})
			q.pending.Add(1)
			q.notifyLocked()
			q.mu.Unlock()
			q.recordDepth()
			return nil
		}
		q.mu.Unlock()

		if ctx == nil || ctx.Done() == nil {
			return ErrQueueFull
		}
		select {
		case <-ctx.Done():
			return ErrQueueFull
		case <-time.After(5 * time.Millisecond):
			// brief backoff before re-checking capacity
		}
	}
}

func (q *Queue) notifyLocked() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func (q *Queue) recordDepth() {
	if q.depthGauge == nil {
		return
	}
	q.depthGauge.Record(context.Background(), q.pending.Load())
}

// Get blocks until a task is available, the queue closes, or ctx is
// cancelled.
func (q *Queue) Get(ctx context.Context) (task.Task, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(q.items).(*item)
			q.pending.Add(-1)
			q.inFlight.Add(1)
			q.mu.Unlock()
			q.recordDepth()
			return it.t, nil
		}
		if q.closed {
			q.notifyLocked() // wake the next blocked Get so it sees the close too
			q.mu.Unlock()
			return task.Task{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

// TaskDone records the outcome of a task that Get previously returned.
func (q *Queue) TaskDone(success bool, duration time.Duration) {
	q.inFlight.Add(-1)
	if success {
		q.processed.Add(1)
	} else {
		q.failed.Add(1)
	}
	q.totalDuration.Add(int64(duration))
	q.durationCount.Add(1)
}

// Retry increments retry_count, degrades priority by one (capped), and
// re-enqueues; once retry_count exceeds max_retries it is diverted via
// the configured DivertFunc instead.
func (q *Queue) Retry(ctx context.Context, t task.Task) error {
	t.RetryCount++
	if t.RetryCount > t.MaxRetries {
		q.retried.Add(1)
		if q.divert != nil {
			q.divert(t)
		}
		return nil
	}
	t.Priority++
	t.Clamp()
	q.retried.Add(1)
	return q.Put(ctx, t)
}

// Cancel removes a still-pending task by id. Returns true if found.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range *q.items {
		if it.t.ID == id {
			heap.Remove(q.items, i)
			q.pending.Add(-1)
			return true
		}
	}
	return false
}

// Peek returns a snapshot of pending tasks without removing them.
func (q *Queue) Peek() []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]task.Task, 0, len(*q.items))
	for _, it := range *q.items {
		out = append(out, it.t)
	}
	return out
}

// WaitUntilEmpty blocks until no task is pending or in flight, or ctx
// expires.
func (q *Queue) WaitUntilEmpty(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.pending.Load() == 0 && q.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts the queue down; pending Get calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Stats is a point-in-time snapshot of queue metrics.
type Stats struct {
	Pending         int64
	InFlight        int64
	Processed       int64
	Failed          int64
	Retried         int64
	AvgProcessingMS float64
	SuccessRate     float64
}

// Stats returns the current metrics snapshot.
func (q *Queue) Stats() Stats {
	processed := q.processed.Load()
	failed := q.failed.Load()
	total := processed + failed
	var successRate float64
	if total > 0 {
		successRate = float64(processed) / float64(total)
	}
	var avgMS float64
	if n := q.durationCount.Load(); n > 0 {
		avgMS = float64(q.totalDuration.Load()) / float64(n) / float64(time.Millisecond)
	}
	return Stats{
		Pending:         q.pending.Load(),
		InFlight:        q.inFlight.Load(),
		Processed:       processed,
		Failed:          failed,
		Retried:         q.retried.Load(),
		AvgProcessingMS: avgMS,
		SuccessRate:     successRate,
	}
}
