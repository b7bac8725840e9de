// Package devfixpool implements the unified dev/fix worker pool: one
// priority queue carries both task.TypeDev and task.TypeFix tasks, and
// the pool dispatches each to the matching callable while sharing a
// single worker budget.
package devfixpool

import (
	"context"
	"fmt"

	"github.com/taskforge/pipeline/internal/queue"
	"github.com/taskforge/pipeline/internal/task"
	"github.com/taskforge/pipeline/internal/workerpool"
)

// Callable runs one task to completion.
type Callable func(ctx context.Context, t task.Task) error

// Pool wraps a workerpool.Pool whose ProcessFunc dispatches by task.Type.
// Fix tasks are pinned to task.FixPriority by the caller before Put, so
// they naturally preempt queued dev work sharing the same worker budget.
type Pool struct {
	inner *workerpool.Pool
	queue *queue.Queue
}

// New builds a Pool dispatching to dev for task.TypeDev and fix for
// task.TypeFix; any other type is a logic error reported to onFail.
func New(cfg workerpool.Config, q *queue.Queue, dev, fix Callable, onFail func(task.Task, error)) *Pool {
	dispatch := func(ctx context.Context, t task.Task) error {
		switch t.Type {
		case task.TypeDev:
			return dev(ctx, t)
		case task.TypeFix:
			return fix(ctx, t)
		default:
			return fmt.Errorf("devfixpool: unsupported task type %q", t.Type)
		}
	}
	return &Pool{inner: workerpool.New(cfg, q, dispatch, onFail), queue: q}
}

// Start begins processing.
func (p *Pool) Start(ctx context.Context) { p.inner.Start(ctx) }

// Stop gracefully shuts the pool down; see workerpool.Pool.Stop.
func (p *Pool) Stop(ctx context.Context) { p.inner.Stop(ctx) }

// SubmitDev enqueues a dev task at the given priority band (from
// internal/priority).
func (p *Pool) SubmitDev(ctx context.Context, t task.Task) error {
	t.Type = task.TypeDev
	return p.queue.Put(ctx, t)
}

// SubmitFix enqueues a fix task pinned to the highest-urgency band.
func (p *Pool) SubmitFix(ctx context.Context, t task.Task) error {
	t.Type = task.TypeFix
	t.Priority = task.FixPriority
	return p.queue.Put(ctx, t)
}

// Stats exposes the underlying pool's scaling stats.
func (p *Pool) Stats() workerpool.Stats { return p.inner.Stats() }

// Resize passes through to the underlying pool's live min/max resize.
func (p *Pool) Resize(ctx context.Context, min, max int) { p.inner.Resize(ctx, min, max) }

// Bounds reports the underlying pool's current min/max configuration.
func (p *Pool) Bounds() (min, max int) { return p.inner.Bounds() }
