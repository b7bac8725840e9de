package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/queue"
	"github.com/taskforge/pipeline/internal/task"
)

func TestPoolProcessesQueuedTasks(t *testing.T) {
	q := queue.New(100)
	var processed atomic.Int64
	p := New(Config{
		Min: 2, Max: 2, ScaleCheckInterval: time.Hour,
		ScaleUpThreshold: 10, ScaleDownThreshold: 2, TaskDeadline: time.Second, ShutdownTimeout: time.Second,
	}, q, func(ctx context.Context, tk task.Task) error {
		processed.Add(1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(context.Background(), task.Task{ID: string(rune('a' + i)), Priority: 3}))
	}
	require.Eventually(t, func() bool { return processed.Load() == 5 }, time.Second, 10*time.Millisecond)
}

func TestPoolInvokesOnFailForProcessErrors(t *testing.T) {
	q := queue.New(100)
	failed := make(chan task.Task, 1)
	p := New(DefaultConfig(), q, func(ctx context.Context, tk task.Task) error {
		return context.DeadlineExceeded
	}, func(tk task.Task, err error) {
		failed <- tk
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.NoError(t, q.Put(context.Background(), task.Task{ID: "x", Priority: 3}))
	select {
	case tk := <-failed:
		require.Equal(t, "x", tk.ID)
	case <-time.After(time.Second):
		t.Fatal("onFail was not invoked")
	}
}

func TestScaleUpWhenDepthExceedsThreshold(t *testing.T) {
	q := queue.New(100)
	block := make(chan struct{})
	p := New(Config{
		Min: 1, Max: 4, ScaleCheckInterval: 20 * time.Millisecond,
		ScaleUpThreshold: 2, ScaleDownThreshold: 0, TaskDeadline: time.Second, ShutdownTimeout: time.Second,
	}, q, func(ctx context.Context, tk task.Task) error {
		<-block
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(context.Background(), task.Task{ID: string(rune('a' + i)), Priority: 3}))
	}

	require.Eventually(t, func() bool { return p.Size() > 1 }, time.Second, 10*time.Millisecond)
	close(block)
}

func TestResizeGrowsAndShrinksWorkerCount(t *testing.T) {
	q := queue.New(100)
	p := New(Config{
		Min: 1, Max: 1, ScaleCheckInterval: time.Hour,
		ScaleUpThreshold: 1000, ScaleDownThreshold: 0, TaskDeadline: time.Second, ShutdownTimeout: time.Second,
	}, q, func(ctx context.Context, tk task.Task) error {
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	require.Equal(t, 1, p.Size())

	p.Resize(ctx, 3, 5)
	min, max := p.Bounds()
	require.Equal(t, 3, min)
	require.Equal(t, 5, max)
	require.Eventually(t, func() bool { return p.Size() == 3 }, time.Second, 10*time.Millisecond)

	p.Resize(ctx, 1, 1)
	require.Eventually(t, func() bool { return p.Size() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStopWaitsForInFlightThenReturns(t *testing.T) {
	q := queue.New(100)
	started := make(chan struct{})
	release := make(chan struct{})
	p := New(Config{
		Min: 1, Max: 1, ScaleCheckInterval: time.Hour,
		ScaleUpThreshold: 10, ScaleDownThreshold: 0, TaskDeadline: time.Minute, ShutdownTimeout: time.Second,
	}, q, func(ctx context.Context, tk task.Task) error {
		close(started)
		<-release
		return nil
	}, nil)

	ctx := context.Background()
	p.Start(ctx)
	require.NoError(t, q.Put(ctx, task.Task{ID: "x", Priority: 3}))

	<-started
	done := make(chan struct{})
	go func() {
		p.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after task finished")
	}
}
