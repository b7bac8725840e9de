package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/taskforge/pipeline/internal/task"
)

func TestPriorityOrdering(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, task.Task{ID: "low", Priority: 4}))
	require.NoError(t, q.Put(ctx, task.Task{ID: "high", Priority: 1}))
	require.NoError(t, q.Put(ctx, task.Task{ID: "mid", Priority: 3}))

	got, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "high", got.ID)

	got, err = q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "mid", got.ID)

	got, err = q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "low", got.ID)
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, task.Task{ID: id, Priority: 2}))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.ID)
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, task.Task{ID: "a"}))
	err := q.Put(ctx, task.Task{ID: "b"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestGetBlocksUntilClosed(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Close")
	}
}

func TestRetryDegradesPriorityThenDiverts(t *testing.T) {
	var diverted []task.Task
	q := New(0, WithDivert(func(tk task.Task) { diverted = append(diverted, tk) }))
	ctx := context.Background()

	tk := task.Task{ID: "x", Priority: 3, MaxRetries: 1}
	require.NoError(t, q.Retry(ctx, tk))
	got, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, got.Priority)
	require.Equal(t, 1, got.RetryCount)

	// second retry exceeds max_retries=1, should divert instead of requeue
	require.NoError(t, q.Retry(ctx, got))
	require.Len(t, diverted, 1)
	require.Equal(t, 2, diverted[0].RetryCount)

	stats := q.Stats()
	require.Equal(t, int64(0), stats.Pending)
}

func TestCancelRemovesPending(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, task.Task{ID: "a", Priority: 1}))
	require.NoError(t, q.Put(ctx, task.Task{ID: "b", Priority: 2}))
	require.True(t, q.Cancel("a"))
	require.False(t, q.Cancel("missing"))

	got, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got.ID)
}

func TestWaitUntilEmpty(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, task.Task{ID: "a"}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		tk, _ := q.Get(ctx)
		q.TaskDone(true, time.Millisecond)
		_ = tk
	}()
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitUntilEmpty(waitCtx))
}

func TestDepthGaugeOptionDoesNotDisturbOrdering(t *testing.T) {
	g, err := noop.NewMeterProvider().Meter("test").Int64Gauge("queue_depth")
	require.NoError(t, err)

	q := New(0, WithDepthGauge(g))
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, task.Task{ID: "b", Priority: 2}))
	require.NoError(t, q.Put(ctx, task.Task{ID: "a", Priority: 1}))

	got, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
}

func TestStatsSuccessRate(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, task.Task{ID: "a"}))
	require.NoError(t, q.Put(ctx, task.Task{ID: "b"}))
	tk1, _ := q.Get(ctx)
	tk2, _ := q.Get(ctx)
	_ = tk1
	_ = tk2
	q.TaskDone(true, 5*time.Millisecond)
	q.TaskDone(false, 15*time.Millisecond)

	stats := q.Stats()
	require.Equal(t, 0.5, stats.SuccessRate)
	require.InDelta(t, 10.0, stats.AvgProcessingMS, 0.01)
}
