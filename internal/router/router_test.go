package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/store"
	"github.com/taskforge/pipeline/internal/task"
)

func openDLQStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dlq.db"), "dlq")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouteSucceedsOnFirstTry(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	var calls atomic.Int64
	r.On(task.EventFileCompleted, func(ctx context.Context, e task.Event) error {
		calls.Add(1)
		return nil
	})
	r.Route(context.Background(), task.Event{Type: task.EventFileCompleted, TaskID: "t1"})
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, int64(0), r.Stats().Failed)
}

func TestRouteRetriesThenSucceeds(t *testing.T) {
	r := New(Config{MaxRetries: 3, HandlerTimeout: time.Second}, nil, nil)
	var calls atomic.Int64
	r.On(task.EventQAFailed, func(ctx context.Context, e task.Event) error {
		n := calls.Add(1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	})
	start := time.Now()
	r.Route(context.Background(), task.Event{Type: task.EventQAFailed, TaskID: "t2"})
	require.Equal(t, int64(2), calls.Load())
	require.GreaterOrEqual(t, time.Since(start), time.Second) // 2^0 = 1s backoff before 2nd try
}

func TestRouteExhaustsIntoDLQ(t *testing.T) {
	s := openDLQStore(t)
	var escalated task.Event
	r := New(Config{MaxRetries: 1, HandlerTimeout: time.Second}, s, func(ctx context.Context, e task.Event, chain []string) {
		escalated = e
	})
	r.On(task.EventDeployFail, func(ctx context.Context, e task.Event) error {
		return errors.New("deploy broke")
	})

	r.Route(context.Background(), task.Event{Type: task.EventDeployFail, TaskID: "t3"})

	stats := r.Stats()
	require.Equal(t, 1, stats.DLQSize)
	require.Equal(t, task.EventEscalate, escalated.Type)
	require.Equal(t, "t3", escalated.TaskID)

	recs, err := r.Peek(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "t3", recs[0].Event.TaskID)
}

func TestPurgeEmptiesDLQ(t *testing.T) {
	s := openDLQStore(t)
	r := New(Config{MaxRetries: 0, HandlerTimeout: time.Second}, s, nil)
	r.On(task.EventDeployFail, func(ctx context.Context, e task.Event) error {
		return errors.New("fail")
	})
	r.Route(context.Background(), task.Event{Type: task.EventDeployFail, TaskID: "t4"})
	require.Equal(t, 1, r.Stats().DLQSize)

	n, err := r.Purge()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, r.Stats().DLQSize)
}

func TestReEscalateResendsResidentRecords(t *testing.T) {
	s := openDLQStore(t)
	var escalations atomic.Int64
	r := New(Config{MaxRetries: 0, HandlerTimeout: time.Second}, s, func(ctx context.Context, e task.Event, chain []string) {
		escalations.Add(1)
	})
	r.On(task.EventDeployFail, func(ctx context.Context, e task.Event) error {
		return errors.New("fail")
	})
	r.Route(context.Background(), task.Event{Type: task.EventDeployFail, TaskID: "t5", Timestamp: time.Now()})
	require.Equal(t, int64(1), escalations.Load())

	n := r.ReEscalate(context.Background())
	require.Equal(t, 1, n)
	require.Equal(t, int64(2), escalations.Load())

	_, err := r.Purge()
	require.NoError(t, err)
	require.Equal(t, 0, r.ReEscalate(context.Background()))
}

func TestMultipleHandlersAllInvoked(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	var a, b atomic.Int64
	r.On(task.EventFileCompleted, func(ctx context.Context, e task.Event) error {
		a.Add(1)
		return nil
	})
	r.On(task.EventFileCompleted, func(ctx context.Context, e task.Event) error {
		b.Add(1)
		return nil
	})
	r.Route(context.Background(), task.Event{Type: task.EventFileCompleted})
	require.Equal(t, int64(1), a.Load())
	require.Equal(t, int64(1), b.Load())
}
