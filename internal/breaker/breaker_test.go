package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpensAfterFailureRateExceeded(t *testing.T) {
	b := New(Config{FailureThreshold: 0.5, WindowSize: 10, TimeoutSeconds: time.Hour, SuccessThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	}
	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, func(context.Context) error { return nil })
	}

	require.Equal(t, Open, b.State())
	err := b.Call(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 0.1, WindowSize: 2, TimeoutSeconds: 20 * time.Millisecond, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Call(ctx, func(context.Context) error { return nil }))
	require.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Call(ctx, func(context.Context) error { return nil }))
	require.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 0.1, WindowSize: 2, TimeoutSeconds: 10 * time.Millisecond, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	_ = b.Call(ctx, func(context.Context) error { return errors.New("still broken") })
	require.Equal(t, Open, b.State())
}

func TestOpenCallbackFires(t *testing.T) {
	b := New(Config{FailureThreshold: 0.1, WindowSize: 2, TimeoutSeconds: time.Hour, SuccessThreshold: 1})
	fired := make(chan struct{}, 1)
	b.OnOpen(func() { fired <- struct{}{} })

	ctx := context.Background()
	_ = b.Call(ctx, func(context.Context) error { return errors.New("x") })
	_ = b.Call(ctx, func(context.Context) error { return errors.New("x") })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnOpen callback did not fire")
	}
}

func TestDeadlineExpiryCountsAsFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 0.1, WindowSize: 2, TimeoutSeconds: time.Hour, SuccessThreshold: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_ = b.Call(ctx, func(c context.Context) error {
		<-c.Done()
		return nil
	})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })

	require.Equal(t, Open, b.State())
}

func TestRegistryIsolatesDependencies(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 0.1, WindowSize: 2, TimeoutSeconds: time.Hour, SuccessThreshold: 1})
	dev := r.Get("dev-agent")
	qa := r.Get("qa-agent")

	ctx := context.Background()
	_ = dev.Call(ctx, func(context.Context) error { return errors.New("x") })
	_ = dev.Call(ctx, func(context.Context) error { return errors.New("x") })

	require.Equal(t, Open, dev.State())
	require.Equal(t, Closed, qa.State())
}
