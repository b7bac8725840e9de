package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/task"
)

func alwaysHealthy(id string) (float64, float64, error)   { return 0.0, 50, nil }
func alwaysUnhealthy(id string) (float64, float64, error) { return 0.5, 500, nil }

func TestCanaryAdvancesThroughStagesToSuccess(t *testing.T) {
	events := make(chan task.Event, 10)
	c := New(Config{StageDuration: 30 * time.Millisecond, ErrorRateThreshold: 0.1, LatencyThresholdMs: 200},
		alwaysHealthy, func(e task.Event) { events <- e }, nil)
	defer c.Stop()

	require.NoError(t, c.Start("dep1", []int{10, 50, 100}))

	select {
	case e := <-events:
		require.Equal(t, task.EventDeployOK, e.Type)
		require.Equal(t, "dep1", e.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("deployment did not complete")
	}

	status, ok := c.Status("dep1")
	require.True(t, ok)
	require.True(t, status.Success)
	require.Equal(t, 100, status.TrafficPercent)
}

func TestCanaryRollsBackOnUnhealthyStageBoundary(t *testing.T) {
	events := make(chan task.Event, 10)
	c := New(Config{StageDuration: 30 * time.Millisecond, ErrorRateThreshold: 0.1, LatencyThresholdMs: 200},
		alwaysUnhealthy, func(e task.Event) { events <- e }, nil)
	defer c.Stop()

	require.NoError(t, c.Start("dep2", []int{10, 50, 100}))

	select {
	case e := <-events:
		require.Equal(t, task.EventDeployFail, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("deployment did not roll back")
	}

	status, ok := c.Status("dep2")
	require.True(t, ok)
	require.False(t, status.Success)
	require.NotEmpty(t, status.FailureReason)
}

func TestExternalRollbackStopsDeployment(t *testing.T) {
	events := make(chan task.Event, 10)
	c := New(Config{StageDuration: time.Hour}, alwaysHealthy, func(e task.Event) { events <- e }, nil)
	defer c.Stop()

	require.NoError(t, c.Start("dep3", []int{10, 100}))
	c.Rollback("dep3", "manual abort")

	e := <-events
	require.Equal(t, task.EventDeployFail, e.Type)
	status, _ := c.Status("dep3")
	require.Equal(t, "manual abort", status.FailureReason)

	// A second rollback on an already-done deployment is a no-op.
	c.Rollback("dep3", "should not fire again")
	select {
	case <-events:
		t.Fatal("rollback fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentDeploymentsAreIsolated(t *testing.T) {
	c := New(Config{StageDuration: time.Hour}, alwaysHealthy, func(e task.Event) {}, nil)
	defer c.Stop()

	require.NoError(t, c.Start("a", []int{10, 100}))
	require.NoError(t, c.Start("b", []int{20, 100}))

	c.Rollback("a", "bad")

	sa, _ := c.Status("a")
	sb, _ := c.Status("b")
	require.True(t, sa.Done)
	require.False(t, sb.Done)
}

func TestPauseSuspendsAdvancementUntilResume(t *testing.T) {
	events := make(chan task.Event, 10)
	c := New(Config{StageDuration: 30 * time.Millisecond, ErrorRateThreshold: 0.1, LatencyThresholdMs: 200},
		alwaysHealthy, func(e task.Event) { events <- e }, nil)
	defer c.Stop()

	require.NoError(t, c.Start("dep4", []int{10, 50, 100}))
	require.NoError(t, c.Pause("dep4"))

	select {
	case e := <-events:
		t.Fatalf("stage advanced while paused: %+v", e)
	case <-time.After(150 * time.Millisecond):
	}

	status, _ := c.Status("dep4")
	require.Equal(t, 10, status.TrafficPercent)
	require.False(t, status.Done)

	require.NoError(t, c.Resume("dep4"))
	select {
	case e := <-events:
		require.Equal(t, task.EventDeployOK, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("deployment did not complete after resume")
	}
}

func TestMidStageProbeMarksDegradedWithoutRollback(t *testing.T) {
	events := make(chan task.Event, 10)
	c := New(Config{StageDuration: time.Hour, HealthCheckInterval: 20 * time.Millisecond, ErrorRateThreshold: 0.1, LatencyThresholdMs: 200},
		alwaysUnhealthy, func(e task.Event) { events <- e }, nil)
	defer c.Stop()

	require.NoError(t, c.Start("dep6", []int{10, 100}))

	require.Eventually(t, func() bool {
		status, ok := c.Status("dep6")
		return ok && status.Health == "degraded"
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := c.Status("dep6")
	require.False(t, status.Done)
	require.Equal(t, 10, status.TrafficPercent)

	select {
	case e := <-events:
		t.Fatalf("probe rolled back before the stage boundary: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRollbackMarksHealthFailed(t *testing.T) {
	c := New(Config{StageDuration: time.Hour}, alwaysHealthy, func(e task.Event) {}, nil)
	defer c.Stop()

	require.NoError(t, c.Start("dep7", []int{10, 100}))
	c.Rollback("dep7", "manual")

	status, _ := c.Status("dep7")
	require.Equal(t, "failed", status.Health)
}

func TestPauseRejectsUnknownOrFinishedDeployment(t *testing.T) {
	c := New(DefaultConfig(), alwaysHealthy, func(e task.Event) {}, nil)
	defer c.Stop()

	require.Error(t, c.Pause("nope"))
	require.Error(t, c.Resume("nope"))

	require.NoError(t, c.Start("dep5", []int{10, 100}))
	c.Rollback("dep5", "manual")
	require.Error(t, c.Pause("dep5"))
}

func TestStartRejectsEmptyStages(t *testing.T) {
	c := New(DefaultConfig(), alwaysHealthy, func(e task.Event) {}, nil)
	defer c.Stop()
	require.Error(t, c.Start("x", nil))
}
