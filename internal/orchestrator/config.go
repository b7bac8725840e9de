// Package orchestrator wires every other internal package into one
// pipeline: it analyzes a submitted plan into dependency batches,
// gates each file's admission to the dev queue on its predecessors'
// QA_PASSED events, and routes FILE_COMPLETED / QA_PASSED / QA_FAILED
// / DEPLOY_FAIL transitions between the unified dev/fix pool, the QA
// pool, and the deploy pool.
package orchestrator

import (
	"time"

	"github.com/taskforge/pipeline/internal/breaker"
	"github.com/taskforge/pipeline/internal/canary"
	"github.com/taskforge/pipeline/internal/metricsstream"
	"github.com/taskforge/pipeline/internal/router"
	"github.com/taskforge/pipeline/internal/workerpool"
)

// Config aggregates every subcomponent's configuration plus the
// orchestrator's own health-view thresholds.
type Config struct {
	DevFixPool workerpool.Config
	QAPool     workerpool.Config
	DeployPool workerpool.Config

	QueueCapacity int

	CacheTTL     time.Duration
	CacheMaxSize int

	Breaker breaker.Config
	Router  router.Config

	DeployEnabled bool
	CanaryEnabled bool
	Canary        canary.Config
	CanaryStages  []int

	Metrics metricsstream.Config

	// StorePath, if non-empty, opens a BoltDB file durably holding the
	// DLQ, canary registry, and plan-version history. Empty means
	// nothing is persisted: canary state stays in memory, and
	// dead-lettered events and plan versions are not retained.
	StorePath string

	// Health-view thresholds.
	StallThreshold time.Duration
	OpenAlarm      time.Duration
	DLQAlarm       int

	// DLQSweepInterval is how often resident DLQ records are
	// re-escalated to the planner sink. Zero disables the sweep.
	DLQSweepInterval time.Duration
}

// DefaultConfig returns every subcomponent's defaults plus the
// orchestrator's own.
func DefaultConfig() Config {
	return Config{
		DevFixPool:       workerpool.DefaultConfig(),
		QAPool:           workerpool.DefaultConfig(),
		DeployPool:       workerpool.DefaultConfig(),
		QueueCapacity:    1000,
		CacheTTL:         3600 * time.Second,
		CacheMaxSize:     1000,
		Breaker:          breaker.DefaultConfig(),
		Router:           router.DefaultConfig(),
		DeployEnabled:    true,
		CanaryEnabled:    false,
		Canary:           canary.DefaultConfig(),
		CanaryStages:     []int{10, 25, 50, 75, 100},
		Metrics:          metricsstream.DefaultConfig(),
		StallThreshold:   120 * time.Second,
		OpenAlarm:        60 * time.Second,
		DLQAlarm:         50,
		DLQSweepInterval: 10 * time.Minute,
	}
}
