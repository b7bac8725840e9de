package orchestrator

import (
	"time"

	"github.com/taskforge/pipeline/internal/breaker"
	"github.com/taskforge/pipeline/internal/cache"
	"github.com/taskforge/pipeline/internal/canary"
	"github.com/taskforge/pipeline/internal/priority"
	"github.com/taskforge/pipeline/internal/queue"
	"github.com/taskforge/pipeline/internal/router"
	"github.com/taskforge/pipeline/internal/workerpool"
)

// Stats aggregates every subcomponent's point-in-time stats into the
// combined view the operational surface exposes.
type Stats struct {
	DevFixQueue queue.Stats              `json:"dev_fix_queue"`
	QAQueue     queue.Stats              `json:"qa_queue"`
	DeployQueue queue.Stats              `json:"deploy_queue"`
	DevFixPool  workerpool.Stats         `json:"dev_fix_pool"`
	QAPool      workerpool.Stats         `json:"qa_pool"`
	DeployPool  workerpool.Stats         `json:"deploy_pool"`
	Cache       cache.Stats              `json:"cache"`
	Router      router.Stats             `json:"router"`
	Priorities  priority.Stats           `json:"priorities"`
	Breakers    map[string]breaker.State `json:"breakers"`
	Canaries    []canary.Status          `json:"canaries"`
}

// Stats returns a snapshot of every subcomponent's metrics.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		DevFixQueue: o.devFixQueue.Stats(),
		QAQueue:     o.qaQueue.Stats(),
		DeployQueue: o.deployQueue.Stats(),
		DevFixPool:  o.devFixPool.Stats(),
		QAPool:      o.qaPool.Stats(),
		DeployPool:  o.deployPool.Stats(),
		Cache:       o.cache.Stats(),
		Router:      o.router.Stats(),
		Priorities:  o.assigner.Stats(),
		Breakers:    o.breakers.States(),
		Canaries:    o.canaryCtl.All(),
	}
}

// HealthView is the stable combined health indicator: healthy iff no
// queue is stalled, no circuit has been OPEN too long, and the DLQ
// hasn't grown past its alarm threshold.
type HealthView struct {
	Healthy      bool     `json:"healthy"`
	Reasons      []string `json:"reasons,omitempty"`
	DLQSize      int      `json:"dlq_size"`
	OpenBreakers []string `json:"open_breakers,omitempty"`
}

// Health evaluates the orchestrator's combined health view. Stall
// detection is driven by the timestamps touchProgress records at each
// queue's last successful completion, not by queue depth, since a queue
// can sit non-empty but making no progress (e.g. every worker wedged on
// the same call) without ever looking idle by size alone.
func (o *Orchestrator) Health() HealthView {
	var reasons []string
	now := time.Now()

	for name, ts := range o.progressSnapshot() {
		if now.Sub(ts) > o.cfg.StallThreshold {
			reasons = append(reasons, "queue stalled: "+name)
		}
	}

	var openBreakers []string
	for _, name := range o.breakers.Names() {
		since, open := o.breakers.Get(name).OpenSince()
		if open && now.Sub(since) > o.cfg.OpenAlarm {
			openBreakers = append(openBreakers, name)
		}
	}
	if len(openBreakers) > 0 {
		reasons = append(reasons, "circuit open past alarm window")
	}

	dlq := o.router.Stats().DLQSize
	if dlq >= o.cfg.DLQAlarm {
		reasons = append(reasons, "dlq size at or above alarm threshold")
	}

	return HealthView{
		Healthy:      len(reasons) == 0,
		Reasons:      reasons,
		DLQSize:      dlq,
		OpenBreakers: openBreakers,
	}
}
