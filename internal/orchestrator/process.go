package orchestrator

import (
	"context"
	"strconv"
	"time"

	"github.com/taskforge/pipeline/internal/agents"
	"github.com/taskforge/pipeline/internal/metricsstream"
	"github.com/taskforge/pipeline/internal/task"
)

// processDev runs one dev task: a result-cache hit short-circuits the
// Dev agent entirely; a miss runs the agent under the "dev" circuit
// breaker, with concurrent identical misses collapsed into one agent
// call, and caches a successful, validated result.
func (o *Orchestrator) processDev(ctx context.Context, t task.Task) error {
	cached, _, err := o.cache.GetOrCompute(ctx, t.CacheKey(), func(ctx context.Context) (map[string]any, error) {
		br := o.breakers.Get("dev")
		var result agents.DevResult
		err := br.Call(ctx, func(ctx context.Context) error {
			r, err := o.agents.Dev(ctx, t.Payload)
			if err != nil {
				return err
			}
			if err := agents.ValidateDevResult(r); err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": result.Files, "logs": result.Logs}, nil
	})
	if err != nil {
		return err
	}
	files, _ := cached["files"].(map[string]string)

	o.metrics.Broadcast(metricsstream.Metric{Type: "dev_files_produced", Source: "dev_fix", Value: float64(len(files)), Timestamp: time.Now()})
	o.touchProgress("dev_fix")
	return o.emitFileCompleted(ctx, t, files)
}

// processFix re-runs the Dev agent with the failing QA issues folded
// into the payload, always bypassing the cache since a fix request is
// unique by construction.
func (o *Orchestrator) processFix(ctx context.Context, t task.Task) error {
	payload := make(map[string]any, len(t.Payload)+1)
	for k, v := range t.Payload {
		payload[k] = v
	}
	payload["issues"] = t.Payload["issues"]

	br := o.breakers.Get("dev")
	var result agents.DevResult
	err := br.Call(ctx, func(ctx context.Context) error {
		r, err := o.agents.Dev(ctx, payload)
		if err != nil {
			return err
		}
		if err := agents.ValidateDevResult(r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return err
	}
	o.touchProgress("dev_fix")
	return o.emitFileCompleted(ctx, t, result.Files)
}

// reportDeployHealth seeds the canary health window from whatever the
// Ops agent reported for this deploy (Extra carries adapter-specific
// fields); external traffic observers extend the same window
// afterwards via Orchestrator.ReportMetric.
func (o *Orchestrator) reportDeployHealth(result agents.OpsResult) {
	errRate := 0.0
	latencyMs := 0.0
	if result.Health != "healthy" && result.Health != "ok" && result.Health != "" {
		errRate = 1.0
	}
	if v, ok := result.Extra["error_rate"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			errRate = f
		}
	}
	if v, ok := result.Extra["p95_latency_ms"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			latencyMs = f
		}
	}
	now := time.Now()
	o.metrics.Broadcast(metricsstream.Metric{Type: "deploy_error_rate:" + result.DeploymentID, Source: "deploy", Value: errRate, Timestamp: now})
	o.metrics.Broadcast(metricsstream.Metric{Type: "deploy_latency_ms:" + result.DeploymentID, Source: "deploy", Value: latencyMs, Timestamp: now})
}

func (o *Orchestrator) emitFileCompleted(ctx context.Context, t task.Task, files map[string]string) error {
	o.router.Route(ctx, task.Event{
		Type:      task.EventFileCompleted,
		TaskID:    t.ID,
		Timestamp: time.Now(),
		Payload:   map[string]any{"file_path": t.FilePath, "files": files},
	})
	return nil
}

// processQA runs the QA agent under the "qa" circuit breaker and routes
// QA_PASSED or QA_FAILED depending on the verdict.
func (o *Orchestrator) processQA(ctx context.Context, t task.Task) error {
	files, _ := t.Payload["files"].(map[string]string)

	br := o.breakers.Get("qa")
	var result agents.QAResult
	err := br.Call(ctx, func(ctx context.Context) error {
		r, err := o.agents.QA(ctx, files)
		if err != nil {
			return err
		}
		if err := agents.ValidateQAResult(r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return err
	}

	evType := task.EventQAPassed
	payload := map[string]any{"file_path": t.FilePath}
	if !result.Passed {
		evType = task.EventQAFailed
		payload["issues"] = result.Issues
	}
	o.touchProgress("qa")
	o.router.Route(ctx, task.Event{Type: evType, TaskID: t.ID, Timestamp: time.Now(), Payload: payload})
	return nil
}

// processDeploy runs the Ops agent under the "ops" circuit breaker. When
// canary rollout is enabled, a successful deploy hands off to the
// canary controller instead of declaring success immediately.
func (o *Orchestrator) processDeploy(ctx context.Context, t task.Task) error {
	br := o.breakers.Get("ops")
	var result agents.OpsResult
	err := br.Call(ctx, func(ctx context.Context) error {
		r, err := o.agents.Ops(ctx, t.Payload)
		if err != nil {
			return err
		}
		if err := agents.ValidateOpsResult(r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return err
	}

	o.touchProgress("deploy")
	o.reportDeployHealth(result)
	if o.cfg.CanaryEnabled {
		return o.canaryCtl.Start(result.DeploymentID, o.cfg.CanaryStages)
	}
	o.router.Route(ctx, task.Event{
		Type: task.EventDeployOK, TaskID: t.ID, Timestamp: time.Now(),
		Payload: map[string]any{"deployment_id": result.DeploymentID, "file_path": t.FilePath},
	})
	return nil
}
