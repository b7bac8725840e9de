package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/pipeline/internal/task"
)

// wireEvents registers the stage-transition routing map:
//
//	FILE_COMPLETED -> QA Queue
//	QA_PASSED      -> Deploy Queue (optionally via Canary) + dependency gate
//	QA_FAILED      -> Fix Queue (unified dev/fix pool, pinned priority)
//	DEPLOY_FAIL    -> retry (limited) or escalate
func (o *Orchestrator) wireEvents() {
	o.router.On(task.EventFileCompleted, o.onFileCompleted)
	o.router.On(task.EventQAPassed, o.onQAPassed)
	o.router.On(task.EventQAFailed, o.onQAFailed)
	o.router.On(task.EventDeployFail, o.onDeployFail)
	o.router.On(task.EventDeployOK, o.onDeployOK)
}

// onFileCompleted enqueues a QA task for the file a dev/fix task just
// produced.
func (o *Orchestrator) onFileCompleted(ctx context.Context, e task.Event) error {
	filePath, _ := e.Payload["file_path"].(string)
	files, _ := e.Payload["files"].(map[string]string)

	qaTask := task.Task{
		ID:         uuid.NewString(),
		Type:       task.TypeQA,
		FilePath:   filePath,
		Payload:    map[string]any{"files": files, "source_task_id": e.TaskID},
		MaxRetries: task.DefaultRetry,
		CreatedAt:  time.Now(),
	}
	qaTask.Priority = o.assigner.Classify(qaTask, o.titleFor(filePath))
	return o.qaQueue.Put(ctx, qaTask)
}

// onQAPassed marks the file's dependency gate satisfied, admits any
// downstream file whose dependencies are now all done, and (when
// deployment is enabled) enqueues a deploy task.
func (o *Orchestrator) onQAPassed(ctx context.Context, e task.Event) error {
	filePath, _ := e.Payload["file_path"].(string)
	o.markFileDone(filePath)
	o.admitReady(ctx, filePath)

	if !o.cfg.DeployEnabled {
		return nil
	}

	deployTask := task.Task{
		ID:         uuid.NewString(),
		Type:       task.TypeDeploy,
		FilePath:   filePath,
		Priority:   2,
		MaxRetries: task.DefaultRetry,
		CreatedAt:  time.Now(),
		Payload:    map[string]any{"file_path": filePath, "source_task_id": e.TaskID},
	}
	o.rememberDeployPayload(deployTask)
	return o.deployQueue.Put(ctx, deployTask)
}

// onQAFailed converts a failing review into a fix task carrying the
// reported issues, re-entering the pipeline through the unified
// dev/fix pool at the highest-urgency band.
func (o *Orchestrator) onQAFailed(ctx context.Context, e task.Event) error {
	filePath, _ := e.Payload["file_path"].(string)
	fixTask := task.Task{
		ID:         uuid.NewString(),
		Type:       task.TypeFix,
		FilePath:   filePath,
		MaxRetries: task.DefaultRetry,
		CreatedAt:  time.Now(),
		Payload: map[string]any{
			"file_path": filePath,
			"issues":    e.Payload["issues"],
		},
	}
	return o.devFixPool.SubmitFix(ctx, fixTask)
}

// onDeployFail retries a limited number of times before escalating.
func (o *Orchestrator) onDeployFail(ctx context.Context, e task.Event) error {
	o.deployMu.Lock()
	o.deployRetries[e.TaskID]++
	attempts := o.deployRetries[e.TaskID]
	payload := o.deployPayloads[e.TaskID]
	o.deployMu.Unlock()

	if attempts > o.cfg.Router.MaxRetries {
		// An error hands the event to the router's retry chain, which
		// dead-letters and escalates it once that chain is exhausted.
		return fmt.Errorf("orchestrator: deploy %s still failing after %d retries", e.TaskID, attempts-1)
	}
	if payload == nil {
		return nil // nothing to retry (externally-rolled-back canary, etc.)
	}

	retryTask := task.Task{
		ID:         e.TaskID,
		Type:       task.TypeDeploy,
		RetryCount: attempts,
		MaxRetries: task.DefaultRetry,
		Priority:   2,
		CreatedAt:  time.Now(),
		Payload:    payload,
	}
	if fp, ok := payload["file_path"].(string); ok {
		retryTask.FilePath = fp
	}
	return o.deployQueue.Put(ctx, retryTask)
}

// onDeployOK is a terminal event; nothing further to route, but it still
// passes through the router so its stats/metrics are counted.
func (o *Orchestrator) onDeployOK(ctx context.Context, e task.Event) error {
	o.deployMu.Lock()
	delete(o.deployPayloads, e.TaskID)
	delete(o.deployRetries, e.TaskID)
	o.deployMu.Unlock()
	return nil
}

func (o *Orchestrator) rememberDeployPayload(t task.Task) {
	o.deployMu.Lock()
	o.deployPayloads[t.ID] = t.Payload
	o.deployMu.Unlock()
}
