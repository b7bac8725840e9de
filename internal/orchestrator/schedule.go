package orchestrator

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/pipeline/internal/task"
)

// SchedulePlan registers plan for recurring re-submission on cronExpr
// (e.g. a nightly regression sweep).
func (o *Orchestrator) SchedulePlan(cronExpr string, plan task.Plan) (cron.EntryID, error) {
	return o.cron.AddFunc(cronExpr, func() {
		// Each scheduled run gets a fresh plan id so dependency-gate state
		// from the prior run never bleeds into the new one.
		runPlan := plan
		runPlan.ID = ""
		if _, err := o.SubmitPlan(context.Background(), runPlan); err != nil {
			slog.Error("orchestrator: scheduled plan submission failed", "plan", plan.ID, "error", err)
		}
	})
}

// Unschedule cancels a previously-registered recurring submission.
func (o *Orchestrator) Unschedule(id cron.EntryID) {
	o.cron.Remove(id)
}
