package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/pipeline/internal/depgraph"
	"github.com/taskforge/pipeline/internal/perrors"
	"github.com/taskforge/pipeline/internal/task"
)

const plansBucket = "plans"

// planState tracks one submitted plan's dependency gate: which files are
// done (reached QA_PASSED), which have been admitted to the dev queue,
// and the reverse-dependency index used to find newly-ready files.
type planState struct {
	id          string
	entries     map[string]task.PlanEntry // keyed by TargetFile
	deps        map[string][]string       // file -> its dependencies (known files only)
	dependents  map[string][]string       // file -> files depending on it
	done        map[string]bool
	admitted    map[string]bool
	criticalSet map[string]bool
	hasCircular bool
}

// SubmitPlan analyzes plan into dependency batches, registers the
// dependency gate, persists a version record, and admits every
// dependency-free file to the dev queue. Returns the plan id
// (generated if plan.ID was empty).
func (o *Orchestrator) SubmitPlan(ctx context.Context, plan task.Plan) (string, error) {
	if err := validatePlan(plan); err != nil {
		return "", err
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}

	o.versionPlan(plan)

	g := depgraph.Build(plan)
	result := depgraph.Analyze(g)
	if result.HasCircularDependencies {
		slog.Warn("plan has circular dependencies, collapsing to one batch", "plan_id", plan.ID, "cycles", result.Cycles)
	}
	for file, missing := range result.MissingTargets {
		slog.Warn("plan declares dependency on unknown file", "plan_id", plan.ID, "file", file, "missing", missing)
	}

	ps := &planState{
		id:          plan.ID,
		entries:     make(map[string]task.PlanEntry, len(plan.Entries)),
		deps:        make(map[string][]string),
		dependents:  make(map[string][]string),
		done:        make(map[string]bool),
		admitted:    make(map[string]bool),
		criticalSet: make(map[string]bool),
		hasCircular: result.HasCircularDependencies,
	}
	for _, cp := range result.CriticalPath {
		ps.criticalSet[cp] = true
	}

	known := make(map[string]bool, len(plan.Entries))
	for _, e := range plan.Entries {
		known[e.TargetFile] = true
	}
	// Members of one cycle form a single batch, so edges inside a cycle
	// do not gate admission.
	cycleOf := make(map[string]int)
	for i, members := range result.Cycles {
		for _, m := range members {
			cycleOf[m] = i + 1
		}
	}
	for _, e := range plan.Entries {
		ps.entries[e.TargetFile] = e
		var deps []string
		for _, d := range e.DependsOn {
			sameCycle := cycleOf[d] != 0 && cycleOf[d] == cycleOf[e.TargetFile]
			if d != e.TargetFile && known[d] && !sameCycle {
				deps = append(deps, d)
			}
		}
		ps.deps[e.TargetFile] = deps
		for _, d := range deps {
			ps.dependents[d] = append(ps.dependents[d], e.TargetFile)
		}
	}

	ctx, cancel := context.WithCancel(o.backgroundCtx())
	o.cancelMgr.Register(plan.ID, cancel)

	o.mu.Lock()
	o.plans[plan.ID] = ps
	for file := range ps.entries {
		o.fileToPlan[file] = plan.ID
	}
	o.mu.Unlock()

	for file, deps := range ps.deps {
		if len(deps) == 0 {
			if err := o.admitFile(ctx, ps, file); err != nil {
				return plan.ID, err
			}
		}
	}
	return plan.ID, nil
}

func validatePlan(plan task.Plan) error {
	if len(plan.Entries) == 0 {
		return perrors.New(perrors.Contract, fmt.Errorf("orchestrator: plan has no entries"))
	}
	seen := make(map[string]bool, len(plan.Entries))
	for _, e := range plan.Entries {
		if e.TargetFile == "" {
			return perrors.New(perrors.Contract, fmt.Errorf("orchestrator: plan entry %q missing target_file", e.ID))
		}
		if seen[e.TargetFile] {
			return perrors.New(perrors.Contract, fmt.Errorf("orchestrator: plan has duplicate target_file %q", e.TargetFile))
		}
		seen[e.TargetFile] = true
	}
	return nil
}

// admitFile classifies and enqueues a single file's dev task, applying
// the critical-path priority bonus.
func (o *Orchestrator) admitFile(ctx context.Context, ps *planState, file string) error {
	if ps.admitted[file] {
		return nil
	}
	ps.admitted[file] = true

	entry := ps.entries[file]
	t := task.Task{
		ID:         uuid.NewString(),
		Type:       task.TypeDev,
		FilePath:   file,
		MaxRetries: task.DefaultRetry,
		CreatedAt:  time.Now(),
		Payload: map[string]any{
			"plan_id":       ps.id,
			"entry_id":      entry.ID,
			"target_file":   file,
			"language_hint": entry.LanguageHint,
		},
	}
	pr := o.assigner.Classify(t, entry.Title)
	if ps.criticalSet[file] && pr > task.MinPriority {
		pr-- // critical-path bonus
	}
	t.Priority = pr
	return o.devFixPool.SubmitDev(ctx, t)
}

// markFileDone records that file reached QA_PASSED in its owning plan's
// dependency gate, marking the plan's tracked execution complete once
// every file has.
func (o *Orchestrator) markFileDone(filePath string) {
	o.mu.Lock()
	planID := o.fileToPlan[filePath]
	ps := o.plans[planID]
	allDone := false
	if ps != nil {
		ps.done[filePath] = true
		allDone = len(ps.done) == len(ps.entries)
	}
	o.mu.Unlock()
	if allDone {
		o.cancelMgr.Complete(planID)
	}
}

// admitReady finds every file depending on filePath whose full
// dependency set is now satisfied and admits it to the dev queue: a
// file is admitted only after all its transitive dependencies have
// emitted QA_PASSED.
func (o *Orchestrator) admitReady(ctx context.Context, filePath string) {
	o.mu.Lock()
	planID := o.fileToPlan[filePath]
	ps := o.plans[planID]
	var candidates []string
	if ps != nil {
		candidates = append(candidates, ps.dependents[filePath]...)
	}
	o.mu.Unlock()
	if ps == nil {
		return
	}

	for _, file := range candidates {
		o.mu.Lock()
		ready := !ps.admitted[file]
		if ready {
			for _, d := range ps.deps[file] {
				if !ps.done[d] {
					ready = false
					break
				}
			}
		}
		o.mu.Unlock()
		if ready {
			if err := o.admitFile(ctx, ps, file); err != nil {
				slog.Error("orchestrator: admit ready file failed", "file", file, "error", err)
			}
		}
	}
}

func (o *Orchestrator) titleFor(filePath string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	planID := o.fileToPlan[filePath]
	ps := o.plans[planID]
	if ps == nil {
		return ""
	}
	return ps.entries[filePath].Title
}

// CancelPlan marks plan id's tracked execution cancelled and cancels the
// context its root files were enqueued under. Tasks already queued or
// running are not removed or interrupted, and files admitted later by
// QA_PASSED events are still enqueued.
func (o *Orchestrator) CancelPlan(id, reason string) error {
	return o.cancelMgr.Cancel(id, reason)
}

// planVersionRecord is the durable envelope stored per submission, so
// a resubmission never silently clobbers prior dependency-gate
// history.
type planVersionRecord struct {
	Plan        task.Plan `json:"plan"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (o *Orchestrator) versionPlan(plan task.Plan) {
	if o.store == nil {
		return
	}
	rec := planVersionRecord{Plan: plan, SubmittedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("orchestrator: marshal plan version failed", "plan_id", plan.ID, "error", err)
		return
	}
	key := fmt.Sprintf("%s@%d", plan.ID, rec.SubmittedAt.UnixNano())
	if err := o.store.Put(plansBucket, key, data); err != nil {
		slog.Error("orchestrator: persist plan version failed", "plan_id", plan.ID, "error", err)
	}
}

// PlanVersions returns every archived version of planID's submissions,
// oldest first.
func (o *Orchestrator) PlanVersions(planID string) ([]task.Plan, error) {
	if o.store == nil {
		return nil, nil
	}
	var out []planVersionRecord
	err := o.store.ForEach(plansBucket, func(key string, value []byte) error {
		if len(key) <= len(planID) || key[:len(planID)] != planID || key[len(planID)] != '@' {
			return nil
		}
		var rec planVersionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plans := make([]task.Plan, len(out))
	for i, r := range out {
		plans[i] = r.Plan
	}
	return plans, nil
}
