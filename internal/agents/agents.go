// Package agents defines the opaque callable contracts for the Dev,
// QA, and Ops agents, plus single explicit-required-fields validators
// for their outputs. Agents themselves are injected by the caller;
// this package only shapes and validates the boundary between them and
// the pipeline.
package agents

import (
	"context"
	"fmt"

	"github.com/taskforge/pipeline/internal/perrors"
)

// DevResult is the Dev agent's output: generated file contents plus any
// diagnostic log lines.
type DevResult struct {
	Files map[string]string `json:"files"`
	Logs  []string          `json:"logs,omitempty"`
}

// Dev runs one development task, producing file contents from an opaque
// payload. Errors must already be perrors-classified by the caller's
// adapter; the pipeline itself never inspects agent internals.
type Dev func(ctx context.Context, payload map[string]any) (DevResult, error)

// Issue is one problem the QA agent found in a reviewed file.
type Issue struct {
	File         string `json:"file"`
	Line         int    `json:"line"`
	Severity     string `json:"severity"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// QAResult is the QA agent's verdict plus supporting detail.
type QAResult struct {
	Passed bool           `json:"passed"`
	Issues []Issue        `json:"issues,omitempty"`
	Stats  map[string]any `json:"stats,omitempty"`
}

// QA reviews a batch of files produced by Dev.
type QA func(ctx context.Context, files map[string]string) (QAResult, error)

// OpsResult is the Ops agent's deployment record.
type OpsResult struct {
	DeploymentID string            `json:"deployment_id"`
	Endpoints    []string          `json:"endpoints"`
	Health       string            `json:"health"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Ops deploys an artifact produced further upstream in the pipeline.
type Ops func(ctx context.Context, artifact map[string]any) (OpsResult, error)

// ValidateDevResult checks the explicit required fields of a DevResult.
// Unrecognized payload shapes pass through untouched; only required
// fields are enforced.
func ValidateDevResult(r DevResult) error {
	if len(r.Files) == 0 {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: dev result has no files"))
	}
	for path, content := range r.Files {
		if path == "" {
			return perrors.New(perrors.Contract, fmt.Errorf("agents: dev result has empty file path"))
		}
		_ = content // empty content is valid (e.g. deleted-file marker)
	}
	return nil
}

// ValidateQAResult checks that a QAResult is self-consistent: a failing
// review must report at least one issue, since "failed with no reason"
// is a contract violation the pipeline cannot route sensibly.
func ValidateQAResult(r QAResult) error {
	if !r.Passed && len(r.Issues) == 0 {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: qa result failed with no issues reported"))
	}
	for _, issue := range r.Issues {
		if issue.File == "" {
			return perrors.New(perrors.Contract, fmt.Errorf("agents: qa issue missing file"))
		}
		if issue.Severity == "" {
			return perrors.New(perrors.Contract, fmt.Errorf("agents: qa issue missing severity"))
		}
	}
	return nil
}

// ValidateOpsResult checks the required fields of an OpsResult.
func ValidateOpsResult(r OpsResult) error {
	if r.DeploymentID == "" {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: ops result missing deployment_id"))
	}
	if r.Health == "" {
		return perrors.New(perrors.Contract, fmt.Errorf("agents: ops result missing health"))
	}
	return nil
}
