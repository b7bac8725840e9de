package agents

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/perrors"
)

func TestValidateDevResultRequiresFiles(t *testing.T) {
	err := ValidateDevResult(DevResult{})
	require.Error(t, err)
	require.Equal(t, perrors.Contract, perrors.ClassOf(err))
}

func TestValidateDevResultRejectsEmptyPath(t *testing.T) {
	err := ValidateDevResult(DevResult{Files: map[string]string{"": "x"}})
	require.Error(t, err)
}

func TestValidateDevResultAcceptsEmptyContent(t *testing.T) {
	err := ValidateDevResult(DevResult{Files: map[string]string{"a.go": ""}})
	require.NoError(t, err)
}

func TestValidateQAResultFailedNeedsIssues(t *testing.T) {
	err := ValidateQAResult(QAResult{Passed: false})
	require.Error(t, err)
}

func TestValidateQAResultPassedNeedsNoIssues(t *testing.T) {
	require.NoError(t, ValidateQAResult(QAResult{Passed: true}))
}

func TestValidateQAResultIssueMissingFields(t *testing.T) {
	err := ValidateQAResult(QAResult{Passed: false, Issues: []Issue{{Severity: "high"}}})
	require.Error(t, err)

	err = ValidateQAResult(QAResult{Passed: false, Issues: []Issue{{File: "a.go"}}})
	require.Error(t, err)
}

func TestValidateOpsResultRequiresDeploymentIDAndHealth(t *testing.T) {
	require.Error(t, ValidateOpsResult(OpsResult{}))
	require.Error(t, ValidateOpsResult(OpsResult{DeploymentID: "d1"}))
	require.NoError(t, ValidateOpsResult(OpsResult{DeploymentID: "d1", Health: "ok"}))
}
