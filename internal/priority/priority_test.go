package priority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/pipeline/internal/task"
)

func TestClassifyBandsInOrder(t *testing.T) {
	cases := []struct {
		path     string
		wantPrio int
		wantBand string
	}{
		{"cmd/main.go", 1, "critical"},
		{"internal/auth/model.go", 2, "high"},
		{"internal/api/handler.go", 3, "normal"},
		{"internal/foo/test_helpers.go", 4, "low"},
		{"internal/foo/bar.go", 3, "unclassified"},
	}
	for _, c := range cases {
		pr, band := Classify(task.Task{Type: task.TypeDev, FilePath: c.path}, "")
		require.Equal(t, c.wantPrio, pr, c.path)
		require.Equal(t, c.wantBand, band, c.path)
	}
}

func TestClassifyFixAlwaysHighest(t *testing.T) {
	pr, band := Classify(task.Task{Type: task.TypeFix, FilePath: "doc/example.md"}, "")
	require.Equal(t, task.FixPriority, pr)
	require.Equal(t, "fix", band)
}

func TestClassifyFirstBandWins(t *testing.T) {
	// "main" (critical) and "test" (low) both appear; critical must win
	// since bands are evaluated in declared order.
	pr, band := Classify(task.Task{Type: task.TypeDev, FilePath: "cmd/main_test.go"}, "")
	require.Equal(t, 1, pr)
	require.Equal(t, "critical", band)
}

func TestAssignStatsCountPerBand(t *testing.T) {
	tasks := []task.Task{
		{ID: "1", Type: task.TypeDev, FilePath: "cmd/main.go"},
		{ID: "2", Type: task.TypeDev, FilePath: "internal/auth/model.go"},
		{ID: "3", Type: task.TypeFix, FilePath: "anything.go"},
	}
	out, stats := New().Assign(tasks, nil)
	require.Equal(t, 1, out[0].Priority)
	require.Equal(t, 2, out[1].Priority)
	require.Equal(t, task.FixPriority, out[2].Priority)
	require.Equal(t, 1, stats.Counts["critical"])
	require.Equal(t, 1, stats.Counts["high"])
	require.Equal(t, 1, stats.Counts["fix"])
}

func TestAssignerAccumulatesAcrossCalls(t *testing.T) {
	a := New()
	a.Classify(task.Task{Type: task.TypeDev, FilePath: "cmd/main.go"}, "")
	a.Classify(task.Task{Type: task.TypeDev, FilePath: "cmd/other_main.go"}, "")
	a.Classify(task.Task{Type: task.TypeFix, FilePath: "x.go"}, "")

	stats := a.Stats()
	require.Equal(t, 2, stats.Counts["critical"])
	require.Equal(t, 1, stats.Counts["fix"])
}

func TestSortIsStableWithinBand(t *testing.T) {
	tasks := []task.Task{
		{ID: "a", Priority: 3},
		{ID: "b", Priority: 1},
		{ID: "c", Priority: 3},
		{ID: "d", Priority: 2},
	}
	sorted := Sort(tasks)
	ids := make([]string, len(sorted))
	for i, s := range sorted {
		ids[i] = s.ID
	}
	require.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

func TestAssignUsesTitleLookup(t *testing.T) {
	tasks := []task.Task{{ID: "1", Type: task.TypeDev, FilePath: "internal/foo/bar.go"}}
	titles := func(id string) string { return "database migration helper" }
	out, stats := New().Assign(tasks, titles)
	require.Equal(t, 2, out[0].Priority)
	require.Equal(t, 1, stats.Counts["high"])
}
