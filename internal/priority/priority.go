// Package priority classifies tasks into priority bands by file-role
// keyword: ordered keyword bands evaluated first-match-wins, with fix
// tasks pinned to the most urgent band.
package priority

import (
	"sort"
	"strings"
	"sync"

	"github.com/taskforge/pipeline/internal/task"
)

type band struct {
	name     string
	keywords []string
	priority int
}

// Bands are evaluated in order; the first match wins. Unmatched paths/
// titles fall through to the normal band.
var bands = []band{
	{name: "critical", keywords: []string{"main", "core", "config", "__init__"}, priority: 1},
	{name: "high", keywords: []string{"model", "schema", "database", "auth"}, priority: 2},
	{name: "normal", keywords: []string{"service", "api", "route", "handler"}, priority: 3},
	{name: "low", keywords: []string{"test", "doc", "example"}, priority: 4},
}

const unclassifiedBand = "unclassified"

// Classify returns the priority (1-5, lower is more urgent) for a single
// task, and the band name it was assigned to. Fix tasks always return
// task.FixPriority regardless of file path or title content.
func Classify(t task.Task, title string) (int, string) {
	if t.Type == task.TypeFix {
		return task.FixPriority, "fix"
	}

	haystack := strings.ToLower(t.FilePath + " " + title)
	for _, b := range bands {
		for _, kw := range b.keywords {
			if strings.Contains(haystack, kw) {
				return b.priority, b.name
			}
		}
	}
	return 3, unclassifiedBand
}

// Stats tallies how many tasks fell into each band.
type Stats struct {
	Counts map[string]int `json:"counts"`
}

// Assigner applies Classify to tasks and accumulates counts per band
// for the orchestrator's stats view.
type Assigner struct {
	mu     sync.Mutex
	counts map[string]int
}

// New returns a ready-to-use Assigner.
func New() *Assigner {
	return &Assigner{counts: make(map[string]int)}
}

// Classify assigns one task's priority, recording the band it landed
// in.
func (a *Assigner) Classify(t task.Task, title string) int {
	pr, band := Classify(t, title)
	a.mu.Lock()
	a.counts[band]++
	a.mu.Unlock()
	return pr
}

// Stats returns the cumulative per-band counts seen so far.
func (a *Assigner) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return Stats{Counts: out}
}

// TitleLookup looks up an optional title by task ID from a side table; the
// orchestrator passes plan entry titles in since Task itself carries no
// title field (only FilePath and Payload).
type TitleLookup func(taskID string) string

// Assign classifies every task in place, setting its Priority field, and
// returns the Stats for this batch alone (the cumulative tally also
// advances). titles may be nil, in which case only FilePath is
// consulted.
func (a *Assigner) Assign(tasks []task.Task, titles TitleLookup) ([]task.Task, Stats) {
	stats := Stats{Counts: make(map[string]int)}
	out := make([]task.Task, len(tasks))
	for i, t := range tasks {
		title := ""
		if titles != nil {
			title = titles(t.ID)
		}
		pr, band := Classify(t, title)
		t.Priority = pr
		t.Clamp()
		stats.Counts[band]++
		a.mu.Lock()
		a.counts[band]++
		a.mu.Unlock()
		out[i] = t
	}
	return out, stats
}

// Sort stable-sorts tasks by ascending priority (most urgent first),
// preserving relative order within a priority band.
func Sort(tasks []task.Task) []task.Task {
	out := make([]task.Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
