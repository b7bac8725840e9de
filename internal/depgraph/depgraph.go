// Package depgraph builds the file-import dependency DAG behind batch
// scheduling: Kahn's algorithm layering over the condensation of
// strongly-connected components, plus a longest-chain critical-path
// computation.
package depgraph

import (
	"sort"

	"github.com/taskforge/pipeline/internal/task"
)

// Graph is a directed graph of file-path nodes; an edge a -> b means
// "a imports b".
type Graph struct {
	nodes map[string]struct{}
	edges map[string][]string // node -> its dependencies
	// MissingTargets records declared imports whose target file never
	// appeared in the plan; these are recorded, not fatal.
	MissingTargets map[string][]string
}

// Result is the analyzer's output: topological batches, the critical
// path, and whether any cycle was detected.
type Result struct {
	Batches                 [][]string
	CriticalPath            []string
	HasCircularDependencies bool
	Cycles                  [][]string
	MissingTargets          map[string][]string
}

// Build constructs the dependency graph from a plan's declared
// DependsOn lists, matched against the plan's TargetFile values;
// self-dependencies are dropped and unmatched ones are recorded in
// MissingTargets. No source is parsed here (BuildFromSources does that).
func Build(plan task.Plan) *Graph {
	g := &Graph{
		nodes:          make(map[string]struct{}),
		edges:          make(map[string][]string),
		MissingTargets: make(map[string][]string),
	}

	known := make(map[string]struct{}, len(plan.Entries))
	for _, e := range plan.Entries {
		known[e.TargetFile] = struct{}{}
	}

	for _, e := range plan.Entries {
		g.nodes[e.TargetFile] = struct{}{}
		seen := make(map[string]bool)
		for _, dep := range e.DependsOn {
			if dep == e.TargetFile {
				continue // self-imports dropped
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := known[dep]; ok {
				g.edges[e.TargetFile] = append(g.edges[e.TargetFile], dep)
			} else {
				g.MissingTargets[e.TargetFile] = append(g.MissingTargets[e.TargetFile], dep)
			}
		}
	}
	return g
}

// Analyze computes topological batches, detects cycles (collapsing any
// strongly-connected component of size > 1 into a single unordered
// batch), and computes the critical path.
func Analyze(g *Graph) Result {
	sccs := tarjanSCC(g)

	// condensation: map each node to its component id
	compOf := make(map[string]int, len(g.nodes))
	for i, comp := range sccs {
		for _, n := range comp {
			compOf[n] = i
		}
	}

	// condensed edges between components (dep direction preserved)
	condEdges := make(map[int]map[int]bool)
	for n := range g.nodes {
		for _, dep := range g.edges[n] {
			a, b := compOf[n], compOf[dep]
			if a == b {
				continue
			}
			if condEdges[a] == nil {
				condEdges[a] = make(map[int]bool)
			}
			condEdges[a][b] = true
		}
	}

	// in-degree in condensation: edge a->b means a depends on b, so a
	// cannot run until b's batch completes. Kahn's algorithm orders by
	// "ready when all dependencies done": inDegree counts dependencies.
	inDegree := make(map[int]int, len(sccs))
	for i := range sccs {
		inDegree[i] = len(condEdges[i])
	}

	batches := make([][]string, 0)
	remaining := make(map[int]bool, len(sccs))
	for i := range sccs {
		remaining[i] = true
	}

	for len(remaining) > 0 {
		var ready []int
		for i := range remaining {
			if inDegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			// Should not happen: condensation of SCCs is always a DAG.
			// Degrade to a single sequential batch of everything left.
			var leftover []string
			for i := range remaining {
				leftover = append(leftover, sccs[i]...)
			}
			sort.Strings(leftover)
			batches = append(batches, leftover)
			break
		}
		sort.Ints(ready)
		var batch []string
		for _, i := range ready {
			members := append([]string{}, sccs[i]...)
			sort.Strings(members)
			batch = append(batch, members...)
			delete(remaining, i)
			for other := range remaining {
				if condEdges[other][i] {
					inDegree[other]--
				}
			}
		}
		sort.Strings(batch)
		batches = append(batches, batch)
	}

	hasCycles := false
	var cycles [][]string
	for _, comp := range sccs {
		if len(comp) > 1 {
			hasCycles = true
			members := append([]string{}, comp...)
			sort.Strings(members)
			cycles = append(cycles, members)
		}
	}

	return Result{
		Batches:                 batches,
		CriticalPath:            criticalPath(g),
		HasCircularDependencies: hasCycles,
		Cycles:                  cycles,
		MissingTargets:          g.MissingTargets,
	}
}

// criticalPath returns the longest dependency chain by node count,
// breaking ties by lexical order of the starting node for determinism.
// Cyclic subgraphs are treated as contributing length 1 (no infinite
// chase) since they already collapse to one batch.
func criticalPath(g *Graph) []string {
	memo := make(map[string][]string)
	var visiting map[string]bool = make(map[string]bool)

	var longest func(n string) []string
	longest = func(n string) []string {
		if cached, ok := memo[n]; ok {
			return cached
		}
		if visiting[n] {
			return []string{n} // cycle guard
		}
		visiting[n] = true
		defer delete(visiting, n)

		best := []string{n}
		deps := append([]string{}, g.edges[n]...)
		sort.Strings(deps)
		for _, dep := range deps {
			chain := append([]string{n}, longest(dep)...)
			if len(chain) > len(best) {
				best = chain
			}
		}
		memo[n] = best
		return best
	}

	var overallBest []string
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		chain := longest(n)
		if len(chain) > len(overallBest) {
			overallBest = chain
		}
	}
	return overallBest
}

// tarjanSCC returns the graph's strongly-connected components. Order of
// components is topological (dependencies before their dependents), and each component's
// member order is unspecified (callers sort as needed).
func tarjanSCC(g *Graph) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var result [][]string

	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		deps := append([]string{}, g.edges[v]...)
		sort.Strings(deps)
		for _, w := range deps {
			if _, ok := indices[w]; !ok {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			result = append(result, comp)
		}
	}

	for _, n := range names {
		if _, ok := indices[n]; !ok {
			strongConnect(n)
		}
	}
	return result
}
