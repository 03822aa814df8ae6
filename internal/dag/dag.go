// Package dag derives the predecessor relation between bound rules from
// their declared I/O overlap, and validates that relation is acyclic, per
// spec §4.3.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"ruleflow/internal/errs"
	"ruleflow/internal/model"
)

// Graph is the bound rule DAG: predecessor/successor adjacency keyed by
// rule id.
type Graph struct {
	Rules        map[int64]*model.Rule
	Predecessors map[int64][]int64
	Successors   map[int64][]int64

	// order preserves the input rule order, used to produce deterministic
	// iteration (e.g. for the scheduler's initial ready-queue fill).
	order []int64
}

// Order returns rule ids in the order they were passed to Build.
func (g *Graph) Order() []int64 {
	out := make([]int64, len(g.order))
	copy(out, g.order)
	return out
}

// Build derives edges per I5 ("r' → r iff some output of r' equals, by
// path or model_identifier, some input of r") and rejects a cyclic result
// (I6) with errs.CyclicWorkflow naming the offending cycle.
func Build(rules []*model.Rule) (*Graph, error) {
	g := &Graph{
		Rules:        make(map[int64]*model.Rule, len(rules)),
		Predecessors: make(map[int64][]int64, len(rules)),
		Successors:   make(map[int64][]int64, len(rules)),
	}

	fileWriters := make(map[string][]int64)  // absolute path -> rule ids producing it
	tableWriters := make(map[string][]int64) // model_identifier -> rule ids producing it

	for _, r := range rules {
		g.Rules[r.ID] = r
		g.order = append(g.order, r.ID)
		g.Predecessors[r.ID] = nil
		g.Successors[r.ID] = nil

		for _, f := range r.Files {
			if f.Role == model.RoleOutput {
				fileWriters[f.Path] = append(fileWriters[f.Path], r.ID)
			}
		}
		for _, t := range r.Tables {
			if t.Role == model.RoleOutput {
				tableWriters[t.ModelIdentifier] = append(tableWriters[t.ModelIdentifier], r.ID)
			}
		}
	}

	for _, r := range rules {
		preds := make(map[int64]bool)
		for _, f := range r.Files {
			if f.Role != model.RoleInput {
				continue
			}
			for _, writerID := range fileWriters[f.Path] {
				if writerID != r.ID {
					preds[writerID] = true
				}
			}
		}
		for _, t := range r.Tables {
			if t.Role != model.RoleInput {
				continue
			}
			for _, writerID := range tableWriters[t.ModelIdentifier] {
				if writerID != r.ID {
					preds[writerID] = true
				}
			}
		}
		for p := range preds {
			g.Predecessors[r.ID] = append(g.Predecessors[r.ID], p)
			g.Successors[p] = append(g.Successors[p], r.ID)
		}
		sort.Slice(g.Predecessors[r.ID], func(i, j int) bool { return g.Predecessors[r.ID][i] < g.Predecessors[r.ID][j] })
	}
	for id := range g.Successors {
		sort.Slice(g.Successors[id], func(i, j int) bool { return g.Successors[id][i] < g.Successors[id][j] })
	}

	if cycle := findCycle(g); cycle != nil {
		return nil, errs.New(errs.CyclicWorkflow, "workflow contains a cycle").WithContext("cycle", describeCycle(g, cycle))
	}
	return g, nil
}

const (
	white = 0
	gray  = 1
	black = 2
)

// findCycle runs a recursive DFS looking for a back-edge (an edge into a
// node still on the current path), returning the cycle as a sequence of
// rule ids (first == last) or nil if acyclic.
func findCycle(g *Graph) []int64 {
	color := make(map[int64]int, len(g.Rules))
	var path []int64

	var dfs func(n int64) []int64
	dfs = func(n int64) []int64 {
		color[n] = gray
		path = append(path, n)
		for _, succ := range g.Successors[n] {
			switch color[succ] {
			case white:
				if cycle := dfs(succ); cycle != nil {
					return cycle
				}
			case gray:
				start := indexOf(path, succ)
				cycle := append([]int64{}, path[start:]...)
				cycle = append(cycle, succ)
				return cycle
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	ids := make([]int64, 0, len(g.Rules))
	for id := range g.Rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(xs []int64, v int64) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

func describeCycle(g *Graph, cycle []int64) string {
	names := make([]string, len(cycle))
	for i, id := range cycle {
		if r, ok := g.Rules[id]; ok {
			names[i] = r.RuleName
		} else {
			names[i] = fmt.Sprintf("#%d", id)
		}
	}
	return strings.Join(names, " -> ")
}
