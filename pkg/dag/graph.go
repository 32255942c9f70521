package dag

import (
	"fmt"
	"slices"
	"sort"
)

// Graph is the task dependency graph of a workflow.
// An edge upstream -> downstream means downstream runs after upstream.
type Graph struct {
	nodes      map[string]struct{}
	downstream map[string][]string
	upstream   map[string][]string
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]struct{}),
		downstream: make(map[string][]string),
		upstream:   make(map[string][]string),
	}
}

// AddNode adds a task to the graph. Adding an existing task is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	g.downstream[id] = []string{}
	g.upstream[id] = []string{}
}

// HasNode reports whether the task is part of the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// AddEdge records that downstreamID runs after upstreamID.
func (g *Graph) AddEdge(upstreamID, downstreamID string) error {
	if !g.HasNode(upstreamID) {
		return fmt.Errorf("upstream task %q does not exist", upstreamID)
	}
	if !g.HasNode(downstreamID) {
		return fmt.Errorf("downstream task %q does not exist", downstreamID)
	}
	if upstreamID == downstreamID {
		return fmt.Errorf("self-loop detected: %s", upstreamID)
	}

	if !slices.Contains(g.downstream[upstreamID], downstreamID) {
		g.downstream[upstreamID] = append(g.downstream[upstreamID], downstreamID)
	}
	if !slices.Contains(g.upstream[downstreamID], upstreamID) {
		g.upstream[downstreamID] = append(g.upstream[downstreamID], upstreamID)
	}
	return nil
}

// Upstream returns the direct upstream tasks of id.
func (g *Graph) Upstream(id string) []string {
	return g.upstream[id]
}

// Downstream returns the direct downstream tasks of id.
func (g *Graph) Downstream(id string) []string {
	return g.downstream[id]
}

// NodeCount returns the number of tasks in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of dependency edges in the graph.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, children := range g.downstream {
		count += len(children)
	}
	return count
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindCycle returns a cycle path if the graph has one, or nil.
func (g *Graph) FindCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true

		for _, next := range g.downstream[id] {
			if !visited[next] {
				parent[next] = id
				if dfs(next) {
					return true
				}
			} else if onStack[next] {
				cycle = []string{next}
				for curr := id; curr != next; curr = parent[curr] {
					cycle = append([]string{curr}, cycle...)
				}
				cycle = append([]string{next}, cycle...)
				return true
			}
		}

		onStack[id] = false
		return false
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] && dfs(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns task IDs with every task after all of its upstream tasks.
// Ties are broken by task ID so the order is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	if cycle := g.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("cycle detected: %v", cycle)
	}

	visited := make(map[string]bool)
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, up := range g.upstream[id] {
			visit(up)
		}
		result = append(result, id)
	}

	for _, id := range g.sortedIDs() {
		visit(id)
	}
	return result, nil
}

// ExecutionLevels groups tasks by depth. Level 0 holds tasks without upstream
// dependencies; tasks at level N only depend on tasks at lower levels.
func (g *Graph) ExecutionLevels() ([][]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	maxLevel := -1
	for _, id := range order {
		l := 0
		for _, up := range g.upstream[id] {
			if level[up]+1 > l {
				l = level[up] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		levels[level[id]] = append(levels[level[id]], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// AllUpstream returns every task the given task transitively depends on.
func (g *Graph) AllUpstream(id string) []string {
	return g.walk(id, g.upstream)
}

// AllDownstream returns every task that transitively depends on the given task.
func (g *Graph) AllDownstream(id string) []string {
	return g.walk(id, g.downstream)
}

func (g *Graph) walk(id string, adj map[string][]string) []string {
	seen := make(map[string]bool)
	var mark func(string)
	mark = func(n string) {
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				mark(next)
			}
		}
	}
	mark(id)

	result := make([]string, 0, len(seen))
	for n := range seen {
		result = append(result, n)
	}
	sort.Strings(result)
	return result
}

// Roots returns tasks without upstream dependencies.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.sortedIDs() {
		if len(g.upstream[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns tasks without downstream dependents.
func (g *Graph) Leaves() []string {
	var leaves []string
	for _, id := range g.sortedIDs() {
		if len(g.downstream[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}
