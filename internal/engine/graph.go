package engine

import (
	"fmt"
	"sort"

	"github.com/roach88/cellflow/internal/extract"
	"github.com/roach88/cellflow/internal/store"
)

// graph is the derived cell dependency graph. It is rebuilt from the cell
// records on every registration or source change, never stored
// independently: an edge cell→variable exists when the variable is in the
// cell's exports, and variable→cell when it is in the cell's dependencies.
type graph struct {
	// producer maps each exported variable to the single cell that owns it.
	producer map[string]string

	// consumers maps each variable to the cells that depend on it, in
	// document order.
	consumers map[string][]string

	// rank is the topological position of every cell, with document order
	// as the tie-break among cells that are mutually unordered.
	rank map[string]int
}

// rebuildGraph re-extracts every cell and rebuilds the derived graph,
// checking structural invariants before anything executes. Called under
// the writer lock.
//
// Two extraction passes: exports first, because a code cell's dependency
// scan is conservative matching against the set of known variable names,
// which includes every other cell's exports.
func (e *Engine) rebuildGraph() error {
	// Pass 1: exports.
	for _, id := range e.order {
		rec := e.records[id]
		exports, err := extractExports(rec)
		if err != nil {
			return &SchedulerError{Code: ErrCodeInvalidCell, Message: err.Error(), CellID: id}
		}
		rec.exports = exports
	}

	// Known names: every defined variable plus every declared export.
	known := make([]string, 0, e.store.Len())
	for _, name := range e.store.Names() {
		if !store.IsInternalName(name) {
			known = append(known, name)
		}
	}
	for _, id := range e.order {
		known = append(known, e.records[id].exports...)
	}

	// Pass 2: dependencies.
	for _, id := range e.order {
		rec := e.records[id]
		rec.dependencies = extractDependencies(rec, known)
	}

	g := &graph{
		producer:  make(map[string]string),
		consumers: make(map[string][]string),
		rank:      make(map[string]int),
	}

	for _, id := range e.order {
		for _, name := range e.records[id].exports {
			if owner, taken := g.producer[name]; taken {
				return &SchedulerError{
					Code:    ErrCodeExportConflict,
					Message: fmt.Sprintf("variable %q is exported by both %s and %s", name, owner, id),
					CellID:  id,
				}
			}
			g.producer[name] = id
		}
	}
	for _, id := range e.order {
		for _, name := range e.records[id].dependencies {
			g.consumers[name] = append(g.consumers[name], id)
		}
	}

	if err := g.computeRanks(e.order); err != nil {
		return err
	}

	e.graph = g
	return nil
}

// extractExports runs the export half of extraction for one record.
func extractExports(rec *record) ([]string, error) {
	switch rec.kind {
	case KindCode:
		return extract.Code(rec.source, nil).Exports, nil
	case KindFormula:
		r, err := extract.Formula(rec.source)
		if err != nil {
			return nil, err
		}
		return r.Exports, nil
	case KindInput:
		r, err := extract.Input(rec.source)
		if err != nil {
			return nil, err
		}
		return r.Exports, nil
	default: // markdown
		return nil, nil
	}
}

// extractDependencies runs the dependency half of extraction for one
// record. Sources were validated at registration, so the fallible kinds
// cannot fail here.
func extractDependencies(rec *record, known []string) []string {
	switch rec.kind {
	case KindCode:
		return extract.Code(rec.source, known).Dependencies
	case KindFormula:
		r, err := extract.Formula(rec.source)
		if err != nil {
			return nil
		}
		return r.Dependencies
	case KindMarkdown:
		return extract.Markdown(rec.source).Dependencies
	default: // input
		return nil
	}
}

// cellEdges returns the cell→cell adjacency: for each cell, the cells
// that consume one of its exported variables.
func (g *graph) cellEdges(order []string) map[string][]string {
	edges := make(map[string][]string, len(order))
	for _, id := range order {
		edges[id] = nil
	}
	for name, owner := range g.producer {
		edges[owner] = append(edges[owner], g.consumers[name]...)
	}
	return edges
}

// computeRanks topologically orders the cells (Kahn), breaking ties by
// document order for deterministic scheduling. A cycle leaves cells
// unranked; Tarjan then reconstructs the offending path for the error.
func (g *graph) computeRanks(order []string) error {
	docIndex := make(map[string]int, len(order))
	for i, id := range order {
		docIndex[id] = i
	}

	edges := g.cellEdges(order)
	indegree := make(map[string]int, len(order))
	for _, id := range order {
		indegree[id] = 0
	}
	for _, targets := range edges {
		for _, t := range targets {
			indegree[t]++
		}
	}

	var ready []string
	for _, id := range order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	next := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return docIndex[ready[i]] < docIndex[ready[j]]
		})
		id := ready[0]
		ready = ready[1:]

		g.rank[id] = next
		next++

		for _, t := range edges[id] {
			indegree[t]--
			if indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
	}

	if next < len(order) {
		return NewCycleError(findCycle(edges, order))
	}
	return nil
}

// findCycle locates a strongly connected component of size > 1 (or a
// self-loop) and reconstructs a representative cycle path through it.
func findCycle(edges map[string][]string, order []string) []string {
	for _, scc := range tarjanSCC(edges, order) {
		if len(scc) > 1 || hasSelfLoop(scc[0], edges) {
			return cyclePath(scc, edges)
		}
	}
	return nil
}

// hasSelfLoop checks whether a node has an edge to itself.
func hasSelfLoop(node string, edges map[string][]string) bool {
	for _, n := range edges[node] {
		if n == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in document order so the reported component is stable
// across runs.
func tarjanSCC(edges map[string][]string, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cyclePath reconstructs a representative cycle through an SCC, starting
// and ending at the same cell.
func cyclePath(scc []string, edges map[string][]string) []string {
	if len(scc) == 0 {
		return nil
	}
	if len(scc) == 1 {
		return []string{scc[0], scc[0]}
	}

	inSCC := make(map[string]bool, len(scc))
	for _, node := range scc {
		inSCC[node] = true
	}

	start := scc[0]
	current := start
	path := []string{start}
	visited := map[string]bool{}

	for {
		visited[current] = true
		next := ""
		for _, n := range edges[current] {
			if inSCC[n] && (!visited[n] || n == start) {
				next = n
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
