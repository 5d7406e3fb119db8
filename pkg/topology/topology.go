// Package topology holds the directed connection graph that governs which
// sender→recipient pairs the router accepts.
//
// The graph is kept as an immutable snapshot behind an atomic pointer: a
// mutation builds a new snapshot and swaps it in, so an in-flight route
// always evaluates against the consistent view it observed at entry. The
// human node is an ordinary node here; it is reachable (and can reach)
// exactly the nodes it has explicit edges for.
package topology

import (
	"sort"
	"sync/atomic"

	"github.com/apiaryhq/apiary/pkg/types"
)

type edge struct {
	from, to string
}

// Snapshot is one immutable view of the connection graph
type Snapshot struct {
	edges map[edge]struct{}
}

// CanSend reports whether the directed edge from→to exists
func (s *Snapshot) CanSend(from, to string) bool {
	_, ok := s.edges[edge{from, to}]
	return ok
}

// IsBidirectional reports whether edges exist in both directions between a
// and b. Display only; routing always checks single directions.
func (s *Snapshot) IsBidirectional(a, b string) bool {
	return s.CanSend(a, b) && s.CanSend(b, a)
}

// Edges returns all directed edges, sorted for determinism
func (s *Snapshot) Edges() []types.Connection {
	out := make([]types.Connection, 0, len(s.edges))
	for e := range s.edges {
		out = append(out, types.Connection{From: e.from, To: e.to})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Merged returns the display view: matched directed pairs collapse to a
// single bidirectional entry whose source is the lexicographic minimum of
// the two endpoints; one-way edges pass through unchanged.
func (s *Snapshot) Merged() []types.Connection {
	var out []types.Connection
	seen := make(map[edge]struct{})

	for e := range s.edges {
		if _, done := seen[e]; done {
			continue
		}
		reverse := edge{e.to, e.from}
		if _, ok := s.edges[reverse]; ok {
			seen[e] = struct{}{}
			seen[reverse] = struct{}{}
			src, dst := e.from, e.to
			if dst < src {
				src, dst = dst, src
			}
			out = append(out, types.Connection{From: src, To: dst, Bidirectional: true})
		} else {
			seen[e] = struct{}{}
			out = append(out, types.Connection{From: e.from, To: e.to})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Upstream returns the nodes with an edge into id, sorted
func (s *Snapshot) Upstream(id string) []string {
	var out []string
	for e := range s.edges {
		if e.to == id {
			out = append(out, e.from)
		}
	}
	sort.Strings(out)
	return out
}

// Downstream returns the nodes id has an edge to, sorted
func (s *Snapshot) Downstream(id string) []string {
	var out []string
	for e := range s.edges {
		if e.from == id {
			out = append(out, e.to)
		}
	}
	sort.Strings(out)
	return out
}

// DetectCycles returns every elementary cycle reachable in the graph as a
// node list (first node repeated at the end). Cycles are permitted; this is
// a read-only diagnostic.
func (s *Snapshot) DetectCycles() [][]string {
	adj := make(map[string][]string)
	nodes := make(map[string]struct{})
	for e := range s.edges {
		adj[e.from] = append(adj[e.from], e.to)
		nodes[e.from] = struct{}{}
		nodes[e.to] = struct{}{}
	}
	for _, next := range adj {
		sort.Strings(next)
	}

	sorted := make([]string, 0, len(nodes))
	for n := range nodes {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var cycles [][]string
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var stack []string

	var visit func(n string)
	visit = func(n string) {
		state[n] = 1
		stack = append(stack, n)
		for _, next := range adj[n] {
			switch state[next] {
			case 0:
				visit(next)
			case 1:
				// Found a back edge; extract the cycle from the stack.
				for i, v := range stack {
					if v == next {
						cycle := append(append([]string{}, stack[i:]...), next)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = 2
	}

	for _, n := range sorted {
		if state[n] == 0 {
			visit(n)
		}
	}
	return cycles
}

func (s *Snapshot) clone() *Snapshot {
	edges := make(map[edge]struct{}, len(s.edges))
	for e := range s.edges {
		edges[e] = struct{}{}
	}
	return &Snapshot{edges: edges}
}

// Topology is the mutable holder of the current snapshot
type Topology struct {
	snap atomic.Pointer[Snapshot]
}

// New creates an empty topology
func New() *Topology {
	t := &Topology{}
	t.snap.Store(&Snapshot{edges: map[edge]struct{}{}})
	return t
}

// Load returns the current snapshot. Callers evaluating several questions
// about one mail must hold onto the snapshot rather than re-loading.
func (t *Topology) Load() *Snapshot {
	return t.snap.Load()
}

// Rebuild replaces the whole graph from a connection list. Bidirectional
// connections materialize as two directed edges.
func (t *Topology) Rebuild(conns []*types.Connection) {
	edges := make(map[edge]struct{}, len(conns)*2)
	for _, c := range conns {
		edges[edge{c.From, c.To}] = struct{}{}
		if c.Bidirectional {
			edges[edge{c.To, c.From}] = struct{}{}
		}
	}
	t.snap.Store(&Snapshot{edges: edges})
}

// AddEdge inserts a directed edge, or both directions when bidir is set.
// Idempotent.
func (t *Topology) AddEdge(from, to string, bidir bool) {
	next := t.Load().clone()
	next.edges[edge{from, to}] = struct{}{}
	if bidir {
		next.edges[edge{to, from}] = struct{}{}
	}
	t.snap.Store(next)
}

// RemoveEdge deletes a directed edge, or both directions when bidir is set
func (t *Topology) RemoveEdge(from, to string, bidir bool) {
	next := t.Load().clone()
	delete(next.edges, edge{from, to})
	if bidir {
		delete(next.edges, edge{to, from})
	}
	t.snap.Store(next)
}

// SetBidirectional inserts or removes the reverse edge of from→to
func (t *Topology) SetBidirectional(from, to string, bidir bool) {
	next := t.Load().clone()
	if bidir {
		next.edges[edge{to, from}] = struct{}{}
	} else {
		delete(next.edges, edge{to, from})
	}
	t.snap.Store(next)
}
