// Package depgraph holds an invalidation graph between subsystems and the
// dirty bits that drive which of them must run again.
//
// Unlike a build DAG, an invalidation graph may be cyclic: a plant loop
// invalidates the air loops that in turn invalidate the plant. Cycles are
// resolved by the caller's iteration budget, not by the graph.
package depgraph

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// Graph is a directed invalidation graph over caller keys, stored as a gonum
// simple.DirectedGraph. Node order is the order of insertion and is
// preserved by every query.
type Graph[K comparable] struct {
	g     *simple.DirectedGraph
	ids   map[K]int64
	order []K
}

// New creates and returns an initialized, empty Graph.
func New[K comparable]() *Graph[K] {
	return &Graph[K]{
		g:   simple.NewDirectedGraph(),
		ids: make(map[K]int64),
	}
}

// AddNode adds a node with the given ID. Adding an existing ID is a no-op.
func (g *Graph[K]) AddNode(id K) {
	if _, ok := g.ids[id]; ok {
		return
	}
	nid := int64(len(g.order))
	g.g.AddNode(simple.Node(nid))
	g.ids[id] = nid
	g.order = append(g.order, id)
}

// AddEdge records that a change in fromID invalidates toID. Both nodes must
// exist; self edges are rejected and duplicate edges are ignored.
func (g *Graph[K]) AddEdge(fromID, toID K) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %v -> %v", fromID, fromID)
	}
	from, ok := g.ids[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %v", fromID)
	}
	to, ok := g.ids[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %v", toID)
	}
	if g.g.HasEdgeFromTo(from, to) {
		return nil
	}
	g.g.SetEdge(g.g.NewEdge(g.g.Node(from), g.g.Node(to)))
	return nil
}

// Nodes returns all node IDs in insertion order.
func (g *Graph[K]) Nodes() []K {
	return slices.Clone(g.order)
}

// Has reports whether id is a node of the graph.
func (g *Graph[K]) Has(id K) bool {
	_, ok := g.ids[id]
	return ok
}

// Dependents returns the nodes invalidated by a change in id.
func (g *Graph[K]) Dependents(id K) ([]K, error) {
	nid, ok := g.ids[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %v", id)
	}
	return g.keys(g.g.From(nid)), nil
}

// Dependencies returns the nodes whose changes invalidate id.
func (g *Graph[K]) Dependencies(id K) ([]K, error) {
	nid, ok := g.ids[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %v", id)
	}
	return g.keys(g.g.To(nid)), nil
}

// keys maps gonum nodes back to caller keys in insertion order.
func (g *Graph[K]) keys(nodes graph.Nodes) []K {
	var ids []int64
	for nodes.Next() {
		ids = append(ids, nodes.Node().ID())
	}
	slices.Sort(ids)
	out := make([]K, len(ids))
	for i, nid := range ids {
		out[i] = g.order[nid]
	}
	return out
}
