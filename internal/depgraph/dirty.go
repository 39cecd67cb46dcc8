package depgraph

// DirtySet tracks which nodes of a Graph must be re-evaluated.
type DirtySet[K comparable] struct {
	g     *Graph[K]
	dirty map[K]bool
}

// NewDirtySet returns a clean dirty set over g.
func NewDirtySet[K comparable](g *Graph[K]) *DirtySet[K] {
	return &DirtySet[K]{g: g, dirty: make(map[K]bool, len(g.order))}
}

// Graph returns the underlying invalidation graph.
func (d *DirtySet[K]) Graph() *Graph[K] { return d.g }

// Mark flags ids as dirty. Unknown IDs are ignored.
func (d *DirtySet[K]) Mark(ids ...K) {
	for _, id := range ids {
		if d.g.Has(id) {
			d.dirty[id] = true
		}
	}
}

// MarkAll flags every node as dirty.
func (d *DirtySet[K]) MarkAll() {
	for _, id := range d.g.order {
		d.dirty[id] = true
	}
}

// Publish marks every dependent of id dirty. The node itself is left as is.
func (d *DirtySet[K]) Publish(id K) {
	deps, err := d.g.Dependents(id)
	if err != nil {
		return
	}
	for _, dep := range deps {
		d.dirty[dep] = true
	}
}

// Clear resets the dirty bit of ids.
func (d *DirtySet[K]) Clear(ids ...K) {
	for _, id := range ids {
		delete(d.dirty, id)
	}
}

// ClearAll resets every dirty bit.
func (d *DirtySet[K]) ClearAll() {
	for id := range d.dirty {
		delete(d.dirty, id)
	}
}

// IsDirty reports whether id is dirty.
func (d *DirtySet[K]) IsDirty(id K) bool { return d.dirty[id] }

// Any reports whether at least one node is dirty.
func (d *DirtySet[K]) Any() bool { return len(d.dirty) > 0 }

// Dirty returns the dirty nodes in graph insertion order.
func (d *DirtySet[K]) Dirty() []K {
	var out []K
	for _, id := range d.g.order {
		if d.dirty[id] {
			out = append(out, id)
		}
	}
	return out
}
