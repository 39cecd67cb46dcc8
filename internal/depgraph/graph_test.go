package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g := New[string]()
	require.NotNil(t, g)
	assert.Empty(t, g.Nodes())
}

func TestAddNode(t *testing.T) {
	g := New[string]()

	g.AddNode("a")
	g.AddNode("a") // idempotent
	g.AddNode("b")

	assert.Equal(t, []string{"a", "b"}, g.Nodes())
	assert.True(t, g.Has("a"))
	assert.False(t, g.Has("c"))
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New[string]()
		g.AddNode("plant")
		g.AddNode("air")

		require.NoError(t, g.AddEdge("plant", "air"))
		require.NoError(t, g.AddEdge("air", "plant")) // cycles are allowed
		require.NoError(t, g.AddEdge("plant", "air")) // duplicate ignored

		deps, err := g.Dependents("plant")
		require.NoError(t, err)
		assert.Equal(t, []string{"air"}, deps)

		in, err := g.Dependencies("plant")
		require.NoError(t, err)
		assert.Equal(t, []string{"air"}, in)
	})

	t.Run("queries follow node order", func(t *testing.T) {
		g := New[string]()
		for _, id := range []string{"plant", "air", "zone", "elec"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("plant", "elec"))
		require.NoError(t, g.AddEdge("plant", "zone"))
		require.NoError(t, g.AddEdge("plant", "air"))
		require.NoError(t, g.AddEdge("elec", "air"))

		deps, err := g.Dependents("plant")
		require.NoError(t, err)
		assert.Equal(t, []string{"air", "zone", "elec"}, deps)

		in, err := g.Dependencies("air")
		require.NoError(t, err)
		assert.Equal(t, []string{"plant", "elec"}, in)

		leaf, err := g.Dependents("zone")
		require.NoError(t, err)
		assert.Empty(t, leaf)
	})

	t.Run("error cases", func(t *testing.T) {
		g := New[string]()
		g.AddNode("a")

		assert.ErrorContains(t, g.AddEdge("dne", "a"), "source node not found")
		assert.ErrorContains(t, g.AddEdge("a", "dne"), "destination node not found")
		assert.ErrorContains(t, g.AddEdge("a", "a"), "self-referential edge")

		_, err := g.Dependents("dne")
		assert.ErrorContains(t, err, "node not found")
		_, err = g.Dependencies("dne")
		assert.ErrorContains(t, err, "node not found")
	})
}

func TestDirtySet(t *testing.T) {
	g := New[int]()
	for i := 0; i < 4; i++ {
		g.AddNode(i)
	}
	require.NoError(t, g.AddEdge(0, 2))
	require.NoError(t, g.AddEdge(0, 3))
	require.NoError(t, g.AddEdge(2, 0))

	d := NewDirtySet(g)
	assert.False(t, d.Any())

	t.Run("publish marks exactly the dependents", func(t *testing.T) {
		d.ClearAll()
		d.Publish(0)
		assert.Equal(t, []int{2, 3}, d.Dirty())
		assert.False(t, d.IsDirty(0))
	})

	t.Run("mark ignores unknown ids", func(t *testing.T) {
		d.ClearAll()
		d.Mark(1, 42)
		assert.Equal(t, []int{1}, d.Dirty())
	})

	t.Run("mark all and clear", func(t *testing.T) {
		d.MarkAll()
		assert.Equal(t, []int{0, 1, 2, 3}, d.Dirty())
		d.Clear(1, 3)
		assert.Equal(t, []int{0, 2}, d.Dirty())
		d.ClearAll()
		assert.False(t, d.Any())
	})
}
