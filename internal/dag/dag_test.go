package dag

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.NotNil(t, g.nodes)
	assert.Empty(t, g.nodes)
}

func TestAddNode(t *testing.T) {
	g := New()

	g.AddNode("a")
	assert.Len(t, g.nodes, 1)
	nodeA, ok := g.nodes["a"]
	require.True(t, ok)
	assert.Equal(t, "a", nodeA.id)
	assert.NotNil(t, nodeA.deps)
	assert.NotNil(t, nodeA.dependents)
	assert.Equal(t, 0, nodeA.seq)

	g.AddNode("a") // Test idempotency
	assert.Len(t, g.nodes, 1)

	g.AddNode("b")
	assert.Len(t, g.nodes, 2)
	_, ok = g.nodes["b"]
	assert.True(t, ok)
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("a", "b", Sequential) // b depends on a
		require.NoError(t, err)

		nodeA := g.nodes["a"]
		nodeB := g.nodes["b"]

		assert.Equal(t, Sequential, nodeA.dependents["b"])
		assert.Equal(t, Sequential, nodeB.deps["a"])

		require.NoError(t, g.AddEdge("a", "b", Additive))
		assert.Equal(t, Additive, nodeB.deps["a"], "re-adding replaces the kind")
	})

	t.Run("error cases", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("dne", "a", Sequential)
		assert.ErrorContains(t, err, "source node not found")

		err = g.AddEdge("a", "dne", Sequential)
		assert.ErrorContains(t, err, "destination node not found")

		err = g.AddEdge("a", "a", Sequential)
		assert.ErrorContains(t, err, "self-referential edge")

		err = g.AddEdge("a", "b", EdgeKind(7))
		assert.ErrorContains(t, err, "invalid edge kind")
	})
}

func TestDetectCycles(t *testing.T) {
	t.Run("empty graph has no cycles", func(t *testing.T) {
		g := New()
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("graph with nodes but no edges has no cycles", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("valid dag has no cycles", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")
		g.AddNode("d")
		require.NoError(t, g.AddEdge("a", "b", Sequential))
		require.NoError(t, g.AddEdge("b", "c", Sequential))
		require.NoError(t, g.AddEdge("a", "c", Sequential)) // Transitive edge
		require.NoError(t, g.AddEdge("c", "d", Sequential))
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("simple direct cycle is detected", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		require.NoError(t, g.AddEdge("a", "b", Sequential))
		require.NoError(t, g.AddEdge("b", "a", Sequential)) // Cycle
		err := g.DetectCycles()
		assert.Error(t, err)
		assert.ErrorContains(t, err, "cycle detected")
	})

	t.Run("longer cycle is detected", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")
		g.AddNode("d")
		require.NoError(t, g.AddEdge("a", "b", Sequential))
		require.NoError(t, g.AddEdge("b", "c", Sequential))
		require.NoError(t, g.AddEdge("c", "d", Sequential))
		require.NoError(t, g.AddEdge("d", "a", Sequential)) // Cycle back to the start
		err := g.DetectCycles()
		assert.Error(t, err)
		assert.ErrorContains(t, err, "cycle detected")
	})

	t.Run("cycle in a disjoint component is detected", func(t *testing.T) {
		g := New()
		// Component 1 (valid)
		g.AddNode("a")
		g.AddNode("b")
		require.NoError(t, g.AddEdge("a", "b", Sequential))

		// Component 2 (has a cycle)
		g.AddNode("x")
		g.AddNode("y")
		g.AddNode("z")
		require.NoError(t, g.AddEdge("x", "y", Sequential))
		require.NoError(t, g.AddEdge("y", "z", Sequential))
		require.NoError(t, g.AddEdge("z", "y", Sequential)) // Cycle

		err := g.DetectCycles()
		assert.Error(t, err)
		assert.ErrorContains(t, err, "cycle detected")
	})
}

// diamond builds a -> b, a -> c, then b and c feed an additive merge d.
func diamond(t *testing.T) *Graph {
	t.Helper()
	g := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("a", "b", Sequential))
	require.NoError(t, g.AddEdge("a", "c", Sequential))
	require.NoError(t, g.AddEdge("c", "d", Additive))
	require.NoError(t, g.AddEdge("b", "d", Additive))
	return g
}

func TestNeighbours(t *testing.T) {
	g := diamond(t)

	deps, err := g.Dependencies("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, deps, "insertion order, not edge order")

	dependents, err := g.Dependents("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, dependents)

	in, err := g.Incoming("d")
	require.NoError(t, err)
	want := []Edge{{From: "b", To: "d", Kind: Additive}, {From: "c", To: "d", Kind: Additive}}
	if diff := cmp.Diff(want, in); diff != "" {
		t.Errorf("Incoming mismatch (-want +got):\n%s", diff)
	}

	_, err = g.Dependencies("dne")
	assert.ErrorContains(t, err, "node not found")
	_, err = g.Incoming("dne")
	assert.Error(t, err)
	assert.Equal(t, 4, g.Len())
}

func TestTopologicalOrder(t *testing.T) {
	t.Run("pipeline order is kept", func(t *testing.T) {
		order, err := diamond(t).TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	})

	t.Run("dependencies come first regardless of insertion", func(t *testing.T) {
		g := New()
		g.AddNode("last")
		g.AddNode("first")
		g.AddNode("middle")
		require.NoError(t, g.AddEdge("first", "middle", Sequential))
		require.NoError(t, g.AddEdge("middle", "last", Sequential))
		order, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "middle", "last"}, order)
	})

	t.Run("cycle", func(t *testing.T) {
		g := diamond(t)
		require.NoError(t, g.AddEdge("d", "a", Sequential))
		_, err := g.TopologicalOrder()
		assert.ErrorContains(t, err, "cycle detected")
	})
}

func TestEdgeKindString(t *testing.T) {
	assert.Equal(t, "sequential", Sequential.String())
	assert.Equal(t, "additive", Additive.String())
	assert.Equal(t, "EdgeKind(9)", EdgeKind(9).String())
}
