package phasegraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildLinear(nodes ...string) *Graph {
	g := New()
	for i := 0; i < len(nodes)-1; i++ {
		g.AddTransition(nodes[i], nodes[i+1])
	}
	return g
}

func TestLinearGraph(t *testing.T) {
	g := buildLinear("import", "mapping", "inventory", "complete")

	require.Equal(t, "import", g.First())
	require.True(t, g.IsValid("mapping"))
	require.False(t, g.IsValid("unknown"))
	require.True(t, g.IsTerminal("complete"))
	require.False(t, g.IsTerminal("inventory"))

	next, ok := g.Next("import")
	require.True(t, ok)
	require.Equal(t, "mapping", next)

	_, ok = g.Next("complete")
	require.False(t, ok)

	require.Equal(t, []string{"import", "mapping", "inventory", "complete"}, g.Nodes())
}

func TestPosition(t *testing.T) {
	g := buildLinear("a", "b", "c", "d")

	index, total := g.Position("a")
	require.Equal(t, 0, index)
	require.Equal(t, 4, total)

	index, _ = g.Position("c")
	require.Equal(t, 2, index)

	index, _ = g.Position("unknown")
	require.Equal(t, 0, index)
}

func TestBranchingGraph(t *testing.T) {
	g := New()
	g.AddTransition("start", "review")
	g.AddTransition("start", "skip")
	g.AddTransition("review", "complete")
	g.AddTransition("skip", "complete")

	require.Equal(t, "start", g.First())
	require.Equal(t, []string{"review", "skip"}, g.Transitions("start"))
	require.True(t, g.IsTerminal("complete"))

	// Next follows the first declared edge.
	next, ok := g.Next("start")
	require.True(t, ok)
	require.Equal(t, "review", next)
}

func TestInfo(t *testing.T) {
	g := buildLinear("a", "b", "c")
	info := g.Info()

	require.Equal(t, []string{"a"}, info.StartingNodes)
	require.Equal(t, []string{"c"}, info.TerminalNodes)
	require.Equal(t, []Transition{{From: "a", To: "b"}, {From: "b", To: "c"}}, info.Transitions)
}
