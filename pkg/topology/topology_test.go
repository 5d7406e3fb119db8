package topology

import (
	"testing"

	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanSendRequiresExplicitEdge(t *testing.T) {
	tp := New()
	tp.AddEdge("human", "b1", false)

	assert.True(t, tp.Load().CanSend("human", "b1"))
	assert.False(t, tp.Load().CanSend("b1", "human"))
	assert.False(t, tp.Load().CanSend("b1", "b2"))
}

func TestHumanHasNoUniversalReachability(t *testing.T) {
	tp := New()
	tp.AddEdge("b1", "b2", false)

	// No edges touch human: both directions must be false for every node.
	snap := tp.Load()
	for _, node := range []string{"b1", "b2", "mailbox:ops"} {
		assert.False(t, snap.CanSend(types.HumanNode, node), "human->%s", node)
		assert.False(t, snap.CanSend(node, types.HumanNode), "%s->human", node)
	}
}

func TestAddEdgeIdempotent(t *testing.T) {
	tp := New()
	tp.AddEdge("a", "b", false)
	once := tp.Load().Edges()

	tp.AddEdge("a", "b", false)
	twice := tp.Load().Edges()

	assert.Equal(t, once, twice)

	tp.AddEdge("a", "b", true)
	tp.AddEdge("a", "b", true)
	assert.Len(t, tp.Load().Edges(), 2)
}

func TestBidirectionalMaterializesTwoEdges(t *testing.T) {
	tp := New()
	tp.AddEdge("human", "b1", true)

	snap := tp.Load()
	assert.True(t, snap.CanSend("human", "b1"))
	assert.True(t, snap.CanSend("b1", "human"))
	assert.True(t, snap.IsBidirectional("human", "b1"))
	assert.Len(t, snap.Edges(), 2)
}

func TestRemoveEdge(t *testing.T) {
	tp := New()
	tp.AddEdge("a", "b", true)

	tp.RemoveEdge("a", "b", false)
	snap := tp.Load()
	assert.False(t, snap.CanSend("a", "b"))
	assert.True(t, snap.CanSend("b", "a"))

	tp.AddEdge("a", "b", true)
	tp.RemoveEdge("a", "b", true)
	snap = tp.Load()
	assert.False(t, snap.CanSend("a", "b"))
	assert.False(t, snap.CanSend("b", "a"))
}

func TestSetBidirectional(t *testing.T) {
	tp := New()
	tp.AddEdge("a", "b", false)

	tp.SetBidirectional("a", "b", true)
	assert.True(t, tp.Load().CanSend("b", "a"))

	tp.SetBidirectional("a", "b", false)
	snap := tp.Load()
	assert.False(t, snap.CanSend("b", "a"))
	assert.True(t, snap.CanSend("a", "b"))
}

func TestMergedCollapsesPairs(t *testing.T) {
	tp := New()
	tp.AddEdge("human", "b1", true)
	tp.AddEdge("b2", "b1", false)

	merged := tp.Load().Merged()
	require.Len(t, merged, 2)

	// Pair collapses to one entry; source is the lexicographic minimum.
	assert.Equal(t, types.Connection{From: "b1", To: "human", Bidirectional: true}, merged[0])
	assert.Equal(t, types.Connection{From: "b2", To: "b1"}, merged[1])
}

func TestSnapshotIsolation(t *testing.T) {
	tp := New()
	tp.AddEdge("a", "b", false)

	snap := tp.Load()
	tp.RemoveEdge("a", "b", false)

	// The old snapshot still answers with the view it was taken under.
	assert.True(t, snap.CanSend("a", "b"))
	assert.False(t, tp.Load().CanSend("a", "b"))
}

func TestRebuildReplacesGraph(t *testing.T) {
	tp := New()
	tp.AddEdge("x", "y", false)

	tp.Rebuild([]*types.Connection{
		{From: "human", To: "b1", Bidirectional: true},
		{From: "b1", To: "b2"},
	})

	snap := tp.Load()
	assert.False(t, snap.CanSend("x", "y"))
	assert.True(t, snap.CanSend("human", "b1"))
	assert.True(t, snap.CanSend("b1", "human"))
	assert.True(t, snap.CanSend("b1", "b2"))
	assert.False(t, snap.CanSend("b2", "b1"))
}

func TestUpstreamDownstream(t *testing.T) {
	tp := New()
	tp.Rebuild([]*types.Connection{
		{From: "human", To: "b1"},
		{From: "b1", To: "b2"},
		{From: "b1", To: "b3"},
		{From: "b3", To: "b1"},
	})

	snap := tp.Load()
	assert.Equal(t, []string{"b3", "human"}, snap.Upstream("b1"))
	assert.Equal(t, []string{"b2", "b3"}, snap.Downstream("b1"))
	assert.Empty(t, snap.Upstream("human"))
}

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name     string
		conns    []*types.Connection
		expected int
	}{
		{
			name:     "no cycles",
			conns:    []*types.Connection{{From: "a", To: "b"}, {From: "b", To: "c"}},
			expected: 0,
		},
		{
			name:     "two-node cycle",
			conns:    []*types.Connection{{From: "a", To: "b", Bidirectional: true}},
			expected: 1,
		},
		{
			name: "three-node ring",
			conns: []*types.Connection{
				{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"},
			},
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := New()
			tp.Rebuild(tt.conns)
			assert.Len(t, tp.Load().DetectCycles(), tt.expected)
		})
	}
}
