package mesh

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, jaccard(nil, nil))
	assert.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
}

func TestConnectionStrengthClamped(t *testing.T) {
	a, b := newGraphNode(), newGraphNode()
	a.Reputation, b.Reputation = 1.0, 1.0
	a.Capabilities = []string{"compute"}
	b.Capabilities = []string{"compute"}

	s := connectionStrength(a, b)
	assert.LessOrEqual(t, s, 1.0)
	assert.GreaterOrEqual(t, s, 0.1)

	// Worst case still sits on the floor.
	a.Reputation, b.Reputation = 0.0, 0.0
	a.Load, b.Load = 100, 0
	a.Capabilities, b.Capabilities = []string{"x"}, []string{"y"}
	assert.GreaterOrEqual(t, connectionStrength(a, b), 0.1)
}

func TestConnectRespectsCapAndMirrorsEdges(t *testing.T) {
	topo := NewTopology()
	a, b, c := newGraphNode(), newGraphNode(), newGraphNode()
	topo.AddNode(a)
	topo.AddNode(b)
	topo.AddNode(c)

	require.True(t, topo.Connect(a.ID, b.ID, 1, time.Now()))
	assert.NotNil(t, topo.Edge(a.ID, b.ID))
	assert.NotNil(t, topo.Edge(b.ID, a.ID))
	assert.Equal(t, 1, topo.EdgeCount())

	// Both endpoints are at their cap of one peer.
	assert.False(t, topo.Connect(a.ID, c.ID, 1, time.Now()))
	assert.False(t, topo.Connect(a.ID, b.ID, 5, time.Now()), "already connected")
	assert.False(t, topo.Connect(a.ID, a.ID, 5, time.Now()), "self connect")
}

func TestCandidatePeersExcludesInactiveAndFull(t *testing.T) {
	topo := NewTopology()
	n, active, inactive, full := newGraphNode(), newGraphNode(), newGraphNode(), newGraphNode()
	inactive.Status = NodeStatusUnreachable
	for _, node := range []*Node{n, active, inactive, full} {
		topo.AddNode(node)
	}
	other := newGraphNode()
	topo.AddNode(other)
	require.True(t, topo.Connect(full.ID, other.ID, 1, time.Now()))

	candidates := topo.candidatePeers(n, 1)
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID.String())
	}
	assert.Contains(t, ids, active.ID.String())
	assert.NotContains(t, ids, inactive.ID.String())
	assert.NotContains(t, ids, full.ID.String())
	assert.NotContains(t, ids, n.ID.String())
}

func TestPositionForCentroid(t *testing.T) {
	topo := NewTopology()
	rng := newTestRand()

	a := newGraphNode()
	a.Region = "us-east"
	a.Position = Position{X: 10, Y: 10, Z: 10}
	b := newGraphNode()
	b.Region = "us-east"
	b.Position = Position{X: 20, Y: 20, Z: 20}
	topo.AddNode(a)
	topo.AddNode(b)

	// New same-region node lands near the centroid (15,15,15) with at
	// most +-5 jitter per axis.
	p := topo.positionFor("us-east", rng)
	assert.InDelta(t, 15, p.X, 5.0001)
	assert.InDelta(t, 15, p.Y, 5.0001)
	assert.InDelta(t, 15, p.Z, 5.0001)
}
