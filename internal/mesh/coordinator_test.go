package mesh

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, mutate func(*Config)) (*Coordinator, *fakeClock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AdaptiveTopology = false
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewCoordinator(cfg, zerolog.Nop())
	clk := newFakeClock()
	c.SetClock(clk)
	t.Cleanup(c.Shutdown)
	return c, clk
}

func addNodes(t *testing.T, c *Coordinator, n int, region string) []uuid.UUID {
	t.Helper()

	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.AddNode(uuid.NewString(), []string{"compute"}, region)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestAddNodeFormsFullMesh(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	// With N <= maxPeers+1 nodes in one region every node connects to
	// every other node.
	addNodes(t, c, 4, "us-east")

	status := c.GetNetworkStatus()
	require.Len(t, status.Nodes, 4)
	assert.Equal(t, 6, status.Metrics.EdgeCount)
	for _, n := range status.Nodes {
		assert.Len(t, n.Peers, 3, "node %s should peer with all others", n.ID)
		assert.Equal(t, NodeStatusActive, n.Status)
		assert.Equal(t, 1.0, n.Reputation)
	}
}

func TestAddNodeRespectsPeerCap(t *testing.T) {
	c, _ := newTestCoordinator(t, func(cfg *Config) {
		cfg.MaxPeersPerNode = 3
	})

	addNodes(t, c, 6, "eu-west")

	for _, n := range c.GetNetworkStatus().Nodes {
		assert.LessOrEqual(t, len(n.Peers), 3)
	}
}

func TestRemoveNodeLeavesNoDanglingEdges(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 3, "us-east")

	require.NoError(t, c.RemoveNode(ids[0]))

	status := c.GetNetworkStatus()
	require.Len(t, status.Nodes, 2)
	for _, n := range status.Nodes {
		_, stale := n.Peers[ids[0]]
		assert.False(t, stale, "node %s still references removed peer", n.ID)
		_, strengthStale := n.Strength[ids[0]]
		assert.False(t, strengthStale)
	}
}

func TestRemoveNodeUnknown(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	assert.ErrorIs(t, c.RemoveNode(uuid.New()), ErrNodeNotFound)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	addNodes(t, c, 3, "us-east")

	before := c.GetNetworkStatus().Metrics

	id, err := c.AddNode("transient", []string{"compute"}, "us-east")
	require.NoError(t, err)
	require.NoError(t, c.RemoveNode(id))

	after := c.GetNetworkStatus().Metrics
	assert.Equal(t, before.NodeCount, after.NodeCount)
	assert.Equal(t, before.EdgeCount, after.EdgeCount)
}

func TestNodeAddedNotification(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	var events []Event
	c.OnEvent(func(ev Event) { events = append(events, ev) })

	addNodes(t, c, 2, "us-east")

	require.Len(t, events, 2)
	assert.Equal(t, EventNodeAdded, events[0].Type)
	assert.Equal(t, 0, events[0].Payload["peer_count"])
	assert.Equal(t, 1, events[1].Payload["peer_count"])
}

func TestShutdownRemovesEverything(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	addNodes(t, c, 3, "us-east")

	c.Shutdown()

	status := c.GetNetworkStatus()
	assert.Empty(t, status.Nodes)
	assert.Empty(t, status.ConsensusRequests)
	assert.Empty(t, status.Partitions)

	_, err := c.AddNode("late", nil, "us-east")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestHeartbeatSweepMarksUnreachable(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 2, "us-east")

	var unreachable []uuid.UUID
	c.OnEvent(func(ev Event) {
		if ev.Type == EventNodeUnreachable {
			unreachable = append(unreachable, ev.NodeID)
		}
	})

	clk.Advance(3*c.cfg.HeartbeatInterval + time.Second)
	require.NoError(t, c.Heartbeat(ids[1]))
	c.sweepHeartbeats()

	status := c.GetNetworkStatus()
	statuses := map[uuid.UUID]NodeStatus{}
	for _, n := range status.Nodes {
		statuses[n.ID] = n.Status
	}
	assert.Equal(t, NodeStatusUnreachable, statuses[ids[0]])
	assert.Equal(t, NodeStatusActive, statuses[ids[1]])
	assert.Equal(t, []uuid.UUID{ids[0]}, unreachable)
}

func TestHeartbeatAloneDoesNotReactivate(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 1, "us-east")

	clk.Advance(4 * c.cfg.HeartbeatInterval)
	c.sweepHeartbeats()
	require.Equal(t, NodeStatusUnreachable, c.GetNetworkStatus().Nodes[0].Status)

	// A fresh heartbeat keeps lastSeen current but only partition
	// recovery may flip the node back to active.
	require.NoError(t, c.Heartbeat(ids[0]))
	c.sweepHeartbeats()
	assert.Equal(t, NodeStatusUnreachable, c.GetNetworkStatus().Nodes[0].Status)
}

func TestMaintenanceDropsEdgesAndDecaysReputation(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 3, "us-east")

	clk.Advance(4 * c.cfg.HeartbeatInterval)
	require.NoError(t, c.Heartbeat(ids[1]))
	require.NoError(t, c.Heartbeat(ids[2]))
	c.sweepHeartbeats()
	c.runMaintenance()

	status := c.GetNetworkStatus()
	for _, n := range status.Nodes {
		if n.ID == ids[0] {
			assert.Empty(t, n.Peers, "unreachable node should lose its edges")
		}
		assert.InDelta(t, 1.0-c.cfg.ReputationDecayRate, n.Reputation, 1e-9)
	}
}

func TestLinkErrorsDegradeReliability(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 2, "us-east")

	for i := 0; i < 4; i++ {
		require.NoError(t, c.RecordLinkActivity(ids[0], ids[1], false))
	}
	c.runMaintenance()

	c.mu.Lock()
	edge := c.topo.Edge(ids[0], ids[1])
	c.mu.Unlock()
	require.NotNil(t, edge)
	assert.Equal(t, uint64(4), edge.MessageCount)
	assert.Equal(t, 4, edge.ErrorCount)
	assert.InDelta(t, 0.9, edge.Reliability, 1e-9)

	assert.ErrorIs(t, c.RecordLinkActivity(ids[0], uuid.New(), true), ErrNodeNotFound)
}

func TestReputationFloor(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 1, "us-east")

	c.mu.Lock()
	c.topo.Node(ids[0]).Reputation = 0.105
	c.mu.Unlock()

	c.runMaintenance()
	c.runMaintenance()

	assert.Equal(t, ReputationFloor, c.GetNetworkStatus().Nodes[0].Reputation)
}
