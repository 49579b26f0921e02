package mesh

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func markUnreachable(c *Coordinator, ids ...uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if n := c.topo.Node(id); n != nil {
			for _, peer := range n.PeerIDs() {
				c.topo.Disconnect(id, peer)
			}
			n.Status = NodeStatusUnreachable
		}
	}
}

func TestPartitionLeaderElection(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 2, "us-east")

	c.mu.Lock()
	c.topo.Node(ids[0]).Reputation = 0.9
	c.topo.Node(ids[1]).Reputation = 0.6
	c.mu.Unlock()
	markUnreachable(c, ids...)

	c.HandleNetworkPartition(ids)

	// With every member unreachable and no active node to reconnect to,
	// the partition stays unresolved and its record is observable.
	require.Eventually(t, func() bool {
		parts := c.GetNetworkStatus().Partitions
		return len(parts) == 1 && parts[0].RecoveryAttempts >= 1
	}, time.Second, time.Millisecond)

	part := c.GetNetworkStatus().Partitions[0]
	assert.Equal(t, ids[0], part.Leader)
	assert.Equal(t, PartitionHealing, part.Status)
	assert.ElementsMatch(t, ids, part.Nodes)
}

func TestPartitionRecoveryReactivatesNodes(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 3, "us-east")

	var recovered []Event
	done := make(chan struct{})
	c.OnEvent(func(ev Event) {
		if ev.Type == EventPartitionRecovered {
			recovered = append(recovered, ev)
			close(done)
		}
	})

	markUnreachable(c, ids[0], ids[1])
	c.HandleNetworkPartition([]uuid.UUID{ids[0], ids[1]})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("partition did not recover")
	}

	status := c.GetNetworkStatus()
	assert.Empty(t, status.Partitions)
	for _, n := range status.Nodes {
		assert.Equal(t, NodeStatusActive, n.Status)
		if n.ID == ids[0] || n.ID == ids[1] {
			assert.NotEmpty(t, n.Peers, "recovered node should have peers again")
		}
	}
	assert.Len(t, recovered, 1)
}

func TestPartitionRecoveryAbandonedAfterCap(t *testing.T) {
	c, clk := newTestCoordinator(t, func(cfg *Config) {
		cfg.MaxRecoveryAttempts = 2
	})
	ids := addNodes(t, c, 2, "us-east")
	markUnreachable(c, ids...)

	c.HandleNetworkPartition(ids)

	require.Eventually(t, func() bool {
		parts := c.GetNetworkStatus().Partitions
		return len(parts) == 1 && parts[0].RecoveryAttempts == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return clk.waiterCount() >= 1 }, time.Second, time.Millisecond)
	clk.Advance(c.cfg.PartitionRetryBackoff + time.Second)

	require.Eventually(t, func() bool {
		parts := c.GetNetworkStatus().Partitions
		return len(parts) == 1 && parts[0].Status == PartitionAbandoned
	}, time.Second, time.Millisecond)

	for _, n := range c.GetNetworkStatus().Nodes {
		assert.Equal(t, NodeStatusFaulty, n.Status)
	}

	// Abandoned records are garbage-collected by maintenance once the
	// grace period passes.
	c.runMaintenance()
	require.Len(t, c.GetNetworkStatus().Partitions, 1)
	clk.Advance(abandonedPartitionGrace + time.Second)
	c.runMaintenance()
	assert.Empty(t, c.GetNetworkStatus().Partitions)
}

func TestPartitionUnknownMembersIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	c.HandleNetworkPartition([]uuid.UUID{uuid.New(), uuid.New()})
	assert.Empty(t, c.GetNetworkStatus().Partitions)
}
