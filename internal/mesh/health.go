package mesh

import (
	"time"

	"github.com/google/uuid"
)

// staleRequestGrace is how long a consensus request may linger past its
// deadline before maintenance purges it. The deadline watcher normally
// expires requests itself; this is the backstop.
const staleRequestGrace = 60 * time.Second

// abandonedPartitionGrace is how long an abandoned partition record stays
// visible in status snapshots before maintenance garbage-collects it.
const abandonedPartitionGrace = 5 * time.Minute

// Heartbeat refreshes a node's liveness timestamp. A refreshed timestamp
// keeps an active node from being swept unreachable, but does not by itself
// reactivate an unreachable node; only partition recovery does that.
func (c *Coordinator) Heartbeat(nodeID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := c.topo.Node(nodeID)
	if node == nil {
		return ErrNodeNotFound
	}
	node.LastSeen = c.clock.Now()
	return nil
}

// RecordLinkActivity updates traffic counters on the edge between two peers.
// Failed deliveries raise the error count that the maintenance sweep uses to
// degrade edge reliability.
func (c *Coordinator) RecordLinkActivity(from, to uuid.UUID, ok bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	edge := c.topo.Edge(from, to)
	mirror := c.topo.Edge(to, from)
	if edge == nil || mirror == nil {
		return ErrNodeNotFound
	}
	now := c.clock.Now()
	for _, e := range []*PeerConnection{edge, mirror} {
		e.MessageCount++
		if !ok {
			e.ErrorCount++
		}
		e.LastActive = now
	}
	return nil
}

// sweepHeartbeats marks active nodes silent for more than three heartbeat
// intervals as unreachable.
func (c *Coordinator) sweepHeartbeats() {
	cutoff := 3 * c.cfg.HeartbeatInterval

	c.mu.Lock()
	now := c.clock.Now()
	var swept []uuid.UUID
	for _, n := range c.topo.nodes {
		if (n.Status == NodeStatusActive || n.Status == NodeStatusBusy) && now.Sub(n.LastSeen) > cutoff {
			n.Status = NodeStatusUnreachable
			swept = append(swept, n.ID)
		}
	}
	if len(swept) > 0 {
		c.metrics.ActiveNodes.Set(float64(len(c.topo.ActiveNodes())))
	}
	c.mu.Unlock()

	for _, id := range swept {
		c.log.Warn().
			Str("node_id", id.String()).
			Dur("silence_threshold", cutoff).
			Msg("Node marked unreachable")
		c.emit(Event{Type: EventNodeUnreachable, NodeID: id})
	}
}

// runMaintenance prunes edges with inactive endpoints, degrades unreliable
// edges, decays reputations, and purges long-expired consensus requests.
func (c *Coordinator) runMaintenance() {
	c.mu.Lock()

	// Edges survive only while both endpoints are live (active or busy;
	// busy nodes are healthy, just saturated).
	live := func(n *Node) bool {
		return n != nil && (n.Status == NodeStatusActive || n.Status == NodeStatusBusy)
	}
	var drop []edgeKey
	for key := range c.topo.edges {
		if !live(c.topo.Node(key.from)) || !live(c.topo.Node(key.to)) {
			drop = append(drop, key)
		}
	}
	for _, key := range drop {
		c.topo.Disconnect(key.from, key.to)
	}

	degraded := 0
	for _, edge := range c.topo.edges {
		if edge.ErrorCount > 3 {
			edge.Reliability *= 0.9
			degraded++
		}
	}

	for _, n := range c.topo.nodes {
		n.Reputation -= c.cfg.ReputationDecayRate
		if n.Reputation < ReputationFloor {
			n.Reputation = ReputationFloor
		}
	}

	now := c.clock.Now()
	purged := 0
	for id, req := range c.requests {
		if now.Sub(req.Deadline) > staleRequestGrace {
			req.Status = ConsensusTimeout
			delete(c.requests, id)
			purged++
		}
	}

	partitionsDropped := 0
	for id, p := range c.partitions {
		if p.Status == PartitionAbandoned && now.Sub(p.AbandonedAt) > abandonedPartitionGrace {
			delete(c.partitions, id)
			partitionsDropped++
		}
	}
	c.mu.Unlock()

	c.log.Debug().
		Int("edges_dropped", len(drop)/2).
		Int("edges_degraded", degraded).
		Int("requests_purged", purged).
		Int("partitions_dropped", partitionsDropped).
		Msg("Maintenance sweep complete")
}
