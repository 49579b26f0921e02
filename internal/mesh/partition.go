package mesh

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

var errReconnectIsolated = errors.New("node reconnected with zero peers")

// HandleNetworkPartition records a detected partition, elects the member
// with the highest reputation as its leader (first encountered wins ties),
// and starts the background recovery loop for it.
func (c *Coordinator) HandleNetworkPartition(nodeIDs []uuid.UUID) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	members := make([]uuid.UUID, 0, len(nodeIDs))
	leader := uuid.Nil
	leaderRep := -1.0
	for _, id := range nodeIDs {
		node := c.topo.Node(id)
		if node == nil {
			continue
		}
		members = append(members, id)
		if node.Reputation > leaderRep {
			leader = id
			leaderRep = node.Reputation
		}
	}
	if len(members) == 0 {
		c.mu.Unlock()
		c.log.Warn().Msg("Partition reported with no known members")
		return
	}

	p := &NetworkPartition{
		ID:         uuid.New(),
		Nodes:      members,
		Leader:     leader,
		IsolatedAt: c.clock.Now(),
		Status:     PartitionIsolated,
	}
	c.partitions[p.ID] = p
	c.wg.Add(1) // recovery loop registered under the lock so Shutdown waits for it
	c.mu.Unlock()
	go c.recoverPartition(p.ID)

	c.log.Warn().
		Str("partition_id", p.ID.String()).
		Str("leader", leader.String()).
		Int("members", len(members)).
		Msg("Network partition detected")
}

// recoverPartition retries recovery on a fixed backoff until the partition
// heals, the attempt cap is hit, or the coordinator shuts down. Recovery
// failures are never surfaced; they only reschedule.
func (c *Coordinator) recoverPartition(partitionID uuid.UUID) {
	defer c.wg.Done()

	for {
		if c.attemptPartitionRecovery(partitionID) {
			return
		}
		select {
		case <-c.clock.After(c.cfg.PartitionRetryBackoff):
		case <-c.ctx.Done():
			return
		}
	}
}

// attemptPartitionRecovery runs one healing pass over a partition's
// unreachable members. Returns true when the recovery loop should stop:
// the partition recovered, was abandoned, or no longer exists.
func (c *Coordinator) attemptPartitionRecovery(partitionID uuid.UUID) bool {
	c.mu.Lock()
	p, ok := c.partitions[partitionID]
	if !ok || c.closed {
		c.mu.Unlock()
		return true
	}
	p.Status = PartitionHealing
	p.RecoveryAttempts++
	attempt := p.RecoveryAttempts

	for _, id := range p.Nodes {
		node := c.topo.Node(id)
		if node == nil || node.Status != NodeStatusUnreachable {
			continue
		}
		breaker := c.breakerForLocked(id)
		if _, err := breaker.Execute(func() (interface{}, error) {
			return nil, c.reconnectNodeLocked(node)
		}); err != nil {
			c.log.Debug().
				Err(err).
				Str("node_id", id.String()).
				Str("partition_id", partitionID.String()).
				Msg("Reconnect attempt failed")
		}
	}

	healed := true
	for _, id := range p.Nodes {
		node := c.topo.Node(id)
		if node == nil {
			continue
		}
		if node.Status != NodeStatusActive || len(node.Peers) == 0 {
			healed = false
			break
		}
	}

	if healed {
		p.Status = PartitionRecovered
		delete(c.partitions, partitionID)
		members := len(p.Nodes)
		c.mu.Unlock()

		c.metrics.PartitionRecoveries.Inc()
		c.log.Info().
			Str("partition_id", partitionID.String()).
			Int("attempts", attempt).
			Int("members", members).
			Msg("Network partition recovered")
		c.emit(Event{
			Type: EventPartitionRecovered,
			Payload: map[string]interface{}{
				"partition_id": partitionID.String(),
				"attempts":     attempt,
			},
		})
		return true
	}

	if c.cfg.MaxRecoveryAttempts > 0 && attempt >= c.cfg.MaxRecoveryAttempts {
		p.Status = PartitionAbandoned
		p.AbandonedAt = c.clock.Now()
		for _, id := range p.Nodes {
			if node := c.topo.Node(id); node != nil && node.Status == NodeStatusUnreachable {
				node.Status = NodeStatusFaulty
			}
		}
		c.mu.Unlock()

		c.log.Error().
			Str("partition_id", partitionID.String()).
			Int("attempts", attempt).
			Msg("Partition recovery abandoned; unreachable members marked faulty")
		return true
	}

	c.mu.Unlock()
	c.log.Debug().
		Str("partition_id", partitionID.String()).
		Int("attempt", attempt).
		Dur("backoff", c.cfg.PartitionRetryBackoff).
		Msg("Partition recovery rescheduled")
	return false
}

// reconnectNodeLocked reactivates an unreachable node and re-runs peer
// selection for it. Fails when the node ends the pass with no peers, which
// feeds the node's circuit breaker. Caller holds the lock.
func (c *Coordinator) reconnectNodeLocked(node *Node) error {
	node.Status = NodeStatusActive
	node.LastSeen = c.clock.Now()
	c.connectToPeersLocked(node)
	if len(node.Peers) == 0 {
		node.Status = NodeStatusUnreachable
		return errReconnectIsolated
	}
	c.metrics.ActiveNodes.Set(float64(len(c.topo.ActiveNodes())))
	return nil
}

// breakerForLocked returns the reconnect circuit breaker for a node,
// creating it on first use. Repeated reconnect failures open the breaker so
// a flapping node is left alone for a couple of backoff periods. Caller
// holds the lock.
func (c *Coordinator) breakerForLocked(nodeID uuid.UUID) *gobreaker.CircuitBreaker {
	if cb, ok := c.breakers[nodeID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("reconnect-%s", nodeID),
		MaxRequests: 1,
		Timeout:     2 * c.cfg.PartitionRetryBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[nodeID] = cb
	return cb
}
