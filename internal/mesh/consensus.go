package mesh

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// quorumSlack absorbs floating-point boundaries when comparing the approve
// ratio against the quorum fraction, so a 0.67 quorum behaves as "two thirds":
// 2 approvals of 3 equal-weight nodes (ratio 0.6667) pass, while 3 of 5
// (ratio 0.6) still fall short.
const quorumSlack = 0.005

// CreateConsensusRequest opens a weighted-quorum vote over a proposal and
// broadcasts it to all active nodes. The request resolves to approved once
// enough weighted approve votes arrive, or to timeout when the deadline
// elapses first. A quorum of 0 falls back to the configured default.
func (c *Coordinator) CreateConsensusRequest(ctx context.Context, ctype ConsensusType, proposal map[string]interface{}, quorum float64) (uuid.UUID, error) {
	if quorum <= 0 {
		quorum = c.cfg.QuorumFraction
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, ErrShutdown
	}
	active := c.topo.ActiveNodes()
	req := &ConsensusRequest{
		ID:             uuid.New(),
		Type:           ctype,
		Proposal:       proposal,
		QuorumFraction: quorum,
		RequiredVotes:  int(math.Ceil(quorum * float64(len(active)))),
		Votes:          make(map[uuid.UUID]Vote),
		Status:         ConsensusPending,
		CreatedAt:      c.clock.Now(),
		Deadline:       c.clock.Now().Add(c.cfg.ConsensusTimeout),
	}
	c.requests[req.ID] = req
	c.wg.Add(1) // deadline watcher registered under the lock so Shutdown waits for it
	c.mu.Unlock()
	go c.watchConsensusDeadline(req.ID, req.Deadline)

	if err := c.transport.AnnounceProposal(ctx, ProposalAnnouncement{
		RequestID:      req.ID,
		Type:           ctype,
		Proposal:       proposal,
		RequiredVotes:  req.RequiredVotes,
		QuorumFraction: quorum,
		Deadline:       req.Deadline,
	}); err != nil {
		c.log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("Failed to announce proposal")
	}

	c.log.Info().
		Str("request_id", req.ID.String()).
		Str("type", string(ctype)).
		Int("required_votes", req.RequiredVotes).
		Float64("quorum", quorum).
		Time("deadline", req.Deadline).
		Msg("Consensus request created")

	return req.ID, nil
}

// watchConsensusDeadline expires a request that is still pending when its
// deadline elapses. Concurrency is bounded by timeoutSem so a burst of
// requests cannot pile up unbounded goroutines; the wait is anchored on the
// request's recorded deadline, so time spent queued on the semaphore never
// extends it.
func (c *Coordinator) watchConsensusDeadline(requestID uuid.UUID, deadline time.Time) {
	defer c.wg.Done()

	select {
	case c.timeoutSem <- struct{}{}:
		defer func() { <-c.timeoutSem }()
	case <-c.ctx.Done():
		return
	}

	select {
	case <-c.clock.After(deadline.Sub(c.clock.Now())):
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok || req.Status != ConsensusPending {
		c.mu.Unlock()
		return
	}
	c.expireRequestLocked(req)
	c.mu.Unlock()

	c.finishTimeout(req)
}

// expireRequestLocked moves a pending request to timeout and drops it from
// the active set. Caller holds the lock and must call finishTimeout after
// releasing it.
func (c *Coordinator) expireRequestLocked(req *ConsensusRequest) {
	req.Status = ConsensusTimeout
	delete(c.requests, req.ID)
	c.consensusTimedOut++
}

// finishTimeout reports a timed-out request. Callers must NOT hold the lock.
func (c *Coordinator) finishTimeout(req *ConsensusRequest) {
	c.metrics.ConsensusTimedOut.Inc()
	c.log.Warn().
		Str("request_id", req.ID.String()).
		Str("type", string(req.Type)).
		Int("votes_received", len(req.Votes)).
		Int("votes_required", req.RequiredVotes).
		Msg("Consensus request timed out")

	c.emit(Event{
		Type: EventConsensusTimeout,
		Payload: map[string]interface{}{
			"request_id": req.ID.String(),
			"type":       string(req.Type),
		},
	})
}

// SubmitVote records a weighted vote on a pending consensus request and
// re-evaluates the quorum. Vote weight is the voter's reputation, halved when
// the voter is not active. A node voting twice replaces its earlier vote.
func (c *Coordinator) SubmitVote(requestID, nodeID uuid.UUID, choice VoteChoice, reason string) error {
	c.mu.Lock()

	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrRequestNotFound
	}
	node := c.topo.Node(nodeID)
	if node == nil {
		c.mu.Unlock()
		return ErrNodeNotFound
	}
	if req.Status != ConsensusPending {
		c.mu.Unlock()
		return ErrInvalidRequestState
	}
	// A vote landing after the deadline expires the request instead of
	// counting; the watcher may still be queued behind the semaphore.
	if c.clock.Now().After(req.Deadline) {
		c.expireRequestLocked(req)
		c.mu.Unlock()
		c.finishTimeout(req)
		return ErrInvalidRequestState
	}

	weight := node.Reputation
	if node.Status != NodeStatusActive {
		weight *= 0.5
	}
	req.Votes[nodeID] = Vote{
		NodeID:    nodeID,
		Choice:    choice,
		Weight:    weight,
		Reason:    reason,
		Timestamp: c.clock.Now(),
	}

	c.log.Debug().
		Str("request_id", requestID.String()).
		Str("node_id", nodeID.String()).
		Str("choice", string(choice)).
		Float64("weight", weight).
		Msg("Vote recorded")

	approveWeight := 0.0
	for _, v := range req.Votes {
		if v.Choice == VoteApprove {
			approveWeight += v.Weight
		}
	}
	totalActive := c.activeWeightLocked()
	if totalActive <= 0 || approveWeight/totalActive < req.QuorumFraction-quorumSlack {
		c.mu.Unlock()
		return nil
	}

	req.Status = ConsensusApproved
	delete(c.requests, requestID)
	c.consensusApproved++
	c.dispatchApprovedLocked(req)
	c.mu.Unlock()

	c.metrics.ConsensusApproved.Inc()
	c.log.Info().
		Str("request_id", requestID.String()).
		Str("type", string(req.Type)).
		Float64("approve_weight", approveWeight).
		Float64("total_active_weight", totalActive).
		Msg("Consensus request approved")

	c.emit(Event{
		Type: EventConsensusApproved,
		Payload: map[string]interface{}{
			"request_id": requestID.String(),
			"type":       string(req.Type),
		},
	})
	return nil
}

// dispatchApprovedLocked applies the side effect of an approved request.
// Topology changes are applied directly; the other request types are hooks
// for the subsystems that own load and resource state. Caller holds the lock.
func (c *Coordinator) dispatchApprovedLocked(req *ConsensusRequest) {
	switch req.Type {
	case ConsensusTopologyChange:
		c.applyTopologyChangeLocked(req.Proposal)
	case ConsensusTaskAssignment, ConsensusLoadBalancing, ConsensusResourceAllocation:
		c.log.Info().
			Str("request_id", req.ID.String()).
			Str("type", string(req.Type)).
			Msg("Approved request dispatched to owning subsystem")
	}
}

// applyTopologyChangeLocked executes an approved topology proposal. Caller
// holds the lock.
func (c *Coordinator) applyTopologyChangeLocked(proposal map[string]interface{}) {
	action, _ := proposal["action"].(string)
	switch action {
	case "redistribute_connections":
		c.redistributeConnectionsLocked()
	case "add_redundant_connections":
		c.addRedundantConnectionsLocked()
	default:
		c.log.Warn().Str("action", action).Msg("Unknown topology change action")
	}
}

// redistributeConnectionsLocked sheds the weakest edge of every
// over-connected node and tops up under-connected nodes from their candidate
// lists. Caller holds the lock.
func (c *Coordinator) redistributeConnectionsLocked() {
	active := c.topo.ActiveNodes()
	if len(active) == 0 {
		return
	}
	total := 0
	for _, n := range active {
		total += len(n.Peers)
	}
	avg := float64(total) / float64(len(active))

	for _, n := range active {
		if float64(len(n.Peers)) <= avg+1 {
			continue
		}
		weakest := uuid.Nil
		weakestStrength := math.MaxFloat64
		for peerID, strength := range n.Strength {
			if strength < weakestStrength {
				weakest = peerID
				weakestStrength = strength
			}
		}
		if weakest != uuid.Nil {
			c.topo.Disconnect(n.ID, weakest)
		}
	}
	for _, n := range active {
		if float64(len(n.Peers)) < avg {
			c.connectToPeersLocked(n)
		}
	}
	c.log.Info().Float64("avg_peer_count", avg).Msg("Connections redistributed")
}

// addRedundantConnectionsLocked connects every active node with spare peer
// slots to its best remaining candidates. Caller holds the lock.
func (c *Coordinator) addRedundantConnectionsLocked() {
	added := 0
	for _, n := range c.topo.ActiveNodes() {
		if len(n.Peers) < c.cfg.MaxPeersPerNode {
			added += c.connectToPeersLocked(n)
		}
	}
	c.log.Info().Int("edges_added", added).Msg("Redundant connections added")
}
