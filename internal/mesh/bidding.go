package mesh

import (
	"context"

	"github.com/google/uuid"
)

// bidCollector accumulates bids for one task while its window is open. It is
// guarded by the coordinator mutex.
type bidCollector struct {
	taskID uuid.UUID
	bids   []TaskBid
}

// Bid scoring weights. Bid value dominates, then bidder quality signals.
const (
	bidWeightValue      = 0.30
	bidWeightConfidence = 0.25
	bidWeightReputation = 0.25
	bidWeightLoad       = 0.15
	bidWeightSpeed      = 0.05
)

// busyLoadThreshold is the load at which an assignment flips a node to busy.
// Busy nodes receive no announcements and may not bid until completions bring
// their load back under the threshold.
const busyLoadThreshold = 1.0

// CoordinateTask broadcasts a task to all active nodes, collects bids until
// the bidding window closes, and assigns the task to the highest-scoring
// bidder. Returns ErrNoBids when no active nodes exist or the window closes
// without a single bid.
func (c *Coordinator) CoordinateTask(ctx context.Context, task Task) (uuid.UUID, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, ErrShutdown
	}
	if len(c.topo.ActiveNodes()) == 0 {
		c.mu.Unlock()
		return uuid.Nil, ErrNoBids
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	collector := &bidCollector{taskID: task.ID}
	c.collectors[task.ID] = collector
	deadline := c.clock.Now().Add(c.cfg.BiddingWindow)
	c.mu.Unlock()

	if err := c.transport.AnnounceTask(ctx, TaskAnnouncement{
		TaskID:               task.ID,
		Description:          task.Description,
		RequiredCapabilities: task.RequiredCapabilities,
		EstimatedComplexity:  task.EstimatedComplexity,
		BidDeadline:          deadline,
	}); err != nil {
		c.log.Warn().Err(err).Str("task_id", task.ID.String()).Msg("Failed to announce task")
	}

	c.log.Debug().
		Str("task_id", task.ID.String()).
		Time("bid_deadline", deadline).
		Msg("Bidding window opened")

	select {
	case <-c.clock.After(c.cfg.BiddingWindow):
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.collectors, task.ID)
		c.mu.Unlock()
		return uuid.Nil, ctx.Err()
	case <-c.ctx.Done():
		c.mu.Lock()
		delete(c.collectors, task.ID)
		c.mu.Unlock()
		return uuid.Nil, ErrShutdown
	}

	c.mu.Lock()
	delete(c.collectors, task.ID)
	winner, best := c.selectBestBidLocked(collector.bids)
	if winner == nil {
		c.mu.Unlock()
		c.metrics.BidsPerTask.Observe(float64(len(collector.bids)))
		return uuid.Nil, ErrNoBids
	}

	winner.Load += task.EstimatedComplexity
	winner.LastSeen = c.clock.Now()
	if winner.Load >= busyLoadThreshold {
		winner.Status = NodeStatusBusy
		c.metrics.ActiveNodes.Set(float64(len(c.topo.ActiveNodes())))
	}
	c.tasksAssigned++
	c.mu.Unlock()

	c.metrics.BidsPerTask.Observe(float64(len(collector.bids)))
	c.metrics.TasksAssigned.Inc()

	c.log.Info().
		Str("task_id", task.ID.String()).
		Str("node_id", winner.ID.String()).
		Str("agent_id", winner.AgentID).
		Int("bids", len(collector.bids)).
		Float64("bid_value", best.BidValue).
		Msg("Task assigned to winning bidder")

	c.emit(Event{
		Type:   EventTaskAssigned,
		NodeID: winner.ID,
		Payload: map[string]interface{}{
			"task_id":   task.ID.String(),
			"agent_id":  winner.AgentID,
			"bid_value": best.BidValue,
		},
	})
	return winner.ID, nil
}

// SubmitBid records a bid for a task whose bidding window is still open.
// Returns ErrNoBiddingWindow once the window has closed (or never opened).
func (c *Coordinator) SubmitBid(bid TaskBid) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	collector, ok := c.collectors[bid.TaskID]
	if !ok {
		return ErrNoBiddingWindow
	}
	node := c.topo.Node(bid.NodeID)
	if node == nil {
		return ErrNodeNotFound
	}
	if node.Status != NodeStatusActive {
		return ErrNodeNotActive
	}
	if bid.Timestamp.IsZero() {
		bid.Timestamp = c.clock.Now()
	}
	collector.bids = append(collector.bids, bid)

	c.log.Debug().
		Str("task_id", bid.TaskID.String()).
		Str("node_id", bid.NodeID.String()).
		Float64("bid_value", bid.BidValue).
		Msg("Bid received")
	return nil
}

// CompleteTask releases the load a finished task was holding on a node. A
// busy node returns to active once its load drops back under the threshold.
func (c *Coordinator) CompleteTask(nodeID uuid.UUID, complexity float64) error {
	c.mu.Lock()
	node := c.topo.Node(nodeID)
	if node == nil {
		c.mu.Unlock()
		return ErrNodeNotFound
	}
	node.Load -= complexity
	if node.Load < 0 {
		node.Load = 0
	}
	node.LastSeen = c.clock.Now()
	reactivated := false
	if node.Status == NodeStatusBusy && node.Load < busyLoadThreshold {
		node.Status = NodeStatusActive
		reactivated = true
		c.metrics.ActiveNodes.Set(float64(len(c.topo.ActiveNodes())))
	}
	load := node.Load
	c.mu.Unlock()

	c.log.Debug().
		Str("node_id", nodeID.String()).
		Float64("load", load).
		Bool("reactivated", reactivated).
		Msg("Task completion recorded")
	return nil
}

// selectBestBidLocked scores every bid and returns the winning node and its
// bid. Bid values are normalized against the round's maximum so scoring is
// scale-free. Ties break in favor of the earliest bid. Caller holds the lock.
func (c *Coordinator) selectBestBidLocked(bids []TaskBid) (*Node, *TaskBid) {
	maxBid := 0.0
	for _, b := range bids {
		if b.BidValue > maxBid {
			maxBid = b.BidValue
		}
	}

	var (
		winner    *Node
		winning   *TaskBid
		bestScore = -1.0
	)
	for i := range bids {
		bid := &bids[i]
		node := c.topo.Node(bid.NodeID)
		if node == nil || node.Status != NodeStatusActive {
			continue
		}

		normalized := 0.0
		if maxBid > 0 {
			normalized = bid.BidValue / maxBid
		}
		loadHeadroom := 1.0 - node.Load
		if loadHeadroom < 0 {
			loadHeadroom = 0
		}
		speed := 0.0
		if bid.EstimatedHours > 0 {
			speed = 1.0 / bid.EstimatedHours
		}

		score := bidWeightValue*normalized +
			bidWeightConfidence*bid.Confidence +
			bidWeightReputation*node.Reputation +
			bidWeightLoad*loadHeadroom +
			bidWeightSpeed*speed

		if score > bestScore || (score == bestScore && winning != nil && bid.Timestamp.Before(winning.Timestamp)) {
			bestScore = score
			winner = node
			winning = bid
		}
	}
	return winner, winning
}
