package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinateTaskNoActiveNodes(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	_, err := c.CoordinateTask(context.Background(), Task{Description: "index shard"})
	assert.ErrorIs(t, err, ErrNoBids)
}

func TestCoordinateTaskNoBidsBeforeDeadline(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	addNodes(t, c, 2, "us-east")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CoordinateTask(context.Background(), Task{Description: "index shard"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return clk.waiterCount() >= 1 }, time.Second, time.Millisecond)
	clk.Advance(c.cfg.BiddingWindow + time.Second)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNoBids)
	case <-time.After(time.Second):
		t.Fatal("CoordinateTask did not resolve after bidding window")
	}
}

func TestCoordinateTaskSelectsBestBid(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 3, "us-east")
	task := Task{ID: uuid.New(), Description: "rebalance index", EstimatedComplexity: 0.4}

	type result struct {
		winner uuid.UUID
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		winner, err := c.CoordinateTask(context.Background(), task)
		resCh <- result{winner, err}
	}()

	require.Eventually(t, func() bool { return clk.waiterCount() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.SubmitBid(TaskBid{
		TaskID: task.ID, NodeID: ids[0], BidValue: 0.5, Confidence: 0.5, EstimatedHours: 4,
	}))
	require.NoError(t, c.SubmitBid(TaskBid{
		TaskID: task.ID, NodeID: ids[1], BidValue: 0.9, Confidence: 0.9, EstimatedHours: 2,
	}))
	clk.Advance(c.cfg.BiddingWindow + time.Second)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, ids[1], res.winner)
	case <-time.After(time.Second):
		t.Fatal("CoordinateTask did not resolve")
	}

	// Winner's load carries the task's complexity.
	for _, n := range c.GetNetworkStatus().Nodes {
		if n.ID == ids[1] {
			assert.InDelta(t, 0.4, n.Load, 1e-9)
		}
	}
}

func TestSubmitBidOutsideWindow(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 1, "us-east")

	err := c.SubmitBid(TaskBid{TaskID: uuid.New(), NodeID: ids[0], BidValue: 0.8})
	assert.ErrorIs(t, err, ErrNoBiddingWindow)
}

func TestSubmitBidUnknownNode(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	addNodes(t, c, 1, "us-east")
	task := Task{ID: uuid.New(), Description: "scan"}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CoordinateTask(context.Background(), task)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return clk.waiterCount() >= 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.SubmitBid(TaskBid{TaskID: task.ID, NodeID: uuid.New(), BidValue: 0.9}), ErrNodeNotFound)

	clk.Advance(c.cfg.BiddingWindow + time.Second)
	assert.ErrorIs(t, <-errCh, ErrNoBids)
}

func TestSubmitBidInactiveNode(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 2, "us-east")
	task := Task{ID: uuid.New(), Description: "scan"}

	c.mu.Lock()
	c.topo.Node(ids[1]).Status = NodeStatusUnreachable
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CoordinateTask(context.Background(), task)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return clk.waiterCount() >= 1 }, time.Second, time.Millisecond)

	// Announcements only reach active nodes; a bid from an unreachable one
	// is refused.
	assert.ErrorIs(t, c.SubmitBid(TaskBid{TaskID: task.ID, NodeID: ids[1], BidValue: 0.9}), ErrNodeNotActive)

	clk.Advance(c.cfg.BiddingWindow + time.Second)
	assert.ErrorIs(t, <-errCh, ErrNoBids)
}

func TestHeavyAssignmentFlipsNodeBusy(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 2, "us-east")
	task := Task{ID: uuid.New(), Description: "full reindex", EstimatedComplexity: 1.5}

	type result struct {
		winner uuid.UUID
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		winner, err := c.CoordinateTask(context.Background(), task)
		resCh <- result{winner, err}
	}()
	require.Eventually(t, func() bool { return clk.waiterCount() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.SubmitBid(TaskBid{
		TaskID: task.ID, NodeID: ids[0], BidValue: 0.9, Confidence: 0.9, EstimatedHours: 2,
	}))
	clk.Advance(c.cfg.BiddingWindow + time.Second)

	var winner uuid.UUID
	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		winner = res.winner
	case <-time.After(time.Second):
		t.Fatal("CoordinateTask did not resolve")
	}
	require.Equal(t, ids[0], winner)

	c.mu.Lock()
	node := c.topo.Node(winner)
	status, load := node.Status, node.Load
	c.mu.Unlock()
	assert.Equal(t, NodeStatusBusy, status)
	assert.InDelta(t, 1.5, load, 1e-9)

	// Completion releases the load and reactivates the node.
	require.NoError(t, c.CompleteTask(winner, 1.5))
	c.mu.Lock()
	status, load = node.Status, node.Load
	c.mu.Unlock()
	assert.Equal(t, NodeStatusActive, status)
	assert.Zero(t, load)
}

func TestSelectBestBidTieBreaksOnTimestamp(t *testing.T) {
	c, clk := newTestCoordinator(t, nil)
	ids := addNodes(t, c, 2, "us-east")

	early := clk.Now()
	late := early.Add(time.Second)
	bids := []TaskBid{
		{TaskID: uuid.New(), NodeID: ids[1], BidValue: 0.8, Confidence: 0.7, EstimatedHours: 2, Timestamp: late},
		{TaskID: uuid.New(), NodeID: ids[0], BidValue: 0.8, Confidence: 0.7, EstimatedHours: 2, Timestamp: early},
	}

	c.mu.Lock()
	winner, winning := c.selectBestBidLocked(bids)
	c.mu.Unlock()

	require.NotNil(t, winner)
	assert.Equal(t, ids[0], winner.ID)
	assert.Equal(t, early, winning.Timestamp)
}
