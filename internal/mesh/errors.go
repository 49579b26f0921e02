package mesh

import "errors"

// Error taxonomy returned to callers. Background loops never surface errors;
// they log and continue.
var (
	// ErrNodeNotFound is returned when an operation references a node that is
	// not part of the mesh.
	ErrNodeNotFound = errors.New("node not found")

	// ErrRequestNotFound is returned when a vote references an unknown
	// consensus request.
	ErrRequestNotFound = errors.New("consensus request not found")

	// ErrInvalidRequestState is returned when a vote is submitted against a
	// request that is no longer pending.
	ErrInvalidRequestState = errors.New("consensus request is not pending")

	// ErrNoBids is returned when a bidding window closes without a single
	// respondent. The task remains unassigned.
	ErrNoBids = errors.New("no bids received")

	// ErrNoBiddingWindow is returned when a bid arrives for a task with no
	// open bidding window.
	ErrNoBiddingWindow = errors.New("no open bidding window for task")

	// ErrNodeNotActive is returned when a bid comes from a node that is not
	// in active status. Only active nodes receive announcements, and only
	// they may bid.
	ErrNodeNotActive = errors.New("node is not active")

	// ErrShutdown is returned by operations invoked after Shutdown.
	ErrShutdown = errors.New("coordinator is shut down")
)
