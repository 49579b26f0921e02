package mesh

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskAnnouncement is broadcast to active nodes when a bidding window opens.
type TaskAnnouncement struct {
	TaskID               uuid.UUID `json:"task_id"`
	Description          string    `json:"description"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	EstimatedComplexity  float64   `json:"estimated_complexity"`
	BidDeadline          time.Time `json:"bid_deadline"`
}

// ProposalAnnouncement is broadcast to active nodes when a consensus request
// is created.
type ProposalAnnouncement struct {
	RequestID      uuid.UUID              `json:"request_id"`
	Type           ConsensusType          `json:"type"`
	Proposal       map[string]interface{} `json:"proposal"`
	RequiredVotes  int                    `json:"required_votes"`
	QuorumFraction float64                `json:"quorum_fraction"`
	Deadline       time.Time              `json:"deadline"`
}

// Transport carries announcements and notifications to the agents behind the
// mesh nodes. The coordinator works without one (broadcasts become no-ops and
// bids/votes arrive through the in-process API only).
type Transport interface {
	AnnounceTask(ctx context.Context, ann TaskAnnouncement) error
	AnnounceProposal(ctx context.Context, ann ProposalAnnouncement) error
	PublishEvent(ctx context.Context, ev Event) error
}

type noopTransport struct{}

func (noopTransport) AnnounceTask(context.Context, TaskAnnouncement) error         { return nil }
func (noopTransport) AnnounceProposal(context.Context, ProposalAnnouncement) error { return nil }
func (noopTransport) PublishEvent(context.Context, Event) error                    { return nil }
