// Package bus carries mesh coordination traffic over NATS: outbound task and
// proposal announcements, inbound bids, votes, and heartbeats, and lifecycle
// event fan-out for external observers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/swarmgrid/meshcoord/internal/mesh"
)

// NATS subjects used by the coordinator.
const (
	SubjectTaskAnnounce = "mesh.tasks.announce"
	SubjectTaskBids     = "mesh.tasks.bids"
	SubjectTaskComplete = "mesh.tasks.complete"
	SubjectProposals    = "mesh.consensus.propose"
	SubjectVotes        = "mesh.consensus.votes"
	SubjectHeartbeats   = "mesh.health.heartbeats"
	SubjectLinkActivity = "mesh.links.activity"
	SubjectEventPrefix  = "mesh.events."
)

// VoteMessage is the wire form of a consensus vote.
type VoteMessage struct {
	RequestID uuid.UUID       `json:"request_id"`
	NodeID    uuid.UUID       `json:"node_id"`
	Choice    mesh.VoteChoice `json:"choice"`
	Reason    string          `json:"reason,omitempty"`
}

// HeartbeatMessage is the wire form of a node liveness ping.
type HeartbeatMessage struct {
	NodeID uuid.UUID `json:"node_id"`
	Load   float64   `json:"load,omitempty"`
}

// TaskCompletionMessage reports a finished task so the node's load is
// released.
type TaskCompletionMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	NodeID     uuid.UUID `json:"node_id"`
	Complexity float64   `json:"complexity"`
}

// LinkActivityMessage reports a delivery attempt between two peers.
type LinkActivityMessage struct {
	From uuid.UUID `json:"from"`
	To   uuid.UUID `json:"to"`
	OK   bool      `json:"ok"`
}

// Bus is the NATS-backed mesh.Transport. It also subscribes to the inbound
// subjects and feeds bids, votes, and heartbeats into a coordinator.
type Bus struct {
	nc   *nats.Conn
	log  zerolog.Logger
	subs []*nats.Subscription
}

// Connect dials NATS with infinite reconnects.
func Connect(url string, log zerolog.Logger) (*Bus, error) {
	logger := log.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(
		url,
		nats.Name("meshcoord"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("nats_url", url).Msg("Message bus connected")
	return &Bus{nc: nc, log: logger}, nil
}

// AnnounceTask broadcasts a bidding-window opening.
func (b *Bus) AnnounceTask(ctx context.Context, ann mesh.TaskAnnouncement) error {
	return b.publish(ctx, SubjectTaskAnnounce, ann)
}

// AnnounceProposal broadcasts a new consensus request.
func (b *Bus) AnnounceProposal(ctx context.Context, ann mesh.ProposalAnnouncement) error {
	return b.publish(ctx, SubjectProposals, ann)
}

// PublishEvent fans a coordinator lifecycle event out on a per-type subject.
func (b *Bus) PublishEvent(ctx context.Context, ev mesh.Event) error {
	return b.publish(ctx, SubjectEventPrefix+string(ev.Type), ev)
}

func (b *Bus) publish(ctx context.Context, subject string, payload interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("message bus not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// BindCoordinator subscribes to the inbound subjects and routes bids, votes,
// and heartbeats into the coordinator. Malformed or stale messages are logged
// and dropped; they never fail the subscription.
func (b *Bus) BindCoordinator(c *mesh.Coordinator) error {
	bidSub, err := b.nc.Subscribe(SubjectTaskBids, func(msg *nats.Msg) {
		var bid mesh.TaskBid
		if err := json.Unmarshal(msg.Data, &bid); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed bid")
			return
		}
		if err := c.SubmitBid(bid); err != nil {
			b.log.Debug().
				Err(err).
				Str("task_id", bid.TaskID.String()).
				Str("node_id", bid.NodeID.String()).
				Msg("Bid rejected")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectTaskBids, err)
	}
	b.subs = append(b.subs, bidSub)

	completeSub, err := b.nc.Subscribe(SubjectTaskComplete, func(msg *nats.Msg) {
		var done TaskCompletionMessage
		if err := json.Unmarshal(msg.Data, &done); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed task completion")
			return
		}
		if err := c.CompleteTask(done.NodeID, done.Complexity); err != nil {
			b.log.Debug().
				Err(err).
				Str("task_id", done.TaskID.String()).
				Str("node_id", done.NodeID.String()).
				Msg("Completion for unknown node")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectTaskComplete, err)
	}
	b.subs = append(b.subs, completeSub)

	voteSub, err := b.nc.Subscribe(SubjectVotes, func(msg *nats.Msg) {
		var vote VoteMessage
		if err := json.Unmarshal(msg.Data, &vote); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed vote")
			return
		}
		if err := c.SubmitVote(vote.RequestID, vote.NodeID, vote.Choice, vote.Reason); err != nil {
			b.log.Debug().
				Err(err).
				Str("request_id", vote.RequestID.String()).
				Str("node_id", vote.NodeID.String()).
				Msg("Vote rejected")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectVotes, err)
	}
	b.subs = append(b.subs, voteSub)

	hbSub, err := b.nc.Subscribe(SubjectHeartbeats, func(msg *nats.Msg) {
		var hb HeartbeatMessage
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed heartbeat")
			return
		}
		if err := c.Heartbeat(hb.NodeID); err != nil {
			b.log.Debug().Err(err).Str("node_id", hb.NodeID.String()).Msg("Heartbeat for unknown node")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectHeartbeats, err)
	}
	b.subs = append(b.subs, hbSub)

	linkSub, err := b.nc.Subscribe(SubjectLinkActivity, func(msg *nats.Msg) {
		var la LinkActivityMessage
		if err := json.Unmarshal(msg.Data, &la); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed link activity report")
			return
		}
		if err := c.RecordLinkActivity(la.From, la.To, la.OK); err != nil {
			b.log.Debug().
				Err(err).
				Str("from", la.From.String()).
				Str("to", la.To.String()).
				Msg("Link activity for unknown edge")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectLinkActivity, err)
	}
	b.subs = append(b.subs, linkSub)

	b.log.Info().Msg("Coordinator bound to message bus")
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to drain subscription")
		}
	}
	if b.nc != nil && !b.nc.IsClosed() {
		if err := b.nc.Drain(); err != nil {
			b.log.Warn().Err(err).Msg("Failed to drain NATS connection")
			b.nc.Close()
		}
	}
	b.log.Info().Msg("Message bus closed")
}
