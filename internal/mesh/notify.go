package mesh

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a coordinator lifecycle notification.
type EventType string

const (
	EventNodeAdded          EventType = "node_added"
	EventNodeRemoved        EventType = "node_removed"
	EventNodeUnreachable    EventType = "node_unreachable"
	EventTaskAssigned       EventType = "task_assigned"
	EventConsensusApproved  EventType = "consensus_approved"
	EventConsensusTimeout   EventType = "consensus_timeout"
	EventPartitionRecovered EventType = "partition_recovered"
	EventShutdown           EventType = "shutdown"
)

// Event is an outbound notification. Listeners are registered on the
// coordinator instance; there is no global registry.
type Event struct {
	Type      EventType              `json:"type"`
	NodeID    uuid.UUID              `json:"node_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// OnEvent registers a listener invoked for every emitted notification.
// Listeners run outside the coordinator lock and must not block for long.
func (c *Coordinator) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// emit fans an event out to registered listeners. Callers must NOT hold the
// coordinator lock.
func (c *Coordinator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.clock.Now()
	}

	c.mu.Lock()
	listeners := append([]func(Event){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}

	c.log.Debug().
		Str("event", string(ev.Type)).
		Str("node_id", ev.NodeID.String()).
		Msg("Event emitted")
}
