// Package mesh coordinates a peer-to-peer network of worker agents: topology
// lifecycle, competitive task bidding, weighted quorum consensus, partition
// recovery, and periodic health and optimization sweeps.
package mesh

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the lifecycle state of a mesh node
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusBusy        NodeStatus = "busy"
	NodeStatusUnreachable NodeStatus = "unreachable"
	NodeStatusFaulty      NodeStatus = "faulty"
)

// Reputation bounds; every node reputation is clamped to this range.
const (
	ReputationFloor = 0.1
	ReputationCap   = 1.0
)

// Position is a synthetic 3-D coordinate used only for the distance metric
// that drives peer selection and latency estimates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (p Position) DistanceTo(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Node is a worker agent participating in the mesh.
type Node struct {
	ID           uuid.UUID                    `json:"id"`
	AgentID      string                       `json:"agent_id"`
	Region       string                       `json:"region"`
	Capabilities []string                     `json:"capabilities"`
	Peers        map[uuid.UUID]struct{}       `json:"-"`
	Strength     map[uuid.UUID]float64        `json:"-"` // per-peer connection strength
	Latency      map[uuid.UUID]time.Duration  `json:"-"` // per-peer latency estimate
	Load         float64                      `json:"load"`
	Reputation   float64                      `json:"reputation"`
	Position     Position                     `json:"position"`
	Status       NodeStatus                   `json:"status"`
	LastSeen     time.Time                    `json:"last_seen"`
	JoinedAt     time.Time                    `json:"joined_at"`
}

// PeerIDs returns the node's peer set as a slice.
func (n *Node) PeerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(n.Peers))
	for id := range n.Peers {
		ids = append(ids, id)
	}
	return ids
}

// clone returns a deep copy safe to hand out of the coordinator lock.
func (n *Node) clone() *Node {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	c.Peers = make(map[uuid.UUID]struct{}, len(n.Peers))
	c.Strength = make(map[uuid.UUID]float64, len(n.Strength))
	c.Latency = make(map[uuid.UUID]time.Duration, len(n.Latency))
	for id := range n.Peers {
		c.Peers[id] = struct{}{}
	}
	for id, s := range n.Strength {
		c.Strength[id] = s
	}
	for id, l := range n.Latency {
		c.Latency[id] = l
	}
	return &c
}

// PeerConnection is one direction of a mesh edge. Edges are always mirrored:
// a connection from A to B implies a matching record from B to A.
type PeerConnection struct {
	From          uuid.UUID     `json:"from"`
	To            uuid.UUID     `json:"to"`
	Strength      float64       `json:"strength"`
	Latency       time.Duration `json:"latency"`
	Bandwidth     float64       `json:"bandwidth"`
	Reliability   float64       `json:"reliability"`
	MessageCount  uint64        `json:"message_count"`
	ErrorCount    int           `json:"error_count"`
	EstablishedAt time.Time     `json:"established_at"`
	LastActive    time.Time     `json:"last_active"`
}

// ConsensusType categorizes what a consensus request proposes to change.
type ConsensusType string

const (
	ConsensusTaskAssignment     ConsensusType = "task_assignment"
	ConsensusLoadBalancing      ConsensusType = "load_balancing"
	ConsensusTopologyChange     ConsensusType = "topology_change"
	ConsensusResourceAllocation ConsensusType = "resource_allocation"
)

// ConsensusStatus is the state of a consensus request. A request leaves
// pending exactly once.
type ConsensusStatus string

const (
	ConsensusPending  ConsensusStatus = "pending"
	ConsensusApproved ConsensusStatus = "approved"
	ConsensusRejected ConsensusStatus = "rejected"
	ConsensusTimeout  ConsensusStatus = "timeout"
)

// VoteChoice is a node's position on a consensus request.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Vote is a weighted ballot cast by a node. A node holds at most one active
// vote per request; re-voting while the request is pending replaces it.
type Vote struct {
	NodeID    uuid.UUID  `json:"node_id"`
	Choice    VoteChoice `json:"choice"`
	Weight    float64    `json:"weight"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ConsensusRequest is a pending proposal ratified by weighted quorum voting.
type ConsensusRequest struct {
	ID             uuid.UUID              `json:"id"`
	Type           ConsensusType          `json:"type"`
	Proposal       map[string]interface{} `json:"proposal"`
	QuorumFraction float64                `json:"quorum_fraction"`
	RequiredVotes  int                    `json:"required_votes"`
	Votes          map[uuid.UUID]Vote     `json:"votes"`
	Status         ConsensusStatus        `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	Deadline       time.Time              `json:"deadline"`
}

// clone returns a deep copy safe to hand out of the coordinator lock.
func (r *ConsensusRequest) clone() *ConsensusRequest {
	c := *r
	c.Proposal = make(map[string]interface{}, len(r.Proposal))
	for k, v := range r.Proposal {
		c.Proposal[k] = v
	}
	c.Votes = make(map[uuid.UUID]Vote, len(r.Votes))
	for id, v := range r.Votes {
		c.Votes[id] = v
	}
	return &c
}

// Task is an opaque unit of work handed to CoordinateTask. The coordinator
// never interprets the payload; it only routes the task to a bidder.
type Task struct {
	ID                   uuid.UUID       `json:"id"`
	Description          string          `json:"description"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	EstimatedComplexity  float64         `json:"estimated_complexity"`
	Payload              json.RawMessage `json:"payload,omitempty"`
}

// TaskBid is a node's offer to execute a task. Bids are ephemeral: they exist
// only while the task's bidding window is open.
type TaskBid struct {
	TaskID         uuid.UUID `json:"task_id"`
	NodeID         uuid.UUID `json:"node_id"`
	BidValue       float64   `json:"bid_value"`
	EstimatedHours float64   `json:"estimated_hours"`
	Confidence     float64   `json:"confidence"`
	ResourceCost   float64   `json:"resource_cost"`
	Proposal       string    `json:"proposal,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PartitionStatus is the recovery state of a detected network partition.
type PartitionStatus string

const (
	PartitionIsolated  PartitionStatus = "isolated"
	PartitionHealing   PartitionStatus = "healing"
	PartitionRecovered PartitionStatus = "recovered"
	PartitionAbandoned PartitionStatus = "abandoned"
)

// NetworkPartition tracks a set of nodes cut off from the rest of the mesh.
type NetworkPartition struct {
	ID               uuid.UUID       `json:"id"`
	Nodes            []uuid.UUID     `json:"nodes"`
	Leader           uuid.UUID       `json:"leader"`
	IsolatedAt       time.Time       `json:"isolated_at"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	Status           PartitionStatus `json:"status"`
	AbandonedAt      time.Time       `json:"abandoned_at,omitempty"`
}

// clone returns a copy safe to hand out of the coordinator lock.
func (p *NetworkPartition) clone() *NetworkPartition {
	c := *p
	c.Nodes = append([]uuid.UUID(nil), p.Nodes...)
	return &c
}

// MeshMetrics is an aggregate snapshot of network health. It is recomputed on
// demand, never maintained incrementally.
type MeshMetrics struct {
	NodeCount             int                   `json:"node_count"`
	EdgeCount             int                   `json:"edge_count"`
	AverageLatency        time.Duration         `json:"average_latency"`
	AverageReliability    float64               `json:"average_reliability"`
	Throughput            float64               `json:"throughput"` // assignments per second since start
	LoadDistribution      map[uuid.UUID]float64 `json:"load_distribution"`
	ConsensusAccuracy     float64               `json:"consensus_accuracy"`
	PartitionResilience   float64               `json:"partition_resilience"`
	NetworkDiameter       int                   `json:"network_diameter"`
	ClusteringCoefficient float64               `json:"clustering_coefficient"`
	ComputedAt            time.Time             `json:"computed_at"`
}

// NetworkStatus is the externally visible snapshot of coordinator state.
type NetworkStatus struct {
	Metrics           MeshMetrics         `json:"metrics"`
	Nodes             []*Node             `json:"nodes"`
	Partitions        []*NetworkPartition `json:"partitions"`
	ConsensusRequests []*ConsensusRequest `json:"consensus_requests"`
}
