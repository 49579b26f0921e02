package mesh

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
)

// edgeKey addresses one direction of a mirrored edge.
type edgeKey struct {
	from uuid.UUID
	to   uuid.UUID
}

// Topology holds nodes and per-edge connection metadata. It carries no lock
// of its own: the owning Coordinator serializes all access.
type Topology struct {
	nodes map[uuid.UUID]*Node
	edges map[edgeKey]*PeerConnection
}

// NewTopology creates an empty topology store.
func NewTopology() *Topology {
	return &Topology{
		nodes: make(map[uuid.UUID]*Node),
		edges: make(map[edgeKey]*PeerConnection),
	}
}

// Node returns the node with the given ID, or nil.
func (t *Topology) Node(id uuid.UUID) *Node { return t.nodes[id] }

// NodeCount returns the number of nodes in the mesh.
func (t *Topology) NodeCount() int { return len(t.nodes) }

// EdgeCount returns the number of logical (undirected) edges.
func (t *Topology) EdgeCount() int { return len(t.edges) / 2 }

// Edge returns the directed connection record from one node to another.
func (t *Topology) Edge(from, to uuid.UUID) *PeerConnection {
	return t.edges[edgeKey{from, to}]
}

// ActiveNodes returns every node in active status.
func (t *Topology) ActiveNodes() []*Node {
	active := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.Status == NodeStatusActive {
			active = append(active, n)
		}
	}
	return active
}

// AddNode inserts a node into the store.
func (t *Topology) AddNode(n *Node) { t.nodes[n.ID] = n }

// RemoveNode disconnects the node from every peer and deletes it.
func (t *Topology) RemoveNode(id uuid.UUID) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for peerID := range n.Peers {
		t.Disconnect(id, peerID)
	}
	delete(t.nodes, id)
}

// Connect establishes a mirrored edge between two nodes, updating both peer
// sets and per-peer strength/latency maps. It is a no-op when either node is
// missing, already connected, or at its peer cap.
func (t *Topology) Connect(a, b uuid.UUID, maxPeers int, now time.Time) bool {
	na, nb := t.nodes[a], t.nodes[b]
	if na == nil || nb == nil || a == b {
		return false
	}
	if _, connected := na.Peers[b]; connected {
		return false
	}
	if len(na.Peers) >= maxPeers || len(nb.Peers) >= maxPeers {
		return false
	}

	strength := connectionStrength(na, nb)
	latency := connectionLatency(na, nb)

	for _, pair := range [2][2]*Node{{na, nb}, {nb, na}} {
		from, to := pair[0], pair[1]
		from.Peers[to.ID] = struct{}{}
		from.Strength[to.ID] = strength
		from.Latency[to.ID] = latency
		t.edges[edgeKey{from.ID, to.ID}] = &PeerConnection{
			From:          from.ID,
			To:            to.ID,
			Strength:      strength,
			Latency:       latency,
			Bandwidth:     strength * 100, // synthetic capacity, proportional to strength
			Reliability:   1.0,
			EstablishedAt: now,
			LastActive:    now,
		}
	}
	return true
}

// Disconnect removes both mirrored edge records and peer-set entries.
func (t *Topology) Disconnect(a, b uuid.UUID) {
	if na := t.nodes[a]; na != nil {
		delete(na.Peers, b)
		delete(na.Strength, b)
		delete(na.Latency, b)
	}
	if nb := t.nodes[b]; nb != nil {
		delete(nb.Peers, a)
		delete(nb.Strength, a)
		delete(nb.Latency, a)
	}
	delete(t.edges, edgeKey{a, b})
	delete(t.edges, edgeKey{b, a})
}

// positionFor computes a synthetic 3-D position for a new node: the centroid
// of same-region nodes plus jitter, or a random point when the region is
// empty.
func (t *Topology) positionFor(region string, rng *rand.Rand) Position {
	var centroid Position
	count := 0
	for _, n := range t.nodes {
		if n.Region == region {
			centroid.X += n.Position.X
			centroid.Y += n.Position.Y
			centroid.Z += n.Position.Z
			count++
		}
	}
	if count == 0 {
		return Position{
			X: rng.Float64() * 100,
			Y: rng.Float64() * 100,
			Z: rng.Float64() * 100,
		}
	}
	jitter := func() float64 { return (rng.Float64() - 0.5) * 10 }
	return Position{
		X: centroid.X/float64(count) + jitter(),
		Y: centroid.Y/float64(count) + jitter(),
		Z: centroid.Z/float64(count) + jitter(),
	}
}

// candidatePeers ranks connection candidates for a node by ascending
// desirability score: distance + load imbalance - capability overlap.
// Lower is better. Nodes already connected, inactive, or at their peer cap
// are excluded.
func (t *Topology) candidatePeers(n *Node, maxPeers int) []*Node {
	type scored struct {
		node  *Node
		score float64
	}
	candidates := make([]scored, 0, len(t.nodes))

	for _, other := range t.nodes {
		if other.ID == n.ID || other.Status != NodeStatusActive {
			continue
		}
		if _, connected := n.Peers[other.ID]; connected {
			continue
		}
		if len(other.Peers) >= maxPeers {
			continue
		}
		score := n.Position.DistanceTo(other.Position) +
			math.Abs(n.Load-other.Load) -
			jaccard(n.Capabilities, other.Capabilities)
		candidates = append(candidates, scored{node: other, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		// Stable order for equal scores.
		return candidates[i].node.ID.String() < candidates[j].node.ID.String()
	})

	result := make([]*Node, len(candidates))
	for i, c := range candidates {
		result[i] = c.node
	}
	return result
}

// connectionStrength is a deterministic function of the endpoints' average
// reputation, load difference, and capability overlap, clamped to [0.1, 1.0].
func connectionStrength(a, b *Node) float64 {
	avgReputation := (a.Reputation + b.Reputation) / 2
	loadBalance := 1.0 - math.Abs(a.Load-b.Load)/(a.Load+b.Load+1)
	overlap := jaccard(a.Capabilities, b.Capabilities)

	strength := 0.5*avgReputation + 0.3*loadBalance + 0.2*overlap
	return math.Min(1.0, math.Max(0.1, strength))
}

// connectionLatency estimates edge latency from the synthetic distance.
func connectionLatency(a, b *Node) time.Duration {
	base := 5 * time.Millisecond
	return base + time.Duration(a.Position.DistanceTo(b.Position)*float64(500*time.Microsecond))
}

// jaccard returns the Jaccard overlap of two capability sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := set[s]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
