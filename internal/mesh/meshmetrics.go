package mesh

import (
	"time"

	"github.com/google/uuid"
)

// computeMetricsLocked derives the current MeshMetrics snapshot from
// topology and counter state. Caller holds the lock.
func (c *Coordinator) computeMetricsLocked() MeshMetrics {
	m := MeshMetrics{
		NodeCount:        c.topo.NodeCount(),
		EdgeCount:        c.topo.EdgeCount(),
		LoadDistribution: make(map[uuid.UUID]float64, len(c.topo.nodes)),
		ComputedAt:       c.clock.Now(),
	}

	var totalLatency time.Duration
	totalReliability := 0.0
	for _, edge := range c.topo.edges {
		totalLatency += edge.Latency
		totalReliability += edge.Reliability
	}
	if n := len(c.topo.edges); n > 0 {
		m.AverageLatency = totalLatency / time.Duration(n)
		m.AverageReliability = totalReliability / float64(n)
	}

	for id, node := range c.topo.nodes {
		m.LoadDistribution[id] = node.Load
	}

	if uptime := c.clock.Now().Sub(c.startedAt).Seconds(); uptime > 0 {
		m.Throughput = float64(c.tasksAssigned) / uptime
	}
	if resolved := c.consensusApproved + c.consensusTimedOut; resolved > 0 {
		m.ConsensusAccuracy = float64(c.consensusApproved) / float64(resolved)
	}

	m.PartitionResilience = c.partitionResilienceLocked()
	m.NetworkDiameter = c.topo.diameter()
	m.ClusteringCoefficient = c.topo.clusteringCoefficient()
	return m
}

// partitionResilienceLocked is the fraction of nodes that are active and not
// members of an unresolved partition. Caller holds the lock.
func (c *Coordinator) partitionResilienceLocked() float64 {
	if len(c.topo.nodes) == 0 {
		return 0
	}
	partitioned := make(map[uuid.UUID]struct{})
	for _, p := range c.partitions {
		for _, id := range p.Nodes {
			partitioned[id] = struct{}{}
		}
	}
	healthy := 0
	for id, n := range c.topo.nodes {
		if _, isolated := partitioned[id]; isolated {
			continue
		}
		if n.Status == NodeStatusActive {
			healthy++
		}
	}
	return float64(healthy) / float64(len(c.topo.nodes))
}

// diameter is the longest shortest path (in hops) between any pair of
// connected nodes, computed by BFS from every node. Unreachable pairs do not
// contribute; a mesh with no edges has diameter 0.
func (t *Topology) diameter() int {
	longest := 0
	for id := range t.nodes {
		dist := t.bfsDistances(id)
		for _, d := range dist {
			if d > longest {
				longest = d
			}
		}
	}
	return longest
}

// bfsDistances returns hop counts from start to every reachable node.
func (t *Topology) bfsDistances(start uuid.UUID) map[uuid.UUID]int {
	dist := map[uuid.UUID]int{start: 0}
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node := t.nodes[cur]
		if node == nil {
			continue
		}
		for peer := range node.Peers {
			if _, seen := dist[peer]; !seen {
				dist[peer] = dist[cur] + 1
				queue = append(queue, peer)
			}
		}
	}
	return dist
}

// clusteringCoefficient is the mean local clustering coefficient: for each
// node with at least two peers, the fraction of peer pairs that are
// themselves connected (closed triangles).
func (t *Topology) clusteringCoefficient() float64 {
	if len(t.nodes) == 0 {
		return 0
	}
	sum := 0.0
	for _, node := range t.nodes {
		peers := node.PeerIDs()
		k := len(peers)
		if k < 2 {
			continue
		}
		closed := 0
		for i := 0; i < k; i++ {
			for j := i + 1; j < k; j++ {
				if a := t.nodes[peers[i]]; a != nil {
					if _, ok := a.Peers[peers[j]]; ok {
						closed++
					}
				}
			}
		}
		sum += float64(closed) / float64(k*(k-1)/2)
	}
	return sum / float64(len(t.nodes))
}
