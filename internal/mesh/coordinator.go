package mesh

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Config holds coordinator tunables.
type Config struct {
	MaxPeersPerNode       int
	HeartbeatInterval     time.Duration
	MaintenanceInterval   time.Duration
	BiddingWindow         time.Duration
	ConsensusTimeout      time.Duration
	QuorumFraction        float64
	ReputationDecayRate   float64
	PartitionRetryBackoff time.Duration
	MaxRecoveryAttempts   int // 0 = retry forever

	AdaptiveTopology     bool
	OptimizationInterval time.Duration
	MaxAvgLatency        time.Duration
	MinReliability       float64
	OptimizationQuorum   float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPeersPerNode:       5,
		HeartbeatInterval:     30 * time.Second,
		MaintenanceInterval:   time.Minute,
		BiddingWindow:         10 * time.Second,
		ConsensusTimeout:      30 * time.Second,
		QuorumFraction:        0.67,
		ReputationDecayRate:   0.01,
		PartitionRetryBackoff: 30 * time.Second,
		MaxRecoveryAttempts:   0,
		AdaptiveTopology:      true,
		OptimizationInterval:  5 * time.Minute,
		MaxAvgLatency:         200 * time.Millisecond,
		MinReliability:        0.8,
		OptimizationQuorum:    0.6,
	}
}

// coordinatorMetrics holds Prometheus instruments for the coordinator.
type coordinatorMetrics struct {
	ActiveNodes         prometheus.Gauge
	TasksAssigned       prometheus.Counter
	BidsPerTask         prometheus.Histogram
	ConsensusApproved   prometheus.Counter
	ConsensusTimedOut   prometheus.Counter
	PartitionRecoveries prometheus.Counter
}

// Global metrics instance (singleton pattern to avoid Prometheus registration conflicts)
var (
	coordinatorMetricsInstance *coordinatorMetrics
	coordinatorMetricsOnce     sync.Once
)

func getOrCreateCoordinatorMetrics() *coordinatorMetrics {
	coordinatorMetricsOnce.Do(func() {
		coordinatorMetricsInstance = &coordinatorMetrics{
			ActiveNodes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "meshcoord_active_nodes",
				Help: "Number of nodes currently in active status",
			}),
			TasksAssigned: promauto.NewCounter(prometheus.CounterOpts{
				Name: "meshcoord_tasks_assigned_total",
				Help: "Total number of tasks assigned through bidding",
			}),
			BidsPerTask: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "meshcoord_bids_per_task",
				Help:    "Number of bids collected per bidding window",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			}),
			ConsensusApproved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "meshcoord_consensus_approved_total",
				Help: "Total number of consensus requests approved",
			}),
			ConsensusTimedOut: promauto.NewCounter(prometheus.CounterOpts{
				Name: "meshcoord_consensus_timeout_total",
				Help: "Total number of consensus requests that timed out",
			}),
			PartitionRecoveries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "meshcoord_partition_recoveries_total",
				Help: "Total number of network partitions recovered",
			}),
		}
	})
	return coordinatorMetricsInstance
}

// Coordinator is the mesh coordination and consensus engine. A single
// instance exclusively owns all node, edge, request, and partition state;
// one mutex serializes every mutating operation.
type Coordinator struct {
	cfg   Config
	log   zerolog.Logger
	clock Clock
	rng   *rand.Rand

	mu         sync.Mutex
	topo       *Topology
	requests   map[uuid.UUID]*ConsensusRequest
	partitions map[uuid.UUID]*NetworkPartition
	collectors map[uuid.UUID]*bidCollector
	breakers   map[uuid.UUID]*gobreaker.CircuitBreaker
	listeners  []func(Event)
	closed     bool

	transport       Transport
	proposalLimiter *rate.Limiter
	metrics         *coordinatorMetrics

	// Counters feeding the MeshMetrics snapshot.
	startedAt         time.Time
	tasksAssigned     uint64
	consensusApproved uint64
	consensusTimedOut uint64

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	timeoutSem chan struct{} // bounds concurrent deadline handlers
}

// maxConcurrentTimeouts bounds deadline-handler goroutines so a burst of
// consensus requests cannot exhaust the scheduler.
const maxConcurrentTimeouts = 100

// NewCoordinator creates a coordinator with the given configuration.
func NewCoordinator(cfg Config, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:             cfg,
		log:             log.With().Str("component", "coordinator").Logger(),
		clock:           SystemClock(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		topo:            NewTopology(),
		requests:        make(map[uuid.UUID]*ConsensusRequest),
		partitions:      make(map[uuid.UUID]*NetworkPartition),
		collectors:      make(map[uuid.UUID]*bidCollector),
		breakers:        make(map[uuid.UUID]*gobreaker.CircuitBreaker),
		transport:       noopTransport{},
		proposalLimiter: rate.NewLimiter(rate.Every(cfg.OptimizationInterval), 2),
		metrics:         getOrCreateCoordinatorMetrics(),
		timeoutSem:      make(chan struct{}, maxConcurrentTimeouts),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.startedAt = c.clock.Now()
	return c
}

// SetTransport wires an outbound transport. Call before Start.
func (c *Coordinator) SetTransport(t Transport) {
	if t != nil {
		c.transport = t
	}
}

// SetClock replaces the wall clock. Call before Start.
func (c *Coordinator) SetClock(clk Clock) {
	if clk != nil {
		c.clock = clk
		c.startedAt = clk.Now()
	}
}

// Start launches the heartbeat, maintenance, and optimization loops. It
// returns immediately; loops run until Shutdown or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) {
	c.log.Info().
		Int("max_peers", c.cfg.MaxPeersPerNode).
		Dur("heartbeat_interval", c.cfg.HeartbeatInterval).
		Dur("consensus_timeout", c.cfg.ConsensusTimeout).
		Bool("adaptive_topology", c.cfg.AdaptiveTopology).
		Msg("Starting mesh coordinator")

	c.wg.Add(1)
	go c.periodic(ctx, c.cfg.HeartbeatInterval, "heartbeat", c.sweepHeartbeats)

	c.wg.Add(1)
	go c.periodic(ctx, c.cfg.MaintenanceInterval, "maintenance", c.runMaintenance)

	if c.cfg.AdaptiveTopology {
		c.wg.Add(1)
		go c.periodic(ctx, c.cfg.OptimizationInterval, "optimization", c.OptimizeNetworkTopology)
	}
}

// Run starts the coordinator and blocks until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Start(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return nil
	}
}

// periodic drives a sweep function on a fixed interval. A panicking cycle is
// logged and skipped so one bad sweep cannot stop subsequent ones.
func (c *Coordinator) periodic(ctx context.Context, interval time.Duration, name string, fn func()) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	safe := func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Str("loop", name).Msg("Background sweep panicked")
			}
		}()
		fn()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			safe()
		}
	}
}

// AddNode registers a new agent as a mesh node and connects it to the most
// desirable peers. Returns the new node's ID.
func (c *Coordinator) AddNode(agentID string, capabilities []string, region string) (uuid.UUID, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, ErrShutdown
	}

	now := c.clock.Now()
	node := &Node{
		ID:           uuid.New(),
		AgentID:      agentID,
		Region:       region,
		Capabilities: append([]string(nil), capabilities...),
		Peers:        make(map[uuid.UUID]struct{}),
		Strength:     make(map[uuid.UUID]float64),
		Latency:      make(map[uuid.UUID]time.Duration),
		Reputation:   ReputationCap,
		Position:     c.topo.positionFor(region, c.rng),
		Status:       NodeStatusActive,
		LastSeen:     now,
		JoinedAt:     now,
	}
	c.topo.AddNode(node)

	connected := c.connectToPeersLocked(node)
	c.metrics.ActiveNodes.Set(float64(len(c.topo.ActiveNodes())))
	c.mu.Unlock()

	c.log.Info().
		Str("node_id", node.ID.String()).
		Str("agent_id", agentID).
		Str("region", region).
		Int("peers", connected).
		Msg("Node added to mesh")

	c.emit(Event{
		Type:   EventNodeAdded,
		NodeID: node.ID,
		Payload: map[string]interface{}{
			"agent_id":   agentID,
			"region":     region,
			"peer_count": connected,
		},
	})

	return node.ID, nil
}

// connectToPeersLocked runs peer selection for a node and connects it to up
// to MaxPeersPerNode candidates. Caller holds the lock. Returns the number of
// peers connected in this pass.
func (c *Coordinator) connectToPeersLocked(node *Node) int {
	connected := 0
	for _, candidate := range c.topo.candidatePeers(node, c.cfg.MaxPeersPerNode) {
		if len(node.Peers) >= c.cfg.MaxPeersPerNode {
			break
		}
		if c.topo.Connect(node.ID, candidate.ID, c.cfg.MaxPeersPerNode, c.clock.Now()) {
			connected++
		}
	}
	return connected
}

// RemoveNode disconnects a node from every peer and deletes it. Returns
// ErrNodeNotFound when the node is not part of the mesh.
func (c *Coordinator) RemoveNode(id uuid.UUID) error {
	c.mu.Lock()
	node := c.topo.Node(id)
	if node == nil {
		c.mu.Unlock()
		return ErrNodeNotFound
	}
	agentID := node.AgentID
	c.topo.RemoveNode(id)
	delete(c.breakers, id)
	c.metrics.ActiveNodes.Set(float64(len(c.topo.ActiveNodes())))
	adaptive := c.cfg.AdaptiveTopology && !c.closed
	c.mu.Unlock()

	c.log.Info().
		Str("node_id", id.String()).
		Str("agent_id", agentID).
		Msg("Node removed from mesh")

	c.emit(Event{Type: EventNodeRemoved, NodeID: id})

	// Departures change the shape of the mesh; re-evaluate it.
	if adaptive {
		go c.OptimizeNetworkTopology()
	}
	return nil
}

// GetNetworkStatus returns a deep-copied snapshot of coordinator state.
func (c *Coordinator) GetNetworkStatus() NetworkStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := NetworkStatus{
		Metrics:           c.computeMetricsLocked(),
		Nodes:             make([]*Node, 0, len(c.topo.nodes)),
		Partitions:        make([]*NetworkPartition, 0, len(c.partitions)),
		ConsensusRequests: make([]*ConsensusRequest, 0, len(c.requests)),
	}
	for _, n := range c.topo.nodes {
		status.Nodes = append(status.Nodes, n.clone())
	}
	for _, p := range c.partitions {
		status.Partitions = append(status.Partitions, p.clone())
	}
	for _, r := range c.requests {
		status.ConsensusRequests = append(status.ConsensusRequests, r.clone())
	}
	return status
}

// Shutdown stops all background loops, expires pending consensus requests,
// and forcibly removes every node (dropping all edges) before returning.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.log.Info().Msg("Shutting down mesh coordinator")
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for id, req := range c.requests {
		req.Status = ConsensusTimeout
		delete(c.requests, id)
	}
	ids := make([]uuid.UUID, 0, len(c.topo.nodes))
	for id := range c.topo.nodes {
		ids = append(ids, id)
	}
	for _, id := range ids {
		c.topo.RemoveNode(id)
	}
	c.partitions = make(map[uuid.UUID]*NetworkPartition)
	c.collectors = make(map[uuid.UUID]*bidCollector)
	c.metrics.ActiveNodes.Set(0)
	c.mu.Unlock()

	c.emit(Event{Type: EventShutdown})
	c.log.Info().Msg("Mesh coordinator shutdown complete")
}

// activeWeightLocked sums the voting weight of all active nodes (each active
// node contributes its full reputation). Caller holds the lock.
func (c *Coordinator) activeWeightLocked() float64 {
	total := 0.0
	for _, n := range c.topo.nodes {
		if n.Status == NodeStatusActive {
			total += n.Reputation
		}
	}
	return total
}
