package mesh

import "context"

// OptimizeNetworkTopology evaluates current mesh metrics against the
// configured latency and reliability thresholds and, when either is
// violated, routes a topology-change proposal through consensus. Proposals
// are rate limited so ad-hoc triggers (node removal) cannot flood the vote
// pipeline. Failures are logged and the cycle is skipped; nothing propagates.
func (c *Coordinator) OptimizeNetworkTopology() {
	if !c.cfg.AdaptiveTopology {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	metrics := c.computeMetricsLocked()
	c.mu.Unlock()

	if metrics.NodeCount < 2 {
		return
	}

	c.log.Debug().
		Dur("avg_latency", metrics.AverageLatency).
		Float64("avg_reliability", metrics.AverageReliability).
		Int("diameter", metrics.NetworkDiameter).
		Float64("clustering", metrics.ClusteringCoefficient).
		Msg("Topology optimization cycle")

	if metrics.AverageLatency > c.cfg.MaxAvgLatency {
		c.proposeTopologyChange("redistribute_connections", map[string]interface{}{
			"action":      "redistribute_connections",
			"reason":      "average latency above threshold",
			"avg_latency": metrics.AverageLatency.String(),
			"threshold":   c.cfg.MaxAvgLatency.String(),
		})
	}
	if metrics.EdgeCount > 0 && metrics.AverageReliability < c.cfg.MinReliability {
		c.proposeTopologyChange("add_redundant_connections", map[string]interface{}{
			"action":          "add_redundant_connections",
			"reason":          "average reliability below threshold",
			"avg_reliability": metrics.AverageReliability,
			"threshold":       c.cfg.MinReliability,
		})
	}
}

func (c *Coordinator) proposeTopologyChange(action string, proposal map[string]interface{}) {
	if !c.proposalLimiter.Allow() {
		c.log.Debug().Str("action", action).Msg("Topology proposal suppressed by rate limit")
		return
	}
	id, err := c.CreateConsensusRequest(context.Background(), ConsensusTopologyChange, proposal, c.cfg.OptimizationQuorum)
	if err != nil {
		c.log.Error().Err(err).Str("action", action).Msg("Failed to propose topology change")
		return
	}
	c.log.Info().
		Str("request_id", id.String()).
		Str("action", action).
		Msg("Topology change proposed")
}
