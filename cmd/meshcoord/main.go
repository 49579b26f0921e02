package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"golang.org/x/sync/errgroup"

	"github.com/swarmgrid/meshcoord/internal/bus"
	"github.com/swarmgrid/meshcoord/internal/config"
	"github.com/swarmgrid/meshcoord/internal/mesh"
	"github.com/swarmgrid/meshcoord/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/meshcoord.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meshcoord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("environment", cfg.App.Environment).
		Msg("Starting meshcoord")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := startEmbeddedNATS()
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
		logger.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	b, err := bus.Connect(natsURL, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	coord := mesh.NewCoordinator(mesh.Config{
		MaxPeersPerNode:       cfg.Mesh.MaxPeersPerNode,
		HeartbeatInterval:     cfg.Mesh.HeartbeatInterval,
		MaintenanceInterval:   cfg.Mesh.MaintenanceInterval,
		BiddingWindow:         cfg.Mesh.BiddingWindow,
		ConsensusTimeout:      cfg.Mesh.ConsensusTimeout,
		QuorumFraction:        cfg.Mesh.QuorumFraction,
		ReputationDecayRate:   cfg.Mesh.ReputationDecayRate,
		PartitionRetryBackoff: cfg.Mesh.PartitionRetryBackoff,
		MaxRecoveryAttempts:   cfg.Mesh.MaxRecoveryAttempts,
		AdaptiveTopology:      cfg.Optimization.Enabled,
		OptimizationInterval:  cfg.Optimization.Interval,
		MaxAvgLatency:         cfg.Optimization.MaxAvgLatency,
		MinReliability:        cfg.Optimization.MinReliability,
		OptimizationQuorum:    cfg.Optimization.QuorumFraction,
	}, logger)

	coord.SetTransport(b)
	coord.OnEvent(func(ev mesh.Event) {
		if err := b.PublishEvent(context.Background(), ev); err != nil {
			logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to publish event")
		}
	})
	if err := b.BindCoordinator(coord); err != nil {
		return err
	}

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, coord.GetNetworkStatus, logger)
		if err := metricsServer.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})

	<-gctx.Done()
	logger.Info().Msg("Shutdown signal received")

	coord.Shutdown()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info().Msg("meshcoord stopped")
	return nil
}

func startEmbeddedNATS() (*natsserver.Server, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}
	return ns, nil
}
