// Package config loads meshcoord configuration and sets up logging.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Mesh         MeshConfig         `mapstructure:"mesh"`
	Optimization OptimizationConfig `mapstructure:"optimization"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Embedded      bool   `mapstructure:"embedded"` // run an in-process NATS server
}

// MeshConfig contains coordinator settings
type MeshConfig struct {
	MaxPeersPerNode       int           `mapstructure:"max_peers_per_node"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	MaintenanceInterval   time.Duration `mapstructure:"maintenance_interval"`
	BiddingWindow         time.Duration `mapstructure:"bidding_window"`
	ConsensusTimeout      time.Duration `mapstructure:"consensus_timeout"`
	QuorumFraction        float64       `mapstructure:"quorum_fraction"`
	ReputationDecayRate   float64       `mapstructure:"reputation_decay_rate"`
	PartitionRetryBackoff time.Duration `mapstructure:"partition_retry_backoff"`
	MaxRecoveryAttempts   int           `mapstructure:"max_recovery_attempts"` // 0 = unlimited
}

// OptimizationConfig contains topology optimizer settings
type OptimizationConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxAvgLatency  time.Duration `mapstructure:"max_avg_latency"`
	MinReliability float64       `mapstructure:"min_reliability"`
	QuorumFraction float64       `mapstructure:"quorum_fraction"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("meshcoord")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MESHCOORD")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "meshcoord")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "mesh.")
	v.SetDefault("nats.embedded", false)

	v.SetDefault("mesh.max_peers_per_node", 5)
	v.SetDefault("mesh.heartbeat_interval", "30s")
	v.SetDefault("mesh.maintenance_interval", "1m")
	v.SetDefault("mesh.bidding_window", "10s")
	v.SetDefault("mesh.consensus_timeout", "30s")
	v.SetDefault("mesh.quorum_fraction", 0.67)
	v.SetDefault("mesh.reputation_decay_rate", 0.01)
	v.SetDefault("mesh.partition_retry_backoff", "30s")
	v.SetDefault("mesh.max_recovery_attempts", 0)

	v.SetDefault("optimization.enabled", true)
	v.SetDefault("optimization.interval", "5m")
	v.SetDefault("optimization.max_avg_latency", "200ms")
	v.SetDefault("optimization.min_reliability", 0.8)
	v.SetDefault("optimization.quorum_fraction", 0.6)

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration values for consistency
func (c *Config) Validate() error {
	if c.Mesh.MaxPeersPerNode < 1 {
		return fmt.Errorf("mesh.max_peers_per_node must be >= 1, got %d", c.Mesh.MaxPeersPerNode)
	}
	if c.Mesh.QuorumFraction <= 0 || c.Mesh.QuorumFraction > 1 {
		return fmt.Errorf("mesh.quorum_fraction must be in (0, 1], got %f", c.Mesh.QuorumFraction)
	}
	if c.Mesh.ReputationDecayRate < 0 || c.Mesh.ReputationDecayRate >= 1 {
		return fmt.Errorf("mesh.reputation_decay_rate must be in [0, 1), got %f", c.Mesh.ReputationDecayRate)
	}
	if c.Mesh.HeartbeatInterval <= 0 {
		return fmt.Errorf("mesh.heartbeat_interval must be positive, got %s", c.Mesh.HeartbeatInterval)
	}
	if c.Mesh.MaintenanceInterval <= 0 {
		return fmt.Errorf("mesh.maintenance_interval must be positive, got %s", c.Mesh.MaintenanceInterval)
	}
	if c.Mesh.PartitionRetryBackoff <= 0 {
		return fmt.Errorf("mesh.partition_retry_backoff must be positive, got %s", c.Mesh.PartitionRetryBackoff)
	}
	if c.Mesh.BiddingWindow <= 0 {
		return fmt.Errorf("mesh.bidding_window must be positive, got %s", c.Mesh.BiddingWindow)
	}
	if c.Mesh.ConsensusTimeout <= 0 {
		return fmt.Errorf("mesh.consensus_timeout must be positive, got %s", c.Mesh.ConsensusTimeout)
	}
	if c.Optimization.QuorumFraction <= 0 || c.Optimization.QuorumFraction > 1 {
		return fmt.Errorf("optimization.quorum_fraction must be in (0, 1], got %f", c.Optimization.QuorumFraction)
	}
	if c.Optimization.Interval <= 0 {
		return fmt.Errorf("optimization.interval must be positive, got %s", c.Optimization.Interval)
	}
	return nil
}
