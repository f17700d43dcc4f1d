package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the swarm agent
type Config struct {
	Node       NodeConfig       `toml:"node"`
	P2P        P2PConfig        `toml:"p2p"`
	Auction    AuctionConfig    `toml:"auction"`
	Trust      TrustConfig      `toml:"trust"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	API        APIConfig        `toml:"api"`
}

// NodeConfig holds node identity and settings
type NodeConfig struct {
	Name         string   `toml:"name"`
	DataDir      string   `toml:"data_dir"`
	Capabilities []string `toml:"capabilities"`
	MaxJobs      int      `toml:"max_jobs"`
	StakeBudget  float64  `toml:"stake_budget"`
}

// P2PConfig holds libp2p configuration
type P2PConfig struct {
	ListenAddresses   []string `toml:"listen_addresses"`
	BootstrapPeers    []string `toml:"bootstrap_peers"`
	Topic             string   `toml:"topic"`
	HeartbeatSeconds  int      `toml:"heartbeat_seconds"`
	LivenessSeconds   int      `toml:"liveness_seconds"`
	ReplayWindowSecs  int      `toml:"replay_window_seconds"`
	FutureSkewSeconds int      `toml:"future_skew_seconds"`
}

// AuctionConfig holds auction engine settings
type AuctionConfig struct {
	BidWindowSeconds   int     `toml:"bid_window_seconds"`
	AwardWaitSeconds   int     `toml:"award_wait_seconds"`
	MaxRetries         int     `toml:"max_retries"`
	RetryBackoffSecs   int     `toml:"retry_backoff_seconds"`
	FairnessWindow     int     `toml:"fairness_window"`
	MaxWinShare        float64 `toml:"max_win_share"`
	DefaultPayment     float64 `toml:"default_payment"`
	DeadlineHorizonSec int     `toml:"deadline_horizon_seconds"`
}

// TrustConfig holds trust ledger settings
type TrustConfig struct {
	StartingScore       float64 `toml:"starting_score"`
	QuarantineThreshold float64 `toml:"quarantine_threshold"`
	CooldownSeconds     int     `toml:"cooldown_seconds"`
}

// CheckpointConfig holds checkpoint store and strategy settings
type CheckpointConfig struct {
	Strategy         string  `toml:"strategy"` // time, progress, manual, automatic
	IntervalSeconds  int     `toml:"interval_seconds"`
	ProgressDelta    float64 `toml:"progress_delta"`
	RetentionHours   int     `toml:"retention_hours"`
	GCIntervalSecs   int     `toml:"gc_interval_seconds"`
	MigrationsPath   string  `toml:"migrations_path"`
	DatabaseFileName string  `toml:"database_file"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	JWTSecret string `toml:"jwt_secret"`
}

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	return &config, nil
}

// Save saves configuration to TOML file
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnsureDirs creates necessary directories
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Node.DataDir, err)
	}
	return nil
}

// DatabasePath returns the absolute path of the node-local SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Node.DataDir, c.Checkpoint.DatabaseFileName)
}

// BidWindow returns the bid window as a duration
func (c *Config) BidWindow() time.Duration {
	return time.Duration(c.Auction.BidWindowSeconds) * time.Second
}

// AwardWait returns the award-wait window as a duration
func (c *Config) AwardWait() time.Duration {
	return time.Duration(c.Auction.AwardWaitSeconds) * time.Second
}

// Cooldown returns the quarantine cooldown as a duration
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Trust.CooldownSeconds) * time.Second
}

func (c *Config) setDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if c.Node.MaxJobs == 0 {
		c.Node.MaxJobs = 5
	}
	if c.Node.StakeBudget == 0 {
		c.Node.StakeBudget = 100
	}
	if c.P2P.Topic == "" {
		c.P2P.Topic = "compute-swarm/1.0.0/jobs"
	}
	if c.P2P.HeartbeatSeconds == 0 {
		c.P2P.HeartbeatSeconds = 3
	}
	if c.P2P.LivenessSeconds == 0 {
		c.P2P.LivenessSeconds = 15
	}
	if c.P2P.ReplayWindowSecs == 0 {
		c.P2P.ReplayWindowSecs = 30
	}
	if c.P2P.FutureSkewSeconds == 0 {
		c.P2P.FutureSkewSeconds = 5
	}
	if c.Auction.BidWindowSeconds == 0 {
		c.Auction.BidWindowSeconds = 2
	}
	if c.Auction.AwardWaitSeconds == 0 {
		c.Auction.AwardWaitSeconds = 5
	}
	if c.Auction.MaxRetries == 0 {
		c.Auction.MaxRetries = 3
	}
	if c.Auction.RetryBackoffSecs == 0 {
		c.Auction.RetryBackoffSecs = 5
	}
	if c.Auction.FairnessWindow == 0 {
		c.Auction.FairnessWindow = 100
	}
	if c.Auction.MaxWinShare == 0 {
		c.Auction.MaxWinShare = 0.30
	}
	if c.Auction.DefaultPayment == 0 {
		c.Auction.DefaultPayment = 100
	}
	if c.Auction.DeadlineHorizonSec == 0 {
		c.Auction.DeadlineHorizonSec = 300
	}
	if c.Trust.StartingScore == 0 {
		c.Trust.StartingScore = 0.5
	}
	if c.Trust.QuarantineThreshold == 0 {
		c.Trust.QuarantineThreshold = 0.2
	}
	if c.Trust.CooldownSeconds == 0 {
		c.Trust.CooldownSeconds = 300
	}
	if c.Checkpoint.Strategy == "" {
		c.Checkpoint.Strategy = "automatic"
	}
	if c.Checkpoint.IntervalSeconds == 0 {
		c.Checkpoint.IntervalSeconds = 30
	}
	if c.Checkpoint.ProgressDelta == 0 {
		c.Checkpoint.ProgressDelta = 0.25
	}
	if c.Checkpoint.RetentionHours == 0 {
		c.Checkpoint.RetentionHours = 24
	}
	if c.Checkpoint.GCIntervalSecs == 0 {
		c.Checkpoint.GCIntervalSecs = 600
	}
	if c.Checkpoint.MigrationsPath == "" {
		c.Checkpoint.MigrationsPath = "./migrations"
	}
	if c.Checkpoint.DatabaseFileName == "" {
		c.Checkpoint.DatabaseFileName = "agent.db"
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}
