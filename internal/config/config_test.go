package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Node.MaxJobs)
	assert.Equal(t, 100.0, cfg.Node.StakeBudget)
	assert.Equal(t, "compute-swarm/1.0.0/jobs", cfg.P2P.Topic)
	assert.Equal(t, 2*time.Second, cfg.BidWindow())
	assert.Equal(t, 5*time.Second, cfg.AwardWait())
	assert.Equal(t, 5*time.Minute, cfg.Cooldown())
	assert.Equal(t, 0.2, cfg.Trust.QuarantineThreshold)
	assert.Equal(t, "automatic", cfg.Checkpoint.Strategy)
	assert.Equal(t, 8090, cfg.API.Port)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Node.Name = "agent-1"
	cfg.Node.Capabilities = []string{"cpu", "gpu"}
	cfg.Auction.BidWindowSeconds = 3
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", loaded.Node.Name)
	assert.Equal(t, []string{"cpu", "gpu"}, loaded.Node.Capabilities)
	assert.Equal(t, 3*time.Second, loaded.BidWindow())
	// Unset fields come back with defaults applied.
	assert.Equal(t, 0.30, loaded.Auction.MaxWinShare)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.DataDir = "/var/lib/agent"
	assert.Equal(t, "/var/lib/agent/agent.db", cfg.DatabasePath())
}
