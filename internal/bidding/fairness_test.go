package bidding

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/compute-swarm/agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateInline())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFairness_NeutralWhenEmpty(t *testing.T) {
	tr, err := NewFairnessTracker(newTestDB(t), 100, 0.30)
	require.NoError(t, err)

	assert.Equal(t, 1.0, tr.Modifier("peer-a"))
}

func TestFairness_OverSharePenalized(t *testing.T) {
	tr, err := NewFairnessTracker(newTestDB(t), 100, 0.30)
	require.NoError(t, err)

	// peer-a wins 6 of 10 recent auctions, double the allowed share.
	for i := 0; i < 6; i++ {
		tr.RecordAward(fmt.Sprintf("job-%d", i), "peer-a", 100)
	}
	for i := 6; i < 10; i++ {
		tr.RecordAward(fmt.Sprintf("job-%d", i), "peer-b", 100)
	}

	mod := tr.Modifier("peer-a")
	assert.Less(t, mod, 1.0)
	assert.GreaterOrEqual(t, mod, 0.5)
}

func TestFairness_PenaltyFloor(t *testing.T) {
	tr, err := NewFairnessTracker(newTestDB(t), 100, 0.30)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		tr.RecordAward(fmt.Sprintf("job-%d", i), "peer-a", 100)
	}

	assert.Equal(t, 0.5, tr.Modifier("peer-a"))
}

func TestFairness_UnderShareBoosted(t *testing.T) {
	tr, err := NewFairnessTracker(newTestDB(t), 100, 0.30)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		tr.RecordAward(fmt.Sprintf("job-%d", i), "peer-a", 100)
	}

	// peer-b has zero recent wins: full boost, capped at 1.5.
	assert.Equal(t, 1.5, tr.Modifier("peer-b"))
}

func TestFairness_WindowIsBounded(t *testing.T) {
	tr, err := NewFairnessTracker(newTestDB(t), 5, 0.30)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		tr.RecordAward(fmt.Sprintf("job-%d", i), "peer-a", 100)
	}

	assert.Equal(t, 5, tr.WindowSize())
}

func TestFairness_RehydratesFromHistory(t *testing.T) {
	db := newTestDB(t)

	tr, err := NewFairnessTracker(db, 100, 0.30)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		tr.RecordAward(fmt.Sprintf("job-%d", i), "peer-a", 100)
	}

	reopened, err := NewFairnessTracker(db, 100, 0.30)
	require.NoError(t, err)
	assert.Equal(t, 8, reopened.WindowSize())
	assert.Equal(t, 0.5, reopened.Modifier("peer-a"))
}
