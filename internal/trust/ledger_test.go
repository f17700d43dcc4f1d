package trust

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/compute-swarm/agent/internal/models"
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

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(newTestDB(t), Options{
		StartingScore:       0.5,
		QuarantineThreshold: 0.2,
		Cooldown:            time.Minute,
	})
	require.NoError(t, err)
	return l
}

func TestLedger_UnknownPeerIsNeutral(t *testing.T) {
	l := newTestLedger(t)

	assert.Equal(t, 0.5, l.CurrentScore("peer-unknown"))
	assert.False(t, l.IsQuarantined("peer-unknown"))
}

func TestLedger_RecordEvent(t *testing.T) {
	tests := []struct {
		name     string
		events   []models.TrustEventKind
		expected float64
	}{
		{
			name:     "single success",
			events:   []models.TrustEventKind{models.TrustSuccess},
			expected: 0.55,
		},
		{
			name:     "late success smaller reward",
			events:   []models.TrustEventKind{models.TrustLateSuccess},
			expected: 0.52,
		},
		{
			name:     "failure",
			events:   []models.TrustEventKind{models.TrustFailure},
			expected: 0.40,
		},
		{
			name:     "malicious heavier than failure",
			events:   []models.TrustEventKind{models.TrustMalicious},
			expected: 0.20,
		},
		{
			name: "score clamped at one",
			events: []models.TrustEventKind{
				models.TrustSuccess, models.TrustSuccess, models.TrustSuccess,
				models.TrustSuccess, models.TrustSuccess, models.TrustSuccess,
				models.TrustSuccess, models.TrustSuccess, models.TrustSuccess,
				models.TrustSuccess, models.TrustSuccess, models.TrustSuccess,
			},
			expected: 1.0,
		},
		{
			name: "score clamped at zero",
			events: []models.TrustEventKind{
				models.TrustMalicious, models.TrustMalicious, models.TrustMalicious,
			},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			for _, kind := range tt.events {
				l.RecordEvent("peer-a", kind, "job-1")
			}
			assert.InDelta(t, tt.expected, l.CurrentScore("peer-a"), 1e-9)
		})
	}
}

func TestLedger_QuarantineTriggersBelowThreshold(t *testing.T) {
	l := newTestLedger(t)

	// Two malicious events drop the score from 0.5 to below 0.2.
	l.RecordEvent("peer-bad", models.TrustMalicious, "job-1")
	assert.False(t, l.IsQuarantined("peer-bad"))

	l.RecordEvent("peer-bad", models.TrustMalicious, "job-2")
	assert.True(t, l.IsQuarantined("peer-bad"))
}

func TestLedger_QuarantineLiftsAfterCooldown(t *testing.T) {
	l := newTestLedger(t)

	now := time.Now()
	l.now = func() time.Time { return now }

	l.RecordEvent("peer-bad", models.TrustMalicious, "job-1")
	l.RecordEvent("peer-bad", models.TrustMalicious, "job-2")
	require.True(t, l.IsQuarantined("peer-bad"))

	// Cooldown lifts quarantine regardless of score.
	now = now.Add(2 * time.Minute)
	assert.False(t, l.IsQuarantined("peer-bad"))
	assert.Less(t, l.CurrentScore("peer-bad"), 0.2)
}

func TestLedger_EventLogIsAppendOnly(t *testing.T) {
	l := newTestLedger(t)

	l.RecordEvent("peer-a", models.TrustSuccess, "job-1")
	l.RecordEvent("peer-a", models.TrustFailure, "job-2")

	events, err := l.Events("peer-a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.TrustSuccess, events[0].Kind)
	assert.Equal(t, "job-1", events[0].JobID)
	assert.Equal(t, models.TrustFailure, events[1].Kind)
	assert.InDelta(t, 0.45, events[1].ScoreAfter, 1e-9)
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	db := newTestDB(t)

	l1, err := NewLedger(db, Options{})
	require.NoError(t, err)
	l1.RecordEvent("peer-a", models.TrustSuccess, "job-1")
	score := l1.CurrentScore("peer-a")

	l2, err := NewLedger(db, Options{})
	require.NoError(t, err)
	assert.Equal(t, score, l2.CurrentScore("peer-a"))
}
