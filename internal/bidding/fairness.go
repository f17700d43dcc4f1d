package bidding

import (
	"fmt"
	"sync"

	"github.com/compute-swarm/agent/internal/storage"
)

// FairnessTracker maintains a bounded sliding window of recent auction
// winners and derives a multiplicative bid modifier from it: peers winning
// more than their share are penalized, starved peers are boosted.
type FairnessTracker struct {
	mu       sync.Mutex
	db       *storage.DB
	window   int
	maxShare float64
	recent   []string // ring of recent winner ids, oldest first
}

// NewFairnessTracker creates a tracker over the last window awards,
// rehydrated from the persisted award history.
func NewFairnessTracker(db *storage.DB, window int, maxShare float64) (*FairnessTracker, error) {
	if window <= 0 {
		window = 100
	}
	if maxShare <= 0 {
		maxShare = 0.30
	}

	t := &FairnessTracker{
		db:       db,
		window:   window,
		maxShare: maxShare,
	}

	rows, err := db.Conn.Query(
		"SELECT winner_id FROM award_history ORDER BY id DESC LIMIT ?", window)
	if err != nil {
		return nil, fmt.Errorf("failed to load award history: %w", err)
	}
	defer rows.Close()

	var newestFirst []string
	for rows.Next() {
		var winner string
		if err := rows.Scan(&winner); err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, winner)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		t.recent = append(t.recent, newestFirst[i])
	}

	return t, nil
}

// RecordAward appends one auction outcome to the window and the persisted
// history.
func (t *FairnessTracker) RecordAward(jobID, winnerID string, payment float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent = append(t.recent, winnerID)
	if len(t.recent) > t.window {
		t.recent = t.recent[len(t.recent)-t.window:]
	}

	// History persistence is best effort; the in-memory window stays
	// authoritative for this process.
	t.db.Conn.Exec(
		"INSERT INTO award_history (job_id, winner_id, payment) VALUES (?, ?, ?)",
		jobID, winnerID, payment)
}

// Modifier returns the fairness multiplier for peerID in [0.5, 1.5].
// Over-utilized peers (above maxShare of recent wins) are penalized,
// under-utilized peers (below half of maxShare) are boosted.
func (t *FairnessTracker) Modifier(peerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.recent) == 0 {
		return 1.0
	}

	wins := 0
	for _, w := range t.recent {
		if w == peerID {
			wins++
		}
	}
	share := float64(wins) / float64(len(t.recent))

	switch {
	case share > t.maxShare:
		penalty := 1.0 - (share-t.maxShare)*2
		if penalty < 0.5 {
			penalty = 0.5
		}
		return penalty
	case share < t.maxShare/2:
		target := t.maxShare / 2
		boost := 1.0 + ((target-share)/target)*0.5
		if boost > 1.5 {
			boost = 1.5
		}
		return boost
	default:
		return 1.0
	}
}

// WindowSize returns how many awards are currently in the window.
func (t *FairnessTracker) WindowSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recent)
}
