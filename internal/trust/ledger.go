package trust

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/compute-swarm/agent/internal/models"
	"github.com/compute-swarm/agent/internal/storage"
)

// Deltas applied per event kind. Malicious events carry a larger negative
// magnitude than ordinary failures.
var eventDeltas = map[models.TrustEventKind]float64{
	models.TrustSuccess:     +0.05,
	models.TrustLateSuccess: +0.02,
	models.TrustFailure:     -0.10,
	models.TrustTimeout:     -0.10,
	models.TrustMalicious:   -0.30,
}

// Options configures a Ledger.
type Options struct {
	StartingScore       float64
	QuarantineThreshold float64
	Cooldown            time.Duration
}

// Ledger maintains this node's local view of peer reputations. Scores live
// in [0,1]; unknown peers are neutral, never rejected outright.
type Ledger struct {
	mu   sync.RWMutex
	db   *storage.DB
	opts Options
	recs map[string]*models.TrustRecord

	now func() time.Time // overridable for tests
}

// NewLedger creates a trust ledger backed by the node-local database and
// loads any persisted records.
func NewLedger(db *storage.DB, opts Options) (*Ledger, error) {
	if opts.StartingScore == 0 {
		opts.StartingScore = 0.5
	}
	if opts.QuarantineThreshold == 0 {
		opts.QuarantineThreshold = 0.2
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = 5 * time.Minute
	}

	l := &Ledger{
		db:   db,
		opts: opts,
		recs: make(map[string]*models.TrustRecord),
		now:  time.Now,
	}

	if err := l.load(); err != nil {
		return nil, err
	}

	return l, nil
}

// RecordEvent appends a reputation event for peer and recomputes its score.
// Never fails the caller's control flow; persistence errors are logged.
func (l *Ledger) RecordEvent(peerID string, kind models.TrustEventKind, jobID string) models.TrustRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.record(peerID)
	delta := eventDeltas[kind]

	rec.Score = clamp(rec.Score+delta, 0, 1)
	rec.UpdatedAt = now

	// Quarantine triggers automatically when the score crosses the
	// threshold. Cooldown lifts it regardless of score so a rehabilitated
	// peer gets a chance to re-bid. The epsilon keeps float rounding from
	// pushing an exact-threshold score below it.
	if rec.Score < l.opts.QuarantineThreshold-1e-9 && !now.Before(rec.QuarantineUntil) {
		rec.QuarantineUntil = now.Add(l.opts.Cooldown)
		log.Printf("[trust] quarantined peer %s until %s (score %.3f)", peerID, rec.QuarantineUntil.Format(time.RFC3339), rec.Score)
	}

	if err := l.persist(rec, kind, delta, jobID, now); err != nil {
		log.Printf("[trust] failed to persist event for %s: %v", peerID, err)
	}

	return *rec
}

// CurrentScore returns the peer's latest score, defaulting to the starting
// score for unknown peers.
func (l *Ledger) CurrentScore(peerID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if rec, ok := l.recs[peerID]; ok {
		return rec.Score
	}
	return l.opts.StartingScore
}

// IsQuarantined reports whether peer is quarantined right now.
func (l *Ledger) IsQuarantined(peerID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.recs[peerID]
	if !ok {
		return false
	}
	return rec.Quarantined(l.now())
}

// Record returns a copy of the peer's trust record, or a neutral record for
// unknown peers.
func (l *Ledger) Record(peerID string) models.TrustRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if rec, ok := l.recs[peerID]; ok {
		return *rec
	}
	return models.TrustRecord{PeerID: peerID, Score: l.opts.StartingScore}
}

// Snapshot returns all known trust records for the status surface.
func (l *Ledger) Snapshot() []models.TrustRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.TrustRecord, 0, len(l.recs))
	for _, rec := range l.recs {
		out = append(out, *rec)
	}
	return out
}

// Events returns the persisted event log for a peer, oldest first.
func (l *Ledger) Events(peerID string) ([]models.TrustEvent, error) {
	rows, err := l.db.Conn.Query(
		"SELECT id, peer_id, kind, delta, score_after, job_id, created_at FROM trust_events WHERE peer_id = ? ORDER BY id",
		peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust events: %w", err)
	}
	defer rows.Close()

	var events []models.TrustEvent
	for rows.Next() {
		var e models.TrustEvent
		if err := rows.Scan(&e.ID, &e.PeerID, &e.Kind, &e.Delta, &e.ScoreAfter, &e.JobID, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// record returns the live record for peerID, creating a neutral one if the
// peer is unknown. Caller holds l.mu.
func (l *Ledger) record(peerID string) *models.TrustRecord {
	rec, ok := l.recs[peerID]
	if !ok {
		rec = &models.TrustRecord{
			PeerID: peerID,
			Score:  l.opts.StartingScore,
		}
		l.recs[peerID] = rec
	}
	return rec
}

func (l *Ledger) persist(rec *models.TrustRecord, kind models.TrustEventKind, delta float64, jobID string, now time.Time) error {
	tx, err := l.db.Conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO trust_events (peer_id, kind, delta, score_after, job_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.PeerID, string(kind), delta, rec.Score, jobID, now); err != nil {
		return err
	}

	var quarantine interface{}
	if !rec.QuarantineUntil.IsZero() {
		quarantine = rec.QuarantineUntil
	}
	if _, err := tx.Exec(
		`INSERT INTO trust_records (peer_id, score, quarantine_until, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
		   score = excluded.score,
		   quarantine_until = excluded.quarantine_until,
		   updated_at = excluded.updated_at`,
		rec.PeerID, rec.Score, quarantine, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *Ledger) load() error {
	rows, err := l.db.Conn.Query("SELECT peer_id, score, quarantine_until, updated_at FROM trust_records")
	if err != nil {
		return fmt.Errorf("failed to load trust records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.TrustRecord
		var quarantine *time.Time
		if err := rows.Scan(&rec.PeerID, &rec.Score, &quarantine, &rec.UpdatedAt); err != nil {
			return err
		}
		if quarantine != nil {
			rec.QuarantineUntil = *quarantine
		}
		r := rec
		l.recs[rec.PeerID] = &r
	}
	return rows.Err()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
