package checkpoint

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/compute-swarm/agent/internal/models"
	"github.com/compute-swarm/agent/internal/storage"
)

// ErrNotFound is returned when no checkpoint exists for a job id.
var ErrNotFound = errors.New("checkpoint not found")

// ErrCorrupted is returned when a stored checkpoint fails integrity
// validation. Callers treat the checkpoint as absent.
var ErrCorrupted = errors.New("checkpoint failed integrity validation")

// ErrStale is returned when a save would regress the latest checkpoint to an
// older attempt or timestamp.
var ErrStale = errors.New("checkpoint older than the persisted one")

// Store persists job checkpoints in the node-local database. One latest
// checkpoint per job id; writes are transactional so a reader never observes
// a half-written record.
type Store struct {
	db *storage.DB
}

// NewStore creates a checkpoint store
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Save persists cp as the latest checkpoint for its job id. The write is
// atomic: the previous record stays visible until the transaction commits.
// Saves that would regress attempt or timestamp ordering are refused.
func (s *Store) Save(cp models.Checkpoint) error {
	if cp.JobID == "" {
		return fmt.Errorf("checkpoint missing job id")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	steps, state, results, input, err := marshalPayload(cp)
	if err != nil {
		return err
	}
	integrity := integrityHash(cp, steps, state, results, input)

	tx, err := s.db.Conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint write: %w", err)
	}
	defer tx.Rollback()

	var prevAttempt int
	var prevCreated time.Time
	err = tx.QueryRow(
		"SELECT attempt, created_at FROM checkpoints WHERE job_id = ?",
		cp.JobID).Scan(&prevAttempt, &prevCreated)
	switch {
	case err == sql.ErrNoRows:
		// first checkpoint for this job
	case err != nil:
		return fmt.Errorf("failed to read previous checkpoint: %w", err)
	default:
		if cp.Attempt < prevAttempt || (cp.Attempt == prevAttempt && cp.CreatedAt.Before(prevCreated)) {
			return ErrStale
		}
	}

	_, err = tx.Exec(
		`INSERT INTO checkpoints
		   (job_id, owner_peer_id, attempt, progress, current_step, completed_steps,
		    state, intermediate_results, input_data, integrity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   owner_peer_id = excluded.owner_peer_id,
		   attempt = excluded.attempt,
		   progress = excluded.progress,
		   current_step = excluded.current_step,
		   completed_steps = excluded.completed_steps,
		   state = excluded.state,
		   intermediate_results = excluded.intermediate_results,
		   input_data = excluded.input_data,
		   integrity = excluded.integrity,
		   created_at = excluded.created_at`,
		cp.JobID, cp.OwnerPeerID, cp.Attempt, cp.Progress, cp.CurrentStep,
		steps, state, results, input, integrity, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}

	return tx.Commit()
}

// Load returns the latest checkpoint for jobID. Returns ErrNotFound when
// none exists and ErrCorrupted when the stored record fails validation.
func (s *Store) Load(jobID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var steps, state, results, input, integrity string

	err := s.db.Conn.QueryRow(
		`SELECT job_id, owner_peer_id, attempt, progress, current_step,
		        completed_steps, state, intermediate_results, input_data,
		        integrity, created_at
		 FROM checkpoints WHERE job_id = ?`,
		jobID).Scan(
		&cp.JobID, &cp.OwnerPeerID, &cp.Attempt, &cp.Progress, &cp.CurrentStep,
		&steps, &state, &results, &input, &integrity, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if integrityHash(cp, steps, state, results, input) != integrity {
		return nil, ErrCorrupted
	}

	if err := json.Unmarshal([]byte(steps), &cp.CompletedSteps); err != nil {
		return nil, ErrCorrupted
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, ErrCorrupted
	}
	if err := json.Unmarshal([]byte(results), &cp.IntermediateResults); err != nil {
		return nil, ErrCorrupted
	}
	if err := json.Unmarshal([]byte(input), &cp.InputData); err != nil {
		return nil, ErrCorrupted
	}

	return &cp, nil
}

// LatestAttempt returns the attempt counter of the stored checkpoint without
// validating the payload. Used to preserve attempt ordering when the rest of
// the record is corrupted.
func (s *Store) LatestAttempt(jobID string) (int, error) {
	var attempt int
	err := s.db.Conn.QueryRow(
		"SELECT attempt FROM checkpoints WHERE job_id = ?", jobID).Scan(&attempt)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint attempt: %w", err)
	}
	return attempt, nil
}

// Delete removes the checkpoint for a job that reached terminal success.
func (s *Store) Delete(jobID string) error {
	_, err := s.db.Conn.Exec("DELETE FROM checkpoints WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns metadata for all stored checkpoints, newest first.
func (s *Store) List() ([]models.Checkpoint, error) {
	rows, err := s.db.Conn.Query(
		"SELECT job_id, owner_peer_id, attempt, progress, current_step, created_at FROM checkpoints ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.JobID, &cp.OwnerPeerID, &cp.Attempt, &cp.Progress, &cp.CurrentStep, &cp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GC removes orphaned checkpoints older than the retention window and
// returns how many were collected.
func (s *Store) GC(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.Conn.Exec("DELETE FROM checkpoints WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to gc checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[checkpoint] garbage-collected %d orphaned checkpoint(s)", n)
	}
	return int(n), nil
}

func marshalPayload(cp models.Checkpoint) (steps, state, results, input string, err error) {
	b, err := json.Marshal(nonNilSlice(cp.CompletedSteps))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	steps = string(b)

	if b, err = json.Marshal(nonNilMap(cp.State)); err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal state: %w", err)
	}
	state = string(b)

	if b, err = json.Marshal(nonNilMap(cp.IntermediateResults)); err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal intermediate results: %w", err)
	}
	results = string(b)

	if b, err = json.Marshal(nonNilMap(cp.InputData)); err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal input data: %w", err)
	}
	input = string(b)

	return steps, state, results, input, nil
}

// integrityHash covers the fields a resuming peer depends on. The timestamp
// participates so a tampered created_at also fails validation.
func integrityHash(cp models.Checkpoint, steps, state, results, input string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%.9f|%s|%d",
		cp.JobID, cp.OwnerPeerID, cp.Attempt, cp.Progress, cp.CurrentStep, cp.CreatedAt.UnixNano())
	h.Write([]byte(steps))
	h.Write([]byte(state))
	h.Write([]byte(results))
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
