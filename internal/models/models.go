package models

import (
	"time"
)

// Job represents a unit of work announced to the swarm.
// Jobs are immutable once announced.
type Job struct {
	ID           string                 `json:"job_id"`
	JobType      string                 `json:"job_type"`
	Priority     float64                `json:"priority"`
	Payment      float64                `json:"payment"`
	Deadline     time.Time              `json:"deadline"`
	Requirements []string               `json:"requirements"`
	Payload      map[string]interface{} `json:"payload"`
	Verify       bool                   `json:"verify"`
	Verifiers    int                    `json:"verifiers"`
	SubmittedAt  time.Time              `json:"submitted_at"`
}

// Bid is a peer's signed offer to execute a job.
type Bid struct {
	JobID         string    `json:"job_id"`
	PeerID        string    `json:"peer_id"`
	Score         float64   `json:"score"`
	StakeAmount   float64   `json:"stake_amount"`
	EstimatedTime float64   `json:"estimated_time"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// AuctionOutcome is the terminal result of an auction.
type AuctionOutcome string

const (
	OutcomePending AuctionOutcome = "pending"
	OutcomeAwarded AuctionOutcome = "awarded"
	OutcomeNoAward AuctionOutcome = "no_award"
)

// AuctionState tracks the auction lifecycle.
type AuctionState string

const (
	AuctionAnnounced  AuctionState = "announced"
	AuctionCollecting AuctionState = "collecting"
	AuctionElecting   AuctionState = "electing"
	AuctionAwarded    AuctionState = "awarded"
	AuctionExpired    AuctionState = "expired"
)

// Auction holds the per-job bidding round. At most one open auction per job id.
type Auction struct {
	JobID       string         `json:"job_id"`
	Epoch       uint64         `json:"epoch"`
	AnnouncedAt time.Time      `json:"announced_at"`
	BidDeadline time.Time      `json:"bid_deadline"`
	Bids        map[string]Bid `json:"bids"` // keyed by peer id, latest bid wins
	Coordinator string         `json:"coordinator"`
	State       AuctionState   `json:"state"`
	Outcome     AuctionOutcome `json:"outcome"`
	Winner      string         `json:"winner,omitempty"`
	Retries     int            `json:"retries"`
}

// TrustEventKind classifies an observed peer outcome.
type TrustEventKind string

const (
	TrustSuccess     TrustEventKind = "success"
	TrustLateSuccess TrustEventKind = "late_success"
	TrustFailure     TrustEventKind = "failure"
	TrustTimeout     TrustEventKind = "timeout"
	TrustMalicious   TrustEventKind = "malicious"
)

// TrustEvent is one entry in a peer's append-only reputation log.
type TrustEvent struct {
	ID         int            `db:"id" json:"id"`
	PeerID     string         `db:"peer_id" json:"peer_id"`
	Kind       TrustEventKind `db:"kind" json:"kind"`
	Delta      float64        `db:"delta" json:"delta"`
	ScoreAfter float64        `db:"score_after" json:"score_after"`
	JobID      string         `db:"job_id" json:"job_id,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// TrustRecord is this node's local view of a remote peer's reputation.
// Trust is locally computed, asymmetric, and never globally synchronized.
type TrustRecord struct {
	PeerID          string    `db:"peer_id" json:"peer_id"`
	Score           float64   `db:"score" json:"score"`
	QuarantineUntil time.Time `db:"quarantine_until" json:"quarantine_until,omitempty"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Quarantined reports whether the peer is quarantined at the given instant.
func (r TrustRecord) Quarantined(now time.Time) bool {
	return now.Before(r.QuarantineUntil)
}

// Checkpoint is a durable snapshot of a job's execution progress.
// Exactly one latest checkpoint is retained per job id.
type Checkpoint struct {
	JobID               string                 `db:"job_id" json:"job_id"`
	OwnerPeerID         string                 `db:"owner_peer_id" json:"owner_peer_id"`
	Attempt             int                    `db:"attempt" json:"attempt"`
	Progress            float64                `db:"progress" json:"progress"`
	CompletedSteps      []string               `json:"completed_steps"`
	CurrentStep         string                 `db:"current_step" json:"current_step"`
	State               map[string]interface{} `json:"state"`
	IntermediateResults map[string]interface{} `json:"intermediate_results"`
	InputData           map[string]interface{} `json:"input_data"`
	CreatedAt           time.Time              `db:"created_at" json:"created_at"`
}

// CoordinatorTerm records one deterministic election result.
// Superseded whenever the live-peer-set changes materially.
type CoordinatorTerm struct {
	Epoch       uint64    `json:"epoch"`
	Coordinator string    `json:"coordinator"`
	PeerSetHash string    `json:"peer_set_hash"`
	ElectedAt   time.Time `json:"elected_at"`
	ValidUntil  time.Time `json:"valid_until"`
}

// AwardRecord is one entry in the bounded award-history window consumed by
// the fairness modifier.
type AwardRecord struct {
	ID        int       `db:"id" json:"id"`
	JobID     string    `db:"job_id" json:"job_id"`
	WinnerID  string    `db:"winner_id" json:"winner_id"`
	Payment   float64   `db:"payment" json:"payment"`
	AwardedAt time.Time `db:"awarded_at" json:"awarded_at"`
}

// JobStatus is what the status surface exposes for a job.
type JobStatus struct {
	JobID    string         `json:"job_id"`
	State    AuctionState   `json:"state"`
	Outcome  AuctionOutcome `json:"outcome"`
	Winner   string         `json:"winner,omitempty"`
	Progress float64        `json:"progress"`
	Attempt  int            `json:"attempt"`
}
