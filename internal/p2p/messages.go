package p2p

import (
	"github.com/compute-swarm/agent/internal/models"
)

// AnnouncePayload carries a job announcement and the auction epoch it opens.
type AnnouncePayload struct {
	Job   models.Job `json:"job"`
	Epoch uint64     `json:"epoch"`
}

// BidPayload carries one peer's bid on an announced job.
type BidPayload struct {
	Bid models.Bid `json:"bid"`
}

// AwardPayload is the coordinator's award decision for one auction round.
type AwardPayload struct {
	JobID       string `json:"job_id"`
	WinnerID    string `json:"winner_id"`
	Coordinator string `json:"coordinator"`
	Epoch       uint64 `json:"epoch"`
}

// OutcomePayload attests an observed execution outcome so peers can update
// their local trust views.
type OutcomePayload struct {
	JobID   string                `json:"job_id"`
	PeerID  string                `json:"peer_id"`
	Outcome models.TrustEventKind `json:"outcome"`
}

// HeartbeatPayload advertises liveness and per-job progress. Progress is only
// reported for checkpoints that are already durable.
type HeartbeatPayload struct {
	ActiveJobs int                `json:"active_jobs"`
	Progress   map[string]float64 `json:"progress,omitempty"` // job id -> progress
}
