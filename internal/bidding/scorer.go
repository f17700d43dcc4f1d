package bidding

import (
	"log"
	"math"
	"time"

	"github.com/compute-swarm/agent/internal/models"
	"github.com/compute-swarm/agent/internal/trust"
)

// LocalState is the node's own load and capability snapshot at bid time.
type LocalState struct {
	ActiveJobs     int
	MaxJobs        int
	CPUUtilization float64
	MemUtilization float64
	Capabilities   []string
	CompletedTypes map[string]int // completed job count per job type
}

// UtilityEstimator computes the raw utility of executing a job on this node,
// in [0, 1]. The default heuristic can be swapped for a learned model without
// touching the scoring pipeline.
type UtilityEstimator interface {
	EstimateUtility(job models.Job, state LocalState) float64
}

// HeuristicEstimator blends capability match, headroom, and job urgency into
// a raw utility value.
type HeuristicEstimator struct{}

// EstimateUtility implements UtilityEstimator.
func (HeuristicEstimator) EstimateUtility(job models.Job, state LocalState) float64 {
	// Capability match: fraction of the job's requirements this node covers.
	// No requirements means any node qualifies.
	capability := 1.0
	if len(job.Requirements) > 0 {
		have := make(map[string]bool, len(state.Capabilities))
		for _, c := range state.Capabilities {
			have[c] = true
		}
		matched := 0
		for _, req := range job.Requirements {
			if have[req] {
				matched++
			}
		}
		capability = float64(matched) / float64(len(job.Requirements))
	}
	if capability == 0 {
		return 0
	}

	// Load headroom: saturated nodes should not win new work.
	headroom := 1.0
	if state.MaxJobs > 0 {
		headroom = 1.0 - float64(state.ActiveJobs)/float64(state.MaxJobs)
	}
	if headroom <= 0 {
		return 0
	}
	utilization := (state.CPUUtilization + state.MemUtilization) / 2
	headroom *= 1.0 - clampUnit(utilization)*0.5

	// Urgency: jobs close to their deadline score higher for capable,
	// unloaded nodes.
	urgency := 0.5
	if !job.Deadline.IsZero() {
		remaining := time.Until(job.Deadline)
		switch {
		case remaining <= 0:
			urgency = 1.0
		case remaining < time.Minute:
			urgency = 0.9
		case remaining < 10*time.Minute:
			urgency = 0.7
		}
	}

	// Familiarity: small bonus for job types this node has completed before.
	familiarity := 0.0
	if n := state.CompletedTypes[job.JobType]; n > 0 {
		familiarity = math.Min(float64(n)*0.02, 0.1)
	}

	raw := capability*0.4 + headroom*0.3 + urgency*0.2 + clampUnit(job.Priority)*0.1 + familiarity
	return clampUnit(raw)
}

// Scorer decides whether this node bids on a job and at what score.
// Score = raw utility x trust factor x fairness modifier, clamped to [0, 1].
type Scorer struct {
	selfID    string
	ledger    *trust.Ledger
	fairness  *FairnessTracker
	estimator UtilityEstimator
	balance   func() float64

	now func() time.Time
}

// NewScorer creates a scorer for the local node. balance reports the node's
// available stake budget.
func NewScorer(selfID string, ledger *trust.Ledger, fairness *FairnessTracker, estimator UtilityEstimator, balance func() float64) *Scorer {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Scorer{
		selfID:    selfID,
		ledger:    ledger,
		fairness:  fairness,
		estimator: estimator,
		balance:   balance,
		now:       time.Now,
	}
}

// MinimumStake returns the stake a bid on job must carry.
func MinimumStake(job models.Job) float64 {
	return job.Payment * (0.1 + 0.1*clampUnit(job.Priority))
}

// ComputeBid evaluates job against the node's own state and returns a bid, or
// nil when the node abstains: self-quarantined, zero utility, or insufficient
// stake balance.
func (s *Scorer) ComputeBid(job models.Job, state LocalState) *models.Bid {
	// A node that knows itself quarantined does not bid at all; the check
	// runs before any scoring work.
	if s.ledger.IsQuarantined(s.selfID) {
		log.Printf("[bidding] abstaining from job %s: self-quarantined", job.ID)
		return nil
	}

	raw := s.estimator.EstimateUtility(job, state)
	if raw <= 0 {
		return nil
	}

	stake := MinimumStake(job)
	if s.balance != nil && s.balance() < stake {
		log.Printf("[bidding] abstaining from job %s: stake %.2f exceeds balance", job.ID, stake)
		return nil
	}

	// Sub-linear trust exponent keeps mid-trust peers competitive while
	// still separating them from low-trust ones.
	trustFactor := math.Pow(s.ledger.CurrentScore(s.selfID), 0.7)
	score := clampUnit(raw * trustFactor * s.fairness.Modifier(s.selfID))
	if score <= 0 {
		return nil
	}

	return &models.Bid{
		JobID:         job.ID,
		PeerID:        s.selfID,
		Score:         score,
		StakeAmount:   stake,
		EstimatedTime: estimateDuration(job, state),
		SubmittedAt:   s.now(),
	}
}

// estimateDuration is a coarse seconds estimate scaled by current load.
func estimateDuration(job models.Job, state LocalState) float64 {
	base := 60.0
	if !job.Deadline.IsZero() {
		if remaining := time.Until(job.Deadline).Seconds(); remaining > 0 {
			base = remaining * 0.5
		}
	}
	loadFactor := 1.0
	if state.MaxJobs > 0 {
		loadFactor += float64(state.ActiveJobs) / float64(state.MaxJobs)
	}
	return base * loadFactor
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
