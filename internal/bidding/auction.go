package bidding

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/compute-swarm/agent/internal/election"
	"github.com/compute-swarm/agent/internal/models"
)

// ErrNoAuction is returned for messages referencing a job with no open auction.
var ErrNoAuction = errors.New("no open auction for job")

// ErrBidClosed is returned for bids arriving after the bid window elapsed.
var ErrBidClosed = errors.New("bid window closed")

// ErrNoBids is returned when a winner is requested for an auction that
// collected no bids.
var ErrNoBids = errors.New("auction collected no bids")

// ErrStaleCoordinator is returned when an award's claimed coordinator does not
// match the local election result for the award's epoch.
var ErrStaleCoordinator = errors.New("award from stale coordinator")

// ErrNotElecting is returned when a winner is requested before the bid window
// was closed.
var ErrNotElecting = errors.New("auction still collecting bids")

// EngineConfig tunes auction timing and retry behavior.
type EngineConfig struct {
	BidWindow    time.Duration
	AwardWait    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Engine runs the per-job auction state machine:
// announced -> collecting -> electing -> awarded | expired.
// It is driven by the swarm service, which feeds it announce, bid, and award
// messages and closes bid windows on its timers.
type Engine struct {
	mu       sync.Mutex
	selfID   string
	elector  *election.Elector
	fairness *FairnessTracker
	cfg      EngineConfig

	auctions map[string]*models.Auction // open auctions by job id
	jobs     map[string]models.Job
	archive  map[string]*models.Auction // terminal auctions by job id

	now func() time.Time
}

// NewEngine creates an auction engine for the local node.
func NewEngine(selfID string, elector *election.Elector, fairness *FairnessTracker, cfg EngineConfig) *Engine {
	if cfg.BidWindow <= 0 {
		cfg.BidWindow = 2 * time.Second
	}
	if cfg.AwardWait <= 0 {
		cfg.AwardWait = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	return &Engine{
		selfID:   selfID,
		elector:  elector,
		fairness: fairness,
		cfg:      cfg,
		auctions: make(map[string]*models.Auction),
		jobs:     make(map[string]models.Job),
		archive:  make(map[string]*models.Auction),
		now:      time.Now,
	}
}

// Open starts (or idempotently rejoins) the auction for a job announcement.
// Duplicate announcements for the same (job, epoch) return a snapshot of the
// existing round; a higher epoch supersedes a lingering older round.
func (e *Engine) Open(job models.Job, epoch uint64, livePeers []string) (*models.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.auctions[job.ID]; ok {
		if a.Epoch == epoch {
			return cloneAuction(a), nil
		}
		if a.Epoch > epoch {
			return nil, fmt.Errorf("announcement for job %s at epoch %d superseded by epoch %d", job.ID, epoch, a.Epoch)
		}
		// Higher epoch: the previous round died with its coordinator.
		log.Printf("[auction] job %s re-announced at epoch %d, discarding round at epoch %d", job.ID, epoch, a.Epoch)
	}

	retries := 0
	if prev, ok := e.archive[job.ID]; ok && prev.Outcome != models.OutcomeAwarded {
		retries = prev.Retries
	}

	now := e.now()
	a := &models.Auction{
		JobID:       job.ID,
		Epoch:       epoch,
		AnnouncedAt: now,
		BidDeadline: now.Add(e.cfg.BidWindow),
		Bids:        make(map[string]models.Bid),
		Coordinator: e.elector.Elect(epoch, livePeers),
		State:       models.AuctionCollecting,
		Outcome:     models.OutcomePending,
		Retries:     retries,
	}
	e.auctions[job.ID] = a
	e.jobs[job.ID] = job
	return cloneAuction(a), nil
}

// AddBid records a bid in the open auction. One bid per peer; a later bid
// from the same peer replaces its earlier one. Bids after the deadline are
// rejected.
func (e *Engine) AddBid(bid models.Bid) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[bid.JobID]
	if !ok {
		return ErrNoAuction
	}
	if a.State != models.AuctionCollecting || e.now().After(a.BidDeadline) {
		return ErrBidClosed
	}

	a.Bids[bid.PeerID] = bid
	return nil
}

// CloseBidding transitions an auction out of the collecting phase once its
// bid window elapsed. Idempotent.
func (e *Engine) CloseBidding(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[jobID]
	if !ok {
		return ErrNoAuction
	}
	if a.State == models.AuctionCollecting {
		a.State = models.AuctionElecting
	}
	return nil
}

// IsCoordinator reports whether this node coordinates the open auction.
func (e *Engine) IsCoordinator(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[jobID]
	return ok && a.Coordinator == e.selfID
}

// SelectWinner deterministically picks the winning bid of a closed auction:
// highest score, ties broken by lowest peer id. Any peer running this over
// the same bid set arrives at the same winner.
func (e *Engine) SelectWinner(jobID string) (*models.Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[jobID]
	if !ok {
		return nil, ErrNoAuction
	}
	if a.State == models.AuctionCollecting {
		return nil, ErrNotElecting
	}
	if len(a.Bids) == 0 {
		return nil, ErrNoBids
	}

	var winner *models.Bid
	for peer := range a.Bids {
		b := a.Bids[peer]
		if winner == nil || b.Score > winner.Score || (b.Score == winner.Score && b.PeerID < winner.PeerID) {
			winner = &b
		}
	}
	return winner, nil
}

// AcceptAward validates and applies an award message. The claimed coordinator
// is checked against the local election result for the award's epoch, so an
// award signed by a node that is no longer (or never was) the coordinator is
// discarded without any tie-break protocol. Duplicate awards for the same
// (job, epoch) are idempotent.
func (e *Engine) AcceptAward(jobID, winnerID, coordinatorID string, epoch uint64, livePeers []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.archive[jobID]; ok && prev.Outcome == models.OutcomeAwarded {
		if prev.Epoch == epoch && prev.Winner == winnerID {
			return nil
		}
		return fmt.Errorf("job %s already awarded to %s at epoch %d", jobID, prev.Winner, prev.Epoch)
	}

	if expected := e.elector.Elect(epoch, livePeers); expected != coordinatorID {
		log.Printf("[auction] rejecting award for job %s: coordinator %s, local election says %s", jobID, coordinatorID, expected)
		return ErrStaleCoordinator
	}

	a, ok := e.auctions[jobID]
	if !ok {
		return ErrNoAuction
	}
	if a.Epoch != epoch {
		return ErrStaleCoordinator
	}

	a.State = models.AuctionAwarded
	a.Outcome = models.OutcomeAwarded
	a.Winner = winnerID
	e.archiveLocked(a)

	if e.fairness != nil {
		e.fairness.RecordAward(jobID, winnerID, e.jobs[jobID].Payment)
	}
	return nil
}

// Expire ends an open auction without an award. It returns the backoff until
// the next announcement and whether a retry is allowed; once retries are
// exhausted the job is archived as unschedulable.
func (e *Engine) Expire(jobID string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[jobID]
	if !ok {
		return 0, false
	}

	a.State = models.AuctionExpired
	a.Retries++
	e.archiveLocked(a)

	if a.Retries >= e.cfg.MaxRetries {
		a.Outcome = models.OutcomeNoAward
		log.Printf("[auction] job %s unschedulable after %d attempts", jobID, a.Retries)
		return 0, false
	}
	return e.cfg.RetryBackoff * time.Duration(a.Retries), true
}

// Release reopens an awarded job whose execution failed so it can re-enter
// auction with its checkpoint preserved. The failure consumes one retry;
// returns the backoff before the next announcement and whether a retry is
// allowed. Once retries are exhausted the job stays archived as
// unschedulable.
func (e *Engine) Release(jobID string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.archive[jobID]
	if !ok || a.Outcome != models.OutcomeAwarded {
		return 0, false
	}

	a.Retries++
	a.Winner = ""
	a.State = models.AuctionExpired
	if a.Retries >= e.cfg.MaxRetries {
		a.Outcome = models.OutcomeNoAward
		log.Printf("[auction] job %s unschedulable after %d attempts", jobID, a.Retries)
		return 0, false
	}
	a.Outcome = models.OutcomePending
	return e.cfg.RetryBackoff * time.Duration(a.Retries), true
}

// Get returns a snapshot of the auction for jobID, open rounds first, then
// archived ones. Snapshots are safe to read and marshal while the round keeps
// mutating.
func (e *Engine) Get(jobID string) (*models.Auction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.auctions[jobID]; ok {
		return cloneAuction(a), true
	}
	if a, ok := e.archive[jobID]; ok {
		return cloneAuction(a), true
	}
	return nil, false
}

// Job returns the announced job for jobID, if known.
func (e *Engine) Job(jobID string) (models.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobID]
	return j, ok
}

// OpenAuctions snapshots the auctions still collecting or electing, for the
// status surface.
func (e *Engine) OpenAuctions() []*models.Auction {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.Auction, 0, len(e.auctions))
	for _, a := range e.auctions {
		out = append(out, cloneAuction(a))
	}
	return out
}

// archiveLocked moves an auction to the terminal archive. Caller holds e.mu.
func (e *Engine) archiveLocked(a *models.Auction) {
	delete(e.auctions, a.JobID)
	e.archive[a.JobID] = a
}

// cloneAuction copies an auction including its bid map so readers never share
// memory with the round the engine keeps mutating.
func cloneAuction(a *models.Auction) *models.Auction {
	c := *a
	c.Bids = make(map[string]models.Bid, len(a.Bids))
	for peer, b := range a.Bids {
		c.Bids[peer] = b
	}
	return &c
}
