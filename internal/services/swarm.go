package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/compute-swarm/agent/internal/bidding"
	"github.com/compute-swarm/agent/internal/checkpoint"
	"github.com/compute-swarm/agent/internal/config"
	"github.com/compute-swarm/agent/internal/election"
	"github.com/compute-swarm/agent/internal/executor"
	"github.com/compute-swarm/agent/internal/models"
	"github.com/compute-swarm/agent/internal/p2p"
	"github.com/compute-swarm/agent/internal/storage"
	"github.com/compute-swarm/agent/internal/trust"
)

// Transport is the slice of the p2p node the swarm service depends on.
type Transport interface {
	Publish(ctx context.Context, env *p2p.Envelope) error
	Next(ctx context.Context) ([]byte, error)
	IDString() string
	PrivKey() crypto.PrivKey
}

// Swarm ties the auction engine, trust ledger, checkpoint store, and executor
// to the p2p transport. One instance runs per node; all message handling is
// funneled through a single dispatch loop so per-job state has one writer.
type Swarm struct {
	cfg       *config.Config
	transport Transport
	selfID    string

	guard       *p2p.ReplayGuard
	liveness    *p2p.Liveness
	elector     *election.Elector
	ledger      *trust.Ledger
	checkpoints *checkpoint.Store
	fairness    *bidding.FairnessTracker
	engine      *bidding.Engine
	scorer      *bidding.Scorer
	registry    *executor.Registry
	executor    *executor.Executor

	mu          sync.Mutex
	epoch       uint64
	origin      map[string]bool    // jobs announced by this node
	owners      map[string]string  // job id -> awarded executor
	committed   map[string]float64 // job id -> staked amount
	completed   map[string]int     // job type -> completed count
	remote      map[string]float64 // job id -> progress reported by owner
	accusations map[string]bool    // accuser|victim|job triples already counted
}

// NewSwarm wires a swarm service over the node-local database and transport.
func NewSwarm(cfg *config.Config, transport Transport, db *storage.DB) (*Swarm, error) {
	ledger, err := trust.NewLedger(db, trust.Options{
		StartingScore:       cfg.Trust.StartingScore,
		QuarantineThreshold: cfg.Trust.QuarantineThreshold,
		Cooldown:            cfg.Cooldown(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trust ledger: %w", err)
	}

	fairness, err := bidding.NewFairnessTracker(db, cfg.Auction.FairnessWindow, cfg.Auction.MaxWinShare)
	if err != nil {
		return nil, fmt.Errorf("failed to open fairness tracker: %w", err)
	}

	selfID := transport.IDString()
	elector := election.New()
	store := checkpoint.NewStore(db)
	registry := executor.NewRegistry()

	s := &Swarm{
		cfg:         cfg,
		transport:   transport,
		selfID:      selfID,
		guard:       p2p.NewReplayGuard(time.Duration(cfg.P2P.ReplayWindowSecs)*time.Second, time.Duration(cfg.P2P.FutureSkewSeconds)*time.Second),
		liveness:    p2p.NewLiveness(selfID, time.Duration(cfg.P2P.LivenessSeconds)*time.Second),
		elector:     elector,
		ledger:      ledger,
		checkpoints: store,
		fairness:    fairness,
		registry:    registry,
		origin:      make(map[string]bool),
		owners:      make(map[string]string),
		committed:   make(map[string]float64),
		completed:   make(map[string]int),
		remote:      make(map[string]float64),
		accusations: make(map[string]bool),
	}

	s.scorer = bidding.NewScorer(selfID, ledger, fairness, nil, s.availableStake)
	s.engine = bidding.NewEngine(selfID, elector, fairness, bidding.EngineConfig{
		BidWindow:    cfg.BidWindow(),
		AwardWait:    cfg.AwardWait(),
		MaxRetries:   cfg.Auction.MaxRetries,
		RetryBackoff: time.Duration(cfg.Auction.RetryBackoffSecs) * time.Second,
	})
	s.executor = executor.New(selfID, store, registry, executor.Options{
		Strategy:      executor.Strategy(cfg.Checkpoint.Strategy),
		Interval:      time.Duration(cfg.Checkpoint.IntervalSeconds) * time.Second,
		ProgressDelta: cfg.Checkpoint.ProgressDelta,
	})

	return s, nil
}

// Registry exposes the runner registry so callers can bind job types before
// the service starts.
func (s *Swarm) Registry() *executor.Registry {
	return s.registry
}

// Ledger exposes the trust ledger for the status surface.
func (s *Swarm) Ledger() *trust.Ledger {
	return s.ledger
}

// Checkpoints exposes the checkpoint store for the status surface.
func (s *Swarm) Checkpoints() *checkpoint.Store {
	return s.checkpoints
}

// Run drives the service until ctx is cancelled: background loops plus the
// message dispatch loop.
func (s *Swarm) Run(ctx context.Context) error {
	go s.heartbeatLoop(ctx)
	go s.livenessLoop(ctx)
	go s.gcLoop(ctx)

	for {
		data, err := s.transport.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[swarm] transport read failed: %v", err)
			continue
		}
		s.dispatch(ctx, data)
	}
}

// JobSubmission is an operator job request. Priority and Payment are pointers
// so an explicit zero is distinguishable from an unset field.
type JobSubmission struct {
	JobType      string
	Priority     *float64
	Payment      *float64
	Deadline     time.Time
	Requirements []string
	Payload      map[string]interface{}
	Verify       bool
	Verifiers    int
}

// SubmitJob fills defaults for unset fields, announces the job to the swarm,
// and opens the local auction round.
func (s *Swarm) SubmitJob(ctx context.Context, sub JobSubmission) (models.Job, error) {
	job := models.Job{
		ID:           uuid.New().String(),
		JobType:      sub.JobType,
		Priority:     0.5,
		Payment:      s.cfg.Auction.DefaultPayment,
		Deadline:     sub.Deadline,
		Requirements: sub.Requirements,
		Payload:      sub.Payload,
		Verify:       sub.Verify,
		Verifiers:    sub.Verifiers,
		SubmittedAt:  time.Now(),
	}
	if sub.Priority != nil {
		job.Priority = *sub.Priority
	}
	if sub.Payment != nil {
		job.Payment = *sub.Payment
	}
	if job.Deadline.IsZero() {
		job.Deadline = time.Now().Add(time.Duration(s.cfg.Auction.DeadlineHorizonSec) * time.Second)
	}

	s.mu.Lock()
	s.origin[job.ID] = true
	s.mu.Unlock()

	if err := s.announce(ctx, job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// CancelJob stops local execution of a job or abandons its pending auction.
// Dropping the origin mark keeps a cancelled job from being re-announced when
// its execution ends with an error.
func (s *Swarm) CancelJob(jobID string) bool {
	s.mu.Lock()
	delete(s.origin, jobID)
	s.mu.Unlock()

	if s.executor.Cancel(jobID) {
		return true
	}
	if _, ok := s.engine.Get(jobID); ok {
		s.engine.Expire(jobID)
		return true
	}
	return false
}

// Status reports the lifecycle view of one job.
func (s *Swarm) Status(jobID string) (models.JobStatus, bool) {
	a, ok := s.engine.Get(jobID)
	if !ok {
		return models.JobStatus{}, false
	}

	st := models.JobStatus{
		JobID:   a.JobID,
		State:   a.State,
		Outcome: a.Outcome,
		Winner:  a.Winner,
	}
	if cp, err := s.checkpoints.Load(jobID); err == nil {
		st.Progress = cp.Progress
		st.Attempt = cp.Attempt
	} else {
		s.mu.Lock()
		st.Progress = s.remote[jobID]
		s.mu.Unlock()
	}
	return st, true
}

// OpenAuctions lists in-flight auction rounds.
func (s *Swarm) OpenAuctions() []*models.Auction {
	return s.engine.OpenAuctions()
}

// LivePeers returns the current live-peer snapshot.
func (s *Swarm) LivePeers() []string {
	return s.liveness.Live()
}

// SelfID returns this node's peer id.
func (s *Swarm) SelfID() string {
	return s.selfID
}

// ActiveJobs returns how many jobs are executing locally.
func (s *Swarm) ActiveJobs() int {
	return s.executor.ActiveCount()
}

// Epoch returns the current election epoch.
func (s *Swarm) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// announce publishes a JOB_ANNOUNCE and processes it locally the same way a
// remote announcement would be.
func (s *Swarm) announce(ctx context.Context, job models.Job) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	env, err := p2p.Seal(s.transport.PrivKey(), s.selfID, p2p.MsgJobAnnounce, p2p.AnnouncePayload{Job: job, Epoch: epoch})
	if err != nil {
		return err
	}
	if err := s.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to announce job %s: %w", job.ID, err)
	}

	s.openAuction(ctx, job, epoch)
	return nil
}

// dispatch verifies and routes one raw transport message.
func (s *Swarm) dispatch(ctx context.Context, data []byte) {
	env, err := p2p.Open(data, s.guard)
	if err != nil {
		log.Printf("[swarm] dropping message: %v", err)
		return
	}

	// Any authenticated message proves the sender alive. A new peer changes
	// the membership snapshot, which starts a fresh election epoch.
	if s.liveness.Observe(env.Sender) {
		s.bumpEpoch("peer joined: " + env.Sender)
	}

	switch env.Type {
	case p2p.MsgJobAnnounce:
		s.handleAnnounce(ctx, env)
	case p2p.MsgBid:
		s.handleBid(env)
	case p2p.MsgAward:
		s.handleAward(ctx, env)
	case p2p.MsgOutcome:
		s.handleOutcome(ctx, env)
	case p2p.MsgHeartbeat:
		s.handleHeartbeat(env)
	default:
		log.Printf("[swarm] unknown message type %q from %s", env.Type, env.Sender)
	}
}

func (s *Swarm) handleAnnounce(ctx context.Context, env *p2p.Envelope) {
	var payload p2p.AnnouncePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[swarm] bad announce from %s: %v", env.Sender, err)
		return
	}
	s.openAuction(ctx, payload.Job, payload.Epoch)
}

// openAuction opens the local auction round, submits this node's own bid, and
// arms the bid-window timer.
func (s *Swarm) openAuction(ctx context.Context, job models.Job, epoch uint64) {
	if _, err := s.engine.Open(job, epoch, s.liveness.Live()); err != nil {
		log.Printf("[swarm] not opening auction for job %s: %v", job.ID, err)
		return
	}

	if bid := s.scorer.ComputeBid(job, s.localState()); bid != nil {
		if err := s.engine.AddBid(*bid); err == nil {
			s.publish(ctx, p2p.MsgBid, p2p.BidPayload{Bid: *bid})
		}
	}

	time.AfterFunc(s.cfg.BidWindow(), func() {
		s.closeAuction(ctx, job.ID, epoch)
	})
}

func (s *Swarm) handleBid(env *p2p.Envelope) {
	var payload p2p.BidPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[swarm] bad bid from %s: %v", env.Sender, err)
		return
	}
	if payload.Bid.PeerID != env.Sender {
		log.Printf("[swarm] dropping bid from %s claiming peer %s", env.Sender, payload.Bid.PeerID)
		return
	}
	if err := s.engine.AddBid(payload.Bid); err != nil {
		log.Printf("[swarm] rejected bid from %s for job %s: %v", env.Sender, payload.Bid.JobID, err)
	}
}

// closeAuction runs when the bid window elapses. The elected coordinator
// selects and broadcasts the winner; everyone else arms the award-wait timer.
func (s *Swarm) closeAuction(ctx context.Context, jobID string, epoch uint64) {
	a, ok := s.engine.Get(jobID)
	if !ok || a.Epoch != epoch || a.State == models.AuctionAwarded {
		return
	}
	if err := s.engine.CloseBidding(jobID); err != nil {
		return
	}

	if !s.engine.IsCoordinator(jobID) {
		time.AfterFunc(s.cfg.AwardWait(), func() {
			s.awardTimeout(ctx, jobID, epoch)
		})
		return
	}

	winner, err := s.engine.SelectWinner(jobID)
	if err != nil {
		if errors.Is(err, bidding.ErrNoBids) {
			log.Printf("[swarm] auction for job %s collected no bids", jobID)
			s.expireAndMaybeRetry(ctx, jobID)
		}
		return
	}

	payload := p2p.AwardPayload{JobID: jobID, WinnerID: winner.PeerID, Coordinator: s.selfID, Epoch: epoch}
	s.publish(ctx, p2p.MsgAward, payload)
	s.applyAward(ctx, payload)
}

func (s *Swarm) handleAward(ctx context.Context, env *p2p.Envelope) {
	var payload p2p.AwardPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[swarm] bad award from %s: %v", env.Sender, err)
		return
	}
	if payload.Coordinator != env.Sender {
		log.Printf("[swarm] dropping award from %s claiming coordinator %s", env.Sender, payload.Coordinator)
		return
	}
	s.applyAward(ctx, payload)
}

// applyAward validates an award against the local election and, when this
// node won, starts execution.
func (s *Swarm) applyAward(ctx context.Context, payload p2p.AwardPayload) {
	job, hasJob := s.engine.Job(payload.JobID)

	if err := s.engine.AcceptAward(payload.JobID, payload.WinnerID, payload.Coordinator, payload.Epoch, s.liveness.Live()); err != nil {
		log.Printf("[swarm] discarding award for job %s: %v", payload.JobID, err)
		return
	}

	s.mu.Lock()
	s.owners[payload.JobID] = payload.WinnerID
	s.mu.Unlock()

	if payload.WinnerID != s.selfID || !hasJob {
		return
	}

	s.mu.Lock()
	s.committed[payload.JobID] = bidding.MinimumStake(job)
	s.mu.Unlock()

	go s.execute(ctx, job)
}

// awardTimeout fires on non-coordinators when no award arrived in time.
func (s *Swarm) awardTimeout(ctx context.Context, jobID string, epoch uint64) {
	a, ok := s.engine.Get(jobID)
	if !ok || a.Epoch != epoch || a.State == models.AuctionAwarded {
		return
	}
	s.expireAndMaybeRetry(ctx, jobID)
}

// expireAndMaybeRetry closes the round without an award. The announcing node
// re-announces with backoff until retries are exhausted.
func (s *Swarm) expireAndMaybeRetry(ctx context.Context, jobID string) {
	job, hasJob := s.engine.Job(jobID)
	backoff, retry := s.engine.Expire(jobID)

	s.mu.Lock()
	isOrigin := s.origin[jobID]
	s.mu.Unlock()

	if !retry || !isOrigin || !hasJob {
		return
	}

	s.bumpEpoch("re-auction for job " + jobID)
	time.AfterFunc(backoff, func() {
		if err := s.announce(ctx, job); err != nil {
			log.Printf("[swarm] failed to re-announce job %s: %v", jobID, err)
		}
	})
}

// execute runs an awarded job and attests its outcome to the swarm.
func (s *Swarm) execute(ctx context.Context, job models.Job) {
	_, err := s.executor.Execute(ctx, job)

	s.mu.Lock()
	delete(s.committed, job.ID)
	s.mu.Unlock()

	outcome := models.TrustSuccess
	if err != nil {
		outcome = models.TrustFailure
		log.Printf("[swarm] job %s failed: %v", job.ID, err)
	} else {
		if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
			outcome = models.TrustLateSuccess
		}
		s.mu.Lock()
		s.completed[job.JobType]++
		s.mu.Unlock()
	}

	s.ledger.RecordEvent(s.selfID, outcome, job.ID)
	s.publish(ctx, p2p.MsgOutcome, p2p.OutcomePayload{JobID: job.ID, PeerID: s.selfID, Outcome: outcome})

	if outcome == models.TrustFailure {
		s.retryAfterFailure(ctx, job.ID)
	}
}

// retryAfterFailure puts a failed job back up for auction. Every node that
// observes the failure releases the award locally so the next round's award
// is acceptable everywhere; only the announcing node re-announces, under a
// fresh epoch, with backoff, and only while retries remain. The checkpoint
// survives, so the next winner resumes rather than restarts.
func (s *Swarm) retryAfterFailure(ctx context.Context, jobID string) {
	backoff, retry := s.engine.Release(jobID)

	s.mu.Lock()
	delete(s.owners, jobID)
	isOrigin := s.origin[jobID]
	s.mu.Unlock()

	if !retry || !isOrigin {
		return
	}
	job, ok := s.engine.Job(jobID)
	if !ok {
		return
	}

	s.bumpEpoch("retrying failed job " + jobID)
	time.AfterFunc(backoff, func() {
		if err := s.announce(ctx, job); err != nil {
			log.Printf("[swarm] failed to re-announce job %s: %v", jobID, err)
		}
	})
}

func (s *Swarm) handleOutcome(ctx context.Context, env *p2p.Envelope) {
	var payload p2p.OutcomePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[swarm] bad outcome from %s: %v", env.Sender, err)
		return
	}

	switch {
	case payload.PeerID == env.Sender:
		// Self-attested outcomes always count for the attesting peer.
	case payload.Outcome == models.TrustMalicious:
		// Third-party accusations must reference a job this node has seen and
		// count at most once per accuser, victim, and job, so a single peer
		// cannot grind a victim's score down with repeated reports.
		if payload.JobID == "" {
			return
		}
		if _, known := s.engine.Job(payload.JobID); !known {
			return
		}
		key := env.Sender + "|" + payload.PeerID + "|" + payload.JobID
		s.mu.Lock()
		seen := s.accusations[key]
		s.accusations[key] = true
		s.mu.Unlock()
		if seen {
			log.Printf("[swarm] ignoring repeated malicious report from %s against %s for job %s", env.Sender, payload.PeerID, payload.JobID)
			return
		}
	default:
		return
	}

	s.ledger.RecordEvent(payload.PeerID, payload.Outcome, payload.JobID)

	// A failure attestation from the executor sends the job back to auction
	// if this node announced it.
	if payload.Outcome == models.TrustFailure || payload.Outcome == models.TrustTimeout {
		s.retryAfterFailure(ctx, payload.JobID)
	}
}

func (s *Swarm) handleHeartbeat(env *p2p.Envelope) {
	var payload p2p.HeartbeatPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	s.mu.Lock()
	for jobID, progress := range payload.Progress {
		s.remote[jobID] = progress
	}
	s.mu.Unlock()
}

// heartbeatLoop advertises liveness and durable progress. Progress comes from
// persisted checkpoints only, so peers never see claims ahead of what this
// node could actually resume from.
func (s *Swarm) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.P2P.HeartbeatSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress := make(map[string]float64)
			if cps, err := s.checkpoints.List(); err == nil {
				for _, cp := range cps {
					if cp.OwnerPeerID == s.selfID && s.executor.Running(cp.JobID) {
						progress[cp.JobID] = cp.Progress
					}
				}
			}
			s.publish(ctx, p2p.MsgHeartbeat, p2p.HeartbeatPayload{
				ActiveJobs: s.executor.ActiveCount(),
				Progress:   progress,
			})
		}
	}
}

// livenessLoop detects dead peers, bumps the epoch, and re-auctions jobs
// whose executor disappeared.
func (s *Swarm) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.P2P.LivenessSeconds) * time.Second / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.liveness.Expired()
			if len(expired) == 0 {
				continue
			}
			s.bumpEpoch(fmt.Sprintf("%d peer(s) expired", len(expired)))
			for _, dead := range expired {
				s.ledger.RecordEvent(dead, models.TrustTimeout, "")
				s.reauctionOrphans(ctx, dead)
			}
		}
	}
}

// reauctionOrphans re-announces jobs whose awarded executor died. Only the
// newly elected coordinator does so, keeping exactly one re-announcement.
func (s *Swarm) reauctionOrphans(ctx context.Context, dead string) {
	s.mu.Lock()
	epoch := s.epoch
	var orphans []string
	for jobID, owner := range s.owners {
		if owner == dead {
			orphans = append(orphans, jobID)
			delete(s.owners, jobID)
		}
	}
	s.mu.Unlock()

	if len(orphans) == 0 {
		return
	}

	// Release locally on every node so the replacement award passes the
	// already-awarded check when it arrives.
	for _, jobID := range orphans {
		s.engine.Release(jobID)
	}

	if s.elector.Elect(epoch, s.liveness.Live()) != s.selfID {
		return
	}

	for _, jobID := range orphans {
		job, ok := s.engine.Job(jobID)
		if !ok {
			continue
		}
		log.Printf("[swarm] re-auctioning job %s after executor %s died", jobID, dead)
		if err := s.announce(ctx, job); err != nil {
			log.Printf("[swarm] failed to re-announce orphaned job %s: %v", jobID, err)
		}
	}
}

// gcLoop removes checkpoints past the retention window.
func (s *Swarm) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.Checkpoint.GCIntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retention := time.Duration(s.cfg.Checkpoint.RetentionHours) * time.Hour
			if _, err := s.checkpoints.GC(retention); err != nil {
				log.Printf("[swarm] checkpoint gc failed: %v", err)
			}
		}
	}
}

func (s *Swarm) publish(ctx context.Context, msgType p2p.MessageType, body interface{}) {
	env, err := p2p.Seal(s.transport.PrivKey(), s.selfID, msgType, body)
	if err != nil {
		log.Printf("[swarm] failed to seal %s: %v", msgType, err)
		return
	}
	if err := s.transport.Publish(ctx, env); err != nil {
		log.Printf("[swarm] failed to publish %s: %v", msgType, err)
	}
}

func (s *Swarm) bumpEpoch(reason string) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	log.Printf("[swarm] epoch advanced to %d (%s)", epoch, reason)
}

// availableStake is the stake budget minus amounts committed to running jobs.
func (s *Swarm) availableStake() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.cfg.Node.StakeBudget
	for _, stake := range s.committed {
		available -= stake
	}
	return available
}

func (s *Swarm) localState() bidding.LocalState {
	s.mu.Lock()
	completed := make(map[string]int, len(s.completed))
	for k, v := range s.completed {
		completed[k] = v
	}
	s.mu.Unlock()

	return bidding.LocalState{
		ActiveJobs:     s.executor.ActiveCount(),
		MaxJobs:        s.cfg.Node.MaxJobs,
		Capabilities:   s.cfg.Node.Capabilities,
		CompletedTypes: completed,
	}
}
