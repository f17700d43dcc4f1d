package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compute-swarm/agent/internal/config"
	"github.com/compute-swarm/agent/internal/executor"
	"github.com/compute-swarm/agent/internal/models"
	"github.com/compute-swarm/agent/internal/p2p"
	"github.com/compute-swarm/agent/internal/storage"
)

// hub is an in-memory broadcast fabric standing in for gossipsub.
type hub struct {
	mu     sync.Mutex
	inboxs map[string]chan []byte
}

func newHub() *hub {
	return &hub{inboxs: make(map[string]chan []byte)}
}

func (h *hub) join(id string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []byte, 256)
	h.inboxs[id] = ch
	return ch
}

func (h *hub) broadcast(from string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.inboxs {
		if id == from {
			continue
		}
		select {
		case ch <- data:
		default:
		}
	}
}

// fakeTransport satisfies Transport over the hub with a real identity key so
// envelope signatures verify end to end.
type fakeTransport struct {
	hub   *hub
	priv  crypto.PrivKey
	id    string
	inbox chan []byte
}

func newFakeTransport(t *testing.T, h *hub) *fakeTransport {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	return &fakeTransport{
		hub:   h,
		priv:  priv,
		id:    pid.String(),
		inbox: h.join(pid.String()),
	}
}

func (f *fakeTransport) Publish(ctx context.Context, env *p2p.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	f.hub.broadcast(f.id, data)
	return nil
}

func (f *fakeTransport) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-f.inbox:
		return data, nil
	}
}

func (f *fakeTransport) IDString() string        { return f.id }
func (f *fakeTransport) PrivKey() crypto.PrivKey { return f.priv }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	cfg.Auction.BidWindowSeconds = 1
	cfg.Auction.AwardWaitSeconds = 2
	cfg.Auction.RetryBackoffSecs = 1
	cfg.P2P.HeartbeatSeconds = 1
	cfg.P2P.LivenessSeconds = 5
	return cfg
}

func newTestSwarm(t *testing.T, h *hub) *Swarm {
	t.Helper()
	cfg := testConfig(t)

	db, err := storage.New(filepath.Join(cfg.Node.DataDir, "agent.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateInline())
	t.Cleanup(func() { db.Close() })

	s, err := NewSwarm(cfg, newFakeTransport(t, h), db)
	require.NoError(t, err)

	s.Registry().Register("pipeline", executor.RunnerFunc(
		func(ctx context.Context, ec *executor.Context) (map[string]interface{}, error) {
			if err := ec.RecordResult("work", "done"); err != nil {
				return nil, err
			}
			ec.SetProgress(1.0)
			return map[string]interface{}{"status": "ok"}, nil
		}))
	return s
}

func TestSwarm_SingleNodeFullLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s := newTestSwarm(t, newHub())
	go s.Run(ctx)

	job, err := s.SubmitJob(ctx, JobSubmission{JobType: "pipeline"})
	require.NoError(t, err)

	// Defaults are applied on submission.
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 0.5, job.Priority)
	assert.Equal(t, 100.0, job.Payment)
	assert.False(t, job.Deadline.IsZero())

	// A lone node elects itself coordinator, awards itself, and executes.
	require.Eventually(t, func() bool {
		st, ok := s.Status(job.ID)
		return ok && st.Outcome == models.OutcomeAwarded && st.Winner == s.selfID
	}, 10*time.Second, 100*time.Millisecond)

	// Execution success attests into the local trust ledger.
	require.Eventually(t, func() bool {
		return s.Ledger().CurrentScore(s.selfID) > 0.5
	}, 10*time.Second, 100*time.Millisecond)
}

func TestSwarm_TwoNodesExactlyOneAward(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	h := newHub()
	a := newTestSwarm(t, h)
	b := newTestSwarm(t, h)
	go a.Run(ctx)
	go b.Run(ctx)

	job, err := a.SubmitJob(ctx, JobSubmission{JobType: "pipeline"})
	require.NoError(t, err)

	// Both nodes converge on the same single winner.
	var winnerSeenByA, winnerSeenByB string
	require.Eventually(t, func() bool {
		sa, oka := a.Status(job.ID)
		sb, okb := b.Status(job.ID)
		if !oka || !okb {
			return false
		}
		winnerSeenByA, winnerSeenByB = sa.Winner, sb.Winner
		return sa.Outcome == models.OutcomeAwarded && sb.Outcome == models.OutcomeAwarded
	}, 15*time.Second, 100*time.Millisecond)

	assert.Equal(t, winnerSeenByA, winnerSeenByB)
	assert.Contains(t, []string{a.selfID, b.selfID}, winnerSeenByA)

	// The winner's success attestation reaches the other node's ledger.
	require.Eventually(t, func() bool {
		return a.Ledger().CurrentScore(winnerSeenByA) > 0.5 &&
			b.Ledger().CurrentScore(winnerSeenByA) > 0.5
	}, 10*time.Second, 100*time.Millisecond)
}

func TestSwarm_FailedJobReauctionedFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	s := newTestSwarm(t, newHub())

	var mu sync.Mutex
	var attempts []int
	var resumedProgress float64
	s.Registry().Register("flaky", executor.RunnerFunc(
		func(ctx context.Context, ec *executor.Context) (map[string]interface{}, error) {
			mu.Lock()
			if ec.Attempt() > 1 {
				resumedProgress = ec.Progress()
			}
			attempts = append(attempts, ec.Attempt())
			mu.Unlock()

			if ec.Attempt() == 1 {
				ec.SetProgress(0.5)
				if err := ec.Checkpoint(); err != nil {
					return nil, err
				}
				return nil, errors.New("transient worker fault")
			}
			ec.SetProgress(1.0)
			return map[string]interface{}{"status": "ok"}, nil
		}))
	go s.Run(ctx)

	job, err := s.SubmitJob(ctx, JobSubmission{JobType: "flaky"})
	require.NoError(t, err)

	// The failure sends the job back to auction; the second award resumes
	// from the preserved checkpoint instead of restarting.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	}, 15*time.Second, 100*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts[:2])
	assert.Equal(t, 0.5, resumedProgress)
	mu.Unlock()

	require.Eventually(t, func() bool {
		st, ok := s.Status(job.ID)
		return ok && st.Outcome == models.OutcomeAwarded && st.Winner == s.selfID
	}, 10*time.Second, 100*time.Millisecond)
}

func TestSwarm_SubmitJobKeepsExplicitZeroValues(t *testing.T) {
	s := newTestSwarm(t, newHub())

	zero := 0.0
	job, err := s.SubmitJob(context.Background(), JobSubmission{
		JobType:  "pipeline",
		Priority: &zero,
		Payment:  &zero,
	})
	require.NoError(t, err)
	assert.Zero(t, job.Priority)
	assert.Zero(t, job.Payment)
}

func maliciousReport(t *testing.T, sender, jobID, victim string) *p2p.Envelope {
	t.Helper()
	body, err := json.Marshal(p2p.OutcomePayload{JobID: jobID, PeerID: victim, Outcome: models.TrustMalicious})
	require.NoError(t, err)
	return &p2p.Envelope{Sender: sender, Type: p2p.MsgOutcome, Body: body}
}

func TestSwarm_RepeatedMaliciousReportsCountOnce(t *testing.T) {
	s := newTestSwarm(t, newHub())

	job, err := s.SubmitJob(context.Background(), JobSubmission{JobType: "pipeline"})
	require.NoError(t, err)

	victim := "peer-victim"
	s.handleOutcome(context.Background(), maliciousReport(t, "peer-accuser", job.ID, victim))
	assert.InDelta(t, 0.2, s.Ledger().CurrentScore(victim), 1e-9)

	// The same accuser repeating the report for the same job changes nothing.
	s.handleOutcome(context.Background(), maliciousReport(t, "peer-accuser", job.ID, victim))
	assert.InDelta(t, 0.2, s.Ledger().CurrentScore(victim), 1e-9)

	// Reports referencing jobs this node never saw are dropped.
	s.handleOutcome(context.Background(), maliciousReport(t, "peer-accuser", "job-unknown", "peer-other"))
	assert.Equal(t, 0.5, s.Ledger().CurrentScore("peer-other"))

	// As are reports with no job reference at all.
	s.handleOutcome(context.Background(), maliciousReport(t, "peer-accuser", "", "peer-other"))
	assert.Equal(t, 0.5, s.Ledger().CurrentScore("peer-other"))
}

func TestSwarm_CancelUnknownJob(t *testing.T) {
	s := newTestSwarm(t, newHub())
	assert.False(t, s.CancelJob("job-none"))
}

func TestSwarm_StatusUnknownJob(t *testing.T) {
	s := newTestSwarm(t, newHub())
	_, ok := s.Status("job-none")
	assert.False(t, ok)
}
