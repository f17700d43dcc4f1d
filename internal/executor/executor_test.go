package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/compute-swarm/agent/internal/checkpoint"
	"github.com/compute-swarm/agent/internal/models"
	"github.com/compute-swarm/agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*checkpoint.Store, *storage.DB) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateInline())
	t.Cleanup(func() { db.Close() })
	return checkpoint.NewStore(db), db
}

func testJob() models.Job {
	return models.Job{
		ID:      "job-1",
		JobType: "pipeline",
		Payload: map[string]interface{}{"source": "dataset-7"},
	}
}

// pipelineRunner walks fixed steps and optionally fails partway through,
// simulating a node crash mid-job.
func pipelineRunner(failAt string) RunnerFunc {
	steps := []string{"preprocess", "process", "postprocess"}
	return func(ctx context.Context, ec *Context) (map[string]interface{}, error) {
		for i, step := range steps {
			if ec.WasStepCompleted(step) {
				continue
			}
			if step == failAt {
				ec.SetProgress(float64(i) / float64(len(steps)))
				return nil, errors.New("worker crashed")
			}
			ec.SetProgress(float64(i+1) / float64(len(steps)))
			if err := ec.RecordResult(step, step+"-done"); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"status": "ok"}, nil
	}
}

func newTestExecutor(t *testing.T, store *checkpoint.Store, runner Runner, opts Options) *Executor {
	t.Helper()
	reg := NewRegistry()
	reg.Register("pipeline", runner)
	return New("peer-a", store, reg, opts)
}

func TestExecutor_RunToCompletion(t *testing.T) {
	store, _ := newTestStore(t)
	e := newTestExecutor(t, store, pipelineRunner(""), Options{})

	results, err := e.Execute(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, "ok", results["status"])
	assert.Equal(t, "preprocess-done", results["preprocess"])

	// Terminal success removes the checkpoint.
	_, err = store.Load("job-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestExecutor_CrashThenResumeSkipsCompletedSteps(t *testing.T) {
	store, _ := newTestStore(t)

	// First attempt crashes entering the second step. Progress strategy with
	// a small delta checkpoints after each completed step.
	opts := Options{Strategy: StrategyProgress, ProgressDelta: 0.1}
	e := newTestExecutor(t, store, pipelineRunner("process"), opts)

	_, err := e.Execute(context.Background(), testJob())
	require.Error(t, err)

	cp, err := store.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Attempt)
	assert.Contains(t, cp.CompletedSteps, "preprocess")

	// Second attempt resumes past preprocess. A runner that would fail in
	// preprocess proves the step was skipped rather than re-run.
	var reran bool
	resumed := RunnerFunc(func(ctx context.Context, ec *Context) (map[string]interface{}, error) {
		if ec.WasStepCompleted("preprocess") {
			reran = false
		} else {
			reran = true
		}
		require.Equal(t, 2, ec.Attempt())
		return pipelineRunner("").Run(ctx, ec)
	})
	e2 := newTestExecutor(t, store, resumed, opts)

	results, err := e2.Execute(context.Background(), testJob())
	require.NoError(t, err)
	assert.False(t, reran)
	assert.Equal(t, "ok", results["status"])
	assert.Equal(t, "preprocess-done", results["preprocess"])
}

func TestExecutor_CorruptedCheckpointDegradesToFreshRun(t *testing.T) {
	store, db := newTestStore(t)

	cp := models.Checkpoint{
		JobID:          "job-1",
		OwnerPeerID:    "peer-a",
		Attempt:        3,
		Progress:       0.5,
		CompletedSteps: []string{"preprocess"},
		CreatedAt:      time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Save(cp))

	// Tamper so the integrity check fails on load.
	corruptCheckpoint(t, db, "job-1")

	var sawFreshSteps bool
	var attempt int
	runner := RunnerFunc(func(ctx context.Context, ec *Context) (map[string]interface{}, error) {
		sawFreshSteps = !ec.WasStepCompleted("preprocess")
		attempt = ec.Attempt()
		return map[string]interface{}{}, nil
	})

	e := newTestExecutor(t, store, runner, Options{})

	_, err := e.Execute(context.Background(), testJob())
	require.NoError(t, err)

	// Degraded resume: steps restart but the attempt counter still advances
	// past the unreadable record.
	assert.True(t, sawFreshSteps)
	assert.Equal(t, 4, attempt)
}

func TestExecutor_CancelFlushesFinalCheckpoint(t *testing.T) {
	store, _ := newTestStore(t)

	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, ec *Context) (map[string]interface{}, error) {
		require.NoError(t, ec.RecordResult("preprocess", "done"))
		ec.SetProgress(0.5)
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	e := newTestExecutor(t, store, runner, Options{Strategy: StrategyManual})

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), testJob())
		done <- err
	}()

	<-started
	require.True(t, e.Cancel("job-1"))
	require.Error(t, <-done)

	cp, err := store.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, cp.Progress)
	assert.Contains(t, cp.CompletedSteps, "preprocess")
	assert.False(t, e.Running("job-1"))
}

func TestExecutor_UnknownJobType(t *testing.T) {
	store, _ := newTestStore(t)
	e := New("peer-a", store, NewRegistry(), Options{})

	_, err := e.Execute(context.Background(), testJob())
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestContext_CheckpointIfNeededStrategies(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		progress float64
		elapse   time.Duration
		want     bool
	}{
		{"manual never auto-saves", Options{Strategy: StrategyManual}, 0.9, time.Hour, false},
		{"time trigger fires", Options{Strategy: StrategyTime, Interval: time.Minute}, 0, 2 * time.Minute, true},
		{"time trigger not yet due", Options{Strategy: StrategyTime, Interval: time.Minute}, 0.9, time.Second, false},
		{"progress trigger fires", Options{Strategy: StrategyProgress, ProgressDelta: 0.25}, 0.3, 0, true},
		{"progress below delta", Options{Strategy: StrategyProgress, ProgressDelta: 0.25}, 0.2, 0, false},
		{"automatic unions both", Options{Strategy: StrategyAutomatic, Interval: time.Minute, ProgressDelta: 0.25}, 0.3, time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			ec := newContext(testJob(), "peer-a", store, tt.opts.withDefaults())

			base := time.Now()
			ec.now = func() time.Time { return base }

			// Prime the trigger clock, then advance.
			require.NoError(t, ec.CheckpointIfNeeded("preprocess"))
			ec.now = func() time.Time { return base.Add(tt.elapse) }
			ec.SetProgress(tt.progress)

			require.NoError(t, ec.CheckpointIfNeeded("process"))

			cp, err := store.Load("job-1")
			if tt.want {
				require.NoError(t, err)
				assert.Equal(t, "process", cp.CurrentStep)
			} else {
				assert.ErrorIs(t, err, checkpoint.ErrNotFound)
			}
		})
	}
}

func TestContext_ExplicitCheckpointAlwaysPersists(t *testing.T) {
	store, _ := newTestStore(t)
	ec := newContext(testJob(), "peer-a", store, Options{Strategy: StrategyManual}.withDefaults())

	ec.SetProgress(0.1)
	// Under the manual strategy this only names the step; nothing persists
	// until the explicit Checkpoint below.
	require.NoError(t, ec.CheckpointIfNeeded("preprocess"))
	_, err := store.Load("job-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, ec.Checkpoint())

	cp, err := store.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, cp.Progress)
	assert.Equal(t, "preprocess", cp.CurrentStep)
}

func TestContext_CheckpointIfNeededNamesStep(t *testing.T) {
	store, _ := newTestStore(t)
	ec := newContext(testJob(), "peer-a", store, Options{Strategy: StrategyProgress, ProgressDelta: 0.1}.withDefaults())

	ec.SetProgress(0.5)
	require.NoError(t, ec.CheckpointIfNeeded("transform"))

	cp, err := store.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, "transform", cp.CurrentStep)

	// An empty step keeps the last named one.
	ec.SetProgress(0.7)
	require.NoError(t, ec.CheckpointIfNeeded(""))
	cp, err = store.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, "transform", cp.CurrentStep)
}

func TestContext_StateRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ec := newContext(testJob(), "peer-a", store, Options{}.withDefaults())

	ec.SetState("cursor", "row-500")
	require.NoError(t, ec.Checkpoint())

	cp, err := store.Load("job-1")
	require.NoError(t, err)

	restored := newContext(testJob(), "peer-a", store, Options{}.withDefaults())
	restored.resumeFrom(cp)

	v, ok := restored.State("cursor")
	require.True(t, ok)
	assert.Equal(t, "row-500", v)
	assert.Equal(t, 2, restored.Attempt())
}

// corruptCheckpoint flips stored state behind the store's back so the next
// load fails integrity validation.
func corruptCheckpoint(t *testing.T, db *storage.DB, jobID string) {
	t.Helper()
	_, err := db.Conn.Exec(
		"UPDATE checkpoints SET state = '{\"tampered\":true}' WHERE job_id = ?", jobID)
	require.NoError(t, err)
}
