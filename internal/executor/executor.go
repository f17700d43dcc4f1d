package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/compute-swarm/agent/internal/checkpoint"
	"github.com/compute-swarm/agent/internal/models"
)

// ErrUnknownJobType is returned when no runner is registered for a job type.
var ErrUnknownJobType = errors.New("no runner registered for job type")

// Runner executes one job type. Runners drive the execution context to make
// their work resumable: skip steps the context marks completed, record
// results as they go, and let the context decide when to checkpoint.
type Runner interface {
	Run(ctx context.Context, ec *Context) (map[string]interface{}, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, ec *Context) (map[string]interface{}, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, ec *Context) (map[string]interface{}, error) {
	return f(ctx, ec)
}

// Registry maps job types to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a runner to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[jobType] = runner
}

// Lookup returns the runner for a job type.
func (r *Registry) Lookup(jobType string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[jobType]
	return runner, ok
}

// Executor runs awarded jobs with checkpoint-based resume. A job that dies
// mid-flight resumes from its latest durable checkpoint on the next attempt
// instead of restarting from scratch.
type Executor struct {
	selfID   string
	store    *checkpoint.Store
	registry *Registry
	opts     Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an executor for the local node.
func New(selfID string, store *checkpoint.Store, registry *Registry, opts Options) *Executor {
	return &Executor{
		selfID:   selfID,
		store:    store,
		registry: registry,
		opts:     opts.withDefaults(),
		running:  make(map[string]context.CancelFunc),
	}
}

// Execute runs job to completion, resuming from a persisted checkpoint when
// one exists. On success the job's checkpoint is deleted and the final
// results returned. On failure or cancellation the latest progress is flushed
// so a future attempt resumes instead of restarting.
func (e *Executor) Execute(ctx context.Context, job models.Job) (map[string]interface{}, error) {
	runner, ok := e.registry.Lookup(job.JobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
	}

	ec := e.restore(job)

	runCtx, cancel := context.WithCancel(ctx)
	e.track(job.ID, cancel)
	defer func() {
		cancel()
		e.untrack(job.ID)
	}()

	results, err := runner.Run(runCtx, ec)
	if err != nil {
		// Flush whatever progress the runner made; the next attempt picks
		// up from here.
		if cerr := ec.Checkpoint(); cerr != nil {
			log.Printf("[executor] failed to flush checkpoint for job %s: %v", job.ID, cerr)
		}
		return nil, fmt.Errorf("job %s attempt %d failed: %w", job.ID, ec.Attempt(), err)
	}

	ec.mergeResults(results)
	if err := e.store.Delete(job.ID); err != nil {
		log.Printf("[executor] failed to delete checkpoint for finished job %s: %v", job.ID, err)
	}
	log.Printf("[executor] job %s completed on attempt %d", job.ID, ec.Attempt())
	return ec.Results(), nil
}

// Cancel stops a running job. The executor's deferred flush persists the
// final checkpoint so the job can be migrated or resumed elsewhere.
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a job is currently executing.
func (e *Executor) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[jobID]
	return ok
}

// ActiveCount returns the number of jobs currently executing.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// restore builds the execution context for job, resuming from the stored
// checkpoint when a valid one exists. A corrupted checkpoint degrades to a
// fresh run that still advances the attempt counter.
func (e *Executor) restore(job models.Job) *Context {
	ec := newContext(job, e.selfID, e.store, e.opts)

	cp, err := e.store.Load(job.ID)
	switch {
	case err == nil:
		ec.resumeFrom(cp)
		log.Printf("[executor] resuming job %s at attempt %d, progress %.2f, step %q",
			job.ID, ec.Attempt(), cp.Progress, cp.CurrentStep)
	case errors.Is(err, checkpoint.ErrNotFound):
		// fresh run
	case errors.Is(err, checkpoint.ErrCorrupted):
		log.Printf("[executor] checkpoint for job %s is corrupted, degrading to fresh run", job.ID)
		if attempt, aerr := e.store.LatestAttempt(job.ID); aerr == nil {
			ec.attempt = attempt + 1
		}
	default:
		log.Printf("[executor] failed to load checkpoint for job %s: %v", job.ID, err)
	}

	return ec
}

func (e *Executor) track(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[jobID] = cancel
}

func (e *Executor) untrack(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, jobID)
}

// Options tunes the checkpointing behavior of execution contexts.
type Options struct {
	Strategy      Strategy
	Interval      time.Duration // time-based trigger
	ProgressDelta float64       // progress-based trigger
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyAutomatic
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ProgressDelta <= 0 {
		o.ProgressDelta = 0.25
	}
	return o
}

// Strategy selects when CheckpointIfNeeded actually persists.
type Strategy string

const (
	// StrategyTime checkpoints when the interval since the last persisted
	// checkpoint elapsed.
	StrategyTime Strategy = "time"
	// StrategyProgress checkpoints when progress advanced by at least the
	// configured delta since the last persisted checkpoint.
	StrategyProgress Strategy = "progress"
	// StrategyManual persists only on explicit Checkpoint calls.
	StrategyManual Strategy = "manual"
	// StrategyAutomatic is the union of time and progress triggers.
	StrategyAutomatic Strategy = "automatic"
)
