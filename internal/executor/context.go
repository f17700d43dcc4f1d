package executor

import (
	"sync"
	"time"

	"github.com/compute-swarm/agent/internal/checkpoint"
	"github.com/compute-swarm/agent/internal/models"
)

// Context is the handle a runner uses to make its execution resumable. It
// accumulates completed steps, intermediate results, opaque state, and
// progress, and persists them as checkpoints per the configured strategy.
type Context struct {
	mu    sync.Mutex
	job   models.Job
	owner string
	store *checkpoint.Store
	opts  Options

	attempt   int
	progress  float64
	current   string
	completed []string
	state     map[string]interface{}
	results   map[string]interface{}

	lastSaved    time.Time
	lastProgress float64

	now func() time.Time
}

func newContext(job models.Job, owner string, store *checkpoint.Store, opts Options) *Context {
	return &Context{
		job:     job,
		owner:   owner,
		store:   store,
		opts:    opts,
		attempt: 1,
		state:   make(map[string]interface{}),
		results: make(map[string]interface{}),
		now:     time.Now,
	}
}

// resumeFrom restores the context from a validated checkpoint. The attempt
// counter advances so checkpoint ordering can never regress across resumes.
func (c *Context) resumeFrom(cp *models.Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempt = cp.Attempt + 1
	c.progress = cp.Progress
	c.current = cp.CurrentStep
	c.completed = append([]string(nil), cp.CompletedSteps...)
	c.state = cp.State
	c.results = cp.IntermediateResults
	c.lastProgress = cp.Progress
	if c.state == nil {
		c.state = make(map[string]interface{})
	}
	if c.results == nil {
		c.results = make(map[string]interface{})
	}
}

// WasStepCompleted reports whether a named step already ran in a previous
// attempt. Runners use this to skip completed work after a resume.
func (c *Context) WasStepCompleted(step string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.completed {
		if s == step {
			return true
		}
	}
	return false
}

// RecordResult marks step completed with its result and checkpoints if the
// strategy calls for it. Recording the same step twice keeps the latest
// result without duplicating the step.
func (c *Context) RecordResult(step string, result interface{}) error {
	c.mu.Lock()
	if !c.hasStep(step) {
		c.completed = append(c.completed, step)
	}
	c.results[step] = result
	c.mu.Unlock()

	return c.CheckpointIfNeeded(step)
}

// SetState stores an opaque key/value pair carried across resumes.
func (c *Context) SetState(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// State returns the value stored under key, if any.
func (c *Context) State(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// SetProgress updates the job's progress fraction, clamped to [0, 1].
func (c *Context) SetProgress(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	c.progress = p
}

// Progress returns the current progress fraction.
func (c *Context) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Attempt returns the attempt counter for this execution.
func (c *Context) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Results returns a copy of the accumulated step results.
func (c *Context) Results() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]interface{}, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// CheckpointIfNeeded names the step currently executing and persists a
// checkpoint when the configured strategy's trigger fires; otherwise it is a
// cheap no-op. Safe to call in tight loops. An empty step keeps the previous
// step name.
func (c *Context) CheckpointIfNeeded(step string) error {
	c.mu.Lock()
	if step != "" {
		c.current = step
	}
	due := c.dueLocked()
	c.mu.Unlock()

	if !due {
		return nil
	}
	return c.Checkpoint()
}

// Checkpoint unconditionally persists the current execution snapshot.
func (c *Context) Checkpoint() error {
	c.mu.Lock()
	cp := c.snapshotLocked()
	c.mu.Unlock()

	if err := c.store.Save(cp); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSaved = cp.CreatedAt
	c.lastProgress = cp.Progress
	c.mu.Unlock()
	return nil
}

// dueLocked evaluates the strategy triggers. Caller holds c.mu.
func (c *Context) dueLocked() bool {
	timeDue := !c.lastSaved.IsZero() && c.now().Sub(c.lastSaved) >= c.opts.Interval
	if c.lastSaved.IsZero() {
		// Nothing persisted yet for this attempt; the interval counts from
		// the first trigger evaluation rather than process start.
		timeDue = false
		c.lastSaved = c.now()
	}
	progressDue := c.progress-c.lastProgress >= c.opts.ProgressDelta

	switch c.opts.Strategy {
	case StrategyManual:
		return false
	case StrategyTime:
		return timeDue
	case StrategyProgress:
		return progressDue
	default:
		return timeDue || progressDue
	}
}

func (c *Context) snapshotLocked() models.Checkpoint {
	return models.Checkpoint{
		JobID:               c.job.ID,
		OwnerPeerID:         c.owner,
		Attempt:             c.attempt,
		Progress:            c.progress,
		CurrentStep:         c.current,
		CompletedSteps:      append([]string(nil), c.completed...),
		State:               copyMap(c.state),
		IntermediateResults: copyMap(c.results),
		InputData:           c.job.Payload,
		CreatedAt:           c.now(),
	}
}

func (c *Context) hasStep(step string) bool {
	for _, s := range c.completed {
		if s == step {
			return true
		}
	}
	return false
}

// mergeResults folds the runner's final return value into the accumulated
// step results.
func (c *Context) mergeResults(final map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range final {
		c.results[k] = v
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
