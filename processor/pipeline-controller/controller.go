package pipelinecontroller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blas1n/bsai-sub001/eventbus"
	"github.com/blas1n/bsai-sub001/llm"
	"github.com/blas1n/bsai-sub001/messaging"
	milestonedispatcher "github.com/blas1n/bsai-sub001/processor/milestone-dispatcher"
	"github.com/blas1n/bsai-sub001/workflow"
	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

var (
	// ErrReplanLimitExceeded is a terminal run failure raised when a milestone
	// needs a replan after MaxReplans mutations.
	ErrReplanLimitExceeded = errors.New("replan limit exceeded")

	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned when acting on a run in a terminal state.
	ErrRunFinished = errors.New("run already finished")

	// ErrCancelled is recorded as the error of a cancelled run.
	ErrCancelled = errors.New("run cancelled")

	// ErrNotPaused is returned by ResumeExecution when no scheduler is paused.
	ErrNotPaused = errors.New("run execution is not paused")

	// ErrSessionMismatch is returned when an inbound message acts on a run
	// of another session.
	ErrSessionMismatch = errors.New("run belongs to another session")
)

// StartRequest starts a new run.
type StartRequest struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Request   string `json:"request"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithEventBus publishes run events on bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithTools hands tools to the generator.
func WithTools(tools ToolInvoker) Option {
	return func(c *Controller) { c.tools = tools }
}

// WithScheduler sets the milestone scheduler configuration. A MaxParallel
// above one executes independent milestones concurrently.
func WithScheduler(cfg milestonedispatcher.Config, metrics *milestonedispatcher.Metrics) Option {
	return func(c *Controller) {
		c.scheduler = cfg
		c.schedMetrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller drives pipeline runs.
type Controller struct {
	config       Config
	retry        llm.RetryConfig
	collab       Collaborators
	breakpoints  *breakpoint.Coordinator
	bus          *eventbus.Bus
	tools        ToolInvoker
	scheduler    milestonedispatcher.Config
	schedMetrics *milestonedispatcher.Metrics
	logger       *slog.Logger

	mu   sync.Mutex
	runs map[string]*runEntry
}

// runEntry is the in-memory handle of one run. mu is held for as long as the
// run is being driven; everything else may be touched from other goroutines.
type runEntry struct {
	mu     sync.Mutex
	run    *Run
	bypass breakpoint.Checkpoint

	snapMu   sync.RWMutex
	snapshot *Run

	cancelled atomic.Bool
	ctlMu     sync.Mutex
	cancel    context.CancelFunc
	sched     *milestonedispatcher.Scheduler
}

func (e *runEntry) setCancel(cancel context.CancelFunc) {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	e.cancel = cancel
}

func (e *runEntry) setScheduler(s *milestonedispatcher.Scheduler) {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	e.sched = s
}

// NewController creates a controller. A nil coordinator gets an in-memory
// coordinator with every breakpoint disabled.
func NewController(cfg Config, collab Collaborators, breakpoints *breakpoint.Coordinator, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if collab.Planner == nil || collab.Generator == nil || collab.Verifier == nil {
		return nil, fmt.Errorf("planner, generator, and verifier are required")
	}

	c := &Controller{
		config:    cfg,
		retry:     cfg.RetryConfig(),
		collab:    collab,
		scheduler: milestonedispatcher.Config{MaxParallel: 1},
		logger:    slog.Default(),
		runs:      make(map[string]*runEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "pipeline-controller")

	if err := c.scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if breakpoints == nil {
		breakpoints = breakpoint.NewCoordinator(breakpoint.Config{}, nil, c.logger)
	}
	c.breakpoints = breakpoints
	if c.bus == nil {
		c.bus = eventbus.New(c.logger)
	}
	return c, nil
}

// Bus returns the event bus runs publish on.
func (c *Controller) Bus() *eventbus.Bus {
	return c.bus
}

// Breakpoints returns the breakpoint coordinator.
func (c *Controller) Breakpoints() *breakpoint.Coordinator {
	return c.breakpoints
}

// Start creates a run and drives it until it suspends or finishes. The
// returned run is a snapshot.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if req.Request == "" {
		return nil, fmt.Errorf("request is required")
	}

	now := time.Now()
	run := &Run{
		ID:        "run-" + uuid.New().String(),
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		Request:   req.Request,
		State:     StatePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if run.SessionID == "" {
		run.SessionID = uuid.New().String()
	}
	if run.TaskID == "" {
		run.TaskID = run.ID
	}

	e := &runEntry{run: run}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.save(e)

	c.mu.Lock()
	c.runs[run.ID] = e
	c.mu.Unlock()

	c.logger.Info("Run started", "run_id", run.ID, "session_id", run.SessionID)
	c.emit(run.ref(), eventbus.EventTaskStarted, messaging.TaskStarted{
		TaskID:  run.TaskID,
		RunID:   run.ID,
		Request: run.Request,
	})

	c.drive(ctx, e)
	return e.run.Clone(), nil
}

// Resume applies a decision to a suspended run and drives it until it
// suspends again or finishes. A run suspended before a restart is rebuilt
// from its persisted suspension.
func (c *Controller) Resume(ctx context.Context, runID string, d breakpoint.Decision) (*Run, error) {
	e, err := c.lookup(ctx, runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}

	pending, err := c.breakpoints.Pending(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := decisionFits(pending.Checkpoint, d); err != nil {
		return nil, err
	}
	if _, err := c.breakpoints.Resume(ctx, runID, d); err != nil {
		return nil, err
	}

	run := e.run
	c.logger.Info("Run resumed",
		"run_id", runID,
		"checkpoint", pending.Checkpoint,
		"action", d.Action)
	c.emit(run.ref(), eventbus.EventBreakpointResumed, messaging.BreakpointResumed{
		TaskID:         run.TaskID,
		RunID:          run.ID,
		CheckpointName: string(pending.Checkpoint),
		Action:         string(d.Action),
	})

	if err := c.applyDecision(ctx, e, pending.Checkpoint, d); err != nil {
		c.fail(e, err)
		c.save(e)
		return e.run.Clone(), nil
	}
	c.save(e)

	c.drive(ctx, e)
	return e.run.Clone(), nil
}

// decisionFits rejects decisions whose payload does not match the checkpoint.
func decisionFits(cp breakpoint.Checkpoint, d breakpoint.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Action != breakpoint.ActionModify {
		return nil
	}
	switch cp {
	case breakpoint.CheckpointPlanReview:
		if d.Plan == nil {
			return fmt.Errorf("%w: modify at plan_review requires a plan", breakpoint.ErrInvalidDecision)
		}
		if err := d.Plan.Validate(); err != nil {
			return fmt.Errorf("%w: %w", breakpoint.ErrInvalidDecision, err)
		}
		if _, err := milestonedispatcher.NewDependencyGraph(d.Plan.Milestones); err != nil {
			return fmt.Errorf("%w: %w", breakpoint.ErrInvalidDecision, err)
		}
	case breakpoint.CheckpointExecution:
		if d.ModifiedOutput == "" {
			return fmt.Errorf("%w: modify at execution requires modified output", breakpoint.ErrInvalidDecision)
		}
	}
	return nil
}

// Cancel stops a run. A run that is being driven stops at its next step; a
// suspended run fails immediately and its suspension is discarded.
func (c *Controller) Cancel(runID string) error {
	e := c.entry(runID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	e.cancelled.Store(true)
	e.ctlMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	if e.sched != nil {
		e.sched.Cancel()
	}
	e.ctlMu.Unlock()

	if e.mu.TryLock() {
		defer e.mu.Unlock()
		if !e.run.State.IsTerminal() {
			c.fail(e, ErrCancelled)
			c.save(e)
		}
	}
	c.logger.Info("Run cancelled", "run_id", runID)
	return nil
}

// Get returns a snapshot of a run.
func (c *Controller) Get(runID string) (*Run, error) {
	e := c.entry(runID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapshot.Clone(), nil
}

// ResumeExecution releases a parallel run paused between milestones.
func (c *Controller) ResumeExecution(runID string) error {
	e := c.entry(runID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	e.ctlMu.Lock()
	sched := e.sched
	e.ctlMu.Unlock()
	if sched == nil || !sched.Resume() {
		return ErrNotPaused
	}

	e.snapMu.RLock()
	ref := e.snapshot.ref()
	e.snapMu.RUnlock()
	c.emit(ref, eventbus.EventBreakpointResumed, messaging.BreakpointResumed{
		TaskID:         ref.TaskID,
		RunID:          ref.ID,
		CheckpointName: string(breakpoint.CheckpointExecution),
		Action:         string(breakpoint.ActionApprove),
	})
	return nil
}

// SetBreakpoint enables or disables a checkpoint for one run.
func (c *Controller) SetBreakpoint(runID string, cp breakpoint.Checkpoint, enabled bool) error {
	if !cp.IsValid() {
		return fmt.Errorf("unknown checkpoint %q", cp)
	}
	c.breakpoints.SetOverride(runID, cp, enabled)
	return nil
}

// Register installs the inbound breakpoint handlers on router.
func (c *Controller) Register(router *messaging.Router) {
	messaging.HandleFunc(router, messaging.TypeBreakpointResume, func(ctx context.Context, sessionID string, p messaging.BreakpointResume) error {
		d := breakpoint.Decision{
			Action:         breakpoint.Action(p.Action),
			Feedback:       p.Feedback,
			ModifiedOutput: p.ModifiedOutput,
		}
		if len(p.ModifiedPlan) > 0 {
			var plan workflow.Plan
			if err := json.Unmarshal(p.ModifiedPlan, &plan); err != nil {
				return fmt.Errorf("%w: decode modified plan: %w", breakpoint.ErrInvalidDecision, err)
			}
			d.Plan = &plan
		}

		pending, err := c.breakpoints.Pending(ctx, p.RunID)
		if err != nil {
			return err
		}
		if pending.SessionID != sessionID {
			c.logger.Warn("Resume from foreign session rejected", "run_id", p.RunID, "session_id", sessionID)
			return fmt.Errorf("%w: %s", ErrSessionMismatch, p.RunID)
		}
		if err := decisionFits(pending.Checkpoint, d); err != nil {
			return err
		}

		// The run continues beyond the lifetime of the inbound frame.
		go func() {
			if _, err := c.Resume(context.WithoutCancel(ctx), p.RunID, d); err != nil {
				c.logger.Warn("Resume failed", "run_id", p.RunID, "error", err)
			}
		}()
		return nil
	})

	messaging.HandleFunc(router, messaging.TypeBreakpointOverride, func(ctx context.Context, sessionID string, p messaging.BreakpointOverride) error {
		owner, err := c.sessionOf(ctx, p.RunID)
		if err != nil {
			return err
		}
		if owner != sessionID {
			c.logger.Warn("Breakpoint override from foreign session rejected", "run_id", p.RunID, "session_id", sessionID)
			return fmt.Errorf("%w: %s", ErrSessionMismatch, p.RunID)
		}
		return c.SetBreakpoint(p.RunID, breakpoint.Checkpoint(p.Checkpoint), p.Enabled)
	})
}

// sessionOf returns the session a run belongs to, consulting the suspension
// store for runs not held in memory.
func (c *Controller) sessionOf(ctx context.Context, runID string) (string, error) {
	if e := c.entry(runID); e != nil {
		e.snapMu.RLock()
		defer e.snapMu.RUnlock()
		return e.snapshot.SessionID, nil
	}
	s, err := c.breakpoints.Pending(ctx, runID)
	if err != nil {
		if errors.Is(err, breakpoint.ErrNoSuspension) {
			return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return "", err
	}
	return s.SessionID, nil
}

func (c *Controller) entry(runID string) *runEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[runID]
}

// lookup returns the entry for runID, rebuilding it from the suspension store
// when the run is unknown in memory.
func (c *Controller) lookup(ctx context.Context, runID string) (*runEntry, error) {
	if e := c.entry(runID); e != nil {
		return e, nil
	}

	s, err := c.breakpoints.Pending(ctx, runID)
	if err != nil {
		if errors.Is(err, breakpoint.ErrNoSuspension) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	var run Run
	if err := json.Unmarshal(s.State, &run); err != nil {
		return nil, fmt.Errorf("restore run %s: %w", runID, err)
	}
	if run.ID != runID {
		return nil, fmt.Errorf("restore run %s: snapshot belongs to %q", runID, run.ID)
	}

	e := &runEntry{run: &run}
	e.snapshot = run.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.runs[runID]; existing != nil {
		return existing, nil
	}
	c.runs[runID] = e
	c.logger.Info("Restored suspended run", "run_id", runID, "state", run.State)
	return e, nil
}

// save publishes the driven run as the readable snapshot.
func (c *Controller) save(e *runEntry) {
	e.run.UpdatedAt = time.Now()
	snap := e.run.Clone()
	e.snapMu.Lock()
	e.snapshot = snap
	e.snapMu.Unlock()
}

// runRef identifies a run on emitted events.
type runRef struct {
	ID        string
	SessionID string
	TaskID    string
}

func (r *Run) ref() runRef {
	return runRef{ID: r.ID, SessionID: r.SessionID, TaskID: r.TaskID}
}

func (c *Controller) emit(ref runRef, t eventbus.EventType, payload any) {
	c.bus.Publish(eventbus.Event{
		Type:      t,
		SessionID: ref.SessionID,
		TaskID:    ref.TaskID,
		Payload:   payload,
	})
}
