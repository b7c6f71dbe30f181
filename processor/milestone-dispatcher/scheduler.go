package milestonedispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blas1n/bsai-sub001/workflow"
)

// SchedulerStatus is the lifecycle state of a Scheduler.
type SchedulerStatus string

const (
	StatusIdle      SchedulerStatus = "idle"
	StatusRunning   SchedulerStatus = "running"
	StatusPaused    SchedulerStatus = "paused"
	StatusCompleted SchedulerStatus = "completed"
	StatusFailed    SchedulerStatus = "failed"
)

var (
	// ErrCancelled is returned by Run when the scheduler is cancelled or its
	// context ends before every milestone reached a terminal status.
	ErrCancelled = errors.New("scheduler cancelled")

	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Pause reasons reported through PauseEvent.
const (
	PauseBreakpoint = "breakpoint"
	PauseAfterEach  = "pause_after_each"
	PauseOnFailure  = "failure"
	PauseRequested  = "requested"
)

// ItemResult is the outcome of executing one milestone.
type ItemResult struct {
	MilestoneID string        `json:"milestone_id"`
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// ExecuteFunc runs a single milestone. A returned error is recorded as a
// failed result.
type ExecuteFunc func(ctx context.Context, m workflow.Milestone) (ItemResult, error)

// PauseEvent describes why the scheduler paused.
type PauseEvent struct {
	MilestoneID string
	Reason      string
}

// Options configures a Scheduler.
type Options struct {
	MaxParallel          int
	PollInterval         time.Duration
	BreakpointMilestones []string
	PauseAfterEach       bool
	PauseOnFailure       bool

	// OnComplete is called from the control loop for every milestone that
	// reaches a terminal status, including blocked milestones.
	OnComplete func(ItemResult)

	// OnPause is called from the control loop when the scheduler pauses itself.
	OnPause func(PauseEvent)

	Metrics *Metrics
	Logger  *slog.Logger
}

// Summary reports the end state of a Run.
type Summary struct {
	Status   SchedulerStatus
	Results  []ItemResult
	Passed   int
	Failed   int
	Stats    map[workflow.MilestoneStatus]int
	Duration time.Duration
}

// Scheduler executes milestones in dependency order with at most
// MaxParallel running at once.
type Scheduler struct {
	graph       *DependencyGraph
	opts        Options
	breakpoints map[string]bool
	logger      *slog.Logger

	// Execution semaphore for max_parallel
	sem chan struct{}

	mu         sync.Mutex
	status     SchedulerStatus
	resumeCh   chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewScheduler creates a scheduler over items. It fails if the items do not
// form a valid dependency graph.
func NewScheduler(items []workflow.Milestone, opts Options) (*Scheduler, error) {
	graph, err := NewDependencyGraph(items)
	if err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	if opts.MaxParallel < 1 {
		opts.MaxParallel = DefaultConfig().MaxParallel
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breakpoints := make(map[string]bool, len(opts.BreakpointMilestones))
	for _, id := range opts.BreakpointMilestones {
		breakpoints[id] = true
	}

	return &Scheduler{
		graph:       graph,
		opts:        opts,
		breakpoints: breakpoints,
		logger:      logger.With("component", "milestone-scheduler"),
		sem:         make(chan struct{}, opts.MaxParallel),
		status:      StatusIdle,
		resumeCh:    make(chan struct{}, 1),
		cancelCh:    make(chan struct{}),
	}, nil
}

// Graph returns the scheduler's dependency graph.
func (s *Scheduler) Graph() *DependencyGraph {
	return s.graph
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pause stops new milestones from starting. Running milestones finish.
// It returns false if the scheduler was not running.
func (s *Scheduler) Pause() bool {
	return s.pause(PauseEvent{Reason: PauseRequested}, false)
}

// Resume continues a paused scheduler. It is a no-op returning false
// unless the scheduler is paused.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPaused {
		return false
	}
	s.status = StatusRunning
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
	s.logger.Info("Scheduler resumed")
	return true
}

// Cancel stops the scheduler. Milestones already executing are left to
// finish but their results are ignored.
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
	})
	s.mu.Lock()
	if s.status != StatusCompleted {
		s.status = StatusFailed
	}
	s.mu.Unlock()
}

func (s *Scheduler) pause(ev PauseEvent, notify bool) bool {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	// Drop a stale resume signal so the next wait blocks.
	select {
	case <-s.resumeCh:
	default:
	}
	s.status = StatusPaused
	s.mu.Unlock()

	s.logger.Info("Scheduler paused", "milestone_id", ev.MilestoneID, "reason", ev.Reason)
	if notify && s.opts.OnPause != nil {
		s.opts.OnPause(ev)
	}
	return true
}

func (s *Scheduler) cancelled(ctx context.Context) bool {
	select {
	case <-s.cancelCh:
		return true
	case <-ctx.Done():
		s.Cancel()
		return true
	default:
		return false
	}
}

type completion struct {
	id      string
	result  ItemResult
	ignored bool
}

// execution is the per-Run state owned by the control loop.
type execution struct {
	exec        ExecuteFunc
	launched    map[string]bool
	outstanding int
	results     []ItemResult
	completions chan completion
}

// Run executes every milestone and returns when all are terminal, or with
// ErrCancelled when cancelled. Individual milestone failures do not stop
// the run.
func (s *Scheduler) Run(ctx context.Context, exec ExecuteFunc) (*Summary, error) {
	startedAt := time.Now()

	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		if status == StatusFailed {
			return s.summary(nil, startedAt), ErrCancelled
		}
		return nil, ErrAlreadyStarted
	}
	s.status = StatusRunning
	s.mu.Unlock()

	e := &execution{
		exec:        exec,
		launched:    make(map[string]bool, s.graph.Len()),
		completions: make(chan completion, s.graph.Len()),
	}

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	s.logger.Info("Scheduler started", "milestones", s.graph.Len(), "max_parallel", s.opts.MaxParallel)

	for {
		if s.cancelled(ctx) {
			s.logger.Info("Scheduler cancelled", "outstanding", e.outstanding)
			return s.summary(e.results, startedAt), ErrCancelled
		}
		if e.outstanding == 0 && s.graph.AllCompleted() {
			break
		}

		if s.Status() == StatusPaused {
			select {
			case <-s.resumeCh:
			case c := <-e.completions:
				s.handle(e, c)
			case <-s.cancelCh:
			case <-ctx.Done():
			}
			continue
		}

		if s.launchReady(ctx, e) {
			continue
		}

		if e.outstanding > 0 {
			select {
			case c := <-e.completions:
				s.handle(e, c)
			case <-poll.C:
			case <-s.cancelCh:
			case <-ctx.Done():
			}
			continue
		}

		s.failStuck(e)
	}

	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusPaused {
		s.status = StatusCompleted
	}
	s.mu.Unlock()

	summary := s.summary(e.results, startedAt)
	s.logger.Info("Scheduler finished",
		"passed", summary.Passed,
		"failed", summary.Failed,
		"duration", summary.Duration)
	return summary, nil
}

// launchReady starts ready milestones up to the free capacity and reports
// whether anything was started.
func (s *Scheduler) launchReady(ctx context.Context, e *execution) bool {
	slots := s.opts.MaxParallel - e.outstanding
	if slots <= 0 {
		return false
	}

	started := false
	for _, m := range s.graph.ReadySet() {
		if slots == 0 {
			break
		}
		if e.launched[m.ID] {
			continue
		}
		e.launched[m.ID] = true
		e.outstanding++
		slots--
		started = true

		s.logger.Debug("Dispatching milestone", "milestone_id", m.ID)
		go s.runUnit(ctx, m, e.exec, e.completions)
	}
	return started
}

// runUnit acquires a semaphore slot, executes one milestone, records its
// terminal status, and reports on completions.
func (s *Scheduler) runUnit(ctx context.Context, m workflow.Milestone, exec ExecuteFunc, completions chan<- completion) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.cancelCh:
		completions <- completion{id: m.ID, ignored: true}
		return
	case <-ctx.Done():
		completions <- completion{id: m.ID, ignored: true}
		return
	}

	if !s.graph.MarkInProgress(m.ID) {
		completions <- completion{id: m.ID, ignored: true}
		return
	}

	s.opts.Metrics.start()
	startedAt := time.Now()
	result, err := s.invoke(ctx, exec, m)
	s.opts.Metrics.done()

	result.MilestoneID = m.ID
	if err != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	if !result.Success && result.Error == "" {
		result.Error = "milestone failed"
	}
	if result.Duration == 0 {
		result.Duration = time.Since(startedAt)
	}
	if result.Attempts == 0 {
		result.Attempts = 1
	}

	select {
	case <-s.cancelCh:
		completions <- completion{id: m.ID, ignored: true}
		return
	default:
	}

	if result.Success {
		s.graph.MarkCompleted(m.ID)
	} else {
		s.graph.MarkFailed(m.ID, result.Error)
	}
	completions <- completion{id: m.ID, result: result}
}

func (s *Scheduler) invoke(ctx context.Context, exec ExecuteFunc, m workflow.Milestone) (result ItemResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, m)
}

// handle records a completion and evaluates pause triggers.
func (s *Scheduler) handle(e *execution, c completion) {
	e.outstanding--
	if c.ignored {
		return
	}
	s.record(e, c.result)

	if e.outstanding == 0 && s.graph.AllCompleted() {
		return
	}

	ev := PauseEvent{MilestoneID: c.id}
	switch {
	case s.breakpoints[c.id]:
		ev.Reason = PauseBreakpoint
	case s.opts.PauseAfterEach:
		ev.Reason = PauseAfterEach
	case !c.result.Success && s.opts.PauseOnFailure:
		ev.Reason = PauseOnFailure
	default:
		return
	}
	s.pause(ev, true)
}

func (s *Scheduler) record(e *execution, result ItemResult) {
	e.results = append(e.results, result)

	outcome := "passed"
	if !result.Success {
		outcome = "failed"
		s.logger.Warn("Milestone failed", "milestone_id", result.MilestoneID, "error", result.Error)
	} else {
		s.logger.Debug("Milestone passed", "milestone_id", result.MilestoneID, "duration", result.Duration)
	}
	s.opts.Metrics.finish(outcome)

	if s.opts.OnComplete != nil {
		s.opts.OnComplete(result)
	}
}

// failStuck resolves milestones that can never become ready. Blocked
// milestones fail with their failed dependency; if none are blocked the
// remainder fail as unsatisfiable. These failures trigger PauseOnFailure
// like executed ones, unless nothing is left to run.
func (s *Scheduler) failStuck(e *execution) {
	var first string
	fail := func(id, reason string) {
		if s.graph.MarkFailed(id, reason) {
			s.record(e, ItemResult{MilestoneID: id, Error: reason})
			if first == "" {
				first = id
			}
		}
	}

	if blocked := s.graph.BlockedSet(); len(blocked) > 0 {
		for _, m := range blocked {
			fail(m.ID, fmt.Sprintf("blocked by failed dependency: %s", s.graph.FailedDependency(m.ID)))
		}
	} else {
		for _, m := range s.graph.Pending() {
			fail(m.ID, "unsatisfiable dependencies")
		}
	}

	if first != "" && s.opts.PauseOnFailure && !s.graph.AllCompleted() {
		s.pause(PauseEvent{MilestoneID: first, Reason: PauseOnFailure}, true)
	}
}

func (s *Scheduler) summary(results []ItemResult, startedAt time.Time) *Summary {
	sum := &Summary{
		Status:   s.Status(),
		Results:  results,
		Stats:    s.graph.Stats(),
		Duration: time.Since(startedAt),
	}
	for _, r := range results {
		if r.Success {
			sum.Passed++
		} else {
			sum.Failed++
		}
	}
	return sum
}
