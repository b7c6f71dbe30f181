package pipelinecontroller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blas1n/bsai-sub001/eventbus"
	"github.com/blas1n/bsai-sub001/llm"
	"github.com/blas1n/bsai-sub001/messaging"
	milestonedispatcher "github.com/blas1n/bsai-sub001/processor/milestone-dispatcher"
	"github.com/blas1n/bsai-sub001/workflow"
	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

// drive steps the run through its states until it suspends or reaches a
// terminal state. The caller holds e.mu.
func (c *Controller) drive(ctx context.Context, e *runEntry) {
	ctx, cancel := context.WithCancel(ctx)
	e.setCancel(cancel)
	defer func() {
		e.setCancel(nil)
		cancel()
	}()

	run := e.run
	for !run.State.IsTerminal() {
		if e.cancelled.Load() {
			c.fail(e, ErrCancelled)
			break
		}

		var (
			suspended bool
			err       error
		)
		switch run.State {
		case StatePlanning:
			err = c.plan(ctx, e)
		case StatePlanReview:
			suspended, err = c.review(ctx, e)
		case StateExecuting:
			err = c.execute(ctx, e)
		case StateVerifying:
			err = c.verify(ctx, e)
		case StateCheckpoint:
			suspended, err = c.checkpoint(ctx, e)
		case StateAdvancing:
			err = c.advance(e)
		case StateResponding:
			err = c.respond(ctx, e)
		default:
			err = fmt.Errorf("unknown state %q", run.State)
		}

		if err != nil {
			if e.cancelled.Load() || errors.Is(err, milestonedispatcher.ErrCancelled) {
				err = ErrCancelled
			}
			c.fail(e, err)
			break
		}
		c.save(e)
		if suspended {
			c.logger.Info("Run suspended", "run_id", run.ID, "state", run.State)
			return
		}
	}
	c.save(e)
}

// setState moves the run to target.
func (c *Controller) setState(e *runEntry, target State) error {
	run := e.run
	if !run.State.CanTransitionTo(target) {
		return fmt.Errorf("invalid state transition: %s -> %s", run.State, target)
	}
	c.logger.Debug("Run state changed", "run_id", run.ID, "from", run.State, "to", target)
	run.State = target
	return nil
}

// fail ends the run with a structural failure.
func (c *Controller) fail(e *runEntry, err error) {
	run := e.run
	if run.State.IsTerminal() {
		return
	}
	stage := run.State
	run.State = StateFailed
	if run.Outcome == "" {
		run.Outcome = OutcomeFailed
	}
	run.Error = err.Error()

	c.logger.Error("Run failed", "run_id", run.ID, "stage", stage, "error", err)
	c.emit(run.ref(), eventbus.EventTaskFailed, messaging.TaskFailed{
		TaskID: run.TaskID,
		Stage:  string(stage),
		Error:  run.Error,
	})
	c.breakpoints.Discard(context.Background(), run.ID)
}

func (c *Controller) plan(ctx context.Context, e *runEntry) error {
	run := e.run
	req := PlanRequest{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Request:   run.Request,
		Feedback:  run.Feedback,
		Previous:  run.Plan.Clone(),
	}

	plan, _, err := llm.Retry(ctx, c.retry, c.logger, "plan", func(ctx context.Context) (*workflow.Plan, error) {
		return c.collab.Planner.Plan(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("planning: planner returned no plan")
	}

	plan = plan.Clone()
	if err := c.adoptPlan(run, plan); err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	run.Feedback = ""

	c.logger.Info("Plan created",
		"run_id", run.ID,
		"plan_id", plan.ID,
		"milestones", len(plan.Milestones))
	c.emit(run.ref(), eventbus.EventTaskProgress, messaging.TaskProgress{
		TaskID:  run.TaskID,
		Stage:   string(StatePlanning),
		Total:   len(plan.Milestones),
		Message: plan.Title,
	})
	return c.setState(e, StatePlanReview)
}

// adoptPlan installs plan on the run as a fresh draft, with milestones
// ordered so each follows its dependencies.
func (c *Controller) adoptPlan(run *Run, plan *workflow.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	ordered, err := orderTail(plan.Milestones, 0)
	if err != nil {
		return err
	}
	if plan.ID == "" {
		plan.ID = workflow.NewPlanID()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	plan.SessionID = run.SessionID
	plan.Status = workflow.PlanStatusDraft
	plan.SetMilestones(ordered)
	plan.ResetProgress()
	run.Plan = plan
	return nil
}

// orderTail sorts items[from:] topologically, keeping plan order wherever
// the dependency edges allow. Sequential execution walks the result in
// order. items[:from] is left as is.
func orderTail(items []workflow.Milestone, from int) ([]workflow.Milestone, error) {
	graph, err := milestonedispatcher.NewDependencyGraph(items)
	if err != nil {
		return nil, err
	}
	from = max(from, 0)
	if from >= len(items) {
		return items, nil
	}

	tail := make(map[string]workflow.Milestone, len(items)-from)
	for _, m := range items[from:] {
		tail[m.ID] = m
	}
	out := make([]workflow.Milestone, 0, len(items))
	out = append(out, items[:from]...)
	for _, id := range graph.TopologicalOrder() {
		if m, ok := tail[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Controller) review(ctx context.Context, e *runEntry) (bool, error) {
	run := e.run
	if e.bypass != breakpoint.CheckpointPlanReview && c.breakpoints.ShouldSuspend(run.ID, breakpoint.CheckpointPlanReview) {
		return true, c.suspend(ctx, e, breakpoint.CheckpointPlanReview)
	}
	e.bypass = ""

	if err := run.Plan.Approve(); err != nil {
		return false, err
	}
	if err := run.Plan.Start(); err != nil {
		return false, err
	}
	return false, c.setState(e, StateExecuting)
}

// suspend persists the run at cp and announces the breakpoint.
func (c *Controller) suspend(ctx context.Context, e *runEntry, cp breakpoint.Checkpoint) error {
	run := e.run
	run.UpdatedAt = time.Now()
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("snapshot run: %w", err)
	}

	err = c.breakpoints.Suspend(ctx, breakpoint.Suspension{
		RunID:      run.ID,
		SessionID:  run.SessionID,
		TaskID:     run.TaskID,
		Checkpoint: cp,
		AgentType:  c.config.AgentType,
		State:      state,
	})
	if err != nil {
		return err
	}

	c.emit(run.ref(), eventbus.EventBreakpointHit, messaging.BreakpointHit{
		TaskID:         run.TaskID,
		SessionID:      run.SessionID,
		RunID:          run.ID,
		CheckpointName: string(cp),
		AgentType:      c.config.AgentType,
		CurrentState:   state,
	})
	return nil
}

// execute generates output for the next runnable milestone, or moves to
// responding when none is left.
func (c *Controller) execute(ctx context.Context, e *runEntry) error {
	if c.scheduler.MaxParallel > 1 {
		return c.executeParallel(ctx, e)
	}

	run := e.run
	plan := run.Plan
	for run.CurrentIndex < len(plan.Milestones) {
		m := &plan.Milestones[run.CurrentIndex]
		if m.Status.IsTerminal() {
			run.CurrentIndex++
			continue
		}
		if reason := unmetDependency(plan, m); reason != "" {
			c.failMilestone(run, m, reason)
			run.CurrentIndex++
			continue
		}
		break
	}
	if run.CurrentIndex >= len(plan.Milestones) {
		return c.setState(e, StateResponding)
	}

	m := &plan.Milestones[run.CurrentIndex]
	if run.RetryCount == 0 {
		m.Status = workflow.MilestoneStatusInProgress
		c.milestoneEvent(run.ref(), eventbus.EventMilestoneProgress, *m, run.CurrentIndex+1, m.Description)
	}

	gen, err := c.generate(ctx, run.ref(), *m, run.Feedback, run.RetryCount+1)
	if err != nil {
		return fmt.Errorf("generate milestone %s: %w", m.ID, err)
	}
	run.PendingOutput = gen.Output
	return c.setState(e, StateVerifying)
}

// unmetDependency returns the failure reason for a milestone that cannot
// run, or "". Plans are kept in dependency order, so a dependency that has
// not passed by now has failed.
func unmetDependency(plan *workflow.Plan, m *workflow.Milestone) string {
	unsatisfied := false
	for _, dep := range m.DependsOn {
		i := plan.Index(dep)
		if i < 0 {
			unsatisfied = true
			continue
		}
		switch plan.Milestones[i].Status {
		case workflow.MilestoneStatusPassed:
		case workflow.MilestoneStatusFailed, workflow.MilestoneStatusBlocked:
			return "blocked by failed dependency: " + dep
		default:
			unsatisfied = true
		}
	}
	if unsatisfied {
		return "unsatisfiable dependencies"
	}
	return ""
}

func (c *Controller) verify(ctx context.Context, e *runEntry) error {
	run := e.run
	m := &run.Plan.Milestones[run.CurrentIndex]

	verdict, err := c.verifyOutput(ctx, run.ref(), *m, run.PendingOutput)
	if err != nil {
		return fmt.Errorf("verify milestone %s: %w", m.ID, err)
	}
	if verdict.Passed {
		m.Feedback = verdict.Feedback
		if verdict.ReplanRequested {
			reason := verdict.ReplanReason
			if reason == "" {
				reason = verdict.Feedback
			}
			if err := c.replan(ctx, e, run.CurrentIndex+1, reason); err != nil {
				return err
			}
		}
		return c.setState(e, StateCheckpoint)
	}
	return c.reject(ctx, e, verdict.Feedback, verdict.ReplanRequested, verdict.ReplanReason)
}

// reject handles a failing verdict on the current milestone: retry within
// MaxRetries, otherwise fail it and replan the remaining milestones.
func (c *Controller) reject(ctx context.Context, e *runEntry, feedback string, replanRequested bool, replanReason string) error {
	run := e.run
	m := &run.Plan.Milestones[run.CurrentIndex]
	run.RetryCount++
	m.RetryCount = run.RetryCount
	m.Feedback = feedback

	if replanRequested {
		if replanReason == "" {
			replanReason = feedback
		}
		if err := c.replan(ctx, e, run.CurrentIndex+1, replanReason); err != nil {
			return err
		}
		m = &run.Plan.Milestones[run.CurrentIndex]
	}

	if run.RetryCount <= c.config.MaxRetries {
		run.Feedback = feedback
		c.logger.Info("Milestone retry",
			"run_id", run.ID,
			"milestone_id", m.ID,
			"retry_count", run.RetryCount,
			"max_retries", c.config.MaxRetries)
		c.milestoneEvent(run.ref(), eventbus.EventMilestoneRetry, *m, run.CurrentIndex+1, feedback)
		return c.setState(e, StateExecuting)
	}

	reason := feedback
	if reason == "" {
		reason = fmt.Sprintf("verification failed after %d attempts", run.RetryCount)
	}
	c.failMilestone(run, m, reason)
	failedID := m.ID
	run.RetryCount = 0
	run.Feedback = ""
	run.PendingOutput = ""

	// The failed milestone stays at CurrentIndex; execute skips terminal
	// milestones, so anything the replan inserts at that position still runs.
	if !replanRequested {
		if err := c.replan(ctx, e, run.CurrentIndex, fmt.Sprintf("milestone %s failed: %s", failedID, reason)); err != nil {
			return err
		}
	}
	return c.setState(e, StateExecuting)
}

// replan asks the replanner for modifications from index from onward and
// applies them. Exceeding MaxReplans fails the run.
func (c *Controller) replan(ctx context.Context, e *runEntry, from int, reason string) error {
	if c.collab.Replanner == nil {
		return nil
	}
	run := e.run
	if run.ReplanCount >= c.config.MaxReplans {
		return fmt.Errorf("%w: %d of %d used", ErrReplanLimitExceeded, run.ReplanCount, c.config.MaxReplans)
	}

	iteration := run.ReplanCount + 1
	req := ReplanRequest{
		RunID:        run.ID,
		SessionID:    run.SessionID,
		Plan:         run.Plan.Clone(),
		CurrentIndex: from,
		Reason:       reason,
		Iteration:    iteration,
	}
	mods, _, err := llm.Retry(ctx, c.retry, c.logger, "replan", func(ctx context.Context) ([]workflow.Modification, error) {
		return c.collab.Replanner.Replan(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("replan: %w", err)
	}

	items, report := workflow.ApplyModifications(run.Plan.Milestones, mods, from, iteration)
	items, err = orderTail(items, from)
	if err != nil {
		return fmt.Errorf("replan: modified plan is invalid: %w", err)
	}
	run.Plan.SetMilestones(items)
	run.ReplanCount = iteration

	c.logger.Info("Plan modified",
		"run_id", run.ID,
		"iteration", iteration,
		"applied", report.Applied,
		"skipped", len(report.Skipped))
	c.emit(run.ref(), eventbus.EventPlanModified, messaging.PlanModified{
		TaskID:          run.TaskID,
		ReplanIteration: iteration,
		Applied:         report.Applied,
		Skipped:         len(report.Skipped),
		TotalMilestones: len(items),
		Reason:          reason,
	})
	return nil
}

func (c *Controller) checkpoint(ctx context.Context, e *runEntry) (bool, error) {
	if e.bypass != breakpoint.CheckpointExecution && c.breakpoints.ShouldSuspend(e.run.ID, breakpoint.CheckpointExecution) {
		return true, c.suspend(ctx, e, breakpoint.CheckpointExecution)
	}
	e.bypass = ""
	return false, c.setState(e, StateAdvancing)
}

// advance marks the current milestone passed and moves to the next one.
func (c *Controller) advance(e *runEntry) error {
	run := e.run
	m := &run.Plan.Milestones[run.CurrentIndex]
	m.Status = workflow.MilestoneStatusPassed
	m.Output = run.PendingOutput
	m.FailureReason = ""
	run.Passed++

	c.milestoneEvent(run.ref(), eventbus.EventMilestoneComplete, *m, run.CurrentIndex+1, "")
	c.progress(run)

	run.CurrentIndex++
	run.RetryCount = 0
	run.Feedback = ""
	run.PendingOutput = ""
	return c.setState(e, StateExecuting)
}

func (c *Controller) respond(ctx context.Context, e *runEntry) error {
	run := e.run
	outcome := OutcomeCompleted
	if run.Failed > 0 {
		outcome = OutcomeCompletedWithFailures
	}
	if err := run.Plan.Complete(); err != nil {
		c.logger.Warn("Plan not completed", "run_id", run.ID, "error", err)
	}

	response := fmt.Sprintf("%d of %d milestones passed", run.Passed, len(run.Plan.Milestones))
	if c.collab.Responder != nil {
		req := RespondRequest{
			RunID:     run.ID,
			SessionID: run.SessionID,
			Request:   run.Request,
			Plan:      run.Plan.Clone(),
			Outcome:   outcome,
		}
		resp, _, err := llm.Retry(ctx, c.retry, c.logger, "respond", func(ctx context.Context) (string, error) {
			return c.collab.Responder.Respond(ctx, req)
		})
		if err != nil {
			return fmt.Errorf("respond: %w", err)
		}
		response = resp
	}

	run.Response = response
	run.Outcome = outcome
	c.breakpoints.ClearOverrides(run.ID)

	c.logger.Info("Run completed",
		"run_id", run.ID,
		"outcome", outcome,
		"passed", run.Passed,
		"failed", run.Failed)
	c.emit(run.ref(), eventbus.EventTaskCompleted, messaging.TaskCompleted{
		TaskID:   run.TaskID,
		Status:   string(outcome),
		Passed:   run.Passed,
		Failed:   run.Failed,
		Total:    len(run.Plan.Milestones),
		Response: response,
	})
	return c.setState(e, StateDone)
}

// applyDecision applies a reviewer decision at cp. The run is still in the
// state it suspended in.
func (c *Controller) applyDecision(ctx context.Context, e *runEntry, cp breakpoint.Checkpoint, d breakpoint.Decision) error {
	run := e.run
	switch d.Action {
	case breakpoint.ActionApprove:
		e.bypass = cp
		return nil

	case breakpoint.ActionModify:
		if cp == breakpoint.CheckpointPlanReview {
			if err := c.adoptPlan(run, d.Plan.Clone()); err != nil {
				return fmt.Errorf("%w: %w", breakpoint.ErrInvalidDecision, err)
			}
		} else {
			run.PendingOutput = d.ModifiedOutput
		}
		e.bypass = cp
		return nil

	case breakpoint.ActionRevise:
		return c.revise(e, d.Feedback)

	case breakpoint.ActionReject:
		if d.Feedback == "" {
			c.rejectRun(e)
			return nil
		}
		if cp == breakpoint.CheckpointPlanReview {
			return c.revise(e, d.Feedback)
		}
		return c.reject(ctx, e, d.Feedback, false, "")
	}
	return fmt.Errorf("%w: unknown action %q", breakpoint.ErrInvalidDecision, d.Action)
}

// revise routes the run back to planning with feedback. Execution progress
// is reset; the replan count is kept.
func (c *Controller) revise(e *runEntry, feedback string) error {
	run := e.run
	if err := run.Plan.Revise(); err != nil {
		return err
	}
	run.Plan.ResetProgress()
	run.resetProgress()
	run.Feedback = feedback
	return c.setState(e, StatePlanning)
}

// rejectRun ends the run with the rejected outcome.
func (c *Controller) rejectRun(e *runEntry) {
	run := e.run
	if run.Plan != nil && run.Plan.Status.CanTransitionTo(workflow.PlanStatusRejected) {
		_ = run.Plan.Reject()
	}
	run.Outcome = OutcomeRejected
	c.fail(e, errors.New("rejected by reviewer"))
}

func (c *Controller) failMilestone(run *Run, m *workflow.Milestone, reason string) {
	m.Status = workflow.MilestoneStatusFailed
	m.FailureReason = reason
	run.Failed++

	c.logger.Warn("Milestone failed", "run_id", run.ID, "milestone_id", m.ID, "reason", reason)
	c.milestoneEvent(run.ref(), eventbus.EventMilestoneFailed, *m, run.Plan.Index(m.ID)+1, reason)
	c.progress(run)
}

func (c *Controller) generate(ctx context.Context, ref runRef, m workflow.Milestone, feedback string, attempt int) (Generation, error) {
	req := GenerateRequest{
		RunID:     ref.ID,
		SessionID: ref.SessionID,
		TaskID:    ref.TaskID,
		Milestone: m,
		Feedback:  feedback,
		Attempt:   attempt,
		Tools:     c.tools,
		OnChunk: func(chunk string) {
			c.emit(ref, eventbus.EventLLMChunk, messaging.LLMChunk{
				TaskID:      ref.TaskID,
				MilestoneID: m.ID,
				Agent:       c.config.AgentType,
				Chunk:       chunk,
			})
		},
	}
	gen, _, err := llm.Retry(ctx, c.retry, c.logger, "generate", func(ctx context.Context) (Generation, error) {
		return c.collab.Generator.Generate(ctx, req)
	})
	return gen, err
}

func (c *Controller) verifyOutput(ctx context.Context, ref runRef, m workflow.Milestone, output string) (Verdict, error) {
	req := VerifyRequest{
		RunID:     ref.ID,
		SessionID: ref.SessionID,
		Milestone: m,
		Output:    output,
	}
	verdict, _, err := llm.Retry(ctx, c.retry, c.logger, "verify", func(ctx context.Context) (Verdict, error) {
		return c.collab.Verifier.Verify(ctx, req)
	})
	return verdict, err
}

func (c *Controller) milestoneEvent(ref runRef, t eventbus.EventType, m workflow.Milestone, seq int, msg string) {
	c.emit(ref, t, messaging.MilestoneUpdate{
		TaskID:      ref.TaskID,
		MilestoneID: m.ID,
		Sequence:    seq,
		Status:      string(m.Status),
		Agent:       c.config.AgentType,
		Message:     msg,
		RetryCount:  m.RetryCount,
	})
}

// progress reports the fraction of milestones in a terminal state.
func (c *Controller) progress(run *Run) {
	total := len(run.Plan.Milestones)
	done := run.Passed + run.Failed
	var fraction float64
	if total > 0 {
		fraction = float64(done) / float64(total)
	}
	c.emit(run.ref(), eventbus.EventTaskProgress, messaging.TaskProgress{
		TaskID:    run.TaskID,
		Stage:     string(StateExecuting),
		Progress:  fraction,
		Completed: done,
		Total:     total,
	})
}
