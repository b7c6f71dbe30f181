package pipelinecontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/blas1n/bsai-sub001/eventbus"
	"github.com/blas1n/bsai-sub001/messaging"
	milestonedispatcher "github.com/blas1n/bsai-sub001/processor/milestone-dispatcher"
	"github.com/blas1n/bsai-sub001/workflow"
	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

// executeParallel runs the milestones through the scheduler in rounds. Each
// unit generates and verifies with the retry bound. When a round ends with
// executed failures or replan requests, the remaining plan is replanned and
// the milestones still pending run in a new round. With the execution
// checkpoint enabled the scheduler pauses after each milestone until
// ResumeExecution is called.
func (c *Controller) executeParallel(ctx context.Context, e *runEntry) error {
	run := e.run
	for {
		round, err := c.parallelRound(ctx, e)
		if err != nil {
			return err
		}
		if len(round.replanReasons) == 0 || c.collab.Replanner == nil {
			break
		}

		// Milestones that only failed behind a failed dependency get another
		// chance once the plan is mutated.
		c.reviveBlocked(run, round.blocked)
		from := firstOpen(run.Plan)
		if err := c.replan(ctx, e, from, strings.Join(round.replanReasons, "; ")); err != nil {
			return err
		}
		c.save(e)
		if firstOpen(run.Plan) == len(run.Plan.Milestones) {
			break
		}
	}

	run.CurrentIndex = len(run.Plan.Milestones)
	return c.setState(e, StateResponding)
}

// parallelOutcome collects what a scheduler round asks of the replanner.
type parallelOutcome struct {
	mu            sync.Mutex
	replanReasons []string
	blocked       []string
}

func (o *parallelOutcome) requestReplan(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replanReasons = append(o.replanReasons, reason)
}

// parallelRound schedules every milestone that is not yet terminal.
func (c *Controller) parallelRound(ctx context.Context, e *runEntry) (*parallelOutcome, error) {
	run := e.run
	ref := run.ref()
	round := &parallelOutcome{}

	sequence := make(map[string]int, len(run.Plan.Milestones))
	for i, m := range run.Plan.Milestones {
		sequence[m.ID] = i + 1
	}

	opts := c.scheduler.Options()
	opts.Logger = c.logger
	opts.Metrics = c.schedMetrics
	if c.breakpoints.ShouldSuspend(run.ID, breakpoint.CheckpointExecution) {
		opts.PauseAfterEach = true
	}
	opts.OnComplete = func(r milestonedispatcher.ItemResult) {
		c.recordParallel(e, r, sequence[r.MilestoneID])
		if r.Success {
			return
		}
		// Attempts is zero for milestones failed without executing
		if r.Attempts == 0 {
			round.blocked = append(round.blocked, r.MilestoneID)
			return
		}
		round.requestReplan(fmt.Sprintf("milestone %s failed: %s", r.MilestoneID, r.Error))
	}
	opts.OnPause = func(ev milestonedispatcher.PauseEvent) {
		c.announcePause(ref, ev)
	}

	sched, err := milestonedispatcher.NewScheduler(run.Plan.Milestones, opts)
	if err != nil {
		return nil, fmt.Errorf("schedule milestones: %w", err)
	}
	e.setScheduler(sched)
	defer e.setScheduler(nil)

	summary, err := sched.Run(ctx, func(ctx context.Context, m workflow.Milestone) (milestonedispatcher.ItemResult, error) {
		return c.executeUnit(ctx, ref, m, sequence[m.ID], round.requestReplan)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Milestones executed",
		"run_id", run.ID,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"duration", summary.Duration)
	return round, nil
}

// reviveBlocked returns milestones failed behind a failed dependency to
// pending.
func (c *Controller) reviveBlocked(run *Run, ids []string) {
	for _, id := range ids {
		m, err := run.Plan.Milestone(id)
		if err != nil || m.Status != workflow.MilestoneStatusFailed {
			continue
		}
		m.Status = workflow.MilestoneStatusPending
		m.FailureReason = ""
		run.Failed--
	}
}

// firstOpen returns the index of the first milestone not yet terminal, or
// the plan length.
func firstOpen(plan *workflow.Plan) int {
	for i, m := range plan.Milestones {
		if !m.Status.IsTerminal() {
			return i
		}
	}
	return len(plan.Milestones)
}

// executeUnit generates and verifies one milestone, retrying failed
// verification up to MaxRetries times. A passing verdict that asks for a
// replan is passed to requestReplan; the replan runs once the round ends.
func (c *Controller) executeUnit(ctx context.Context, ref runRef, m workflow.Milestone, seq int, requestReplan func(string)) (milestonedispatcher.ItemResult, error) {
	result := milestonedispatcher.ItemResult{MilestoneID: m.ID}

	m.Status = workflow.MilestoneStatusInProgress
	c.milestoneEvent(ref, eventbus.EventMilestoneProgress, m, seq, m.Description)

	feedback := ""
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		gen, err := c.generate(ctx, ref, m, feedback, attempt)
		if err != nil {
			return result, fmt.Errorf("generate milestone %s: %w", m.ID, err)
		}
		verdict, err := c.verifyOutput(ctx, ref, m, gen.Output)
		if err != nil {
			return result, fmt.Errorf("verify milestone %s: %w", m.ID, err)
		}
		if verdict.Passed && verdict.ReplanRequested {
			reason := verdict.ReplanReason
			if reason == "" {
				reason = verdict.Feedback
			}
			requestReplan(fmt.Sprintf("milestone %s: %s", m.ID, reason))
		}

		result.Output = gen.Output
		if verdict.Passed {
			result.Success = true
			return result, nil
		}

		feedback = verdict.Feedback
		m.RetryCount = attempt
		m.Feedback = feedback
		if attempt > c.config.MaxRetries {
			result.Error = feedback
			if result.Error == "" {
				result.Error = fmt.Sprintf("verification failed after %d attempts", attempt)
			}
			return result, nil
		}
		c.milestoneEvent(ref, eventbus.EventMilestoneRetry, m, seq, feedback)
	}
}

// recordParallel folds a scheduler result into the run. It runs on the
// scheduler's control loop, inside the goroutine driving the run.
func (c *Controller) recordParallel(e *runEntry, r milestonedispatcher.ItemResult, seq int) {
	run := e.run
	m, err := run.Plan.Milestone(r.MilestoneID)
	if err != nil {
		c.logger.Warn("Result for unknown milestone", "run_id", run.ID, "milestone_id", r.MilestoneID)
		return
	}

	if r.Attempts > 1 {
		m.RetryCount = r.Attempts - 1
	}
	if r.Success {
		m.Status = workflow.MilestoneStatusPassed
		m.Output = r.Output
		run.Passed++
		c.milestoneEvent(run.ref(), eventbus.EventMilestoneComplete, *m, seq, "")
	} else {
		m.Status = workflow.MilestoneStatusFailed
		m.FailureReason = r.Error
		run.Failed++
		c.logger.Warn("Milestone failed", "run_id", run.ID, "milestone_id", m.ID, "reason", r.Error)
		c.milestoneEvent(run.ref(), eventbus.EventMilestoneFailed, *m, seq, r.Error)
	}
	c.progress(run)
	c.save(e)
}

func (c *Controller) announcePause(ref runRef, ev milestonedispatcher.PauseEvent) {
	state, _ := json.Marshal(map[string]string{
		"milestone_id": ev.MilestoneID,
		"reason":       ev.Reason,
	})
	c.logger.Info("Execution paused", "run_id", ref.ID, "milestone_id", ev.MilestoneID, "reason", ev.Reason)
	c.emit(ref, eventbus.EventBreakpointHit, messaging.BreakpointHit{
		TaskID:         ref.TaskID,
		SessionID:      ref.SessionID,
		RunID:          ref.ID,
		CheckpointName: string(breakpoint.CheckpointExecution),
		AgentType:      c.config.AgentType,
		CurrentState:   state,
	})
}
