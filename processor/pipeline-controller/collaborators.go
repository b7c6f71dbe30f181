package pipelinecontroller

import (
	"context"

	"github.com/blas1n/bsai-sub001/tools"
	"github.com/blas1n/bsai-sub001/workflow"
)

// ToolInvoker executes tool calls on behalf of a collaborator.
// *tools.Coordinator implements it.
type ToolInvoker interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
}

// PlanRequest asks the planner for a plan.
type PlanRequest struct {
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	Request   string         `json:"request"`
	Feedback  string         `json:"feedback,omitempty"`
	Previous  *workflow.Plan `json:"previous,omitempty"`
}

// Planner produces the plan for a request.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*workflow.Plan, error)
}

// GenerateRequest asks the generator to produce a milestone's output.
type GenerateRequest struct {
	RunID     string             `json:"run_id"`
	SessionID string             `json:"session_id"`
	TaskID    string             `json:"task_id"`
	Milestone workflow.Milestone `json:"milestone"`
	Feedback  string             `json:"feedback,omitempty"`
	Attempt   int                `json:"attempt"`

	// Tools issues tool calls through the execution coordinator.
	Tools ToolInvoker `json:"-"`

	// OnChunk streams partial output to observers.
	OnChunk func(chunk string) `json:"-"`
}

// Generation is the generator's output.
type Generation struct {
	Output string `json:"output"`
	Agent  string `json:"agent,omitempty"`
}

// Generator produces milestone output.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
}

// VerifyRequest asks the verifier to judge a milestone's output.
type VerifyRequest struct {
	RunID     string             `json:"run_id"`
	SessionID string             `json:"session_id"`
	Milestone workflow.Milestone `json:"milestone"`
	Output    string             `json:"output"`
}

// Verdict is the verifier's judgement. A failing verdict is a business
// failure, not an error.
type Verdict struct {
	Passed          bool   `json:"passed"`
	Feedback        string `json:"feedback,omitempty"`
	ReplanRequested bool   `json:"replan_requested,omitempty"`
	ReplanReason    string `json:"replan_reason,omitempty"`
}

// Verifier judges milestone output.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (Verdict, error)
}

// ReplanRequest asks the replanner for modifications to the plan tail.
type ReplanRequest struct {
	RunID        string         `json:"run_id"`
	SessionID    string         `json:"session_id"`
	Plan         *workflow.Plan `json:"plan"`
	CurrentIndex int            `json:"current_index"`
	Reason       string         `json:"reason"`
	Iteration    int            `json:"iteration"`
}

// Replanner proposes plan modifications.
type Replanner interface {
	Replan(ctx context.Context, req ReplanRequest) ([]workflow.Modification, error)
}

// RespondRequest asks the responder for the final user-facing answer.
type RespondRequest struct {
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	Request   string         `json:"request"`
	Plan      *workflow.Plan `json:"plan"`
	Outcome   Outcome        `json:"outcome"`
}

// Responder writes the final response.
type Responder interface {
	Respond(ctx context.Context, req RespondRequest) (string, error)
}

// Collaborators bundles the generation steps. Planner, Generator, and
// Verifier are required; a nil Replanner never modifies the plan and a
// nil Responder produces a summary line.
type Collaborators struct {
	Planner   Planner
	Generator Generator
	Verifier  Verifier
	Replanner Replanner
	Responder Responder
}
