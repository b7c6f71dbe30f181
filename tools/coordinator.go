package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/blas1n/bsai-sub001/correlation"
	"github.com/blas1n/bsai-sub001/messaging"
)

// LocalExecutor runs a call directly against the tool server's own transport.
type LocalExecutor interface {
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
}

// LocalExecutorFunc adapts a function to LocalExecutor.
type LocalExecutorFunc func(ctx context.Context, call Call) (json.RawMessage, error)

// Execute calls f.
func (f LocalExecutorFunc) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// Coordinator executes tool calls. Approval and remote execution are
// asynchronous round-trips over a messaging.Channel, matched to their
// replies by correlation id.
type Coordinator struct {
	config    Config
	assessor  *RiskAssessor
	channel   messaging.Channel
	local     LocalExecutor
	recorder  recorder
	approvals *correlation.Correlator[bool]
	results   *correlation.Correlator[messaging.ToolCallResponse]
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocalExecutor sets the executor for http and sse servers.
func WithLocalExecutor(e LocalExecutor) Option {
	return func(c *Coordinator) { c.local = e }
}

// WithAuditLog sets the audit log collaborator.
func WithAuditLog(l AuditLog) Option {
	return func(c *Coordinator) { c.recorder.log = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a coordinator that sends requests over channel.
func NewCoordinator(config Config, channel messaging.Channel, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:   config,
		assessor: NewRiskAssessor(config.Risk),
		channel:  channel,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "tool-coordinator")
	c.recorder.logger = c.logger
	c.approvals = correlation.New[bool]("approval", c.logger)
	c.results = correlation.New[messaging.ToolCallResponse]("tool-call", c.logger)
	return c
}

// EnableMetrics registers the coordinator's collectors with reg. Call it
// before the first Execute.
func (c *Coordinator) EnableMetrics(reg prometheus.Registerer) {
	c.metrics = NewMetrics(reg, func() float64 { return float64(c.Pending()) })
}

// Pending returns the number of outstanding approval and execution requests.
func (c *Coordinator) Pending() int {
	return c.approvals.Pending() + c.results.Pending()
}

// Assess exposes the coordinator's risk assessment for a call.
func (c *Coordinator) Assess(call Call) Assessment {
	return c.assessor.Assess(call.ToolName, call.Input)
}

// Execute runs one call to completion and always returns a Result. Denials,
// timeouts, and tool errors are reported as unsuccessful results, never as
// Go errors.
func (c *Coordinator) Execute(ctx context.Context, call Call) Result {
	startedAt := time.Now()
	ctx, span := startExecuteSpan(ctx, c.tracer, call)

	result := Result{
		CallID:   call.ID,
		Location: LocationNone,
		Risk:     c.assessor.Assess(call.ToolName, call.Input),
	}

	policy := call.Server.ApprovalPolicy
	if !policy.IsValid() {
		policy = c.config.GetDefaultPolicy()
	}

	proceed := true
	if policy.RequiresApproval(result.Risk.Level) {
		result.RequiredApproval = true
		approved, outcome, err := c.requestApproval(ctx, call, result.Risk)
		result.Approved = approved
		if !approved {
			proceed = false
			result.Outcome = outcome
			result.Error = err.Error()
		}
	}

	if proceed {
		if call.Server.Transport.IsRemote() {
			c.executeRemote(ctx, call, &result)
		} else {
			c.executeLocal(ctx, call, &result)
		}
	}

	result.Duration = time.Since(startedAt)

	c.logger.Debug("Tool call finished",
		"tool", call.ToolName,
		"call_id", call.ID,
		"session_id", call.SessionID,
		"outcome", result.Outcome,
		"location", result.Location,
		"risk", result.Risk.Level,
		"duration", result.Duration)

	c.recorder.record(call, result, startedAt)
	c.metrics.observe(result)
	endExecuteSpan(span, result)
	return result
}

// requestApproval sends an approval request and waits for the decision.
// When the call is not approved the returned error explains why.
func (c *Coordinator) requestApproval(ctx context.Context, call Call, risk Assessment) (bool, Outcome, error) {
	requestID := uuid.New().String()
	if err := c.approvals.OpenFor(requestID, call.SessionID); err != nil {
		return false, OutcomeFailed, fmt.Errorf("open approval request: %w", err)
	}

	env, err := messaging.NewEnvelope(messaging.TypeApprovalRequest, call.SessionID, messaging.ApprovalRequest{
		RequestID:   requestID,
		ServerName:  call.Server.Name,
		ToolName:    call.ToolName,
		ToolInput:   call.Input,
		RiskLevel:   string(risk.Level),
		RiskReasons: risk.Reasons,
	})
	if err == nil {
		err = c.channel.Send(ctx, call.SessionID, env)
	}
	if err != nil {
		c.approvals.Cancel(requestID)
		c.metrics.approval("error")
		return false, OutcomeFailed, fmt.Errorf("send approval request: %w", err)
	}

	timeout := c.config.GetApprovalTimeout()
	approved, err := c.approvals.Await(ctx, requestID, timeout)
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		c.metrics.approval("timeout")
		c.logger.Warn("Approval timed out",
			"tool", call.ToolName,
			"call_id", call.ID,
			"request_id", requestID,
			"timeout", timeout)
		return false, OutcomeTimeout, fmt.Errorf("approval timed out after %s", timeout)
	case err != nil:
		c.metrics.approval("error")
		return false, OutcomeFailed, fmt.Errorf("await approval: %w", err)
	case !approved:
		c.metrics.approval("denied")
		c.logger.Info("Tool call denied", "tool", call.ToolName, "call_id", call.ID)
		return false, OutcomeDenied, fmt.Errorf("tool call %s denied by user", call.ToolName)
	}
	c.metrics.approval("approved")
	return true, OutcomeSuccess, nil
}

// executeRemote forwards the call to the remote agent and waits for its result.
func (c *Coordinator) executeRemote(ctx context.Context, call Call, result *Result) {
	result.Location = LocationRemote

	fail := func(outcome Outcome, err error) {
		result.Success = false
		result.Outcome = outcome
		result.Error = err.Error()
	}

	if err := c.results.OpenFor(call.ID, call.SessionID); err != nil {
		fail(OutcomeFailed, fmt.Errorf("open tool call request: %w", err))
		return
	}

	env, err := messaging.NewEnvelope(messaging.TypeToolCallRequest, call.SessionID, messaging.ToolCallRequest{
		RequestID:       call.ID,
		ServerID:        call.Server.ID,
		ToolName:        call.ToolName,
		ToolInput:       call.Input,
		TransportConfig: call.Server.TransportConfig,
	})
	if err == nil {
		err = c.channel.Send(ctx, call.SessionID, env)
	}
	if err != nil {
		c.results.Cancel(call.ID)
		fail(OutcomeFailed, fmt.Errorf("send tool call request: %w", err))
		return
	}

	timeout := c.config.GetExecutionTimeout()
	resp, err := c.results.Await(ctx, call.ID, timeout)
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		c.logger.Warn("Remote tool execution timed out",
			"tool", call.ToolName,
			"call_id", call.ID,
			"timeout", timeout)
		fail(OutcomeTimeout, fmt.Errorf("tool execution timed out after %s", timeout))
		return
	case err != nil:
		fail(OutcomeFailed, fmt.Errorf("await tool result: %w", err))
		return
	}

	result.Success = resp.Success
	result.Output = resp.Output
	result.Error = resp.Error
	result.Outcome = OutcomeSuccess
	if !resp.Success {
		result.Outcome = OutcomeFailed
		if result.Error == "" {
			result.Error = "remote tool execution failed"
		}
	}
}

// executeLocal runs the call through the local executor.
func (c *Coordinator) executeLocal(ctx context.Context, call Call, result *Result) {
	result.Location = LocationLocal

	if c.local == nil {
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("no local executor for transport %q", call.Server.Transport)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, c.config.GetExecutionTimeout())
	defer cancel()

	output, err := c.local.Execute(execCtx, call)
	if err != nil {
		result.Outcome = OutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			result.Outcome = OutcomeTimeout
		}
		result.Error = err.Error()
		return
	}
	result.Success = true
	result.Outcome = OutcomeSuccess
	result.Output = output
}

// HandleApprovalResponse resolves a pending approval sent from sessionID. A
// response for an unknown or expired request, or for a request of another
// session, is logged and discarded.
func (c *Coordinator) HandleApprovalResponse(sessionID string, resp messaging.ApprovalResponse) {
	c.approvals.ResolveFrom(sessionID, resp.RequestID, resp.Approved)
}

// HandleToolCallResponse resolves a pending remote execution sent from
// sessionID. It discards responses the same way as HandleApprovalResponse.
func (c *Coordinator) HandleToolCallResponse(sessionID string, resp messaging.ToolCallResponse) {
	c.results.ResolveFrom(sessionID, resp.RequestID, resp)
}

// Register wires the inbound response handlers onto router.
func (c *Coordinator) Register(router *messaging.Router) {
	messaging.HandleFunc(router, messaging.TypeApprovalResponse,
		func(_ context.Context, sessionID string, resp messaging.ApprovalResponse) error {
			c.HandleApprovalResponse(sessionID, resp)
			return nil
		})
	messaging.HandleFunc(router, messaging.TypeToolCallResponse,
		func(_ context.Context, sessionID string, resp messaging.ToolCallResponse) error {
			c.HandleToolCallResponse(sessionID, resp)
			return nil
		})
}
