package pipelinecontroller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blas1n/bsai-sub001/llm"
	"github.com/blas1n/bsai-sub001/tools"
	"github.com/blas1n/bsai-sub001/workflow"
)

// DefaultSubjectPrefix is the subject prefix agent workers listen on.
const DefaultSubjectPrefix = "bsai.agent"

// chunkBuffer bounds the chunks buffered between a worker and OnChunk.
const chunkBuffer = 256

// AgentReply is the reply envelope agent workers send for every request.
type AgentReply struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Transient bool            `json:"transient,omitempty"`
}

// RemoteGenerateRequest is the wire form of a generate request. Workers
// publish output fragments to ChunkSubject and issue tool calls as requests
// on ToolSubject.
type RemoteGenerateRequest struct {
	GenerateRequest
	ChunkSubject string `json:"chunk_subject,omitempty"`
	ToolSubject  string `json:"tool_subject,omitempty"`
}

// RemoteToolCall is a tool call issued by a worker during generation.
type RemoteToolCall struct {
	Server   tools.ServerDescriptor `json:"server"`
	ToolName string                 `json:"tool_name"`
	Input    map[string]any         `json:"input"`
}

// NATSCollaborators reaches the generation steps over NATS request/reply on
// <prefix>.plan, .generate, .verify, .replan, and .respond.
type NATSCollaborators struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSCollaborators creates NATS-backed collaborators. A zero timeout
// relies on the caller's context alone.
func NewNATSCollaborators(nc *nats.Conn, prefix string, timeout time.Duration, logger *slog.Logger) *NATSCollaborators {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSCollaborators{
		nc:      nc,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With("component", "agent-client"),
	}
}

// Collaborators returns n in every collaborator role.
func (n *NATSCollaborators) Collaborators() Collaborators {
	return Collaborators{
		Planner:   n,
		Generator: n,
		Verifier:  n,
		Replanner: n,
		Responder: n,
	}
}

// Subject returns the request subject for op.
func (n *NATSCollaborators) Subject(op string) string {
	return n.prefix + "." + op
}

// Plan implements Planner.
func (n *NATSCollaborators) Plan(ctx context.Context, req PlanRequest) (*workflow.Plan, error) {
	return request[*workflow.Plan](ctx, n, "plan", req)
}

// Verify implements Verifier.
func (n *NATSCollaborators) Verify(ctx context.Context, req VerifyRequest) (Verdict, error) {
	return request[Verdict](ctx, n, "verify", req)
}

// Replan implements Replanner.
func (n *NATSCollaborators) Replan(ctx context.Context, req ReplanRequest) ([]workflow.Modification, error) {
	return request[[]workflow.Modification](ctx, n, "replan", req)
}

// Respond implements Responder.
func (n *NATSCollaborators) Respond(ctx context.Context, req RespondRequest) (string, error) {
	return request[string](ctx, n, "respond", req)
}

// Generate implements Generator. Chunks published by the worker before its
// reply are delivered to OnChunk before Generate returns.
func (n *NATSCollaborators) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	wire := RemoteGenerateRequest{GenerateRequest: req}

	var chunks chan *nats.Msg
	if req.OnChunk != nil {
		wire.ChunkSubject = n.nc.NewRespInbox()
		chunks = make(chan *nats.Msg, chunkBuffer)
		sub, err := n.nc.ChanSubscribe(wire.ChunkSubject, chunks)
		if err != nil {
			return Generation{}, llm.NewTransientError(fmt.Errorf("subscribe chunks: %w", err))
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if req.Tools != nil {
		wire.ToolSubject = n.nc.NewRespInbox()
		sub, err := n.nc.Subscribe(wire.ToolSubject, func(m *nats.Msg) {
			n.serveTool(ctx, req, m)
		})
		if err != nil {
			return Generation{}, llm.NewTransientError(fmt.Errorf("subscribe tools: %w", err))
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	type outcome struct {
		gen Generation
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		gen, err := request[Generation](ctx, n, "generate", wire)
		done <- outcome{gen, err}
	}()

	for {
		select {
		case m := <-chunks:
			req.OnChunk(string(m.Data))
		case out := <-done:
			for {
				select {
				case m := <-chunks:
					req.OnChunk(string(m.Data))
				default:
					return out.gen, out.err
				}
			}
		}
	}
}

// serveTool executes a worker's tool call and replies with the result.
func (n *NATSCollaborators) serveTool(ctx context.Context, req GenerateRequest, m *nats.Msg) {
	var tc RemoteToolCall
	var result tools.Result
	if err := json.Unmarshal(m.Data, &tc); err != nil {
		result = tools.Result{Error: fmt.Sprintf("decode tool call: %v", err)}
	} else {
		call := tools.NewCall(req.SessionID, req.TaskID, tc.Server, tc.ToolName, tc.Input)
		result = req.Tools.Execute(ctx, call)
	}

	data, err := json.Marshal(result)
	if err != nil {
		n.logger.Warn("Failed to encode tool result", "tool", tc.ToolName, "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		n.logger.Warn("Failed to reply to tool call", "tool", tc.ToolName, "error", err)
	}
}

// request sends payload to the op subject and decodes the reply. Transport
// failures are transient; malformed replies and non-transient worker errors
// are fatal.
func request[T any](ctx context.Context, n *NATSCollaborators, op string, payload any) (T, error) {
	var zero T

	data, err := json.Marshal(payload)
	if err != nil {
		return zero, llm.Fatalf("encode %s request: %v", op, err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	msg, err := n.nc.RequestWithContext(ctx, n.Subject(op), data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		return zero, llm.NewTransientError(fmt.Errorf("%s request: %w", op, err))
	}

	var reply AgentReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return zero, llm.Fatalf("decode %s reply: %v", op, err)
	}
	if reply.Error != "" {
		if reply.Transient {
			return zero, llm.Transientf("%s: %s", op, reply.Error)
		}
		return zero, llm.Fatalf("%s: %s", op, reply.Error)
	}

	var out T
	if err := json.Unmarshal(reply.Result, &out); err != nil {
		return zero, llm.Fatalf("decode %s result: %v", op, err)
	}
	return out, nil
}
