package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_Decode(t *testing.T) {
	env, err := NewEnvelope(TypeApprovalResponse, "s1", ApprovalResponse{RequestID: "r1", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, TypeApprovalResponse, env.Type)
	assert.Equal(t, "s1", env.SessionID)
	assert.False(t, env.Timestamp.IsZero())

	resp, err := Decode[ApprovalResponse](env)
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.True(t, resp.Approved)
}

func TestDecode_EmptyPayload(t *testing.T) {
	_, err := Decode[ApprovalResponse](Envelope{Type: TypeApprovalResponse})
	assert.Error(t, err)
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", `{"type":"subscribe","payload":{"session_id":"s1"}}`, false},
		{"missing type", `{"payload":{}}`, true},
		{"not json", `nope`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter(nil)

	var got ToolCallResponse
	var gotSession string
	HandleFunc(r, TypeToolCallResponse, func(_ context.Context, sessionID string, p ToolCallResponse) error {
		got = p
		gotSession = sessionID
		return nil
	})

	env, err := NewEnvelope(TypeToolCallResponse, "s1", ToolCallResponse{RequestID: "r1", Success: true})
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(context.Background(), env))
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "s1", gotSession)
	assert.ElementsMatch(t, []MessageType{TypeToolCallResponse}, r.Types())
}

func TestRouter_NoRoute(t *testing.T) {
	r := NewRouter(nil)
	err := r.Dispatch(context.Background(), Envelope{Type: "unknown"})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRouter_HandlerError(t *testing.T) {
	r := NewRouter(nil)
	boom := errors.New("boom")
	r.Handle(TypeSubscribe, func(context.Context, Envelope) error { return boom })

	err := r.Dispatch(context.Background(), Envelope{Type: TypeSubscribe})
	assert.ErrorIs(t, err, boom)
}

func TestMultiChannel(t *testing.T) {
	failing := ChannelFunc(func(context.Context, string, Envelope) error { return errors.New("down") })
	var delivered int
	ok := ChannelFunc(func(context.Context, string, Envelope) error { delivered++; return nil })

	t.Run("any success", func(t *testing.T) {
		err := MultiChannel{failing, ok}.Send(context.Background(), "s1", Envelope{Type: TypeTaskStarted})
		assert.NoError(t, err)
		assert.Equal(t, 1, delivered)
	})

	t.Run("all fail", func(t *testing.T) {
		err := MultiChannel{failing}.Send(context.Background(), "s1", Envelope{Type: TypeTaskStarted})
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		err := MultiChannel{}.Send(context.Background(), "s1", Envelope{Type: TypeTaskStarted})
		assert.ErrorIs(t, err, ErrNoRoute)
	})
}

func TestSubjects(t *testing.T) {
	cfg := DefaultJetStreamConfig()
	assert.Equal(t, "bsai.out.s_1.task_started", cfg.OutboundSubject("s.1", TypeTaskStarted))
	assert.Equal(t, "bsai.in._.mcp_approval_response", cfg.InboundSubject("", TypeApprovalResponse))
}
