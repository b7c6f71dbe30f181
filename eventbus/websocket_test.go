package eventbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/blas1n/bsai-sub001/messaging"
)

type wsFixture struct {
	server      *httptest.Server
	broadcaster *SessionBroadcaster
	inbound     chan messaging.ApprovalResponse
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	f := &wsFixture{
		broadcaster: NewSessionBroadcaster(16, testLogger()),
		inbound:     make(chan messaging.ApprovalResponse, 4),
	}
	router := messaging.NewRouter(testLogger())
	messaging.HandleFunc(router, messaging.TypeApprovalResponse,
		func(_ context.Context, _ string, resp messaging.ApprovalResponse) error {
			f.inbound <- resp
			return nil
		})

	auth := TokenAuthenticator(map[string]string{"secret": "alice"})
	authorize := func(principal, sessionID string) bool { return sessionID != "forbidden" }
	ws := NewWebSocketServer(f.broadcaster, router, auth, authorize, testLogger())

	f.server = httptest.NewServer(ws.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) dial(t *testing.T, query string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/" + query
	return websocket.Dial(url, "", "http://localhost/")
}

func send(t *testing.T, conn *websocket.Conn, msgType messaging.MessageType, sessionID string, payload any) {
	t.Helper()
	env, err := messaging.NewEnvelope(msgType, sessionID, payload)
	require.NoError(t, err)
	require.NoError(t, websocket.JSON.Send(conn, env))
}

func receive(t *testing.T, conn *websocket.Conn) messaging.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env messaging.Envelope
	require.NoError(t, websocket.JSON.Receive(conn, &env))
	return env
}

func TestWebSocket_RejectsUnauthenticated(t *testing.T) {
	f := newWSFixture(t)

	_, err := f.dial(t, "")
	assert.Error(t, err)

	_, err = f.dial(t, "?token=wrong")
	assert.Error(t, err)
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	f := newWSFixture(t)

	conn, err := f.dial(t, "?token=secret")
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, messaging.TypeSubscribe, "", messaging.Subscribe{SessionID: "s1"})
	require.Eventually(t, func() bool { return f.broadcaster.Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)

	bus := New(testLogger())
	bus.Subscribe(f.broadcaster.HandleEvent)
	bus.Publish(Event{Type: EventTaskStarted, SessionID: "s1", Payload: messaging.TaskStarted{TaskID: "t1", TotalMilestones: 3}})
	bus.Publish(Event{Type: EventTaskStarted, SessionID: "other", Payload: messaging.TaskStarted{TaskID: "t2"}})

	env := receive(t, conn)
	assert.Equal(t, messaging.TypeTaskStarted, env.Type)
	started, err := messaging.Decode[messaging.TaskStarted](env)
	require.NoError(t, err)
	assert.Equal(t, "t1", started.TaskID)
	assert.Equal(t, 3, started.TotalMilestones)
}

func TestWebSocket_SessionFromQuery(t *testing.T) {
	f := newWSFixture(t)

	conn, err := f.dial(t, "?token=secret&session_id=s9")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.broadcaster.Subscribers("s9") == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocket_InboundRequiresSubscription(t *testing.T) {
	f := newWSFixture(t)

	conn, err := f.dial(t, "?token=secret")
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, messaging.TypeApprovalResponse, "s1", messaging.ApprovalResponse{RequestID: "r1", Approved: true})
	env := receive(t, conn)
	assert.Equal(t, messaging.TypeError, env.Type)

	send(t, conn, messaging.TypeSubscribe, "", messaging.Subscribe{SessionID: "s1"})
	send(t, conn, messaging.TypeApprovalResponse, "s1", messaging.ApprovalResponse{RequestID: "r2", Approved: true})

	select {
	case resp := <-f.inbound:
		assert.Equal(t, "r2", resp.RequestID)
		assert.True(t, resp.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound response was not routed")
	}
}

func TestWebSocket_AuthorizerDeniesSession(t *testing.T) {
	f := newWSFixture(t)

	conn, err := f.dial(t, "?token=secret")
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, messaging.TypeSubscribe, "", messaging.Subscribe{SessionID: "forbidden"})
	env := receive(t, conn)
	assert.Equal(t, messaging.TypeError, env.Type)
	assert.Equal(t, 0, f.broadcaster.Subscribers("forbidden"))
}

func TestWebSocket_UnknownTypeReportsError(t *testing.T) {
	f := newWSFixture(t)

	conn, err := f.dial(t, "?token=secret&session_id=s1")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.broadcaster.Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, "not_a_type", "s1", map[string]string{})
	env := receive(t, conn)
	assert.Equal(t, messaging.TypeError, env.Type)
}
