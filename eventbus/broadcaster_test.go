package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blas1n/bsai-sub001/messaging"
)

type recorder struct {
	mu   sync.Mutex
	envs []messaging.Envelope
}

func (r *recorder) send(env messaging.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) types() []messaging.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]messaging.MessageType, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func envelope(t *testing.T, msgType messaging.MessageType, sessionID string) messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(msgType, sessionID, map[string]string{"k": "v"})
	require.NoError(t, err)
	return env
}

func TestSessionBroadcaster_RejectsUnauthenticated(t *testing.T) {
	b := NewSessionBroadcaster(4, testLogger())

	_, err := b.Register("", (&recorder{}).send)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSessionBroadcaster_RoutesBySession(t *testing.T) {
	b := NewSessionBroadcaster(16, testLogger())

	alice, bob, idle := &recorder{}, &recorder{}, &recorder{}
	ca, err := b.Register("alice", alice.send)
	require.NoError(t, err)
	cb, err := b.Register("bob", bob.send)
	require.NoError(t, err)
	_, err = b.Register("carol", idle.send)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ca, "s1"))
	require.NoError(t, b.Subscribe(cb, "s2"))

	require.NoError(t, b.Send(context.Background(), "s1", envelope(t, messaging.TypeTaskStarted, "s1")))
	require.NoError(t, b.Send(context.Background(), "s2", envelope(t, messaging.TypeTaskFailed, "s2")))

	require.Eventually(t, func() bool { return alice.len() == 1 && bob.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []messaging.MessageType{messaging.TypeTaskStarted}, alice.types())
	assert.Equal(t, []messaging.MessageType{messaging.TypeTaskFailed}, bob.types())
	assert.Equal(t, 0, idle.len(), "unsubscribed connections receive nothing")

	err = b.Send(context.Background(), "s3", envelope(t, messaging.TypeTaskStarted, "s3"))
	assert.ErrorIs(t, err, messaging.ErrNoRoute)
}

func TestSessionBroadcaster_PreservesOrder(t *testing.T) {
	b := NewSessionBroadcaster(128, testLogger())
	rec := &recorder{}
	c, err := b.Register("alice", rec.send)
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(c, "s1"))

	bus := New(testLogger())
	bus.Subscribe(b.HandleEvent)
	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: EventTaskProgress, SessionID: "s1", Payload: messaging.TaskProgress{Completed: i}})
	}

	require.Eventually(t, func() bool { return rec.len() == 100 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, env := range rec.envs {
		p, err := messaging.Decode[messaging.TaskProgress](env)
		require.NoError(t, err)
		assert.Equal(t, i, p.Completed)
	}
}

func TestSessionBroadcaster_DropsWhenQueueFull(t *testing.T) {
	b := NewSessionBroadcaster(1, testLogger())

	block := make(chan struct{})
	c, err := b.Register("alice", func(messaging.Envelope) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(c, "s1"))

	for i := 0; i < 10; i++ {
		_ = b.Send(context.Background(), "s1", envelope(t, messaging.TypeLLMChunk, "s1"))
	}
	close(block)

	assert.Greater(t, b.Dropped(), int64(0))
}

func TestSessionBroadcaster_WriteFailureUnregisters(t *testing.T) {
	b := NewSessionBroadcaster(4, testLogger())
	c, err := b.Register("alice", func(messaging.Envelope) error { return errors.New("broken pipe") })
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(c, "s1"))

	require.NoError(t, b.Send(context.Background(), "s1", envelope(t, messaging.TypeTaskStarted, "s1")))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client was not unregistered")
	}
	assert.Equal(t, 0, b.Subscribers("s1"))
}

func TestSessionBroadcaster_Unsubscribe(t *testing.T) {
	b := NewSessionBroadcaster(4, testLogger())
	c, err := b.Register("alice", (&recorder{}).send)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(c, "s1"))
	assert.True(t, b.IsSubscribed(c, "s1"))
	b.Unsubscribe(c, "s1")
	assert.False(t, b.IsSubscribed(c, "s1"))

	b.Unregister(c)
	assert.ErrorIs(t, b.Subscribe(c, "s1"), ErrUnauthenticated)
}
