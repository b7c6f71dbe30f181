package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/blas1n/bsai-sub001/messaging"
)

// ErrUnauthenticated is returned when registering a client without a principal.
var ErrUnauthenticated = errors.New("connection is not authenticated")

// DefaultQueueSize is the per-client outbound queue length.
const DefaultQueueSize = 256

// SendFunc writes one envelope to a client connection.
type SendFunc func(messaging.Envelope) error

// Client is a registered connection. Envelopes are delivered to it in
// enqueue order by a dedicated goroutine.
type Client struct {
	ID        string
	Principal string

	queue     chan messaging.Envelope
	send      SendFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the client is unregistered.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionBroadcaster relays envelopes to the clients subscribed to a
// session. It implements messaging.Channel.
type SessionBroadcaster struct {
	queueSize int
	logger    *slog.Logger
	dropped   atomic.Int64

	mu       sync.RWMutex
	clients  map[string]*Client
	sessions map[string]map[string]*Client
}

var _ messaging.Channel = (*SessionBroadcaster)(nil)

// NewSessionBroadcaster creates a broadcaster. queueSize <= 0 uses DefaultQueueSize.
func NewSessionBroadcaster(queueSize int, logger *slog.Logger) *SessionBroadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionBroadcaster{
		queueSize: queueSize,
		logger:    logger.With("component", "session-broadcaster"),
		clients:   make(map[string]*Client),
		sessions:  make(map[string]map[string]*Client),
	}
}

// Register adds an authenticated connection and starts its delivery
// goroutine. An empty principal is rejected.
func (b *SessionBroadcaster) Register(principal string, send SendFunc) (*Client, error) {
	if principal == "" {
		return nil, ErrUnauthenticated
	}

	c := &Client{
		ID:        uuid.New().String(),
		Principal: principal,
		queue:     make(chan messaging.Envelope, b.queueSize),
		send:      send,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[c.ID] = c
	b.mu.Unlock()

	go b.drain(c)

	b.logger.Debug("Client registered", "client_id", c.ID, "principal", principal)
	return c, nil
}

// Unregister removes a client from every session and stops its delivery goroutine.
func (b *SessionBroadcaster) Unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.ID)
	for sessionID, members := range b.sessions {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	b.mu.Unlock()

	c.close()
}

// Subscribe attaches c to sessionID.
func (b *SessionBroadcaster) Subscribe(c *Client, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[c.ID]; !ok {
		return ErrUnauthenticated
	}
	members, ok := b.sessions[sessionID]
	if !ok {
		members = make(map[string]*Client)
		b.sessions[sessionID] = members
	}
	members[c.ID] = c
	return nil
}

// Unsubscribe detaches c from sessionID.
func (b *SessionBroadcaster) Unsubscribe(c *Client, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if members, ok := b.sessions[sessionID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(b.sessions, sessionID)
		}
	}
}

// IsSubscribed reports whether c receives sessionID's envelopes.
func (b *SessionBroadcaster) IsSubscribed(c *Client, sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[sessionID][c.ID]
	return ok
}

// Subscribers returns the number of clients subscribed to sessionID.
func (b *SessionBroadcaster) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// Dropped returns the number of envelopes dropped on full queues.
func (b *SessionBroadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Send enqueues env for every client subscribed to sessionID. It returns
// messaging.ErrNoRoute if no client accepted it.
func (b *SessionBroadcaster) Send(_ context.Context, sessionID string, env messaging.Envelope) error {
	b.mu.RLock()
	members := make([]*Client, 0, len(b.sessions[sessionID]))
	for _, c := range b.sessions[sessionID] {
		members = append(members, c)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if b.enqueue(c, env) {
			delivered++
		}
	}
	if delivered == 0 {
		return messaging.ErrNoRoute
	}
	return nil
}

// SendTo enqueues env for a single client regardless of subscriptions.
func (b *SessionBroadcaster) SendTo(c *Client, env messaging.Envelope) bool {
	return b.enqueue(c, env)
}

// HandleEvent relays a bus event to its session. It is a Bus Handler.
func (b *SessionBroadcaster) HandleEvent(event Event) {
	if event.SessionID == "" {
		return
	}
	env, ok := Translate(event)
	if !ok {
		return
	}
	if err := b.Send(context.Background(), event.SessionID, env); err != nil && !errors.Is(err, messaging.ErrNoRoute) {
		b.logger.Warn("Failed to relay event", "event", event.Type, "session_id", event.SessionID, "error", err)
	}
}

func (b *SessionBroadcaster) enqueue(c *Client, env messaging.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- env:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("Client queue full, dropping envelope",
			"client_id", c.ID,
			"type", env.Type,
			"session_id", env.SessionID)
		return false
	}
}

// drain writes queued envelopes to the client until it is unregistered or
// a write fails.
func (b *SessionBroadcaster) drain(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			if err := c.send(env); err != nil {
				b.logger.Warn("Client write failed, unregistering", "client_id", c.ID, "error", err)
				b.Unregister(c)
				return
			}
		}
	}
}
