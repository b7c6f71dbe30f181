package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoRoute is returned when no handler is registered for an envelope type.
var ErrNoRoute = errors.New("no handler registered for message type")

// Channel delivers outbound envelopes to the connections of one session.
type Channel interface {
	Send(ctx context.Context, sessionID string, env Envelope) error
}

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, env Envelope) error

// Router dispatches inbound envelopes to handlers by type.
type Router struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[MessageType]Handler),
		logger:   logger,
	}
}

// Handle registers h for msgType, replacing any existing handler.
func (r *Router) Handle(msgType MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// HandleFunc registers a handler that receives the decoded payload.
func HandleFunc[T any](r *Router, msgType MessageType, fn func(ctx context.Context, sessionID string, payload T) error) {
	r.Handle(msgType, func(ctx context.Context, env Envelope) error {
		payload, err := Decode[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, env.SessionID, payload)
	})
}

// Dispatch routes env to its handler.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, env.Type)
	}
	if err := h(ctx, env); err != nil {
		r.logger.Debug("Inbound message handler failed",
			"type", env.Type,
			"session_id", env.SessionID,
			"error", err)
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}

// Types returns the registered message types.
func (r *Router) Types() []MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]MessageType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, sessionID string, env Envelope) error

// Send calls f.
func (f ChannelFunc) Send(ctx context.Context, sessionID string, env Envelope) error {
	return f(ctx, sessionID, env)
}

// MultiChannel sends to every channel and succeeds if any delivery succeeds.
type MultiChannel []Channel

// Send delivers env through each channel in order.
func (m MultiChannel) Send(ctx context.Context, sessionID string, env Envelope) error {
	var errs []error
	delivered := false
	for _, ch := range m {
		if err := ch.Send(ctx, sessionID, env); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	if len(errs) == 0 {
		return ErrNoRoute
	}
	return errors.Join(errs...)
}
