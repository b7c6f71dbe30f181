// Package correlation matches asynchronous replies to the requests that
// produced them using an opaque correlation id.
//
// A Correlator holds one single-resolution slot per pending id. The slot is
// removed from the registry by whichever of resolution, timeout, or
// cancellation happens first, so every id is consumed exactly once and no
// entry outlives its request.
package correlation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors returned by Open and Await.
var (
	ErrDuplicateID = errors.New("correlation id already pending")
	ErrNotFound    = errors.New("no pending request for correlation id")
	ErrTimeout     = errors.New("timed out awaiting response")
	ErrCancelled   = errors.New("pending request cancelled")
)

type slot[T any] struct {
	ch       chan T
	owner    string
	openedAt time.Time
}

// Correlator is a registry of pending requests awaiting a value of type T.
// All methods are safe for concurrent use.
type Correlator[T any] struct {
	name    string
	mu      sync.Mutex
	pending map[string]*slot[T]
	logger  *slog.Logger
}

// New creates a Correlator. The name identifies the correlator in logs.
func New[T any](name string, logger *slog.Logger) *Correlator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator[T]{
		name:    name,
		pending: make(map[string]*slot[T]),
		logger:  logger,
	}
}

// Open registers a pending slot for id. It must be called before the request
// is sent so that a fast reply cannot arrive ahead of its slot.
func (c *Correlator[T]) Open(id string) error {
	return c.OpenFor(id, "")
}

// OpenFor registers a pending slot for id that only ResolveFrom with the
// same owner, or Resolve, may resolve.
func (c *Correlator[T]) OpenFor(id, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return ErrDuplicateID
	}
	c.pending[id] = &slot[T]{
		ch:       make(chan T, 1),
		owner:    owner,
		openedAt: time.Now(),
	}
	return nil
}

// Resolve delivers v to the slot for id. It returns false, and logs a
// warning, when no slot is pending: the reply is late, duplicated, or was
// never requested. That condition is never an error for the caller.
func (c *Correlator[T]) Resolve(id string, v T) bool {
	return c.resolve(id, v, "", false)
}

// ResolveFrom is Resolve for a reply that arrived from owner. A reply for a
// slot opened by another owner is dropped with a warning and the slot stays
// pending.
func (c *Correlator[T]) ResolveFrom(owner, id string, v T) bool {
	return c.resolve(id, v, owner, true)
}

func (c *Correlator[T]) resolve(id string, v T, owner string, checkOwner bool) bool {
	c.mu.Lock()
	s, ok := c.pending[id]
	if ok && checkOwner && s.owner != owner {
		c.mu.Unlock()
		c.logger.Warn("Response from foreign owner dropped",
			"correlator", c.name,
			"request_id", id,
			"owner", owner)
		return false
	}
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("No pending request for response",
			"correlator", c.name,
			"request_id", id)
		return false
	}

	// Capacity 1 and a single remover: never blocks.
	s.ch <- v
	c.logger.Debug("Resolved pending request",
		"correlator", c.name,
		"request_id", id,
		"waited", time.Since(s.openedAt))
	return true
}

// Await blocks until id is resolved, the timeout elapses, or ctx is done.
// A timeout of zero or less waits on ctx alone. On every outcome the slot is
// gone from the registry when Await returns.
func (c *Correlator[T]) Await(ctx context.Context, id string, timeout time.Duration) (T, error) {
	var zero T

	c.mu.Lock()
	s, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return zero, ErrNotFound
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case v, ok := <-s.ch:
		if !ok {
			return zero, ErrCancelled
		}
		return v, nil
	case <-timeoutCh:
		return c.expire(id, s, ErrTimeout)
	case <-ctx.Done():
		return c.expire(id, s, ctx.Err())
	}
}

// expire removes the slot unless a resolver already claimed it, in which
// case the resolver's value is already buffered and wins.
func (c *Correlator[T]) expire(id string, s *slot[T], cause error) (T, error) {
	var zero T

	c.mu.Lock()
	current, ok := c.pending[id]
	if ok && current == s {
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(cause, ErrTimeout) {
			c.logger.Warn("Pending request timed out",
				"correlator", c.name,
				"request_id", id,
				"waited", time.Since(s.openedAt))
		}
		return zero, cause
	}
	c.mu.Unlock()

	v, received := <-s.ch
	if !received {
		return zero, ErrCancelled
	}
	return v, nil
}

// Cancel removes the slot for id and wakes any waiter with ErrCancelled.
// It returns false if id was not pending.
func (c *Correlator[T]) Cancel(id string) bool {
	c.mu.Lock()
	s, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		close(s.ch)
	}
	return ok
}

// Has reports whether id is still pending.
func (c *Correlator[T]) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Pending returns the number of outstanding requests.
func (c *Correlator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
