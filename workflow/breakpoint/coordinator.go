package breakpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Coordinator decides whether a run suspends at a checkpoint and owns the
// suspend/resume handshake. Static flags come from configuration; per-run
// overrides set at runtime always take precedence.
type Coordinator struct {
	store  Store
	logger *slog.Logger

	mu        sync.RWMutex
	static    Config
	overrides map[string]map[Checkpoint]bool

	// resumeMu serialises Resume so a suspension is consumed once.
	resumeMu sync.Mutex
}

// NewCoordinator creates a coordinator. A nil store uses a MemoryStore.
func NewCoordinator(cfg Config, store Store, logger *slog.Logger) *Coordinator {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		logger:    logger.With("component", "breakpoint-coordinator"),
		static:    cfg,
		overrides: make(map[string]map[Checkpoint]bool),
	}
}

// SetStatic replaces the static flags, e.g. after a config reload.
// Existing overrides are kept.
func (c *Coordinator) SetStatic(cfg Config) {
	c.mu.Lock()
	c.static = cfg
	c.mu.Unlock()
	c.logger.Info("Breakpoint flags updated", "plan_review", cfg.PlanReview, "execution", cfg.Execution)
}

// Static returns the current static flags.
func (c *Coordinator) Static() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.static
}

// SetOverride enables or disables cp for a single run.
func (c *Coordinator) SetOverride(runID string, cp Checkpoint, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.overrides[runID]
	if !ok {
		m = make(map[Checkpoint]bool)
		c.overrides[runID] = m
	}
	m[cp] = enabled
}

// ClearOverrides drops every override for runID.
func (c *Coordinator) ClearOverrides(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, runID)
}

// ShouldSuspend reports whether runID must suspend at cp.
func (c *Coordinator) ShouldSuspend(runID string, cp Checkpoint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.overrides[runID]; ok {
		if enabled, set := m[cp]; set {
			return enabled
		}
	}
	return c.static.Enabled(cp)
}

// Suspend persists s. The caller stops progressing the run and returns.
func (c *Coordinator) Suspend(ctx context.Context, s Suspension) error {
	if s.RunID == "" {
		return fmt.Errorf("suspend: run id is required")
	}
	if !s.Checkpoint.IsValid() {
		return fmt.Errorf("suspend: unknown checkpoint %q", s.Checkpoint)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	if err := c.store.Save(ctx, &s); err != nil {
		return fmt.Errorf("save suspension: %w", err)
	}

	c.logger.Info("Run suspended",
		"run_id", s.RunID,
		"session_id", s.SessionID,
		"checkpoint", s.Checkpoint)
	return nil
}

// Resume validates d, removes the run's suspension, and returns it.
// It returns ErrNoSuspension if the run is not suspended.
func (c *Coordinator) Resume(ctx context.Context, runID string, d Decision) (*Suspension, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	s, err := c.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := c.store.Delete(ctx, runID); err != nil {
		// Resumed by another coordinator sharing the store
		if errors.Is(err, ErrNoSuspension) {
			return nil, ErrNoSuspension
		}
		return nil, fmt.Errorf("delete suspension: %w", err)
	}

	c.logger.Info("Run resumed",
		"run_id", runID,
		"checkpoint", s.Checkpoint,
		"action", d.Action)
	return s, nil
}

// Pending returns the run's suspension or ErrNoSuspension.
func (c *Coordinator) Pending(ctx context.Context, runID string) (*Suspension, error) {
	return c.store.Load(ctx, runID)
}

// List returns every suspended run, oldest first.
func (c *Coordinator) List(ctx context.Context) ([]*Suspension, error) {
	return c.store.List(ctx)
}

// Discard removes a run's suspension without a decision, for cancelled runs.
func (c *Coordinator) Discard(ctx context.Context, runID string) {
	if err := c.store.Delete(ctx, runID); err != nil && !errors.Is(err, ErrNoSuspension) {
		c.logger.Warn("Failed to discard suspension", "run_id", runID, "error", err)
	}
	c.ClearOverrides(runID)
}
