// Package storage persists breakpoint suspensions in NATS KV and tool call
// audit entries in SQLite.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

// BucketSuspensions holds one entry per suspended run, keyed by run id.
const BucketSuspensions = "BSAI_SUSPENSIONS"

// SuspensionStore is a breakpoint.Store backed by NATS KV. Suspended runs
// survive a restart of the process.
type SuspensionStore struct {
	kv jetstream.KeyValue
}

// NewSuspensionStore creates the store, creating the KV bucket if it
// doesn't exist.
func NewSuspensionStore(ctx context.Context, js jetstream.JetStream) (*SuspensionStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketSuspensions)
	if err != nil {
		return nil, fmt.Errorf("create suspensions bucket: %w", err)
	}
	return &SuspensionStore{kv: kv}, nil
}

// Save stores susp. It returns breakpoint.ErrAlreadySuspended if the run
// already has a suspension.
func (s *SuspensionStore) Save(ctx context.Context, susp *breakpoint.Suspension) error {
	data, err := json.Marshal(susp)
	if err != nil {
		return fmt.Errorf("marshal suspension: %w", err)
	}

	if _, err := s.kv.Create(ctx, susp.RunID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return breakpoint.ErrAlreadySuspended
		}
		return fmt.Errorf("store suspension: %w", err)
	}
	return nil
}

// Load returns the run's suspension or breakpoint.ErrNoSuspension.
func (s *SuspensionStore) Load(ctx context.Context, runID string) (*breakpoint.Suspension, error) {
	entry, err := s.kv.Get(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return nil, breakpoint.ErrNoSuspension
		}
		return nil, fmt.Errorf("get suspension: %w", err)
	}

	var susp breakpoint.Suspension
	if err := json.Unmarshal(entry.Value(), &susp); err != nil {
		return nil, fmt.Errorf("unmarshal suspension: %w", err)
	}
	return &susp, nil
}

// Delete removes the run's suspension. The delete is conditional on the
// revision that was read, so of two concurrent deletes only one succeeds.
func (s *SuspensionStore) Delete(ctx context.Context, runID string) error {
	entry, err := s.kv.Get(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return breakpoint.ErrNoSuspension
		}
		return fmt.Errorf("get suspension: %w", err)
	}

	if err := s.kv.Delete(ctx, runID, jetstream.LastRevision(entry.Revision())); err != nil {
		if isWrongRevision(err) {
			return breakpoint.ErrNoSuspension
		}
		return fmt.Errorf("delete suspension: %w", err)
	}
	return nil
}

// List returns every suspension, oldest first.
func (s *SuspensionStore) List(ctx context.Context) ([]*breakpoint.Suspension, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list suspension keys: %w", err)
	}

	out := make([]*breakpoint.Suspension, 0, len(keys))
	for _, key := range keys {
		susp, err := s.Load(ctx, key)
		if err != nil {
			continue // Deleted between listing and loading
		}
		out = append(out, susp)
	}
	breakpoint.SortByCreated(out)
	return out, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("bsai %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isWrongRevision checks if a conditional write lost a race.
func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}

var _ breakpoint.Store = (*SuspensionStore)(nil)
