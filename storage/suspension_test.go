package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)
	return js
}

func TestSuspensionStore_Lifecycle(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewSuspensionStore(ctx, js)
	require.NoError(t, err)

	s := &breakpoint.Suspension{
		RunID:      "run-1",
		SessionID:  "s1",
		Checkpoint: breakpoint.CheckpointPlanReview,
		State:      json.RawMessage(`{"state":"plan_review"}`),
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Save(ctx, s))
	assert.ErrorIs(t, store.Save(ctx, s), breakpoint.ErrAlreadySuspended)

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, breakpoint.CheckpointPlanReview, got.Checkpoint)
	assert.JSONEq(t, `{"state":"plan_review"}`, string(got.State))
	assert.True(t, s.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, breakpoint.ErrNoSuspension)
	assert.ErrorIs(t, store.Delete(ctx, "run-1"), breakpoint.ErrNoSuspension)

	// A run can be suspended again once resumed
	require.NoError(t, store.Save(ctx, s))
}

func TestSuspensionStore_ListOldestFirst(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewSuspensionStore(ctx, js)
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	base := time.Now()
	for i, id := range []string{"run-c", "run-a", "run-b"} {
		require.NoError(t, store.Save(ctx, &breakpoint.Suspension{
			RunID:      id,
			Checkpoint: breakpoint.CheckpointExecution,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "run-c", list[0].RunID)
	assert.Equal(t, "run-a", list[1].RunID)
	assert.Equal(t, "run-b", list[2].RunID)
}

func TestSuspensionStore_CoordinatorResumesOnce(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewSuspensionStore(ctx, js)
	require.NoError(t, err)

	// Two coordinators over one bucket stand in for two processes
	first := breakpoint.NewCoordinator(breakpoint.Config{}, store, nil)
	second := breakpoint.NewCoordinator(breakpoint.Config{}, store, nil)

	require.NoError(t, first.Suspend(ctx, breakpoint.Suspension{RunID: "run-1", Checkpoint: breakpoint.CheckpointExecution}))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, c := range []*breakpoint.Coordinator{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resume(ctx, "run-1", breakpoint.Decision{Action: breakpoint.ActionApprove})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, breakpoint.ErrNoSuspension)
}
