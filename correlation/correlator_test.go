package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_ResolveBeforeAwait(t *testing.T) {
	c := New[bool]("approval", nil)
	require.NoError(t, c.Open("req-1"))

	assert.True(t, c.Resolve("req-1", true))

	v, err := c.Await(context.Background(), "req-1", time.Second)
	require.NoError(t, err)
	assert.True(t, v)
	assert.False(t, c.Has("req-1"))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_ResolveDuringAwait(t *testing.T) {
	c := New[string]("tool", nil)
	require.NoError(t, c.Open("req-1"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve("req-1", "output")
	}()

	v, err := c.Await(context.Background(), "req-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "output", v)
	assert.False(t, c.Has("req-1"))
}

func TestCorrelator_TimeoutRemovesSlot(t *testing.T) {
	c := New[bool]("approval", nil)
	require.NoError(t, c.Open("req-1"))

	_, err := c.Await(context.Background(), "req-1", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, c.Has("req-1"))

	// A late reply is discarded without error.
	assert.False(t, c.Resolve("req-1", true))
}

func TestCorrelator_DuplicateOpen(t *testing.T) {
	c := New[bool]("approval", nil)
	require.NoError(t, c.Open("req-1"))
	assert.ErrorIs(t, c.Open("req-1"), ErrDuplicateID)
}

func TestCorrelator_SecondResolveDoesNotOverwrite(t *testing.T) {
	c := New[string]("tool", nil)
	require.NoError(t, c.Open("req-1"))

	assert.True(t, c.Resolve("req-1", "first"))
	assert.False(t, c.Resolve("req-1", "second"))

	v, err := c.Await(context.Background(), "req-1", time.Second)
	// The slot was consumed by the first resolve; Await sees no pending id.
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, v)
}

func TestCorrelator_AwaitUnknown(t *testing.T) {
	c := New[bool]("approval", nil)
	_, err := c.Await(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c := New[bool]("approval", nil)
	require.NoError(t, c.Open("req-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Await(ctx, "req-1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Has("req-1"))
}

func TestCorrelator_Cancel(t *testing.T) {
	c := New[bool]("approval", nil)
	require.NoError(t, c.Open("req-1"))

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Cancel("req-1")
	}()

	_, err := c.Await(context.Background(), "req-1", time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, c.Cancel("req-1"))
}

// Whichever of timeout and resolve wins, the outcomes agree: Await returns the
// value exactly when Resolve reported delivery.
func TestCorrelator_TimeoutRacesResolve(t *testing.T) {
	c := New[int]("race", nil)

	for i := 0; i < 200; i++ {
		id := "req"
		require.NoError(t, c.Open(id))

		var wg sync.WaitGroup
		var delivered bool
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			delivered = c.Resolve(id, i)
		}()

		v, err := c.Await(context.Background(), id, time.Millisecond)
		wg.Wait()

		if delivered {
			require.NoError(t, err, "iteration %d", i)
			assert.Equal(t, i, v)
		} else {
			require.True(t, errors.Is(err, ErrTimeout), "iteration %d: %v", i, err)
		}
		require.Equal(t, 0, c.Pending())
	}
}

func TestCorrelator_ResolveFromChecksOwner(t *testing.T) {
	c := New[bool]("approval", nil)
	require.NoError(t, c.OpenFor("req-1", "s1"))

	assert.False(t, c.ResolveFrom("s2", "req-1", true), "another owner must not resolve the slot")
	assert.True(t, c.Has("req-1"))

	assert.True(t, c.ResolveFrom("s1", "req-1", true))
	v, err := c.Await(context.Background(), "req-1", time.Second)
	require.NoError(t, err)
	assert.True(t, v)
}
