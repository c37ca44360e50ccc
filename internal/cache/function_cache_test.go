package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupHonoursApproximationLevel(t *testing.T) {
	ctrl := NewLevelController(0)
	c := NewFunctionResultCache[int](ctrl, Options{})

	require.True(t, c.Update(Key("usedin", 7), 3, 1))
	_, ok := c.Lookup(Key("usedin", 7))
	assert.False(t, ok, "coarse entry must not be served at a finer level")

	ctrl.SetLevel(1)
	v, ok := c.Lookup(Key("usedin", 7))
	require.True(t, ok)
	assert.Equal(t, 3, v)

	require.True(t, c.Update(Key("usedin", 7), 4, 0))
	ctrl.SetLevel(0)
	v, ok = c.Lookup(Key("usedin", 7))
	require.True(t, ok)
	assert.Equal(t, 4, v)

	require.True(t, c.Update(Key("usedin", 7), 5, 2))
	v, _ = c.Lookup(Key("usedin", 7))
	assert.Equal(t, 4, v, "precise entry must survive a coarser update")
}

func TestKeyIsOrderSensitive(t *testing.T) {
	assert.NotEqual(t, Key(1, 2), Key(2, 1))
	assert.Equal(t, Key("a", 1), Key("a", 1))
}

func TestContendedUpdateRetriesInBackground(t *testing.T) {
	var retries atomic.Int64
	c := NewFunctionResultCache[string](nil, Options{
		MaxUpdateAttempts: 1_000_000,
		OnRetry:           func() { retries.Add(1) },
	})
	key := Key("model", 1)
	sh := c.shardFor(key)

	sh.mu.Lock()
	stored := c.Update(key, "value", 0)
	assert.False(t, stored)
	time.Sleep(5 * time.Millisecond)
	sh.mu.Unlock()

	c.Tasks().Wait()
	v, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "value", v)
	assert.Positive(t, retries.Load())
}

func TestContendedUpdateGivesUpAfterMaxAttempts(t *testing.T) {
	gaveUp := make(chan string, 1)
	c := NewFunctionResultCache[int](nil, Options{
		MaxUpdateAttempts: 3,
		OnGiveUp:          func(key string) { gaveUp <- key },
	})
	key := Key("k")
	sh := c.shardFor(key)
	sh.mu.Lock()
	c.Update(key, 1, 0)
	select {
	case got := <-gaveUp:
		assert.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatal("background update never gave up")
	}
	sh.mu.Unlock()
	c.Tasks().Wait()
	_, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestInvalidateClearsAllShards(t *testing.T) {
	c := NewFunctionResultCache[int](nil, Options{})
	for i := 0; i < 32; i++ {
		c.Update(Key(i), i, 0)
	}
	require.Equal(t, 32, c.Len())
	c.Invalidate()
	assert.Zero(t, c.Len())
}

func TestTaskGroupCancelAndWait(t *testing.T) {
	g := NewTaskGroup()
	started := make(chan struct{})
	var cancelled atomic.Bool
	g.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	<-started
	assert.Equal(t, 1, g.Active())
	g.CancelAndWait()
	assert.True(t, cancelled.Load())
	assert.Zero(t, g.Active())

	done := make(chan struct{})
	g.Go(func(ctx context.Context) {
		assert.NoError(t, ctx.Err(), "tasks after CancelAndWait get a live context")
		close(done)
	})
	<-done
	g.Wait()
}
