package cache

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sethvargo/go-retry"
)

const shardCount = 4

// DefaultMaxUpdateAttempts bounds the background retry loop of a contended update.
const DefaultMaxUpdateAttempts = 1000

// Level is an approximation level. Lower levels are more precise.
type Level uint32

// LevelController holds the level currently accepted by readers. An entry is
// served only if it was computed at a level less than or equal to the
// controller's level, so lowering the controller retires coarser entries.
type LevelController struct {
	level atomic.Uint32
}

// NewLevelController returns a controller starting at initial.
func NewLevelController(initial Level) *LevelController {
	c := &LevelController{}
	c.level.Store(uint32(initial))
	return c
}

// Level returns the accepted level.
func (c *LevelController) Level() Level { return Level(c.level.Load()) }

// SetLevel changes the accepted level.
func (c *LevelController) SetLevel(l Level) { c.level.Store(uint32(l)) }

// Options tunes a FunctionResultCache.
type Options struct {
	// MaxUpdateAttempts bounds background retries of a contended update.
	MaxUpdateAttempts int
	// OnRetry is called for every failed lock attempt in the background loop.
	OnRetry func()
	// OnGiveUp is called when a background update is abandoned.
	OnGiveUp func(key string)
}

type entry[V any] struct {
	value V
	level Level
}

type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
}

// FunctionResultCache memoizes function results keyed by an ordered
// parameter list. Updates never block the caller: a contended shard is
// updated later by a tracked background task.
type FunctionResultCache[V any] struct {
	shards     [shardCount]shard[V]
	controller *LevelController
	opts       Options
	tasks      *TaskGroup
}

// NewFunctionResultCache builds a cache governed by controller. A nil
// controller accepts only level-zero entries.
func NewFunctionResultCache[V any](controller *LevelController, opts Options) *FunctionResultCache[V] {
	if controller == nil {
		controller = NewLevelController(0)
	}
	if opts.MaxUpdateAttempts <= 0 {
		opts.MaxUpdateAttempts = DefaultMaxUpdateAttempts
	}
	c := &FunctionResultCache[V]{controller: controller, opts: opts, tasks: NewTaskGroup()}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]entry[V])
	}
	return c
}

// Key joins parameters into an order-sensitive cache key.
func Key(params ...any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, "\x1f")
}

func (c *FunctionResultCache[V]) shardFor(key string) *shard[V] {
	return &c.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

// Controller returns the level controller.
func (c *FunctionResultCache[V]) Controller() *LevelController { return c.controller }

// Tasks exposes the background update tasks.
func (c *FunctionResultCache[V]) Tasks() *TaskGroup { return c.tasks }

// Lookup returns a cached value valid at the controller's current level.
func (c *FunctionResultCache[V]) Lookup(key string) (V, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	sh.mu.Unlock()
	if !ok || e.level > c.controller.Level() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Update stores value computed at level. It reports whether the value was
// stored synchronously; otherwise a background task retries the update.
func (c *FunctionResultCache[V]) Update(key string, value V, level Level) bool {
	sh := c.shardFor(key)
	if sh.mu.TryLock() {
		sh.store(key, value, level)
		sh.mu.Unlock()
		return true
	}
	c.tasks.Go(func(ctx context.Context) {
		c.retryUpdate(ctx, sh, key, value, level)
	})
	return false
}

var errContended = errors.New("cache shard contended")

func (c *FunctionResultCache[V]) retryUpdate(ctx context.Context, sh *shard[V], key string, value V, level Level) {
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxUpdateAttempts), retry.NewConstant(time.Microsecond))
	err := retry.Do(ctx, backoff, func(context.Context) error {
		if sh.mu.TryLock() {
			sh.store(key, value, level)
			sh.mu.Unlock()
			return nil
		}
		if c.opts.OnRetry != nil {
			c.opts.OnRetry()
		}
		runtime.Gosched()
		return retry.RetryableError(errContended)
	})
	if err != nil && c.opts.OnGiveUp != nil {
		c.opts.OnGiveUp(key)
	}
}

// A more precise existing entry is never replaced by a coarser one.
func (s *shard[V]) store(key string, value V, level Level) {
	if prev, ok := s.entries[key]; ok && prev.level < level {
		return
	}
	s.entries[key] = entry[V]{value: value, level: level}
}

// Invalidate drops every entry. Pending background updates are cancelled
// first so they cannot repopulate the cache afterwards.
func (c *FunctionResultCache[V]) Invalidate() {
	c.tasks.CancelAndWait()
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[string]entry[V])
		sh.mu.Unlock()
	}
}

// Len returns the number of stored entries regardless of level.
func (c *FunctionResultCache[V]) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
