// Package cache provides sharded derived-value caches with approximation
// levels, non-blocking updates and tracked background fill tasks.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// TaskGroup tracks cancellable background tasks so that an owner can cancel
// and await all of them before changing the state those tasks write into.
type TaskGroup struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	active atomic.Int64
}

// NewTaskGroup returns an empty task group.
func NewTaskGroup() *TaskGroup {
	g := &TaskGroup{}
	g.reset()
	return g
}

func (g *TaskGroup) reset() {
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.wg = &sync.WaitGroup{}
}

// Go runs fn in the background with a context that is cancelled by
// CancelAndWait.
func (g *TaskGroup) Go(fn func(ctx context.Context)) {
	g.mu.Lock()
	ctx, wg := g.ctx, g.wg
	wg.Add(1)
	g.mu.Unlock()
	g.active.Add(1)
	go func() {
		defer wg.Done()
		defer g.active.Add(-1)
		fn(ctx)
	}()
}

// Active returns the number of running tasks.
func (g *TaskGroup) Active() int {
	return int(g.active.Load())
}

// Wait blocks until every task started so far has returned.
func (g *TaskGroup) Wait() {
	g.mu.Lock()
	wg := g.wg
	g.mu.Unlock()
	wg.Wait()
}

// CancelAndWait cancels every running task and waits for all of them to
// return. Tasks started afterwards receive a fresh context.
func (g *TaskGroup) CancelAndWait() {
	g.mu.Lock()
	cancel, wg := g.cancel, g.wg
	g.reset()
	g.mu.Unlock()
	cancel()
	wg.Wait()
}
