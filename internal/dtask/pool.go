// Package dtask provides the shared pool that runs
// short-lived background tasks for a client,
// such as connection recovery.
package dtask

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs tasks on their own goroutines, bounded by a concurrency limit.
// Tasks receive the pool's context, which is canceled
// when the context passed to [NewPool] is canceled.
type Pool struct {
	ctx context.Context
	g   *errgroup.Group
}

// NewPool returns a pool whose tasks observe ctx.
// If limit is positive, at most limit tasks run at once
// and [*Pool.Go] blocks while the pool is saturated.
func NewPool(ctx context.Context, limit int) *Pool {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Pool{ctx: ctx, g: &g}
}

// Go runs fn on a pool goroutine.
// Tasks do not report errors to the pool;
// each task is responsible for its own error handling.
func (p *Pool) Go(fn func(ctx context.Context)) {
	p.g.Go(func() error {
		fn(p.ctx)
		return nil
	})
}

// Wait blocks until every task started so far has returned.
func (p *Pool) Wait() {
	_ = p.g.Wait()
}
