// Package worker provides a bounded pool for blocking work. File chunk
// reads, multipart decoding, and checksum hashing run under a pool slot so
// a burst of large transfers cannot monopolize the scheduler.
package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently executing blocking tasks.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger *slog.Logger
}

// NewPool creates a pool allowing size concurrent tasks.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger,
	}
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return p.size
}

// Run executes fn on the calling goroutine once a pool slot is free. It
// returns ctx.Err() if the context is done before a slot opens, otherwise
// the error returned by fn.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Go runs fn asynchronously under a pool slot and reports its result on
// the returned channel. The channel is buffered; the result may be
// discarded without blocking the worker.
func (p *Pool) Go(ctx context.Context, fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, fn)
	}()
	return done
}

// TryRun executes fn only if a slot is immediately available. It reports
// whether the task ran.
func (p *Pool) TryRun(fn func() error) (bool, error) {
	if !p.sem.TryAcquire(1) {
		return false, nil
	}
	defer p.sem.Release(1)
	return true, fn()
}
