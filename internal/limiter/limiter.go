// Package limiter bounds how many per-device operations share the radio at once.
package limiter

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Limiter admits at most Capacity concurrent operations.
type Limiter struct {
	capacity int64
	sem      *semaphore.Weighted
	logger   *logrus.Entry
}

// New creates a limiter. A capacity below 1 is treated as 1.
func New(capacity int, logger *logrus.Logger) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Limiter{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		logger:   logger.WithField("component", "battery"),
	}
}

// Capacity returns the admission limit.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// Do runs fn once a slot is free. The slot is released when fn returns or
// panics; a panic is logged and reported as an error.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context)) (err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Errorf("Limited operation panicked\n%s", debug.Stack())
			err = fmt.Errorf("limited operation panicked: %v", r)
		}
	}()

	fn(ctx)
	return nil
}

// RunAll starts one goroutine per item and blocks until every item finished.
// Items that could not be admitted because ctx ended are skipped.
func RunAll[T any](ctx context.Context, l *Limiter, items []T, op func(context.Context, T)) {
	var group errgroup.Group
	for _, item := range items {
		group.Go(func() error {
			if err := l.Do(ctx, func(ctx context.Context) { op(ctx, item) }); err != nil {
				l.logger.WithError(err).Debug("Operation not completed")
			}
			return nil
		})
	}
	_ = group.Wait()
}
