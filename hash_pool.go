package auth

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultHashTimeout bounds a single hashing job, queueing included.
const DefaultHashTimeout = 5 * time.Second

// HashPool bounds the number of concurrent CPU heavy hashing jobs so a burst
// of registrations or logins can not starve unrelated requests.
type HashPool struct {
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
}

// NewHashPool creates a pool with size slots. Zero values default to half the
// CPUs (at least one) and DefaultHashTimeout.
func NewHashPool(size int, timeout time.Duration) *HashPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) / 2
		if size < 1 {
			size = 1
		}
	}

	if timeout <= 0 {
		timeout = DefaultHashTimeout
	}

	return &HashPool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		timeout: timeout,
	}
}

// Size returns the number of slots.
func (p *HashPool) Size() int {
	return int(p.size)
}

// Run executes fn once a slot is free. The caller returns when fn finishes or
// the deadline passes, whichever happens first; fn keeps its slot until it
// returns so the bound holds even for abandoned jobs.
func (p *HashPool) Run(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.contextErr(ctx, err)
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return p.contextErr(ctx, ctx.Err())
	}
}

func (p *HashPool) contextErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return withDetails(ErrHashTimeout, err, map[string]any{"timeout": p.timeout.String()})
	}
	return err
}
