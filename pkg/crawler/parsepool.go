package crawler

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// parsePool bounds how many pages are parsed at once, independently of the connection gate.
// Work runs on the caller's goroutine once a slot is free.
type parsePool struct {
	sem *semaphore.Weighted
}

func newParsePool(size int) *parsePool {
	if size < 1 {
		size = 1
	}
	return &parsePool{sem: semaphore.NewWeighted(int64(size))}
}

// run waits for a slot, then runs fn
func (p *parsePool) run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: parse pool: %w", utils.ErrSemaphoreTimeout, err)
	}
	defer p.sem.Release(1)
	return fn()
}
