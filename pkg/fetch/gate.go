package fetch

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/astridyu/khinsider-scraper/pkg/metrics"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// Gate caps the number of simultaneous outbound connections across every worker and download.
// A permit is held only while bytes are on the wire.
type Gate struct {
	sem     *semaphore.Weighted
	size    int64
	metrics *metrics.Metrics
}

// NewGate creates a gate with size permits. size < 1 is treated as 1.
func NewGate(size int, m *metrics.Metrics) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), size: int64(size), metrics: m}
}

// Acquire blocks for a permit or until ctx ends
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: connection gate: %w", utils.ErrSemaphoreTimeout, err)
	}
	g.metrics.ConnectionAcquired()
	return nil
}

// Release returns a permit taken by Acquire
func (g *Gate) Release() {
	g.metrics.ConnectionReleased()
	g.sem.Release(1)
}

// Size returns the number of permits
func (g *Gate) Size() int {
	return int(g.size)
}
