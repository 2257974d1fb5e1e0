package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/models"
)

// ErrClosed is returned by WaitDrained when the frontier is closed before it drained
var ErrClosed = errors.New("frontier closed")

// --- Task Frontier Implementation ---

// Frontier is an unbounded FIFO of crawl tasks that also tracks how many dequeued tasks
// are still being executed. It is drained when no task is queued and none is in flight.
// A worker must enqueue a task's children before calling MarkDone for that task.
type Frontier struct {
	mu       sync.Mutex
	notEmpty *sync.Cond // Signalled when a task is enqueued or the frontier closes
	changed  *sync.Cond // Broadcast on every length/in-flight change, watched by WaitDrained

	tasks    []models.CrawlTask
	head     int // Index of the next task to dequeue
	inFlight int
	closed   bool

	enqueued  int64 // Lifetime totals for progress reporting
	completed int64

	log *logrus.Entry
}

// NewFrontier creates an empty, open frontier
func NewFrontier(logger *logrus.Entry) *Frontier {
	f := &Frontier{log: logger.WithField("component", "frontier")}
	f.notEmpty = sync.NewCond(&f.mu)
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Enqueue appends a task at the tail. It never blocks. Tasks enqueued after Close are dropped.
func (f *Frontier) Enqueue(task models.CrawlTask) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		f.log.Warnf("Attempted to enqueue task on closed frontier: %s", task)
		return
	}

	f.tasks = append(f.tasks, task)
	f.enqueued++
	f.notEmpty.Signal()
	f.changed.Broadcast()
}

// Dequeue removes the task at the head, blocking until one is available.
// The task counts as in flight until MarkDone is called for it.
// Returns false once the frontier is closed and empty, or when ctx ends.
func (f *Frontier) Dequeue(ctx context.Context) (models.CrawlTask, bool) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notEmpty.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	for f.lenLocked() == 0 {
		if f.closed || ctx.Err() != nil {
			return models.CrawlTask{}, false
		}
		f.notEmpty.Wait()
	}
	if ctx.Err() != nil {
		return models.CrawlTask{}, false
	}

	task := f.tasks[f.head]
	f.tasks[f.head] = models.CrawlTask{}
	f.head++
	// Reclaim the consumed prefix once it dominates the backing array
	if f.head > 1024 && f.head*2 > len(f.tasks) {
		f.tasks = append([]models.CrawlTask(nil), f.tasks[f.head:]...)
		f.head = 0
	}
	f.inFlight++
	f.changed.Broadcast()
	return task, true
}

// MarkDone records that one dequeued task finished, successfully or not
func (f *Frontier) MarkDone() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight == 0 {
		f.log.Error("MarkDone called with no task in flight")
		return
	}
	f.inFlight--
	f.completed++
	f.changed.Broadcast()
}

// WaitDrained blocks until the frontier is empty and no task is in flight.
// It returns ctx.Err() if ctx ends first and ErrClosed if the frontier is closed first.
func (f *Frontier) WaitDrained(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.changed.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	for !f.drainedLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.closed {
			return ErrClosed
		}
		f.changed.Wait()
	}
	return nil
}

// Close stops accepting tasks and wakes every blocked caller
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.notEmpty.Broadcast()
		f.changed.Broadcast()
	}
}

// Len returns the number of queued tasks
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lenLocked()
}

// InFlight returns the number of dequeued tasks not yet marked done
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Totals returns how many tasks were ever enqueued and how many were marked done
func (f *Frontier) Totals() (enqueued, completed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued, f.completed
}

func (f *Frontier) lenLocked() int {
	return len(f.tasks) - f.head
}

func (f *Frontier) drainedLocked() bool {
	return f.lenLocked() == 0 && f.inFlight == 0
}
