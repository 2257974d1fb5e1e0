package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/fetch"
	"github.com/astridyu/khinsider-scraper/pkg/metrics"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/queue"
	"github.com/astridyu/khinsider-scraper/pkg/storage"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

const progressInterval = 30 * time.Second

// Options controls a crawl run
type Options struct {
	LetterURLs   []string          // Catalog entry points, one Letter task each
	NumWorkers   int               // Number of worker goroutines draining the frontier
	ParseWorkers int               // Pages parsed at once; defaults to NumWorkers
	Retry        fetch.RetryPolicy // Applied to every task
	Resume       bool              // Seed from the unvisited records of the index instead of the letters only
	OutputDir    string            // Root of downloaded songs; used for export paths and single-pass downloads
}

// Result counts how the run's tasks ended
type Result struct {
	Completed int64
	Abandoned int64
}

// Crawler drains a task frontier with a fixed pool of workers, recording results in the index.
type Crawler struct {
	opts       Options
	index      storage.Index
	fetcher    PageFetcher
	parser     PageParser
	downloader Downloader // nil unless songs are downloaded while crawling
	export     *export.Writer
	metrics    *metrics.Metrics
	log        *logrus.Entry

	frontier *queue.Frontier
	parse    *parsePool

	completed atomic.Int64
	abandoned atomic.Int64
}

// New creates a Crawler. downloader and exportWriter may be nil.
func New(
	opts Options,
	index storage.Index,
	fetcher PageFetcher,
	parser PageParser,
	downloader Downloader,
	exportWriter *export.Writer,
	m *metrics.Metrics,
	baseLogger *logrus.Entry,
) *Crawler {
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	if opts.ParseWorkers < 1 {
		opts.ParseWorkers = opts.NumWorkers
	}
	logger := baseLogger.WithField("component", "crawler")
	return &Crawler{
		opts:       opts,
		index:      index,
		fetcher:    fetcher,
		parser:     parser,
		downloader: downloader,
		export:     exportWriter,
		metrics:    m,
		log:        logger,
		frontier:   queue.NewFrontier(logger),
		parse:      newParsePool(opts.ParseWorkers),
	}
}

// Run seeds the frontier and blocks until it drains or ctx ends.
// Tasks that exhaust their attempts are abandoned and counted, never returned as errors.
// The returned error is ctx's error when the run was interrupted, or a seeding failure.
func (c *Crawler) Run(ctx context.Context) (Result, error) {
	runLog := c.log.WithFields(logrus.Fields{"resume": c.opts.Resume, "single_pass": c.downloader != nil})
	start := time.Now()

	seeded, err := c.seed(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("seeding frontier: %w", err)
	}
	runLog.Infof("Seeded %d tasks. Starting %d workers...", seeded, c.opts.NumWorkers)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	g, gctx := errgroup.WithContext(workCtx)

	for i := 1; i <= c.opts.NumWorkers; i++ {
		workerLog := c.log.WithField("worker_id", i)
		g.Go(func() error {
			c.worker(gctx, workerLog)
			return nil
		})
	}

	// Drain watcher: once nothing is queued or in flight, stop the workers
	g.Go(func() error {
		err := c.frontier.WaitDrained(gctx)
		switch {
		case err == nil:
			runLog.Info("Frontier drained, stopping workers")
		case errors.Is(err, queue.ErrClosed):
		default:
			runLog.Warnf("Stopped waiting for frontier to drain: %v", err)
		}
		c.frontier.Close()
		cancelWork()
		return nil
	})

	g.Go(func() error {
		c.reportProgress(gctx, runLog)
		return nil
	})

	g.Wait()
	c.frontier.Close()

	result := Result{Completed: c.completed.Load(), Abandoned: c.abandoned.Load()}
	enqueued, done := c.frontier.Totals()
	summaryLog := runLog.WithFields(logrus.Fields{
		"duration":  time.Since(start).Round(time.Millisecond),
		"enqueued":  enqueued,
		"finished":  done,
		"completed": result.Completed,
		"abandoned": result.Abandoned,
		"remaining": c.frontier.Len(),
	})
	if err := ctx.Err(); err != nil {
		summaryLog.Warnf("Crawl interrupted: %v", err)
		return result, err
	}
	summaryLog.Info("Crawl finished")
	return result, nil
}

// seed enqueues the initial tasks and returns how many were added
func (c *Crawler) seed(ctx context.Context) (int, error) {
	if !c.opts.Resume {
		for _, letterURL := range c.opts.LetterURLs {
			c.frontier.Enqueue(models.NewLetterTask(letterURL))
		}
		return len(c.opts.LetterURLs), nil
	}

	n := 0
	enqueue := func(task models.CrawlTask) {
		c.frontier.Enqueue(task)
		n++
	}

	for _, letterURL := range c.opts.LetterURLs {
		visited, err := c.index.PageVisited(ctx, letterURL, 1)
		if err != nil {
			return n, err
		}
		if !visited {
			enqueue(models.NewLetterTask(letterURL))
		}
	}

	pages, err := c.index.UnvisitedPages(ctx)
	if err != nil {
		return n, err
	}
	for _, p := range pages {
		enqueue(models.NewLetterPageTask(p.LetterURL, p.Page, p.PageURL))
	}

	albums, err := c.index.UnvisitedAlbums(ctx)
	if err != nil {
		return n, err
	}
	for _, a := range albums {
		enqueue(models.NewAlbumTask(a.AlbumURL))
	}

	songs, err := c.index.UnvisitedSongs(ctx)
	if err != nil {
		return n, err
	}
	for _, s := range songs {
		enqueue(s.Task())
	}

	missing := 0
	if c.downloader != nil {
		err := c.index.ForEachVisitedSong(ctx, func(s models.SongRecord) error {
			if c.fileMissing(s) {
				enqueue(s.Task())
				missing++
			}
			return nil
		})
		if err != nil {
			return n, err
		}
	}

	c.log.WithFields(logrus.Fields{
		"pages":           len(pages),
		"albums":          len(albums),
		"songs":           len(songs),
		"songs_undrained": missing,
	}).Info("Resume: requeued unvisited records from index")
	return n, nil
}

// worker processes tasks until the frontier closes or ctx ends
func (c *Crawler) worker(ctx context.Context, workerLog *logrus.Entry) {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		task, ok := c.frontier.Dequeue(ctx)
		if !ok {
			return
		}
		c.runTask(ctx, task, workerLog)
	}
}

// runTask executes task with retries, enqueues its children on success and marks it done
func (c *Crawler) runTask(ctx context.Context, task models.CrawlTask, workerLog *logrus.Entry) {
	defer c.frontier.MarkDone()
	taskLog := workerLog.WithField("task", task.String())

	var children []models.CrawlTask
	attempts, err := fetch.Retry(ctx, c.opts.Retry, taskLog, func(ctx context.Context, attempt int) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				taskLog.WithFields(logrus.Fields{
					"attempt":     attempt,
					"panic_info":  r,
					"stack_trace": string(debug.Stack()),
				}).Error("PANIC recovered during task execution")
			}
			if err != nil && ctx.Err() == nil {
				c.metrics.AttemptFailed(task.Kind, utils.CategorizeError(err))
			}
		}()
		children, err = c.execute(ctx, task, taskLog.WithField("attempt", attempt))
		return err
	})

	if err == nil {
		for _, child := range children {
			c.frontier.Enqueue(child)
		}
		c.completed.Add(1)
		c.metrics.TaskCompleted(task.Kind)
		return
	}

	if ctx.Err() != nil {
		taskLog.Debugf("Task interrupted by shutdown after %d attempts", attempts)
		return
	}
	c.abandoned.Add(1)
	c.metrics.TaskAbandoned(task.Kind)
	taskLog.WithFields(logrus.Fields{
		"attempts": attempts,
		"category": utils.CategorizeError(err),
	}).Errorf("Abandoning task: %v", err)
}

// reportProgress logs frontier progress periodically and keeps the frontier gauges current
func (c *Crawler) reportProgress(ctx context.Context, runLog *logrus.Entry) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.metrics.Frontier(c.frontier.Len(), c.frontier.InFlight())
			return
		case <-ticker.C:
			queued, inFlight := c.frontier.Len(), c.frontier.InFlight()
			c.metrics.Frontier(queued, inFlight)
			enqueued, done := c.frontier.Totals()
			runLog.WithFields(logrus.Fields{
				"queued":    queued,
				"in_flight": inFlight,
				"enqueued":  enqueued,
				"finished":  done,
				"abandoned": c.abandoned.Load(),
			}).Info("Crawl Progress")
		}
	}
}
