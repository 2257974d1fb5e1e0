package download

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/fetch"
	"github.com/astridyu/khinsider-scraper/pkg/metrics"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// SongIndex is the part of the index the download pass reads
type SongIndex interface {
	ForEachVisitedSong(ctx context.Context, fn func(models.SongRecord) error) error
}

// SongsFromIndex lists every visited song in the index
func SongsFromIndex(ctx context.Context, idx SongIndex) ([]models.SongRecord, error) {
	var songs []models.SongRecord
	err := idx.ForEachVisitedSong(ctx, func(song models.SongRecord) error {
		songs = append(songs, song)
		return nil
	})
	return songs, err
}

// SongsFromExport lists the songs of an export CSV
func SongsFromExport(path string) ([]models.SongRecord, error) {
	rows, err := export.ReadFile(path)
	if err != nil {
		return nil, err
	}
	songs := make([]models.SongRecord, 0, len(rows))
	for _, row := range rows {
		songs = append(songs, row.Song())
	}
	return songs, nil
}

// Runner downloads a list of resolved songs with bounded concurrency
type Runner struct {
	materializer *Materializer
	policy       fetch.RetryPolicy
	outputDir    string
	concurrency  int
	metrics      *metrics.Metrics
	log          *logrus.Entry
}

// NewRunner creates a Runner running at most concurrency downloads at once
func NewRunner(materializer *Materializer, policy fetch.RetryPolicy, outputDir string, concurrency int, m *metrics.Metrics, log *logrus.Entry) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		materializer: materializer,
		policy:       policy,
		outputDir:    outputDir,
		concurrency:  concurrency,
		metrics:      m,
		log:          log,
	}
}

// Run materializes every song. Individual failures are counted and logged, not returned;
// the returned error is non-nil only when ctx ended before every song was handled.
func (r *Runner) Run(ctx context.Context, songs []models.SongRecord) (models.DownloadSummary, error) {
	var downloaded, skipped, failed atomic.Int64

	r.log.Infof("Downloading %d songs with %d concurrent connections", len(songs), r.concurrency)

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for _, song := range songs {
		if ctx.Err() != nil {
			break
		}
		song := song
		g.Go(func() error {
			switch r.one(ctx, song) {
			case models.DownloadDownloaded:
				downloaded.Add(1)
			case models.DownloadSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	summary := models.DownloadSummary{
		Total:      len(songs),
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
	r.log.WithFields(logrus.Fields{
		"total":      summary.Total,
		"downloaded": summary.Downloaded,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
	}).Info("Download pass finished")

	return summary, ctx.Err()
}

func (r *Runner) one(ctx context.Context, song models.SongRecord) models.DownloadOutcome {
	songLog := r.log.WithField("song", song.Task().String())
	if song.MP3URL == "" {
		songLog.Warn("Song has no mp3 URL, skipping download")
		r.metrics.Download(models.DownloadFailed)
		return models.DownloadFailed
	}

	dest := DestPath(r.outputDir, song)
	outcome := models.DownloadFailed
	attempts, err := fetch.Retry(ctx, r.policy, songLog, func(ctx context.Context, attempt int) error {
		var err error
		outcome, err = r.materializer.Materialize(ctx, song.MP3URL, dest)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			songLog.WithFields(logrus.Fields{
				"attempts": attempts,
				"category": utils.CategorizeError(err),
			}).Errorf("Giving up on download: %v", err)
		}
		r.metrics.Download(models.DownloadFailed)
		return models.DownloadFailed
	}
	return outcome
}
