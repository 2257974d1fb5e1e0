package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/metrics"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// DefaultChunkSize is the copy buffer used when none is configured
const DefaultChunkSize = 32 * 1024

// Streamer copies the body at a URL into w through buf. *fetch.Fetcher implements it.
type Streamer interface {
	Stream(ctx context.Context, rawURL string, w io.Writer, buf []byte) (int64, error)
}

// Materializer downloads a file into a staging directory and moves it into place with a rename,
// so a destination path either does not exist or holds a complete file.
// Staging and destination should live on the same filesystem for the rename to be atomic.
type Materializer struct {
	streamer   Streamer
	stagingDir string
	chunkSize  int
	metrics    *metrics.Metrics
	log        *logrus.Entry
}

// NewMaterializer creates a Materializer staging into stagingDir
func NewMaterializer(streamer Streamer, stagingDir string, chunkSize int, m *metrics.Metrics, log *logrus.Entry) *Materializer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Materializer{
		streamer:   streamer,
		stagingDir: stagingDir,
		chunkSize:  chunkSize,
		metrics:    m,
		log:        log,
	}
}

// Materialize ensures destPath holds the body of sourceURL.
// An existing regular file at destPath is left alone and no request is made;
// anything else at that path is an ErrFilesystem.
// On failure the staging file is removed and destPath is not touched.
func (m *Materializer) Materialize(ctx context.Context, sourceURL, destPath string) (models.DownloadOutcome, error) {
	dlLog := m.log.WithFields(logrus.Fields{"url": sourceURL, "dest": destPath})

	if info, err := os.Stat(destPath); err == nil {
		if !info.Mode().IsRegular() {
			return m.fail(fmt.Errorf("%w: destination '%s' exists and is not a regular file", utils.ErrFilesystem, destPath))
		}
		dlLog.Debug("Destination already exists, skipping download")
		m.metrics.Download(models.DownloadSkipped)
		return models.DownloadSkipped, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return m.fail(fmt.Errorf("%w: stat '%s': %w", utils.ErrFilesystem, destPath, err))
	}

	if err := os.MkdirAll(m.stagingDir, 0755); err != nil {
		return m.fail(fmt.Errorf("%w: creating staging directory '%s': %w", utils.ErrFilesystem, m.stagingDir, err))
	}

	tmp, err := os.CreateTemp(m.stagingDir, "dl-*.part")
	if err != nil {
		return m.fail(fmt.Errorf("%w: creating staging file in '%s': %w", utils.ErrFilesystem, m.stagingDir, err))
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		tmp.Close()
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			dlLog.Warnf("Failed to remove staging file '%s': %v", tmpPath, rmErr)
		}
	}()

	buf := make([]byte, m.chunkSize)
	n, err := m.streamer.Stream(ctx, sourceURL, tmp, buf)
	if err != nil {
		return m.fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return m.fail(fmt.Errorf("%w: syncing staging file '%s': %w", utils.ErrFilesystem, tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		return m.fail(fmt.Errorf("%w: closing staging file '%s': %w", utils.ErrFilesystem, tmpPath, err))
	}
	if err := ctx.Err(); err != nil {
		return m.fail(err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return m.fail(fmt.Errorf("%w: creating destination directory for '%s': %w", utils.ErrFilesystem, destPath, err))
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return m.fail(fmt.Errorf("%w: moving '%s' to '%s': %w", utils.ErrFilesystem, tmpPath, destPath, err))
	}
	committed = true

	dlLog.WithField("bytes", n).Info("Downloaded")
	m.metrics.Download(models.DownloadDownloaded)
	return models.DownloadDownloaded, nil
}

func (m *Materializer) fail(err error) (models.DownloadOutcome, error) {
	return models.DownloadFailed, err
}
