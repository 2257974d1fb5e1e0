package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/download"
	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/parse"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// PageParser turns fetched catalog pages into child descriptors. Implementations must be pure
// and report malformed input with an error wrapping utils.ErrParsing.
type PageParser interface {
	ParseLetterPage(body []byte, pageURL string) (lastPage int, albumLinks []string, err error)
	ParseAlbumPage(body []byte, albumURL string) (albumName string, songs []models.SongLink, err error)
	ParseSongPage(body []byte, pageURL string) (mp3URL string, err error)
}

// PageFetcher fetches a page body. A non-2xx response is an error.
type PageFetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Downloader stores the file at sourceURL under destPath. *download.Materializer implements it.
type Downloader interface {
	Materialize(ctx context.Context, sourceURL, destPath string) (models.DownloadOutcome, error)
}

// execute runs one attempt of task and returns the tasks it discovered.
// A task whose target is already visited is a no-op. The parent's visited flag is always
// its last write, so an attempt that fails part way is redone in full.
func (c *Crawler) execute(ctx context.Context, task models.CrawlTask, taskLog *logrus.Entry) ([]models.CrawlTask, error) {
	switch task.Kind {
	case models.TaskKindLetter:
		return c.executeLetter(ctx, task, taskLog)
	case models.TaskKindLetterPage:
		return c.executeLetterPage(ctx, task, taskLog)
	case models.TaskKindAlbum:
		return c.executeAlbum(ctx, task, taskLog)
	case models.TaskKindSong:
		return nil, c.executeSong(ctx, task, taskLog)
	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (c *Crawler) executeLetter(ctx context.Context, task models.CrawlTask, taskLog *logrus.Entry) ([]models.CrawlTask, error) {
	visited, err := c.index.PageVisited(ctx, task.LetterURL, 1)
	if err != nil || visited {
		return nil, err
	}

	body, err := c.fetcher.Get(ctx, task.LetterURL)
	if err != nil {
		return nil, err
	}

	var lastPage int
	var links []string
	err = c.parse.run(ctx, func() error {
		var parseErr error
		lastPage, links, parseErr = c.parser.ParseLetterPage(body, task.LetterURL)
		return parseErr
	})
	if err != nil {
		return nil, err
	}

	children, err := c.addAlbums(ctx, links, taskLog)
	if err != nil {
		return nil, err
	}
	for page := 2; page <= lastPage; page++ {
		pageURL := parse.LetterPageURL(task.LetterURL, page)
		if err := c.index.AddPage(ctx, task.LetterURL, page, pageURL); err != nil {
			return nil, err
		}
		children = append(children, models.NewLetterPageTask(task.LetterURL, page, pageURL))
	}

	if _, err := c.index.MarkPageVisited(ctx, task.LetterURL, 1, task.LetterURL); err != nil {
		return nil, err
	}
	taskLog.WithFields(logrus.Fields{"pages": lastPage, "albums": len(links)}).Info("Letter indexed")
	return children, nil
}

func (c *Crawler) executeLetterPage(ctx context.Context, task models.CrawlTask, taskLog *logrus.Entry) ([]models.CrawlTask, error) {
	visited, err := c.index.PageVisited(ctx, task.LetterURL, task.Page)
	if err != nil || visited {
		return nil, err
	}

	body, err := c.fetcher.Get(ctx, task.PageURL)
	if err != nil {
		return nil, err
	}

	var links []string
	err = c.parse.run(ctx, func() error {
		var parseErr error
		_, links, parseErr = c.parser.ParseLetterPage(body, task.PageURL)
		return parseErr
	})
	if err != nil {
		return nil, err
	}

	children, err := c.addAlbums(ctx, links, taskLog)
	if err != nil {
		return nil, err
	}

	if _, err := c.index.MarkPageVisited(ctx, task.LetterURL, task.Page, task.PageURL); err != nil {
		return nil, err
	}
	taskLog.WithField("albums", len(links)).Debug("Letter page indexed")
	return children, nil
}

// addAlbums records album stubs for every link and returns an album task for each
func (c *Crawler) addAlbums(ctx context.Context, links []string, taskLog *logrus.Entry) ([]models.CrawlTask, error) {
	children := make([]models.CrawlTask, 0, len(links))
	for _, link := range links {
		albumID, err := parse.AlbumIDFromURL(link)
		if err != nil {
			taskLog.Warnf("Skipping album link: %v", err)
			continue
		}
		if err := c.index.AddAlbum(ctx, albumID, link); err != nil {
			return nil, err
		}
		children = append(children, models.NewAlbumTask(link))
	}
	return children, nil
}

func (c *Crawler) executeAlbum(ctx context.Context, task models.CrawlTask, taskLog *logrus.Entry) ([]models.CrawlTask, error) {
	albumID, err := parse.AlbumIDFromURL(task.AlbumURL)
	if err != nil {
		return nil, err
	}
	existing, err := c.index.GetAlbum(ctx, albumID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Visited {
		return nil, nil
	}

	body, err := c.fetcher.Get(ctx, task.AlbumURL)
	if err != nil {
		return nil, err
	}

	var albumName string
	var songs []models.SongLink
	err = c.parse.run(ctx, func() error {
		var parseErr error
		albumName, songs, parseErr = c.parser.ParseAlbumPage(body, task.AlbumURL)
		return parseErr
	})
	if err != nil {
		return nil, err
	}

	if err := c.index.AddAlbum(ctx, albumID, task.AlbumURL); err != nil {
		return nil, err
	}
	children := make([]models.CrawlTask, 0, len(songs))
	for _, song := range songs {
		rec := models.SongRecord{AlbumID: albumID, AlbumIndex: song.Index, SongName: song.Name, PageURL: song.PageURL}
		if err := c.index.AddSong(ctx, rec); err != nil {
			return nil, err
		}
		children = append(children, rec.Task())
	}

	if _, err := c.index.MarkAlbumVisited(ctx, albumID, albumName, task.AlbumURL); err != nil {
		return nil, err
	}
	taskLog.WithFields(logrus.Fields{"album": albumName, "songs": len(songs)}).Info("Album indexed")
	return children, nil
}

func (c *Crawler) executeSong(ctx context.Context, task models.CrawlTask, taskLog *logrus.Entry) error {
	song, err := c.index.GetSong(ctx, task.AlbumID, task.Index)
	if err != nil {
		return err
	}
	if song == nil {
		// AddSong drops a song whose page URL another song already owns
		taskLog.Warn("Song is not in the index, skipping")
		return nil
	}
	if song.Visited {
		if c.downloader == nil {
			return nil
		}
		return c.materialize(ctx, *song, taskLog)
	}

	body, err := c.fetcher.Get(ctx, task.PageURL)
	if err != nil {
		return err
	}

	var mp3URL string
	err = c.parse.run(ctx, func() error {
		var parseErr error
		mp3URL, parseErr = c.parser.ParseSongPage(body, task.PageURL)
		return parseErr
	})
	if err != nil {
		return err
	}

	changed, err := c.index.MarkSongVisited(ctx, task.AlbumID, task.Index, mp3URL)
	if err != nil {
		return err
	}
	song.MP3URL = mp3URL
	song.Visited = true

	if changed {
		if err := c.export.Write(export.NewRow(*song, download.DestPath(c.opts.OutputDir, *song))); err != nil {
			taskLog.WithField("category", utils.CategorizeError(err)).Errorf("Failed to append export row: %v", err)
		}
	}
	taskLog.WithField("mp3_url", mp3URL).Debug("Song resolved")

	if c.downloader == nil {
		return nil
	}
	return c.materialize(ctx, *song, taskLog)
}

// materialize downloads a resolved song into the output directory unless it is already there
func (c *Crawler) materialize(ctx context.Context, song models.SongRecord, taskLog *logrus.Entry) error {
	if song.MP3URL == "" {
		return fmt.Errorf("%w: visited song %s #%d has no mp3 URL", utils.ErrDatabase, song.AlbumID, song.AlbumIndex)
	}
	dest := download.DestPath(c.opts.OutputDir, song)
	outcome, err := c.downloader.Materialize(ctx, song.MP3URL, dest)
	if err != nil {
		return err
	}
	taskLog.WithFields(logrus.Fields{"dest": dest, "outcome": outcome.String()}).Debug("Song materialized")
	return nil
}

// fileMissing reports whether the song's destination file does not exist yet
func (c *Crawler) fileMissing(song models.SongRecord) bool {
	_, err := os.Stat(download.DestPath(c.opts.OutputDir, song))
	return errors.Is(err, os.ErrNotExist)
}
