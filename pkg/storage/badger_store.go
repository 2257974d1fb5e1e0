package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/log"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

const (
	pageKeyPrefix     = "page:"     // page:<letterURL>\x00<page> -> PageCounter
	albumKeyPrefix    = "album:"    // album:<albumID> -> AlbumRecord
	albumURLKeyPrefix = "albumurl:" // albumurl:<albumURL> -> albumID
	songKeyPrefix     = "song:"     // song:<albumID>\x00<index> -> SongRecord
	songPageKeyPrefix = "songpage:" // songpage:<pageURL> -> song key
	mp3KeyPrefix      = "mp3:"      // mp3:<mp3URL> -> song key
	badgerDBDir       = "index_badger"
)

func pageKey(letterURL string, page int) []byte {
	return fmt.Appendf(nil, "%s%s\x00%08d", pageKeyPrefix, letterURL, page)
}

func albumKey(albumID string) []byte {
	return []byte(albumKeyPrefix + albumID)
}

// songKey zero-pads the index so keys iterate in album order
func songKey(albumID string, albumIndex int) []byte {
	return fmt.Appendf(nil, "%s%s\x00%08d", songKeyPrefix, albumID, albumIndex)
}

// BadgerStore implements the Index interface using BadgerDB.
// Uniqueness of album URLs, song page URLs and mp3 URLs is kept with secondary keys
// written in the same transaction as the record.
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewBadgerStore initializes and returns a new BadgerStore
func NewBadgerStore(ctx context.Context, stateDir string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}
	dbPath := filepath.Join(stateDir, badgerDBDir)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing index directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing index directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing index database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create index directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if resume {
		if stats, statsErr := store.Stats(ctx); statsErr == nil {
			logger.WithFields(logrus.Fields{
				"albums": stats.Albums,
				"songs":  stats.Songs,
				"pages":  stats.Pages,
			}).Info("Loaded existing index on resume")
		}
	}

	logger.Info("Index database initialized successfully.")
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// getJSON decodes the value at key into v. Returns false if the key is absent.
func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, fmt.Errorf("%w: decoding '%s': %w", utils.ErrParsing, string(key), err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding '%s': %w", utils.ErrParsing, string(key), err)
	}
	return txn.Set(key, data)
}

// getString returns the raw value at key, or "" if absent
func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func (s *BadgerStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, utils.ErrDatabase) || errors.Is(err, utils.ErrParsing) {
		return err
	}
	s.log.WithField("op", op).Errorf("DB error: %v", err)
	return fmt.Errorf("%w: %s: %w", utils.ErrDatabase, op, err)
}

// --- Pages ---

// AddPage implements the Index interface
func (s *BadgerStore) AddPage(ctx context.Context, letterURL string, page int, pageURL string) error {
	key := pageKey(letterURL, page)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		var existing models.PageCounter
		found, err := getJSON(txn, key, &existing)
		if err != nil || found {
			return err
		}
		return setJSON(txn, key, models.PageCounter{LetterURL: letterURL, Page: page, PageURL: pageURL})
	})
	return s.wrap("adding page", err)
}

// MarkPageVisited implements the Index interface
func (s *BadgerStore) MarkPageVisited(ctx context.Context, letterURL string, page int, pageURL string) (bool, error) {
	key := pageKey(letterURL, page)
	changed := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		changed = false
		var existing models.PageCounter
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found && existing.Visited {
			return nil
		}
		changed = true
		return setJSON(txn, key, models.PageCounter{LetterURL: letterURL, Page: page, PageURL: pageURL, Visited: true})
	})
	return changed, s.wrap("marking page visited", err)
}

// PageVisited implements the Index interface
func (s *BadgerStore) PageVisited(ctx context.Context, letterURL string, page int) (bool, error) {
	var existing models.PageCounter
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, pageKey(letterURL, page), &existing)
		return err
	})
	return found && existing.Visited, s.wrap("reading page", err)
}

// UnvisitedPages implements the Index interface
func (s *BadgerStore) UnvisitedPages(ctx context.Context) ([]models.PageCounter, error) {
	var pages []models.PageCounter
	err := s.scanPrefix(ctx, pageKeyPrefix, func(val []byte) error {
		var p models.PageCounter
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		if !p.Visited {
			pages = append(pages, p)
		}
		return nil
	})
	return pages, s.wrap("scanning pages", err)
}

// --- Albums ---

// AddAlbum implements the Index interface
func (s *BadgerStore) AddAlbum(ctx context.Context, albumID, albumURL string) error {
	key := albumKey(albumID)
	urlKey := []byte(albumURLKeyPrefix + albumURL)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		var existing models.AlbumRecord
		found, err := getJSON(txn, key, &existing)
		if err != nil || found {
			return err
		}
		owner, err := getString(txn, urlKey)
		if err != nil || owner != "" {
			return err
		}
		if err := setJSON(txn, key, models.AlbumRecord{AlbumID: albumID, AlbumURL: albumURL}); err != nil {
			return err
		}
		return txn.Set(urlKey, []byte(albumID))
	})
	return s.wrap("adding album", err)
}

// MarkAlbumVisited implements the Index interface
func (s *BadgerStore) MarkAlbumVisited(ctx context.Context, albumID, albumName, albumURL string) (bool, error) {
	key := albumKey(albumID)
	urlKey := []byte(albumURLKeyPrefix + albumURL)
	changed := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		changed = false
		var existing models.AlbumRecord
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found && existing.Visited {
			return nil
		}
		if !found {
			owner, err := getString(txn, urlKey)
			if err != nil {
				return err
			}
			if owner != "" && owner != albumID {
				return fmt.Errorf("%w: %w: album URL '%s' belongs to album '%s'", utils.ErrDatabase, utils.ErrRecordConflict, albumURL, owner)
			}
			if err := txn.Set(urlKey, []byte(albumID)); err != nil {
				return err
			}
		} else {
			albumURL = existing.AlbumURL
		}
		changed = true
		return setJSON(txn, key, models.AlbumRecord{AlbumID: albumID, AlbumName: albumName, AlbumURL: albumURL, Visited: true})
	})
	return changed, s.wrap("marking album visited", err)
}

// GetAlbum implements the Index interface
func (s *BadgerStore) GetAlbum(ctx context.Context, albumID string) (*models.AlbumRecord, error) {
	var rec models.AlbumRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, albumKey(albumID), &rec)
		return err
	})
	if err != nil || !found {
		return nil, s.wrap("reading album", err)
	}
	return &rec, nil
}

// UnvisitedAlbums implements the Index interface
func (s *BadgerStore) UnvisitedAlbums(ctx context.Context) ([]models.AlbumRecord, error) {
	var albums []models.AlbumRecord
	err := s.scanPrefix(ctx, albumKeyPrefix, func(val []byte) error {
		var a models.AlbumRecord
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		if !a.Visited {
			albums = append(albums, a)
		}
		return nil
	})
	return albums, s.wrap("scanning albums", err)
}

// --- Songs ---

// AddSong implements the Index interface
func (s *BadgerStore) AddSong(ctx context.Context, song models.SongRecord) error {
	key := songKey(song.AlbumID, song.AlbumIndex)
	pageURLKey := []byte(songPageKeyPrefix + song.PageURL)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		var existing models.SongRecord
		found, err := getJSON(txn, key, &existing)
		if err != nil || found {
			return err
		}
		owner, err := getString(txn, pageURLKey)
		if err != nil {
			return err
		}
		if owner != "" {
			s.log.Debugf("Song page '%s' already indexed under %q, skipping", song.PageURL, owner)
			return nil
		}
		rec := models.SongRecord{
			AlbumID:    song.AlbumID,
			AlbumIndex: song.AlbumIndex,
			SongName:   song.SongName,
			PageURL:    song.PageURL,
		}
		if err := setJSON(txn, key, rec); err != nil {
			return err
		}
		return txn.Set(pageURLKey, key)
	})
	return s.wrap("adding song", err)
}

// MarkSongVisited implements the Index interface
func (s *BadgerStore) MarkSongVisited(ctx context.Context, albumID string, albumIndex int, mp3URL string) (bool, error) {
	key := songKey(albumID, albumIndex)
	mp3Key := []byte(mp3KeyPrefix + mp3URL)
	changed := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		changed = false
		var rec models.SongRecord
		found, err := getJSON(txn, key, &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: song %s #%d is not indexed", utils.ErrDatabase, albumID, albumIndex)
		}
		if rec.Visited {
			return nil
		}
		owner, err := getString(txn, mp3Key)
		if err != nil {
			return err
		}
		if owner != "" && owner != string(key) {
			return fmt.Errorf("%w: %w: mp3 URL '%s' already belongs to another song", utils.ErrDatabase, utils.ErrRecordConflict, mp3URL)
		}
		rec.Visited = true
		rec.MP3URL = mp3URL
		if err := setJSON(txn, key, rec); err != nil {
			return err
		}
		changed = true
		return txn.Set(mp3Key, key)
	})
	return changed, s.wrap("marking song visited", err)
}

// GetSong implements the Index interface
func (s *BadgerStore) GetSong(ctx context.Context, albumID string, albumIndex int) (*models.SongRecord, error) {
	var rec models.SongRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, songKey(albumID, albumIndex), &rec)
		return err
	})
	if err != nil || !found {
		return nil, s.wrap("reading song", err)
	}
	return &rec, nil
}

// UnvisitedSongs implements the Index interface
func (s *BadgerStore) UnvisitedSongs(ctx context.Context) ([]models.SongRecord, error) {
	var songs []models.SongRecord
	err := s.scanPrefix(ctx, songKeyPrefix, func(val []byte) error {
		var song models.SongRecord
		if err := json.Unmarshal(val, &song); err != nil {
			return err
		}
		if !song.Visited {
			songs = append(songs, song)
		}
		return nil
	})
	return songs, s.wrap("scanning songs", err)
}

// ForEachVisitedSong implements the Index interface
func (s *BadgerStore) ForEachVisitedSong(ctx context.Context, fn func(models.SongRecord) error) error {
	var fnErr error
	err := s.scanPrefix(ctx, songKeyPrefix, func(val []byte) error {
		var song models.SongRecord
		if err := json.Unmarshal(val, &song); err != nil {
			return err
		}
		if !song.Visited {
			return nil
		}
		if err := fn(song); err != nil {
			fnErr = err
			return err
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return s.wrap("scanning visited songs", err)
}

// --- Admin ---

// Stats implements the Index interface
func (s *BadgerStore) Stats(ctx context.Context) (models.IndexStats, error) {
	var stats models.IndexStats
	type visitedFlag struct {
		Visited bool `json:"visited"`
	}
	count := func(prefix string, total, visited *int) error {
		return s.scanPrefix(ctx, prefix, func(val []byte) error {
			var v visitedFlag
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			*total++
			if v.Visited {
				*visited++
			}
			return nil
		})
	}
	if err := count(pageKeyPrefix, &stats.Pages, &stats.PagesVisited); err != nil {
		return stats, s.wrap("counting pages", err)
	}
	if err := count(albumKeyPrefix, &stats.Albums, &stats.AlbumsVisited); err != nil {
		return stats, s.wrap("counting albums", err)
	}
	if err := count(songKeyPrefix, &stats.Songs, &stats.SongsVisited); err != nil {
		return stats, s.wrap("counting songs", err)
	}
	return stats, nil
}

// scanPrefix calls fn with the value of every key under prefix, in key order
func (s *BadgerStore) scanPrefix(ctx context.Context, prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			s.log.Debug("Running BadgerDB value log garbage collection...")
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}

			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the Index interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing index DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing index DB: %v", err)
			return err
		}
		s.log.Info("Index DB closed.")
		return nil
	}
	s.log.Info("Index DB already closed or was not initialized.")
	return nil
}
