package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

const sqliteDBFile = "index.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS letter_pages (
    letter_url TEXT    NOT NULL,
    page       INTEGER NOT NULL,
    page_url   TEXT    NOT NULL,
    visited    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (letter_url, page)
);

CREATE TABLE IF NOT EXISTS albums (
    album_id   TEXT PRIMARY KEY,
    album_name TEXT,
    album_url  TEXT    NOT NULL UNIQUE,
    visited    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS songs (
    album_id    TEXT    NOT NULL REFERENCES albums(album_id),
    album_index INTEGER NOT NULL,
    song_name   TEXT    NOT NULL,
    page_url    TEXT    NOT NULL UNIQUE,
    mp3_url     TEXT UNIQUE,
    visited     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (album_id, album_index)
);

CREATE INDEX IF NOT EXISTS idx_albums_visited ON albums(visited);
CREATE INDEX IF NOT EXISTS idx_songs_visited ON songs(visited);
`

// SQLiteStore implements the Index interface on a single SQLite file.
// Each method is a single statement, so SQLite's statement atomicity is the only locking needed.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewSQLiteStore opens (creating if needed) the index database inside stateDir
func NewSQLiteStore(ctx context.Context, stateDir string, resume bool, logger *logrus.Entry) (*SQLiteStore, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, stateDir, err)
	}
	dbPath := filepath.Join(stateDir, sqliteDBFile)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing index database: %s", dbPath)
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Errorf("Failed to remove %s: %v", dbPath+suffix, err)
			}
		}
	}

	logger.Infof("Initializing index database at: %s (Resume: %v)", dbPath, resume)

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sqlite database at %s: %w", utils.ErrDatabase, dbPath, err)
	}
	// One writer at a time; SQLite serializes writes anyway and this avoids SQLITE_BUSY storms
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing schema at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	logger.Info("Index database initialized successfully.")
	return &SQLiteStore{db: db, log: logger}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.WithField("op", op).Errorf("DB error: %v", err)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w: %s: %w", utils.ErrDatabase, utils.ErrRecordConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrDatabase, op, err)
}

// changedRow reports whether a write statement touched a row
func changedRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Pages ---

// AddPage implements the Index interface
func (s *SQLiteStore) AddPage(ctx context.Context, letterURL string, page int, pageURL string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO letter_pages (letter_url, page, page_url, visited) VALUES (?, ?, ?, 0)
		 ON CONFLICT DO NOTHING`,
		letterURL, page, pageURL,
	)
	return s.wrap("adding page", err)
}

// MarkPageVisited implements the Index interface
func (s *SQLiteStore) MarkPageVisited(ctx context.Context, letterURL string, page int, pageURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO letter_pages (letter_url, page, page_url, visited) VALUES (?, ?, ?, 1)
		 ON CONFLICT (letter_url, page) DO UPDATE SET visited = 1 WHERE letter_pages.visited = 0`,
		letterURL, page, pageURL,
	)
	if err != nil {
		return false, s.wrap("marking page visited", err)
	}
	changed, err := changedRow(res)
	return changed, s.wrap("marking page visited", err)
}

// PageVisited implements the Index interface
func (s *SQLiteStore) PageVisited(ctx context.Context, letterURL string, page int) (bool, error) {
	var visited bool
	err := s.db.QueryRowContext(ctx,
		`SELECT visited FROM letter_pages WHERE letter_url = ? AND page = ?`,
		letterURL, page,
	).Scan(&visited)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return visited, s.wrap("reading page", err)
}

// UnvisitedPages implements the Index interface
func (s *SQLiteStore) UnvisitedPages(ctx context.Context) ([]models.PageCounter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT letter_url, page, page_url FROM letter_pages WHERE visited = 0 ORDER BY letter_url, page`,
	)
	if err != nil {
		return nil, s.wrap("scanning pages", err)
	}
	defer rows.Close()

	var pages []models.PageCounter
	for rows.Next() {
		var p models.PageCounter
		if err := rows.Scan(&p.LetterURL, &p.Page, &p.PageURL); err != nil {
			return nil, s.wrap("scanning pages", err)
		}
		pages = append(pages, p)
	}
	return pages, s.wrap("scanning pages", rows.Err())
}

// --- Albums ---

// AddAlbum implements the Index interface
func (s *SQLiteStore) AddAlbum(ctx context.Context, albumID, albumURL string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO albums (album_id, album_url, visited) VALUES (?, ?, 0) ON CONFLICT DO NOTHING`,
		albumID, albumURL,
	)
	return s.wrap("adding album", err)
}

// MarkAlbumVisited implements the Index interface
func (s *SQLiteStore) MarkAlbumVisited(ctx context.Context, albumID, albumName, albumURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO albums (album_id, album_name, album_url, visited) VALUES (?, ?, ?, 1)
		 ON CONFLICT (album_id) DO UPDATE SET album_name = excluded.album_name, visited = 1
		 WHERE albums.visited = 0`,
		albumID, albumName, albumURL,
	)
	if err != nil {
		return false, s.wrap("marking album visited", err)
	}
	changed, err := changedRow(res)
	return changed, s.wrap("marking album visited", err)
}

// GetAlbum implements the Index interface
func (s *SQLiteStore) GetAlbum(ctx context.Context, albumID string) (*models.AlbumRecord, error) {
	var rec models.AlbumRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT album_id, COALESCE(album_name, ''), album_url, visited FROM albums WHERE album_id = ?`,
		albumID,
	).Scan(&rec.AlbumID, &rec.AlbumName, &rec.AlbumURL, &rec.Visited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("reading album", err)
	}
	return &rec, nil
}

// UnvisitedAlbums implements the Index interface
func (s *SQLiteStore) UnvisitedAlbums(ctx context.Context) ([]models.AlbumRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT album_id, COALESCE(album_name, ''), album_url FROM albums WHERE visited = 0 ORDER BY album_id`,
	)
	if err != nil {
		return nil, s.wrap("scanning albums", err)
	}
	defer rows.Close()

	var albums []models.AlbumRecord
	for rows.Next() {
		var a models.AlbumRecord
		if err := rows.Scan(&a.AlbumID, &a.AlbumName, &a.AlbumURL); err != nil {
			return nil, s.wrap("scanning albums", err)
		}
		albums = append(albums, a)
	}
	return albums, s.wrap("scanning albums", rows.Err())
}

// --- Songs ---

const songColumns = `album_id, album_index, song_name, page_url, COALESCE(mp3_url, ''), visited`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSong(row rowScanner) (models.SongRecord, error) {
	var song models.SongRecord
	err := row.Scan(&song.AlbumID, &song.AlbumIndex, &song.SongName, &song.PageURL, &song.MP3URL, &song.Visited)
	return song, err
}

// AddSong implements the Index interface
func (s *SQLiteStore) AddSong(ctx context.Context, song models.SongRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO songs (album_id, album_index, song_name, page_url, mp3_url, visited)
		 VALUES (?, ?, ?, ?, NULL, 0) ON CONFLICT DO NOTHING`,
		song.AlbumID, song.AlbumIndex, song.SongName, song.PageURL,
	)
	return s.wrap("adding song", err)
}

// MarkSongVisited implements the Index interface
func (s *SQLiteStore) MarkSongVisited(ctx context.Context, albumID string, albumIndex int, mp3URL string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE songs SET visited = 1, mp3_url = ? WHERE album_id = ? AND album_index = ? AND visited = 0`,
		mp3URL, albumID, albumIndex,
	)
	if err != nil {
		return false, s.wrap("marking song visited", err)
	}
	changed, err := changedRow(res)
	if err != nil || changed {
		return changed, s.wrap("marking song visited", err)
	}

	existing, err := s.GetSong(ctx, albumID, albumIndex)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("%w: song %s #%d is not indexed", utils.ErrDatabase, albumID, albumIndex)
	}
	return false, nil
}

// GetSong implements the Index interface
func (s *SQLiteStore) GetSong(ctx context.Context, albumID string, albumIndex int) (*models.SongRecord, error) {
	song, err := scanSong(s.db.QueryRowContext(ctx,
		`SELECT `+songColumns+` FROM songs WHERE album_id = ? AND album_index = ?`,
		albumID, albumIndex,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("reading song", err)
	}
	return &song, nil
}

// UnvisitedSongs implements the Index interface
func (s *SQLiteStore) UnvisitedSongs(ctx context.Context) ([]models.SongRecord, error) {
	var songs []models.SongRecord
	err := s.eachSong(ctx, false, func(song models.SongRecord) error {
		songs = append(songs, song)
		return nil
	})
	return songs, err
}

// ForEachVisitedSong implements the Index interface
func (s *SQLiteStore) ForEachVisitedSong(ctx context.Context, fn func(models.SongRecord) error) error {
	return s.eachSong(ctx, true, fn)
}

func (s *SQLiteStore) eachSong(ctx context.Context, visited bool, fn func(models.SongRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+songColumns+` FROM songs WHERE visited = ? ORDER BY album_id, album_index`,
		visited,
	)
	if err != nil {
		return s.wrap("scanning songs", err)
	}
	defer rows.Close()

	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return s.wrap("scanning songs", err)
		}
		if err := fn(song); err != nil {
			return err
		}
	}
	return s.wrap("scanning songs", rows.Err())
}

// --- Admin ---

// Stats implements the Index interface
func (s *SQLiteStore) Stats(ctx context.Context) (models.IndexStats, error) {
	var stats models.IndexStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM letter_pages),
			(SELECT COUNT(*) FROM letter_pages WHERE visited = 1),
			(SELECT COUNT(*) FROM albums),
			(SELECT COUNT(*) FROM albums WHERE visited = 1),
			(SELECT COUNT(*) FROM songs),
			(SELECT COUNT(*) FROM songs WHERE visited = 1)`,
	).Scan(&stats.Pages, &stats.PagesVisited, &stats.Albums, &stats.AlbumsVisited, &stats.Songs, &stats.SongsVisited)
	return stats, s.wrap("counting records", err)
}

// RunGC checkpoints the WAL periodically so it does not grow without bound during long crawls
func (s *SQLiteStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil && ctx.Err() == nil {
				s.log.Errorf("SQLite WAL checkpoint error: %v", err)
			}
		case <-ctx.Done():
			s.log.Infof("Stopping SQLite maintenance goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the Index interface
func (s *SQLiteStore) Close() error {
	s.log.Info("Closing index DB...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing index DB: %v", err)
		return err
	}
	s.log.Info("Index DB closed.")
	return nil
}
