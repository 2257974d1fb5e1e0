package storage

import (
	"context"
	"time"

	"github.com/astridyu/khinsider-scraper/pkg/models"
)

// PageStore tracks the listing pages of each letter bucket, keyed by (letterURL, page)
type PageStore interface {
	// AddPage records a discovered listing page as unvisited. Existing rows are left untouched.
	AddPage(ctx context.Context, letterURL string, page int, pageURL string) error

	// MarkPageVisited sets visited=true, creating the row if needed.
	// Returns true if visited changed from false (or absent) to true.
	MarkPageVisited(ctx context.Context, letterURL string, page int, pageURL string) (bool, error)

	// PageVisited reports whether the page row exists with visited=true
	PageVisited(ctx context.Context, letterURL string, page int) (bool, error)

	// UnvisitedPages returns every page row with visited=false
	UnvisitedPages(ctx context.Context) ([]models.PageCounter, error)
}

// AlbumStore tracks albums, keyed by album ID. Album URLs are unique.
type AlbumStore interface {
	// AddAlbum records a discovered album as unvisited. A duplicate ID or URL is a no-op.
	AddAlbum(ctx context.Context, albumID, albumURL string) error

	// MarkAlbumVisited sets visited=true together with the album name, creating the row if needed.
	// An already-visited album is left untouched. Returns true if visited changed.
	MarkAlbumVisited(ctx context.Context, albumID, albumName, albumURL string) (bool, error)

	// GetAlbum returns the album, or nil if it is unknown
	GetAlbum(ctx context.Context, albumID string) (*models.AlbumRecord, error)

	// UnvisitedAlbums returns every album with visited=false
	UnvisitedAlbums(ctx context.Context) ([]models.AlbumRecord, error)
}

// SongStore tracks songs, keyed by (albumID, albumIndex). Page URLs and mp3 URLs are unique once set.
type SongStore interface {
	// AddSong records a discovered song as unvisited with no mp3 URL.
	// A duplicate key or page URL is a no-op.
	AddSong(ctx context.Context, song models.SongRecord) error

	// MarkSongVisited sets visited=true and the mp3 URL in one atomic write.
	// An already-visited song is left untouched and false is returned.
	// An mp3 URL already owned by another song yields an error wrapping utils.ErrRecordConflict.
	MarkSongVisited(ctx context.Context, albumID string, albumIndex int, mp3URL string) (bool, error)

	// GetSong returns the song, or nil if it is unknown
	GetSong(ctx context.Context, albumID string, albumIndex int) (*models.SongRecord, error)

	// UnvisitedSongs returns every song with visited=false
	UnvisitedSongs(ctx context.Context) ([]models.SongRecord, error)

	// ForEachVisitedSong calls fn for every visited song ordered by (albumID, albumIndex).
	// fn must not call back into the index. Iteration stops at the first error fn returns.
	ForEachVisitedSong(ctx context.Context, fn func(models.SongRecord) error) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Stats counts rows and visited rows per record type
	Stats(ctx context.Context) (models.IndexStats, error)

	// RunGC runs periodic backend maintenance until ctx ends. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Index is the persisted crawl state shared by every worker. Each method is one atomic operation.
type Index interface {
	PageStore
	AlbumStore
	SongStore
	StoreAdmin
}
