package models

import (
	"fmt"
	"time"
)

// CrawlTask is one unit of work on the frontier. Kind selects which fields are meaningful;
// a task only carries URLs and identifiers so it can be rebuilt from the index after a restart.
type CrawlTask struct {
	Kind TaskKind

	LetterURL string // Letter, LetterPage
	Page      int    // LetterPage
	PageURL   string // LetterPage, Song
	AlbumURL  string // Album

	AlbumID  string // Song
	Index    int    // Song
	SongName string // Song
}

// NewLetterTask creates the task for the first page of a letter bucket
func NewLetterTask(letterURL string) CrawlTask {
	return CrawlTask{Kind: TaskKindLetter, LetterURL: letterURL}
}

// NewLetterPageTask creates the task for page N (N >= 2) of a letter bucket
func NewLetterPageTask(letterURL string, page int, pageURL string) CrawlTask {
	return CrawlTask{Kind: TaskKindLetterPage, LetterURL: letterURL, Page: page, PageURL: pageURL}
}

// NewAlbumTask creates the task for an album detail page
func NewAlbumTask(albumURL string) CrawlTask {
	return CrawlTask{Kind: TaskKindAlbum, AlbumURL: albumURL}
}

// NewSongTask creates the task for a song detail page
func NewSongTask(albumID string, index int, songName, pageURL string) CrawlTask {
	return CrawlTask{Kind: TaskKindSong, AlbumID: albumID, Index: index, SongName: songName, PageURL: pageURL}
}

// URL returns the page this task fetches
func (t CrawlTask) URL() string {
	switch t.Kind {
	case TaskKindLetter:
		return t.LetterURL
	case TaskKindLetterPage, TaskKindSong:
		return t.PageURL
	case TaskKindAlbum:
		return t.AlbumURL
	}
	return ""
}

// String implements fmt.Stringer for logging
func (t CrawlTask) String() string {
	switch t.Kind {
	case TaskKindLetterPage:
		return fmt.Sprintf("%s(%s page %d)", t.Kind, t.LetterURL, t.Page)
	case TaskKindSong:
		return fmt.Sprintf("%s(%s #%d %q)", t.Kind, t.AlbumID, t.Index, t.SongName)
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.URL())
}

// SongLink is one song discovered on an album page, in album order
type SongLink struct {
	Index   int    // 0-based position within the album
	Name    string // Display name from the song list
	PageURL string // Absolute URL of the song detail page
}

// AlbumRecord is the persisted state of one album
type AlbumRecord struct {
	AlbumID   string `json:"album_id"`
	AlbumName string `json:"album_name,omitempty"`
	AlbumURL  string `json:"album_url"`
	Visited   bool   `json:"visited"`
}

// SongRecord is the persisted state of one song. MP3URL stays empty until the song page is fetched.
type SongRecord struct {
	AlbumID    string `json:"album_id"`
	AlbumIndex int    `json:"album_index"`
	SongName   string `json:"song_name"`
	PageURL    string `json:"page_url"`
	MP3URL     string `json:"mp3_url,omitempty"`
	Visited    bool   `json:"visited"`
}

// Task rebuilds the crawl task that resolves this song
func (s SongRecord) Task() CrawlTask {
	return NewSongTask(s.AlbumID, s.AlbumIndex, s.SongName, s.PageURL)
}

// PageCounter tracks whether a listing page of a letter bucket has been fetched
type PageCounter struct {
	LetterURL string `json:"letter_url"`
	Page      int    `json:"page"`
	PageURL   string `json:"page_url"`
	Visited   bool   `json:"visited"`
}

// IndexStats summarizes the contents of the persisted index
type IndexStats struct {
	Pages         int `yaml:"pages" json:"pages"`
	PagesVisited  int `yaml:"pages_visited" json:"pages_visited"`
	Albums        int `yaml:"albums" json:"albums"`
	AlbumsVisited int `yaml:"albums_visited" json:"albums_visited"`
	Songs         int `yaml:"songs" json:"songs"`
	SongsVisited  int `yaml:"songs_visited" json:"songs_visited"`
}

// Complete reports whether every known record has been visited
func (s IndexStats) Complete() bool {
	return s.PagesVisited == s.Pages && s.AlbumsVisited == s.Albums && s.SongsVisited == s.Songs
}

// DownloadSummary counts the outcomes of a download pass
type DownloadSummary struct {
	Total      int `yaml:"total"`
	Downloaded int `yaml:"downloaded"`
	Skipped    int `yaml:"skipped"`
	Failed     int `yaml:"failed"`
}

// RunSummary is written to summary_file at the end of a run so an operator can check completeness
type RunSummary struct {
	RunID          string           `yaml:"run_id"`
	Command        string           `yaml:"command"`
	IndexBackend   string           `yaml:"index_backend"`
	StartTime      time.Time        `yaml:"start_time"`
	EndTime        time.Time        `yaml:"end_time"`
	Duration       string           `yaml:"duration"`
	TasksCompleted int64            `yaml:"tasks_completed"`
	TasksAbandoned int64            `yaml:"tasks_abandoned"`
	Downloads      *DownloadSummary `yaml:"downloads,omitempty"`
	Index          IndexStats       `yaml:"index"`
}
