package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// Columns is the header row of the song export
var Columns = []string{"album_id", "album_index", "song_name", "page_url", "mp3_url", "file_path"}

// Row is one resolved song in the export stream
type Row struct {
	AlbumID    string
	AlbumIndex int
	SongName   string
	PageURL    string
	MP3URL     string
	FilePath   string
}

// NewRow builds an export row from an index record and its destination path
func NewRow(song models.SongRecord, filePath string) Row {
	return Row{
		AlbumID:    song.AlbumID,
		AlbumIndex: song.AlbumIndex,
		SongName:   song.SongName,
		PageURL:    song.PageURL,
		MP3URL:     song.MP3URL,
		FilePath:   filePath,
	}
}

// Song converts the row back into a visited index record
func (r Row) Song() models.SongRecord {
	return models.SongRecord{
		AlbumID:    r.AlbumID,
		AlbumIndex: r.AlbumIndex,
		SongName:   r.SongName,
		PageURL:    r.PageURL,
		MP3URL:     r.MP3URL,
		Visited:    true,
	}
}

func (r Row) record() []string {
	return []string{r.AlbumID, strconv.Itoa(r.AlbumIndex), r.SongName, r.PageURL, r.MP3URL, r.FilePath}
}

// Writer appends rows to a CSV file as songs resolve. Safe for concurrent use;
// every row is flushed before Write returns so a crash loses at most the row being written.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
	path string
	rows int
	log  *logrus.Entry
}

// OpenWriter opens path for appending when resume is set, truncating it otherwise.
// The header row is written whenever the file starts out empty.
func OpenWriter(path string, resume bool, log *logrus.Entry) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating export directory for '%s': %w", utils.ErrFilesystem, path, err)
	}

	openFlags := os.O_CREATE | os.O_WRONLY
	if resume {
		log.Infof("Resume mode: Appending to export file: %s", path)
		openFlags |= os.O_APPEND
	} else {
		log.Infof("Non-resume mode: Truncating export file: %s", path)
		openFlags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, openFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening export file '%s': %w", utils.ErrFilesystem, path, err)
	}

	w := &Writer{file: file, csv: csv.NewWriter(file), path: path, log: log}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat export file '%s': %w", utils.ErrFilesystem, path, err)
	}
	if info.Size() == 0 {
		if err := w.writeRecord(Columns); err != nil {
			file.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the file being written
func (w *Writer) Path() string { return w.path }

// Rows returns the number of data rows written by this Writer
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Write appends one row. A nil Writer ignores the call.
func (w *Writer) Write(row Row) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("%w: export file '%s' is closed", utils.ErrFilesystem, w.path)
	}
	if err := w.writeRecord(row.record()); err != nil {
		return err
	}
	w.rows++
	return nil
}

func (w *Writer) writeRecord(rec []string) error {
	if err := w.csv.Write(rec); err != nil {
		return fmt.Errorf("%w: writing export row to '%s': %w", utils.ErrFilesystem, w.path, err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("%w: flushing export file '%s': %w", utils.ErrFilesystem, w.path, err)
	}
	return nil
}

// Close syncs and closes the file. Safe to call more than once.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	w.log.Infof("Syncing and closing export file: %s (%d rows written)", w.path, w.rows)
	w.csv.Flush()
	err := errors.Join(w.csv.Error(), w.file.Sync(), w.file.Close())
	w.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing export file '%s': %w", utils.ErrFilesystem, w.path, err)
	}
	return nil
}

// ReadFile reads every row of an export file. Columns are located by header name,
// so files with extra or reordered columns are accepted.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening export file '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()

	rows, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading '%s': %w", path, err)
	}
	return rows, nil
}

// Read parses an export stream
func Read(r io.Reader) ([]Row, error) {
	br := bufio.NewReader(r)
	// skip BOM if present
	if first3, _ := br.Peek(3); len(first3) == 3 && first3[0] == 0xEF && first3[1] == 0xBB && first3[2] == 0xBF {
		br.Discard(3)
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: CSV header: %w", utils.ErrParsing, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range Columns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: CSV header is missing column '%s'", utils.ErrParsing, name)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: CSV line %d: %w", utils.ErrParsing, line, err)
		}
		get := func(name string) string {
			if i := col[name]; i < len(rec) {
				return rec[i]
			}
			return ""
		}
		index, err := strconv.Atoi(strings.TrimSpace(get("album_index")))
		if err != nil {
			return nil, fmt.Errorf("%w: CSV line %d: album_index: %w", utils.ErrParsing, line, err)
		}
		rows = append(rows, Row{
			AlbumID:    get("album_id"),
			AlbumIndex: index,
			SongName:   get("song_name"),
			PageURL:    get("page_url"),
			MP3URL:     get("mp3_url"),
			FilePath:   get("file_path"),
		})
	}
}

// SongIndex is the part of the index the bulk export reads
type SongIndex interface {
	ForEachVisitedSong(ctx context.Context, fn func(models.SongRecord) error) error
}

// FromIndex writes one row per visited song, in (album_id, album_index) order.
// destPath computes the file_path column.
func FromIndex(ctx context.Context, idx SongIndex, w *Writer, destPath func(models.SongRecord) string) (int, error) {
	n := 0
	err := idx.ForEachVisitedSong(ctx, func(song models.SongRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Write(NewRow(song, destPath(song))); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
