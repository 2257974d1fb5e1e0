package download

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/fetch"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fixture struct {
	server  *httptest.Server
	hits    atomic.Int64
	staging string
	output  string
	mat     *Materializer
}

// newFixture serves /ok.mp3 with a body, /missing.mp3 as 404, /broken.mp3 as 500,
// /short.mp3 with a truncated body and /slow.mp3 which stalls after the first bytes.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.mp3", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.Write([]byte(strings.Repeat("abc", 50000)))
	})
	mux.HandleFunc("/missing.mp3", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/broken.mp3", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/short.mp3", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("only a little"))
	})
	mux.HandleFunc("/slow.mp3", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.Write([]byte("first bytes"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	dir := t.TempDir()
	f.staging = filepath.Join(dir, ".songcache")
	f.output = filepath.Join(dir, "songs")

	fetcher := fetch.NewFetcher(f.server.Client(), fetch.NewGate(4, nil), "test-agent", nil, testLogger())
	f.mat = NewMaterializer(fetcher, f.staging, 0, nil, testLogger())
	return f
}

func (f *fixture) url(p string) string { return f.server.URL + p }

func assertStagingEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should hold no leftover files")
}

func TestMaterialize_Downloads(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.output, "foo", "001 Track.mp3")

	outcome, err := f.mat.Materialize(context.Background(), f.url("/ok.mp3"), dest)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadDownloaded, outcome)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("abc", 50000), string(data))
	assertStagingEmpty(t, f.staging)
}

func TestMaterialize_ExistingDestinationSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.output, "foo", "001 Track.mp3")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0644))

	outcome, err := f.mat.Materialize(context.Background(), f.url("/ok.mp3"), dest)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadSkipped, outcome)
	assert.Equal(t, int64(0), f.hits.Load(), "no request may be made for an existing file")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))
}

func TestMaterialize_DirectoryAtDestination(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.output, "foo", "001 Track.mp3")
	require.NoError(t, os.MkdirAll(dest, 0755))

	outcome, err := f.mat.Materialize(context.Background(), f.url("/ok.mp3"), dest)
	require.ErrorIs(t, err, utils.ErrFilesystem)
	assert.Equal(t, models.DownloadFailed, outcome)
	assert.Equal(t, int64(0), f.hits.Load())

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "the directory must be left untouched")
	assertStagingEmpty(t, f.staging)
}

func TestMaterialize_FailuresLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{name: "not found", path: "/missing.mp3", wantErr: utils.ErrClientHTTPError},
		{name: "server error", path: "/broken.mp3", wantErr: utils.ErrServerHTTPError},
		{name: "short body", path: "/short.mp3", wantErr: utils.ErrResponseBodyRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			dest := filepath.Join(f.output, "foo", "001 Track.mp3")

			outcome, err := f.mat.Materialize(context.Background(), f.url(tt.path), dest)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, models.DownloadFailed, outcome)

			_, statErr := os.Stat(dest)
			assert.True(t, os.IsNotExist(statErr), "destination must not exist after a failed download")
			assertStagingEmpty(t, f.staging)
		})
	}
}

func TestMaterialize_CancelMidStream(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.output, "foo", "001 Track.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := f.mat.Materialize(ctx, f.url("/slow.mp3"), dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	assertStagingEmpty(t, f.staging)
}

func TestDestPath(t *testing.T) {
	tests := []struct {
		name string
		song models.SongRecord
		want string
	}{
		{
			name: "mp3",
			song: models.SongRecord{AlbumID: "foo", AlbumIndex: 0, SongName: "Opening", MP3URL: "http://cdn/foo/01%20Opening.mp3"},
			want: filepath.Join("out", "foo", "001 Opening.mp3"),
		},
		{
			name: "flac extension kept and not repeated",
			song: models.SongRecord{AlbumID: "foo", AlbumIndex: 11, SongName: "Boss.flac", MP3URL: "http://cdn/foo/boss.FLAC"},
			want: filepath.Join("out", "foo", "012 Boss.flac"),
		},
		{
			name: "unsafe names",
			song: models.SongRecord{AlbumID: "..", AlbumIndex: 2, SongName: "a/b:c", MP3URL: "http://cdn/x"},
			want: filepath.Join("out", "untitled", "003 a_b_c.mp3"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DestPath("out", tt.song))
		})
	}
}

func TestRunner_Summary(t *testing.T) {
	f := newFixture(t)
	songs := []models.SongRecord{
		{AlbumID: "foo", AlbumIndex: 0, SongName: "A", MP3URL: f.url("/ok.mp3"), Visited: true},
		{AlbumID: "foo", AlbumIndex: 1, SongName: "B", MP3URL: f.url("/ok.mp3"), Visited: true},
		{AlbumID: "foo", AlbumIndex: 2, SongName: "C", MP3URL: f.url("/missing.mp3"), Visited: true},
		{AlbumID: "foo", AlbumIndex: 3, SongName: "D", Visited: true},
	}
	existing := DestPath(f.output, songs[1])
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0755))
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	policy := fetch.RetryPolicy{MaxAttempts: 3}
	runner := NewRunner(f.mat, policy, f.output, 2, nil, testLogger())

	summary, err := runner.Run(context.Background(), songs)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadSummary{Total: 4, Downloaded: 1, Skipped: 1, Failed: 2}, summary)

	// 404 is permanent, so it is tried once
	assert.Equal(t, int64(2), f.hits.Load())
	_, err = os.Stat(DestPath(f.output, songs[0]))
	assert.NoError(t, err)
	assertStagingEmpty(t, f.staging)
}

func TestRunner_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	songs := []models.SongRecord{{AlbumID: "foo", AlbumIndex: 0, SongName: "A", MP3URL: f.url("/broken.mp3"), Visited: true}}

	runner := NewRunner(f.mat, fetch.RetryPolicy{MaxAttempts: 3}, f.output, 1, nil, testLogger())
	summary, err := runner.Run(context.Background(), songs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(3), f.hits.Load())
}

func TestRunner_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(f.mat, fetch.RetryPolicy{MaxAttempts: 1}, f.output, 1, nil, testLogger())
	_, err := runner.Run(ctx, []models.SongRecord{{AlbumID: "foo", MP3URL: f.url("/ok.mp3")}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), f.hits.Load())
}

func TestSongsFromExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "songs.csv")
	w, err := export.OpenWriter(path, false, testLogger())
	require.NoError(t, err)
	song := models.SongRecord{AlbumID: "foo", AlbumIndex: 4, SongName: "E", PageURL: "http://x/e", MP3URL: "http://cdn/e.mp3", Visited: true}
	require.NoError(t, w.Write(export.NewRow(song, DestPath("songs", song))))
	require.NoError(t, w.Close())

	songs, err := SongsFromExport(path)
	require.NoError(t, err)
	assert.Equal(t, []models.SongRecord{song}, songs)
}

type fakeIndex []models.SongRecord

func (f fakeIndex) ForEachVisitedSong(ctx context.Context, fn func(models.SongRecord) error) error {
	for _, s := range f {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func TestSongsFromIndex(t *testing.T) {
	idx := fakeIndex{{AlbumID: "a"}, {AlbumID: "b"}}
	songs, err := SongsFromIndex(context.Background(), idx)
	require.NoError(t, err)
	assert.Len(t, songs, 2)
}
