package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/models"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	out := buf.String()
	for _, cmd := range []string{"index", "download", "crawl", "export", "stats", "validate", "version"} {
		assert.Contains(t, out, cmd)
	}
}

func TestRun_NoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitError, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitError, run([]string{"scrape"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: scrape")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, run([]string{"version"}, &stdout, &stderr))
	assert.Equal(t, "khinsider-scraper "+version+"\n", stdout.String())
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitError, run([]string{"index", "-no-such-flag"}, &stdout, &stderr))
	assert.Equal(t, exitOK, run([]string{"stats", "-h"}, &stdout, &stderr))
}

func TestDoValidate_Valid(t *testing.T) {
	cfgPath := writeConfig(t, "config.yaml", `
num_workers: 4
letters: ["A", "B"]
index_backend: sqlite
state_dir: ./state
`)
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, exitOK, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: 2 letters, backend sqlite")
	assert.Contains(t, stdout.String(), "Configuration valid.")
}

func TestDoValidate_TOML(t *testing.T) {
	cfgPath := writeConfig(t, "config.toml", `
num_workers = 2
letters = ["C"]
`)
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, exitOK, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: 1 letters")
}

func TestDoValidate_Warnings(t *testing.T) {
	cfgPath := writeConfig(t, "config.yaml", "num_workers: -1\n")
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, exitOK, exitCode)
	assert.Contains(t, stdout.String(), "WARN: num_workers")
}

func TestDoValidate_InvalidBackend(t *testing.T) {
	cfgPath := writeConfig(t, "config.yaml", "index_backend: mongo\n")
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, exitError, exitCode)
	assert.Contains(t, stderr.String(), "index_backend")
}

func TestDoValidate_UnknownField(t *testing.T) {
	cfgPath := writeConfig(t, "config.yaml", "sites: {}\n")
	var stdout, stderr bytes.Buffer

	assert.Equal(t, exitError, doValidate(cfgPath, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Error")
}

func TestDoValidate_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent/config.yaml", &stdout, &stderr)

	assert.Equal(t, exitError, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestRunValidate_PrintEffective(t *testing.T) {
	cfgPath := writeConfig(t, "config.yaml", "letters: [\"Z\"]\n")
	var stdout, stderr bytes.Buffer
	exitCode := run([]string{"validate", "-config", cfgPath, "-print"}, &stdout, &stderr)

	require.Equal(t, exitOK, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "max_attempts: 10")
}

func TestRunExport_RequiresPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := run([]string{"export", "-backend", "sqlite", "-state-dir", t.TempDir()}, &stdout, &stderr)
	assert.Equal(t, exitError, exitCode)
	assert.Contains(t, stderr.String(), "No export path")
}

func TestRunStats_EmptyIndex(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := run([]string{"stats", "-backend", "badger", "-state-dir", t.TempDir(), "-loglevel", "error"}, &stdout, &stderr)
	require.Equal(t, exitOK, exitCode, stderr.String())

	var stats models.IndexStats
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &stats))
	assert.Equal(t, models.IndexStats{}, stats)
}

// --- End to end against a fake catalog ---

// fakeSite serves letter A with one album of two songs
func fakeSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch p := r.URL.Path; {
		case p == "/game-soundtracks/browse/A":
			fmt.Fprint(w, `<html><body><div id="pageContent"><table class="albumList">`+
				`<tr><td class="albumIcon"><a href="/game-soundtracks/album/foo">icon</a></td></tr>`+
				`</table></div></body></html>`)
		case p == "/game-soundtracks/album/foo":
			fmt.Fprint(w, `<html><body><div id="pageContent"><h2>Foo OST</h2><table id="songlist">`+
				`<tr><td class="playlistDownloadSong"><a href="/game-soundtracks/album/foo/01.mp3">dl</a></td><td class="clickable-row"><a href="#">Opening</a></td></tr>`+
				`<tr><td class="playlistDownloadSong"><a href="/game-soundtracks/album/foo/02.mp3">dl</a></td><td class="clickable-row"><a href="#">Ending</a></td></tr>`+
				`</table></div></body></html>`)
		case strings.HasPrefix(p, "/game-soundtracks/album/foo/"):
			song := strings.TrimPrefix(p, "/game-soundtracks/album/foo/")
			fmt.Fprintf(w, `<html><body><div id="pageContent"><audio id="audio" src="/cdn/foo/%s"></audio></div></body></html>`, song)
		case strings.HasPrefix(p, "/cdn/"):
			fmt.Fprint(w, "ID3 audio for "+p)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_IndexExportDownload(t *testing.T) {
	srv := fakeSite(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, "config.yaml", fmt.Sprintf(`
base_url: %s
letters: ["A"]
num_workers: 2
max_connections: 2
index_backend: sqlite
state_dir: %s
output_dir: %s
staging_dir: %s
summary_file: %s
`, srv.URL, filepath.Join(dir, "state"), filepath.Join(dir, "songs"), filepath.Join(dir, "staging"), filepath.Join(dir, "summary.yaml")))
	exportPath := filepath.Join(dir, "songs.csv")
	common := []string{"-config", cfgPath, "-loglevel", "error"}

	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(append([]string{"index", "-strict"}, common...), &stdout, &stderr), stderr.String())

	summary, err := export.ReadSummary(filepath.Join(dir, "summary.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "index", summary.Command)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, int64(0), summary.TasksAbandoned)
	assert.True(t, summary.Index.Complete())
	assert.Equal(t, 2, summary.Index.SongsVisited)

	stdout.Reset()
	require.Equal(t, exitOK, run(append([]string{"export", "-out", exportPath}, common...), &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "Exported 2 songs")
	rows, err := export.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.Equal(t, exitOK, run(append([]string{"download", "-strict", "-from-export", exportPath}, common...), &stdout, &stderr), stderr.String())
	files, err := filepath.Glob(filepath.Join(dir, "songs", "foo", "*.mp3"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	summary, err = export.ReadSummary(filepath.Join(dir, "summary.yaml"))
	require.NoError(t, err)
	require.NotNil(t, summary.Downloads)
	assert.Equal(t, models.DownloadSummary{Total: 2, Downloaded: 2}, *summary.Downloads)

	// Everything is on disk now, a second pass from the index only skips
	require.Equal(t, exitOK, run(append([]string{"download"}, common...), &stdout, &stderr), stderr.String())
	summary, err = export.ReadSummary(filepath.Join(dir, "summary.yaml"))
	require.NoError(t, err)
	assert.Equal(t, models.DownloadSummary{Total: 2, Skipped: 2}, *summary.Downloads)
}

func TestRun_CrawlStrictReportsAbandoned(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	cfgPath := writeConfig(t, "config.yaml", fmt.Sprintf(`
base_url: %s
letters: ["A"]
index_backend: sqlite
state_dir: %s
output_dir: %s
`, srv.URL, filepath.Join(dir, "state"), filepath.Join(dir, "songs")))

	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, run([]string{"crawl", "-config", cfgPath, "-loglevel", "fatal"}, &stdout, &stderr))
	assert.Equal(t, exitIncomplete, run([]string{"crawl", "-strict", "-config", cfgPath, "-loglevel", "fatal"}, &stdout, &stderr))
}
