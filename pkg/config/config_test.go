package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLetterURLs(t *testing.T) {
	cfg := AppConfig{BaseURL: "https://downloads.khinsider.com/", Letters: []string{"#", "A"}}
	assert.Equal(t, []string{
		"https://downloads.khinsider.com/game-soundtracks/browse/%23",
		"https://downloads.khinsider.com/game-soundtracks/browse/A",
	}, cfg.LetterURLs())
}

func TestLetterURLs_DefaultLetters(t *testing.T) {
	cfg := AppConfig{}
	_, err := cfg.Validate()
	require.NoError(t, err)

	urls := cfg.LetterURLs()
	require.Len(t, urls, 27)
	assert.Equal(t, "https://downloads.khinsider.com/game-soundtracks/browse/%23", urls[0])
	assert.Equal(t, "https://downloads.khinsider.com/game-soundtracks/browse/Z", urls[26])
}

func TestEffectiveNumParseWorkers(t *testing.T) {
	assert.Equal(t, 7, (&AppConfig{NumWorkers: 7}).EffectiveNumParseWorkers())
	assert.Equal(t, 3, (&AppConfig{NumWorkers: 7, NumParseWorkers: 3}).EffectiveNumParseWorkers())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, AppConfig{}, cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
base_url: http://localhost:8080
letters: ["A", "B"]
num_workers: 4
max_connections: 2
initial_retry_delay: 250ms
index_backend: sqlite
http_client_settings:
  timeout: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, []string{"A", "B"}, cfg.Letters)
	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, BackendSQLite, cfg.IndexBackend)
	assert.Equal(t, time.Minute, cfg.HTTPClientSettings.Timeout)
}

func TestLoad_YAMLUnknownField(t *testing.T) {
	path := writeFile(t, "config.yml", "num_wrokers: 4\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestLoad_EmptyYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, AppConfig{}, cfg)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
base_url = "http://localhost:9090"
num_workers = 6
max_attempts = 3
max_retry_delay = "5s"
output_dir = "/tmp/songs"

[http_client_settings]
dialer_timeout = "2s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090", cfg.BaseURL)
	assert.Equal(t, 6, cfg.NumWorkers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, "/tmp/songs", cfg.OutputDir)
	assert.Equal(t, 2*time.Second, cfg.HTTPClientSettings.DialerTimeout)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeFile(t, "config.toml", "num_workers = = 3")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
