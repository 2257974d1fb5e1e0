package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := AppConfig{} // Zero value
	warnings, err := cfg.Validate()

	require.NoError(t, err)

	// Check defaults applied
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultLetters, cfg.Letters)
	assert.Equal(t, 20, cfg.NumWorkers)
	assert.Equal(t, 20, cfg.NumParseWorkers)
	assert.Equal(t, 20, cfg.MaxConnections)
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, time.Duration(0), cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, BackendBadger, cfg.IndexBackend)
	assert.Equal(t, "./khinsider_state", cfg.StateDir)
	assert.Equal(t, "./songs", cfg.OutputDir)
	assert.Equal(t, "./.songcache", cfg.StagingDir)
	assert.Equal(t, 32*1024, cfg.DownloadChunkSize)
	assert.False(t, cfg.RetryPermanentErrors)

	// Check HTTP client defaults
	assert.Equal(t, time.Duration(0), cfg.HTTPClientSettings.Timeout)
	assert.Equal(t, 100, cfg.HTTPClientSettings.MaxIdleConns)
	assert.Equal(t, 20, cfg.HTTPClientSettings.MaxIdleConnsPerHost)
	assert.Equal(t, 90*time.Second, cfg.HTTPClientSettings.IdleConnTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPClientSettings.TLSHandshakeTimeout)
	assert.Equal(t, 45*time.Second, cfg.HTTPClientSettings.ResponseHeaderTimeout)
	assert.Equal(t, 15*time.Second, cfg.HTTPClientSettings.DialerTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTPClientSettings.DialerKeepAlive)

	// Check warnings generated
	assert.True(t, containsWarning(warnings, "num_workers should be > 0"))
	assert.True(t, containsWarning(warnings, "max_connections should be > 0"))
	assert.True(t, containsWarning(warnings, "state_dir is empty"))
	assert.True(t, containsWarning(warnings, "output_dir is empty"))
}

func TestAppConfig_Validate_ValidConfig(t *testing.T) {
	cfg := AppConfig{
		BaseURL:           "http://localhost:8080",
		Letters:           []string{"A"},
		NumWorkers:        8,
		NumParseWorkers:   2,
		MaxConnections:    4,
		MaxAttempts:       5,
		InitialRetryDelay: 2 * time.Second,
		MaxRetryDelay:     time.Minute,
		IndexBackend:      BackendSQLite,
		StateDir:          "/state",
		OutputDir:         "/output",
		StagingDir:        "/staging",
	}
	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 8, cfg.NumWorkers)
	assert.Equal(t, 2, cfg.NumParseWorkers)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, BackendSQLite, cfg.IndexBackend)
	assert.Equal(t, 4, cfg.HTTPClientSettings.MaxIdleConnsPerHost)
}

func TestAppConfig_Validate_Corrections(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AppConfig
		check   func(t *testing.T, cfg AppConfig)
		warning string
	}{
		{
			name: "negative max_attempts",
			cfg:  AppConfig{MaxAttempts: -1},
			check: func(t *testing.T, cfg AppConfig) {
				assert.Equal(t, 10, cfg.MaxAttempts)
			},
			warning: "max_attempts cannot be negative",
		},
		{
			name: "initial delay above max",
			cfg:  AppConfig{InitialRetryDelay: time.Minute, MaxRetryDelay: time.Second},
			check: func(t *testing.T, cfg AppConfig) {
				assert.Equal(t, time.Second, cfg.InitialRetryDelay)
			},
			warning: "initial_retry_delay",
		},
		{
			name: "negative global timeout",
			cfg:  AppConfig{GlobalCrawlTimeout: -time.Second},
			check: func(t *testing.T, cfg AppConfig) {
				assert.Equal(t, time.Duration(0), cfg.GlobalCrawlTimeout)
			},
			warning: "global_crawl_timeout cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			warnings, err := cfg.Validate()
			require.NoError(t, err)
			tt.check(t, cfg)
			assert.True(t, containsWarning(warnings, tt.warning), "warnings: %v", warnings)
		})
	}
}

func TestAppConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  AppConfig
	}{
		{"relative base_url", AppConfig{BaseURL: "downloads.khinsider.com"}},
		{"unknown backend", AppConfig{IndexBackend: "postgres"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			_, err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrConfigValidation)
		})
	}
}
