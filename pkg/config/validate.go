package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// BaseURL
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	parsed, perr := url.Parse(c.BaseURL)
	if perr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return warnings, fmt.Errorf("%w: base_url '%s' is not an absolute URL", utils.ErrConfigValidation, c.BaseURL)
	}

	// Letters
	if len(c.Letters) == 0 {
		c.Letters = append([]string(nil), DefaultLetters...)
	}

	// UserAgent
	if c.UserAgent == "" {
		c.UserAgent = "khinsider-scraper/1.0"
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 20")
		c.NumWorkers = 20
	}

	// NumParseWorkers
	if c.NumParseWorkers <= 0 {
		c.NumParseWorkers = c.NumWorkers
	}

	// MaxConnections
	if c.MaxConnections <= 0 {
		warnings = append(warnings, "max_connections should be > 0, defaulting to 20")
		c.MaxConnections = 20
	}

	// MaxAttempts
	if c.MaxAttempts < 0 {
		warnings = append(warnings, "max_attempts cannot be negative, defaulting to 10")
		c.MaxAttempts = 0
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}

	// Retry delays. A zero initial delay is allowed and means retry immediately.
	if c.InitialRetryDelay < 0 {
		warnings = append(warnings, "initial_retry_delay cannot be negative, setting to 0")
		c.InitialRetryDelay = 0
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.InitialRetryDelay > c.MaxRetryDelay {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	// IndexBackend
	switch c.IndexBackend {
	case "":
		c.IndexBackend = BackendBadger
	case BackendBadger, BackendSQLite:
	default:
		return warnings, fmt.Errorf("%w: index_backend must be '%s' or '%s', got '%s'",
			utils.ErrConfigValidation, BackendBadger, BackendSQLite, c.IndexBackend)
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './khinsider_state'")
		c.StateDir = "./khinsider_state"
	}

	// OutputDir
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './songs'")
		c.OutputDir = "./songs"
	}

	// StagingDir
	if c.StagingDir == "" {
		c.StagingDir = "./.songcache"
	}

	// GlobalCrawlTimeout
	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	// DownloadChunkSize
	if c.DownloadChunkSize <= 0 {
		c.DownloadChunkSize = 32 * 1024
	}

	// HTTPClientSettings defaults
	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
// Timeout stays 0 (none) unless set, since song bodies can take minutes to stream.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout < 0 {
		h.Timeout = 0
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.MaxConnections
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.ResponseHeaderTimeout <= 0 {
		h.ResponseHeaderTimeout = 45 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
