package config

import (
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the catalog root; letter buckets live under /game-soundtracks/browse/
const DefaultBaseURL = "https://downloads.khinsider.com"

// DefaultLetters are the catalog entry points, '#' first as the site lists it
var DefaultLetters = []string{
	"#", "A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
	"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
}

// Index backends
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	BaseURL              string           `yaml:"base_url" toml:"base_url"`
	Letters              []string         `yaml:"letters,omitempty" toml:"letters"`
	UserAgent            string           `yaml:"user_agent,omitempty" toml:"user_agent"`
	NumWorkers           int              `yaml:"num_workers" toml:"num_workers"`
	NumParseWorkers      int              `yaml:"num_parse_workers,omitempty" toml:"num_parse_workers"`
	MaxConnections       int              `yaml:"max_connections" toml:"max_connections"`
	MaxAttempts          int              `yaml:"max_attempts,omitempty" toml:"max_attempts"`
	InitialRetryDelay    time.Duration    `yaml:"initial_retry_delay,omitempty" toml:"initial_retry_delay"`
	MaxRetryDelay        time.Duration    `yaml:"max_retry_delay,omitempty" toml:"max_retry_delay"`
	RetryPermanentErrors bool             `yaml:"retry_permanent_errors,omitempty" toml:"retry_permanent_errors"`
	IndexBackend         string           `yaml:"index_backend,omitempty" toml:"index_backend"`
	StateDir             string           `yaml:"state_dir" toml:"state_dir"`
	OutputDir            string           `yaml:"output_dir" toml:"output_dir"`
	StagingDir           string           `yaml:"staging_dir,omitempty" toml:"staging_dir"`
	ExportFile           string           `yaml:"export_file,omitempty" toml:"export_file"`
	SummaryFile          string           `yaml:"summary_file,omitempty" toml:"summary_file"`
	MetricsAddr          string           `yaml:"metrics_addr,omitempty" toml:"metrics_addr"`
	GlobalCrawlTimeout   time.Duration    `yaml:"global_crawl_timeout,omitempty" toml:"global_crawl_timeout"`
	DownloadChunkSize    int              `yaml:"download_chunk_size,omitempty" toml:"download_chunk_size"`
	HTTPClientSettings   HTTPClientConfig `yaml:"http_client_settings,omitempty" toml:"http_client_settings"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty" toml:"timeout"`                                 // Overall request timeout, 0 for song downloads
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty" toml:"max_idle_conns"`                   // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty" toml:"max_idle_conns_per_host"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty" toml:"idle_conn_timeout"`             // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty" toml:"tls_handshake_timeout"`     // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty" toml:"expect_continue_timeout"` // Timeout for 100-continue
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout,omitempty" toml:"response_header_timeout"` // Time to wait for headers once the request is written
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty" toml:"force_attempt_http2"`         // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty" toml:"dialer_timeout"`                   // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty" toml:"dialer_keep_alive"`             // TCP keep-alive interval
}

// LetterURLs returns the browse URL of every configured letter bucket.
// '#' is percent-encoded since it would otherwise start a fragment.
func (c *AppConfig) LetterURLs() []string {
	base := strings.TrimRight(c.BaseURL, "/")
	urls := make([]string, 0, len(c.Letters))
	for _, letter := range c.Letters {
		urls = append(urls, base+"/game-soundtracks/browse/"+url.PathEscape(letter))
	}
	return urls
}

// EffectiveNumParseWorkers falls back to the worker count when no parse pool size is set
func (c *AppConfig) EffectiveNumParseWorkers() int {
	if c.NumParseWorkers > 0 {
		return c.NumParseWorkers
	}
	return c.NumWorkers
}
