package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/config"
	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/fetch"
	applog "github.com/astridyu/khinsider-scraper/pkg/log"
	"github.com/astridyu/khinsider-scraper/pkg/metrics"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/storage"
)

// commonFlags are accepted by every command that touches the index
type commonFlags struct {
	configFile string
	logLevel   string
	backend    string
	stateDir   string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "Path to config file (.yaml or .toml); defaults are used when empty")
	fs.StringVar(&f.logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	fs.StringVar(&f.backend, "backend", "", "Index backend override (badger, sqlite)")
	fs.StringVar(&f.stateDir, "state-dir", "", "State directory override")
}

// loadAndValidateConfig loads the config file, applies flag overrides, validates it, and logs warnings.
func loadAndValidateConfig(cf commonFlags, log *logrus.Logger, override func(*config.AppConfig)) (config.AppConfig, error) {
	if cf.configFile != "" {
		log.Infof("Loading configuration from %s", cf.configFile)
	}
	appCfg, err := config.Load(cf.configFile)
	if err != nil {
		return appCfg, err
	}
	if cf.backend != "" {
		appCfg.IndexBackend = cf.backend
	}
	if cf.stateDir != "" {
		appCfg.StateDir = cf.stateDir
	}
	if override != nil {
		override(&appCfg)
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	return appCfg, err
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg config.AppConfig, log *logrus.Entry) {
	log.Infof("Config: BaseURL:%s, Letters:%d, Workers:%d, ParseWorkers:%d, MaxConnections:%d",
		appCfg.BaseURL, len(appCfg.Letters), appCfg.NumWorkers, appCfg.NumParseWorkers, appCfg.MaxConnections)
	log.Infof("Config Retries: MaxAttempts:%d, InitialDelay:%v, MaxDelay:%v, RetryPermanent:%t",
		appCfg.MaxAttempts, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay, appCfg.RetryPermanentErrors)
	log.Infof("Config Paths: Backend:%s, StateDir:%s, OutputDir:%s, StagingDir:%s, Export:'%s', Summary:'%s'",
		appCfg.IndexBackend, appCfg.StateDir, appCfg.OutputDir, appCfg.StagingDir, appCfg.ExportFile, appCfg.SummaryFile)
	log.Infof("Config HTTP Client: Timeout:%v, ResponseHeaderTimeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.ResponseHeaderTimeout, appCfg.HTTPClientSettings.MaxIdleConns,
		appCfg.HTTPClientSettings.MaxIdleConnsPerHost, appCfg.HTTPClientSettings.DialerTimeout)
}

func retryPolicy(appCfg config.AppConfig) fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts:    appCfg.MaxAttempts,
		InitialDelay:   appCfg.InitialRetryDelay,
		MaxDelay:       appCfg.MaxRetryDelay,
		RetryPermanent: appCfg.RetryPermanentErrors,
	}
}

// runEnv holds everything a network command shares: identity, context, index and fetcher
type runEnv struct {
	runID   string
	command string
	start   time.Time
	cfg     config.AppConfig
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	index    storage.Index
	fetcher  *fetch.Fetcher
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	server   *http.Server
	stopSig  func()
}

// newRunEnv opens the index and builds the HTTP stack. The caller must call close.
func newRunEnv(command string, appCfg config.AppConfig, resume, withNetwork bool, logger *logrus.Logger) (*runEnv, error) {
	env := &runEnv{
		runID:   uuid.NewString(),
		command: command,
		start:   time.Now(),
		cfg:     appCfg,
	}
	env.log = logger.WithFields(logrus.Fields{"run_id": env.runID, "command": command})
	logAppConfig(appCfg, env.log)

	// --- Global context, timeout & signals ---
	if appCfg.GlobalCrawlTimeout > 0 {
		env.log.Infof("Setting global crawl timeout: %v", appCfg.GlobalCrawlTimeout)
		env.ctx, env.cancel = context.WithTimeout(context.Background(), appCfg.GlobalCrawlTimeout)
	} else {
		env.ctx, env.cancel = context.WithCancel(context.Background())
	}
	env.stopSig = handleSignals(env.cancel, env.log)

	// --- Metrics ---
	env.registry = prometheus.NewRegistry()
	env.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.metrics = metrics.New(env.registry)
	if appCfg.MetricsAddr != "" && withNetwork {
		env.startMetricsServer(appCfg.MetricsAddr)
	}

	// --- Index ---
	idx, err := storage.Open(env.ctx, appCfg.IndexBackend, appCfg.StateDir, resume, env.log)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	env.index = idx
	go idx.RunGC(env.ctx, 0)

	// --- HTTP ---
	if withNetwork {
		httpClient := fetch.NewClient(appCfg.HTTPClientSettings, appCfg.MaxConnections, env.log)
		gate := fetch.NewGate(appCfg.MaxConnections, env.metrics)
		env.fetcher = fetch.NewFetcher(httpClient, gate, appCfg.UserAgent, env.metrics, env.log.WithField("component", "fetcher"))
	}
	return env, nil
}

func (e *runEnv) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(e.registry))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	e.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		e.log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Errorf("Metrics server error: %v", err)
		}
	}()
}

// writeSummary records the run outcome in summary_file, if configured
func (e *runEnv) writeSummary(completed, abandoned int64, downloads *models.DownloadSummary) {
	if e.cfg.SummaryFile == "" {
		return
	}
	end := time.Now()
	summary := models.RunSummary{
		RunID:          e.runID,
		Command:        e.command,
		IndexBackend:   e.cfg.IndexBackend,
		StartTime:      e.start,
		EndTime:        end,
		Duration:       end.Sub(e.start).Round(time.Millisecond).String(),
		TasksCompleted: completed,
		TasksAbandoned: abandoned,
		Downloads:      downloads,
	}
	// The run context may already be cancelled; stats are still worth recording
	stats, err := e.index.Stats(context.Background())
	if err != nil {
		e.log.Warnf("Could not read index stats for run summary: %v", err)
	}
	summary.Index = stats

	if err := export.WriteSummary(e.cfg.SummaryFile, summary); err != nil {
		e.log.Errorf("Failed to write run summary: %v", err)
		return
	}
	e.log.Infof("Wrote run summary to %s", e.cfg.SummaryFile)
}

func (e *runEnv) close() {
	e.stopSig()
	e.cancel()
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			e.log.Errorf("Failed to close index: %v", err)
		}
	}
	if e.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}
}

// exitCodeFor maps the run error to a process exit code the way every command reports it
func exitCodeFor(err error, log *logrus.Entry) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		log.Warn("Run cancelled gracefully.")
		return exitOK
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("Run timed out (global timeout).")
		return exitError
	default:
		log.Errorf("Run finished with error: %v", err)
		return exitError
	}
}

// handleSignals cancels the run on SIGINT/SIGTERM and forces exit on a second signal
func handleSignals(cancel context.CancelFunc, log *logrus.Entry) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(exitError)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(exitError)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
		})
	}
}

// newLogger builds the process logger on w
func newLogger(w io.Writer, level string) *logrus.Logger {
	return applog.New(w, level)
}
