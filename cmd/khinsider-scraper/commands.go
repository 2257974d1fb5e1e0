package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/astridyu/khinsider-scraper/pkg/config"
	"github.com/astridyu/khinsider-scraper/pkg/crawler"
	"github.com/astridyu/khinsider-scraper/pkg/download"
	"github.com/astridyu/khinsider-scraper/pkg/export"
	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/parse"
)

// runCrawl handles the index and crawl subcommands. crawl also downloads each song once resolved.
func runCrawl(cmdName string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	resume := fs.Bool("resume", false, "Resume from the existing index instead of starting fresh")
	strict := fs.Bool("strict", false, "Exit with code 2 if any task was abandoned")
	workers := fs.Int("workers", 0, "Number of worker goroutines (overrides config)")
	maxConns := fs.Int("max-connections", 0, "Maximum concurrent HTTP connections (overrides config)")
	outputDir := fs.String("output", "", "Output directory for songs (overrides config)")
	exportFile := fs.String("export", "", "CSV file receiving every resolved song (overrides config)")
	metricsAddr := fs.String("metrics-addr", "", "Address serving Prometheus metrics, e.g. :9090 (overrides config)")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	logger := newLogger(stderr, cf.logLevel)
	appCfg, err := loadAndValidateConfig(cf, logger, func(c *config.AppConfig) {
		if *workers > 0 {
			c.NumWorkers = *workers
		}
		if *maxConns > 0 {
			c.MaxConnections = *maxConns
		}
		if *outputDir != "" {
			c.OutputDir = *outputDir
		}
		if *exportFile != "" {
			c.ExportFile = *exportFile
		}
		if *metricsAddr != "" {
			c.MetricsAddr = *metricsAddr
		}
	})
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		return exitError
	}

	env, err := newRunEnv(cmdName, appCfg, *resume, true, logger)
	if err != nil {
		logger.Error(err)
		return exitError
	}
	defer env.close()

	var downloader crawler.Downloader
	if cmdName == "crawl" {
		downloader = download.NewMaterializer(env.fetcher, appCfg.StagingDir, appCfg.DownloadChunkSize, env.metrics,
			env.log.WithField("component", "materializer"))
	}

	var exportWriter *export.Writer
	if appCfg.ExportFile != "" {
		exportWriter, err = export.OpenWriter(appCfg.ExportFile, *resume, env.log)
		if err != nil {
			env.log.Errorf("Failed to open export file: %v", err)
			return exitError
		}
	}

	c := crawler.New(crawler.Options{
		LetterURLs:   appCfg.LetterURLs(),
		NumWorkers:   appCfg.NumWorkers,
		ParseWorkers: appCfg.EffectiveNumParseWorkers(),
		Retry:        retryPolicy(appCfg),
		Resume:       *resume,
		OutputDir:    appCfg.OutputDir,
	}, env.index, env.fetcher, parse.NewParser(), downloader, exportWriter, env.metrics, env.log)

	result, runErr := c.Run(env.ctx)

	if exportWriter != nil {
		if err := exportWriter.Close(); err != nil {
			env.log.Errorf("Failed to close export file: %v", err)
		} else {
			env.log.Infof("Export file %s has %d new rows", exportWriter.Path(), exportWriter.Rows())
		}
	}
	env.writeSummary(result.Completed, result.Abandoned, nil)

	code := exitCodeFor(runErr, env.log)
	if code == exitOK && *strict && result.Abandoned > 0 {
		env.log.Warnf("%d tasks were abandoned; exiting with code %d", result.Abandoned, exitIncomplete)
		return exitIncomplete
	}
	return code
}

// runDownload handles the download subcommand
func runDownload(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	fromExport := fs.String("from-export", "", "Read songs from this export CSV instead of the index")
	strict := fs.Bool("strict", false, "Exit with code 2 if any download failed")
	maxConns := fs.Int("max-connections", 0, "Maximum concurrent downloads (overrides config)")
	outputDir := fs.String("output", "", "Output directory for songs (overrides config)")
	metricsAddr := fs.String("metrics-addr", "", "Address serving Prometheus metrics (overrides config)")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	logger := newLogger(stderr, cf.logLevel)
	appCfg, err := loadAndValidateConfig(cf, logger, func(c *config.AppConfig) {
		if *maxConns > 0 {
			c.MaxConnections = *maxConns
		}
		if *outputDir != "" {
			c.OutputDir = *outputDir
		}
		if *metricsAddr != "" {
			c.MetricsAddr = *metricsAddr
		}
	})
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		return exitError
	}

	// The index is only read here, never wiped
	env, err := newRunEnv("download", appCfg, true, true, logger)
	if err != nil {
		logger.Error(err)
		return exitError
	}
	defer env.close()

	var songs []models.SongRecord
	if *fromExport != "" {
		env.log.Infof("Reading songs from export file %s", *fromExport)
		songs, err = download.SongsFromExport(*fromExport)
	} else {
		songs, err = download.SongsFromIndex(env.ctx, env.index)
	}
	if err != nil {
		env.log.Errorf("Failed to list songs: %v", err)
		return exitError
	}

	mat := download.NewMaterializer(env.fetcher, appCfg.StagingDir, appCfg.DownloadChunkSize, env.metrics,
		env.log.WithField("component", "materializer"))
	runner := download.NewRunner(mat, retryPolicy(appCfg), appCfg.OutputDir, appCfg.MaxConnections, env.metrics,
		env.log.WithField("component", "downloader"))

	summary, runErr := runner.Run(env.ctx, songs)
	env.log.Infof("Downloads: %d total, %d downloaded, %d skipped, %d failed",
		summary.Total, summary.Downloaded, summary.Skipped, summary.Failed)
	env.writeSummary(0, 0, &summary)

	code := exitCodeFor(runErr, env.log)
	if code == exitOK && *strict && summary.Failed > 0 {
		return exitIncomplete
	}
	return code
}

// runExport handles the export subcommand
func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	out := fs.String("out", "", "CSV file to write (overrides export_file)")
	outputDir := fs.String("output", "", "Output directory used for the file_path column (overrides config)")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	logger := newLogger(stderr, cf.logLevel)
	appCfg, err := loadAndValidateConfig(cf, logger, func(c *config.AppConfig) {
		if *out != "" {
			c.ExportFile = *out
		}
		if *outputDir != "" {
			c.OutputDir = *outputDir
		}
	})
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		return exitError
	}
	if appCfg.ExportFile == "" {
		logger.Error("No export path: pass -out or set export_file")
		return exitError
	}

	env, err := newRunEnv("export", appCfg, true, false, logger)
	if err != nil {
		logger.Error(err)
		return exitError
	}
	defer env.close()

	w, err := export.OpenWriter(appCfg.ExportFile, false, env.log)
	if err != nil {
		env.log.Errorf("Failed to open export file: %v", err)
		return exitError
	}
	n, err := export.FromIndex(env.ctx, env.index, w, func(s models.SongRecord) string {
		return download.DestPath(appCfg.OutputDir, s)
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return exitCodeFor(err, env.log)
	}
	fmt.Fprintf(stdout, "Exported %d songs to %s\n", n, appCfg.ExportFile)
	return exitOK
}

// runStats handles the stats subcommand, printing index counts as YAML
func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	logger := newLogger(stderr, cf.logLevel)
	appCfg, err := loadAndValidateConfig(cf, logger, nil)
	if err != nil {
		logger.Errorf("Configuration error: %v", err)
		return exitError
	}

	env, err := newRunEnv("stats", appCfg, true, false, logger)
	if err != nil {
		logger.Error(err)
		return exitError
	}
	defer env.close()

	stats, err := env.index.Stats(env.ctx)
	if err != nil {
		return exitCodeFor(err, env.log)
	}
	return writeYAML(stdout, stderr, stats)
}

// runValidate handles the validate subcommand
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	showEffective := fs.Bool("print", false, "Print the effective configuration after defaults")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}
	code := doValidate(*configFile, stdout, stderr)
	if code == exitOK && *showEffective {
		appCfg, _ := config.Load(*configFile)
		appCfg.Validate()
		return writeYAML(stdout, stderr, appCfg)
	}
	return code
}

// doValidate loads and validates a config file, reporting warnings on stdout and errors on stderr
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return exitError
	}

	fmt.Fprintf(stdout, "OK: %d letters, backend %s, state in %s\n", len(appCfg.Letters), appCfg.IndexBackend, appCfg.StateDir)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return exitOK
}

func writeYAML(stdout, stderr io.Writer, v any) int {
	out, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	stdout.Write(out)
	return exitOK
}

// flagExitCode maps a flag parse failure; -h is not an error
func flagExitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	return exitError
}

