package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

// Exit codes
const (
	exitOK         = 0
	exitError      = 1
	exitIncomplete = 2 // -strict run that abandoned tasks or failed downloads
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsageTo(stderr)
		return exitError
	}

	switch args[0] {
	case "index":
		return runCrawl("index", args[1:], stdout, stderr)
	case "crawl":
		return runCrawl("crawl", args[1:], stdout, stderr)
	case "download":
		return runDownload(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "stats":
		return runStats(args[1:], stdout, stderr)
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "khinsider-scraper %s\n", version)
		return exitOK
	case "-h", "--help", "help":
		printUsageTo(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsageTo(stderr)
		return exitError
	}
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `khinsider-scraper - khinsider soundtrack catalog crawler

Usage:
  khinsider-scraper <command> [options]

Commands:
  index       Crawl the catalog into the index without downloading songs
  download    Download every resolved song from the index or an export CSV
  crawl       Crawl the catalog and download songs in a single pass
  export      Write the resolved songs of the index to a CSV file
  stats       Print record counts of the index
  validate    Validate configuration file
  version     Show version info

Run 'khinsider-scraper <command> -h' for command-specific help.`)
}
