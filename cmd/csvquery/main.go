// Command csvquery is the CLI for the CsvQuery indexer and query engine.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/csvquery/csvquery/internal/indexer"
	"github.com/csvquery/csvquery/internal/query"
	"github.com/csvquery/csvquery/internal/server"
)

const (
	Version   = "2.0.0"
	BuildDate = "2026-07-31"
)

var (
	shutdownChan = make(chan os.Signal, 1)
	cleanupFuncs []func()
)

func main() {
	setupSignalHandler()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "index":
		runIndex(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "version":
		fmt.Printf("CsvQuery v%s (%s)\n", Version, BuildDate)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func setupSignalHandler() {
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	go handleShutdown()
}

func handleShutdown() {
	<-shutdownChan
	fmt.Fprintln(os.Stderr, "\nreceived shutdown signal, cleaning up...")
	for i := len(cleanupFuncs) - 1; i >= 0; i-- {
		cleanupFuncs[i]()
	}
	fmt.Fprintln(os.Stderr, "cleanup complete")
	os.Exit(130)
}

func printUsage() {
	fmt.Println(`CsvQuery - High Performance CSV Indexer & Query Engine

Usage:
    csvquery <command> [arguments]

Commands:
    index    Build on-disk indexes from a CSV file
    query    Query a CSV file, using indexes when they cover the WHERE clause
    daemon   Start a Unix Domain Socket request server
    version  Show version
    help     Show this help

Use "csvquery <command> --help" for command-specific options.`)
}

// runIndex handles the index command.
func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)

	input := fs.String("input", "", "Input CSV file path")
	output := fs.String("output", "", "Output directory for indexes")
	columns := fs.String("columns", "[]", "JSON array of columns to index")
	separator := fs.String("separator", ",", "CSV separator")
	workers := fs.Int("workers", runtime.NumCPU(), "Number of parallel workers")
	memoryMB := fs.Int("memory", 500, "Total memory limit in MB, divided among indexes")
	bloomFP := fs.Float64("bloom", 0.01, "Bloom filter false positive rate")
	verbose := fs.Bool("verbose", false, "Enable verbose output")

	_ = fs.Parse(args)

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Error: --input is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	if *output == "" {
		*output = filepath.Dir(*input)
	}

	idx := indexer.NewIndexer(indexer.IndexerConfig{
		InputFile:   *input,
		OutputDir:   *output,
		Columns:     *columns,
		Separator:   *separator,
		Workers:     *workers,
		MemoryMB:    *memoryMB,
		BloomFPRate: *bloomFP,
		Verbose:     *verbose,
	})

	if err := idx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runQuery handles the query command.
func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)

	csvPath := fs.String("csv", "", "Path to CSV file")
	indexDir := fs.String("index-dir", "", "Directory containing index files")
	whereJSON := fs.String("where", "{}", "JSON filter condition (hash, operator array, logical array, or structured tree)")
	limit := fs.Int("limit", 0, "Maximum results (0 = no limit)")
	offset := fs.Int("offset", 0, "Skip first N results")
	countOnly := fs.Bool("count", false, "Only output count")
	explain := fs.Bool("explain", false, "Explain query plan")
	groupBy := fs.String("group-by", "", "Column to group by")
	aggCol := fs.String("agg-col", "", "Column to aggregate")
	aggFunc := fs.String("agg-func", "", "Aggregation function (count, sum, avg, min, max)")
	debugHeaders := fs.Bool("debug-headers", false, "Debug raw header detection")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")

	_ = fs.Parse(args)

	if *indexDir == "" && *csvPath != "" {
		*indexDir = filepath.Dir(*csvPath)
	}
	if *indexDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --index-dir or --csv is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	cond, err := query.ParseCondition([]byte(*whereJSON))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing --where JSON: %v\nRaw JSON: %s\n", err, *whereJSON)
		os.Exit(1)
	}

	engine := query.NewQueryEngine(query.QueryConfig{
		CsvPath:      *csvPath,
		IndexDir:     *indexDir,
		Where:        cond,
		Limit:        *limit,
		Offset:       *offset,
		CountOnly:    *countOnly,
		Explain:      *explain,
		GroupBy:      *groupBy,
		AggCol:       *aggCol,
		AggFunc:      *aggFunc,
		DebugHeaders: *debugHeaders,
		Verbose:      *verbose,
	})

	if err := engine.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

// runDaemon handles the daemon command.
func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)

	socket := fs.String("socket", "/tmp/csvquery.sock", "Socket path")
	csvPath := fs.String("csv", "", "Path to CSV")
	indexDir := fs.String("index-dir", "", "Index directory")
	workers := fs.Int("workers", 50, "Max concurrency")

	_ = fs.Parse(args)

	if *indexDir == "" && *csvPath != "" {
		*indexDir = filepath.Dir(*csvPath)
	}

	if err := server.RunDaemon(*socket, *csvPath, *indexDir, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon Error: %v\n", err)
		os.Exit(1)
	}
}
