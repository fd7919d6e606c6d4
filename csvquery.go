// Package csvquery is the library entry point for the CSV indexing and
// query engine: build on-disk indexes for a CSV file, query it with or
// without those indexes, and serve queries over a long-lived daemon.
package csvquery

import (
	"io"
	"runtime"

	"github.com/csvquery/csvquery/internal/common"
	"github.com/csvquery/csvquery/internal/indexer"
	"github.com/csvquery/csvquery/internal/query"
	"github.com/csvquery/csvquery/internal/server"
)

// BuildOptions configures BuildIndex. Zero values pick the same defaults
// the CLI applies: all CPUs, a 500MB total memory budget, 1% bloom
// false-positive rate.
type BuildOptions struct {
	Workers     int
	MemoryMB    int
	BloomFPRate float64
	Verbose     bool
}

// BuildIndex builds the composite .cidx index set for csvPath under
// outputDir, covering the given columns (a JSON array of column names or
// [name, name] pairs describing a composite key, per §2). separator is a
// single-byte CSV field separator, typically ",".
func BuildIndex(csvPath, outputDir, columns, separator string, opts BuildOptions) error {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 500
	}
	if opts.BloomFPRate <= 0 {
		opts.BloomFPRate = 0.01
	}

	idx := indexer.NewIndexer(indexer.IndexerConfig{
		InputFile:   csvPath,
		OutputDir:   outputDir,
		Columns:     columns,
		Separator:   separator,
		Workers:     opts.Workers,
		MemoryMB:    opts.MemoryMB,
		BloomFPRate: opts.BloomFPRate,
		Verbose:     opts.Verbose,
	})
	return idx.Run()
}

// QueryOptions mirrors query.QueryConfig but hides the internal package
// from callers of the library surface.
type QueryOptions struct {
	IndexDir  string
	Where     *query.Condition
	Limit     int
	Offset    int
	CountOnly bool
	Explain   bool
	GroupBy   string
	AggCol    string
	AggFunc   string
	Verbose   bool
}

// ParseWhere parses a `where` payload in any of the shapes the filter tree
// accepts: a flat hash, an operator array, a logical array, or a
// structured tree (§4.6).
func ParseWhere(whereJSON []byte) (*query.Condition, error) {
	return query.ParseCondition(whereJSON)
}

// RunQuery executes a query against csvPath, using indexes under
// opts.IndexDir when they cover the WHERE clause and falling back to a
// full scan otherwise, and writes its result to w.
func RunQuery(csvPath string, opts QueryOptions, w io.Writer) error {
	engine := query.NewQueryEngine(query.QueryConfig{
		CsvPath:   csvPath,
		IndexDir:  opts.IndexDir,
		Where:     opts.Where,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
		CountOnly: opts.CountOnly,
		Explain:   opts.Explain,
		GroupBy:   opts.GroupBy,
		AggCol:    opts.AggCol,
		AggFunc:   opts.AggFunc,
		Verbose:   opts.Verbose,
	})
	if w != nil {
		engine.Writer = w
	}
	return engine.Run()
}

// ServerOptions configures StartServer.
type ServerOptions struct {
	SocketPath     string
	IndexDir       string
	MaxConcurrency int
}

// StartServer starts a Unix-domain-socket request server (§4.9) bound to
// csvPath and blocks until it is shut down or the listener fails.
func StartServer(csvPath string, opts ServerOptions) error {
	daemon := server.NewUDSDaemon(server.DaemonConfig{
		SocketPath:     opts.SocketPath,
		CsvPath:        csvPath,
		IndexDir:       opts.IndexDir,
		MaxConcurrency: opts.MaxConcurrency,
	})
	return daemon.Start()
}

// IndexMeta is the parsed form of a `<csv>_meta.json` sidecar: the format
// version, the row count, per-index distinct counts and file sizes, and the
// CSV fingerprint used for staleness detection (§3, §7).
type IndexMeta = common.IndexMeta

// ReadIndexMeta loads the `_meta.json` sidecar written by BuildIndex.
func ReadIndexMeta(path string) (IndexMeta, error) {
	return common.ReadIndexMeta(path)
}
