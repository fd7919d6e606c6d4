package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/csvquery/csvquery/internal/common"
	"github.com/csvquery/csvquery/internal/indexer"
	"github.com/csvquery/csvquery/internal/query"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: benchmark <size_mb>")
		return
	}

	sizeMB, err := strconv.Atoi(os.Args[1])
	if err != nil || sizeMB <= 0 {
		fmt.Fprintf(os.Stderr, "invalid size_mb %q\n", os.Args[1])
		os.Exit(1)
	}

	fmt.Printf("Generating %d MB CSV...\n", sizeMB)
	tmpDir, _ := os.MkdirTemp("", "csv_bench")
	defer os.RemoveAll(tmpDir)

	csvPath := filepath.Join(tmpDir, "bench.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		panic(err)
	}

	w := bufio.NewWriterSize(f, 64*1024)
	w.WriteString("id,code,value,description\n")

	// Write untils size reached
	bytesWritten := int64(0)
	limit := int64(sizeMB) * 1024 * 1024

	rows := 0
	buf := make([]byte, 0, 1024)

	rng := rand.New(rand.NewSource(123))

	for bytesWritten < limit {
		rows++
		// Faster string generation
		// id,code,value,description
		buf = buf[:0]
		buf = fmt.Appendf(buf, "%d,US-%d,%d,\"Description for item %d with some padding to make it longer\"\n", rows, rng.Intn(1000), rng.Intn(10000), rows)

		n, _ := w.Write(buf)
		bytesWritten += int64(n)
	}
	w.Flush()
	f.Close()

	fmt.Printf("Generated %d rows (%.2f MB)\n", rows, float64(bytesWritten)/1024/1024)

	// Build a composite index on (code, id) so the benchmark exercises the
	// longest-prefix composite lookup findBestIndex performs, not just a
	// single-column index.
	fmt.Println("Starting Indexing...")

	cfg := indexer.IndexerConfig{
		InputFile:   csvPath,
		OutputDir:   tmpDir,
		Columns:     `[["code", "id"]]`,
		Separator:   ",",
		Workers:     runtime.NumCPU(),
		MemoryMB:    256,
		BloomFPRate: 0.01,
		Verbose:     true,
	}

	idx := indexer.NewIndexer(cfg)

	start := time.Now()
	if err := idx.Run(); err != nil {
		panic(err)
	}
	elapsed := time.Since(start)

	mbPerSec := float64(bytesWritten) / 1024 / 1024 / elapsed.Seconds()
	fmt.Printf("\n--------------------------------------------------\n")
	fmt.Printf("Throughput: %.2f MB/s\n", mbPerSec)
	fmt.Printf("Time:       %v\n", elapsed)
	fmt.Printf("--------------------------------------------------\n")

	metaPath := filepath.Join(tmpDir, "bench_meta.json")
	if meta, err := common.ReadIndexMeta(metaPath); err == nil {
		fmt.Printf("Index format version: %d\n", meta.FormatVersion)
	}

	// Exercise the composite index with a zero-I/O count (coverage over
	// code+id means the engine never reads a CSV row for this query).
	where, err := query.ParseCondition([]byte(`{"code":"US-1","id":"1"}`))
	if err != nil {
		panic(err)
	}
	engine := query.NewQueryEngine(query.QueryConfig{
		CsvPath:   csvPath,
		IndexDir:  tmpDir,
		Where:     where,
		CountOnly: true,
	})
	engine.Writer = os.Stdout

	fmt.Println("Composite index count(code=US-1 AND id=1):")
	if err := engine.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
	}
}
