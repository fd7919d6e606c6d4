package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func writeTestCSV(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "data.csv")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestComputeFingerprintSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestCSV(t, dir, 1024)

	fp, err := ComputeFingerprint(path)
	if err != nil {
		t.Fatalf("ComputeFingerprint: %v", err)
	}
	if fp.Size != 1024 {
		t.Fatalf("Size = %d, want 1024", fp.Size)
	}
	if fp.Hash == "" {
		t.Fatalf("expected non-empty hash")
	}

	fp2, err := ComputeFingerprint(path)
	if err != nil {
		t.Fatalf("ComputeFingerprint (2nd): %v", err)
	}
	if fp2.Hash != fp.Hash {
		t.Fatalf("fingerprint not deterministic: %s != %s", fp.Hash, fp2.Hash)
	}
}

func TestComputeFingerprintLargeFileSamplesThreeWindows(t *testing.T) {
	dir := t.TempDir()
	// Large enough to trigger start, middle (>= 3x sample), and end sampling.
	path := writeTestCSV(t, dir, sampleSize*4)

	fp, err := ComputeFingerprint(path)
	if err != nil {
		t.Fatalf("ComputeFingerprint: %v", err)
	}
	if fp.Size != sampleSize*4 {
		t.Fatalf("Size = %d, want %d", fp.Size, sampleSize*4)
	}

	// Changing a byte in the middle window must change the hash.
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	if _, err := f.WriteAt([]byte{'Z'}, fp.Size/2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	_ = f.Close()

	fp2, err := ComputeFingerprint(path)
	if err != nil {
		t.Fatalf("ComputeFingerprint (mutated): %v", err)
	}
	if fp2.Hash == fp.Hash {
		t.Fatalf("expected hash to change after mutating the middle sample window")
	}
}

func TestValidateIntegrity(t *testing.T) {
	dir := t.TempDir()
	path := writeTestCSV(t, dir, 4096)

	fp, err := ComputeFingerprint(path)
	if err != nil {
		t.Fatalf("ComputeFingerprint: %v", err)
	}
	meta := IndexMeta{CsvSize: fp.Size, CsvMtime: fp.Mtime, CsvHash: fp.Hash}

	ok, err := ValidateIntegrity(path, meta)
	if err != nil {
		t.Fatalf("ValidateIntegrity: %v", err)
	}
	if !ok {
		t.Fatalf("expected fresh index to validate")
	}

	// Append data: size changes, so integrity must fail even before hashing.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("extra,row\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = f.Close()

	ok, err = ValidateIntegrity(path, meta)
	if err != nil {
		t.Fatalf("ValidateIntegrity (stale): %v", err)
	}
	if ok {
		t.Fatalf("expected stale index (size changed) to fail validation")
	}
}

func TestReadIndexMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data_meta.json")

	want := IndexMeta{
		FormatVersion: FormatVersion,
		CapturedAt:    time.Unix(1700000000, 0).UTC(),
		TotalRows:     42,
		CsvSize:       100,
		CsvMtime:      1700000000,
		CsvHash:       "deadbeef",
		Indexes:       map[string]IndexStats{"status": {DistinctCount: 3, FileSize: 512}},
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	got, err := ReadIndexMeta(path)
	if err != nil {
		t.Fatalf("ReadIndexMeta: %v", err)
	}
	if got.TotalRows != want.TotalRows || got.CsvHash != want.CsvHash {
		t.Fatalf("ReadIndexMeta = %+v, want %+v", got, want)
	}
}
