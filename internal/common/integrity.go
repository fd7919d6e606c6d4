package common

import (
	"crypto/sha1"
	"encoding/hex"
	"os"

	json "github.com/goccy/go-json"
)

// sampleSize is the size of each of the three windows sampled when
// fingerprinting a CSV (start, middle, end).
const sampleSize = 512 * 1024

// Fingerprint identifies a CSV's content state: size, mtime, and a SHA-1 over
// up to three 512 KiB samples (start always, middle if the file is at least
// 3x the sample size, end if the file is at least one sample size).
type Fingerprint struct {
	Size  int64
	Mtime int64
	Hash  string
}

// ComputeFingerprint samples a CSV file per spec.md §3 and returns its
// identifying fingerprint.
func ComputeFingerprint(csvPath string) (Fingerprint, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return Fingerprint{}, NewError(ErrIO, err, "open csv %s", csvPath)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return Fingerprint{}, NewError(ErrIO, err, "stat csv %s", csvPath)
	}

	size := stat.Size()
	hasher := sha1.New()
	buf := make([]byte, sampleSize)

	n, _ := f.ReadAt(buf, 0)
	hasher.Write(buf[:n])

	if size >= sampleSize*3 {
		n, _ = f.ReadAt(buf, (size/2)-(sampleSize/2))
		hasher.Write(buf[:n])
	}

	if size >= sampleSize {
		start := size - sampleSize
		if start < 0 {
			start = 0
		}
		n, _ = f.ReadAt(buf, start)
		hasher.Write(buf[:n])
	}

	return Fingerprint{
		Size:  size,
		Mtime: stat.ModTime().Unix(),
		Hash:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ReadIndexMeta loads a `<csv>_meta.json` sidecar.
func ReadIndexMeta(path string) (IndexMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IndexMeta{}, NewError(ErrIO, err, "read index meta %s", path)
	}
	var meta IndexMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return IndexMeta{}, NewError(ErrInvalidInput, err, "parse index meta %s", path)
	}
	return meta, nil
}

// ValidateIntegrity reports whether the CSV at csvPath still matches the
// fingerprint recorded in meta: unchanged size, mtime, and three-sample hash.
// Any mismatch means the indexes built against meta are stale (§7
// Integrity-stale, §8 Testable Properties).
func ValidateIntegrity(csvPath string, meta IndexMeta) (bool, error) {
	fp, err := ComputeFingerprint(csvPath)
	if err != nil {
		return false, err
	}
	if fp.Size != meta.CsvSize || fp.Mtime != meta.CsvMtime {
		return false, nil
	}
	return fp.Hash == meta.CsvHash, nil
}
