package common

import (
	"bytes"
	"testing"
)

func makeRecord(key string, offset, line int64) IndexRecord {
	var rec IndexRecord
	copy(rec.Key[:], key)
	rec.Offset = offset
	rec.Line = line
	return rec
}

func TestBlockWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	bw, err := NewBlockWriter(&buf)
	if err != nil {
		t.Fatalf("NewBlockWriter: %v", err)
	}

	want := []IndexRecord{
		makeRecord("active", 0, 1),
		makeRecord("active", 15, 2),
		makeRecord("inactive", 30, 3),
	}
	for _, rec := range want {
		if err := bw.WriteRecord(rec); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := ValidateMagic(buf.Bytes()); err != nil {
		t.Fatalf("ValidateMagic: %v", err)
	}

	br, err := NewBlockReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewBlockReader: %v", err)
	}

	if br.Footer.Version != FormatVersion {
		t.Fatalf("footer version = %d, want %d", br.Footer.Version, FormatVersion)
	}
	if len(br.Footer.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(br.Footer.Blocks))
	}

	meta := br.Footer.Blocks[0]
	if meta.RecordCount != int64(len(want)) {
		t.Fatalf("RecordCount = %d, want %d", meta.RecordCount, len(want))
	}
	if meta.IsDistinct {
		t.Fatalf("block should not be flagged distinct (mixed keys)")
	}

	got, err := br.ReadBlock(meta)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBlockWriterDistinctFlag(t *testing.T) {
	var buf bytes.Buffer
	bw, err := NewBlockWriter(&buf)
	if err != nil {
		t.Fatalf("NewBlockWriter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := bw.WriteRecord(makeRecord("same-key", int64(i*10), int64(i+1))); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	br, err := NewBlockReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewBlockReader: %v", err)
	}
	if !br.Footer.Blocks[0].IsDistinct {
		t.Fatalf("expected IsDistinct true for single-key block")
	}
}

func TestValidateMagicRejectsBadMagic(t *testing.T) {
	if err := ValidateMagic([]byte("nope")); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func BenchmarkBlockWriterFlush(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		bw, _ := NewBlockWriter(&buf)
		for j := 0; j < 100; j++ {
			_ = bw.WriteRecord(makeRecord("key", int64(j), int64(j+1)))
		}
		_ = bw.Close()
	}
}
