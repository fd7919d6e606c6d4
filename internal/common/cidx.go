package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

const (
	// MagicCIDX is the magic header for the compressed index file.
	MagicCIDX = "CIDX"
	// BlockTargetSize is the target uncompressed size for a block (64KiB).
	BlockTargetSize = 64 * 1024
	// FormatVersion distinguishes index files that carry a reliable per-block
	// RecordCount (>=2) from older files that may have omitted it (see the
	// count-all-via-index fallback in the query engine).
	FormatVersion = 2
)

// BlockMeta holds metadata for a single compressed block.
type BlockMeta struct {
	StartKey    string `json:"startKey"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	RecordCount int64  `json:"recordCount"`
	IsDistinct  bool   `json:"isDistinct"`
}

// SparseIndex represents the footer of a .cidx file.
type SparseIndex struct {
	Version int         `json:"version"`
	Blocks  []BlockMeta `json:"blocks"`
}

// BlockWriter writes compressed blocks followed by a sparse JSON footer.
type BlockWriter struct {
	w           io.Writer
	buffer      []IndexRecord
	currentSize int
	sparseIndex SparseIndex
	offset      int64
	lw          *lz4.Writer
	rawBuf      bytes.Buffer
	compBuf     bytes.Buffer
}

// NewBlockWriter creates a new BlockWriter and writes the magic header.
func NewBlockWriter(w io.Writer) (*BlockWriter, error) {
	n, err := w.Write([]byte(MagicCIDX))
	if err != nil {
		return nil, NewError(ErrIO, err, "write magic header")
	}

	lw := lz4.NewWriter(io.Discard)
	_ = lw.Apply(lz4.BlockSizeOption(lz4.Block64Kb))

	return &BlockWriter{
		w:           w,
		buffer:      make([]IndexRecord, 0, 1000),
		offset:      int64(n),
		lw:          lw,
		sparseIndex: SparseIndex{Version: FormatVersion},
	}, nil
}

// WriteRecord buffers a record, flushing a block once the target size is reached.
func (bw *BlockWriter) WriteRecord(rec IndexRecord) error {
	bw.buffer = append(bw.buffer, rec)
	bw.currentSize += len(rec.Key) + 16

	if bw.currentSize >= BlockTargetSize {
		return bw.FlushBlock()
	}
	return nil
}

// FlushBlock compresses the buffered records and writes them as one block.
func (bw *BlockWriter) FlushBlock() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	bw.rawBuf.Reset()
	if err := WriteBatchRecords(&bw.rawBuf, bw.buffer); err != nil {
		return NewError(ErrIO, err, "serialize block records")
	}

	bw.compBuf.Reset()
	bw.lw.Reset(&bw.compBuf)
	if _, err := bw.lw.Write(bw.rawBuf.Bytes()); err != nil {
		return NewError(ErrIO, err, "compress block")
	}
	if err := bw.lw.Close(); err != nil {
		return NewError(ErrIO, err, "close lz4 writer")
	}
	compressedBytes := bw.compBuf.Bytes()

	keyStr := string(bytes.TrimRight(bw.buffer[0].Key[:], "\x00"))

	isDistinct := true
	firstKey := bw.buffer[0].Key
	for i := 1; i < len(bw.buffer); i++ {
		if firstKey != bw.buffer[i].Key {
			isDistinct = false
			break
		}
	}

	meta := BlockMeta{
		StartKey:    keyStr,
		Offset:      bw.offset,
		Length:      int64(len(compressedBytes)),
		RecordCount: int64(len(bw.buffer)),
		IsDistinct:  isDistinct,
	}
	bw.sparseIndex.Blocks = append(bw.sparseIndex.Blocks, meta)

	n, err := bw.w.Write(compressedBytes)
	if err != nil {
		return NewError(ErrIO, err, "write block")
	}
	bw.offset += int64(n)

	bw.buffer = bw.buffer[:0]
	bw.currentSize = 0
	return nil
}

// Close flushes any remaining buffer and writes the footer + trailer length.
func (bw *BlockWriter) Close() error {
	if err := bw.FlushBlock(); err != nil {
		return err
	}

	footerBytes, err := json.Marshal(bw.sparseIndex)
	if err != nil {
		return NewError(ErrIO, err, "marshal footer")
	}

	n, err := bw.w.Write(footerBytes)
	if err != nil {
		return NewError(ErrIO, err, "write footer")
	}

	if err := binary.Write(bw.w, binary.BigEndian, int64(n)); err != nil {
		return NewError(ErrIO, err, "write footer length")
	}

	return nil
}

// BlockReader reads compressed blocks, in either seek-based or mmap (zero-copy) mode.
type BlockReader struct {
	r         io.ReadSeeker
	mmapData  []byte
	Footer    SparseIndex
	compBuf   []byte
	decompBuf []byte
	recBuf    []IndexRecord
}

// NewBlockReader opens a seek-based reader and loads the sparse footer.
func NewBlockReader(r io.ReadSeeker) (*BlockReader, error) {
	if _, err := r.Seek(-8, io.SeekEnd); err != nil {
		return nil, NewError(ErrCorrupt, err, "seek to trailer")
	}

	var footerLen int64
	if err := binary.Read(r, binary.BigEndian, &footerLen); err != nil {
		return nil, NewError(ErrCorrupt, err, "read footer length")
	}
	if footerLen < 0 {
		return nil, NewError(ErrCorrupt, nil, "negative footer length %d", footerLen)
	}

	if _, err := r.Seek(-(8 + footerLen), io.SeekEnd); err != nil {
		return nil, NewError(ErrCorrupt, err, "seek to footer")
	}

	footerBytes := make([]byte, footerLen)
	if _, err := io.ReadFull(r, footerBytes); err != nil {
		return nil, NewError(ErrCorrupt, err, "read footer")
	}

	var footer SparseIndex
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return nil, NewError(ErrCorrupt, err, "parse footer json")
	}

	return &BlockReader{r: r, Footer: footer}, nil
}

// NewBlockReaderMmap opens a zero-copy reader backed by a memory-mapped file.
// Call Cleanup() to unmap when done.
func NewBlockReaderMmap(path string) (*BlockReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewError(ErrIO, err, "open index file")
	}
	defer func() { _ = f.Close() }()

	data, err := MmapFile(f)
	if err != nil {
		return nil, NewError(ErrIO, err, "mmap index file")
	}

	if len(data) < len(MagicCIDX)+8 {
		_ = MunmapFile(data)
		return nil, NewError(ErrCorrupt, nil, "index file too small: %d bytes", len(data))
	}
	if string(data[:len(MagicCIDX)]) != MagicCIDX {
		_ = MunmapFile(data)
		return nil, NewError(ErrCorrupt, nil, "bad magic header")
	}

	footerLen := int64(binary.BigEndian.Uint64(data[len(data)-8:]))
	footerStart := int64(len(data)) - 8 - footerLen
	if footerLen < 0 || footerStart < int64(len(MagicCIDX)) {
		_ = MunmapFile(data)
		return nil, NewError(ErrCorrupt, nil, "invalid footer: start=%d", footerStart)
	}

	var footer SparseIndex
	if err := json.Unmarshal(data[footerStart:int64(len(data))-8], &footer); err != nil {
		_ = MunmapFile(data)
		return nil, NewError(ErrCorrupt, err, "parse footer json")
	}

	return &BlockReader{mmapData: data, Footer: footer}, nil
}

// Cleanup releases mmap resources. Safe to call on non-mmap readers.
func (br *BlockReader) Cleanup() {
	if br.mmapData != nil {
		_ = MunmapFile(br.mmapData)
		br.mmapData = nil
	}
}

// ReadBlock decompresses and batch-parses the records of a single block.
func (br *BlockReader) ReadBlock(meta BlockMeta) ([]IndexRecord, error) {
	var compData []byte

	if br.mmapData != nil {
		end := meta.Offset + meta.Length
		if meta.Offset < 0 || end > int64(len(br.mmapData)) {
			return nil, NewError(ErrCorrupt, nil, "block extends past mmap boundary: %d > %d", end, len(br.mmapData))
		}
		compData = br.mmapData[meta.Offset:end]
	} else {
		if _, err := br.r.Seek(meta.Offset, io.SeekStart); err != nil {
			return nil, NewError(ErrIO, err, "seek to block")
		}

		needed := int(meta.Length)
		if cap(br.compBuf) < needed {
			br.compBuf = make([]byte, needed)
		}
		br.compBuf = br.compBuf[:needed]

		if _, err := io.ReadFull(br.r, br.compBuf); err != nil {
			return nil, NewError(ErrIO, err, "read block")
		}
		compData = br.compBuf
	}

	lr := lz4.NewReader(bytes.NewReader(compData))

	if cap(br.decompBuf) < BlockTargetSize*2 {
		br.decompBuf = make([]byte, 0, BlockTargetSize*2)
	}
	br.decompBuf = br.decompBuf[:0]

	var tmpBuf [8192]byte
	for {
		n, err := lr.Read(tmpBuf[:])
		if n > 0 {
			br.decompBuf = append(br.decompBuf, tmpBuf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewError(ErrCorrupt, err, "lz4 decode failure")
		}
	}

	count := len(br.decompBuf) / RecordSize
	if count == 0 {
		br.recBuf = br.recBuf[:0]
		return br.recBuf, nil
	}
	if len(br.decompBuf)%RecordSize != 0 {
		return nil, NewError(ErrCorrupt, nil, "block size %d not a multiple of record size %d", len(br.decompBuf), RecordSize)
	}

	if cap(br.recBuf) < count {
		br.recBuf = make([]IndexRecord, count)
	}
	br.recBuf = br.recBuf[:count]

	for i := 0; i < count; i++ {
		offset := i * RecordSize
		br.recBuf[i] = IndexRecord{
			Key:    *(*[64]byte)(br.decompBuf[offset : offset+64]),
			Offset: int64(binary.BigEndian.Uint64(br.decompBuf[offset+64 : offset+72])),
			Line:   int64(binary.BigEndian.Uint64(br.decompBuf[offset+72 : offset+80])),
		}
	}

	return br.recBuf, nil
}

// ValidateMagic is a cheap sanity check usable before a full NewBlockReader call.
func ValidateMagic(data []byte) error {
	if len(data) < len(MagicCIDX) {
		return fmt.Errorf("file too short for magic header")
	}
	if string(data[:len(MagicCIDX)]) != MagicCIDX {
		return fmt.Errorf("bad magic header %q", data[:len(MagicCIDX)])
	}
	return nil
}
