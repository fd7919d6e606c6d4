// Package common - Bloom Filter for CsvQuery
//
// BloomFilter provides fast negative lookups with configurable false positive rate.
// It answers: "Is this key DEFINITELY NOT in the set?" with 100% accuracy.
//
// Memory usage (for 1% false positive rate):
//   - 10 million keys: ~12.5 MB
//   - 100 million keys: ~125 MB
//   - 1 billion keys: ~1.25 GB
//
// This is much smaller than a hash table (which would need ~80 GB for 1B keys).
//
// The algorithm uses double hashing (h1 + i*h2) with xxh3's 128-bit hash split into
// two independent 64-bit lanes, giving both hash functions from a single pass.
package common

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/zeebo/xxh3"
)

// BloomFilter implements a space-efficient probabilistic set
type BloomFilter struct {
	bits      []byte // Bit array
	size      int    // Size in bits
	hashCount int    // Number of hash functions
	count     int    // Number of elements added
}

// NewBloomFilter creates a bloom filter optimized for expected elements and FP rate
//
// Parameters:
//   - n: Expected number of elements
//   - fpRate: Desired false positive rate (0.01 = 1%)
//
// The optimal parameters are calculated using:
//   - m (bits) = -n * ln(p) / (ln(2)^2)
//   - k (hashes) = (m/n) * ln(2)
func NewBloomFilter(n int, fpRate float64) *BloomFilter {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 {
		fpRate = 0.01
	}

	// m = -n * ln(p) / (ln(2)^2); ln(2)^2 ≈ 0.4804
	m := int(-float64(n) * math.Log(fpRate) / 0.4804)
	if m < 1024 {
		m = 1024
	}
	m = ((m + 7) / 8) * 8 // Round to bytes

	// k = (m/n) * ln(2); ln(2) ≈ 0.693
	k := int(float64(m) / float64(n) * 0.693)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10 // Cap at 10 hashes for performance
	}

	return &BloomFilter{
		bits:      make([]byte, m/8),
		size:      m,
		hashCount: k,
		count:     0,
	}
}

// hashes returns the two independent 64-bit lanes used for double hashing.
func hashes(key string) (uint64, uint64) {
	h := xxh3.Hash128([]byte(key))
	return h.Hi, h.Lo
}

// Add inserts a key into the filter
func (bf *BloomFilter) Add(key string) {
	h1, h2 := hashes(key)

	for i := 0; i < bf.hashCount; i++ {
		combined := h1 + uint64(i)*h2
		pos := int(combined % uint64(bf.size))
		byteIdx := pos / 8
		bitIdx := pos % 8
		bf.bits[byteIdx] |= (1 << bitIdx)
	}
	bf.count++
}

// MightContain checks if a key might be in the set
//
// Returns:
//   - false: Key is DEFINITELY NOT in the set (100% accurate)
//   - true: Key MIGHT be in the set (with configured false positive rate)
func (bf *BloomFilter) MightContain(key string) bool {
	h1, h2 := hashes(key)

	for i := 0; i < bf.hashCount; i++ {
		combined := h1 + uint64(i)*h2
		pos := int(combined % uint64(bf.size))
		byteIdx := pos / 8
		bitIdx := pos % 8
		if (bf.bits[byteIdx] & (1 << bitIdx)) == 0 {
			return false // Definitely not in set
		}
	}
	return true // Possibly in set
}

// Serialize converts the bloom filter to bytes for storage
//
// Binary format (24 byte header + bits):
//   - Bytes 0-7: size (int64)
//   - Bytes 8-15: hashCount (int64)
//   - Bytes 16-23: count (int64)
//   - Bytes 24+: bit array
func (bf *BloomFilter) Serialize() []byte {
	header := make([]byte, 24)
	binary.LittleEndian.PutUint64(header[0:8], uint64(bf.size))
	binary.LittleEndian.PutUint64(header[8:16], uint64(bf.hashCount))
	binary.LittleEndian.PutUint64(header[16:24], uint64(bf.count))

	return append(header, bf.bits...)
}

// DeserializeBloom creates a bloom filter from serialized bytes
func DeserializeBloom(data []byte) *BloomFilter {
	if len(data) < 24 {
		return nil
	}

	size := int(binary.LittleEndian.Uint64(data[0:8]))
	hashCount := int(binary.LittleEndian.Uint64(data[8:16]))
	count := int(binary.LittleEndian.Uint64(data[16:24]))

	return &BloomFilter{
		bits:      data[24:],
		size:      size,
		hashCount: hashCount,
		count:     count,
	}
}

// GetStats returns bloom filter statistics
func (bf *BloomFilter) GetStats() (size, hashCount, count int) {
	return bf.size, bf.hashCount, bf.count
}

// GetMemoryUsage returns memory usage in bytes
func (bf *BloomFilter) GetMemoryUsage() int {
	return len(bf.bits) + 24 // bits + header
}

// LoadBloomFilter reads a bloom filter from a file
func LoadBloomFilter(path string) (*BloomFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(ErrIO, err, "read bloom filter %s", path)
	}
	bloom := DeserializeBloom(data)
	if bloom == nil {
		return nil, NewError(ErrCorrupt, nil, "invalid bloom filter data in %s", path)
	}
	return bloom, nil
}

// LoadBloomFilterMmap loads the bloom filter using mmap for zero-copy access
func LoadBloomFilterMmap(path string) (*BloomFilter, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, NewError(ErrIO, err, "open bloom filter %s", path)
	}

	data, err := MmapFile(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, NewError(ErrIO, err, "mmap bloom filter %s", path)
	}
	// The fd can be closed immediately after mmap.
	_ = f.Close()

	bloom := DeserializeBloom(data)
	if bloom == nil {
		_ = MunmapFile(data)
		return nil, nil, NewError(ErrCorrupt, nil, "invalid bloom filter data in %s", path)
	}

	cleanup := func() {
		_ = MunmapFile(data)
	}

	return bloom, cleanup, nil
}
