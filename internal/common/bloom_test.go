package common

import (
	"fmt"
	"testing"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	keys := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		keys = append(keys, fmt.Sprintf("key-%d", i))
	}
	for _, k := range keys {
		bf.Add(k)
	}
	for _, k := range keys {
		if !bf.MightContain(k) {
			t.Fatalf("false negative for key %q", k)
		}
	}
}

func TestBloomFilterFalsePositiveRateBound(t *testing.T) {
	const n = 5000
	bf := NewBloomFilter(n, 0.01)

	for i := 0; i < n; i++ {
		bf.Add(fmt.Sprintf("present-%d", i))
	}

	falsePositives := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		if bf.MightContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	if rate > 0.03 {
		t.Fatalf("false positive rate too high: %.4f (expected close to 0.01)", rate)
	}
}

func TestBloomFilterSerializeRoundTrip(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	bf.Add("alpha")
	bf.Add("beta")

	data := bf.Serialize()
	got := DeserializeBloom(data)
	if got == nil {
		t.Fatalf("DeserializeBloom returned nil")
	}

	if !got.MightContain("alpha") || !got.MightContain("beta") {
		t.Fatalf("round-tripped filter lost membership")
	}

	size, hashCount, count := got.GetStats()
	wantSize, wantHashCount, wantCount := bf.GetStats()
	if size != wantSize || hashCount != wantHashCount || count != wantCount {
		t.Fatalf("stats mismatch after round-trip: got (%d,%d,%d) want (%d,%d,%d)",
			size, hashCount, count, wantSize, wantHashCount, wantCount)
	}
}

func TestDeserializeBloomRejectsShortData(t *testing.T) {
	if DeserializeBloom([]byte("short")) != nil {
		t.Fatalf("expected nil for data shorter than the 24-byte header")
	}
}

func BenchmarkBloomAdd(b *testing.B) {
	bf := NewBloomFilter(b.N+1, 0.01)
	keys := make([]string, b.N)
	for i := range keys {
		keys[i] = fmt.Sprintf("bench-key-%d", i)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bf.Add(keys[i])
	}
}

func BenchmarkBloomMightContain(b *testing.B) {
	bf := NewBloomFilter(10000, 0.01)
	for i := 0; i < 10000; i++ {
		bf.Add(fmt.Sprintf("bench-key-%d", i))
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bf.MightContain(fmt.Sprintf("bench-key-%d", i%10000))
	}
}
