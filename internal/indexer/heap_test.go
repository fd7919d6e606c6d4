package indexer

import (
	"math/rand"
	"testing"

	"github.com/csvquery/csvquery/internal/common"
)

func makeHeapRecord(key string, offset int64) common.IndexRecord {
	var rec common.IndexRecord
	copy(rec.Key[:], key)
	rec.Offset = offset
	return rec
}

// TestManualHeapInvariant exercises the manual min-heap used by kWayMerge
// directly, pushing and popping up to k=64 sources and asserting that pops
// always come out in non-decreasing (key, offset) order.
func TestManualHeapInvariant(t *testing.T) {
	for _, k := range []int{1, 2, 3, 7, 8, 16, 31, 32, 63, 64} {
		t.Run("", func(t *testing.T) {
			r := rand.New(rand.NewSource(int64(k)))

			var h manualHeap
			var items []mergeItem
			for i := 0; i < k; i++ {
				rec := makeHeapRecord(string(rune('a'+(i%26))), int64(r.Intn(10000)))
				items = append(items, mergeItem{record: rec, source: i})
			}
			for _, it := range items {
				h.Push(it)
			}

			var prev mergeItem
			first := true
			for len(h) > 0 {
				got := h.Pop()
				if !first && got.Less(prev) {
					t.Fatalf("k=%d: heap popped out of order: %+v after %+v", k, got.record, prev.record)
				}
				prev = got
				first = false
			}
		})
	}
}

// TestManualHeapInterleavedPushPop simulates the push-after-pop pattern
// kWayMerge actually uses (pop the min, then push the next record from the
// same source), across k=64 simulated sources of varying length.
func TestManualHeapInterleavedPushPop(t *testing.T) {
	const k = 64
	r := rand.New(rand.NewSource(42))

	sources := make([][]mergeItem, k)
	for i := 0; i < k; i++ {
		n := 1 + r.Intn(20)
		keys := make([]string, n)
		for j := range keys {
			keys[j] = string(rune('a' + r.Intn(5)))
		}
		for j := 0; j < n; j++ {
			sources[i] = append(sources[i], mergeItem{
				record: makeHeapRecord(keys[j], int64(j)),
				source: i,
			})
		}
	}

	var h manualHeap
	cursors := make([]int, k)
	for i := 0; i < k; i++ {
		h.Push(sources[i][0])
		cursors[i] = 1
	}

	var prev mergeItem
	first := true
	popped := 0
	for len(h) > 0 {
		item := h.Pop()
		if !first && item.Less(prev) {
			t.Fatalf("interleaved merge popped out of order: %+v after %+v", item.record, prev.record)
		}
		prev = item
		first = false
		popped++

		src := item.source
		if cursors[src] < len(sources[src]) {
			h.Push(sources[src][cursors[src]])
			cursors[src]++
		}
	}

	want := 0
	for _, s := range sources {
		want += len(s)
	}
	if popped != want {
		t.Fatalf("popped %d items, want %d", popped, want)
	}
}
