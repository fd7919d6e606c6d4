package simd

import (
	"math/rand"
	"testing"
)

// TestScanSWARMatchesScalar checks that the accelerated word-parallel path and
// the portable scalar fallback produce bit-for-bit identical bitmaps, across
// input lengths that exercise both full 8-byte words and short tails.
func TestScanSWARMatchesScalar(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	alphabet := []byte(`abc,"` + "\n" + `xyz;|`)

	for _, length := range []int{0, 1, 7, 8, 9, 63, 64, 65, 200, 1000} {
		input := make([]byte, length)
		for i := range input {
			input[i] = alphabet[r.Intn(len(alphabet))]
		}

		words := (length + 63) / 64
		if words == 0 {
			words = 1
		}

		swarQ := make([]uint64, words)
		swarC := make([]uint64, words)
		swarN := make([]uint64, words)
		scanSWAR(input, ',', swarQ, swarC, swarN)

		scalarQ := make([]uint64, words)
		scalarC := make([]uint64, words)
		scalarN := make([]uint64, words)
		scanScalar(input, ',', scalarQ, scalarC, scalarN, 0)

		for w := 0; w < words; w++ {
			if swarQ[w] != scalarQ[w] {
				t.Fatalf("len=%d word=%d quotes mismatch: swar=%x scalar=%x", length, w, swarQ[w], scalarQ[w])
			}
			if swarC[w] != scalarC[w] {
				t.Fatalf("len=%d word=%d seps mismatch: swar=%x scalar=%x", length, w, swarC[w], scalarC[w])
			}
			if swarN[w] != scalarN[w] {
				t.Fatalf("len=%d word=%d newlines mismatch: swar=%x scalar=%x", length, w, swarN[w], scalarN[w])
			}
		}
	}
}

func TestHasZeroByte(t *testing.T) {
	if !hasZeroByte(0x0000000000000000) {
		t.Fatalf("all-zero word should report a zero byte")
	}
	if hasZeroByte(0x0101010101010101) {
		t.Fatalf("word with no zero bytes should report false")
	}
	if !hasZeroByte(0x0102030400050607) {
		t.Fatalf("word with one zero byte should report true")
	}
}
