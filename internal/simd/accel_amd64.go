//go:build amd64

package simd

import "golang.org/x/sys/cpu"

var accelerated = cpu.X86.HasSSE42

// HasAccel reports whether the word-parallel (SWAR) scan path is active on
// this CPU. When false, Scan/ScanWithSeparator fall back to the scalar
// byte-by-byte loop.
func HasAccel() bool {
	return accelerated
}
