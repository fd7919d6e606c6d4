//go:build !amd64 && !arm64

package simd

// accelerated stays false on architectures where the SWAR word size and
// unaligned-load assumptions haven't been validated; Scan/ScanWithSeparator
// use the scalar path there.
var accelerated = false

// HasAccel reports whether the word-parallel (SWAR) scan path is active on
// this CPU. When false, Scan/ScanWithSeparator fall back to the scalar
// byte-by-byte loop.
func HasAccel() bool {
	return accelerated
}
