package binreader

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// HasWideZeroScan reports whether the running CPU advertises the wide
// vector extensions that justify ContentEnd's 16-byte stride; on CPUs
// without them ContentEnd falls back to an 8-byte stride. Both strides
// produce byte-identical results (spec.md §4.1: SIMD-width selection "is
// a performance option, never a semantic change") — this only selects
// how many zero bytes are ruled out per backward step.
func HasWideZeroScan() bool {
	return cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD
}

// ContentEnd returns the index one past the last non-zero byte of b, or 0
// if b is entirely zero (or empty). It is used to trim trailing zero
// padding from fixed-size records.
//
// The implementation scans backward a machine word (or, on CPUs
// HasWideZeroScan reports as capable, two words at once) at a time —
// a branch-free "is this span all zero" check, the same trick real
// SIMD byte-scans reduce to at the lane level — and only falls back to
// a byte-at-a-time scan for the final partial span, so it is
// byte-identical to the naïve backward scan for every input, including
// all-zero, zero-length, single-byte and stride-boundary-crossing
// buffers.
func ContentEnd(b []byte) int {
	n := len(b)
	i := n
	if HasWideZeroScan() {
		for i >= 16 {
			hi := binary.LittleEndian.Uint64(b[i-8 : i])
			lo := binary.LittleEndian.Uint64(b[i-16 : i-8])
			if hi != 0 || lo != 0 {
				break
			}
			i -= 16
		}
	}
	for i >= 8 {
		word := binary.LittleEndian.Uint64(b[i-8 : i])
		if word != 0 {
			break
		}
		i -= 8
	}
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return i
}
