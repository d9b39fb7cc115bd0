//go:build amd64

package platform

import "golang.org/x/sys/cpu"

func cpuID() (uint32, bool) {
	// Only the features the code generator emits alternate sequences for;
	// anything else cannot change the generated bytes, so including it would
	// only cause needless cache misses.
	var features uint32
	if cpu.X86.HasSSE3 {
		features |= 1 << 0
	}
	if cpu.X86.HasSSE41 {
		features |= 1 << 1
	}
	if cpu.X86.HasSSE42 {
		features |= 1 << 2
	}
	if cpu.X86.HasAVX {
		features |= 1 << 3
	}
	if cpu.X86.HasPOPCNT {
		features |= 1 << 4
	}
	return archAmd64 | features<<archBits, true
}
