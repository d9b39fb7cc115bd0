//go:build amd64

package platform

// x86 keeps instruction and data caches coherent in hardware.
func flushInstructionCache(mem []byte) {}
