//go:build arm64

package platform

import "golang.org/x/sys/cpu"

func cpuID() (uint32, bool) {
	var features uint32
	if cpu.ARM64.HasATOMICS {
		features |= 1 << 0
	}
	if cpu.ARM64.HasFP {
		features |= 1 << 1
	}
	if cpu.ARM64.HasASIMD {
		features |= 1 << 2
	}
	return archArm64 | features<<archBits, true
}
