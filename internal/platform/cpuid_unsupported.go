//go:build !amd64 && !arm64

package platform

func cpuID() (uint32, bool) {
	return 0, false
}
