//go:build !amd64 && !arm64

package platform

func flushInstructionCache(mem []byte) {
	panic("unsupported GOARCH for instruction cache maintenance")
}
