//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package platform

import "fmt"

var errUnsupported = fmt.Errorf("unsupported GOOS")

func mmapCodeSegment(size int) ([]byte, error) {
	return nil, errUnsupported
}

func munmapCodeSegment(mem []byte) error {
	panic(errUnsupported)
}

func alreadyReleased(err error) bool {
	return false
}

func mprotectCodeSegment(mem []byte, prot Protection) error {
	panic(errUnsupported)
}
