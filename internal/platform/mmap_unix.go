//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

func mmapCodeSegment(size int) ([]byte, error) {
	// Anonymous as this is not an actual file, but a memory region;
	// private as this is in-process memory.
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func munmapCodeSegment(mem []byte) error {
	return unix.Munmap(mem)
}

// alreadyReleased reports whether a munmap failure means the mapping was
// gone before the call, which happens when the process is tearing down its
// address space while modules are still being destroyed.
func alreadyReleased(err error) bool {
	return errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EINVAL)
}

func mprotectCodeSegment(mem []byte, prot Protection) error {
	p := unix.PROT_NONE
	if prot == ReadWriteExec {
		p = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}
	return unix.Mprotect(mem, p)
}
