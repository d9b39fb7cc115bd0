// Package platform isolates the OS- and CPU-specific pieces the linker
// needs: executable-memory allocation, page-protection transitions and CPU
// feature identification for the compilation-cache fingerprint.
package platform

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granularity assumed by the code generator.
// Module images are always sized and protected in units of this.
const PageSize = 4096

// AllocCodeSegment reserves a page-aligned read+write+execute region of
// exactly totalBytes, which must be a multiple of PageSize. A failed OS
// allocation is returned as an error wrapping the syscall error; no partial
// region is ever returned.
func AllocCodeSegment(totalBytes int) ([]byte, error) {
	if totalBytes == 0 || totalBytes%PageSize != 0 {
		panic(fmt.Errorf("BUG: AllocCodeSegment with size %d not a multiple of %d", totalBytes, PageSize))
	}
	mem, err := mmapCodeSegment(totalBytes)
	if err != nil {
		return nil, fmt.Errorf("out of executable memory (%d bytes): %w", totalBytes, err)
	}
	return mem, nil
}

// FreeCodeSegment releases a region returned by AllocCodeSegment. Releasing
// a mapping the process has already torn down is tolerated so module
// destruction is idempotent during shutdown; any other failure is a bug.
func FreeCodeSegment(mem []byte) {
	if len(mem) == 0 {
		panic(errors.New("BUG: FreeCodeSegment with zero length"))
	}
	if err := munmapCodeSegment(mem); err != nil && !alreadyReleased(err) {
		panic(fmt.Errorf("BUG: munmap of code segment failed: %w", err))
	}
}

// Protection values accepted by MprotectCodeSegment.
type Protection int

const (
	// NoAccess revokes all access so any touch, including execution, faults.
	NoAccess Protection = iota
	// ReadWriteExec restores the allocation-time permissions.
	ReadWriteExec
)

// MprotectCodeSegment changes the protection of mem, which must be a
// page-aligned prefix of an AllocCodeSegment region.
func MprotectCodeSegment(mem []byte, prot Protection) {
	if len(mem)%PageSize != 0 {
		panic(fmt.Errorf("BUG: MprotectCodeSegment with size %d not a multiple of %d", len(mem), PageSize))
	}
	if err := mprotectCodeSegment(mem, prot); err != nil {
		panic(fmt.Errorf("BUG: mprotect of code segment failed: %w", err))
	}
}
