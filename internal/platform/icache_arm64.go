//go:build arm64

package platform

// The kernel synchronizes the instruction cache for a page whenever it
// transitions to executable, so a protection round-trip over the patched
// region is sufficient and avoids per-line cache maintenance instructions,
// which Go cannot express without assembly. The round-trip covers whole
// pages, rounded up so a patch in a trailing partial page is synchronized
// too; callers always flush a prefix of a page-granular mapping, so the
// last page is within the region's capacity.
func flushInstructionCache(mem []byte) {
	n := (len(mem) + PageSize - 1) &^ (PageSize - 1)
	MprotectCodeSegment(mem[:n], NoAccess)
	MprotectCodeSegment(mem[:n], ReadWriteExec)
}
