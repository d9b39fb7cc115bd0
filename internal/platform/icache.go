package platform

// FlushInstructionCache makes in-place rewrites of mem visible to
// instruction fetch. Callers flush once over the whole patched region per
// patching pass, never per site.
func FlushInstructionCache(mem []byte) {
	if len(mem) == 0 {
		return
	}
	flushInstructionCache(mem)
}
