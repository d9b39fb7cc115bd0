package nativecode

import (
	"fmt"

	"github.com/nitrojs/nitro/internal/platform"
)

// Clone produces an independent copy of the module in its initial,
// unlinked state, ready to be linked against its own heap. The source may
// be linked and executing; its code is copied under the interrupt lock.
// Profiling must be off, since a profiling-patched image cannot be restored
// without also knowing the thunk redirections were applied.
func (m *Module) Clone(rt *Runtime) (*Module, error) {
	m.assertFinished()
	if m.profilingEnabled {
		panic("BUG: cloning a module with profiling enabled")
	}

	out := NewModule(m.sourceName, m.srcStart, m.srcBodyStart, m.pod.strict, m.pod.usesSignalHandlers)
	out.pod = m.pod
	out.globalDataUsed = m.globalDataUsed

	mem, err := platform.AllocCodeSegment(int(m.pod.totalBytes))
	if err != nil {
		return nil, fmt.Errorf("cloning module: %w", err)
	}
	out.mem = mem
	m.withUnprotectedCode(rt, func() {
		copy(out.mem, m.mem[:m.pod.totalBytes])
	})

	out.sourceName = m.sourceName
	out.globalArgName = m.globalArgName
	out.importArgName = m.importArgName
	out.bufferArgName = m.bufferArgName
	out.globals = append([]Global(nil), m.globals...)
	out.exits = append([]Exit(nil), m.exits...)
	out.exports = make([]ExportedFunction, len(m.exports))
	for i := range m.exports {
		out.exports[i] = m.exports[i]
		out.exports[i].argCoercions = append([]CoercionKind(nil), m.exports[i].argCoercions...)
	}
	out.callSites = append([]CallSite(nil), m.callSites...)
	out.codeRanges = append([]CodeRange(nil), m.codeRanges...)
	out.funcPtrTables = append([]FuncPtrTable(nil), m.funcPtrTables...)
	out.builtinThunkOffsets = append([]uint32(nil), m.builtinThunkOffsets...)
	out.funcNames = append([]Name(nil), m.funcNames...)
	out.heapAccesses = append([]HeapAccess(nil), m.heapAccesses...)
	out.link.interruptExitOffset = m.link.interruptExitOffset
	out.link.relativeLinks = append([]RelativeLink(nil), m.link.relativeLinks...)
	for kind := range m.link.absoluteLinks {
		out.link.absoluteLinks[kind] = append([]uint32(nil), m.link.absoluteLinks[kind]...)
	}
	out.finished = true

	// The copied image carries the source's patches: intra-module pointers
	// into the source's code and this process's helper addresses. Restore
	// the armed-sentinel state, then statically link the clone against its
	// own image so it holds no pointers into the source.
	if m.IsStaticallyLinked() {
		out.restoreToInitialState(m.heap, rt)
		out.StaticallyLink(rt)
	}
	return out, nil
}
