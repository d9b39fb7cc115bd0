package nativecode

import (
	"encoding/binary"
	"unsafe"

	"github.com/nitrojs/nitro/internal/buildoptions"
	"github.com/nitrojs/nitro/internal/platform"
)

// sentinelValue is what the generator leaves in every absolute patch site.
// Patching is value-checked against it, so a site can only be patched once
// per arming.
const sentinelValue = ^uint64(0)

func (m *Module) baseAddress() uintptr {
	m.assertFinished()
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

// EntryAddress is the absolute address of the i'th exported function's
// entry trampoline.
func (m *Module) EntryAddress(i int) uintptr {
	return m.baseAddress() + uintptr(m.exports[i].codeOffset)
}

// InterruptExit is the absolute address of the interrupt exit stub, or zero
// before static linking.
func (m *Module) InterruptExit() uintptr { return m.interruptExit }

// StaticallyLink binds the finished module image to its own final address
// and to rt's process-wide helpers: relative links get absolute intra-module
// pointers, absolute links get helper addresses, and each exit datum is
// seeded with its interpreter thunk. One-shot; restoreToInitialState
// re-arms it.
func (m *Module) StaticallyLink(rt *Runtime) {
	m.assertFinished()
	if m.IsStaticallyLinked() {
		panic("BUG: module already statically linked")
	}
	if buildoptions.IsDebugMode {
		m.assertMetadataOrdered()
	}

	base := m.baseAddress()
	m.interruptExit = base + uintptr(m.link.interruptExitOffset)

	// Seed every function-pointer-table slot with the runtime's return
	// stub; the relative links below overwrite the slots the generator
	// actually filled.
	gd := m.globalData()
	for i := range m.funcPtrTables {
		t := &m.funcPtrTables[i]
		for j := uint32(0); j < t.numElems; j++ {
			binary.LittleEndian.PutUint64(gd[t.globalDataOffset+8*j:], uint64(rt.returnStubAddress()))
		}
	}

	for i := range m.link.relativeLinks {
		l := &m.link.relativeLinks[i]
		target := uint64(base) + uint64(l.targetOffset)
		switch l.kind {
		case RawPointerLink:
			binary.LittleEndian.PutUint64(m.mem[l.patchAtOffset:], target)
		case InstructionImmediateLink:
			patchInstructionImmediate(m.mem[l.patchAtOffset:], target)
		}
	}

	for kind := HelperKind(0); kind < helperLimit; kind++ {
		addr := uint64(rt.addressOf(kind))
		for _, off := range m.link.absoluteLinks[kind] {
			patchPointerChecked(m.mem[off:], sentinelValue, addr)
		}
	}

	for i := range m.exits {
		e := &m.exits[i]
		binary.LittleEndian.PutUint64(gd[e.datumOffset:], uint64(base)+uint64(e.interpCodeOffset))
	}
	m.exitFuns = make([]HostFunc, len(m.exits))

	platform.FlushInstructionCache(m.mem[:m.pod.codeBytes])
}
