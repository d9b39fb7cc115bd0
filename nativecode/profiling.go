package nativecode

import (
	"encoding/binary"
	"fmt"

	"github.com/nitrojs/nitro/internal/platform"
)

// ProfilingLabel is the display label for code range i, built when
// profiling was enabled. Empty for non-function ranges and while profiling
// is off.
func (m *Module) ProfilingLabel(i int) string {
	if m.profilingLabels == nil {
		return ""
	}
	return m.profilingLabels[i]
}

// SetProfilingEnabled toggles the profiling instrumentation baked into the
// generated code. Enabling retargets every direct call and
// function-pointer-table slot from the callee's entry to its profiling
// prologue, arms the epilogue jump in every function, and redirects builtin
// call sites through their profiling thunks. Disabling is the exact
// inverse. The toggle is idempotent and runs under the interrupt lock with
// the code pages writable.
func (m *Module) SetProfilingEnabled(rt *Runtime, enabled bool) {
	if !m.dynamicallyLinked {
		panic("BUG: toggling profiling before dynamic link")
	}
	if m.profilingEnabled == enabled {
		return
	}

	if enabled {
		m.profilingLabels = make([]string, len(m.codeRanges))
		for i := range m.codeRanges {
			cr := &m.codeRanges[i]
			if cr.IsFunction() {
				m.profilingLabels[i] = fmt.Sprintf("%s (%s:%d)",
					m.funcNames[cr.nameIndex].value, m.sourceName, cr.lineNumber)
			}
		}
	} else {
		m.profilingLabels = nil
	}

	m.withUnprotectedCode(rt, func() {
		code := m.mem[:m.pod.codeBytes]
		base := uint64(m.baseAddress())

		for i := range m.callSites {
			cs := &m.callSites[i]
			if cs.kind != CallSiteRelative {
				continue
			}
			callee := m.lookupCodeRangeByOffset(callTargetOffset(code, cs.returnAddressOffset))
			if callee == nil || !callee.IsFunction() {
				continue
			}
			if enabled {
				setCallTargetOffset(code, cs.returnAddressOffset, callee.begin)
			} else {
				setCallTargetOffset(code, cs.returnAddressOffset, callee.Entry())
			}
		}

		// Table slots holding the runtime's return stub point outside the
		// module and are left alone.
		gd := m.globalData()
		for i := range m.funcPtrTables {
			t := &m.funcPtrTables[i]
			for j := uint32(0); j < t.numElems; j++ {
				slot := gd[t.globalDataOffset+8*j:]
				ptr := binary.LittleEndian.Uint64(slot)
				if ptr < base || ptr >= base+uint64(m.pod.codeBytes) {
					continue
				}
				cr := m.lookupCodeRangeByOffset(uint32(ptr - base))
				if cr == nil || !cr.IsFunction() {
					continue
				}
				if enabled {
					binary.LittleEndian.PutUint64(slot, base+uint64(cr.begin))
				} else {
					binary.LittleEndian.PutUint64(slot, base+uint64(cr.Entry()))
				}
			}
		}

		for i := range m.codeRanges {
			cr := &m.codeRanges[i]
			if !cr.IsFunction() {
				continue
			}
			if enabled {
				enableProfilingJump(code, cr.ProfilingJump(), cr.ProfilingEpilogue())
			} else {
				disableProfilingJump(code, cr.ProfilingJump())
			}
		}

		for b := BuiltinKind(0); b < builtinLimit && int(b) < len(m.builtinThunkOffsets); b++ {
			// Code starts with function bodies, so offset zero means no
			// thunk was recorded for this builtin.
			if m.builtinThunkOffsets[b] == 0 {
				continue
			}
			helper := builtinToHelper(b)
			helperAddr := uint64(rt.addressOf(helper))
			thunkAddr := base + uint64(m.builtinThunkOffsets[b])
			for _, off := range m.link.absoluteLinks[helper] {
				if enabled {
					patchPointerChecked(code[off:], helperAddr, thunkAddr)
				} else {
					patchPointerChecked(code[off:], thunkAddr, helperAddr)
				}
			}
		}

		platform.FlushInstructionCache(code)
	})

	m.profilingEnabled = enabled
}
