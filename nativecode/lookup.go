package nativecode

import "sort"

// codeOffset translates an absolute pc into a code-segment offset. The
// second result is false when pc is outside the module's code.
func (m *Module) codeOffset(pc uintptr) (uint32, bool) {
	if !m.containsCodePC(pc) {
		return 0, false
	}
	return uint32(pc - m.baseAddress()), true
}

// LookupCallSite finds the call site whose return address is
// returnAddress. A nil result is the normal outcome for an address that is
// not a recorded return point.
func (m *Module) LookupCallSite(returnAddress uintptr) *CallSite {
	target, ok := m.codeOffset(returnAddress)
	if !ok {
		return nil
	}
	i := sort.Search(len(m.callSites), func(i int) bool {
		return m.callSites[i].returnAddressOffset >= target
	})
	if i == len(m.callSites) || m.callSites[i].returnAddressOffset != target {
		return nil
	}
	return &m.callSites[i]
}

// LookupCodeRange finds the code range containing pc, nil if pc falls in a
// gap between ranges or outside the module.
func (m *Module) LookupCodeRange(pc uintptr) *CodeRange {
	target, ok := m.codeOffset(pc)
	if !ok {
		return nil
	}
	return m.lookupCodeRangeByOffset(target)
}

func (m *Module) lookupCodeRangeByOffset(target uint32) *CodeRange {
	// First range beginning after target; the candidate is its predecessor.
	i := sort.Search(len(m.codeRanges), func(i int) bool {
		return m.codeRanges[i].begin > target
	})
	if i == 0 {
		return nil
	}
	cr := &m.codeRanges[i-1]
	if target >= cr.end {
		return nil
	}
	return cr
}

// LookupHeapAccess finds the heap access whose instruction is at pc, nil if
// pc is not a recorded accessing instruction.
func (m *Module) LookupHeapAccess(pc uintptr) *HeapAccess {
	target, ok := m.codeOffset(pc)
	if !ok {
		return nil
	}
	i := sort.Search(len(m.heapAccesses), func(i int) bool {
		return m.heapAccesses[i].insnOffset >= target
	})
	if i == len(m.heapAccesses) || m.heapAccesses[i].insnOffset != target {
		return nil
	}
	return &m.heapAccesses[i]
}
