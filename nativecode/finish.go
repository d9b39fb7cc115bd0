package nativecode

import (
	"fmt"
	"sort"

	"github.com/nitrojs/nitro/internal/platform"
)

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Finish moves the module from population to its finished state: it sizes
// and allocates the executable region, copies the generated code into it,
// maps every provisional offset to its final value, and converts the
// generator's patch-site lists into static link data. On allocation failure
// the module is left unchanged and may be finished again.
func (m *Module) Finish(gen *GeneratedCode) error {
	m.assertNotFinished()

	resolve := gen.ActualOffset
	if resolve == nil {
		resolve = func(off uint32) uint32 { return off }
	}

	codeBytes := alignUp(uint32(len(gen.Code)), 8)
	globalDataBytes := m.globalDataUsed
	totalBytes := alignUp(codeBytes+globalDataBytes, platform.PageSize)

	mem, err := platform.AllocCodeSegment(int(totalBytes))
	if err != nil {
		return fmt.Errorf("finishing module: %w", err)
	}
	copy(mem, gen.Code)

	m.mem = mem
	m.pod.codeBytes = codeBytes
	m.pod.totalBytes = totalBytes
	m.pod.globalDataBytes = globalDataBytes
	m.pod.functionBytes = resolve(m.pod.functionBytes)
	if m.pod.functionBytes%platform.PageSize != 0 {
		panic(fmt.Sprintf("BUG: function bytes %d not page aligned", m.pod.functionBytes))
	}
	if m.pod.functionBytes > codeBytes {
		panic("BUG: function bytes exceed code bytes")
	}

	for i := range m.exports {
		e := &m.exports[i]
		e.codeOffset = resolve(e.codeOffset)
	}
	for i := range m.exits {
		e := &m.exits[i]
		e.interpCodeOffset = resolve(e.interpCodeOffset)
	}
	for i := range m.builtinThunkOffsets {
		m.builtinThunkOffsets[i] = resolve(m.builtinThunkOffsets[i])
	}
	for i := range m.codeRanges {
		m.codeRanges[i].updateOffsets(resolve)
	}

	m.callSites = make([]CallSite, len(gen.CallSites))
	for i, cs := range gen.CallSites {
		cs.returnAddressOffset = resolve(cs.returnAddressOffset)
		m.callSites[i] = cs
	}
	m.heapAccesses = make([]HeapAccess, len(gen.HeapAccesses))
	for i, ha := range gen.HeapAccesses {
		ha.insnOffset = resolve(ha.insnOffset)
		if ha.lengthCheck != NoLengthCheck {
			ha.lengthCheck = resolve(ha.lengthCheck)
		}
		m.heapAccesses[i] = ha
	}

	m.assertMetadataOrdered()

	m.link.interruptExitOffset = resolve(gen.InterruptOffset)
	m.link.relativeLinks = make([]RelativeLink, 0, len(gen.CodeLabels)+len(gen.GlobalAccesses))
	for _, cl := range gen.CodeLabels {
		m.link.relativeLinks = append(m.link.relativeLinks, RelativeLink{
			kind:          RawPointerLink,
			patchAtOffset: resolve(cl.PatchAtOffset),
			targetOffset:  resolve(cl.TargetOffset),
		})
	}
	for _, ga := range gen.GlobalAccesses {
		m.link.relativeLinks = append(m.link.relativeLinks, RelativeLink{
			kind:          InstructionImmediateLink,
			patchAtOffset: resolve(ga.PatchAtOffset),
			targetOffset:  codeBytes + ga.GlobalDataOffset,
		})
	}
	for _, as := range gen.AbsoluteSites {
		if as.Kind >= helperLimit {
			panic(fmt.Sprintf("BUG: absolute site with helper kind %d", as.Kind))
		}
		m.link.absoluteLinks[as.Kind] = append(m.link.absoluteLinks[as.Kind], resolve(as.PatchAtOffset))
	}

	m.finished = true
	return nil
}

// assertMetadataOrdered enforces the ordering invariants the binary-search
// lookups depend on.
func (m *Module) assertMetadataOrdered() {
	if !sort.SliceIsSorted(m.callSites, func(i, j int) bool {
		return m.callSites[i].returnAddressOffset < m.callSites[j].returnAddressOffset
	}) {
		panic("BUG: call sites not sorted by return address")
	}
	if !sort.SliceIsSorted(m.heapAccesses, func(i, j int) bool {
		return m.heapAccesses[i].insnOffset < m.heapAccesses[j].insnOffset
	}) {
		panic("BUG: heap accesses not sorted by instruction offset")
	}
	for i := range m.codeRanges {
		cr := &m.codeRanges[i]
		if cr.begin > cr.end {
			panic(fmt.Sprintf("BUG: inverted code range [%d, %d)", cr.begin, cr.end))
		}
		if i > 0 && m.codeRanges[i-1].end > cr.begin {
			panic(fmt.Sprintf("BUG: overlapping code ranges at %d", cr.begin))
		}
	}
}
