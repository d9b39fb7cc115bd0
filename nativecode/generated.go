package nativecode

// CodeLabel is a patch site inside the generated code whose target is
// another code offset in the same module, written as a raw absolute pointer
// once the image has its final address. Function-pointer-table entries in
// global data are recorded the same way, with PatchAtOffset pointing past
// the code segment.
type CodeLabel struct {
	PatchAtOffset uint32
	TargetOffset  uint32
}

// GlobalAccess is an instruction whose immediate must become the absolute
// address of a global-data slot.
type GlobalAccess struct {
	PatchAtOffset    uint32
	GlobalDataOffset uint32
}

// AbsoluteSite is an instruction immediate awaiting a process-wide helper
// address at static-link time. The generator emits it holding the
// all-ones sentinel.
type AbsoluteSite struct {
	Kind          HelperKind
	PatchAtOffset uint32
}

// GeneratedCode is the compiler front end's one-shot handoff to Finish. All
// offsets are provisional if ActualOffset is non-nil: Finish maps each one
// through it before recording anything. A nil ActualOffset asserts that
// every offset is already final.
type GeneratedCode struct {
	Code []byte

	// InterruptOffset is the offset of the interrupt exit stub.
	InterruptOffset uint32

	HeapAccesses   []HeapAccess
	CallSites      []CallSite
	CodeLabels     []CodeLabel
	GlobalAccesses []GlobalAccess
	AbsoluteSites  []AbsoluteSite

	ActualOffset func(uint32) uint32
}
