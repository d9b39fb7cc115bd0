package nativecode

import "fmt"

// CoercionKind describes how a value crossing the host/native boundary is
// converted: arguments of exported functions on the way in, results of exit
// calls on the way out.
type CoercionKind uint8

const (
	CoerceNone CoercionKind = iota
	CoerceInt32
	CoerceFloat64
)

// Name is an identifier that may be absent. Absence is meaningful (an
// anonymous module has no buffer-argument name) and survives serialization
// as distinct from a present empty string.
type Name struct {
	value   string
	present bool
}

func NewName(s string) Name { return Name{value: s, present: true} }

func NoName() Name { return Name{} }

func (n Name) Present() bool { return n.present }

func (n Name) String() string { return n.value }

// GlobalKind discriminates global-data slots holding mutable variables from
// ones holding link-time constants.
type GlobalKind uint8

const (
	GlobalVariable GlobalKind = iota
	GlobalConstant
)

// Global describes one slot in the global-data segment.
type Global struct {
	name       Name
	kind       GlobalKind
	coercion   CoercionKind
	dataOffset uint32
	constValue float64
}

func (g *Global) Name() Name             { return g.name }
func (g *Global) Kind() GlobalKind       { return g.kind }
func (g *Global) Coercion() CoercionKind { return g.coercion }

// DataOffset is the slot's offset within the global-data segment.
func (g *Global) DataOffset() uint32 { return g.dataOffset }

func (g *Global) ConstValue() float64 { return g.constValue }

// Exit describes an imported external function the module may call out to.
// Its global-data datum holds the code address the generated call goes
// through; static linking seeds it with the generic interpreter-call
// trampoline.
type Exit struct {
	interpCodeOffset uint32
	datumOffset      uint32
}

// InterpCodeOffset is the offset of this exit's interpreter thunk.
func (e *Exit) InterpCodeOffset() uint32 { return e.interpCodeOffset }

// DatumOffset is the exit datum's offset within the global-data segment.
func (e *Exit) DatumOffset() uint32 { return e.datumOffset }

// ExportedFunction describes a function the module exposes to the host.
type ExportedFunction struct {
	name         Name
	fieldName    Name
	argCoercions []CoercionKind
	codeOffset   uint32
	srcBegin     uint32
	srcEnd       uint32
	retCoercion  CoercionKind
}

func (e *ExportedFunction) Name() Name      { return e.name }
func (e *ExportedFunction) FieldName() Name { return e.fieldName }

// CodeOffset is the offset of the function's entry trampoline.
func (e *ExportedFunction) CodeOffset() uint32 { return e.codeOffset }

func (e *ExportedFunction) NumArgs() int { return len(e.argCoercions) }

func (e *ExportedFunction) ArgCoercion(i int) CoercionKind { return e.argCoercions[i] }

func (e *ExportedFunction) ReturnCoercion() CoercionKind { return e.retCoercion }

// CallSiteKind classifies a recorded call by its target: another function
// in the same module, or an exit to an external function.
type CallSiteKind uint32

const (
	CallSiteRelative CallSiteKind = iota
	CallSiteExit
)

// CallSite attributes a return address found on the stack to a call, for
// stack unwinding and profiling.
type CallSite struct {
	kind                CallSiteKind
	returnAddressOffset uint32
	stackDepth          uint32
}

func NewCallSite(kind CallSiteKind, returnAddressOffset, stackDepth uint32) CallSite {
	return CallSite{kind: kind, returnAddressOffset: returnAddressOffset, stackDepth: stackDepth}
}

func (c *CallSite) Kind() CallSiteKind { return c.kind }

// ReturnAddressOffset is the code offset of the instruction after the call.
func (c *CallSite) ReturnAddressOffset() uint32 { return c.returnAddressOffset }

// StackDepth is the number of bytes pushed by the caller's frame at the
// time of the call, used when walking the stack.
func (c *CallSite) StackDepth() uint32 { return c.stackDepth }

// NoLengthCheck marks a heap access whose bounds are enforced by fault
// interception instead of an explicit length comparison.
const NoLengthCheck = ^uint32(0)

// HeapAccess records an instruction that touches the bound heap buffer.
type HeapAccess struct {
	insnOffset  uint32
	lengthCheck uint32
}

func NewHeapAccess(insnOffset, lengthCheck uint32) HeapAccess {
	return HeapAccess{insnOffset: insnOffset, lengthCheck: lengthCheck}
}

// Offset is the code offset of the accessing instruction.
func (h *HeapAccess) Offset() uint32 { return h.insnOffset }

func (h *HeapAccess) HasLengthCheck() bool { return h.lengthCheck != NoLengthCheck }

// LengthCheckOffset is the code offset of the patched length immediate.
func (h *HeapAccess) LengthCheckOffset() uint32 { return h.lengthCheck }

// CodeRangeKind tags an interval of the code segment.
type CodeRangeKind uint8

const (
	// CodeRangeFunction is an ordinary compiled function.
	CodeRangeFunction CodeRangeKind = iota
	// CodeRangeEntry is a host-to-native entry trampoline.
	CodeRangeEntry
	// CodeRangeExitThunk is a native-to-host exit thunk.
	CodeRangeExitThunk
	// CodeRangeBuiltinThunk is a profiling thunk in front of a builtin helper.
	CodeRangeBuiltinThunk
	// CodeRangeInline is inline, non-function code such as jump tables.
	CodeRangeInline
)

// FunctionLabels carries the code offsets the generator recorded for one
// function. They must be strictly increasing in declaration order.
type FunctionLabels struct {
	Begin             uint32
	Entry             uint32
	ProfilingJump     uint32
	ProfilingEpilogue uint32
	ProfilingReturn   uint32
	End               uint32
}

// CodeRange is a [begin, end) interval of the code segment. Function ranges
// carry the profiling-relevant interior points as small deltas so the
// serialized form stays compact.
type CodeRange struct {
	nameIndex       uint32
	lineNumber      uint32
	begin           uint32
	profilingReturn uint32
	end             uint32

	kind    CodeRangeKind
	builtin BuiltinKind

	beginToEntry              uint8
	profilingJumpToReturn     uint8
	profilingEpilogueToReturn uint8
}

func NewFunctionCodeRange(nameIndex, lineNumber uint32, l FunctionLabels) CodeRange {
	if !(l.Begin < l.Entry && l.Entry < l.ProfilingJump && l.ProfilingJump < l.ProfilingEpilogue &&
		l.ProfilingEpilogue < l.ProfilingReturn && l.ProfilingReturn < l.End) {
		panic(fmt.Sprintf("BUG: function labels out of order: %+v", l))
	}
	cr := CodeRange{
		nameIndex:       nameIndex,
		lineNumber:      lineNumber,
		begin:           l.Begin,
		profilingReturn: l.ProfilingReturn,
		end:             l.End,
		kind:            CodeRangeFunction,
	}
	cr.setDeltas(l.Entry, l.ProfilingJump, l.ProfilingEpilogue)
	return cr
}

func (cr *CodeRange) setDeltas(entry, profilingJump, profilingEpilogue uint32) {
	if entry-cr.begin > 0xff || cr.profilingReturn-profilingJump > 0xff || cr.profilingReturn-profilingEpilogue > 0xff {
		panic(fmt.Sprintf("BUG: function label delta exceeds one byte: begin=%d entry=%d", cr.begin, entry))
	}
	cr.beginToEntry = uint8(entry - cr.begin)
	cr.profilingJumpToReturn = uint8(cr.profilingReturn - profilingJump)
	cr.profilingEpilogueToReturn = uint8(cr.profilingReturn - profilingEpilogue)
}

func NewCodeRange(kind CodeRangeKind, begin, end uint32) CodeRange {
	if kind != CodeRangeEntry && kind != CodeRangeInline {
		panic(fmt.Sprintf("BUG: code range kind %d requires a profiling return", kind))
	}
	if begin > end {
		panic(fmt.Sprintf("BUG: inverted code range [%d, %d)", begin, end))
	}
	return CodeRange{kind: kind, begin: begin, end: end}
}

func NewExitThunkCodeRange(begin, profilingReturn, end uint32) CodeRange {
	if !(begin < profilingReturn && profilingReturn < end) {
		panic(fmt.Sprintf("BUG: exit thunk labels out of order [%d, %d, %d)", begin, profilingReturn, end))
	}
	return CodeRange{kind: CodeRangeExitThunk, begin: begin, profilingReturn: profilingReturn, end: end}
}

func NewBuiltinThunkCodeRange(builtin BuiltinKind, begin, profilingReturn, end uint32) CodeRange {
	if !(begin < profilingReturn && profilingReturn < end) {
		panic(fmt.Sprintf("BUG: builtin thunk labels out of order [%d, %d, %d)", begin, profilingReturn, end))
	}
	return CodeRange{kind: CodeRangeBuiltinThunk, builtin: builtin, begin: begin, profilingReturn: profilingReturn, end: end}
}

func (cr *CodeRange) Kind() CodeRangeKind { return cr.kind }
func (cr *CodeRange) IsFunction() bool    { return cr.kind == CodeRangeFunction }
func (cr *CodeRange) IsThunk() bool       { return cr.kind == CodeRangeBuiltinThunk }

func (cr *CodeRange) Begin() uint32 { return cr.begin }
func (cr *CodeRange) End() uint32   { return cr.end }

// Entry is the real callable start, after the profiling-prologue slot.
func (cr *CodeRange) Entry() uint32 { return cr.begin + uint32(cr.beginToEntry) }

// ProfilingJump is the offset of the patchable no-op slot in the epilogue.
func (cr *CodeRange) ProfilingJump() uint32 {
	return cr.profilingReturn - uint32(cr.profilingJumpToReturn)
}

func (cr *CodeRange) ProfilingEpilogue() uint32 {
	return cr.profilingReturn - uint32(cr.profilingEpilogueToReturn)
}

func (cr *CodeRange) ProfilingReturn() uint32 { return cr.profilingReturn }

func (cr *CodeRange) FunctionNameIndex() uint32 { return cr.nameIndex }

func (cr *CodeRange) FunctionLineNumber() uint32 { return cr.lineNumber }

// Builtin is only meaningful for CodeRangeBuiltinThunk ranges.
func (cr *CodeRange) Builtin() BuiltinKind { return cr.builtin }

func (cr *CodeRange) updateOffsets(resolve func(uint32) uint32) {
	if cr.IsFunction() {
		entry, jump, epilogue := cr.Entry(), cr.ProfilingJump(), cr.ProfilingEpilogue()
		cr.begin = resolve(cr.begin)
		cr.profilingReturn = resolve(cr.profilingReturn)
		cr.end = resolve(cr.end)
		cr.setDeltas(resolve(entry), resolve(jump), resolve(epilogue))
		return
	}
	cr.begin = resolve(cr.begin)
	if cr.kind == CodeRangeExitThunk || cr.kind == CodeRangeBuiltinThunk {
		cr.profilingReturn = resolve(cr.profilingReturn)
	}
	cr.end = resolve(cr.end)
}

// FuncPtrTable describes one function-pointer table in the global-data
// segment, used by indirect calls.
type FuncPtrTable struct {
	globalDataOffset uint32
	numElems         uint32
}

func (t *FuncPtrTable) GlobalDataOffset() uint32 { return t.globalDataOffset }
func (t *FuncPtrTable) NumElems() uint32         { return t.numElems }

// RelativeLinkKind selects how a relative patch site is written: as a raw
// pointer store, or through the architecture's instruction-immediate
// patcher.
type RelativeLinkKind uint32

const (
	RawPointerLink RelativeLinkKind = iota
	InstructionImmediateLink
)

// RelativeLink is a patch site whose target is another point inside the
// same module image, resolved once the image has its final address.
type RelativeLink struct {
	kind          RelativeLinkKind
	patchAtOffset uint32
	targetOffset  uint32
}

func (l *RelativeLink) Kind() RelativeLinkKind { return l.kind }
func (l *RelativeLink) PatchAtOffset() uint32  { return l.patchAtOffset }
func (l *RelativeLink) TargetOffset() uint32   { return l.targetOffset }

// StaticLinkData is everything StaticallyLink consumes: the intra-module
// relative links and, per helper kind, the offsets of the absolute patch
// sites awaiting that helper's process-wide address.
type StaticLinkData struct {
	interruptExitOffset uint32
	relativeLinks       []RelativeLink
	absoluteLinks       [helperLimit][]uint32
}
