package nativecode

import (
	"fmt"

	"github.com/nitrojs/nitro/internal/platform"
)

// podHeader is the fixed-size slice of module state that serializes as a
// single block of little-endian fields.
type podHeader struct {
	codeBytes               uint32
	totalBytes              uint32
	functionBytes           uint32
	globalDataBytes         uint32
	minHeapLength           uint32
	srcLength               uint32
	srcLengthWithRightBrace uint32
	strict                  bool
	usesSignalHandlers      bool
}

// heapGlobalDataOffset is where the heap base pointer lives in the
// global-data segment. It is always the first word.
const heapGlobalDataOffset = 0

// Module owns one compiled module: its executable memory, the metadata
// tables describing that memory, and the link state binding it to a Runtime
// and a heap. A Module is built in three strictly ordered phases: population
// (the Add* methods), Finish, then the two linking passes.
type Module struct {
	pod podHeader

	// mem is the RWX allocation. [0, codeBytes) is code, of which
	// [0, functionBytes) is function bodies; [codeBytes, totalBytes) is
	// global data.
	mem []byte

	sourceName   string
	srcStart     uint32
	srcBodyStart uint32

	globalArgName Name
	importArgName Name
	bufferArgName Name

	globals             []Global
	exits               []Exit
	exports             []ExportedFunction
	callSites           []CallSite
	codeRanges          []CodeRange
	funcPtrTables       []FuncPtrTable
	builtinThunkOffsets []uint32
	funcNames           []Name
	heapAccesses        []HeapAccess
	link                StaticLinkData

	// exitFuns holds the host functions bound by BindExit, indexed like
	// exits. Keeping them here, rather than only as addresses in global
	// data, keeps them visible to the garbage collector.
	exitFuns []HostFunc

	profilingLabels []string

	heap *HeapBuffer

	// globalDataUsed is the population-phase allocation cursor for the
	// global-data segment.
	globalDataUsed uint32

	// interruptExit is the address of the runtime's interrupt exit stub,
	// set by StaticallyLink. Nonzero means the module is statically linked.
	interruptExit uintptr

	finished          bool
	dynamicallyLinked bool
	loadedFromCache   bool
	profilingEnabled  bool
	codeIsProtected   bool
}

// NewModule starts an empty module for the source span beginning at
// srcStart. srcBodyStart is where the function body proper begins, past the
// optional use-strict prologue. canUseSignalHandlers selects fault-based
// heap bounds enforcement over explicit length checks.
func NewModule(sourceName string, srcStart, srcBodyStart uint32, strict, canUseSignalHandlers bool) *Module {
	m := &Module{
		sourceName:   sourceName,
		srcStart:     srcStart,
		srcBodyStart: srcBodyStart,
	}
	m.pod.strict = strict
	m.pod.usesSignalHandlers = canUseSignalHandlers
	// The heap pointer occupies the first global-data word.
	m.globalDataUsed = 8
	return m
}

func (m *Module) SourceName() string { return m.sourceName }

// SrcStart is the offset of the module within its source, and SrcEndBeforeCurly
// and SrcEndAfterCurly the two possible end offsets, excluding and including
// the closing brace.
func (m *Module) SrcStart() uint32 { return m.srcStart }

func (m *Module) SrcBodyStart() uint32 { return m.srcBodyStart }

func (m *Module) SrcEndBeforeCurly() uint32 { return m.srcStart + m.pod.srcLength }

func (m *Module) SrcEndAfterCurly() uint32 { return m.srcStart + m.pod.srcLengthWithRightBrace }

func (m *Module) Strict() bool { return m.pod.strict }

func (m *Module) UsesSignalHandlersForBounds() bool { return m.pod.usesSignalHandlers }

func (m *Module) IsFinished() bool { return m.finished }

func (m *Module) IsStaticallyLinked() bool { return m.interruptExit != 0 }

func (m *Module) IsDynamicallyLinked() bool { return m.dynamicallyLinked }

func (m *Module) LoadedFromCache() bool { return m.loadedFromCache }

func (m *Module) ProfilingEnabled() bool { return m.profilingEnabled }

// MinHeapLength is the smallest heap length the generated code was compiled
// against.
func (m *Module) MinHeapLength() uint32 { return m.pod.minHeapLength }

// RequireHeapLengthAtLeast raises the minimum heap length. Only meaningful
// before Finish.
func (m *Module) RequireHeapLengthAtLeast(len uint32) {
	m.assertNotFinished()
	if len > m.pod.minHeapLength {
		m.pod.minHeapLength = len
	}
}

func (m *Module) Heap() *HeapBuffer { return m.heap }

func (m *Module) assertNotFinished() {
	if m.finished {
		panic("BUG: module already finished")
	}
}

func (m *Module) assertFinished() {
	if !m.finished {
		panic("BUG: module not finished")
	}
}

// SetArgumentNames records the names of the module function's three
// parameters. Any of them may be absent.
func (m *Module) SetArgumentNames(global, imports, buffer Name) {
	m.assertNotFinished()
	m.globalArgName = global
	m.importArgName = imports
	m.bufferArgName = buffer
}

func (m *Module) GlobalArgumentName() Name { return m.globalArgName }
func (m *Module) ImportArgumentName() Name { return m.importArgName }
func (m *Module) BufferArgumentName() Name { return m.bufferArgName }

// allocateGlobalData reserves bytes in the global-data segment and returns
// the reserved offset. All slots are 8-byte granular.
func (m *Module) allocateGlobalData(bytes uint32) uint32 {
	m.assertNotFinished()
	if bytes%8 != 0 {
		panic(fmt.Sprintf("BUG: global data allocation of %d bytes not 8-byte granular", bytes))
	}
	off := m.globalDataUsed
	m.globalDataUsed += bytes
	return off
}

// AddGlobalVariable reserves a global-data slot for a mutable variable and
// returns its offset.
func (m *Module) AddGlobalVariable(name Name, coercion CoercionKind) uint32 {
	off := m.allocateGlobalData(8)
	m.globals = append(m.globals, Global{
		name: name, kind: GlobalVariable, coercion: coercion, dataOffset: off,
	})
	return off
}

// AddGlobalConstant records a named link-time constant. Constants occupy no
// global data; their value is baked into the generated code.
func (m *Module) AddGlobalConstant(name Name, value float64) {
	m.assertNotFinished()
	m.globals = append(m.globals, Global{name: name, kind: GlobalConstant, constValue: value})
}

func (m *Module) NumGlobals() int      { return len(m.globals) }
func (m *Module) Global(i int) *Global { return &m.globals[i] }

// AddExit records an imported external function. interpCodeOffset is the
// offset of its interpreter thunk in the generated code. The returned index
// identifies the exit to BindExit and the exit-call ABI.
func (m *Module) AddExit(interpCodeOffset uint32) uint32 {
	datum := m.allocateGlobalData(8)
	i := uint32(len(m.exits))
	m.exits = append(m.exits, Exit{interpCodeOffset: interpCodeOffset, datumOffset: datum})
	return i
}

func (m *Module) NumExits() int    { return len(m.exits) }
func (m *Module) Exit(i int) *Exit { return &m.exits[i] }

// BindExit supplies the host function an exit calls through. Must happen
// after static linking, which allocates the exitFuns table.
func (m *Module) BindExit(i uint32, fn HostFunc) {
	if !m.IsStaticallyLinked() {
		panic("BUG: exits bound before static link")
	}
	m.exitFuns[i] = fn
}

// AddExportedFunction records a function the module exposes to the host.
// fieldName is absent when the module's return statement names the function
// directly rather than an object literal field.
func (m *Module) AddExportedFunction(name, fieldName Name, argCoercions []CoercionKind, retCoercion CoercionKind, codeOffset, srcBegin, srcEnd uint32) {
	m.assertNotFinished()
	m.exports = append(m.exports, ExportedFunction{
		name: name, fieldName: fieldName,
		argCoercions: argCoercions, retCoercion: retCoercion,
		codeOffset: codeOffset, srcBegin: srcBegin, srcEnd: srcEnd,
	})
}

func (m *Module) NumExportedFunctions() int { return len(m.exports) }

func (m *Module) ExportedFunction(i int) *ExportedFunction { return &m.exports[i] }

// AddFunctionName interns a function name for code ranges to reference and
// returns its index.
func (m *Module) AddFunctionName(name Name) uint32 {
	m.assertNotFinished()
	i := uint32(len(m.funcNames))
	m.funcNames = append(m.funcNames, name)
	return i
}

func (m *Module) FunctionName(i uint32) Name { return m.funcNames[i] }

// AddFunctionCodeRange records one compiled function's interval.
func (m *Module) AddFunctionCodeRange(nameIndex, lineNumber uint32, l FunctionLabels) {
	m.assertNotFinished()
	m.codeRanges = append(m.codeRanges, NewFunctionCodeRange(nameIndex, lineNumber, l))
}

// AddCodeRange records an entry or inline interval.
func (m *Module) AddCodeRange(kind CodeRangeKind, begin, end uint32) {
	m.assertNotFinished()
	m.codeRanges = append(m.codeRanges, NewCodeRange(kind, begin, end))
}

// AddExitThunkCodeRange records a native-to-host exit thunk interval.
func (m *Module) AddExitThunkCodeRange(begin, profilingReturn, end uint32) {
	m.assertNotFinished()
	m.codeRanges = append(m.codeRanges, NewExitThunkCodeRange(begin, profilingReturn, end))
}

// AddBuiltinThunkCodeRange records a builtin profiling thunk. The thunk's
// begin offset is also remembered so profiling mode can redirect builtin
// call sites at it.
func (m *Module) AddBuiltinThunkCodeRange(builtin BuiltinKind, begin, profilingReturn, end uint32) {
	m.assertNotFinished()
	for uint32(len(m.builtinThunkOffsets)) <= uint32(builtin) {
		m.builtinThunkOffsets = append(m.builtinThunkOffsets, 0)
	}
	m.builtinThunkOffsets[builtin] = begin
	m.codeRanges = append(m.codeRanges, NewBuiltinThunkCodeRange(builtin, begin, profilingReturn, end))
}

func (m *Module) NumCodeRanges() int         { return len(m.codeRanges) }
func (m *Module) CodeRange(i int) *CodeRange { return &m.codeRanges[i] }

// AddFuncPtrTable reserves global data for a function-pointer table of
// numElems slots and returns the table's global-data offset.
func (m *Module) AddFuncPtrTable(numElems uint32) uint32 {
	off := m.allocateGlobalData(numElems * 8)
	m.funcPtrTables = append(m.funcPtrTables, FuncPtrTable{globalDataOffset: off, numElems: numElems})
	return off
}

func (m *Module) NumFuncPtrTables() int            { return len(m.funcPtrTables) }
func (m *Module) FuncPtrTable(i int) *FuncPtrTable { return &m.funcPtrTables[i] }

// SetFunctionBytes records how far into the code the function bodies
// extend. Everything after them is entry and exit stubs. The generator
// aligns this boundary to a page so code protection can cover exactly the
// function bodies.
func (m *Module) SetFunctionBytes(n uint32) {
	m.assertNotFinished()
	m.pod.functionBytes = n
}

// InitSourceEnds records where the module ends in its source, excluding and
// including the closing brace. Called once, when parsing completes.
func (m *Module) InitSourceEnds(endBeforeCurly, endAfterCurly uint32) {
	m.assertNotFinished()
	if m.pod.srcLength != 0 || endBeforeCurly < m.srcStart || endAfterCurly < endBeforeCurly {
		panic("BUG: inconsistent source ends")
	}
	m.pod.srcLength = endBeforeCurly - m.srcStart
	m.pod.srcLengthWithRightBrace = endAfterCurly - m.srcStart
}

// CodeBase is the base of the executable region.
func (m *Module) CodeBase() []byte {
	m.assertFinished()
	return m.mem[:m.pod.codeBytes]
}

// FunctionBytes is the length of the leading, page-aligned function-body
// prefix of the code, the only part ProtectCode covers.
func (m *Module) FunctionBytes() uint32 { return m.pod.functionBytes }

func (m *Module) GlobalDataBytes() uint32 { return m.pod.globalDataBytes }

// globalData is the writable segment after the code.
func (m *Module) globalData() []byte {
	m.assertFinished()
	return m.mem[m.pod.codeBytes:m.pod.totalBytes]
}

// containsCodePC reports whether pc falls inside the code segment.
func (m *Module) containsCodePC(pc uintptr) bool {
	base := m.baseAddress()
	return pc >= base && pc < base+uintptr(m.pod.codeBytes)
}

// Destroy releases the executable allocation. The module must not be used
// afterwards.
func (m *Module) Destroy() {
	if m.mem != nil {
		platform.FreeCodeSegment(m.mem)
		m.mem = nil
	}
}

// SizeOfMisc approximates the heap footprint of the metadata tables, for
// memory accounting. The executable allocation is reported separately by
// its owner.
func (m *Module) SizeOfMisc() uintptr {
	var n uintptr
	n += uintptr(len(m.globals)) * 32
	n += uintptr(len(m.exits)) * 8
	for i := range m.exports {
		n += 48 + uintptr(len(m.exports[i].argCoercions))
	}
	n += uintptr(len(m.callSites)) * 12
	n += uintptr(len(m.codeRanges)) * 28
	n += uintptr(len(m.funcPtrTables)) * 8
	n += uintptr(len(m.builtinThunkOffsets)) * 4
	for i := range m.funcNames {
		n += 16 + uintptr(len(m.funcNames[i].value))
	}
	n += uintptr(len(m.heapAccesses)) * 8
	n += uintptr(len(m.link.relativeLinks)) * 12
	for i := range m.link.absoluteLinks {
		n += uintptr(len(m.link.absoluteLinks[i])) * 4
	}
	return n
}
