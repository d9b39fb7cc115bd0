//go:build amd64
// +build amd64

package nativecode

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nitrojs/nitro/internal/cursor"
)

// buildTestModule fabricates a module image with a known layout:
//
//	[0, 32)      function f0: call to f1 at 8 (ret addr 13), profiling
//	             jump slot at 16, stack-limit patch site at 24
//	[32, 96)     function f1: profiling jump slot at 44, sin patch site
//	             at 60, heap accesses at 70 (length imm at 72) and 80
//	[96, 104)    profiling thunk for the sin builtin
//	[4096, 4160) entry trampoline, global access imm at 4100
//	[4160, 4176) exit thunk
//	4200         interrupt stub
//
// Global data: heap word at 0, variable at 8, two-slot function-pointer
// table at 16, exit datum at 32.
func buildTestModule(t *testing.T, usesSignalHandlers bool) *Module {
	m := NewModule("test.js", 10, 25, false, usesSignalHandlers)
	m.SetArgumentNames(NewName("glob"), NewName("imp"), NoName())

	f0 := m.AddFunctionName(NewName("f0"))
	f1 := m.AddFunctionName(NewName("f1"))
	require.EqualValues(t, 8, m.AddGlobalVariable(NewName("g"), CoerceInt32))
	m.AddGlobalConstant(NewName("half"), 0.5)
	require.EqualValues(t, 16, m.AddFuncPtrTable(2))
	require.EqualValues(t, 0, m.AddExit(4160))
	m.AddExportedFunction(NewName("run"), NoName(),
		[]CoercionKind{CoerceInt32, CoerceFloat64}, CoerceInt32, 4096, 12, 88)

	m.AddFunctionCodeRange(f0, 1, FunctionLabels{
		Begin: 0, Entry: 8, ProfilingJump: 16, ProfilingEpilogue: 20, ProfilingReturn: 24, End: 32,
	})
	m.AddFunctionCodeRange(f1, 2, FunctionLabels{
		Begin: 32, Entry: 40, ProfilingJump: 44, ProfilingEpilogue: 48, ProfilingReturn: 52, End: 96,
	})
	m.AddBuiltinThunkCodeRange(BuiltinSinF64, 96, 100, 104)
	m.AddCodeRange(CodeRangeEntry, 4096, 4160)
	m.AddExitThunkCodeRange(4160, 4168, 4176)

	m.SetFunctionBytes(4096)
	m.RequireHeapLengthAtLeast(1 << 16)
	m.InitSourceEnds(88, 90)

	code := make([]byte, 4224)
	code[8] = 0xE8
	binary.LittleEndian.PutUint32(code[9:], 27) // 13 + 27 = f1's entry at 40
	code[16], code[17] = 0x66, 0x90
	code[44], code[45] = 0x66, 0x90
	for i := 24; i < 32; i++ {
		code[i] = 0xFF
	}
	for i := 60; i < 68; i++ {
		code[i] = 0xFF
	}
	for i := 72; i < 76; i++ {
		code[i] = 0xFF
	}

	gen := &GeneratedCode{
		Code:            code,
		InterruptOffset: 4200,
		HeapAccesses: []HeapAccess{
			NewHeapAccess(70, 72),
			NewHeapAccess(80, NoLengthCheck),
		},
		CallSites: []CallSite{
			NewCallSite(CallSiteRelative, 13, 16),
			NewCallSite(CallSiteExit, 78, 24),
		},
		CodeLabels: []CodeLabel{
			{PatchAtOffset: 4224 + 16, TargetOffset: 8},
			{PatchAtOffset: 4224 + 24, TargetOffset: 40},
		},
		GlobalAccesses: []GlobalAccess{
			{PatchAtOffset: 4100, GlobalDataOffset: 8},
		},
		AbsoluteSites: []AbsoluteSite{
			{Kind: HelperStackLimit, PatchAtOffset: 24},
			{Kind: HelperSinF64, PatchAtOffset: 60},
		},
	}
	require.NoError(t, m.Finish(gen))
	return m
}

func newTestRuntime(t *testing.T) *Runtime {
	rt, err := NewRuntime()
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestFinishLayout(t *testing.T) {
	m := buildTestModule(t, true)
	defer m.Destroy()

	require.True(t, m.IsFinished())
	require.False(t, m.IsStaticallyLinked())
	require.Len(t, m.CodeBase(), 4224)
	require.EqualValues(t, 4096, m.FunctionBytes())
	require.EqualValues(t, 40, m.GlobalDataBytes())
	require.EqualValues(t, 1<<16, m.MinHeapLength())
	require.EqualValues(t, 88, m.SrcEndBeforeCurly())
	require.EqualValues(t, 90, m.SrcEndAfterCurly())

	require.Equal(t, 1, m.NumExportedFunctions())
	e := m.ExportedFunction(0)
	require.Equal(t, "run", e.Name().String())
	require.False(t, e.FieldName().Present())
	require.EqualValues(t, 4096, e.CodeOffset())
	require.Equal(t, 2, e.NumArgs())
	require.Equal(t, CoerceInt32, e.ReturnCoercion())

	f1 := m.CodeRange(1)
	require.True(t, f1.IsFunction())
	require.EqualValues(t, 40, f1.Entry())
	require.EqualValues(t, 44, f1.ProfilingJump())
	require.EqualValues(t, 48, f1.ProfilingEpilogue())
	thunk := m.CodeRange(2)
	require.True(t, thunk.IsThunk())
	require.Equal(t, BuiltinSinF64, thunk.Builtin())
}

func TestFinishResolvesProvisionalOffsets(t *testing.T) {
	m := NewModule("r.js", 0, 0, false, true)
	f := m.AddFunctionName(NewName("f"))
	m.AddFunctionCodeRange(f, 1, FunctionLabels{
		Begin: 1000, Entry: 1008, ProfilingJump: 1016, ProfilingEpilogue: 1020, ProfilingReturn: 1024, End: 1032,
	})
	m.AddCodeRange(CodeRangeEntry, 5096, 5160)
	m.SetFunctionBytes(5096)

	gen := &GeneratedCode{
		Code:            make([]byte, 4224),
		InterruptOffset: 5200,
		CallSites:       []CallSite{NewCallSite(CallSiteRelative, 1013, 16)},
		ActualOffset: func(off uint32) uint32 {
			return off - 1000
		},
	}
	require.NoError(t, m.Finish(gen))
	defer m.Destroy()

	require.EqualValues(t, 4096, m.FunctionBytes())
	cr := m.CodeRange(0)
	require.EqualValues(t, 0, cr.Begin())
	require.EqualValues(t, 8, cr.Entry())
	require.EqualValues(t, 16, cr.ProfilingJump())
	require.EqualValues(t, 32, cr.End())
	require.EqualValues(t, 4096, m.CodeRange(1).Begin())
	require.EqualValues(t, 13, m.callSites[0].ReturnAddressOffset())
	require.EqualValues(t, 4200, m.link.interruptExitOffset)
}

func TestFinishRejectsUnsortedCallSites(t *testing.T) {
	m := NewModule("bad.js", 0, 0, false, true)
	m.SetFunctionBytes(0)
	gen := &GeneratedCode{
		Code: make([]byte, 64),
		CallSites: []CallSite{
			NewCallSite(CallSiteRelative, 40, 0),
			NewCallSite(CallSiteRelative, 20, 0),
		},
	}
	require.Panics(t, func() { _ = m.Finish(gen) })
}

func TestStaticLink(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()

	m.StaticallyLink(rt)
	require.True(t, m.IsStaticallyLinked())
	base := m.baseAddress()
	code := m.CodeBase()
	gd := m.globalData()

	require.Equal(t, base+4200, m.InterruptExit())
	require.Equal(t, uint64(rt.addressOf(HelperStackLimit)), binary.LittleEndian.Uint64(code[24:]))
	require.Equal(t, uint64(rt.addressOf(HelperSinF64)), binary.LittleEndian.Uint64(code[60:]))
	require.Equal(t, uint64(base)+8, binary.LittleEndian.Uint64(gd[16:]))
	require.Equal(t, uint64(base)+40, binary.LittleEndian.Uint64(gd[24:]))
	require.Equal(t, uint64(base)+4224+8, binary.LittleEndian.Uint64(code[4100:]))
	require.Equal(t, uint64(base)+4160, binary.LittleEndian.Uint64(gd[32:]))

	require.Panics(t, func() { m.StaticallyLink(rt) })
}

func TestExitInvocation(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()
	m.StaticallyLink(rt)

	// Unbound exits trap instead of crashing.
	require.False(t, rt.InvokeExitIgnore(m, 0, nil))
	require.Error(t, rt.TakeTrap())

	var got []uint64
	m.BindExit(0, func(args []uint64) (uint64, bool) {
		got = append([]uint64(nil), args...)
		return math.Float64bits(7.9), true
	})
	argv := []uint64{5, math.Float64bits(2.5)}
	require.True(t, rt.InvokeExitToInt32(m, 0, argv))
	require.Equal(t, []uint64{5, math.Float64bits(2.5)}, got)
	require.Equal(t, uint64(7), argv[0])
	require.NoError(t, rt.TakeTrap())

	argv[0] = 5
	require.True(t, rt.InvokeExitToFloat64(m, 0, argv))
	require.Equal(t, math.Float64bits(7.9), argv[0])

	m.BindExit(0, func(args []uint64) (uint64, bool) { return 0, false })
	require.False(t, rt.InvokeExitIgnore(m, 0, nil))
	require.Error(t, rt.TakeTrap())
}

func TestLookups(t *testing.T) {
	m := buildTestModule(t, true)
	defer m.Destroy()
	base := m.baseAddress()

	cs := m.LookupCallSite(base + 13)
	require.NotNil(t, cs)
	require.Equal(t, CallSiteRelative, cs.Kind())
	require.EqualValues(t, 16, cs.StackDepth())
	require.Nil(t, m.LookupCallSite(base+14))
	require.Nil(t, m.LookupCallSite(base+5000))

	require.EqualValues(t, 0, m.LookupCodeRange(base).Begin())
	require.EqualValues(t, 0, m.LookupCodeRange(base+31).Begin())
	require.EqualValues(t, 32, m.LookupCodeRange(base+32).Begin())
	require.EqualValues(t, 96, m.LookupCodeRange(base+100).Begin())
	require.EqualValues(t, 4096, m.LookupCodeRange(base+4100).Begin())
	// Gaps between ranges are a normal miss.
	require.Nil(t, m.LookupCodeRange(base+200))
	require.Nil(t, m.LookupCodeRange(base+4180))

	ha := m.LookupHeapAccess(base + 70)
	require.NotNil(t, ha)
	require.True(t, ha.HasLengthCheck())
	require.EqualValues(t, 72, ha.LengthCheckOffset())
	ha = m.LookupHeapAccess(base + 80)
	require.NotNil(t, ha)
	require.False(t, ha.HasLengthCheck())
	require.Nil(t, m.LookupHeapAccess(base+71))
}

func TestSerializeRoundTrip(t *testing.T) {
	m := buildTestModule(t, true)
	defer m.Destroy()

	buf := make([]byte, m.SerializedSize())
	require.Len(t, m.Serialize(buf), 0)

	m2 := NewModule("test.js", 10, 25, false, true)
	rest, err := m2.Deserialize(buf)
	require.NoError(t, err)
	require.Len(t, rest, 0)
	defer m2.Destroy()

	require.True(t, m2.LoadedFromCache())
	require.False(t, m2.IsStaticallyLinked())
	require.Equal(t, "glob", m2.GlobalArgumentName().String())
	require.False(t, m2.BufferArgumentName().Present())
	require.EqualValues(t, 1<<16, m2.MinHeapLength())
	require.Equal(t, m.NumGlobals(), m2.NumGlobals())
	require.Equal(t, 0.5, m2.Global(1).ConstValue())

	// Reserializing the deserialized module reproduces the image bit for
	// bit.
	buf2 := make([]byte, m2.SerializedSize())
	require.Len(t, m2.Serialize(buf2), 0)
	require.Equal(t, buf, buf2)
}

func TestDeserializeTruncated(t *testing.T) {
	m := buildTestModule(t, true)
	defer m.Destroy()
	buf := make([]byte, m.SerializedSize())
	m.Serialize(buf)

	for _, n := range []int{0, 10, podHeaderSize + 100, len(buf) - 3} {
		m2 := NewModule("test.js", 10, 25, false, true)
		_, err := m2.Deserialize(buf[:n])
		require.ErrorIs(t, err, cursor.ErrTruncated, "prefix of %d bytes", n)
	}
}

func TestDeserializeRejectsOutOfRangeOffsets(t *testing.T) {
	m := buildTestModule(t, true)
	defer m.Destroy()
	buf := make([]byte, m.SerializedSize())
	m.Serialize(buf)

	// The static link data is the image's trailing table: interrupt exit
	// offset, then the relative-link vector, then the per-helper absolute
	// offset lists.
	linkStart := len(buf) - m.link.serializedSize()
	absStart := linkStart + 8 + len(m.link.relativeLinks)*12
	for _, tc := range []struct {
		name string
		at   int
		val  uint32
	}{
		{name: "interrupt exit offset", at: linkStart, val: 1 << 30},
		{name: "relative link patch offset", at: linkStart + 12, val: 0x7FFFFFFF},
		{name: "absolute link offset", at: absStart + 4, val: 5000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := append([]byte(nil), buf...)
			binary.LittleEndian.PutUint32(img[tc.at:], tc.val)
			m2 := NewModule("test.js", 10, 25, false, true)
			_, err := m2.Deserialize(img)
			require.ErrorIs(t, err, cursor.ErrTruncated)
		})
	}
}

func TestDeserializeRejectsZeroedHeader(t *testing.T) {
	m := NewModule("test.js", 0, 0, false, true)
	_, err := m.Deserialize(make([]byte, podHeaderSize))
	require.ErrorIs(t, err, cursor.ErrTruncated)
}

func TestSerializeRejectsLinkedModule(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()
	m.StaticallyLink(rt)
	require.Panics(t, func() { m.Serialize(make([]byte, m.SerializedSize())) })
}

func TestDynamicLinkPatchesBoundsChecks(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, false)
	defer m.Destroy()
	m.StaticallyLink(rt)

	heap, err := NewHeapBuffer(1 << 16)
	require.NoError(t, err)
	require.NoError(t, m.DynamicallyLink(heap))
	require.True(t, m.IsDynamicallyLinked())

	code := m.CodeBase()
	gd := m.globalData()
	require.Equal(t, uint64(heap.basePointer()), binary.LittleEndian.Uint64(gd[:8]))
	require.Equal(t, uint32(1<<16), binary.LittleEndian.Uint32(code[72:]))

	bigger, err := NewHeapBuffer(1 << 17)
	require.NoError(t, err)
	require.NoError(t, m.RebindHeap(rt, bigger))
	require.Equal(t, uint64(bigger.basePointer()), binary.LittleEndian.Uint64(gd[:8]))
	require.Equal(t, uint32(1<<17), binary.LittleEndian.Uint32(code[72:]))
	require.Same(t, bigger, m.Heap())
}

func TestDynamicLinkRejectsShortHeap(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()
	m.StaticallyLink(rt)

	small, err := NewHeapBuffer(1 << 15)
	require.NoError(t, err)
	require.Error(t, m.DynamicallyLink(small))
	require.False(t, m.IsDynamicallyLinked())
}

func TestIsValidHeapLength(t *testing.T) {
	require.True(t, IsValidHeapLength(4096))
	require.True(t, IsValidHeapLength(1<<16))
	require.True(t, IsValidHeapLength(1<<24))
	require.True(t, IsValidHeapLength(3<<24))
	require.False(t, IsValidHeapLength(100))
	require.False(t, IsValidHeapLength(6144))
	require.False(t, IsValidHeapLength((1<<24)+4096))
}

func TestProtectCode(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()
	m.StaticallyLink(rt)
	heap, err := NewHeapBuffer(1 << 16)
	require.NoError(t, err)
	require.NoError(t, m.DynamicallyLink(heap))

	// The interrupt lock gates all three operations.
	require.Panics(t, func() { m.ProtectCode(rt) })

	rt.LockInterrupt()
	require.False(t, m.CodeIsProtected(rt))
	m.ProtectCode(rt)
	require.True(t, m.CodeIsProtected(rt))
	m.UnprotectCode(rt)
	require.False(t, m.CodeIsProtected(rt))
	rt.UnlockInterrupt()

	require.Equal(t, byte(0xE8), m.CodeBase()[8])
}

func TestProtectCodeZeroFunctionBytes(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewModule("stubs.js", 0, 0, false, true)
	m.SetFunctionBytes(0)
	m.AddCodeRange(CodeRangeEntry, 0, 16)
	require.NoError(t, m.Finish(&GeneratedCode{Code: make([]byte, 64), InterruptOffset: 32}))
	defer m.Destroy()
	m.StaticallyLink(rt)
	heap, err := NewHeapBuffer(4096)
	require.NoError(t, err)
	require.NoError(t, m.DynamicallyLink(heap))

	// With no function bytes the toggle is pure bookkeeping; the segment
	// stays accessible.
	rt.LockInterrupt()
	m.ProtectCode(rt)
	require.True(t, m.CodeIsProtected(rt))
	require.Zero(t, m.CodeBase()[0])
	m.UnprotectCode(rt)
	rt.UnlockInterrupt()
}

func TestProfilingToggle(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()
	m.StaticallyLink(rt)
	heap, err := NewHeapBuffer(1 << 16)
	require.NoError(t, err)
	require.NoError(t, m.DynamicallyLink(heap))

	base := m.baseAddress()
	code := m.CodeBase()
	gd := m.globalData()
	codeSnap := append([]byte(nil), code...)
	gdSnap := append([]byte(nil), gd...)

	m.SetProfilingEnabled(rt, true)
	require.True(t, m.ProfilingEnabled())

	// Direct call retargeted from f1's entry to its profiling prologue.
	require.Equal(t, uint32(32-13), binary.LittleEndian.Uint32(code[9:]))
	// Epilogue nops became short jumps into the profiling epilogue.
	require.Equal(t, []byte{0xEB, 2}, code[16:18])
	require.Equal(t, []byte{0xEB, 2}, code[44:46])
	// Builtin call site redirected through the thunk; non-builtin sites
	// untouched.
	require.Equal(t, uint64(base)+96, binary.LittleEndian.Uint64(code[60:]))
	require.Equal(t, uint64(rt.addressOf(HelperStackLimit)), binary.LittleEndian.Uint64(code[24:]))
	// Table slots now hold profiling entries.
	require.Equal(t, uint64(base)+0, binary.LittleEndian.Uint64(gd[16:]))
	require.Equal(t, uint64(base)+32, binary.LittleEndian.Uint64(gd[24:]))

	require.Equal(t, "f0 (test.js:1)", m.ProfilingLabel(0))
	require.Equal(t, "f1 (test.js:2)", m.ProfilingLabel(1))
	require.Equal(t, "", m.ProfilingLabel(2))

	// Toggling to the current state is a no-op.
	m.SetProfilingEnabled(rt, true)

	m.SetProfilingEnabled(rt, false)
	require.False(t, m.ProfilingEnabled())
	require.Equal(t, codeSnap, code)
	require.Equal(t, gdSnap, gd)
	require.Equal(t, "", m.ProfilingLabel(0))
}

func TestClone(t *testing.T) {
	rt := newTestRuntime(t)
	m := buildTestModule(t, true)
	defer m.Destroy()
	m.StaticallyLink(rt)
	heap, err := NewHeapBuffer(1 << 16)
	require.NoError(t, err)
	require.NoError(t, m.DynamicallyLink(heap))
	m.BindExit(0, func(args []uint64) (uint64, bool) { return 0, true })

	c, err := m.Clone(rt)
	require.NoError(t, err)
	defer c.Destroy()

	require.True(t, c.IsStaticallyLinked())
	require.False(t, c.IsDynamicallyLinked())
	require.Nil(t, c.Heap())

	cBase := c.baseAddress()
	require.NotEqual(t, m.baseAddress(), cBase)
	cCode := c.CodeBase()
	cgd := c.globalData()
	// The clone is linked against its own image, not the source's.
	require.Equal(t, uint64(rt.addressOf(HelperStackLimit)), binary.LittleEndian.Uint64(cCode[24:]))
	require.Equal(t, uint64(cBase)+8, binary.LittleEndian.Uint64(cgd[16:]))
	require.Equal(t, uint64(cBase)+4160, binary.LittleEndian.Uint64(cgd[32:]))
	require.Zero(t, binary.LittleEndian.Uint64(cgd[:8]))
	// Direct calls are offset-relative and stay put.
	require.Equal(t, uint32(27), binary.LittleEndian.Uint32(cCode[9:]))

	cHeap, err := NewHeapBuffer(1 << 16)
	require.NoError(t, err)
	require.NoError(t, c.DynamicallyLink(cHeap))

	m.SetProfilingEnabled(rt, true)
	require.Panics(t, func() { _, _ = m.Clone(rt) })
}
