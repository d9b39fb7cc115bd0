package nativecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nitrojs/nitro/internal/cursor"
	"github.com/nitrojs/nitro/internal/platform"
)

// Every serializable entity implements the same forward-only triad. The
// module image is the fixed-order concatenation of its tables, so two
// modules with equal state produce byte-identical images.
type serializable interface {
	serializedSize() int
	serialize(c []byte) []byte
	deserialize(c []byte) ([]byte, error)
}

type serializablePtr[T any] interface {
	*T
	serializable
}

func serializedVectorSize[T any, PT serializablePtr[T]](v []T) int {
	n := 4
	for i := range v {
		n += PT(&v[i]).serializedSize()
	}
	return n
}

func serializeVector[T any, PT serializablePtr[T]](c []byte, v []T) []byte {
	c = cursor.PutU32(c, uint32(len(v)))
	for i := range v {
		c = PT(&v[i]).serialize(c)
	}
	return c
}

func deserializeVector[T any, PT serializablePtr[T]](c []byte) ([]T, []byte, error) {
	count, c, err := cursor.U32(c)
	if err != nil {
		return nil, nil, err
	}
	// Each entry occupies at least one byte, so a count beyond the
	// remaining image is corruption, not a huge allocation.
	if int64(count) > int64(len(c)) {
		return nil, nil, cursor.ErrTruncated
	}
	v := make([]T, count)
	for i := range v {
		c, err = PT(&v[i]).deserialize(c)
		if err != nil {
			return nil, nil, err
		}
	}
	return v, c, nil
}

func serializedU32VectorSize(v []uint32) int { return 4 + 4*len(v) }

func serializeU32Vector(c []byte, v []uint32) []byte {
	c = cursor.PutU32(c, uint32(len(v)))
	for _, x := range v {
		c = cursor.PutU32(c, x)
	}
	return c
}

func deserializeU32Vector(c []byte) ([]uint32, []byte, error) {
	count, c, err := cursor.U32(c)
	if err != nil {
		return nil, nil, err
	}
	if int64(count)*4 > int64(len(c)) {
		return nil, nil, cursor.ErrTruncated
	}
	v := make([]uint32, count)
	for i := range v {
		v[i], c, err = cursor.U32(c)
		if err != nil {
			return nil, nil, err
		}
	}
	return v, c, nil
}

func (n *Name) serializedSize() int {
	return cursor.SizeString(n.value, n.present)
}

func (n *Name) serialize(c []byte) []byte {
	return cursor.PutString(c, n.value, n.present)
}

func (n *Name) deserialize(c []byte) ([]byte, error) {
	s, present, c, err := cursor.String(c)
	if err != nil {
		return nil, err
	}
	n.value, n.present = s, present
	return c, nil
}

func (g *Global) serializedSize() int {
	return g.name.serializedSize() + 16
}

func (g *Global) serialize(c []byte) []byte {
	c = g.name.serialize(c)
	c = cursor.PutU8(c, byte(g.kind))
	c = cursor.PutU8(c, byte(g.coercion))
	c = cursor.PutU8(c, 0)
	c = cursor.PutU8(c, 0)
	c = cursor.PutU32(c, g.dataOffset)
	return cursor.PutU64(c, math.Float64bits(g.constValue))
}

func (g *Global) deserialize(c []byte) ([]byte, error) {
	c, err := g.name.deserialize(c)
	if err != nil {
		return nil, err
	}
	pod, c, err := cursor.Bytes(c, 16)
	if err != nil {
		return nil, err
	}
	g.kind = GlobalKind(pod[0])
	g.coercion = CoercionKind(pod[1])
	g.dataOffset = binary.LittleEndian.Uint32(pod[4:])
	g.constValue = math.Float64frombits(binary.LittleEndian.Uint64(pod[8:]))
	return c, nil
}

func (e *Exit) serializedSize() int { return 8 }

func (e *Exit) serialize(c []byte) []byte {
	c = cursor.PutU32(c, e.interpCodeOffset)
	return cursor.PutU32(c, e.datumOffset)
}

func (e *Exit) deserialize(c []byte) ([]byte, error) {
	var err error
	if e.interpCodeOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	if e.datumOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *ExportedFunction) serializedSize() int {
	return e.name.serializedSize() + e.fieldName.serializedSize() +
		4 + len(e.argCoercions) + 16
}

func (e *ExportedFunction) serialize(c []byte) []byte {
	c = e.name.serialize(c)
	c = e.fieldName.serialize(c)
	c = cursor.PutU32(c, uint32(len(e.argCoercions)))
	for _, a := range e.argCoercions {
		c = cursor.PutU8(c, byte(a))
	}
	c = cursor.PutU32(c, e.codeOffset)
	c = cursor.PutU32(c, e.srcBegin)
	c = cursor.PutU32(c, e.srcEnd)
	c = cursor.PutU8(c, byte(e.retCoercion))
	c = cursor.PutU8(c, 0)
	c = cursor.PutU8(c, 0)
	return cursor.PutU8(c, 0)
}

func (e *ExportedFunction) deserialize(c []byte) ([]byte, error) {
	c, err := e.name.deserialize(c)
	if err != nil {
		return nil, err
	}
	if c, err = e.fieldName.deserialize(c); err != nil {
		return nil, err
	}
	numArgs, c, err := cursor.U32(c)
	if err != nil {
		return nil, err
	}
	args, c, err := cursor.Bytes(c, int(numArgs))
	if err != nil {
		return nil, err
	}
	e.argCoercions = make([]CoercionKind, numArgs)
	for i, a := range args {
		e.argCoercions[i] = CoercionKind(a)
	}
	pod, c, err := cursor.Bytes(c, 16)
	if err != nil {
		return nil, err
	}
	e.codeOffset = binary.LittleEndian.Uint32(pod)
	e.srcBegin = binary.LittleEndian.Uint32(pod[4:])
	e.srcEnd = binary.LittleEndian.Uint32(pod[8:])
	e.retCoercion = CoercionKind(pod[12])
	return c, nil
}

func (cs *CallSite) serializedSize() int { return 12 }

func (cs *CallSite) serialize(c []byte) []byte {
	c = cursor.PutU32(c, uint32(cs.kind))
	c = cursor.PutU32(c, cs.returnAddressOffset)
	return cursor.PutU32(c, cs.stackDepth)
}

func (cs *CallSite) deserialize(c []byte) ([]byte, error) {
	kind, c, err := cursor.U32(c)
	if err != nil {
		return nil, err
	}
	cs.kind = CallSiteKind(kind)
	if cs.returnAddressOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	if cs.stackDepth, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (cr *CodeRange) serializedSize() int { return 28 }

func (cr *CodeRange) serialize(c []byte) []byte {
	c = cursor.PutU32(c, cr.nameIndex)
	c = cursor.PutU32(c, cr.lineNumber)
	c = cursor.PutU32(c, cr.begin)
	c = cursor.PutU32(c, cr.profilingReturn)
	c = cursor.PutU32(c, cr.end)
	c = cursor.PutU8(c, byte(cr.kind))
	c = cursor.PutU8(c, byte(cr.builtin))
	c = cursor.PutU8(c, cr.beginToEntry)
	c = cursor.PutU8(c, cr.profilingJumpToReturn)
	c = cursor.PutU8(c, cr.profilingEpilogueToReturn)
	c = cursor.PutU8(c, 0)
	c = cursor.PutU8(c, 0)
	return cursor.PutU8(c, 0)
}

func (cr *CodeRange) deserialize(c []byte) ([]byte, error) {
	pod, c, err := cursor.Bytes(c, 28)
	if err != nil {
		return nil, err
	}
	cr.nameIndex = binary.LittleEndian.Uint32(pod)
	cr.lineNumber = binary.LittleEndian.Uint32(pod[4:])
	cr.begin = binary.LittleEndian.Uint32(pod[8:])
	cr.profilingReturn = binary.LittleEndian.Uint32(pod[12:])
	cr.end = binary.LittleEndian.Uint32(pod[16:])
	cr.kind = CodeRangeKind(pod[20])
	cr.builtin = BuiltinKind(pod[21])
	cr.beginToEntry = pod[22]
	cr.profilingJumpToReturn = pod[23]
	cr.profilingEpilogueToReturn = pod[24]
	return c, nil
}

func (h *HeapAccess) serializedSize() int { return 8 }

func (h *HeapAccess) serialize(c []byte) []byte {
	c = cursor.PutU32(c, h.insnOffset)
	return cursor.PutU32(c, h.lengthCheck)
}

func (h *HeapAccess) deserialize(c []byte) ([]byte, error) {
	var err error
	if h.insnOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	if h.lengthCheck, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *FuncPtrTable) serializedSize() int { return 8 }

func (t *FuncPtrTable) serialize(c []byte) []byte {
	c = cursor.PutU32(c, t.globalDataOffset)
	return cursor.PutU32(c, t.numElems)
}

func (t *FuncPtrTable) deserialize(c []byte) ([]byte, error) {
	var err error
	if t.globalDataOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	if t.numElems, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (l *RelativeLink) serializedSize() int { return 12 }

func (l *RelativeLink) serialize(c []byte) []byte {
	c = cursor.PutU32(c, uint32(l.kind))
	c = cursor.PutU32(c, l.patchAtOffset)
	return cursor.PutU32(c, l.targetOffset)
}

func (l *RelativeLink) deserialize(c []byte) ([]byte, error) {
	kind, c, err := cursor.U32(c)
	if err != nil {
		return nil, err
	}
	l.kind = RelativeLinkKind(kind)
	if l.patchAtOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	if l.targetOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *StaticLinkData) serializedSize() int {
	n := 4 + serializedVectorSize(s.relativeLinks)
	for i := range s.absoluteLinks {
		n += serializedU32VectorSize(s.absoluteLinks[i])
	}
	return n
}

func (s *StaticLinkData) serialize(c []byte) []byte {
	c = cursor.PutU32(c, s.interruptExitOffset)
	c = serializeVector(c, s.relativeLinks)
	for i := range s.absoluteLinks {
		c = serializeU32Vector(c, s.absoluteLinks[i])
	}
	return c
}

func (s *StaticLinkData) deserialize(c []byte) ([]byte, error) {
	var err error
	if s.interruptExitOffset, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	if s.relativeLinks, c, err = deserializeVector[RelativeLink](c); err != nil {
		return nil, err
	}
	for i := range s.absoluteLinks {
		if s.absoluteLinks[i], c, err = deserializeU32Vector(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

const podHeaderSize = 32

func (p *podHeader) serialize(c []byte) []byte {
	c = cursor.PutU32(c, p.codeBytes)
	c = cursor.PutU32(c, p.totalBytes)
	c = cursor.PutU32(c, p.functionBytes)
	c = cursor.PutU32(c, p.globalDataBytes)
	c = cursor.PutU32(c, p.minHeapLength)
	c = cursor.PutU32(c, p.srcLength)
	c = cursor.PutU32(c, p.srcLengthWithRightBrace)
	c = cursor.PutU8(c, boolByte(p.strict))
	c = cursor.PutU8(c, boolByte(p.usesSignalHandlers))
	c = cursor.PutU8(c, 0)
	return cursor.PutU8(c, 0)
}

func (p *podHeader) deserialize(c []byte) ([]byte, error) {
	pod, c, err := cursor.Bytes(c, podHeaderSize)
	if err != nil {
		return nil, err
	}
	p.codeBytes = binary.LittleEndian.Uint32(pod)
	p.totalBytes = binary.LittleEndian.Uint32(pod[4:])
	p.functionBytes = binary.LittleEndian.Uint32(pod[8:])
	p.globalDataBytes = binary.LittleEndian.Uint32(pod[12:])
	p.minHeapLength = binary.LittleEndian.Uint32(pod[16:])
	p.srcLength = binary.LittleEndian.Uint32(pod[20:])
	p.srcLengthWithRightBrace = binary.LittleEndian.Uint32(pod[24:])
	p.strict = pod[28] != 0
	p.usesSignalHandlers = pod[29] != 0
	return c, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// SerializedSize is the exact byte length Serialize will write.
func (m *Module) SerializedSize() int {
	m.assertFinished()
	return podHeaderSize +
		int(m.pod.codeBytes) +
		m.globalArgName.serializedSize() +
		m.importArgName.serializedSize() +
		m.bufferArgName.serializedSize() +
		serializedVectorSize(m.globals) +
		serializedVectorSize(m.exits) +
		serializedVectorSize(m.exports) +
		serializedVectorSize(m.callSites) +
		serializedVectorSize(m.codeRanges) +
		serializedVectorSize(m.funcPtrTables) +
		serializedU32VectorSize(m.builtinThunkOffsets) +
		serializedVectorSize(m.funcNames) +
		serializedVectorSize(m.heapAccesses) +
		m.link.serializedSize()
}

// Serialize writes the module image to c and returns the remainder. The
// module must still be in its initial, unlinked state so the image contains
// the armed patch sentinels rather than process-local addresses.
func (m *Module) Serialize(c []byte) []byte {
	m.assertFinished()
	if m.IsStaticallyLinked() {
		panic("BUG: serializing a linked module")
	}
	c = m.pod.serialize(c)
	c = cursor.PutBytes(c, m.mem[:m.pod.codeBytes])
	c = m.globalArgName.serialize(c)
	c = m.importArgName.serialize(c)
	c = m.bufferArgName.serialize(c)
	c = serializeVector(c, m.globals)
	c = serializeVector(c, m.exits)
	c = serializeVector(c, m.exports)
	c = serializeVector(c, m.callSites)
	c = serializeVector(c, m.codeRanges)
	c = serializeVector(c, m.funcPtrTables)
	c = serializeU32Vector(c, m.builtinThunkOffsets)
	c = serializeVector(c, m.funcNames)
	c = serializeVector(c, m.heapAccesses)
	return m.link.serialize(c)
}

// Deserialize reads a module image into a freshly constructed module,
// allocating and populating its executable region. On any decode error the
// allocation is released and the module is unusable. The remainder of c
// after the image is returned so callers can detect trailing garbage.
func (m *Module) Deserialize(c []byte) ([]byte, error) {
	m.assertNotFinished()
	rest, err := m.deserializeInto(c)
	if err != nil {
		if m.mem != nil {
			platform.FreeCodeSegment(m.mem)
			m.mem = nil
		}
		return nil, err
	}
	return rest, nil
}

func (m *Module) deserializeInto(c []byte) ([]byte, error) {
	c, err := m.pod.deserialize(c)
	if err != nil {
		return nil, err
	}
	if m.pod.totalBytes == 0 ||
		m.pod.totalBytes%platform.PageSize != 0 ||
		m.pod.codeBytes > m.pod.totalBytes ||
		m.pod.functionBytes > m.pod.codeBytes ||
		m.pod.functionBytes%platform.PageSize != 0 {
		return nil, fmt.Errorf("inconsistent module image sizes: %w", cursor.ErrTruncated)
	}
	code, c, err := cursor.Bytes(c, int(m.pod.codeBytes))
	if err != nil {
		return nil, err
	}
	if m.mem, err = platform.AllocCodeSegment(int(m.pod.totalBytes)); err != nil {
		return nil, fmt.Errorf("deserializing module: %w", err)
	}
	copy(m.mem, code)

	if c, err = m.globalArgName.deserialize(c); err != nil {
		return nil, err
	}
	if c, err = m.importArgName.deserialize(c); err != nil {
		return nil, err
	}
	if c, err = m.bufferArgName.deserialize(c); err != nil {
		return nil, err
	}
	if m.globals, c, err = deserializeVector[Global](c); err != nil {
		return nil, err
	}
	if m.exits, c, err = deserializeVector[Exit](c); err != nil {
		return nil, err
	}
	if m.exports, c, err = deserializeVector[ExportedFunction](c); err != nil {
		return nil, err
	}
	if m.callSites, c, err = deserializeVector[CallSite](c); err != nil {
		return nil, err
	}
	if m.codeRanges, c, err = deserializeVector[CodeRange](c); err != nil {
		return nil, err
	}
	if m.funcPtrTables, c, err = deserializeVector[FuncPtrTable](c); err != nil {
		return nil, err
	}
	if m.builtinThunkOffsets, c, err = deserializeU32Vector(c); err != nil {
		return nil, err
	}
	if m.funcNames, c, err = deserializeVector[Name](c); err != nil {
		return nil, err
	}
	if m.heapAccesses, c, err = deserializeVector[HeapAccess](c); err != nil {
		return nil, err
	}
	if c, err = m.link.deserialize(c); err != nil {
		return nil, err
	}
	if err = m.validateDeserialized(); err != nil {
		return nil, err
	}

	m.globalDataUsed = m.pod.globalDataBytes
	m.finished = true
	m.loadedFromCache = true
	return c, nil
}

// validateDeserialized rejects images whose decoded offsets fall outside the
// segment they index into. A cache entry is untrusted bytes; nothing read
// from one may reach a patch site or a binary search unchecked.
func (m *Module) validateDeserialized() error {
	corrupt := func(what string) error {
		return fmt.Errorf("%s out of range: %w", what, cursor.ErrTruncated)
	}
	code := uint64(m.pod.codeBytes)
	gdBytes := uint64(m.pod.globalDataBytes)
	if gdBytes < 8 || gdBytes > uint64(m.pod.totalBytes)-code {
		return corrupt("global data segment")
	}

	for i := range m.exports {
		if uint64(m.exports[i].codeOffset) >= code {
			return corrupt("export code offset")
		}
	}
	for i := range m.exits {
		e := &m.exits[i]
		if uint64(e.interpCodeOffset) >= code || uint64(e.datumOffset)+8 > gdBytes {
			return corrupt("exit offset")
		}
	}
	for i := range m.funcPtrTables {
		t := &m.funcPtrTables[i]
		if uint64(t.globalDataOffset)+8*uint64(t.numElems) > gdBytes {
			return corrupt("function-pointer table extent")
		}
	}
	for _, off := range m.builtinThunkOffsets {
		if uint64(off) >= code {
			return corrupt("builtin thunk offset")
		}
	}

	for i := range m.callSites {
		cs := &m.callSites[i]
		if uint64(cs.returnAddressOffset) > code ||
			(cs.kind == CallSiteRelative && cs.returnAddressOffset < 4) {
			return corrupt("call site return address")
		}
		if i > 0 && cs.returnAddressOffset < m.callSites[i-1].returnAddressOffset {
			return corrupt("call site order")
		}
	}
	for i := range m.heapAccesses {
		ha := &m.heapAccesses[i]
		if uint64(ha.insnOffset) >= code ||
			(ha.HasLengthCheck() && uint64(ha.lengthCheck)+4 > code) {
			return corrupt("heap access offset")
		}
		if i > 0 && ha.insnOffset < m.heapAccesses[i-1].insnOffset {
			return corrupt("heap access order")
		}
	}
	for i := range m.codeRanges {
		cr := &m.codeRanges[i]
		if uint64(cr.end) > code || cr.begin > cr.end {
			return corrupt("code range extent")
		}
		if i > 0 && cr.begin < m.codeRanges[i-1].end {
			return corrupt("code range order")
		}
		if cr.IsFunction() {
			entry, jump, epilogue := cr.Entry(), cr.ProfilingJump(), cr.ProfilingEpilogue()
			if !(cr.begin < entry && entry < jump && jump < epilogue &&
				epilogue < cr.profilingReturn && cr.profilingReturn < cr.end) {
				return corrupt("function labels")
			}
			if uint64(cr.nameIndex) >= uint64(len(m.funcNames)) {
				return corrupt("function name index")
			}
		}
		if (cr.kind == CodeRangeExitThunk || cr.kind == CodeRangeBuiltinThunk) &&
			!(cr.begin < cr.profilingReturn && cr.profilingReturn < cr.end) {
			return corrupt("thunk labels")
		}
	}

	if uint64(m.link.interruptExitOffset) >= code {
		return corrupt("interrupt exit offset")
	}
	for i := range m.link.relativeLinks {
		l := &m.link.relativeLinks[i]
		if uint64(l.patchAtOffset)+8 > uint64(m.pod.totalBytes) ||
			uint64(l.targetOffset) > uint64(m.pod.totalBytes) {
			return corrupt("relative link offset")
		}
	}
	for kind := range m.link.absoluteLinks {
		for _, off := range m.link.absoluteLinks[kind] {
			if uint64(off)+8 > code {
				return corrupt("absolute link offset")
			}
		}
	}
	return nil
}
