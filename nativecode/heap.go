package nativecode

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/nitrojs/nitro/internal/platform"
)

// boundsCheckSentinel is the length immediate the generator leaves in every
// explicit heap bounds check, replaced at dynamic-link time by the bound
// heap's length.
const boundsCheckSentinel = ^uint32(0)

// IsValidHeapLength reports whether a buffer of the given length may back a
// module heap: at least a page, and either a power of two or a multiple of
// 16MiB so the masking the generated code performs stays exact.
func IsValidHeapLength(length uint32) bool {
	if length < platform.PageSize {
		return false
	}
	return length&(length-1) == 0 || length%0x1000000 == 0
}

// HeapBuffer is the linear memory a dynamically linked module reads and
// writes through its heap views.
type HeapBuffer struct {
	data []byte
}

func NewHeapBuffer(length uint32) (*HeapBuffer, error) {
	if !IsValidHeapLength(length) {
		return nil, fmt.Errorf("invalid heap length %#x", length)
	}
	return &HeapBuffer{data: make([]byte, length)}, nil
}

func (h *HeapBuffer) Data() []byte { return h.data }

func (h *HeapBuffer) Length() uint32 { return uint32(len(h.data)) }

func (h *HeapBuffer) basePointer() uintptr {
	return uintptr(unsafe.Pointer(&h.data[0]))
}

// DynamicallyLink binds a heap buffer to the statically linked module: the
// heap base pointer is stored in the first global-data word and, when
// bounds are enforced by explicit checks, every length immediate is patched
// from its sentinel to the heap's length. Code protection cannot predate
// dynamic linking, so unlike RebindHeap this needs no unprotect scope.
func (m *Module) DynamicallyLink(heap *HeapBuffer) error {
	if !m.IsStaticallyLinked() {
		panic("BUG: dynamic link before static link")
	}
	if m.dynamicallyLinked {
		panic("BUG: module already dynamically linked")
	}
	if err := m.checkHeap(heap); err != nil {
		return err
	}

	m.initHeap(heap, boundsCheckSentinel)
	m.heap = heap
	m.dynamicallyLinked = true
	platform.FlushInstructionCache(m.mem[:m.pod.codeBytes])
	return nil
}

// RebindHeap replaces the bound heap buffer with another one, patching the
// length checks from the old length to the new. The code may be protected,
// so the patching happens inside an unprotect scope.
func (m *Module) RebindHeap(rt *Runtime, heap *HeapBuffer) error {
	if !m.dynamicallyLinked {
		panic("BUG: heap rebind before dynamic link")
	}
	if err := m.checkHeap(heap); err != nil {
		return err
	}

	prevLength := m.heap.Length()
	m.withUnprotectedCode(rt, func() {
		m.initHeap(heap, prevLength)
		platform.FlushInstructionCache(m.mem[:m.pod.codeBytes])
	})
	m.heap = heap
	return nil
}

func (m *Module) checkHeap(heap *HeapBuffer) error {
	if !IsValidHeapLength(heap.Length()) {
		return fmt.Errorf("invalid heap length %#x", heap.Length())
	}
	if heap.Length() < m.pod.minHeapLength {
		return fmt.Errorf("heap length %#x below required minimum %#x", heap.Length(), m.pod.minHeapLength)
	}
	return nil
}

func (m *Module) initHeap(heap *HeapBuffer, expectLength uint32) {
	binary.LittleEndian.PutUint64(m.globalData()[heapGlobalDataOffset:], uint64(heap.basePointer()))
	if m.pod.usesSignalHandlers {
		return
	}
	for i := range m.heapAccesses {
		ha := &m.heapAccesses[i]
		if ha.HasLengthCheck() {
			patchBoundsCheckImm(m.mem[ha.lengthCheck:], expectLength, heap.Length())
		}
	}
}

// restoreToInitialState is the exact inverse of linking: every absolute
// patch site is put back to the sentinel, every length check likewise, the
// heap word is zeroed, and the link flags are cleared so the module can be
// statically linked again. maybePrevHeap is the heap that was bound, nil if
// dynamic linking never happened.
func (m *Module) restoreToInitialState(maybePrevHeap *HeapBuffer, rt *Runtime) {
	for kind := HelperKind(0); kind < helperLimit; kind++ {
		addr := uint64(rt.addressOf(kind))
		for _, off := range m.link.absoluteLinks[kind] {
			patchPointerChecked(m.mem[off:], addr, sentinelValue)
		}
	}

	if maybePrevHeap != nil && !m.pod.usesSignalHandlers {
		for i := range m.heapAccesses {
			ha := &m.heapAccesses[i]
			if ha.HasLengthCheck() {
				patchBoundsCheckImm(m.mem[ha.lengthCheck:], maybePrevHeap.Length(), boundsCheckSentinel)
			}
		}
	}
	binary.LittleEndian.PutUint64(m.globalData()[heapGlobalDataOffset:], 0)

	m.heap = nil
	m.exitFuns = nil
	m.interruptExit = 0
	m.dynamicallyLinked = false
}
