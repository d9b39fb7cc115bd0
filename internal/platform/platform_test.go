package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocCodeSegment(t *testing.T) {
	mem, err := AllocCodeSegment(2 * PageSize)
	require.NoError(t, err)
	require.Len(t, mem, 2*PageSize)

	// Freshly mapped pages are zeroed and writable.
	for _, b := range mem {
		require.Zero(t, b)
	}
	mem[0] = 0xc3
	require.Equal(t, byte(0xc3), mem[0])

	FreeCodeSegment(mem)
}

func TestAllocCodeSegmentRequiresPageMultiple(t *testing.T) {
	require.Panics(t, func() { _, _ = AllocCodeSegment(PageSize + 1) })
}

func TestMprotectRoundTrip(t *testing.T) {
	mem, err := AllocCodeSegment(PageSize)
	require.NoError(t, err)
	defer FreeCodeSegment(mem)

	mem[10] = 0x90
	MprotectCodeSegment(mem, NoAccess)
	MprotectCodeSegment(mem, ReadWriteExec)
	require.Equal(t, byte(0x90), mem[10])
}

func TestFlushInstructionCacheEmpty(t *testing.T) {
	require.NotPanics(t, func() { FlushInstructionCache(nil) })
}

func TestFlushInstructionCachePartialPage(t *testing.T) {
	mem, err := AllocCodeSegment(PageSize)
	require.NoError(t, err)
	defer FreeCodeSegment(mem)

	// A flush over a sub-page prefix must cover the page holding the last
	// patched byte and must leave the bytes intact.
	mem[100] = 0xc3
	FlushInstructionCache(mem[:104])
	require.Equal(t, byte(0xc3), mem[100])
}

func TestCpuID(t *testing.T) {
	id, ok := CpuID()
	switch runtime.GOARCH {
	case "amd64", "arm64":
		require.True(t, ok)
		// The architecture tag occupies the low bits and is never zero.
		require.NotZero(t, id&((1<<archBits)-1))
		id2, ok2 := CpuID()
		require.True(t, ok2)
		require.Equal(t, id, id2)
	default:
		require.False(t, ok)
	}
}
