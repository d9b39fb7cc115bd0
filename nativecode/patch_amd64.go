//go:build amd64
// +build amd64

package nativecode

import (
	"encoding/binary"
	"fmt"
)

// Pointer-sized immediates are the 8-byte operand of a movabs, stored
// little-endian; the patch offset points directly at the operand.

func patchPointerChecked(b []byte, expect, new uint64) {
	if got := binary.LittleEndian.Uint64(b); got != expect {
		panic(fmt.Sprintf("BUG: patch site holds %#x, expected %#x", got, expect))
	}
	binary.LittleEndian.PutUint64(b, new)
}

func patchInstructionImmediate(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Calls are E8 rel32; the displacement is relative to the return address
// and sits in the four bytes before it.

func callTargetOffset(code []byte, returnAddressOffset uint32) uint32 {
	rel := int32(binary.LittleEndian.Uint32(code[returnAddressOffset-4:]))
	return uint32(int64(returnAddressOffset) + int64(rel))
}

func setCallTargetOffset(code []byte, returnAddressOffset, targetOffset uint32) {
	rel := int64(targetOffset) - int64(returnAddressOffset)
	binary.LittleEndian.PutUint32(code[returnAddressOffset-4:], uint32(int32(rel)))
}

// The profiling jump slot is a two-byte nop (66 90) that toggles to a
// short jump (EB imm8) into the profiling epilogue.

func enableProfilingJump(code []byte, jumpOffset, epilogueOffset uint32) {
	if code[jumpOffset] != 0x66 || code[jumpOffset+1] != 0x90 {
		panic(fmt.Sprintf("BUG: profiling jump slot at %#x is not a nop", jumpOffset))
	}
	delta := int64(epilogueOffset) - int64(jumpOffset) - 2
	if delta < 1 || delta > 127 {
		panic(fmt.Sprintf("BUG: profiling epilogue out of short-jump range: %d", delta))
	}
	code[jumpOffset] = 0xEB
	code[jumpOffset+1] = byte(delta)
}

func disableProfilingJump(code []byte, jumpOffset uint32) {
	if code[jumpOffset] != 0xEB {
		panic(fmt.Sprintf("BUG: profiling jump slot at %#x is not a jump", jumpOffset))
	}
	code[jumpOffset] = 0x66
	code[jumpOffset+1] = 0x90
}

// Explicit heap bounds checks compare against a 4-byte immediate; the
// recorded offset points directly at it.

func patchBoundsCheckImm(b []byte, expect, new uint32) {
	if got := binary.LittleEndian.Uint32(b); got != expect {
		panic(fmt.Sprintf("BUG: bounds check holds %#x, expected %#x", got, expect))
	}
	binary.LittleEndian.PutUint32(b, new)
}
