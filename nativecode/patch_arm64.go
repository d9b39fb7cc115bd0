//go:build arm64
// +build arm64

package nativecode

import (
	"encoding/binary"
	"fmt"
)

const (
	arm64BL  = 0x94000000
	arm64B   = 0x14000000
	arm64NOP = 0xD503201F
)

// Pointer-sized values are loaded from 8-byte literal-pool entries; the
// patch offset points at the entry, so patching is a plain 8-byte store.

func patchPointerChecked(b []byte, expect, new uint64) {
	if got := binary.LittleEndian.Uint64(b); got != expect {
		panic(fmt.Sprintf("BUG: patch site holds %#x, expected %#x", got, expect))
	}
	binary.LittleEndian.PutUint64(b, new)
}

func patchInstructionImmediate(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Calls are BL with a signed 26-bit word displacement relative to the
// branch instruction itself, which is the word before the return address.

func callTargetOffset(code []byte, returnAddressOffset uint32) uint32 {
	branch := returnAddressOffset - 4
	insn := binary.LittleEndian.Uint32(code[branch:])
	if insn&0xfc000000 != arm64BL {
		panic(fmt.Sprintf("BUG: call site at %#x is not a BL: %#x", branch, insn))
	}
	imm := int32(insn<<6) >> 6
	return uint32(int64(branch) + int64(imm)*4)
}

func setCallTargetOffset(code []byte, returnAddressOffset, targetOffset uint32) {
	branch := returnAddressOffset - 4
	delta := (int64(targetOffset) - int64(branch)) / 4
	binary.LittleEndian.PutUint32(code[branch:], arm64BL|uint32(delta)&0x03ffffff)
}

// The profiling jump slot is a NOP that toggles to an unconditional B into
// the profiling epilogue.

func enableProfilingJump(code []byte, jumpOffset, epilogueOffset uint32) {
	if insn := binary.LittleEndian.Uint32(code[jumpOffset:]); insn != arm64NOP {
		panic(fmt.Sprintf("BUG: profiling jump slot at %#x is not a nop: %#x", jumpOffset, insn))
	}
	delta := (int64(epilogueOffset) - int64(jumpOffset)) / 4
	binary.LittleEndian.PutUint32(code[jumpOffset:], arm64B|uint32(delta)&0x03ffffff)
}

func disableProfilingJump(code []byte, jumpOffset uint32) {
	if insn := binary.LittleEndian.Uint32(code[jumpOffset:]); insn&0xfc000000 != arm64B {
		panic(fmt.Sprintf("BUG: profiling jump slot at %#x is not a branch: %#x", jumpOffset, insn))
	}
	binary.LittleEndian.PutUint32(code[jumpOffset:], arm64NOP)
}

// Explicit heap bounds checks load their limit from a 4-byte literal.

func patchBoundsCheckImm(b []byte, expect, new uint32) {
	if got := binary.LittleEndian.Uint32(b); got != expect {
		panic(fmt.Sprintf("BUG: bounds check holds %#x, expected %#x", got, expect))
	}
	binary.LittleEndian.PutUint32(b, new)
}
