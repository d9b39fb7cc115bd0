//go:build !amd64 && !arm64
// +build !amd64,!arm64

package nativecode

const errUnsupportedArch = "unsupported GOARCH for native-code patching"

func patchPointerChecked(b []byte, expect, new uint64) { panic(errUnsupportedArch) }

func patchInstructionImmediate(b []byte, v uint64) { panic(errUnsupportedArch) }

func callTargetOffset(code []byte, returnAddressOffset uint32) uint32 { panic(errUnsupportedArch) }

func setCallTargetOffset(code []byte, returnAddressOffset, targetOffset uint32) {
	panic(errUnsupportedArch)
}

func enableProfilingJump(code []byte, jumpOffset, epilogueOffset uint32) { panic(errUnsupportedArch) }

func disableProfilingJump(code []byte, jumpOffset uint32) { panic(errUnsupportedArch) }

func patchBoundsCheckImm(b []byte, expect, new uint32) { panic(errUnsupportedArch) }
