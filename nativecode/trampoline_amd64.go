//go:build amd64
// +build amd64

package nativecode

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/nitrojs/nitro/internal/platform"
)

// buildReturnStub assembles the stub unfilled function-pointer-table slots
// point at: it zeroes the return register and returns, so an indirect call
// through an unfilled slot yields zero instead of jumping into garbage.
func buildReturnStub() ([]byte, error) {
	b, err := asm.NewBuilder("amd64", 16)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}

	zeroRax := b.NewProg()
	zeroRax.As = x86.AXORQ
	zeroRax.From.Type = obj.TYPE_REG
	zeroRax.From.Reg = x86.REG_AX
	zeroRax.To.Type = obj.TYPE_REG
	zeroRax.To.Reg = x86.REG_AX
	b.AddInstruction(zeroRax)

	ret := b.NewProg()
	ret.As = obj.ARET
	b.AddInstruction(ret)

	code := b.Assemble()
	mem, err := platform.AllocCodeSegment(platform.PageSize)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	platform.FlushInstructionCache(mem)
	return mem, nil
}
