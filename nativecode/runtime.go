package nativecode

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nitrojs/nitro/internal/platform"
)

// ErrOverRecursed is the trap recorded when generated code exhausts its
// stack budget.
var ErrOverRecursed = errors.New("call stack exhausted")

// ErrInterrupted is the trap recorded when an interrupt callback tells
// execution to stop.
var ErrInterrupted = errors.New("execution interrupted")

// HostFunc is an external function bound to an exit. Arguments arrive as
// 64-bit slots, float64 bit patterns for doubles and zero-extended values
// for int32s. The bool result is false when the host function failed, which
// aborts the native activation.
type HostFunc func(args []uint64) (uint64, bool)

// Runtime holds the per-process state every linked module shares: the
// helper addresses absolute links resolve to, the interrupt machinery, and
// the activation stack of modules currently executing.
type Runtime struct {
	interruptMu       sync.Mutex
	interruptLockHeld uint32

	// stackLimit and interruptFlag are read directly by generated code;
	// HelperStackLimit and HelperInterruptFlag resolve to their addresses.
	stackLimit    uintptr
	interruptFlag uint32

	interruptCallback func() bool
	pendingTrap       error

	activations []*Module

	// returnStub is a native stub that immediately returns, installed in
	// function-pointer-table slots no relative link fills. Nil when the
	// target has no assembler backend; slots then point at a reserved
	// data word instead.
	returnStub []byte
}

var returnStubReservation uint64

func NewRuntime() (*Runtime, error) {
	stub, err := buildReturnStub()
	if err != nil {
		return nil, fmt.Errorf("building return stub: %w", err)
	}
	return &Runtime{returnStub: stub}, nil
}

// Close releases the runtime's executable allocations. Linked modules must
// be destroyed first.
func (rt *Runtime) Close() {
	if rt.returnStub != nil {
		platform.FreeCodeSegment(rt.returnStub)
		rt.returnStub = nil
	}
}

func (rt *Runtime) returnStubAddress() uintptr {
	if rt.returnStub != nil {
		return uintptr(unsafe.Pointer(&rt.returnStub[0]))
	}
	return uintptr(unsafe.Pointer(&returnStubReservation))
}

// LockInterrupt acquires the lock serializing interrupt delivery against
// code protection changes.
func (rt *Runtime) LockInterrupt() {
	rt.interruptMu.Lock()
	atomic.StoreUint32(&rt.interruptLockHeld, 1)
}

func (rt *Runtime) UnlockInterrupt() {
	atomic.StoreUint32(&rt.interruptLockHeld, 0)
	rt.interruptMu.Unlock()
}

func (rt *Runtime) assertInterruptLockHeld() {
	if atomic.LoadUint32(&rt.interruptLockHeld) == 0 {
		panic("BUG: interrupt lock not held")
	}
}

// SetStackLimit sets the stack-overflow threshold generated prologues
// compare the stack pointer against.
func (rt *Runtime) SetStackLimit(limit uintptr) { rt.stackLimit = limit }

// SetInterruptCallback installs the callback HandleInterrupt consults. A
// false return aborts the running activation.
func (rt *Runtime) SetInterruptCallback(f func() bool) { rt.interruptCallback = f }

// RequestInterrupt raises the flag generated loop back-edges poll.
func (rt *Runtime) RequestInterrupt() {
	atomic.StoreUint32(&rt.interruptFlag, 1)
}

// HandleInterrupt consumes a pending interrupt request. It reports whether
// execution may continue; on false the interrupt trap is recorded.
func (rt *Runtime) HandleInterrupt() bool {
	atomic.StoreUint32(&rt.interruptFlag, 0)
	if rt.interruptCallback != nil && !rt.interruptCallback() {
		rt.pendingTrap = ErrInterrupted
		return false
	}
	return true
}

// ReportOverRecursed records the stack-exhaustion trap.
func (rt *Runtime) ReportOverRecursed() {
	rt.pendingTrap = ErrOverRecursed
}

// TakeTrap returns and clears the trap recorded by the last failed
// activation, nil if it completed normally.
func (rt *Runtime) TakeTrap() error {
	err := rt.pendingTrap
	rt.pendingTrap = nil
	return err
}

func (rt *Runtime) PushActivation(m *Module) {
	rt.activations = append(rt.activations, m)
}

func (rt *Runtime) PopActivation() {
	if len(rt.activations) == 0 {
		panic("BUG: popping empty activation stack")
	}
	rt.activations = rt.activations[:len(rt.activations)-1]
}

// InnermostActivation is the module currently executing, nil when no
// native code is on the stack.
func (rt *Runtime) InnermostActivation() *Module {
	if len(rt.activations) == 0 {
		return nil
	}
	return rt.activations[len(rt.activations)-1]
}

// InvokeExitIgnore calls the host function bound to exit exitIndex and
// discards its result.
func (rt *Runtime) InvokeExitIgnore(m *Module, exitIndex uint32, argv []uint64) bool {
	_, ok := rt.invokeExit(m, exitIndex, argv)
	return ok
}

// InvokeExitToInt32 calls the bound host function and stores its result,
// coerced to int32, back into argv[0].
func (rt *Runtime) InvokeExitToInt32(m *Module, exitIndex uint32, argv []uint64) bool {
	ret, ok := rt.invokeExit(m, exitIndex, argv)
	if !ok {
		return false
	}
	argv[0] = uint64(uint32(ToInt32(math.Float64frombits(ret))))
	return true
}

// InvokeExitToFloat64 calls the bound host function and stores its result
// as float64 bits back into argv[0].
func (rt *Runtime) InvokeExitToFloat64(m *Module, exitIndex uint32, argv []uint64) bool {
	ret, ok := rt.invokeExit(m, exitIndex, argv)
	if !ok {
		return false
	}
	argv[0] = ret
	return true
}

func (rt *Runtime) invokeExit(m *Module, exitIndex uint32, argv []uint64) (uint64, bool) {
	fn := m.exitFuns[exitIndex]
	if fn == nil {
		rt.pendingTrap = fmt.Errorf("exit %d is not bound", exitIndex)
		return 0, false
	}
	ret, ok := fn(argv)
	if !ok && rt.pendingTrap == nil {
		rt.pendingTrap = fmt.Errorf("host function for exit %d failed", exitIndex)
	}
	return ret, ok
}

// addressOf resolves a helper kind to the process-wide address absolute
// links are patched with. Field helpers resolve to the field itself;
// function helpers resolve to the function's entry point, which serves as
// the patch-target identity.
func (rt *Runtime) addressOf(kind HelperKind) uintptr {
	switch kind {
	case HelperStackLimit:
		return uintptr(unsafe.Pointer(&rt.stackLimit))
	case HelperInterruptFlag:
		return uintptr(unsafe.Pointer(&rt.interruptFlag))
	case HelperHandleInterrupt:
		return funcAddress((*Runtime).HandleInterrupt)
	case HelperReportOverRecursed:
		return funcAddress((*Runtime).ReportOverRecursed)
	case HelperInvokeIgnore:
		return funcAddress((*Runtime).InvokeExitIgnore)
	case HelperInvokeToInt32:
		return funcAddress((*Runtime).InvokeExitToInt32)
	case HelperInvokeToFloat64:
		return funcAddress((*Runtime).InvokeExitToFloat64)
	case HelperCoerceToInt32:
		return funcAddress(CoerceToInt32)
	case HelperCoerceToFloat64:
		return funcAddress(CoerceToFloat64)
	case HelperToInt32:
		return funcAddress(ToInt32)
	case HelperModF64:
		return funcAddress(math.Mod)
	case HelperSinF64:
		return funcAddress(math.Sin)
	case HelperCosF64:
		return funcAddress(math.Cos)
	case HelperTanF64:
		return funcAddress(math.Tan)
	case HelperASinF64:
		return funcAddress(math.Asin)
	case HelperACosF64:
		return funcAddress(math.Acos)
	case HelperATanF64:
		return funcAddress(math.Atan)
	case HelperCeilF64:
		return funcAddress(math.Ceil)
	case HelperFloorF64:
		return funcAddress(math.Floor)
	case HelperExpF64:
		return funcAddress(math.Exp)
	case HelperLogF64:
		return funcAddress(math.Log)
	case HelperPowF64:
		return funcAddress(math.Pow)
	case HelperATan2F64:
		return funcAddress(math.Atan2)
	}
	panic(fmt.Sprintf("BUG: unknown helper kind %d", kind))
}

func funcAddress(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// ToInt32 converts a float64 to int32 with modulo-2^32 wrapping, the
// conversion the int32 coercion sites perform.
func ToInt32(d float64) int32 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	const two32 = 1 << 32
	d = math.Trunc(d)
	d = math.Mod(d, two32)
	if d < 0 {
		d += two32
	}
	if d >= two32/2 {
		d -= two32
	}
	return int32(d)
}

// CoerceToInt32 reinterprets a value slot holding float64 bits as its
// int32 coercion.
func CoerceToInt32(slot *uint64) {
	*slot = uint64(uint32(ToInt32(math.Float64frombits(*slot))))
}

// CoerceToFloat64 reinterprets a value slot holding a zero-extended int32
// as float64 bits.
func CoerceToFloat64(slot *uint64) {
	*slot = math.Float64bits(float64(int32(uint32(*slot))))
}

// CoerceArgs converts host-supplied float64 arguments into the value slots
// the entry trampoline expects. Missing arguments behave as NaN, which the
// int32 coercion turns into zero.
func (e *ExportedFunction) CoerceArgs(args []float64) []uint64 {
	argv := make([]uint64, len(e.argCoercions))
	for i, coercion := range e.argCoercions {
		v := math.NaN()
		if i < len(args) {
			v = args[i]
		}
		switch coercion {
		case CoerceInt32:
			argv[i] = uint64(uint32(ToInt32(v)))
		case CoerceFloat64:
			argv[i] = math.Float64bits(v)
		}
	}
	return argv
}
