package nativecode

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToInt32(t *testing.T) {
	for _, tc := range []struct {
		in  float64
		exp int32
	}{
		{in: 0, exp: 0},
		{in: 1.9, exp: 1},
		{in: -1.9, exp: -1},
		{in: math.NaN(), exp: 0},
		{in: math.Inf(1), exp: 0},
		{in: math.Inf(-1), exp: 0},
		{in: 2147483648, exp: -2147483648},
		{in: -2147483649, exp: 2147483647},
		{in: 4294967296, exp: 0},
		{in: 4294967297.5, exp: 1},
	} {
		require.Equal(t, tc.exp, ToInt32(tc.in), "ToInt32(%v)", tc.in)
	}
}

func TestCoerceSlots(t *testing.T) {
	slot := math.Float64bits(-3.7)
	CoerceToInt32(&slot)
	require.Equal(t, uint64(0xfffffffd), slot)

	CoerceToFloat64(&slot)
	require.Equal(t, math.Float64bits(-3), slot)
}

func TestCoerceArgs(t *testing.T) {
	e := &ExportedFunction{argCoercions: []CoercionKind{CoerceInt32, CoerceFloat64, CoerceInt32}}
	argv := e.CoerceArgs([]float64{5.9, 2.5})
	require.Len(t, argv, 3)
	require.Equal(t, uint64(5), argv[0])
	require.Equal(t, math.Float64bits(2.5), argv[1])
	// Missing arguments behave as NaN; its int32 coercion is zero.
	require.Equal(t, uint64(0), argv[2])
}

func TestInterrupt(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.True(t, rt.HandleInterrupt())
	require.NoError(t, rt.TakeTrap())

	stop := false
	rt.SetInterruptCallback(func() bool { return !stop })
	rt.RequestInterrupt()
	require.True(t, rt.HandleInterrupt())

	stop = true
	rt.RequestInterrupt()
	require.False(t, rt.HandleInterrupt())
	require.ErrorIs(t, rt.TakeTrap(), ErrInterrupted)
	require.NoError(t, rt.TakeTrap())
}

func TestInterruptLockAssertion(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.Panics(t, func() { rt.assertInterruptLockHeld() })
	rt.LockInterrupt()
	require.NotPanics(t, func() { rt.assertInterruptLockHeld() })
	rt.UnlockInterrupt()
}

func TestActivationStack(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	require.Nil(t, rt.InnermostActivation())
	m1, m2 := &Module{}, &Module{}
	rt.PushActivation(m1)
	rt.PushActivation(m2)
	require.Same(t, m2, rt.InnermostActivation())
	rt.PopActivation()
	require.Same(t, m1, rt.InnermostActivation())
	rt.PopActivation()
	require.Nil(t, rt.InnermostActivation())
	require.Panics(t, func() { rt.PopActivation() })
}

func TestHelperAddressesDistinct(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)
	defer rt.Close()

	seen := map[uintptr]HelperKind{}
	for kind := HelperKind(0); kind < helperLimit; kind++ {
		addr := rt.addressOf(kind)
		require.NotZero(t, addr, "helper %d", kind)
		prev, dup := seen[addr]
		require.False(t, dup, "helper %d shares an address with %d", kind, prev)
		seen[addr] = kind
	}
}

func TestBuiltinToHelper(t *testing.T) {
	require.Equal(t, HelperModF64, builtinToHelper(BuiltinModF64))
	require.Equal(t, HelperATan2F64, builtinToHelper(BuiltinATan2F64))
	require.Equal(t, int(helperLimit-HelperModF64), int(builtinLimit))
}
