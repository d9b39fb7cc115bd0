package nativecode

// HelperKind identifies one process-wide address the generated code needs at
// static-link time: a runtime field, a runtime entry point, or a math
// builtin. Absolute patch sites are bucketed per kind in StaticLinkData.
type HelperKind uint32

const (
	HelperStackLimit HelperKind = iota
	HelperInterruptFlag
	HelperHandleInterrupt
	HelperReportOverRecursed
	HelperInvokeIgnore
	HelperInvokeToInt32
	HelperInvokeToFloat64
	HelperCoerceToInt32
	HelperCoerceToFloat64
	HelperToInt32

	// The math block. Order must track BuiltinKind.
	HelperModF64
	HelperSinF64
	HelperCosF64
	HelperTanF64
	HelperASinF64
	HelperACosF64
	HelperATanF64
	HelperCeilF64
	HelperFloorF64
	HelperExpF64
	HelperLogF64
	HelperPowF64
	HelperATan2F64

	helperLimit
)

// BuiltinKind identifies a math builtin reachable from generated code. It
// doubles as the index of the builtin's profiling thunk.
type BuiltinKind uint8

const (
	BuiltinModF64 BuiltinKind = iota
	BuiltinSinF64
	BuiltinCosF64
	BuiltinTanF64
	BuiltinASinF64
	BuiltinACosF64
	BuiltinATanF64
	BuiltinCeilF64
	BuiltinFloorF64
	BuiltinExpF64
	BuiltinLogF64
	BuiltinPowF64
	BuiltinATan2F64

	builtinLimit
)

func builtinToHelper(b BuiltinKind) HelperKind {
	return HelperModF64 + HelperKind(b)
}
