// Package nativecode manages the lifetime of a native-code module produced
// by the validated-subset compiler: it owns the executable region the
// generated code runs from, the metadata needed to locate and patch that
// code, the static and dynamic linking passes that bind position-independent
// code to this process and to a heap buffer, a bit-exact serialization used
// by the compilation cache, and the live patching that toggles profiling
// instrumentation.
//
// The compiler front end is an external collaborator: it hands over a
// GeneratedCode value exactly once, at Finish time, and is never consulted
// again. The host VM is likewise external and interacts only through
// exported-function entry points and the exit-call ABI on Runtime.
package nativecode
