package nativecode

import "github.com/nitrojs/nitro/internal/platform"

// Code protection makes the function-body pages inaccessible so that any
// thread still executing them takes a fault the interrupt machinery
// intercepts. Only the page-aligned function prefix is covered; stubs and
// global data stay accessible. All three operations require the runtime's
// interrupt lock so the protected flag and the page permissions cannot be
// observed out of sync.

func (m *Module) ProtectCode(rt *Runtime) {
	rt.assertInterruptLockHeld()
	if !m.dynamicallyLinked {
		panic("BUG: protecting code before dynamic link")
	}
	m.codeIsProtected = true
	if m.pod.functionBytes == 0 {
		return
	}
	platform.MprotectCodeSegment(m.mem[:m.pod.functionBytes], platform.NoAccess)
}

func (m *Module) UnprotectCode(rt *Runtime) {
	rt.assertInterruptLockHeld()
	if !m.dynamicallyLinked {
		panic("BUG: unprotecting code before dynamic link")
	}
	m.codeIsProtected = false
	if m.pod.functionBytes == 0 {
		return
	}
	platform.MprotectCodeSegment(m.mem[:m.pod.functionBytes], platform.ReadWriteExec)
}

func (m *Module) CodeIsProtected(rt *Runtime) bool {
	rt.assertInterruptLockHeld()
	if !m.dynamicallyLinked {
		panic("BUG: querying code protection before dynamic link")
	}
	return m.codeIsProtected
}

// withUnprotectedCode runs f with the interrupt lock held and the code
// pages guaranteed writable, restoring protection afterwards if it was in
// effect.
func (m *Module) withUnprotectedCode(rt *Runtime, f func()) {
	rt.LockInterrupt()
	defer rt.UnlockInterrupt()

	reprotect := m.dynamicallyLinked && m.CodeIsProtected(rt)
	if reprotect {
		m.UnprotectCode(rt)
		defer m.ProtectCode(rt)
	}
	f()
}
