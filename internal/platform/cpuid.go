package platform

// Architecture tags occupy the low archBits of the CPU identifier so two
// machines never share a fingerprint across architectures. Feature flags are
// packed above them, one bit per feature the code generator keys on.
const archBits = 3

const (
	archAmd64 = 2
	archArm64 = 3
)

// CpuID returns the packed architecture+feature identifier used in the
// compilation-cache machine fingerprint, and whether the current
// architecture supports native code at all. A false return disables
// caching rather than failing compilation.
func CpuID() (uint32, bool) {
	return cpuID()
}
