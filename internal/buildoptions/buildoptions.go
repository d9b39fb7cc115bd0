package buildoptions

// IsDebugMode enables the extra consistency checks that are too expensive
// for release builds, notably re-validating the metadata ordering right
// before a module image is patched. Flip this to true while debugging
// linker or codec changes.
const IsDebugMode = false
