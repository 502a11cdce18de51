//go:build !windows

package attrs

// UintWidth is the width, in bytes, used to encode CK_ULONG-typed attribute
// values (CLASS, KEY_TYPE) on this platform. LP64 Unix (darwin, linux)
// defines unsigned long/CK_ULONG as pointer-width, matching capi.go's own
// CK_ULONG typedef on those targets.
const UintWidth = 8
