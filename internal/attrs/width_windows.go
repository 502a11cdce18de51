//go:build windows

package attrs

// UintWidth is the width, in bytes, used to encode CK_ULONG-typed attribute
// values (CLASS, KEY_TYPE) on this platform. Windows is LLP64: the C
// compiler that built the consuming host application defines
// CK_ULONG/unsigned long as 4 bytes regardless of pointer width, matching
// capi.go's own CK_ULONG typedef.
const UintWidth = 4
