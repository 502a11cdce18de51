// Package attrs encodes the small set of Cryptoki-typed values (CK_ULONG
// class/type codes, CK_BBOOL flags) that get stored as attribute byte
// strings on synthesized objects. Values are encoded in the host's native
// byte order and at the host's native unsigned-integer width: the module
// never ships an attribute value across a process boundary, so there is no
// wire-format requirement forcing a fixed byte order the way there would be
// for, say, network protocol fields.
package attrs

import (
	"encoding/binary"
	"fmt"
)

// True is the encoded value of CK_TRUE.
var True = SerializeUint(1, UintWidth)

// SerializeUint encodes v into a width-byte buffer in native byte order.
// It panics if v does not fit in width bytes, since that indicates a
// programming error at a call site, not a runtime condition to recover from.
func SerializeUint(v uint64, width int) []byte {
	buf := make([]byte, width)
	switch width {
	case 1:
		if v > 0xff {
			panic(fmt.Sprintf("attrs: value %d does not fit in 1 byte", v))
		}
		buf[0] = byte(v)
	case 2:
		if v > 0xffff {
			panic(fmt.Sprintf("attrs: value %d does not fit in 2 bytes", v))
		}
		binary.NativeEndian.PutUint16(buf, uint16(v))
	case 4:
		if v > 0xffffffff {
			panic(fmt.Sprintf("attrs: value %d does not fit in 4 bytes", v))
		}
		binary.NativeEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.NativeEndian.PutUint64(buf, v)
	default:
		panic(fmt.Sprintf("attrs: unsupported width %d", width))
	}
	return buf
}

// DeserializeUint decodes a buffer produced by SerializeUint, taking the
// width from len(buf). Template matching compares encoded bytes directly
// and does not call it; its callers are tests.
func DeserializeUint(buf []byte) (uint64, error) {
	switch len(buf) {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.NativeEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.NativeEndian.Uint32(buf)), nil
	case 8:
		return binary.NativeEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("attrs: unsupported encoded width %d", len(buf))
	}
}
