// Package backend defines the contract between the Cryptoki core and the
// OS-specific certificate/key stores it bridges to. Exactly one
// implementation is compiled in per build, selected by Go build tags, so
// there is no runtime dispatch over backend kind.
package backend

import (
	"crypto/elliptic"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/der"
)

// KeyKind identifies which public-key algorithm a private key uses. Only
// RSA and NIST-curve EC are recognized; anything else causes the
// certificate to be skipped during enumeration (spec §4.2).
type KeyKind int

const (
	KeyKindRSA KeyKind = iota
	KeyKindEC
)

// CertDescriptor carries everything the object store needs to synthesize a
// CKO_CERTIFICATE object, pre-extracted so the store never has to reparse
// X.509 DER itself.
type CertDescriptor struct {
	DER        []byte
	IssuerDER  []byte
	SubjectDER []byte
	SerialDER  []byte // DER INTEGER bytes, as they'd appear in the certificate's TBSCertificate
}

// KeyDescriptor carries everything the object store needs to synthesize a
// CKO_PRIVATE_KEY object and later ask the backend to sign with it.
type KeyDescriptor struct {
	Kind KeyKind

	// PublicKeyInfo is the DER RSAPublicKey (modulus + exponent) when Kind
	// is KeyKindRSA; nil otherwise.
	PublicKeyInfo []byte

	// ECParamsDER is the DER-encoded curve OID when Kind is KeyKindEC; nil
	// otherwise.
	ECParamsDER []byte

	// ECFieldSizeBytes is the EC field element width (32 for P-256, 48 for
	// P-384, 66 for P-521); used to size raw r||s output. Zero for RSA.
	ECFieldSizeBytes int

	// Ref is an opaque, backend-specific reference to the OS key object
	// (e.g. a SecKeyRef or an NCRYPT_KEY_HANDLE wrapper). Only the backend
	// that produced it may dereference it; the core treats it as opaque.
	Ref KeyRef
}

// KeyRef is implemented by each backend's private-key reference type.
type KeyRef interface {
	// Release gives up the backend's hold on the OS key handle. It must be
	// safe to call exactly once per KeyDescriptor, on every exit path.
	Release()
}

// Backend is the contract an OS-specific certificate store bridge
// implements.
type Backend interface {
	// Enumerate returns one CertDescriptor/KeyDescriptor pair for every
	// certificate that has an associated private key accessible to the
	// current user and a recognized public-key algorithm. Certificates
	// whose SPKI cannot be parsed are skipped silently.
	Enumerate() ([]CertDescriptor, []KeyDescriptor, error)

	// Sign produces a signature over data using the OS-managed private key
	// referenced by key, per the given mechanism. For CKM_RSA_PKCS, data is
	// already a DigestInfo-wrapped hash. For CKM_RSA_PKCS_PSS, pssParams
	// describes the padding; data is the raw hash. For CKM_ECDSA, data is
	// the raw hash and the return value is always raw r||s, zero-padded to
	// 2*ECFieldSizeBytes regardless of what the OS primitive natively
	// produces.
	Sign(key KeyRef, mechanism uint, pssParams *pkcs11.PSSParams, data []byte) ([]byte, error)
}

// convertDEREcdsaToRaw converts an OS-produced DER SEQUENCE{r,s} ECDSA
// signature into the raw, zero-padded r||s form Cryptoki requires (spec
// §4.2, §6, §9). fieldBytes is the curve's field element width.
func convertDEREcdsaToRaw(derSig []byte, fieldBytes int) ([]byte, error) {
	r, s, err := der.ReadECSigPoint(derSig)
	if err != nil {
		return nil, fmt.Errorf("backend: decoding ECDSA signature: %w", err)
	}
	out := make([]byte, 2*fieldBytes)
	if err := padInto(out[:fieldBytes], r); err != nil {
		return nil, err
	}
	if err := padInto(out[fieldBytes:], s); err != nil {
		return nil, err
	}
	return out, nil
}

func padInto(dst, src []byte) error {
	if len(src) > len(dst) {
		return fmt.Errorf("backend: ECDSA component %d bytes does not fit in %d-byte field", len(src), len(dst))
	}
	copy(dst[len(dst)-len(src):], src)
	return nil
}

// serialToDER hand-encodes a DER INTEGER around serial, which every backend
// derives from an *x509.Certificate's SerialNumber.Bytes() and needs in the
// same TBSCertificate-compatible form as CKA_SERIAL_NUMBER.
func serialToDER(serial []byte) []byte {
	if len(serial) == 0 {
		serial = []byte{0}
	}
	out := serial
	if out[0]&0x80 != 0 {
		out = append([]byte{0x00}, out...)
	}
	return append([]byte{0x02, byte(len(out))}, out...)
}

// ecParamsForCurve returns the DER-encoded curve OID (for CKA_EC_PARAMS) and
// field element width (for sizing raw r||s signatures) of the NIST curves
// this module recognizes.
func ecParamsForCurve(curve elliptic.Curve) (der []byte, fieldBytes int, err error) {
	switch curve.Params().Name {
	case "P-256":
		return oidP256, 32, nil
	case "P-384":
		return oidP384, 48, nil
	case "P-521":
		return oidP521, 66, nil
	default:
		return nil, 0, fmt.Errorf("backend: unsupported curve %s", curve.Params().Name)
	}
}

// DER-encoded OBJECT IDENTIFIER values for the NIST curves this module
// recognizes, used verbatim as CKA_EC_PARAMS.
var (
	oidP256 = []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}
	oidP384 = []byte{0x06, 0x05, 0x2b, 0x81, 0x04, 0x00, 0x22}
	oidP521 = []byte{0x06, 0x05, 0x2b, 0x81, 0x04, 0x00, 0x23}
)
