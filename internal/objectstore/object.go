// Package objectstore owns every Cryptoki object synthesized from the OS
// certificate store and answers attribute-template searches against them.
package objectstore

import (
	"crypto/sha256"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/attrs"
	"github.com/ferran/osclientcerts/internal/backend"
	"github.com/ferran/osclientcerts/internal/der"
)

// Handle is an opaque, monotonically increasing object identifier. Zero is
// reserved to mean "invalid"; handles are never reused within a process
// lifetime.
type Handle = pkcs11.ObjectHandle

// Kind distinguishes the two object variants this module ever synthesizes.
type Kind int

const (
	KindCertificate Kind = iota
	KindPrivateKey
)

// Object is a Cryptoki object: a certificate or a private key, represented
// purely as a bag of pre-encoded attribute byte strings. Template matching
// never has to know which variant it's looking at — it just compares bytes.
type Object struct {
	Kind       Kind
	Attributes map[uint]Value

	// KeyRef is the backend's opaque reference to the OS-managed private
	// key. It is nil for certificate objects and non-nil for private-key
	// objects; only the session/manager layer's Sign path reads it.
	KeyRef backend.KeyRef

	// ECFieldSizeBytes sizes the raw r||s output of an ECDSA signature over
	// this key. Zero for RSA keys and for certificate objects.
	ECFieldSizeBytes int
}

// Value distinguishes "attribute present with this byte string" from
// "attribute not present on this object", since the latter is a legal,
// non-error outcome for both GetAttributeValue and template matching.
type Value struct {
	Present bool
	Bytes   []byte
}

func present(b []byte) Value { return Value{Present: true, Bytes: b} }

// FromCertificate builds the Certificate/PrivateKey object pair for one
// usable certificate and its associated OS-managed private key. The two
// objects share ID = SHA-256(cert.DER), which is how a host pairs them.
func FromCertificate(cert backend.CertDescriptor, key backend.KeyDescriptor) (Object, Object, error) {
	id := sha256.Sum256(cert.DER)

	certAttrs := map[uint]Value{
		pkcs11.CKA_CLASS:         present(attrs.SerializeUint(uint64(pkcs11.CKO_CERTIFICATE), attrs.UintWidth)),
		pkcs11.CKA_TOKEN:         present(attrs.True),
		pkcs11.CKA_ID:            present(id[:]),
		pkcs11.CKA_LABEL:         present(labelPlaceholder(id[:])),
		pkcs11.CKA_VALUE:         present(cert.DER),
		pkcs11.CKA_ISSUER:        present(cert.IssuerDER),
		pkcs11.CKA_SERIAL_NUMBER: present(cert.SerialDER),
		pkcs11.CKA_SUBJECT:       present(cert.SubjectDER),
	}
	certificate := Object{Kind: KindCertificate, Attributes: certAttrs}

	keyAttrs := map[uint]Value{
		pkcs11.CKA_CLASS:   present(attrs.SerializeUint(uint64(pkcs11.CKO_PRIVATE_KEY), attrs.UintWidth)),
		pkcs11.CKA_TOKEN:   present(attrs.True),
		pkcs11.CKA_PRIVATE: present(attrs.True),
		pkcs11.CKA_ID:      present(id[:]),
	}
	switch key.Kind {
	case backend.KeyKindRSA:
		keyAttrs[pkcs11.CKA_KEY_TYPE] = present(attrs.SerializeUint(uint64(pkcs11.CKK_RSA), attrs.UintWidth))
		modulus, err := der.ReadRSAModulus(key.PublicKeyInfo)
		if err != nil {
			return Object{}, Object{}, fmt.Errorf("objectstore: parsing RSA public key: %w", err)
		}
		keyAttrs[pkcs11.CKA_MODULUS] = present(modulus)
	case backend.KeyKindEC:
		keyAttrs[pkcs11.CKA_KEY_TYPE] = present(attrs.SerializeUint(uint64(pkcs11.CKK_EC), attrs.UintWidth))
		keyAttrs[pkcs11.CKA_EC_PARAMS] = present(key.ECParamsDER)
	default:
		return Object{}, Object{}, fmt.Errorf("objectstore: unrecognized key algorithm")
	}
	privateKey := Object{
		Kind:             KindPrivateKey,
		Attributes:       keyAttrs,
		KeyRef:           key.Ref,
		ECFieldSizeBytes: key.ECFieldSizeBytes,
	}

	return certificate, privateKey, nil
}

// labelPlaceholder is the LABEL value used until a product-quality
// implementation reads the certificate's OS-level friendly name (see
// SPEC_FULL.md Open Question 2). It's the hex encoding of the object ID.
func labelPlaceholder(id []byte) []byte {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return out
}
