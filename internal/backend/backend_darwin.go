//go:build darwin

// The darwin backend bridges to the login keychain via Security.framework.
// It is grounded on the enterprise-certificate-proxy project's Keychain
// bridge: same CFStringRef-keyed algorithm selection, same OSStatus/CFError
// wrapping into Go errors.
package backend

/*
#cgo CFLAGS: -mmacosx-version-min=10.12
#cgo LDFLAGS: -framework CoreFoundation -framework Security

#include <CoreFoundation/CoreFoundation.h>
#include <Security/Security.h>
*/
import "C"

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os/user"
	"path/filepath"
	"unsafe"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/config"
)

// oSStatusError wraps a macOS OSStatus as a Go error, using
// SecCopyErrorMessageString for a human-readable message.
type oSStatusError C.OSStatus

func (e oSStatusError) Error() string {
	s := C.SecCopyErrorMessageString(C.OSStatus(e), nil)
	if s == 0 {
		return fmt.Sprintf("backend: OSStatus %d", int32(e))
	}
	defer C.CFRelease(C.CFTypeRef(s))
	return cfStringToString(s)
}

func cfStringToString(s C.CFStringRef) string {
	if ptr := C.CFStringGetCStringPtr(s, C.kCFStringEncodingUTF8); ptr != nil {
		return C.GoString(ptr)
	}
	length := C.CFStringGetLength(s) + 1
	size := C.CFStringGetMaximumSizeForEncoding(length, C.kCFStringEncodingUTF8)
	buf := (*C.char)(C.malloc(C.size_t(size)))
	defer C.free(unsafe.Pointer(buf))
	if C.CFStringGetCString(s, buf, size, C.kCFStringEncodingUTF8) == 0 {
		return "<unreadable CFString>"
	}
	return C.GoString(buf)
}

// keychainKeyRef wraps a SecKeyRef that must be released exactly once.
type keychainKeyRef struct {
	key        C.SecKeyRef
	fieldBytes int // 0 for RSA keys, curve field width for EC keys
}

func (r *keychainKeyRef) Release() {
	if r.key != 0 {
		C.CFRelease(C.CFTypeRef(r.key))
		r.key = 0
	}
}

// KeychainBackend enumerates identities in the current user's login
// keychain and, if includeSystemKeychain is set, the System keychain too
// (spec's Open Question 1: off by default).
type KeychainBackend struct {
	includeSystemKeychain bool
}

// New returns the backend this platform uses, configured from the
// persisted operator settings (spec's Open Question 1). A settings load
// failure leaves the backend at its conservative default: login keychain
// only.
func New() Backend {
	b := &KeychainBackend{}
	if svc, err := config.NewService(); err == nil {
		b.includeSystemKeychain = svc.Get().IncludeSystemKeychain
	}
	return b
}

func (b *KeychainBackend) Enumerate() ([]CertDescriptor, []KeyDescriptor, error) {
	query := C.CFDictionaryCreateMutable(C.kCFAllocatorDefault, 0, &C.kCFTypeDictionaryKeyCallBacks, &C.kCFTypeDictionaryValueCallBacks)
	defer C.CFRelease(C.CFTypeRef(query))
	C.CFDictionaryAddValue(query, unsafe.Pointer(C.kSecClass), unsafe.Pointer(C.kSecClassIdentity))
	C.CFDictionaryAddValue(query, unsafe.Pointer(C.kSecMatchLimit), unsafe.Pointer(C.kSecMatchLimitAll))
	C.CFDictionaryAddValue(query, unsafe.Pointer(C.kSecReturnRef), unsafe.Pointer(C.kCFBooleanTrue))

	searchList, err := b.searchList()
	if err != nil {
		return nil, nil, err
	}
	defer C.CFRelease(C.CFTypeRef(searchList))
	C.CFDictionaryAddValue(query, unsafe.Pointer(C.kSecMatchSearchList), unsafe.Pointer(searchList))

	var result C.CFTypeRef
	status := C.SecItemCopyMatching(query, &result)
	if status == C.errSecItemNotFound {
		return nil, nil, nil
	}
	if status != C.errSecSuccess {
		return nil, nil, oSStatusError(status)
	}
	defer C.CFRelease(result)

	identities := C.CFArrayRef(result)
	count := int(C.CFArrayGetCount(identities))

	var certs []CertDescriptor
	var keys []KeyDescriptor
	for i := 0; i < count; i++ {
		identity := C.SecIdentityRef(C.CFArrayGetValueAtIndex(identities, C.CFIndex(i)))
		certDesc, keyDesc, ok, err := describeIdentity(identity)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue // unparsable certificate or unrecognized algorithm: skip silently
		}
		certs = append(certs, certDesc)
		keys = append(keys, keyDesc)
	}
	return certs, keys, nil
}

// searchList builds the keychain search list this backend restricts
// SecItemCopyMatching to: the login keychain alone, or the login keychain
// plus the System keychain when includeSystemKeychain is set. It filters
// the user's full keychain search list down to matching paths rather than
// opening the keychains directly, so it only ever sees keychains already on
// the search list.
func (b *KeychainBackend) searchList() (C.CFArrayRef, error) {
	var fullList C.CFArrayRef
	if status := C.SecKeychainCopySearchList(&fullList); status != C.errSecSuccess {
		return 0, oSStatusError(status)
	}
	defer C.CFRelease(C.CFTypeRef(fullList))

	loginPath, err := loginKeychainPath()
	if err != nil {
		return 0, err
	}
	wantPaths := map[string]bool{loginPath: true}
	if b.includeSystemKeychain {
		wantPaths[systemKeychainPath] = true
	}

	filtered := C.CFArrayCreateMutable(C.kCFAllocatorDefault, 0, &C.kCFTypeArrayCallBacks)
	for i := 0; i < int(C.CFArrayGetCount(fullList)); i++ {
		ref := C.CFArrayGetValueAtIndex(fullList, C.CFIndex(i))
		path, err := keychainPath(C.SecKeychainRef(ref))
		if err != nil {
			continue // unreadable path: leave this keychain out of the search
		}
		if wantPaths[path] {
			C.CFArrayAppendValue(filtered, ref)
		}
	}
	return C.CFArrayRef(filtered), nil
}

const systemKeychainPath = "/Library/Keychains/System.keychain"

func loginKeychainPath() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("backend: resolving current user: %w", err)
	}
	return filepath.Join(u.HomeDir, "Library", "Keychains", "login.keychain-db"), nil
}

func keychainPath(ref C.SecKeychainRef) (string, error) {
	var buf [1024]C.char
	length := C.UInt32(len(buf))
	if status := C.SecKeychainGetPath(ref, &length, &buf[0]); status != C.errSecSuccess {
		return "", oSStatusError(status)
	}
	return C.GoStringN(&buf[0], C.int(length)), nil
}

func describeIdentity(identity C.SecIdentityRef) (CertDescriptor, KeyDescriptor, bool, error) {
	var certRef C.SecCertificateRef
	if status := C.SecIdentityCopyCertificate(identity, &certRef); status != C.errSecSuccess {
		return CertDescriptor{}, KeyDescriptor{}, false, oSStatusError(status)
	}
	defer C.CFRelease(C.CFTypeRef(certRef))

	certData := C.SecCertificateCopyData(certRef)
	defer C.CFRelease(C.CFTypeRef(certData))
	raw := C.GoBytes(unsafe.Pointer(C.CFDataGetBytePtr(certData)), C.int(C.CFDataGetLength(certData)))

	parsed, err := x509.ParseCertificate(raw)
	if err != nil {
		return CertDescriptor{}, KeyDescriptor{}, false, nil // skip: unparsable
	}

	var keyRef C.SecKeyRef
	if status := C.SecIdentityCopyPrivateKey(identity, &keyRef); status != C.errSecSuccess {
		return CertDescriptor{}, KeyDescriptor{}, false, oSStatusError(status)
	}

	keyDesc := KeyDescriptor{}
	switch pub := parsed.PublicKey.(type) {
	case *rsa.PublicKey:
		keyDesc.Kind = KeyKindRSA
		keyDesc.PublicKeyInfo = x509.MarshalPKCS1PublicKey(pub)
		keyDesc.Ref = &keychainKeyRef{key: keyRef}
	case *ecdsa.PublicKey:
		params, fieldBytes, err := ecParamsForCurve(pub.Curve)
		if err != nil {
			C.CFRelease(C.CFTypeRef(keyRef))
			return CertDescriptor{}, KeyDescriptor{}, false, nil
		}
		keyDesc.Kind = KeyKindEC
		keyDesc.ECParamsDER = params
		keyDesc.ECFieldSizeBytes = fieldBytes
		keyDesc.Ref = &keychainKeyRef{key: keyRef, fieldBytes: fieldBytes}
	default:
		C.CFRelease(C.CFTypeRef(keyRef))
		return CertDescriptor{}, KeyDescriptor{}, false, nil
	}

	certDesc := CertDescriptor{
		DER:        parsed.Raw,
		IssuerDER:  parsed.RawIssuer,
		SubjectDER: parsed.RawSubject,
		SerialDER:  serialToDER(parsed.SerialNumber.Bytes()),
	}
	return certDesc, keyDesc, true, nil
}

func (b *KeychainBackend) Sign(key KeyRef, mechanism uint, pssParams *pkcs11.PSSParams, data []byte) ([]byte, error) {
	ref, ok := key.(*keychainKeyRef)
	if !ok {
		return nil, fmt.Errorf("backend: key reference from a different backend")
	}

	algorithm, err := secKeyAlgorithm(mechanism, pssParams)
	if err != nil {
		return nil, err
	}

	cfData := bytesToCFData(data)
	defer C.CFRelease(C.CFTypeRef(cfData))

	var cfErr C.CFErrorRef
	sig := C.SecKeyCreateSignature(ref.key, algorithm, C.CFDataRef(cfData), &cfErr)
	if cfErr != 0 {
		defer C.CFRelease(C.CFTypeRef(cfErr))
		msg := C.CFErrorCopyDescription(cfErr)
		defer C.CFRelease(C.CFTypeRef(msg))
		return nil, fmt.Errorf("backend: SecKeyCreateSignature: %s", cfStringToString(msg))
	}
	defer C.CFRelease(C.CFTypeRef(sig))
	raw := C.GoBytes(unsafe.Pointer(C.CFDataGetBytePtr(sig)), C.int(C.CFDataGetLength(sig)))

	if mechanism == pkcs11.CKM_ECDSA {
		// SecKeyCreateSignature always returns ECDSA signatures in DER
		// SEQUENCE{r,s} form; Cryptoki wants raw r||s (spec §4.2, §9).
		return convertDEREcdsaToRaw(raw, ref.fieldBytes)
	}
	return raw, nil
}

func secKeyAlgorithm(mechanism uint, pssParams *pkcs11.PSSParams) (C.SecKeyAlgorithm, error) {
	switch mechanism {
	case pkcs11.CKM_RSA_PKCS:
		// data is already a DigestInfo-wrapped hash; apply PKCS#1 v1.5
		// padding and sign it with no further OS-side hashing or OID
		// insertion.
		return C.kSecKeyAlgorithmRSASignatureDigestPKCS1v15Raw, nil
	case pkcs11.CKM_RSA_PKCS_PSS:
		if pssParams == nil {
			return 0, fmt.Errorf("backend: missing PSS parameters")
		}
		switch pssParams.HashAlg {
		case pkcs11.CKM_SHA256:
			return C.kSecKeyAlgorithmRSASignatureDigestPSSSHA256, nil
		case pkcs11.CKM_SHA384:
			return C.kSecKeyAlgorithmRSASignatureDigestPSSSHA384, nil
		case pkcs11.CKM_SHA512:
			return C.kSecKeyAlgorithmRSASignatureDigestPSSSHA512, nil
		default:
			return 0, fmt.Errorf("backend: unsupported PSS hash algorithm %#x", pssParams.HashAlg)
		}
	case pkcs11.CKM_ECDSA:
		// The host hands the core an already-computed hash, which the core
		// passes through unchanged (spec §4.4); this algorithm signs a
		// pre-computed digest directly.
		return C.kSecKeyAlgorithmECDSASignatureDigestX962, nil
	default:
		return 0, fmt.Errorf("backend: unsupported mechanism %#x", mechanism)
	}
}

func bytesToCFData(b []byte) C.CFDataRef {
	if len(b) == 0 {
		return C.CFDataCreate(C.kCFAllocatorDefault, nil, 0)
	}
	return C.CFDataCreate(C.kCFAllocatorDefault, (*C.UInt8)(unsafe.Pointer(&b[0])), C.CFIndex(len(b)))
}
