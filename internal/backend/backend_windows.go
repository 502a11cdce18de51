//go:build windows

// The windows backend bridges to the current user's "My" certificate store
// via CryptoAPI/CNG. It is grounded on certstore's windows identity
// enumeration and signing code, and on backend_windows.rs from the original
// implementation this module reimplements (same store name, same
// CRYPT_ACQUIRE_ALLOW_NCRYPT_KEY_FLAG preference, same raw r||s output for
// ECDSA since CNG never produces DER here).
package backend

/*
#cgo LDFLAGS: -lcrypt32 -lncrypt -lbcrypt

#include <windows.h>
#include <wincrypt.h>
#include <ncrypt.h>
#include <bcrypt.h>
*/
import "C"

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"unsafe"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/config"
)

// winAPIFlag mirrors CRYPT_ACQUIRE_ALLOW_NCRYPT_KEY_FLAG: prefer CryptoAPI
// providers but fall back to CNG key storage providers. Smart-card and
// modern software CSPs overwhelmingly register as CNG providers.
const winAPIFlag = C.CRYPT_ACQUIRE_ALLOW_NCRYPT_KEY_FLAG

type lastError struct {
	op   string
	code uint32
}

func (e *lastError) Error() string { return fmt.Sprintf("backend: %s failed: error %#x", e.op, e.code) }

func winError(op string) error { return &lastError{op: op, code: uint32(C.GetLastError())} }

// cngKeyRef wraps an NCRYPT_KEY_HANDLE that must be freed exactly once.
type cngKeyRef struct {
	handle     C.NCRYPT_KEY_HANDLE
	fieldBytes int // non-zero for EC keys
}

func (r *cngKeyRef) Release() {
	if r.handle != 0 {
		C.NCryptFreeObject(C.NCRYPT_HANDLE(r.handle))
		r.handle = 0
	}
}

// StoreBackend enumerates the current user's "My" certificate store and,
// if includeMachineStore is set, the machine-wide "My" store too (Open
// Question 1: machine store is off by default).
type StoreBackend struct {
	includeMachineStore bool
}

// New returns the backend this platform uses, configured from the
// persisted operator settings (spec's Open Question 1). A settings load
// failure leaves the backend at its conservative default: per-user store
// only.
func New() Backend {
	b := &StoreBackend{}
	if svc, err := config.NewService(); err == nil {
		b.includeMachineStore = svc.Get().IncludeMachineStore
	}
	return b
}

func (b *StoreBackend) Enumerate() ([]CertDescriptor, []KeyDescriptor, error) {
	certs, keys, err := enumerateStoreLocation(C.CERT_SYSTEM_STORE_CURRENT_USER)
	if err != nil {
		return nil, nil, err
	}
	if b.includeMachineStore {
		machineCerts, machineKeys, err := enumerateStoreLocation(C.CERT_SYSTEM_STORE_LOCAL_MACHINE)
		if err != nil {
			return nil, nil, err
		}
		certs = append(certs, machineCerts...)
		keys = append(keys, machineKeys...)
	}
	return certs, keys, nil
}

func enumerateStoreLocation(location C.DWORD) ([]CertDescriptor, []KeyDescriptor, error) {
	storeName := C.CString("MY")
	defer C.free(unsafe.Pointer(storeName))

	store := C.CertOpenStore(
		C.LPCSTR(C.CERT_STORE_PROV_SYSTEM_A),
		0, 0,
		location|C.CERT_STORE_READONLY_FLAG,
		unsafe.Pointer(storeName),
	)
	if store == nil {
		return nil, nil, winError("CertOpenStore")
	}
	defer C.CertCloseStore(store, 0)

	var certs []CertDescriptor
	var keys []KeyDescriptor

	var ctx C.PCCERT_CONTEXT
	for {
		ctx = C.CertFindCertificateInStore(store, C.X509_ASN_ENCODING|C.PKCS_7_ASN_ENCODING, 0, C.CERT_FIND_ANY, nil, ctx)
		if ctx == nil {
			break // CRYPT_E_NOT_FOUND ends iteration; any other code we can't distinguish here, so stop quietly
		}

		certDesc, keyDesc, ok, err := describeCertContext(ctx)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			certs = append(certs, certDesc)
			keys = append(keys, keyDesc)
		}
	}

	return certs, keys, nil
}

func describeCertContext(ctx C.PCCERT_CONTEXT) (CertDescriptor, KeyDescriptor, bool, error) {
	der := C.GoBytes(unsafe.Pointer(ctx.pbCertEncoded), C.int(ctx.cbCertEncoded))
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return CertDescriptor{}, KeyDescriptor{}, false, nil // skip: unparsable
	}

	var (
		keyHandle C.NCRYPT_KEY_HANDLE
		keySpec   C.DWORD
		mustFree  C.WINBOOL
	)
	ok := C.CryptAcquireCertificatePrivateKey(ctx, C.DWORD(winAPIFlag), nil, &keyHandle, &keySpec, &mustFree)
	if ok == 0 {
		return CertDescriptor{}, KeyDescriptor{}, false, nil // no private key for this cert: not ours to expose
	}
	if keySpec != C.CERT_NCRYPT_KEY_SPEC || mustFree == 0 {
		// Legacy CryptoAPI (CAPI) key containers aren't wired into the
		// signing path; only CNG is supported (spec §4.2).
		if keyHandle != 0 {
			C.NCryptFreeObject(C.NCRYPT_HANDLE(keyHandle))
		}
		return CertDescriptor{}, KeyDescriptor{}, false, nil
	}

	keyDesc := KeyDescriptor{}
	switch pub := parsed.PublicKey.(type) {
	case *rsa.PublicKey:
		keyDesc.Kind = KeyKindRSA
		keyDesc.PublicKeyInfo = x509.MarshalPKCS1PublicKey(pub)
		keyDesc.Ref = &cngKeyRef{handle: keyHandle}
	case *ecdsa.PublicKey:
		params, fieldBytes, err := ecParamsForCurve(pub.Curve)
		if err != nil {
			C.NCryptFreeObject(C.NCRYPT_HANDLE(keyHandle))
			return CertDescriptor{}, KeyDescriptor{}, false, nil
		}
		keyDesc.Kind = KeyKindEC
		keyDesc.ECParamsDER = params
		keyDesc.ECFieldSizeBytes = fieldBytes
		keyDesc.Ref = &cngKeyRef{handle: keyHandle, fieldBytes: fieldBytes}
	default:
		C.NCryptFreeObject(C.NCRYPT_HANDLE(keyHandle))
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

func (b *StoreBackend) Sign(key KeyRef, mechanism uint, pssParams *pkcs11.PSSParams, data []byte) ([]byte, error) {
	ref, ok := key.(*cngKeyRef)
	if !ok {
		return nil, fmt.Errorf("backend: key reference from a different backend")
	}

	var (
		padInfo unsafe.Pointer
		flags   C.DWORD
	)

	switch mechanism {
	case pkcs11.CKM_RSA_PKCS:
		// data is already a DigestInfo-wrapped hash; BCRYPT_PAD_PKCS1 with a
		// nil algorithm id tells CNG to pad and sign the bytes as given,
		// without re-prefixing a hash OID of its own.
		flags = C.BCRYPT_PAD_PKCS1
		info := C.BCRYPT_PKCS1_PADDING_INFO{pszAlgId: nil}
		padInfo = unsafe.Pointer(&info)
	case pkcs11.CKM_RSA_PKCS_PSS:
		if pssParams == nil {
			return nil, fmt.Errorf("backend: missing PSS parameters")
		}
		flags = C.BCRYPT_PAD_PSS
		info := C.BCRYPT_PSS_PADDING_INFO{cbSalt: C.ULONG(pssParams.SLen)}
		padInfo = unsafe.Pointer(&info)
	case pkcs11.CKM_ECDSA:
		// no padding struct for ECDSA
	default:
		return nil, fmt.Errorf("backend: unsupported mechanism %#x", mechanism)
	}

	var digestPtr *C.BYTE
	if len(data) > 0 {
		digestPtr = (*C.BYTE)(unsafe.Pointer(&data[0]))
	}
	digestLen := C.DWORD(len(data))

	var sigLen C.DWORD
	status := C.NCryptSignHash(ref.handle, padInfo, digestPtr, digestLen, nil, 0, &sigLen, flags)
	if status != 0 {
		return nil, fmt.Errorf("backend: NCryptSignHash (length query): status %#x", uint32(status))
	}

	sig := make([]byte, sigLen)
	sigPtr := (*C.BYTE)(unsafe.Pointer(&sig[0]))
	status = C.NCryptSignHash(ref.handle, padInfo, digestPtr, digestLen, sigPtr, sigLen, &sigLen, flags)
	if status != 0 {
		return nil, fmt.Errorf("backend: NCryptSignHash: status %#x", uint32(status))
	}
	sig = sig[:sigLen]

	// CNG already returns ECDSA signatures as raw r||s; unlike the darwin
	// backend, no DER-to-raw conversion is needed here (spec §4.2, §9).
	return sig, nil
}
