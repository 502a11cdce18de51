//go:build !darwin && !windows

// This build of the backend has no real OS keystore to bridge to, so it
// reads a single PKCS#12 bundle instead. It exists for local development,
// CI, and this repository's own tests, none of which run on macOS or
// Windows. It is not a supported production backend (see SPEC_FULL.md §4).
package backend

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/miekg/pkcs11"
	"software.sslmate.com/src/go-pkcs12"
)

// StorePathEnv names the environment variable pointing at the PKCS#12 bundle
// this backend enumerates. An empty or unset value means "no certificates".
const StorePathEnv = "OSCLIENTCERTS_DEV_STORE"

// StorePasswordEnv optionally supplies the bundle's password; PKCS#12 files
// exported with an empty password (the common case for test fixtures) need
// nothing set here.
const StorePasswordEnv = "OSCLIENTCERTS_DEV_STORE_PASSWORD"

type devKeyRef struct {
	signer crypto.Signer
}

func (r *devKeyRef) Release() {}

// DevBackend implements Backend by decoding a single PKCS#12 bundle, for
// development and CI environments with no OS certificate store to bridge to.
type DevBackend struct {
	StorePath string
	Password  string
}

// New returns the backend this platform uses. On !darwin,!windows builds
// that is DevBackend, configured from the environment.
func New() Backend {
	return &DevBackend{
		StorePath: os.Getenv(StorePathEnv),
		Password:  os.Getenv(StorePasswordEnv),
	}
}

func (b *DevBackend) Enumerate() ([]CertDescriptor, []KeyDescriptor, error) {
	if b.StorePath == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(b.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("backend: reading dev store: %w", err)
	}
	privateKey, cert, _, err := pkcs12.DecodeChain(data, b.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("backend: decoding dev store: %w", err)
	}
	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("backend: dev store key does not implement crypto.Signer")
	}

	certDesc := CertDescriptor{
		DER:        cert.Raw,
		IssuerDER:  cert.RawIssuer,
		SubjectDER: cert.RawSubject,
		SerialDER:  serialToDER(cert.SerialNumber.Bytes()),
	}

	keyDesc := KeyDescriptor{Ref: &devKeyRef{signer: signer}}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		keyDesc.Kind = KeyKindRSA
		keyDesc.PublicKeyInfo = x509.MarshalPKCS1PublicKey(pub)
	case *ecdsa.PublicKey:
		keyDesc.Kind = KeyKindEC
		params, fieldBytes, err := ecParamsForCurve(pub.Curve)
		if err != nil {
			// Unrecognized curve: skip silently, per spec §4.2.
			return nil, nil, nil
		}
		keyDesc.ECParamsDER = params
		keyDesc.ECFieldSizeBytes = fieldBytes
	default:
		// Unrecognized public-key algorithm: skip silently, per spec §4.2.
		return nil, nil, nil
	}

	return []CertDescriptor{certDesc}, []KeyDescriptor{keyDesc}, nil
}

func (b *DevBackend) Sign(key KeyRef, mechanism uint, pssParams *pkcs11.PSSParams, data []byte) ([]byte, error) {
	ref, ok := key.(*devKeyRef)
	if !ok {
		return nil, fmt.Errorf("backend: key reference from a different backend")
	}

	switch mechanism {
	case pkcs11.CKM_RSA_PKCS:
		priv, ok := ref.signer.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("backend: CKM_RSA_PKCS requires an RSA key")
		}
		// hash=0 tells crypto/rsa that data is already a complete,
		// DigestInfo-prefixed hash, matching what the Cryptoki layer hands
		// us for CKM_RSA_PKCS (spec §4.2).
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), data)
	case pkcs11.CKM_RSA_PKCS_PSS:
		priv, ok := ref.signer.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("backend: CKM_RSA_PKCS_PSS requires an RSA key")
		}
		if pssParams == nil {
			return nil, fmt.Errorf("backend: missing PSS parameters")
		}
		hash, err := hashFromMechanism(pssParams.HashAlg)
		if err != nil {
			return nil, err
		}
		return rsa.SignPSS(rand.Reader, priv, hash, data, &rsa.PSSOptions{
			SaltLength: int(pssParams.SLen),
			Hash:       hash,
		})
	case pkcs11.CKM_ECDSA:
		priv, ok := ref.signer.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("backend: CKM_ECDSA requires an EC key")
		}
		derSig, err := ecdsa.SignASN1(rand.Reader, priv, data)
		if err != nil {
			return nil, err
		}
		fieldBytes := (priv.Curve.Params().BitSize + 7) / 8
		return convertDEREcdsaToRaw(derSig, fieldBytes)
	default:
		return nil, fmt.Errorf("backend: unsupported mechanism %#x", mechanism)
	}
}

func hashFromMechanism(hashAlg uint) (crypto.Hash, error) {
	switch hashAlg {
	case pkcs11.CKM_SHA256:
		return crypto.SHA256, nil
	case pkcs11.CKM_SHA384:
		return crypto.SHA384, nil
	case pkcs11.CKM_SHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("backend: unsupported PSS hash algorithm %#x", hashAlg)
	}
}

