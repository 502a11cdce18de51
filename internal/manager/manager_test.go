package manager

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/attrs"
	"github.com/ferran/osclientcerts/internal/backend"
)

func classAttr(class uint64) pkcs11.Attribute {
	return pkcs11.Attribute{Type: pkcs11.CKA_CLASS, Value: attrs.SerializeUint(class, attrs.UintWidth)}
}

func idAttr(id []byte) pkcs11.Attribute {
	return pkcs11.Attribute{Type: pkcs11.CKA_ID, Value: id}
}

// fakeKeyRef satisfies backend.KeyRef for tests without touching any OS
// keystore.
type fakeKeyRef struct {
	rsaKey *rsa.PrivateKey
	ecKey  *ecdsa.PrivateKey
}

func (*fakeKeyRef) Release() {}

// fakeBackend enumerates a fixed set of descriptors built in memory,
// standing in for backend_dev.go in tests that must not depend on a build
// tag or an on-disk PKCS#12 fixture.
type fakeBackend struct {
	certs []backend.CertDescriptor
	keys  []backend.KeyDescriptor
}

func (b *fakeBackend) Enumerate() ([]backend.CertDescriptor, []backend.KeyDescriptor, error) {
	return b.certs, b.keys, nil
}

func (b *fakeBackend) Sign(key backend.KeyRef, mechanism uint, pssParams *pkcs11.PSSParams, data []byte) ([]byte, error) {
	ref := key.(*fakeKeyRef)
	switch mechanism {
	case pkcs11.CKM_RSA_PKCS:
		return rsa.SignPKCS1v15(rand.Reader, ref.rsaKey, 0, data)
	case pkcs11.CKM_ECDSA:
		r, s, err := ecdsa.Sign(rand.Reader, ref.ecKey, data)
		if err != nil {
			return nil, err
		}
		fieldBytes := (ref.ecKey.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*fieldBytes)
		rb, sb := r.Bytes(), s.Bytes()
		copy(out[fieldBytes-len(rb):fieldBytes], rb)
		copy(out[2*fieldBytes-len(sb):], sb)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported mechanism %#x", mechanism)
	}
}

func newTestManagerRSA(t *testing.T) (*Manager, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	certDesc := backend.CertDescriptor{
		DER:        cert.Raw,
		IssuerDER:  cert.RawIssuer,
		SubjectDER: cert.RawSubject,
		SerialDER:  []byte{0x02, 0x01, 0x01},
	}
	keyDesc := backend.KeyDescriptor{
		Kind:          backend.KeyKindRSA,
		PublicKeyInfo: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
		Ref:           &fakeKeyRef{rsaKey: priv},
	}

	m := New(&fakeBackend{
		certs: []backend.CertDescriptor{certDesc},
		keys:  []backend.KeyDescriptor{keyDesc},
	})
	return m, cert.Raw
}

func TestFindCertificateThenMatchingPrivateKey(t *testing.T) {
	m, certDER := newTestManagerRSA(t)
	id := sha256.Sum256(certDER)

	sess, err := m.OpenSession()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.StartSearch(sess, []pkcs11.Attribute{
		classAttr(pkcs11.CKO_CERTIFICATE),
		idAttr(id[:]),
	}); err != nil {
		t.Fatal(err)
	}
	certHandles, err := m.Search(sess, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(certHandles) != 1 {
		t.Fatalf("got %d certificate handles, want 1", len(certHandles))
	}

	value, err := m.GetAttribute(certHandles[0], pkcs11.CKA_VALUE)
	if err != nil {
		t.Fatal(err)
	}
	if string(value.Bytes) != string(certDER) {
		t.Fatal("CKA_VALUE does not match original certificate DER")
	}

	if err := m.ClearSearch(sess); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSearch(sess, []pkcs11.Attribute{
		classAttr(pkcs11.CKO_PRIVATE_KEY),
		idAttr(id[:]),
	}); err != nil {
		t.Fatal(err)
	}
	keyHandles, err := m.Search(sess, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keyHandles) != 1 {
		t.Fatalf("got %d private key handles, want 1", len(keyHandles))
	}
}

func TestSignEndToEnd(t *testing.T) {
	m, certDER := newTestManagerRSA(t)
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatal(err)
	}
	id := sha256.Sum256(certDER)

	sess, err := m.OpenSession()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.StartSearch(sess, []pkcs11.Attribute{
		classAttr(pkcs11.CKO_PRIVATE_KEY),
		idAttr(id[:]),
	}); err != nil {
		t.Fatal(err)
	}
	keyHandles, err := m.Search(sess, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keyHandles) != 1 {
		t.Fatalf("got %d key handles, want 1", len(keyHandles))
	}

	hashed := sha256.Sum256([]byte("message"))
	digestInfo, err := asn1SHA256DigestInfo(hashed[:])
	if err != nil {
		t.Fatal(err)
	}

	if err := m.StartSign(sess, keyHandles[0], pkcs11.CKM_RSA_PKCS, nil); err != nil {
		t.Fatal(err)
	}
	length, err := m.GetSignatureLength(sess, digestInfo)
	if err != nil {
		t.Fatal(err)
	}
	rsaPub := cert.PublicKey.(*rsa.PublicKey)
	if length != rsaPub.Size() {
		t.Fatalf("got signature length %d, want %d", length, rsaPub.Size())
	}

	sig, err := m.Sign(sess, digestInfo)
	if err != nil {
		t.Fatal(err)
	}
	if err := rsa.VerifyPKCS1v15(rsaPub, 0, digestInfo, sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	// Single-shot: a second Sign without an intervening StartSign must fail.
	if _, err := m.Sign(sess, digestInfo); err == nil {
		t.Fatal("expected error signing twice without StartSign")
	}
}

func TestFindObjectsWithoutInitReturnsEmpty(t *testing.T) {
	m, _ := newTestManagerRSA(t)
	sess, err := m.OpenSession()
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Search(sess, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d handles, want 0", len(got))
	}
}

func TestConcurrentSessionsDoNotRace(t *testing.T) {
	m, _ := newTestManagerRSA(t)

	const workers = 8
	deadline := time.Now().Add(200 * time.Millisecond)
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				sess, err := m.OpenSession()
				if err != nil {
					errs <- err
					return
				}
				if err := m.StartSearch(sess, nil); err != nil {
					errs <- err
					return
				}
				if _, err := m.Search(sess, 10); err != nil {
					errs <- err
					return
				}
				if err := m.CloseSession(sess); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

// asn1SHA256DigestInfo wraps a SHA-256 hash in the DigestInfo structure
// PKCS#1 v1.5 signing expects.
func asn1SHA256DigestInfo(hash []byte) ([]byte, error) {
	type algorithmIdentifier struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue `asn1:"optional"`
	}
	type digestInfo struct {
		Algorithm algorithmIdentifier
		Digest    []byte
	}
	sha256OID := asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	return asn1.Marshal(digestInfo{
		Algorithm: algorithmIdentifier{
			Algorithm:  sha256OID,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
		Digest: hash,
	})
}
