package objectstore

import (
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/attrs"
	"github.com/ferran/osclientcerts/internal/backend"
)

func classAttr(class uint64) pkcs11.Attribute {
	return pkcs11.Attribute{Type: pkcs11.CKA_CLASS, Value: attrs.SerializeUint(class, attrs.UintWidth)}
}

func testRSAKey() backend.KeyDescriptor {
	// DER RSAPublicKey{modulus=0x00AB (sign byte stripped on read), exponent=65537}
	publicKeyInfo := []byte{
		0x30, 0x09, // SEQUENCE, 9 bytes
		0x02, 0x02, 0x00, 0xab, // INTEGER modulus
		0x02, 0x03, 0x01, 0x00, 0x01, // INTEGER exponent
	}
	return backend.KeyDescriptor{Kind: backend.KeyKindRSA, PublicKeyInfo: publicKeyInfo}
}

func testCert(serial byte) backend.CertDescriptor {
	return backend.CertDescriptor{
		DER:        []byte{0x30, 0x03, 0x02, 0x01, serial},
		IssuerDER:  []byte("issuer"),
		SubjectDER: []byte("subject"),
		SerialDER:  []byte{0x02, 0x01, serial},
	}
}

func TestNewAssignsDistinctNonZeroHandles(t *testing.T) {
	store, err := New([]backend.CertDescriptor{testCert(1)}, []backend.KeyDescriptor{testRSAKey()})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.order) != 2 {
		t.Fatalf("got %d objects, want 2", len(store.order))
	}
	seen := map[Handle]bool{}
	for _, h := range store.order {
		if h == 0 {
			t.Fatal("handle 0 is reserved for invalid")
		}
		if seen[h] {
			t.Fatalf("handle %d assigned twice", h)
		}
		seen[h] = true
	}
}

func TestFindEmptyTemplateMatchesEverything(t *testing.T) {
	store, err := New([]backend.CertDescriptor{testCert(1)}, []backend.KeyDescriptor{testRSAKey()})
	if err != nil {
		t.Fatal(err)
	}
	got := store.Find(nil)
	if len(got) != 2 {
		t.Fatalf("got %d handles, want 2", len(got))
	}
}

func TestFindByClassFiltersToOneKind(t *testing.T) {
	store, err := New(
		[]backend.CertDescriptor{testCert(1), testCert(2)},
		[]backend.KeyDescriptor{testRSAKey(), testRSAKey()},
	)
	if err != nil {
		t.Fatal(err)
	}

	template := []pkcs11.Attribute{
		classAttr(pkcs11.CKO_PRIVATE_KEY),
	}
	got := store.Find(template)
	if len(got) != 2 {
		t.Fatalf("got %d private keys, want 2", len(got))
	}
	for _, h := range got {
		o, ok := store.Get(h)
		if !ok || o.Kind != KindPrivateKey {
			t.Fatalf("handle %d is not a private key", h)
		}
	}
}

func TestFindByIDPairsCertAndKey(t *testing.T) {
	store, err := New([]backend.CertDescriptor{testCert(7)}, []backend.KeyDescriptor{testRSAKey()})
	if err != nil {
		t.Fatal(err)
	}

	certHandles := store.Find([]pkcs11.Attribute{
		classAttr(pkcs11.CKO_CERTIFICATE),
	})
	if len(certHandles) != 1 {
		t.Fatalf("got %d certificates, want 1", len(certHandles))
	}
	id, ok := store.GetAttribute(certHandles[0], pkcs11.CKA_ID)
	if !ok || !id.Present {
		t.Fatal("certificate missing CKA_ID")
	}

	keyHandles := store.Find([]pkcs11.Attribute{
		classAttr(pkcs11.CKO_PRIVATE_KEY),
		{Type: pkcs11.CKA_ID, Value: id.Bytes},
	})
	if len(keyHandles) != 1 {
		t.Fatalf("got %d keys sharing the certificate's ID, want 1", len(keyHandles))
	}
}

func TestGetAttributeUnknownHandle(t *testing.T) {
	store, err := New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.GetAttribute(999, pkcs11.CKA_ID); ok {
		t.Fatal("expected unknown handle to report ok=false")
	}
}

func TestNewRejectsMismatchedLengths(t *testing.T) {
	_, err := New([]backend.CertDescriptor{testCert(1)}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched certificate/key counts")
	}
}
