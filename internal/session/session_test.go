package session

import (
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/attrs"
	"github.com/ferran/osclientcerts/internal/backend"
	"github.com/ferran/osclientcerts/internal/objectstore"
)

func testStore(t *testing.T) *objectstore.Store {
	t.Helper()
	cert := backend.CertDescriptor{
		DER:       []byte{0x30, 0x03, 0x02, 0x01, 0x01},
		SerialDER: []byte{0x02, 0x01, 0x01},
	}
	key := backend.KeyDescriptor{
		Kind: backend.KeyKindRSA,
		PublicKeyInfo: []byte{
			0x30, 0x09,
			0x02, 0x02, 0x00, 0xab,
			0x02, 0x03, 0x01, 0x00, 0x01,
		},
	}
	store, err := objectstore.New([]backend.CertDescriptor{cert}, []backend.KeyDescriptor{key})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestOpenCloseSession(t *testing.T) {
	table := NewTable()
	h := table.OpenSession()
	if h == 0 {
		t.Fatal("handle 0 is reserved for invalid")
	}
	if !table.Exists(h) {
		t.Fatal("session should exist after OpenSession")
	}
	if !table.CloseSession(h) {
		t.Fatal("CloseSession should succeed on a known handle")
	}
	if table.Exists(h) {
		t.Fatal("session should not exist after CloseSession")
	}
	if table.CloseSession(h) {
		t.Fatal("CloseSession should fail on an already-closed handle")
	}
}

func TestHandlesNeverReused(t *testing.T) {
	table := NewTable()
	first := table.OpenSession()
	table.CloseSession(first)
	second := table.OpenSession()
	if second <= first {
		t.Fatalf("got handle %d after closing %d, want strictly greater", second, first)
	}
}

func TestCloseAllSessionsIsIdempotent(t *testing.T) {
	table := NewTable()
	table.OpenSession()
	table.OpenSession()
	table.CloseAllSessions()
	table.CloseAllSessions()
	if table.Exists(1) || table.Exists(2) {
		t.Fatal("sessions should be gone after CloseAllSessions")
	}
}

func TestFindObjectsWithoutInitReturnsEmpty(t *testing.T) {
	table := NewTable()
	h := table.OpenSession()
	got, err := table.Search(h, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d handles, want 0", len(got))
	}
}

func TestSearchDrainsCursorHeadFirst(t *testing.T) {
	store := testStore(t)
	table := NewTable()
	h := table.OpenSession()

	if err := table.StartSearch(h, store, nil); err != nil {
		t.Fatal(err)
	}

	all := store.Find(nil)
	var drained []objectstore.Handle
	for {
		batch, err := table.Search(h, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		drained = append(drained, batch...)
	}
	if len(drained) != len(all) {
		t.Fatalf("drained %d handles, want %d", len(drained), len(all))
	}
	for i := range all {
		if drained[i] != all[i] {
			t.Fatalf("drained out of order at %d: got %d want %d", i, drained[i], all[i])
		}
	}
}

func TestStartSearchReplacesPriorCursor(t *testing.T) {
	store := testStore(t)
	table := NewTable()
	h := table.OpenSession()

	if err := table.StartSearch(h, store, nil); err != nil {
		t.Fatal(err)
	}
	// Start again before draining; the new cursor should fully replace the old.
	if err := table.StartSearch(h, store, []pkcs11.Attribute{
		{Type: pkcs11.CKA_CLASS, Value: attrs.SerializeUint(pkcs11.CKO_CERTIFICATE, attrs.UintWidth)},
	}); err != nil {
		t.Fatal(err)
	}
	got, err := table.Search(h, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d handles, want 1 certificate", len(got))
	}
}

func TestClearSearchIsPermissive(t *testing.T) {
	table := NewTable()
	table.ClearSearch(999) // unknown session: must not panic or error
	h := table.OpenSession()
	table.ClearSearch(h) // no active search: must not panic or error
}

func TestSignIsSingleShot(t *testing.T) {
	table := NewTable()
	h := table.OpenSession()
	if err := table.StartSign(h, 1, pkcs11.CKM_RSA_PKCS, nil); err != nil {
		t.Fatal(err)
	}

	if _, _, _, ok := table.ActiveSign(h); !ok {
		t.Fatal("ActiveSign should see the pending sign state")
	}
	if _, _, _, ok := table.ActiveSign(h); !ok {
		t.Fatal("ActiveSign must not consume the pending sign state")
	}

	if _, _, _, ok := table.ConsumeSign(h); !ok {
		t.Fatal("ConsumeSign should see the pending sign state")
	}
	if _, _, _, ok := table.ConsumeSign(h); ok {
		t.Fatal("ConsumeSign should not return state a second time")
	}
}
