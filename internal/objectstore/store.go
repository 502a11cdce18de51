package objectstore

import (
	"fmt"
	"sync/atomic"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/backend"
)

// Store holds every object synthesized from one backend enumeration and
// answers attribute-template searches against them. A Store's objects never
// change once it is built; the manager replaces the whole Store with a fresh
// enumeration after CloseAllSessions. A Store is safe for concurrent read
// access; callers needing exclusive access must serialize externally, which
// is exactly what the manager's single mutex already does.
type Store struct {
	objects map[Handle]Object
	order   []Handle // enumeration order, for deterministic Find results
}

// lastHandle is the most recently issued object handle. It is shared by
// every Store in the process, so a Store rebuilt after CloseAllSessions
// never reissues a handle an earlier Store gave out.
var lastHandle atomic.Uint64

// New builds a Store from one backend enumeration. Certificates whose key
// descriptor can't be turned into a Cryptoki object (e.g. unparsable public
// key material) are skipped; a certificate/key count mismatch fails the
// whole build.
func New(certs []backend.CertDescriptor, keys []backend.KeyDescriptor) (*Store, error) {
	if len(certs) != len(keys) {
		return nil, fmt.Errorf("objectstore: %d certificates but %d keys", len(certs), len(keys))
	}

	s := &Store{objects: make(map[Handle]Object)}
	for i := range certs {
		certObj, keyObj, err := FromCertificate(certs[i], keys[i])
		if err != nil {
			continue // unusable certificate: skip it
		}
		s.add(certObj)
		s.add(keyObj)
	}
	return s, nil
}

// add assigns the next handle and appends the object. Handle 0 is reserved
// as invalid, so the first handle issued is 1 and none is ever reused.
func (s *Store) add(o Object) Handle {
	h := Handle(lastHandle.Add(1))
	s.objects[h] = o
	s.order = append(s.order, h)
	return h
}

// Get returns the object for a handle, or false if the handle is unknown
// (spec §4.3: a stale or fabricated handle becomes an error returned by the
// manager, not a panic here).
func (s *Store) Get(h Handle) (Object, bool) {
	o, ok := s.objects[h]
	return o, ok
}

// GetAttribute reports whether attribute is present on the object and its
// bytes if so. It does not distinguish "unknown attribute type" from
// "attribute not set on this object kind" — both report Present=false,
// matching CK_UNAVAILABLE_INFORMATION semantics at the session layer.
func (s *Store) GetAttribute(h Handle, attrType uint) (Value, bool) {
	o, ok := s.objects[h]
	if !ok {
		return Value{}, false
	}
	return o.Attributes[attrType], true
}

// Matches reports whether every attribute in template equals the
// corresponding attribute on the object. An attribute absent from the
// object never matches a template entry, even a zero-length one.
func Matches(o Object, template []pkcs11.Attribute) bool {
	for _, want := range template {
		got, ok := o.Attributes[uint(want.Type)]
		if !ok || !got.Present {
			return false
		}
		if !bytesEqual(got.Bytes, want.Value) {
			return false
		}
	}
	return true
}

// Find returns, in enumeration order, the handles of every object matching
// template. An empty template matches every object (spec §4.3).
func (s *Store) Find(template []pkcs11.Attribute) []Handle {
	var out []Handle
	for _, h := range s.order {
		if Matches(s.objects[h], template) {
			out = append(out, h)
		}
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
