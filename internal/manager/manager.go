// Package manager is the single synchronization boundary the Cryptoki shim
// calls into. It owns the object store and the session table and executes
// every operation while holding one mutex, so at most one host thread is
// ever inside the core at a time (spec §4.5, §5).
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/backend"
	"github.com/ferran/osclientcerts/internal/objectstore"
	"github.com/ferran/osclientcerts/internal/session"
)

// ErrManagerPoisoned is returned by every operation once a prior operation
// panicked while holding the lock. The manager does not attempt recovery,
// because its internal invariants may be broken (spec §4.5, §7) — this
// mirrors the poisoned-Mutex behavior of the original Rust implementation.
var ErrManagerPoisoned = errors.New("manager: poisoned by a prior panic")

// ErrUnknownSession is wrapped into every "unknown session" error so callers
// can distinguish a bad session handle from other failure modes (spec §7:
// an unknown session is CKR_ARGUMENTS_BAD, not CKR_DEVICE_ERROR).
var ErrUnknownSession = errors.New("manager: unknown session")

// Manager is the process-singleton core. Construct it with New for tests;
// production code goes through Get, which lazily initializes one shared
// instance the same way the shim's single loaded module instance would.
type Manager struct {
	mu       sync.Mutex
	poisoned bool

	backend  backend.Backend
	store    *objectstore.Store
	sessions *session.Table
	log      *slog.Logger
}

var (
	once     sync.Once
	instance *Manager
)

// Get returns the process-wide Manager, performing lazy one-time
// initialization (including logging setup) on first call (spec §5, §9).
func Get() *Manager {
	once.Do(func() {
		instance = New(backend.New())
	})
	return instance
}

// New constructs a Manager around the given backend. Production code should
// use Get; tests construct their own Manager directly so each test gets an
// isolated backend and session table.
func New(b backend.Backend) *Manager {
	return &Manager{
		backend:  b,
		sessions: session.NewTable(),
		log:      newLogger(),
	}
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if os.Getenv("CRYPTOKI_LOG_JSON") != "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// withLock executes fn under the manager's mutex, converting a recovered
// panic into ErrManagerPoisoned and latching the manager poisoned for every
// subsequent call (spec §4.5: acquisition failure is fatal, no recovery).
func (m *Manager) withLock(op string, fn func() error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.poisoned {
		return ErrManagerPoisoned
	}

	defer func() {
		if r := recover(); r != nil {
			m.poisoned = true
			err = ErrManagerPoisoned
			m.log.Error("manager operation panicked", "op", op, "panic", r)
		}
	}()

	err = fn()
	if err != nil {
		m.log.Warn("manager operation failed", "op", op, "error", err)
	} else {
		m.log.Debug("manager operation succeeded", "op", op)
	}
	return err
}

// ensureStore materializes the object store from the backend on first use,
// and re-materializes it after CloseAllSessions has cleared it (spec §4.4's
// close_all_sessions effect: "on the next enumeration request, re-materialize
// objects"). Must be called with mu held.
func (m *Manager) ensureStore() error {
	if m.store != nil {
		return nil
	}
	certs, keys, err := m.backend.Enumerate()
	if err != nil {
		return fmt.Errorf("manager: enumerating backend: %w", err)
	}
	store, err := objectstore.New(certs, keys)
	if err != nil {
		return fmt.Errorf("manager: building object store: %w", err)
	}
	m.store = store
	return nil
}

// OpenSession allocates a new idle session.
func (m *Manager) OpenSession() (session.Handle, error) {
	var h session.Handle
	err := m.withLock("OpenSession", func() error {
		h = m.sessions.OpenSession()
		return nil
	})
	return h, err
}

// CloseSession drops a session and any pending search/sign state.
func (m *Manager) CloseSession(h session.Handle) error {
	return m.withLock("CloseSession", func() error {
		if !m.sessions.CloseSession(h) {
			return fmt.Errorf("%w: %d", ErrUnknownSession, h)
		}
		return nil
	})
}

// CloseAllSessions drops every open session and forces the object store to
// be rebuilt from the backend on the next search (spec §4.4). It is
// idempotent: calling it with no sessions open is not an error.
func (m *Manager) CloseAllSessions() error {
	return m.withLock("CloseAllSessions", func() error {
		m.sessions.CloseAllSessions()
		m.store = nil
		return nil
	})
}

// StartSearch materializes the object store if needed and begins a new
// search on h, replacing any search already active on it.
func (m *Manager) StartSearch(h session.Handle, template []pkcs11.Attribute) error {
	return m.withLock("StartSearch", func() error {
		if !m.sessions.Exists(h) {
			return fmt.Errorf("%w: %d", ErrUnknownSession, h)
		}
		if err := m.ensureStore(); err != nil {
			return err
		}
		return m.sessions.StartSearch(h, m.store, template)
	})
}

// Search pops up to n handles from h's active search cursor.
func (m *Manager) Search(h session.Handle, n int) ([]objectstore.Handle, error) {
	var out []objectstore.Handle
	err := m.withLock("Search", func() error {
		if !m.sessions.Exists(h) {
			return fmt.Errorf("%w: %d", ErrUnknownSession, h)
		}
		var searchErr error
		out, searchErr = m.sessions.Search(h, n)
		return searchErr
	})
	return out, err
}

// ClearSearch drops h's cursor if any; permissive per spec §4.4.
func (m *Manager) ClearSearch(h session.Handle) error {
	return m.withLock("ClearSearch", func() error {
		m.sessions.ClearSearch(h)
		return nil
	})
}

// GetAttribute returns one attribute's value for an object handle.
func (m *Manager) GetAttribute(obj objectstore.Handle, attrType uint) (objectstore.Value, error) {
	var v objectstore.Value
	err := m.withLock("GetAttribute", func() error {
		if m.store == nil {
			return fmt.Errorf("manager: unknown object %d", obj)
		}
		got, ok := m.store.GetAttribute(obj, attrType)
		if !ok {
			return fmt.Errorf("manager: unknown object %d", obj)
		}
		v = got
		return nil
	})
	return v, err
}

// GetAttributes is the vectorized form of GetAttribute; it fails only if
// obj itself is unknown, not if individual attributes are absent.
func (m *Manager) GetAttributes(obj objectstore.Handle, attrTypes []uint) ([]objectstore.Value, error) {
	var out []objectstore.Value
	err := m.withLock("GetAttributes", func() error {
		if m.store == nil {
			return fmt.Errorf("manager: unknown object %d", obj)
		}
		out = make([]objectstore.Value, len(attrTypes))
		for i, t := range attrTypes {
			v, ok := m.store.GetAttribute(obj, t)
			if !ok {
				return fmt.Errorf("manager: unknown object %d", obj)
			}
			out[i] = v
		}
		return nil
	})
	return out, err
}

// StartSign records the key and mechanism parameters for an upcoming sign,
// validating that keyHandle names a private-key object.
func (m *Manager) StartSign(h session.Handle, keyHandle objectstore.Handle, mechanism uint, pssParams *pkcs11.PSSParams) error {
	return m.withLock("StartSign", func() error {
		if !m.sessions.Exists(h) {
			return fmt.Errorf("%w: %d", ErrUnknownSession, h)
		}
		if m.store == nil {
			return fmt.Errorf("manager: unknown object %d", keyHandle)
		}
		obj, ok := m.store.Get(keyHandle)
		if !ok || obj.Kind != objectstore.KindPrivateKey {
			return fmt.Errorf("manager: handle %d is not a private key", keyHandle)
		}
		return m.sessions.StartSign(h, keyHandle, mechanism, pssParams)
	})
}

// GetSignatureLength returns the byte length Sign will produce, without
// consuming the pending sign state (spec §4.4).
func (m *Manager) GetSignatureLength(h session.Handle, data []byte) (int, error) {
	var length int
	err := m.withLock("GetSignatureLength", func() error {
		keyHandle, _, _, ok := m.sessions.ActiveSign(h)
		if !ok {
			return fmt.Errorf("manager: no active sign operation on session %d", h)
		}
		obj, ok := m.store.Get(keyHandle)
		if !ok {
			return fmt.Errorf("manager: unknown object %d", keyHandle)
		}
		switch {
		case obj.ECFieldSizeBytes > 0:
			length = 2 * obj.ECFieldSizeBytes
		default:
			modulus, ok := obj.Attributes[pkcs11.CKA_MODULUS]
			if !ok || !modulus.Present {
				return fmt.Errorf("manager: key %d has no modulus or curve size", keyHandle)
			}
			length = len(modulus.Bytes)
		}
		return nil
	})
	return length, err
}

// Sign performs the signature, consuming the session's pending sign state
// (single-shot: a second call without an intervening StartSign fails).
func (m *Manager) Sign(h session.Handle, data []byte) ([]byte, error) {
	var sig []byte
	err := m.withLock("Sign", func() error {
		keyHandle, mechanism, pssParams, ok := m.sessions.ConsumeSign(h)
		if !ok {
			return fmt.Errorf("manager: no active sign operation on session %d", h)
		}
		obj, ok := m.store.Get(keyHandle)
		if !ok || obj.KeyRef == nil {
			return fmt.Errorf("manager: unknown key %d", keyHandle)
		}
		produced, err := m.backend.Sign(obj.KeyRef, mechanism, pssParams, data)
		if err != nil {
			return fmt.Errorf("manager: signing: %w", err)
		}
		sig = produced
		return nil
	})
	return sig, err
}
