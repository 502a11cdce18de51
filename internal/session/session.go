// Package session tracks open sessions and their per-session search and
// sign state. It has no knowledge of locking — the manager proxy serializes
// all access to a Table the same way it serializes access to the object
// store.
package session

import (
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/objectstore"
)

// Handle identifies an open session. Zero is never issued; handles start at
// 1 and are never reused, even across CloseSession.
type Handle = pkcs11.SessionHandle

// search is the state of an active FindObjectsInit/FindObjects/
// FindObjectsFinal cycle: the remaining matching handles, drained
// head-first.
type search struct {
	remaining []objectstore.Handle
}

// sign is the state of an active SignInit/Sign cycle.
type sign struct {
	key       objectstore.Handle
	mechanism uint
	pssParams *pkcs11.PSSParams
}

// session holds one open session's independent search and sign sub-states.
type session struct {
	search *search
	sign   *sign
}

// Table is the set of currently open sessions, keyed by handle.
type Table struct {
	sessions map[Handle]*session
	nextID   uint64
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[Handle]*session), nextID: 1}
}

// OpenSession allocates a new, idle session and returns its handle.
func (t *Table) OpenSession() Handle {
	h := Handle(t.nextID)
	t.nextID++
	t.sessions[h] = &session{}
	return h
}

// CloseSession drops a session and any pending search/sign state. It
// reports false if h is unknown.
func (t *Table) CloseSession(h Handle) bool {
	if _, ok := t.sessions[h]; !ok {
		return false
	}
	delete(t.sessions, h)
	return true
}

// CloseAllSessions drops every open session. It is always successful,
// including when there are no sessions open (idempotent per spec §4.4).
func (t *Table) CloseAllSessions() {
	t.sessions = make(map[Handle]*session)
}

// Exists reports whether h names a currently open session.
func (t *Table) Exists(h Handle) bool {
	_, ok := t.sessions[h]
	return ok
}

// StartSearch computes handles matching template and stores them as h's
// cursor, replacing any cursor already active on h (spec §9 Open Question:
// a fresh start_search supersedes a prior one).
func (t *Table) StartSearch(h Handle, store *objectstore.Store, template []pkcs11.Attribute) error {
	s, ok := t.sessions[h]
	if !ok {
		return fmt.Errorf("session: unknown session %d", h)
	}
	s.search = &search{remaining: store.Find(template)}
	return nil
}

// Search pops up to n handles from h's active cursor. If h has no active
// cursor (no StartSearch, or a prior ClearSearch), it returns zero handles
// rather than an error (spec §4.4 tie-break, scenario F).
func (t *Table) Search(h Handle, n int) ([]objectstore.Handle, error) {
	s, ok := t.sessions[h]
	if !ok {
		return nil, fmt.Errorf("session: unknown session %d", h)
	}
	if s.search == nil {
		return nil, nil
	}
	if n > len(s.search.remaining) {
		n = len(s.search.remaining)
	}
	out := s.search.remaining[:n]
	s.search.remaining = s.search.remaining[n:]
	return out, nil
}

// ClearSearch drops h's cursor if any. It is permissive: an unknown session
// or an absent cursor is not an error (spec §4.4).
func (t *Table) ClearSearch(h Handle) {
	if s, ok := t.sessions[h]; ok {
		s.search = nil
	}
}

// StartSign records the key and mechanism parameters for an upcoming Sign
// call, replacing any sign state already active on h.
func (t *Table) StartSign(h Handle, key objectstore.Handle, mechanism uint, pssParams *pkcs11.PSSParams) error {
	s, ok := t.sessions[h]
	if !ok {
		return fmt.Errorf("session: unknown session %d", h)
	}
	s.sign = &sign{key: key, mechanism: mechanism, pssParams: pssParams}
	return nil
}

// ActiveSign returns h's pending sign state without consuming it, used by
// GetSignatureLength (spec §4.4: length queries must not consume state).
func (t *Table) ActiveSign(h Handle) (key objectstore.Handle, mechanism uint, pssParams *pkcs11.PSSParams, ok bool) {
	s, exists := t.sessions[h]
	if !exists || s.sign == nil {
		return 0, 0, nil, false
	}
	return s.sign.key, s.sign.mechanism, s.sign.pssParams, true
}

// ConsumeSign returns h's pending sign state and clears it, used by Sign
// (single-shot: a second Sign call without an intervening SignInit fails).
func (t *Table) ConsumeSign(h Handle) (key objectstore.Handle, mechanism uint, pssParams *pkcs11.PSSParams, ok bool) {
	key, mechanism, pssParams, ok = t.ActiveSign(h)
	if ok {
		t.sessions[h].sign = nil
	}
	return key, mechanism, pssParams, ok
}
