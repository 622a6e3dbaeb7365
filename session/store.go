package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrIncompletePair is returned when a pair without both tokens is installed.
	ErrIncompletePair = errors.New("credential pair incomplete")
	// ErrNoSession is returned when an update targets an absent session.
	ErrNoSession = errors.New("no active session")
	// ErrStaleGeneration is returned when an update was computed for a session
	// that has since been terminated or replaced.
	ErrStaleGeneration = errors.New("stale session generation")
)

// Store holds the current credential pair.
//
// Readers never lock: they load an immutable [Snapshot] through an atomic
// pointer, so a reader sees either the old pair or the new pair and never a
// mix. Writers are serialized by mu.
type Store struct {
	mu         sync.Mutex
	current    atomic.Pointer[Snapshot]
	generation uint64
	now        func() time.Time
}

// NewStore returns an empty (unauthenticated) store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// WithClock replaces the store's time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Load returns the current snapshot and whether a session is present.
func (s *Store) Load() (Snapshot, bool) {
	snap := s.current.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Access returns the current access token and the generation it belongs to.
func (s *Store) Access() (string, uint64, bool) {
	snap := s.current.Load()
	if snap == nil {
		return "", 0, false
	}
	return snap.Pair.Access, snap.Generation, true
}

// Authenticated reports whether a pair is present.
func (s *Store) Authenticated() bool {
	return s.current.Load() != nil
}

// Establish installs a brand-new pair (absent→present or present→present on
// re-login) under a new generation.
func (s *Store) Establish(pair Pair, sessionID string) (Snapshot, error) {
	if !pair.Complete() {
		return Snapshot{}, ErrIncompletePair
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	now := s.now()
	snap := &Snapshot{
		Pair:          pair,
		SessionID:     sessionID,
		Generation:    s.generation,
		EstablishedAt: now,
		UpdatedAt:     now,
	}
	s.current.Store(snap)
	return *snap, nil
}

// ReplaceAccess swaps in a refreshed access token for generation gen. When
// rotatedRefresh is non-empty the refresh token is replaced as well, in the
// same atomic step.
func (s *Store) ReplaceAccess(gen uint64, access, rotatedRefresh string) (Snapshot, error) {
	if access == "" {
		return Snapshot{}, ErrIncompletePair
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return Snapshot{}, ErrNoSession
	}
	if cur.Generation != gen {
		return Snapshot{}, ErrStaleGeneration
	}

	next := *cur
	next.Pair.Access = access
	if rotatedRefresh != "" {
		next.Pair.Refresh = rotatedRefresh
	}
	next.UpdatedAt = s.now()
	s.current.Store(&next)
	return next, nil
}

// Clear removes the current pair. It reports true only for the call that
// performed the present→absent transition, which makes termination
// idempotent for callers.
func (s *Store) Clear() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return Snapshot{}, false
	}
	s.current.Store(nil)
	return *cur, true
}

// ClearGeneration clears the pair only if it still belongs to gen. Failures
// observed for an old session must not terminate a newer one.
func (s *Store) ClearGeneration(gen uint64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur == nil || cur.Generation != gen {
		return Snapshot{}, false
	}
	s.current.Store(nil)
	return *cur, true
}

// Generation returns the generation of the most recent Establish, whether or
// not that session is still present.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
