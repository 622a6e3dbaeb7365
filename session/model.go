package session

import "time"

// Pair is the (access, refresh) credential tuple of an authenticated session.
type Pair struct {
	Access  string
	Refresh string
}

// Complete reports whether both halves of the pair are set. A pair is either
// fully present or fully absent; the store never holds a partial one.
func (p Pair) Complete() bool {
	return p.Access != "" && p.Refresh != ""
}

// Snapshot is an immutable view of the credential store at one instant.
//
// Generation increases with every Establish; a refresh result may only be
// written back into the generation it was started from.
type Snapshot struct {
	Pair          Pair
	SessionID     string
	Generation    uint64
	EstablishedAt time.Time
	UpdatedAt     time.Time
}

// Record is the persisted form of a session, written through to a [Persister].
//
// Seq orders writes: a persister never lets a record or deletion with a lower
// Seq overwrite one with a higher Seq.
type Record struct {
	Pair      Pair
	SessionID string
	Seq       uint64
	SavedAt   time.Time
}
