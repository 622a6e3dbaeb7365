package session

import (
	"context"
	"sync"
)

// Persister is the durable key-value surface the credential store is written
// through to. It only lets a session survive a process restart; during a live
// session the in-memory [Store] is the source of truth.
type Persister interface {
	// Save stores r unless a record or deletion with a higher Seq is already
	// recorded.
	Save(ctx context.Context, r Record) error
	// Load returns the persisted record, or false when none exists.
	Load(ctx context.Context) (Record, bool, error)
	// Delete removes the record unless a record with a higher Seq was saved.
	Delete(ctx context.Context, seq uint64) error
}

// MemoryPersister keeps the record in process memory. It is the default when
// no durable backend is configured, and it honours the same Seq ordering as
// the durable backends so tests can rely on it.
type MemoryPersister struct {
	mu        sync.Mutex
	record    *Record
	tombstone uint64
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Seq <= m.tombstone {
		return nil
	}
	if m.record != nil && m.record.Seq >= r.Seq {
		return nil
	}
	cp := r
	m.record = &cp
	return nil
}

func (m *MemoryPersister) Load(context.Context) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		return Record{}, false, nil
	}
	return *m.record, true, nil
}

func (m *MemoryPersister) Delete(_ context.Context, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq > m.tombstone {
		m.tombstone = seq
	}
	if m.record != nil && m.record.Seq < seq {
		m.record = nil
	}
	return nil
}
