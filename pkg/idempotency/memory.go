package idempotency

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
)

// MemoryIndex is a process-local Index guarded by one mutex.
type MemoryIndex struct {
	mu       sync.Mutex
	records  map[string]Record
	clock    clock.Clock
	settings settings
}

func NewMemoryIndex(c clock.Clock, opts ...Option) *MemoryIndex {
	if c == nil {
		c = clock.Wall()
	}
	return &MemoryIndex{records: make(map[string]Record), clock: c, settings: newSettings(opts)}
}

func memKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemoryIndex) Reserve(_ context.Context, scope, key, payloadHash, owner string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if existing, ok := m.records[memKey(scope, key)]; ok {
		if existing.PayloadHash == payloadHash && existing.Owner != owner && m.settings.expired(existing, now) {
			existing.Owner = owner
			existing.UpdatedAt = now
			m.records[memKey(scope, key)] = existing
			return Reservation{Record: existing, Acquired: true, TakenOver: true}, nil
		}
		return decide(existing, scope, key, payloadHash, owner)
	}
	rec := Record{
		Scope:       scope,
		DedupeKey:   key,
		PayloadHash: payloadHash,
		Status:      StatusPending,
		Owner:       owner,
		UpdatedAt:   now,
	}
	m.records[memKey(scope, key)] = rec
	return Reservation{Record: rec, Acquired: true}, nil
}

func (m *MemoryIndex) Complete(_ context.Context, scope, key, owner, firstEventID string, snapshot json.RawMessage) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(scope, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Owner != owner {
		return rec, ErrNotOwner
	}
	if rec.Status == StatusSucceeded {
		return rec, nil
	}
	rec.Status = StatusSucceeded
	rec.FirstEventID = firstEventID
	rec.ResultSnapshot = append(json.RawMessage(nil), snapshot...)
	rec.UpdatedAt = m.clock.Now()
	m.records[memKey(scope, key)] = rec
	return rec, nil
}

func (m *MemoryIndex) Release(_ context.Context, scope, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(scope, key)]
	if !ok {
		return nil
	}
	if rec.Status == StatusSucceeded {
		return ErrSettled
	}
	if rec.Owner != owner {
		return ErrNotOwner
	}
	delete(m.records, memKey(scope, key))
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, scope, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(scope, key)]
	return rec, ok, nil
}
