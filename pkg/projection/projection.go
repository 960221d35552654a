// Package projection derives current-state records from ledger streams.
//
// A projection has no authority of its own: replaying a stream from sequence
// 1 through its Reducer must reproduce the live Set byte for byte.
package projection

import (
	"fmt"
	"sort"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/canonicalize"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
)

// Record is one materialized current-state row.
type Record struct {
	Key            string         `json:"key"`
	TenantID       string         `json:"tenant_id"`
	EntityID       string         `json:"entity_id"`
	Fields         map[string]any `json:"fields"`
	SourceEventID  string         `json:"source_event_id"`
	SourceSequence uint64         `json:"source_sequence"`
}

// RecordKey is the business key of a record.
func RecordKey(tenantID, entityID string) string {
	return tenantID + "/" + entityID
}

// Set is the current-state view of one stream, keyed by Record.Key.
type Set map[string]Record

// Put stores rec under its business key, stamping the source event.
func (s Set) Put(rec Record, ev ledger.Event) {
	rec.Key = RecordKey(rec.TenantID, rec.EntityID)
	rec.SourceEventID = ev.EventID
	rec.SourceSequence = ev.SequenceNo
	s[rec.Key] = rec
}

// Keys returns the record keys in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the set and each record's field map.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, rec := range s {
		fields := make(map[string]any, len(rec.Fields))
		for fk, fv := range rec.Fields {
			fields[fk] = fv
		}
		rec.Fields = fields
		out[k] = rec
	}
	return out
}

// Digest is the canonical SHA-256 of the set.
func (s Set) Digest() (string, error) {
	if s == nil {
		s = Set{}
	}
	return canonicalize.Digest(s)
}

// Canonical returns the RFC 8785 encoding of the set.
func (s Set) Canonical() ([]byte, error) {
	if s == nil {
		s = Set{}
	}
	return canonicalize.JCS(s)
}

// Reducer folds one event into a set. Implementations must depend only on the
// set and the event.
type Reducer interface {
	Apply(set Set, ev ledger.Event) error
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(set Set, ev ledger.Event) error

func (f ReducerFunc) Apply(set Set, ev ledger.Event) error { return f(set, ev) }

// Fold replays events in order into a fresh set.
func Fold(r Reducer, events []ledger.Event) (Set, error) {
	set := Set{}
	var last uint64
	for _, ev := range events {
		if ev.SequenceNo <= last {
			return nil, fmt.Errorf("projection: %s: events out of order at #%d", ev.StreamID, ev.SequenceNo)
		}
		last = ev.SequenceNo
		if err := r.Apply(set, ev); err != nil {
			return nil, fmt.Errorf("projection: %s #%d (%s): %w", ev.StreamID, ev.SequenceNo, ev.EventType, err)
		}
	}
	return set, nil
}
