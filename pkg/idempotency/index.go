// Package idempotency maps deterministic dedupe keys to the first successful
// result produced under them.
//
// Reserve is an atomic check-and-set: exactly one caller acquires a fresh
// key. Everyone else sees the existing record, PENDING while the owner is
// working and SUCCEEDED once the owner completed it. A PENDING record older
// than the index lease is taken over by the next caller, who must treat the
// previous owner's work as unresolved.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/canonicalize"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Status of a dedupe record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
)

var (
	// ErrKeyCollision means a key was reused with a different payload.
	ErrKeyCollision = reason.Sentinel(reason.ClassIntegrity, reason.DedupeKeyCollision)
	// ErrNotOwner is returned when a caller completes or releases a
	// reservation it does not hold.
	ErrNotOwner = errors.New("idempotency: reservation held by another owner")
	// ErrSettled is returned when releasing a key that already succeeded.
	ErrSettled = errors.New("idempotency: key already succeeded")
	// ErrNotFound is returned when completing a key that was never reserved.
	ErrNotFound = errors.New("idempotency: key not reserved")
)

// Record is one row of the dedupe table.
type Record struct {
	Scope          string          `json:"scope"`
	DedupeKey      string          `json:"dedupe_key"`
	PayloadHash    string          `json:"payload_hash"`
	Status         Status          `json:"status"`
	Owner          string          `json:"owner"`
	FirstEventID   string          `json:"first_event_id,omitempty"`
	ResultSnapshot json.RawMessage `json:"result_snapshot,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Reservation is the outcome of Reserve. When Acquired is false, Record is
// the existing entry and the caller must not perform the effect.
type Reservation struct {
	Record   Record
	Acquired bool
	// TakenOver is set when the key was acquired from an owner whose lease
	// expired.
	TakenOver bool
}

// Option configures MemoryIndex and SQLIndex.
type Option func(*settings)

type settings struct {
	lease time.Duration
}

// WithLease lets a caller take over a PENDING reservation not touched for
// d. It must exceed the longest time an owner holds a key, which is the
// longest step timeout. Zero disables takeover.
func WithLease(d time.Duration) Option {
	return func(s *settings) { s.lease = d }
}

func newSettings(opts []Option) settings {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	return s
}

// expired reports whether rec may be taken over at now.
func (s settings) expired(rec Record, now time.Time) bool {
	return s.lease > 0 && rec.Status == StatusPending && !now.Before(rec.UpdatedAt.Add(s.lease))
}

// Index is the shared dedupe table.
type Index interface {
	Reserve(ctx context.Context, scope, key, payloadHash, owner string) (Reservation, error)
	Complete(ctx context.Context, scope, key, owner, firstEventID string, snapshot json.RawMessage) (Record, error)
	Release(ctx context.Context, scope, key, owner string) error
	Get(ctx context.Context, scope, key string) (Record, bool, error)
}

// DeriveKey hashes the NFC-normalized parts into a stable dedupe key.
// Visually identical recipients in different Unicode forms share a key.
func DeriveKey(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = norm.NFC.String(p)
	}
	return canonicalize.MustDigest(normalized)
}

func collision(scope, key string) error {
	return reason.New(reason.ClassIntegrity, reason.DedupeKeyCollision,
		"key %s in %s reused with a different payload", key, scope)
}

// decide applies the shared reservation rules to an existing record.
func decide(existing Record, scope, key, payloadHash, owner string) (Reservation, error) {
	if existing.PayloadHash != payloadHash {
		return Reservation{Record: existing}, collision(scope, key)
	}
	reentrant := existing.Status == StatusPending && existing.Owner == owner
	return Reservation{Record: existing, Acquired: reentrant}, nil
}
