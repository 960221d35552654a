package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
)

// SQLIndex stores dedupe records in idempotency_keys, keyed by
// (stream_scope, dedupe_key). Reserve relies on INSERT ... ON CONFLICT DO
// NOTHING, which SQLite and Postgres both support.
type SQLIndex struct {
	db       *sql.DB
	clock    clock.Clock
	settings settings
}

func NewSQLIndex(db *sql.DB, c clock.Clock, opts ...Option) *SQLIndex {
	if c == nil {
		c = clock.Wall()
	}
	return &SQLIndex{db: db, clock: c, settings: newSettings(opts)}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	stream_scope TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	owner TEXT NOT NULL,
	first_event_id TEXT NOT NULL DEFAULT '',
	result_snapshot TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (stream_scope, dedupe_key)
)`

func (s *SQLIndex) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("idempotency: init: %w", err)
	}
	return nil
}

func (s *SQLIndex) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLIndex) Reserve(ctx context.Context, scope, key, payloadHash, owner string) (Reservation, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (stream_scope, dedupe_key, payload_hash, status, owner, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stream_scope, dedupe_key) DO NOTHING`,
		scope, key, payloadHash, string(StatusPending), owner, s.now())
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	rec, ok, err := s.Get(ctx, scope, key)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		// Released between insert and read.
		return Reservation{}, fmt.Errorf("idempotency: %s/%s vanished during reserve", scope, key)
	}
	if n == 1 {
		return Reservation{Record: rec, Acquired: true}, nil
	}
	if rec.PayloadHash == payloadHash && rec.Owner != owner && s.settings.expired(rec, s.clock.Now()) {
		return s.takeOver(ctx, rec, owner)
	}
	return decide(rec, scope, key, payloadHash, owner)
}

// takeOver moves an expired reservation to owner. The update only matches
// the exact row that was read, so of several callers one wins.
func (s *SQLIndex) takeOver(ctx context.Context, stale Record, owner string) (Reservation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET owner = $1, updated_at = $2
		WHERE stream_scope = $3 AND dedupe_key = $4 AND owner = $5 AND status = $6 AND updated_at = $7`,
		owner, s.now(), stale.Scope, stale.DedupeKey, stale.Owner, string(StatusPending),
		stale.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: take over: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: take over: %w", err)
	}
	rec, ok, err := s.Get(ctx, stale.Scope, stale.DedupeKey)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, fmt.Errorf("idempotency: %s/%s vanished during take over", stale.Scope, stale.DedupeKey)
	}
	if n == 1 {
		return Reservation{Record: rec, Acquired: true, TakenOver: true}, nil
	}
	return decide(rec, stale.Scope, stale.DedupeKey, stale.PayloadHash, owner)
}

func (s *SQLIndex) Complete(ctx context.Context, scope, key, owner, firstEventID string, snapshot json.RawMessage) (Record, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, first_event_id = $2, result_snapshot = $3, updated_at = $4
		WHERE stream_scope = $5 AND dedupe_key = $6 AND owner = $7 AND status = $8`,
		string(StatusSucceeded), firstEventID, string(snapshot), s.now(),
		scope, key, owner, string(StatusPending))
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: complete: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return Record{}, fmt.Errorf("idempotency: complete: %w", err)
	}
	rec, ok, err := s.Get(ctx, scope, key)
	switch {
	case err != nil:
		return Record{}, err
	case !ok:
		return Record{}, ErrNotFound
	case rec.Owner != owner:
		return rec, ErrNotOwner
	}
	return rec, nil
}

func (s *SQLIndex) Release(ctx context.Context, scope, key, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE stream_scope = $1 AND dedupe_key = $2 AND owner = $3 AND status = $4`,
		scope, key, owner, string(StatusPending))
	if err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	rec, ok, err := s.Get(ctx, scope, key)
	switch {
	case err != nil:
		return err
	case !ok:
		return nil
	case rec.Status == StatusSucceeded:
		return ErrSettled
	default:
		return ErrNotOwner
	}
}

func (s *SQLIndex) Get(ctx context.Context, scope, key string) (Record, bool, error) {
	var (
		rec       Record
		status    string
		snapshot  string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_scope, dedupe_key, payload_hash, status, owner, first_event_id, result_snapshot, updated_at
		FROM idempotency_keys WHERE stream_scope = $1 AND dedupe_key = $2`, scope, key).
		Scan(&rec.Scope, &rec.DedupeKey, &rec.PayloadHash, &status, &rec.Owner, &rec.FirstEventID, &snapshot, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: get: %w", err)
	}
	rec.Status = Status(status)
	if snapshot != "" {
		rec.ResultSnapshot = json.RawMessage(snapshot)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: corrupt updated_at: %w", err)
	}
	return rec, true, nil
}
