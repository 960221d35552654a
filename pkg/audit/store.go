package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Store persists audit events.
type Store interface {
	Put(ctx context.Context, ev Event) error
	ByCorrelation(ctx context.Context, correlationID string) ([]Event, error)
}

// MemoryStore keeps events in insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Put(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) ByCorrelation(_ context.Context, correlationID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out, nil
}

// All returns every stored event.
func (m *MemoryStore) All() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// SQLStore keeps audit events in audit_events. Rows are insert-only.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

// Init creates the audit table. seq orders events written in the same instant.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			payload_min TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			seq BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_corr ON audit_events (correlation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: init: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, ev Event) error {
	payload := ""
	if len(ev.PayloadMin) > 0 {
		raw, err := json.Marshal(ev.PayloadMin)
		if err != nil {
			return fmt.Errorf("audit: encode payload: %w", err)
		}
		payload = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, correlation_id, stream_id, event_type, reason_code, severity, payload_min, created_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.EventID, ev.CorrelationID, ev.StreamID, ev.EventType, string(ev.ReasonCode), string(ev.Severity),
		payload, ev.CreatedAt.UTC().Format(time.RFC3339Nano), int64(ev.Sequence))
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) ByCorrelation(ctx context.Context, correlationID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, correlation_id, stream_id, event_type, reason_code, severity, payload_min, created_at, seq
		FROM audit_events WHERE correlation_id = $1`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev                 Event
			code, sev, payload string
			createdAt          string
			seq                int64
		)
		if err := rows.Scan(&ev.EventID, &ev.CorrelationID, &ev.StreamID, &ev.EventType, &code, &sev, &payload, &createdAt, &seq); err != nil {
			return nil, err
		}
		ev.ReasonCode = reason.Code(code)
		ev.Sequence = uint64(seq)
		ev.Severity = Severity(sev)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &ev.PayloadMin); err != nil {
				return nil, fmt.Errorf("audit: corrupt payload for %s: %w", ev.EventID, err)
			}
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("audit: corrupt created_at for %s: %w", ev.EventID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RFC3339Nano strings do not sort lexically, so order in Go.
	sortEvents(out)
	return out, nil
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].Sequence < events[j].Sequence
	})
}
