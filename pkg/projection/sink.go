package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/canonicalize"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
)

// MemorySink keeps the last published set per stream.
type MemorySink struct {
	mu   sync.RWMutex
	sets map[string]Set
}

func NewMemorySink() *MemorySink {
	return &MemorySink{sets: make(map[string]Set)}
}

func (m *MemorySink) Replace(_ context.Context, streamID string, set Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[streamID] = set.Clone()
	return nil
}

// Set returns the published set for streamID.
func (m *MemorySink) Set(streamID string) Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets[streamID].Clone()
}

// SQLSink materializes sets into one projection_<family> table per family,
// keyed by (tenant_id, entity_id).
type SQLSink struct {
	db       *sql.DB
	families map[string]string
}

// NewSQLSink registers the families it may write.
func NewSQLSink(db *sql.DB, families []string) (*SQLSink, error) {
	s := &SQLSink{db: db, families: make(map[string]string, len(families))}
	for _, f := range families {
		if !ledger.ValidFamily(f) {
			return nil, fmt.Errorf("projection: invalid family %q", f)
		}
		s.families[f] = "projection_" + f
	}
	return s, nil
}

// Init creates the projection tables.
func (s *SQLSink) Init(ctx context.Context) error {
	for _, table := range s.families {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			fields TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			source_sequence BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, entity_id)
		)`, table)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("projection: init %s: %w", table, err)
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_stream ON %s (stream_id)`, table, table)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("projection: init %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLSink) table(streamID string) (string, error) {
	t, ok := s.families[ledger.Family(streamID)]
	if !ok {
		return "", fmt.Errorf("projection: unknown family %q", ledger.Family(streamID))
	}
	return t, nil
}

// Replace rewrites every row owned by streamID in one transaction.
func (s *SQLSink) Replace(ctx context.Context, streamID string, set Set) (err error) {
	table, err := s.table(streamID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE stream_id = $1`, streamID); err != nil {
		return fmt.Errorf("projection: clear %s: %w", streamID, err)
	}
	for _, key := range set.Keys() {
		rec := set[key]
		fields, jerr := canonicalize.JCS(rec.Fields)
		if jerr != nil {
			return fmt.Errorf("projection: encode %s: %w", key, jerr)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO `+table+` (tenant_id, entity_id, stream_id, fields, source_event_id, source_sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, entity_id) DO UPDATE SET
				stream_id = excluded.stream_id,
				fields = excluded.fields,
				source_event_id = excluded.source_event_id,
				source_sequence = excluded.source_sequence`,
			rec.TenantID, rec.EntityID, streamID, string(fields), rec.SourceEventID, int64(rec.SourceSequence),
		); err != nil {
			return fmt.Errorf("projection: upsert %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Load reads the materialized rows of a stream back into a Set.
func (s *SQLSink) Load(ctx context.Context, streamID string) (Set, error) {
	table, err := s.table(streamID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, entity_id, fields, source_event_id, source_sequence FROM `+table+` WHERE stream_id = $1`,
		streamID)
	if err != nil {
		return nil, fmt.Errorf("projection: load %s: %w", streamID, err)
	}
	defer func() { _ = rows.Close() }()

	set := Set{}
	for rows.Next() {
		var (
			rec    Record
			fields string
			seq    int64
		)
		if err := rows.Scan(&rec.TenantID, &rec.EntityID, &fields, &rec.SourceEventID, &seq); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("projection: corrupt fields for %s/%s: %w", rec.TenantID, rec.EntityID, err)
		}
		rec.Key = RecordKey(rec.TenantID, rec.EntityID)
		rec.SourceSequence = uint64(seq)
		set[rec.Key] = rec
	}
	return set, rows.Err()
}
