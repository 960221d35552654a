package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Dialect selects the DDL flavour. Queries use $N placeholders, which both
// lib/pq and modernc.org/sqlite accept.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const maxAppendAttempts = 5

// SQLStore keeps one append-only table per stream family.
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	families map[string]string // family -> table
	opts     options
}

// NewSQLStore registers the given stream families. Appends to any other
// family are rejected.
func NewSQLStore(db *sql.DB, dialect Dialect, families []string, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{
		db:       db,
		dialect:  dialect,
		families: make(map[string]string, len(families)),
		opts:     buildOptions(opts),
	}
	for _, f := range families {
		if !ValidFamily(f) {
			return nil, fmt.Errorf("ledger: invalid stream family %q", f)
		}
		s.families[f] = "ledger_" + f
	}
	return s, nil
}

// Init creates the ledger tables, idempotency indexes and the triggers that
// reject UPDATE and DELETE.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts := []string{`CREATE TABLE IF NOT EXISTS ledger_halts (
		stream_id TEXT PRIMARY KEY,
		reason_code TEXT NOT NULL,
		halted_at TEXT NOT NULL
	)`}
	if s.dialect == DialectPostgres {
		stmts = append(stmts, `CREATE OR REPLACE FUNCTION ledger_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'AppendOnlyViolation: % on %', TG_OP, TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql`)
	}
	for _, table := range s.families {
		stmts = append(stmts, s.tableDDL(table)...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) tableDDL(table string) []string {
	seqType := "INTEGER"
	if s.dialect == DialectPostgres {
		seqType = "BIGINT"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		stream_id TEXT NOT NULL,
		sequence_no %s NOT NULL,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		reason_code TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		previous_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (stream_id, sequence_no)
	)`, table, seqType),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_idem ON %s (stream_id, idempotency_key) WHERE idempotency_key <> ''`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_corr ON %s (correlation_id)`, table, table),
	}
	if s.dialect == DialectPostgres {
		return append(ddl,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_append_only ON %s`, table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_append_only BEFORE UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION ledger_reject_mutation()`, table, table),
		)
	}
	return append(ddl,
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_update BEFORE UPDATE ON %s BEGIN SELECT RAISE(ABORT, 'AppendOnlyViolation'); END`, table, table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_delete BEFORE DELETE ON %s BEGIN SELECT RAISE(ABORT, 'AppendOnlyViolation'); END`, table, table),
	)
}

func (s *SQLStore) table(streamID string) (string, error) {
	if err := validateStreamID(streamID); err != nil {
		return "", err
	}
	table, ok := s.families[Family(streamID)]
	if !ok {
		return "", reason.New(reason.ClassValidation, reason.InputSchemaViolation, "unknown stream family %q", Family(streamID))
	}
	return table, nil
}

const eventColumns = `stream_id, sequence_no, event_id, event_type, payload, payload_hash, reason_code, correlation_id, idempotency_key, previous_hash, event_hash, created_at`

func (s *SQLStore) Append(ctx context.Context, streamID string, ev Event) (AppendResult, error) {
	table, err := s.table(streamID)
	if err != nil {
		return AppendResult{}, err
	}
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		res, err := s.appendOnce(ctx, table, streamID, ev)
		if err == nil || !isUniqueViolation(err) {
			return res, err
		}
		// A requested sequence lost to a concurrent writer. Retrying would
		// read it back as committed and halt the stream.
		if ev.SequenceNo != 0 {
			return AppendResult{}, reason.Wrap(reason.ClassRetryable, reason.SequenceConflict, err,
				"stream %s: sequence %d taken by a concurrent writer", streamID, ev.SequenceNo)
		}
		lastErr = err
	}
	return AppendResult{}, reason.Wrap(reason.ClassRetryable, reason.SequenceConflict, lastErr,
		"stream %s: append contention after %d attempts", streamID, maxAppendAttempts)
}

func (s *SQLStore) appendOnce(ctx context.Context, table, streamID string, ev Event) (res AppendResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var haltCode string
	switch qerr := tx.QueryRowContext(ctx, `SELECT reason_code FROM ledger_halts WHERE stream_id = $1`, streamID).Scan(&haltCode); {
	case qerr == nil:
		return AppendResult{}, reason.New(reason.ClassIntegrity, reason.StreamHalted, "stream %s (%s)", streamID, haltCode)
	case !errors.Is(qerr, sql.ErrNoRows):
		return AppendResult{}, fmt.Errorf("ledger: halt check: %w", qerr)
	}

	if ev.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM `+table+` WHERE stream_id = $1 AND idempotency_key = $2`,
			streamID, ev.IdempotencyKey)
		existing, qerr := scanEvent(row)
		switch {
		case qerr == nil:
			same, serr := sameWrite(existing, ev)
			if serr != nil {
				return AppendResult{}, serr
			}
			if same {
				if cerr := tx.Commit(); cerr != nil {
					return AppendResult{}, fmt.Errorf("ledger: commit: %w", cerr)
				}
				return AppendResult{Event: existing, Replayed: true}, nil
			}
			violation := reason.New(reason.ClassIntegrity, reason.IdempotencyConflict,
				"stream %s: key %q reused with a different payload", streamID, ev.IdempotencyKey)
			return AppendResult{}, s.haltAndCommit(ctx, tx, streamID, violation)
		case !errors.Is(qerr, sql.ErrNoRows):
			return AppendResult{}, fmt.Errorf("ledger: idempotency lookup: %w", qerr)
		}
	}

	var t tail
	var head int64
	switch qerr := tx.QueryRowContext(ctx,
		`SELECT sequence_no, event_hash FROM `+table+` WHERE stream_id = $1 ORDER BY sequence_no DESC LIMIT 1`,
		streamID).Scan(&head, &t.lastHash); {
	case qerr == nil:
		t.head = uint64(head)
	case !errors.Is(qerr, sql.ErrNoRows):
		return AppendResult{}, fmt.Errorf("ledger: head: %w", qerr)
	}

	out, err := prepare(streamID, ev, t, s.opts.clock.Now())
	if err != nil {
		if reason.CodeOf(err) == reason.AppendOnlyViolation {
			return AppendResult{}, s.haltAndCommit(ctx, tx, streamID, err)
		}
		return AppendResult{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO `+table+` (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		out.StreamID, int64(out.SequenceNo), out.EventID, out.EventType, string(out.Payload), out.PayloadHash,
		out.ReasonCode, out.CorrelationID, out.IdempotencyKey, out.PreviousHash, out.EventHash,
		out.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return AppendResult{}, fmt.Errorf("ledger: insert: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return AppendResult{Event: out}, nil
}

// haltAndCommit records the halt in the same transaction and returns the
// original violation.
func (s *SQLStore) haltAndCommit(ctx context.Context, tx *sql.Tx, streamID string, violation error) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_halts (stream_id, reason_code, halted_at) VALUES ($1, $2, $3) ON CONFLICT (stream_id) DO NOTHING`,
		streamID, string(reason.CodeOf(violation)), s.opts.clock.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ledger: record halt: %w (violation: %v)", err, violation)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit halt: %w (violation: %v)", err, violation)
	}
	return violation
}

func (s *SQLStore) Read(ctx context.Context, streamID string, fromSeq uint64) ([]Event, error) {
	table, err := s.table(streamID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+table+` WHERE stream_id = $1 AND sequence_no >= $2 ORDER BY sequence_no ASC`,
		streamID, int64(fromSeq))
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", streamID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) Head(ctx context.Context, streamID string) (uint64, error) {
	table, err := s.table(streamID)
	if err != nil {
		return 0, err
	}
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_no) FROM `+table+` WHERE stream_id = $1`, streamID).Scan(&head); err != nil {
		return 0, fmt.Errorf("ledger: head %s: %w", streamID, err)
	}
	return uint64(head.Int64), nil
}

func (s *SQLStore) Streams(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for family, table := range s.families {
		if !strings.HasPrefix(family+"/", prefix) && !strings.HasPrefix(prefix, family+"/") {
			continue
		}
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream_id FROM `+table)
		if err != nil {
			return nil, fmt.Errorf("ledger: streams: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			if strings.HasPrefix(id, prefix) {
				out = append(out, id)
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLStore) Halted(ctx context.Context, streamID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_halts WHERE stream_id = $1`, streamID).Scan(&n); err != nil {
		return false, fmt.Errorf("ledger: halted %s: %w", streamID, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Resume(ctx context.Context, streamID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_halts WHERE stream_id = $1`, streamID); err != nil {
		return fmt.Errorf("ledger: resume %s: %w", streamID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var (
		ev        Event
		seq       int64
		payload   string
		createdAt string
	)
	if err := r.Scan(&ev.StreamID, &seq, &ev.EventID, &ev.EventType, &payload, &ev.PayloadHash,
		&ev.ReasonCode, &ev.CorrelationID, &ev.IdempotencyKey, &ev.PreviousHash, &ev.EventHash, &createdAt); err != nil {
		return Event{}, err
	}
	ev.SequenceNo = uint64(seq)
	ev.Payload = []byte(payload)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: %s #%d: corrupt created_at: %w", ev.StreamID, seq, err)
	}
	ev.CreatedAt = ts
	return ev, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
