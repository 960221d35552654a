// Package ledger implements the append-only event log that is the source of
// truth for every piece of durable kernel state.
//
// A stream is identified by "<family>/<id>" (for example "workorder/wo-42").
// Streams in one family share one table in SQL-backed stores. No update or
// delete operation exists.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// GenesisHash is the PreviousHash of the first event of every stream.
const GenesisHash = "genesis"

var (
	ErrAppendOnlyViolation = reason.Sentinel(reason.ClassIntegrity, reason.AppendOnlyViolation)
	ErrIdempotencyConflict = reason.Sentinel(reason.ClassIntegrity, reason.IdempotencyConflict)
	ErrSequenceGap         = reason.Sentinel(reason.ClassValidation, reason.SequenceGap)
	// ErrSequenceConflict means a concurrent writer committed first. The
	// stream is not halted; re-read and retry.
	ErrSequenceConflict = reason.Sentinel(reason.ClassRetryable, reason.SequenceConflict)
	ErrStreamHalted        = reason.Sentinel(reason.ClassIntegrity, reason.StreamHalted)
)

// Event is one immutable ledger entry.
type Event struct {
	EventID        string          `json:"event_id"`
	StreamID       string          `json:"stream_id"`
	SequenceNo     uint64          `json:"sequence_no"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	ReasonCode     string          `json:"reason_code,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	PreviousHash   string          `json:"previous_hash"`
	EventHash      string          `json:"event_hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AppendResult is the outcome of a successful Append.
// Replayed is true when the idempotency key matched an existing event; Event
// is then the original entry, returned unchanged.
type AppendResult struct {
	Event    Event
	Replayed bool
}

// Store is the durable append-only log.
type Store interface {
	// Append adds ev to streamID. A zero SequenceNo means "next"; a non-zero
	// SequenceNo is a conditional write that must equal head+1.
	Append(ctx context.Context, streamID string, ev Event) (AppendResult, error)

	// Read returns events with sequence_no >= fromSeq in sequence order.
	Read(ctx context.Context, streamID string, fromSeq uint64) ([]Event, error)

	// Head returns the highest committed sequence number (0 for an empty stream).
	Head(ctx context.Context, streamID string) (uint64, error)

	// Streams lists stream ids starting with prefix, sorted.
	Streams(ctx context.Context, prefix string) ([]string, error)

	// Halted reports whether the stream was halted by an integrity violation.
	Halted(ctx context.Context, streamID string) (bool, error)

	// Resume clears a halt. It is an operator action and never happens automatically.
	Resume(ctx context.Context, streamID string) error
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal %s payload: %w", eventType, err)
	}
	return Event{EventType: eventType, Payload: raw}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ledger: decode %s #%d: %w", e.StreamID, e.SequenceNo, err)
	}
	return nil
}

// Family returns the stream family, the part of the id before the first "/".
func Family(streamID string) string {
	if i := strings.IndexByte(streamID, '/'); i > 0 {
		return streamID[:i]
	}
	return streamID
}

// StreamID joins a family and an entity id.
func StreamID(family, id string) string {
	return family + "/" + id
}

var familyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// ValidFamily reports whether f can name a stream family, and therefore a
// SQL table suffix.
func ValidFamily(f string) bool { return familyPattern.MatchString(f) }

func validateStreamID(streamID string) error {
	if streamID == "" {
		return reason.New(reason.ClassValidation, reason.InputSchemaViolation, "empty stream id")
	}
	return nil
}
