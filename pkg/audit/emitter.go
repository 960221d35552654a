package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Emitter normalizes and stores audit events.
type Emitter struct {
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	allowed map[string]bool
	seq     atomic.Uint64
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithAllowedKeys replaces the payload allow-list.
func WithAllowedKeys(keys ...string) EmitterOption {
	return func(e *Emitter) {
		e.allowed = make(map[string]bool, len(keys))
		for _, k := range keys {
			e.allowed[k] = true
		}
	}
}

// WithClock sets the emitter clock.
func WithClock(c clock.Clock) EmitterOption {
	return func(e *Emitter) { e.clock = c }
}

// WithLogger sets the emitter logger.
func WithLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

func NewEmitter(store Store, opts ...EmitterOption) *Emitter {
	e := &Emitter{store: store, clock: clock.Wall(), logger: slog.Default()}
	WithAllowedKeys(DefaultAllowedKeys...)(e)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "audit")
	return e
}

// Emit stamps, minimizes and stores ev.
func (e *Emitter) Emit(ctx context.Context, ev Event) (Event, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.clock.Now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityFor(ev.ReasonCode)
	}
	ev.Sequence = e.seq.Add(1)
	ev.PayloadMin = minimize(ev.PayloadMin, e.allowed)
	if err := e.store.Put(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "audit write failed", "event_type", ev.EventType, "correlation_id", ev.CorrelationID, "error", err)
		return Event{}, err
	}
	return ev, nil
}

// Record is a shorthand for Emit.
func (e *Emitter) Record(ctx context.Context, correlationID, streamID, eventType string, code reason.Code, payload map[string]any) error {
	_, err := e.Emit(ctx, Event{
		CorrelationID: correlationID,
		StreamID:      streamID,
		EventType:     eventType,
		ReasonCode:    code,
		PayloadMin:    payload,
	})
	return err
}

// Mirror returns a ledger hook that mirrors each committed ledger event.
func (e *Emitter) Mirror() ledger.Hook {
	return func(ctx context.Context, ev ledger.Event) error {
		var payload map[string]any
		if len(ev.Payload) > 0 && ev.Payload[0] == '{' {
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return fmt.Errorf("audit: mirror %s #%d: %w", ev.StreamID, ev.SequenceNo, err)
			}
		}
		_, err := e.Emit(ctx, Event{
			CorrelationID: ev.CorrelationID,
			StreamID:      ev.StreamID,
			EventType:     ev.EventType,
			ReasonCode:    reason.Code(ev.ReasonCode),
			PayloadMin:    payload,
			CreatedAt:     ev.CreatedAt,
		})
		return err
	}
}

// ViolationHook returns a ledger hook that records stream halts. The stream
// id doubles as correlation id since no work order context exists there.
func (e *Emitter) ViolationHook() ledger.ViolationHook {
	return func(ctx context.Context, streamID string, err error) {
		code := reason.CodeOf(err)
		if _, emitErr := e.Emit(ctx, Event{
			CorrelationID: streamID,
			StreamID:      streamID,
			EventType:     "stream.halted",
			ReasonCode:    code,
			Severity:      SeverityCritical,
		}); emitErr != nil {
			e.logger.ErrorContext(ctx, "failed to audit halt", "stream_id", streamID, "reason_code", code, "error", emitErr)
		}
	}
}
