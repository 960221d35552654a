package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/canonicalize"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// tail is what a store knows about the end of a stream before appending.
type tail struct {
	head     uint64
	lastHash string
}

// prepare validates the requested sequence and fills in identity, hashes and
// timestamps. It is shared by every Store so that both produce identical
// events for identical inputs.
func prepare(streamID string, ev Event, t tail, now time.Time) (Event, error) {
	next := t.head + 1
	if ev.SequenceNo != 0 {
		if ev.SequenceNo <= t.head {
			return Event{}, reason.New(reason.ClassIntegrity, reason.AppendOnlyViolation,
				"stream %s: sequence %d already committed (head %d)", streamID, ev.SequenceNo, t.head)
		}
		if ev.SequenceNo > next {
			return Event{}, reason.New(reason.ClassValidation, reason.SequenceGap,
				"stream %s: sequence %d skips head %d", streamID, ev.SequenceNo, t.head)
		}
	}
	if ev.EventType == "" {
		return Event{}, reason.New(reason.ClassValidation, reason.InputSchemaViolation, "stream %s: missing event type", streamID)
	}

	out := ev
	out.StreamID = streamID
	out.SequenceNo = next
	if out.EventID == "" {
		out.EventID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	if len(out.Payload) == 0 {
		out.Payload = []byte("{}")
	}

	ph, err := payloadHash(out)
	if err != nil {
		return Event{}, err
	}
	out.PayloadHash = ph

	out.PreviousHash = t.lastHash
	if out.PreviousHash == "" {
		out.PreviousHash = GenesisHash
	}
	eh, err := eventHash(out)
	if err != nil {
		return Event{}, err
	}
	out.EventHash = eh
	return out, nil
}

func payloadHash(ev Event) (string, error) {
	d, err := canonicalize.Digest(ev.Payload)
	if err != nil {
		return "", reason.Wrap(reason.ClassValidation, reason.InputSchemaViolation, err, "payload of %s", ev.EventType)
	}
	return d, nil
}

// sameWrite reports whether ev is a retransmission of existing: same type and
// same canonical payload.
func sameWrite(existing, ev Event) (bool, error) {
	if len(ev.Payload) == 0 {
		ev.Payload = []byte("{}")
	}
	ph, err := payloadHash(ev)
	if err != nil {
		return false, err
	}
	return existing.EventType == ev.EventType && existing.PayloadHash == ph, nil
}

func eventHash(ev Event) (string, error) {
	return canonicalize.Digest(map[string]any{
		"event_id":        ev.EventID,
		"stream_id":       ev.StreamID,
		"sequence_no":     ev.SequenceNo,
		"event_type":      ev.EventType,
		"payload_hash":    ev.PayloadHash,
		"reason_code":     ev.ReasonCode,
		"correlation_id":  ev.CorrelationID,
		"idempotency_key": ev.IdempotencyKey,
		"previous_hash":   ev.PreviousHash,
	})
}

// VerifyChain checks sequence continuity and the hash chain of a stream read
// from any Store.
func VerifyChain(events []Event) error {
	prev := GenesisHash
	for i, ev := range events {
		if ev.SequenceNo != uint64(i+1) {
			return fmt.Errorf("ledger: %s: expected sequence %d, got %d", ev.StreamID, i+1, ev.SequenceNo)
		}
		if ev.PreviousHash != prev {
			return fmt.Errorf("ledger: %s #%d: chain broken", ev.StreamID, ev.SequenceNo)
		}
		ph, err := payloadHash(ev)
		if err != nil {
			return err
		}
		if ph != ev.PayloadHash {
			return fmt.Errorf("ledger: %s #%d: payload hash mismatch", ev.StreamID, ev.SequenceNo)
		}
		eh, err := eventHash(ev)
		if err != nil {
			return err
		}
		if eh != ev.EventHash {
			return fmt.Errorf("ledger: %s #%d: event hash mismatch", ev.StreamID, ev.SequenceNo)
		}
		prev = ev.EventHash
	}
	return nil
}
