// Package audit turns kernel decisions into normalized, queryable audit
// events that share one correlation id per work order.
//
// Audit payloads are minimal by construction: only allow-listed keys with
// short scalar values survive. Free text and provider identities never
// reach an audit event.
package audit

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// MaxValueLen bounds every string value in PayloadMin, in runes.
const MaxValueLen = 128

// Event is the normalized audit record.
type Event struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	StreamID      string         `json:"stream_id"`
	EventType     string         `json:"event_type"`
	ReasonCode    reason.Code    `json:"reason_code,omitempty"`
	Severity      Severity       `json:"severity"`
	PayloadMin    map[string]any `json:"payload_min,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	// Sequence is assigned by the Emitter and orders events that share a
	// timestamp.
	Sequence uint64 `json:"sequence"`
}

// DefaultAllowedKeys are the payload keys that may appear in PayloadMin.
var DefaultAllowedKeys = []string{
	"attempt",
	"blueprint_version",
	"capability_id",
	"circuit_state",
	"delay_ms",
	"field",
	"from",
	"gate",
	"lane",
	"outcome",
	"process_id",
	"prompt",
	"provider_rank",
	"replayed",
	"simulation_id",
	"simulation_version",
	"status",
	"step_id",
	"to",
	"trip_count",
	"work_order_id",
}

// minimize keeps allow-listed scalar values and truncates long strings.
func minimize(payload map[string]any, allowed map[string]bool) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any)
	for k, v := range payload {
		if !allowed[k] {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = truncate(val)
		case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			out[k] = val
		case reason.Code:
			out[k] = truncate(string(val))
		case fmt.Stringer:
			out[k] = truncate(val.String())
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxValueLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxValueLen])
}

// SeverityFor maps a reason code to a default severity.
func SeverityFor(code reason.Code) Severity {
	switch code {
	case "", reason.CircuitRecovered, reason.IdempotencyReplay:
		return SeverityInfo
	case reason.AppendOnlyViolation, reason.IdempotencyConflict, reason.DedupeKeyCollision, reason.StreamHalted:
		return SeverityCritical
	case reason.ProviderUnavailable, reason.ProviderTimeout, reason.ProviderError, reason.ProviderRateLimited,
		reason.RetriesExhausted, reason.StepTimeout, reason.EngineUnavailable, reason.CapabilityInternalErr,
		reason.CapabilityContractViolation, reason.DeliveryPending,
		reason.CircuitOpened, reason.NoHealthyProvider:
		return SeverityError
	}
	return SeverityWarn
}
