// Package retry computes per-step retry decisions and delays. Delays are
// exponential with jitter derived from the attempt identity, so a replayed
// work order waits exactly as long as the original did.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Policy is the retry policy of one step.
type Policy struct {
	MaxRetries  int
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	Retryable   []reason.Code
}

// Attempt identifies one retry of one step.
type Attempt struct {
	WorkOrderID string
	StepID      string
	// Index is the zero-based retry number: 0 is the first retry.
	Index int
}

// ShouldRetry reports whether a failure with code may be retried after
// retriesDone retries. Codes outside the allow-list are never retried.
func (p Policy) ShouldRetry(code reason.Code, retriesDone int) bool {
	if retriesDone >= p.MaxRetries {
		return false
	}
	for _, c := range p.Retryable {
		if c == code {
			return true
		}
	}
	return false
}

// maxDelayMs is the largest delay a time.Duration can hold.
const maxDelayMs = math.MaxInt64 / int64(time.Millisecond)

// Backoff returns the delay before the given attempt: base * 2^index capped
// at MaxMs, plus deterministic jitter. The product saturates instead of
// overflowing.
func Backoff(a Attempt, p Policy) time.Duration {
	factor := int64(1)
	if a.Index > 0 {
		if a.Index > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << a.Index
		}
	}
	ceiling := maxDelayMs
	if p.MaxMs > 0 && p.MaxMs < ceiling {
		ceiling = p.MaxMs
	}
	delay := max(p.BaseMs, 0)
	if delay > ceiling/factor {
		delay = ceiling
	} else {
		delay *= factor
	}
	jitter := Jitter(a, p)
	if delay > maxDelayMs-jitter {
		delay = maxDelayMs - jitter
	}
	return time.Duration(delay+jitter) * time.Millisecond
}

// Jitter is a PRF of the attempt identity in [0, MaxJitterMs).
func Jitter(a Attempt, p Policy) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", a.WorkOrderID, a.StepID, a.Index)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}
