package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Hook observes a committed, non-replayed event.
type Hook func(ctx context.Context, ev Event) error

// ViolationHook observes an integrity failure on a stream.
type ViolationHook func(ctx context.Context, streamID string, err error)

type namedHook struct {
	name string
	fn   Hook
}

// Journal is a Store that fans every committed append out to registered
// hooks: projection updates and the audit mirror. Replayed appends do not
// fire hooks.
type Journal struct {
	Store

	mu         sync.RWMutex
	hooks      []namedHook
	violations []ViolationHook
	logger     *slog.Logger
}

// NewJournal wraps store.
func NewJournal(store Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{Store: store, logger: logger.With("component", "ledger")}
}

// OnAppend registers a hook. Hooks run in registration order.
func (j *Journal) OnAppend(name string, fn Hook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hooks = append(j.hooks, namedHook{name: name, fn: fn})
}

// OnViolation registers an integrity observer.
func (j *Journal) OnViolation(fn ViolationHook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.violations = append(j.violations, fn)
}

// Append appends through the wrapped store. When the event is committed but a
// hook fails, the result is still returned together with the hook error.
func (j *Journal) Append(ctx context.Context, streamID string, ev Event) (AppendResult, error) {
	res, err := j.Store.Append(ctx, streamID, ev)
	if err != nil {
		if reason.IsIntegrity(err) {
			j.logger.ErrorContext(ctx, "integrity violation", "stream_id", streamID, "reason_code", reason.CodeOf(err), "error", err)
			j.mu.RLock()
			vs := append([]ViolationHook(nil), j.violations...)
			j.mu.RUnlock()
			for _, v := range vs {
				v(ctx, streamID, err)
			}
		}
		return res, err
	}
	if res.Replayed {
		j.logger.DebugContext(ctx, "idempotent replay", "stream_id", streamID, "sequence_no", res.Event.SequenceNo)
		return res, nil
	}

	j.mu.RLock()
	hooks := append([]namedHook(nil), j.hooks...)
	j.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if herr := h.fn(ctx, res.Event); herr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, herr))
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("ledger: post-append hooks for %s #%d: %w", streamID, res.Event.SequenceNo, errors.Join(errs...))
	}
	return res, nil
}
