// Package delivery performs side effects that must happen at most once per
// deterministic key, such as sending a message.
//
// The dedupe key covers tenant, logical action, recipient, payload hash and
// simulation. The first terminal success under a key is stored in the
// idempotency index and returned to every later caller. Each attempt is
// recorded in the ledger stream "delivery/<key>". An attempt that times out
// without acknowledgement stays pending there until the reconciler resolves
// it, and no other provider is tried for that key in the meantime.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/canonicalize"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/idempotency"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/observability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/router"
)

// StreamFamily is the ledger family holding delivery attempts.
const StreamFamily = "delivery"

// Ledger event types.
const (
	// EventAttempted precedes every provider call. One not followed by
	// another event is an attempt whose outcome is unknown.
	EventAttempted  = "delivery.attempted"
	EventPending    = "delivery.pending"
	EventReconciled = "delivery.reconciled"
	EventSent       = "delivery.sent"
	EventRejected   = "delivery.rejected"
	// EventFailed records that no provider accepted the call.
	EventFailed = "delivery.failed"
)

var (
	// ErrPending means an earlier attempt is unresolved. Nothing was sent.
	ErrPending = reason.Sentinel(reason.ClassRetryable, reason.DeliveryPending)
	// ErrInFlight means another caller holds the key and did not settle it
	// before the context ended.
	ErrInFlight = reason.Sentinel(reason.ClassRetryable, reason.DeliveryInFlight)
)

// Verdict is a reconciliation answer.
type Verdict string

const (
	Delivered    Verdict = "DELIVERED"
	NotDelivered Verdict = "NOT_DELIVERED"
	Unknown      Verdict = "UNKNOWN"
)

// Reconciler asks a provider what happened to an ambiguous attempt.
type Reconciler interface {
	Lookup(ctx context.Context, lane, providerID, key string) (Verdict, capability.Response, error)
}

// ReconcilerFunc adapts a function to Reconciler.
type ReconcilerFunc func(ctx context.Context, lane, providerID, key string) (Verdict, capability.Response, error)

func (f ReconcilerFunc) Lookup(ctx context.Context, lane, providerID, key string) (Verdict, capability.Response, error) {
	return f(ctx, lane, providerID, key)
}

// Router is the subset of *router.Router delivery needs.
type Router interface {
	Route(ctx context.Context, lane string, sel router.Selector, req capability.Request, opts ...router.RouteOption) (router.Result, error)
}

// Request describes one side effect.
type Request struct {
	TenantID        string
	LogicalActionID string
	Recipient       string
	SimulationID    string
	Lane            string
	Selector        router.Selector
	// Dispatch is sent to the provider; its Input is the hashed payload.
	Dispatch capability.Request
}

// Result is a delivery outcome.
type Result struct {
	Key      string
	Response capability.Response
	// Replayed is true when the response came from an earlier send.
	Replayed bool
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithPollInterval sets how often a waiting caller re-checks a key held by
// another caller.
func WithPollInterval(d time.Duration) Option { return func(s *Service) { s.poll = d } }

// Service delivers side effects exactly once per key.
type Service struct {
	index      idempotency.Index
	router     Router
	ledger     ledger.Store
	reconciler Reconciler

	clk     clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	poll    time.Duration
}

// New builds a Service. A nil reconciler leaves every ambiguous attempt
// pending.
func New(index idempotency.Index, r Router, store ledger.Store, reconciler Reconciler, opts ...Option) *Service {
	s := &Service{index: index, router: r, ledger: store, reconciler: reconciler, poll: 50 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	if s.clk == nil {
		s.clk = clock.Wall()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "delivery")
	return s
}

// Key derives the dedupe key and payload hash for req.
func Key(req Request) (key, payloadHash string, err error) {
	payloadHash, err = canonicalize.Digest(req.Dispatch.Input)
	if err != nil {
		return "", "", reason.Wrap(reason.ClassValidation, reason.InputSchemaViolation, err, "delivery payload")
	}
	return idempotency.DeriveKey(req.TenantID, req.LogicalActionID, req.Recipient, payloadHash, req.SimulationID), payloadHash, nil
}

// StreamFor returns the ledger stream of a key.
func StreamFor(key string) string { return ledger.StreamID(StreamFamily, key) }

// Deliver performs the side effect unless a terminal success already exists
// under the derived key.
func (s *Service) Deliver(ctx context.Context, req Request) (Result, error) {
	key, payloadHash, err := Key(req)
	if err != nil {
		return Result{}, err
	}
	scope := req.TenantID
	owner := uuid.NewString()
	log := s.logger.With("work_order_id", req.Dispatch.WorkOrderID, "step_id", req.Dispatch.StepID)

	for {
		res, err := s.index.Reserve(ctx, scope, key, payloadHash, owner)
		if err != nil {
			return Result{}, err
		}
		if res.Acquired {
			if res.TakenOver {
				log.WarnContext(ctx, "took over expired reservation", "dedupe_key", key)
			}
			break
		}
		if res.Record.Status == idempotency.StatusSucceeded {
			return s.replay(ctx, key, res.Record)
		}
		select {
		case <-ctx.Done():
			return Result{}, reason.Wrap(reason.ClassRetryable, reason.DeliveryInFlight, ctx.Err(), "key %s held by another caller", key)
		case <-s.clk.After(s.poll):
		}
	}

	out, hold, err := s.deliverOwned(ctx, log, key, owner, req)
	if hold {
		return out, err
	}
	if relErr := s.index.Release(context.WithoutCancel(ctx), scope, key, owner); relErr != nil {
		log.ErrorContext(ctx, "release failed", "error", relErr)
		err = errors.Join(err, relErr)
	}
	return out, err
}

// deliverOwned runs while the caller holds the reservation. hold reports
// that the key must stay reserved: it was completed, or a provider call
// ended in a state the ledger could not record. A held key that was not
// completed is freed by the index lease.
//
// Every provider call is preceded by an attempted record. Facts observed
// after the call are recorded even when ctx has ended.
func (s *Service) deliverOwned(ctx context.Context, log *slog.Logger, key, owner string, req Request) (Result, bool, error) {
	stream := StreamFor(key)
	hist, err := s.history(ctx, stream)
	if err != nil {
		return Result{}, false, err
	}
	if hist.sent != nil {
		// Sent and recorded before the index was completed.
		return s.complete(ctx, key, owner, req, *hist.sent, hist.sentEventID, true)
	}

	tried := append([]string(nil), hist.rejected...)
	for _, pid := range hist.pending {
		done, resp, eventID, err := s.reconcile(ctx, log, key, req, pid)
		if err != nil {
			return Result{}, false, err
		}
		if done {
			return s.complete(ctx, key, owner, req, resp, eventID, false)
		}
		tried = append(tried, pid)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, false, err
		}
		if _, err := s.append(ctx, stream, EventAttempted, req, "", attempt{}); err != nil {
			return Result{}, false, err
		}
		routed, err := s.router.Route(ctx, req.Lane, req.Selector, req.Dispatch,
			router.StopOnTimeout(), router.Skip(tried...))
		observed := context.WithoutCancel(ctx)

		var amb *router.AmbiguousError
		if errors.As(err, &amb) {
			if _, err := s.append(observed, stream, EventPending, req, "", attempt{ProviderID: amb.ProviderID}); err != nil {
				log.ErrorContext(ctx, "ambiguous attempt not recorded, holding key", "provider_id", amb.ProviderID, "error", err)
				return Result{}, true, err
			}
			done, resp, eventID, err := s.reconcile(ctx, log, key, req, amb.ProviderID)
			if err != nil {
				return Result{}, false, err
			}
			if done {
				return s.complete(ctx, key, owner, req, resp, eventID, false)
			}
			tried = append(tried, amb.ProviderID)
			continue
		}
		if err != nil {
			// No provider accepted the call.
			s.metrics.DeliveryOutcome(ctx, "failed")
			if _, aerr := s.append(observed, stream, EventFailed, req, reason.CodeOf(err), attempt{}); aerr != nil {
				err = errors.Join(err, aerr)
			}
			return Result{}, false, err
		}

		if routed.Response.Status != capability.StatusOK {
			// A definitive contract answer: nothing was sent.
			if _, err := s.append(observed, stream, EventRejected, req, routed.Response.ReasonCode,
				attempt{ProviderID: routed.ProviderID, Response: &routed.Response}); err != nil {
				return Result{}, false, err
			}
			s.metrics.DeliveryOutcome(ctx, "rejected")
			return Result{Key: key, Response: routed.Response}, false, nil
		}

		ev, err := s.append(observed, stream, EventSent, req, "", attempt{ProviderID: routed.ProviderID, Response: &routed.Response})
		if err != nil {
			log.ErrorContext(ctx, "send not recorded, holding key", "provider_id", routed.ProviderID, "error", err)
			return Result{}, true, err
		}
		return s.complete(ctx, key, owner, req, routed.Response, ev.EventID, false)
	}
}

// reconcile resolves one pending attempt. done is true when the provider
// confirms delivery. A nil error with done false means the provider confirmed
// nothing was sent. An unknown verdict returns ErrPending. An empty
// providerID is an attempt whose provider was never recorded.
func (s *Service) reconcile(ctx context.Context, log *slog.Logger, key string, req Request, providerID string) (bool, capability.Response, string, error) {
	verdict := Unknown
	var resp capability.Response
	if s.reconciler != nil {
		v, r, err := s.reconciler.Lookup(ctx, req.Lane, providerID, key)
		if err != nil {
			log.WarnContext(ctx, "reconciliation failed", "error", err)
		} else {
			verdict, resp = v, r
		}
	}
	log.InfoContext(ctx, "reconciled ambiguous attempt", "provider_id", providerID, "verdict", verdict)

	stream := StreamFor(key)
	ctx = context.WithoutCancel(ctx)
	switch verdict {
	case Delivered:
		if resp.Status == "" {
			resp.Status = capability.StatusOK
		}
		ev, err := s.append(ctx, stream, EventSent, req, "", attempt{ProviderID: providerID, Response: &resp, Reconciled: true})
		if err != nil {
			return false, resp, "", err
		}
		return true, resp, ev.EventID, nil
	case NotDelivered:
		_, err := s.append(ctx, stream, EventReconciled, req, "", attempt{ProviderID: providerID, Verdict: NotDelivered})
		return false, resp, "", err
	default:
		s.metrics.DeliveryOutcome(ctx, "pending")
		return false, resp, "", reason.New(reason.ClassRetryable, reason.DeliveryPending,
			"attempt under key %s is unresolved", key)
	}
}

func (s *Service) complete(ctx context.Context, key, owner string, req Request, resp capability.Response, eventID string, recovered bool) (Result, bool, error) {
	snapshot, err := json.Marshal(resp)
	if err != nil {
		return Result{}, false, fmt.Errorf("delivery: snapshot: %w", err)
	}
	if _, err := s.index.Complete(context.WithoutCancel(ctx), req.TenantID, key, owner, eventID, snapshot); err != nil {
		// The send is in the ledger; a later caller completes the key from it.
		return Result{}, true, err
	}
	s.metrics.DeliveryOutcome(ctx, "sent")
	return Result{Key: key, Response: resp, Replayed: recovered}, true, nil
}

func (s *Service) replay(ctx context.Context, key string, rec idempotency.Record) (Result, error) {
	var resp capability.Response
	if err := json.Unmarshal(rec.ResultSnapshot, &resp); err != nil {
		return Result{}, reason.Wrap(reason.ClassIntegrity, reason.DedupeKeyCollision, err, "unreadable snapshot for %s", key)
	}
	s.metrics.DeliveryOutcome(ctx, "replayed")
	return Result{Key: key, Response: resp, Replayed: true}, nil
}

type attempt struct {
	TenantID   string               `json:"tenant_id"`
	ProviderID string               `json:"provider_id"`
	Verdict    Verdict              `json:"verdict,omitempty"`
	Reconciled bool                 `json:"reconciled,omitempty"`
	Response   *capability.Response `json:"response,omitempty"`
}

func (s *Service) append(ctx context.Context, stream, eventType string, req Request, code reason.Code, a attempt) (ledger.Event, error) {
	a.TenantID = req.TenantID
	ev, err := ledger.NewEvent(eventType, a)
	if err != nil {
		return ledger.Event{}, err
	}
	ev.EventID = uuid.NewString()
	ev.CorrelationID = req.Dispatch.CorrelationID
	ev.ReasonCode = string(code)
	res, err := s.ledger.Append(ctx, stream, ev)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("delivery: record %s: %w", eventType, err)
	}
	return res.Event, nil
}

type history struct {
	sent        *capability.Response
	sentEventID string
	pending     []string
	rejected    []string
}

// history folds the delivery stream: providers with an unresolved pending
// attempt, providers confirmed not delivered, and any recorded send. An
// attempted record left open is reported as pending under an empty provider.
func (s *Service) history(ctx context.Context, stream string) (history, error) {
	events, err := s.ledger.Read(ctx, stream, 1)
	if err != nil {
		return history{}, err
	}
	var h history
	open := map[string]bool{}
	var order []string
	dangling := false
	for _, ev := range events {
		var a attempt
		if err := ev.Decode(&a); err != nil {
			return history{}, err
		}
		switch ev.EventType {
		case EventAttempted:
			dangling = true
		case EventSent:
			dangling = false
			h.sent, h.sentEventID = a.Response, ev.EventID
			if h.sent == nil {
				h.sent = &capability.Response{Status: capability.StatusOK}
			}
		case EventPending:
			dangling = false
			if _, seen := open[a.ProviderID]; !seen {
				order = append(order, a.ProviderID)
			}
			open[a.ProviderID] = true
		case EventReconciled:
			if a.ProviderID == "" {
				dangling = false
				continue
			}
			open[a.ProviderID] = false
			h.rejected = append(h.rejected, a.ProviderID)
		case EventRejected, EventFailed:
			dangling = false
		}
	}
	if dangling {
		h.pending = append(h.pending, "")
	}
	for _, pid := range order {
		if open[pid] {
			h.pending = append(h.pending, pid)
		}
	}
	return h, nil
}
