// Package router picks a provider for each external capability call. Every
// lane has an ordered provider ladder, resolved per request from scoped
// overrides, and a deterministic circuit breaker per provider.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/audit"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/observability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// StreamFamily is the ledger family holding breaker transitions, one stream
// per lane.
const StreamFamily = "provider"

// ErrNoHealthyProvider is returned when every provider in the ladder was
// skipped or failed.
var ErrNoHealthyProvider = reason.Sentinel(reason.ClassRetryable, reason.NoHealthyProvider)

// AmbiguousError reports a provider call that timed out without an
// acknowledgement. Returned only when the route stops on timeouts.
type AmbiguousError struct {
	Lane       string
	ProviderID string
	Rank       int
	Err        error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("router: %s provider rank %d: ambiguous result: %v", e.Lane, e.Rank, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// Provider binds an engine to a lane.
type Provider struct {
	ID     string
	Engine capability.Engine
	// RatePerSecond limits calls to this provider; zero means unlimited.
	RatePerSecond float64
	Burst         int
}

// Lane is a capability lane with its providers and routing policy.
type Lane struct {
	Name      string
	Providers []Provider
	Policy    LanePolicy
}

// Result is a routed response together with the provider that produced it.
type Result struct {
	Response   capability.Response
	ProviderID string
	Rank       int
}

type provider struct {
	id      string
	engine  capability.Engine
	breaker *Breaker
	limiter *rate.Limiter
}

type lane struct {
	name      string
	policy    LanePolicy
	providers map[string]*provider
}

// Option configures a Router.
type Option func(*Router)

func WithClock(c clock.Clock) Option { return func(r *Router) { r.clk = c } }
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }
func WithAudit(e *audit.Emitter) Option { return func(r *Router) { r.audit = e } }
func WithLedger(s ledger.Store) Option { return func(r *Router) { r.ledger = s } }
func WithHealthCache(c HealthCache) Option { return func(r *Router) { r.cache = c } }
func WithMetrics(m *observability.Metrics) Option { return func(r *Router) { r.metrics = m } }

// Router routes capability calls across provider ladders.
type Router struct {
	lanes   map[string]*lane
	clk     clock.Clock
	logger  *slog.Logger
	audit   *audit.Emitter
	ledger  ledger.Store
	cache   HealthCache
	metrics *observability.Metrics
}

// New validates the lanes and builds one breaker per provider.
func New(lanes []Lane, opts ...Option) (*Router, error) {
	r := &Router{lanes: make(map[string]*lane, len(lanes))}
	for _, o := range opts {
		o(r)
	}
	if r.clk == nil {
		r.clk = clock.Wall()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "router")

	for _, l := range lanes {
		if l.Name == "" {
			return nil, errors.New("router: lane without name")
		}
		if _, dup := r.lanes[l.Name]; dup {
			return nil, fmt.Errorf("router: duplicate lane %s", l.Name)
		}
		t := l.Policy.Thresholds.Merge(DefaultThresholds())
		ln := &lane{name: l.Name, policy: l.Policy, providers: make(map[string]*provider, len(l.Providers))}
		for _, p := range l.Providers {
			if p.ID == "" || p.Engine == nil {
				return nil, fmt.Errorf("router: lane %s: provider needs an id and an engine", l.Name)
			}
			if _, dup := ln.providers[p.ID]; dup {
				return nil, fmt.Errorf("router: lane %s: duplicate provider %s", l.Name, p.ID)
			}
			pr := &provider{id: p.ID, engine: p.Engine, breaker: NewBreaker(t, r.clk)}
			if p.RatePerSecond > 0 {
				pr.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), max(p.Burst, 1))
			}
			ln.providers[p.ID] = pr
		}
		for _, id := range l.Policy.referenced() {
			if _, ok := ln.providers[id]; !ok {
				return nil, fmt.Errorf("router: lane %s: policy references unknown provider %s", l.Name, id)
			}
		}
		r.lanes[l.Name] = ln
	}
	return r, nil
}

// RouteOption adjusts a single Route call.
type RouteOption func(*routeOptions)

type routeOptions struct {
	skip          map[string]bool
	stopOnTimeout bool
}

// Skip excludes providers already tried under the same delivery key.
func Skip(ids ...string) RouteOption {
	return func(o *routeOptions) {
		for _, id := range ids {
			o.skip[id] = true
		}
	}
}

// StopOnTimeout makes a timeout or a canceled call return an
// *AmbiguousError instead of falling through to the next provider.
func StopOnTimeout() RouteOption {
	return func(o *routeOptions) { o.stopOnTimeout = true }
}

// Lanes lists configured lane names.
func (r *Router) Lanes() []string {
	out := make([]string, 0, len(r.lanes))
	for name := range r.lanes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Ladder returns the resolved provider order for sel.
func (r *Router) Ladder(laneName string, sel Selector) ([]string, error) {
	l, ok := r.lanes[laneName]
	if !ok {
		return nil, reason.New(reason.ClassValidation, reason.UnknownCapability, "router: unknown lane %s", laneName)
	}
	return l.policy.Ladder(sel), nil
}

// Health returns the breaker snapshot of one provider.
func (r *Router) Health(laneName, providerID string) (HealthState, bool) {
	l, ok := r.lanes[laneName]
	if !ok {
		return HealthState{}, false
	}
	p, ok := l.providers[providerID]
	if !ok {
		return HealthState{}, false
	}
	return p.breaker.Health(), true
}

// Route sends req down the resolved ladder. A provider is skipped while its
// breaker is OPEN, while it is out of probe slots, or while it is rate
// limited. Retryable provider failures fall through to the next rank; any
// contract-level answer (OK, NEEDS_CLARIFY, REFUSED, or FAIL with a
// capability reason) is returned as is.
func (r *Router) Route(ctx context.Context, laneName string, sel Selector, req capability.Request, opts ...RouteOption) (Result, error) {
	l, ok := r.lanes[laneName]
	if !ok {
		return Result{}, reason.New(reason.ClassValidation, reason.UnknownCapability, "router: unknown lane %s", laneName)
	}
	o := routeOptions{skip: map[string]bool{}}
	for _, fn := range opts {
		fn(&o)
	}

	var lastErr error
	for rank, id := range l.policy.Ladder(sel) {
		if o.skip[id] {
			continue
		}
		p := l.providers[id]
		if p.limiter != nil && !p.limiter.AllowN(r.clk.Now(), 1) {
			lastErr = reason.New(reason.ClassRetryable, reason.ProviderRateLimited, "rank %d rate limited", rank)
			continue
		}
		permit, admitted, tr := p.breaker.Allow()
		r.observe(ctx, l, p, rank, req.CorrelationID, tr)
		if !admitted {
			continue
		}

		start := r.clk.Now()
		resp, err := p.engine.Invoke(ctx, req)
		kind, failure := classify(req.CapabilityID, resp, err)
		tr = p.breaker.Record(permit, Outcome{Kind: kind, Latency: r.clk.Now().Sub(start)})
		r.observe(ctx, l, p, rank, req.CorrelationID, tr)

		if kind == Success {
			return Result{Response: resp, ProviderID: id, Rank: rank}, nil
		}
		lastErr = failure
		r.logger.WarnContext(ctx, "provider call failed",
			"lane", l.name, "provider_rank", rank, "reason_code", reason.CodeOf(failure))

		if (kind == Timeout || kind == Canceled) && o.stopOnTimeout {
			return Result{ProviderID: id, Rank: rank}, &AmbiguousError{Lane: l.name, ProviderID: id, Rank: rank, Err: failure}
		}
		if ctx.Err() != nil {
			return Result{}, reason.Wrap(reason.ClassRetryable, reason.ProviderTimeout, ctx.Err(), "lane %s", l.name)
		}
	}

	if r.audit != nil {
		if err := r.audit.Record(ctx, req.CorrelationID, ledger.StreamID(StreamFamily, l.name), "provider.exhausted",
			reason.NoHealthyProvider, map[string]any{"lane": l.name}); err != nil {
			r.logger.ErrorContext(ctx, "audit emit failed", "error", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no admitted provider")
	}
	return Result{}, reason.Wrap(reason.ClassRetryable, reason.NoHealthyProvider, lastErr, "lane %s", l.name)
}

// classify maps an engine answer to a breaker outcome and, for failures, a
// reason-coded error.
func classify(capabilityID string, resp capability.Response, err error) (Kind, error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Canceled, reason.Wrap(reason.ClassRetryable, reason.ProviderTimeout, err, "%s: caller canceled", capabilityID)
		}
		if errors.Is(err, context.DeadlineExceeded) || reason.CodeOf(err) == reason.ProviderTimeout {
			return Timeout, reason.Wrap(reason.ClassRetryable, reason.ProviderTimeout, err, "%s", capabilityID)
		}
		if reason.CodeOf(err) != "" {
			return Failure, err
		}
		return Failure, reason.Wrap(reason.ClassRetryable, reason.ProviderUnavailable, err, "%s", capabilityID)
	}
	if verr := capability.ValidateResponse(capabilityID, resp); verr != nil {
		return Failure, verr
	}
	if resp.Status == capability.StatusFail {
		switch resp.ReasonCode {
		case reason.ProviderTimeout:
			return Timeout, reason.New(reason.ClassRetryable, resp.ReasonCode, "%s", capabilityID)
		case reason.ProviderUnavailable, reason.ProviderError, reason.ProviderRateLimited:
			return Failure, reason.New(reason.ClassRetryable, resp.ReasonCode, "%s", capabilityID)
		}
	}
	return Success, nil
}

// observe publishes a breaker transition to the audit emitter, the lane's
// provider ledger stream, metrics and the health cache.
func (r *Router) observe(ctx context.Context, l *lane, p *provider, rank int, correlationID string, tr *Transition) {
	if tr == nil {
		return
	}
	r.logger.InfoContext(ctx, "breaker transition",
		"lane", l.name, "provider_rank", rank, "from", tr.From, "to", tr.To, "trigger", tr.Trigger, "trips", tr.Trips)
	r.metrics.BreakerTransition(ctx, l.name, rank, string(tr.From), string(tr.To))

	streamID := ledger.StreamID(StreamFamily, l.name)
	if r.audit != nil {
		payload := map[string]any{
			"lane":          l.name,
			"provider_rank": rank,
			"from":          string(tr.From),
			"to":            string(tr.To),
			"trip_count":    tr.Trips,
		}
		if tr.To == Open {
			payload["delay_ms"] = tr.Cooldown.Milliseconds()
		}
		if err := r.audit.Record(ctx, correlationID, streamID, "provider.circuit_transition", tr.ReasonCode, payload); err != nil {
			r.logger.ErrorContext(ctx, "audit emit failed", "error", err)
		}
	}
	if r.ledger != nil {
		ev, err := ledger.NewEvent(EventCircuitTransition, transitionRecord{
			ProviderID: p.id,
			From:       tr.From,
			To:         tr.To,
			Trigger:    tr.Trigger,
			Trips:      tr.Trips,
			CooldownMS: tr.Cooldown.Milliseconds(),
			At:         tr.At,
		})
		if err == nil {
			ev.ReasonCode = string(tr.ReasonCode)
			ev.CorrelationID = correlationID
			_, err = r.ledger.Append(ctx, streamID, ev)
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "provider ledger append failed", "lane", l.name, "error", err)
		}
	}
	if r.cache != nil {
		if err := r.cache.Put(ctx, l.name, p.id, p.breaker.Health()); err != nil {
			r.logger.WarnContext(ctx, "health cache write failed", "lane", l.name, "error", err)
		}
	}
}

// LaneEngine exposes a lane as a capability.Engine so the executor can
// dispatch to it like any other engine.
type LaneEngine struct {
	router   *Router
	lane     string
	selector func(capability.Request) Selector
}

// NewLaneEngine builds a LaneEngine. A nil selector scopes by tenant only.
func NewLaneEngine(r *Router, laneName string, selector func(capability.Request) Selector) *LaneEngine {
	if selector == nil {
		selector = func(req capability.Request) Selector { return Selector{TenantID: req.TenantID} }
	}
	return &LaneEngine{router: r, lane: laneName, selector: selector}
}

func (e *LaneEngine) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	res, err := e.router.Route(ctx, e.lane, e.selector(req), req)
	if err != nil {
		return capability.Response{}, err
	}
	return res.Response, nil
}
