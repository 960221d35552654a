// Package executor drives work orders through their process blueprints.
//
// Every transition is appended to the work order's ledger stream and the
// executor reads state back only from the projection of that stream. Steps
// of one work order run strictly in order under a per-work-order lock; steps
// of different work orders run concurrently and share nothing but the
// idempotency index and the provider breakers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/audit"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/catalog"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/delivery"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/gate"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/idempotency"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/observability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/workorder"
)

// Config holds the executor policy.
type Config struct {
	// Caller is the identity the executor dispatches under; capabilities
	// must list it in allowed_callers.
	Caller      string
	ClarifyWait time.Duration
	ConfirmWait time.Duration
	// MaxJitterMs bounds the deterministic jitter added to retry backoff.
	MaxJitterMs int64
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Caller:      "executor",
		ClarifyWait: 10 * time.Minute,
		ConfirmWait: 5 * time.Minute,
		MaxJitterMs: 250,
	}
}

// Signals are the per-call inputs of the gates. They accompany every call
// that may advance a work order and are never persisted.
type Signals struct {
	Credential    string
	InputAccepted bool
	InputReason   reason.Code
	Confidence    float64
}

// Deliverer performs exactly-once side effects.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// Deps are the collaborators of an Executor. Ledger should be the journal
// whose hooks feed Projection; the executor registers the work order reducer
// itself.
type Deps struct {
	Catalogs   *catalog.Catalogs
	Engines    capability.Engines
	Gates      *gate.Sequencer
	Ledger     ledger.Store
	Projection *projection.Engine
	// Delivery serves steps that declare a delivery recipient. Nil fails
	// those steps closed.
	Delivery Deliverer
	Audit    *audit.Emitter

	Clock   clock.Clock
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *observability.Metrics
}

// Executor runs work orders.
type Executor struct {
	cfg        Config
	cat        *catalog.Catalogs
	engines    capability.Engines
	gates      *gate.Sequencer
	ledger     ledger.Store
	projection *projection.Engine
	delivery   Deliverer
	audit      *audit.Emitter

	clk     clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	orders   *keyedLocks
	entities *keyedLocks
}

// New validates deps and builds an Executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	switch {
	case deps.Catalogs == nil:
		return nil, errors.New("executor: catalogs are required")
	case deps.Ledger == nil:
		return nil, errors.New("executor: ledger is required")
	case deps.Projection == nil:
		return nil, errors.New("executor: projection engine is required")
	case deps.Gates == nil:
		return nil, errors.New("executor: gate sequencer is required")
	}
	if cfg.Caller == "" {
		cfg.Caller = DefaultConfig().Caller
	}
	x := &Executor{
		cfg:        cfg,
		cat:        deps.Catalogs,
		engines:    deps.Engines,
		gates:      deps.Gates,
		ledger:     deps.Ledger,
		projection: deps.Projection,
		delivery:   deps.Delivery,
		audit:      deps.Audit,
		clk:        deps.Clock,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		metrics:    deps.Metrics,
		orders:     newKeyedLocks(),
		entities:   newKeyedLocks(),
	}
	if x.clk == nil {
		x.clk = clock.Wall()
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	x.logger = x.logger.With("component", "executor")
	if x.tracer == nil {
		x.tracer = otel.Tracer(observability.ScopeName)
	}
	x.projection.Register(workorder.StreamFamily, workorder.Reducer)
	return x, nil
}

// SubmitRequest is a classified inbound request.
type SubmitRequest struct {
	TenantID  string
	ProcessID string
	// RequestID makes Submit idempotent: a repeated request id returns the
	// existing work order instead of creating another.
	RequestID     string
	CorrelationID string
	EntityKey     string
	Fields        map[string]any
	Signals       Signals
}

// Submit binds a request to the ACTIVE blueprint of its process and advances
// the new work order as far as it can go without input.
func (x *Executor) Submit(ctx context.Context, req SubmitRequest) (workorder.WorkOrder, error) {
	if req.TenantID == "" {
		return workorder.WorkOrder{}, reason.New(reason.ClassValidation, reason.InputSchemaViolation, "tenant_id is required")
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	bp, err := x.cat.Blueprints.Active(req.ProcessID)
	if err != nil {
		x.logger.WarnContext(ctx, "no blueprint", "process_id", req.ProcessID, "error", err)
		x.emit(ctx, correlationID, "", "workorder.rejected", reason.NoBlueprintAvailable, map[string]any{"process_id": req.ProcessID})
		return workorder.WorkOrder{}, err
	}

	id := uuid.NewString()
	if req.RequestID != "" {
		id = "wo-" + idempotency.DeriveKey(req.TenantID, req.ProcessID, req.RequestID)[:32]
	}
	unlock := x.orders.Lock(id)
	defer unlock()

	ctx, span := x.tracer.Start(ctx, "executor.submit", trace.WithAttributes(
		attribute.String("work_order_id", id), attribute.String("process_id", bp.ProcessID)))
	defer span.End()

	w := &workorder.WorkOrder{ID: id, CorrelationID: correlationID}
	replayed, err := x.record(ctx, w, workorder.EventCreated, workorder.Change{
		TenantID:         req.TenantID,
		ProcessID:        bp.ProcessID,
		BlueprintVersion: bp.Version,
		EntityKey:        req.EntityKey,
		Fields:           maps.Clone(req.Fields),
	}, "", req.RequestID)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	if replayed {
		x.logger.InfoContext(ctx, "submit replayed", "work_order_id", id)
		return x.load(ctx, req.TenantID, id)
	}
	x.logger.InfoContext(ctx, "work order created", "work_order_id", id, "process_id", bp.ProcessID,
		"blueprint_version", bp.Version, "correlation_id", w.CorrelationID)

	if err := x.advance(ctx, w, bp, req.Signals); err != nil {
		return *w, err
	}
	return *w, nil
}

// SupplyFields answers an outstanding clarification and resumes the work
// order.
func (x *Executor) SupplyFields(ctx context.Context, tenantID, id string, fields map[string]any, sig Signals) (workorder.WorkOrder, error) {
	unlock := x.orders.Lock(id)
	defer unlock()

	w, bp, err := x.open(ctx, tenantID, id)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	if w.Status != workorder.Clarify {
		return w, reason.New(reason.ClassValidation, reason.NotAwaitingInput, "work order %s is %s", id, w.Status)
	}
	if len(fields) == 0 {
		return w, reason.New(reason.ClassValidation, reason.InputSchemaViolation, "no fields supplied")
	}

	ctx, span := x.tracer.Start(ctx, "executor.supply_fields", trace.WithAttributes(attribute.String("work_order_id", id)))
	defer span.End()

	if _, err := x.record(ctx, &w, workorder.EventFieldsSupplied, workorder.Change{Fields: maps.Clone(fields)}, "", ""); err != nil {
		return w, err
	}
	if err := x.advance(ctx, &w, bp, sig); err != nil {
		return w, err
	}
	return w, nil
}

// Confirm answers an outstanding confirmation for stepID. A declined
// confirmation refuses the work order.
func (x *Executor) Confirm(ctx context.Context, tenantID, id, stepID string, accept bool, sig Signals) (workorder.WorkOrder, error) {
	unlock := x.orders.Lock(id)
	defer unlock()

	w, bp, err := x.open(ctx, tenantID, id)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	if w.Status != workorder.Confirm || w.Prompt == nil || w.Prompt.StepID != stepID {
		return w, reason.New(reason.ClassValidation, reason.NotAwaitingInput, "work order %s awaits no confirmation for %s", id, stepID)
	}

	ctx, span := x.tracer.Start(ctx, "executor.confirm", trace.WithAttributes(
		attribute.String("work_order_id", id), attribute.String("step_id", stepID)))
	defer span.End()

	if !accept {
		_, err := x.record(ctx, &w, workorder.EventRefused, workorder.Change{StepID: stepID, Gate: string(gate.Confirmation)},
			reason.ConfirmationDeclined, "")
		return w, err
	}
	if _, err := x.record(ctx, &w, workorder.EventConfirmed, workorder.Change{StepID: stepID}, "", ""); err != nil {
		return w, err
	}
	if err := x.advance(ctx, &w, bp, sig); err != nil {
		return w, err
	}
	return w, nil
}

// Expire enforces the wait window of a suspended work order. The first
// expiry re-prompts once; the second fails the work order closed.
func (x *Executor) Expire(ctx context.Context, tenantID, id string) (workorder.WorkOrder, error) {
	unlock := x.orders.Lock(id)
	defer unlock()

	w, err := x.load(ctx, tenantID, id)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	if _, err := x.expireLocked(ctx, &w); err != nil {
		return w, err
	}
	return w, nil
}

func (x *Executor) expireLocked(ctx context.Context, w *workorder.WorkOrder) (bool, error) {
	p := w.Prompt
	if p == nil || (w.Status != workorder.Clarify && w.Status != workorder.Confirm) {
		return false, nil
	}
	now := x.clk.Now()
	if now.Before(p.Deadline) {
		return false, nil
	}

	if p.Count < 2 {
		next := *p
		next.Count++
		next.IssuedAt = now
		next.Deadline = now.Add(x.wait(p.Kind))
		eventType := workorder.EventClarifyRequested
		c := workorder.Change{StepID: p.StepID, Field: p.Field, Missing: w.MissingFields, Prompt: &next}
		if p.Kind == workorder.PromptConfirm {
			eventType = workorder.EventConfirmRequested
		}
		x.logger.InfoContext(ctx, "re-prompting", "work_order_id", w.ID, "kind", p.Kind, "step_id", p.StepID)
		_, err := x.record(ctx, w, eventType, c, "", "")
		return err == nil, err
	}

	code := reason.ClarificationTimeout
	if p.Kind == workorder.PromptConfirm {
		code = reason.ConfirmationTimeout
	}
	x.logger.InfoContext(ctx, "wait window elapsed", "work_order_id", w.ID, "kind", p.Kind, "reason_code", code)
	_, err := x.record(ctx, w, workorder.EventFailed, workorder.Change{StepID: p.StepID, Field: p.Field}, code, "")
	return err == nil, err
}

// Sweep applies Expire to every suspended work order and reports how many
// changed.
func (x *Executor) Sweep(ctx context.Context) (int, error) {
	streams, err := x.ledger.Streams(ctx, workorder.StreamFamily+"/")
	if err != nil {
		return 0, err
	}
	changed := 0
	var errs []error
	for _, stream := range streams {
		id := strings.TrimPrefix(stream, workorder.StreamFamily+"/")
		n, err := x.sweepOne(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		changed += n
	}
	return changed, errors.Join(errs...)
}

func (x *Executor) sweepOne(ctx context.Context, id string) (int, error) {
	unlock := x.orders.Lock(id)
	defer unlock()

	w, err := x.read(ctx, id)
	if err != nil {
		return 0, err
	}
	if ok, err := x.expireLocked(ctx, &w); err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

func (x *Executor) wait(kind workorder.PromptKind) time.Duration {
	if kind == workorder.PromptConfirm {
		return x.cfg.ConfirmWait
	}
	return x.cfg.ClarifyWait
}

// Get returns the current projection of a work order.
func (x *Executor) Get(ctx context.Context, tenantID, id string) (workorder.WorkOrder, error) {
	return x.load(ctx, tenantID, id)
}

// open loads a live work order and the blueprint version it was bound to.
func (x *Executor) open(ctx context.Context, tenantID, id string) (workorder.WorkOrder, *catalog.Blueprint, error) {
	w, err := x.load(ctx, tenantID, id)
	if err != nil {
		return workorder.WorkOrder{}, nil, err
	}
	if w.Status.Terminal() {
		return w, nil, reason.New(reason.ClassValidation, reason.WorkOrderTerminal, "work order %s is %s", id, w.Status)
	}
	bp, err := x.cat.Blueprints.Version(w.ProcessID, w.BlueprintVersion)
	if err != nil {
		return w, nil, err
	}
	return w, bp, nil
}

func (x *Executor) load(ctx context.Context, tenantID, id string) (workorder.WorkOrder, error) {
	w, err := x.read(ctx, id)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	if w.TenantID != tenantID {
		return workorder.WorkOrder{}, unknown(id)
	}
	return w, nil
}

// read returns the projected work order, rebuilding the projection from the
// ledger when it lags behind the stream head.
func (x *Executor) read(ctx context.Context, id string) (workorder.WorkOrder, error) {
	stream := workorder.StreamID(id)
	head, err := x.ledger.Head(ctx, stream)
	if err != nil {
		return workorder.WorkOrder{}, err
	}
	if head == 0 {
		return workorder.WorkOrder{}, unknown(id)
	}
	set, seq := x.projection.Snapshot(stream)
	if seq != head {
		if set, err = x.projection.Rebuild(ctx, stream); err != nil {
			return workorder.WorkOrder{}, err
		}
	}
	for _, rec := range set {
		if rec.EntityID == id {
			return workorder.FromRecord(rec)
		}
	}
	return workorder.WorkOrder{}, unknown(id)
}

func unknown(id string) error {
	return reason.New(reason.ClassValidation, reason.UnknownWorkOrder, "work order %s", id)
}

// record appends one event to the work order stream and folds it into w.
// replayed reports an idempotent echo of an earlier append.
func (x *Executor) record(ctx context.Context, w *workorder.WorkOrder, eventType string, c workorder.Change, code reason.Code, idemKey string) (bool, error) {
	c.WorkOrderID = w.ID
	ev, err := ledger.NewEvent(eventType, c)
	if err != nil {
		return false, err
	}
	ev.ReasonCode = string(code)
	ev.CorrelationID = w.CorrelationID
	ev.IdempotencyKey = idemKey

	from := w.Status
	res, err := x.ledger.Append(ctx, workorder.StreamID(w.ID), ev)
	if res.Event.SequenceNo == 0 {
		if err == nil {
			err = fmt.Errorf("executor: append %s returned no event", eventType)
		}
		return false, err
	}
	if res.Replayed {
		return true, err
	}
	if applyErr := workorder.Apply(w, res.Event); applyErr != nil {
		return false, errors.Join(err, applyErr)
	}
	if w.Status != from {
		x.metrics.WorkOrderTransition(ctx, w.ProcessID, string(from), string(w.Status))
		x.logger.DebugContext(ctx, "transition", "work_order_id", w.ID, "from", from, "to", w.Status, "reason_code", code)
	}
	// A hook failure leaves the event committed; the projection catches up
	// on the next read.
	return false, err
}

func (x *Executor) emit(ctx context.Context, correlationID, streamID, eventType string, code reason.Code, payload map[string]any) {
	if x.audit == nil {
		return
	}
	if err := x.audit.Record(ctx, correlationID, streamID, eventType, code, payload); err != nil {
		x.logger.WarnContext(ctx, "audit emit failed", "event_type", eventType, "error", err)
	}
}
