package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/audit"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/catalog"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/delivery"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/gate"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/idempotency"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/router"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/workorder"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type engine struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req capability.Request, n int32) (capability.Response, error)
}

func (e *engine) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	n := e.calls.Add(1)
	return e.fn(ctx, req, n)
}

func returns(resp capability.Response) func(context.Context, capability.Request, int32) (capability.Response, error) {
	return func(context.Context, capability.Request, int32) (capability.Response, error) { return resp, nil }
}

func okWith(fields map[string]any) func(context.Context, capability.Request, int32) (capability.Response, error) {
	return returns(capability.Response{Status: capability.StatusOK, ProducedFields: fields})
}

func testCatalogs(t *testing.T) *catalog.Catalogs {
	t.Helper()
	caps := []catalog.Capability{
		{
			ID:             "calendar.lookup",
			AllowedCallers: []string{"executor"},
			Produces:       []string{"slot"},
			InputSchema: map[string]any{
				"type":       "object",
				"required":   []any{"date"},
				"properties": map[string]any{"date": map[string]any{"type": "string"}},
			},
		},
		{ID: "message.send", Lane: "delivery", AllowedCallers: []string{"executor"}, Produces: []string{"message_id"}},
		{ID: "record.write", AllowedCallers: []string{"executor"}},
		{ID: "profile.update", AllowedCallers: []string{"executor"}},
	}
	blueprints := []catalog.Blueprint{
		{
			ProcessID:              "book_meeting",
			Version:                "1.1.0",
			Status:                 catalog.StatusActive,
			ConfirmationPoints:     []string{"notify"},
			SimulationRequirements: []catalog.SimulationRequirement{{SimulationID: "sim.message.send", Version: "^2.0.0"}},
			Steps: []catalog.Step{
				{
					ID:             "lookup",
					Capability:     "calendar.lookup",
					RequiredFields: []string{"date", "attendee"},
					Produces:       []string{"slot"},
					Retry: catalog.RetryPolicy{
						MaxRetries:           2,
						RetryableReasonCodes: []reason.Code{reason.ProviderTimeout, reason.StepTimeout},
					},
					TimeoutMS: 50,
				},
				{
					ID:             "notify",
					Capability:     "message.send",
					RequiredFields: []string{"recipient", "slot"},
					SideEffect:     true,
					SimulationID:   "sim.message.send",
					Delivery:       &catalog.Delivery{RecipientField: "recipient"},
				},
			},
		},
		{
			ProcessID:              "send_reminder",
			Version:                "1.0.0",
			Status:                 catalog.StatusActive,
			SimulationRequirements: []catalog.SimulationRequirement{{SimulationID: "sim.message.send", Version: "^2.0.0"}},
			Steps: []catalog.Step{{
				ID:             "notify",
				Capability:     "message.send",
				RequiredFields: []string{"recipient"},
				SideEffect:     true,
				SimulationID:   "sim.message.send",
				Delivery:       &catalog.Delivery{RecipientField: "recipient"},
				Retry: catalog.RetryPolicy{
					MaxRetries:           2,
					RetryableReasonCodes: []reason.Code{reason.StepTimeout},
				},
				TimeoutMS: 30,
			}},
		},
		{
			ProcessID:              "archive_note",
			Version:                "1.0.0",
			Status:                 catalog.StatusActive,
			SimulationRequirements: []catalog.SimulationRequirement{{SimulationID: "sim.record.write", Version: "^1.0.0"}},
			Steps: []catalog.Step{{
				ID:             "write",
				Capability:     "record.write",
				RequiredFields: []string{"note"},
				SideEffect:     true,
				SimulationID:   "sim.record.write",
			}},
		},
		{
			ProcessID: "update_profile",
			Version:   "1.0.0",
			Status:    catalog.StatusActive,
			Steps: []catalog.Step{{
				ID:             "update",
				Capability:     "profile.update",
				RequiredFields: []string{"user_id"},
				EntityField:    "user_id",
			}},
		},
	}
	sims := []catalog.Simulation{
		{
			SimulationID: "sim.message.send",
			Version:      "2.1.0",
			Type:         catalog.SimulationCommit,
			Status:       catalog.StatusActive,
			InputSchema: map[string]any{
				"type":       "object",
				"required":   []any{"recipient"},
				"properties": map[string]any{"recipient": map[string]any{"type": "string", "minLength": 3}},
			},
			OutputSchema: map[string]any{"type": "object", "required": []any{"message_id"}},
		},
		{SimulationID: "sim.record.write", Version: "1.0.0", Type: catalog.SimulationCommit, Status: catalog.StatusDeprecated},
	}
	cat, err := catalog.New(caps, blueprints, sims)
	require.NoError(t, err)
	return cat
}

type harness struct {
	t       *testing.T
	clk     *clock.Manual
	store   *ledger.MemoryStore
	journal *ledger.Journal
	proj    *projection.Engine
	audits  *audit.MemoryStore
	cat     *catalog.Catalogs
	gates   *gate.Sequencer

	lookup, write, profile *engine
	primary, secondary     *engine

	index *idempotency.MemoryIndex
	// verdict answers reconciliation lookups; nil means unknown.
	verdict func(providerID string) (delivery.Verdict, capability.Response)

	exec *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		clk:       clock.NewManual(epoch),
		audits:    audit.NewMemoryStore(),
		cat:       testCatalogs(t),
		lookup:    &engine{fn: okWith(map[string]any{"slot": "10:00"})},
		write:     &engine{fn: okWith(nil)},
		profile:   &engine{fn: okWith(nil)},
		primary:   &engine{fn: okWith(map[string]any{"message_id": "p-1"})},
		secondary: &engine{fn: okWith(map[string]any{"message_id": "s-1"})},
	}
	h.store = ledger.NewMemoryStore(ledger.WithClock(h.clk))
	h.journal = ledger.NewJournal(h.store, nil)
	h.proj = projection.NewEngine(h.store)
	h.proj.Register(delivery.StreamFamily, delivery.Reducer)
	emitter := audit.NewEmitter(h.audits, audit.WithClock(h.clk))
	h.journal.OnAppend("projection", h.proj.Hook())
	h.journal.OnAppend("audit", emitter.Mirror())

	r, err := router.New([]router.Lane{{
		Name: "delivery",
		Providers: []router.Provider{
			{ID: "primary", Engine: h.primary},
			{ID: "secondary", Engine: h.secondary},
		},
		Policy: router.LanePolicy{Global: router.Override{Providers: []string{"primary", "secondary"}}},
	}}, router.WithClock(h.clk), router.WithLedger(h.store))
	require.NoError(t, err)

	h.gates = gate.NewSequencer(gate.Config{MinConfidence: 0.6},
		gate.StaticIdentityResolver{"tok-alice": {Subject: "alice", TenantID: "t1"}},
		gate.AllowAll, h.cat.Simulations, nil)

	h.index = idempotency.NewMemoryIndex(h.clk, idempotency.WithLease(30*time.Second))
	reconciler := delivery.ReconcilerFunc(func(_ context.Context, _, providerID, _ string) (delivery.Verdict, capability.Response, error) {
		if h.verdict == nil {
			return delivery.Unknown, capability.Response{}, nil
		}
		v, resp := h.verdict(providerID)
		return v, resp, nil
	})

	cfg := DefaultConfig()
	cfg.MaxJitterMs = 0
	h.exec, err = New(cfg, Deps{
		Catalogs: h.cat,
		Engines: capability.Engines{
			"calendar.lookup": h.lookup,
			"record.write":    h.write,
			"profile.update":  h.profile,
		},
		Gates:      h.gates,
		Ledger:     h.journal,
		Projection: h.proj,
		Delivery:   delivery.New(h.index, r, h.journal, reconciler, delivery.WithClock(h.clk)),
		Audit:      emitter,
		Clock:      h.clk,
	})
	require.NoError(t, err)
	return h
}

var good = Signals{Credential: "tok-alice", InputAccepted: true, Confidence: 0.9}

func (h *harness) submit(process string, fields map[string]any) workorder.WorkOrder {
	h.t.Helper()
	w, err := h.exec.Submit(context.Background(), SubmitRequest{
		TenantID:      "t1",
		ProcessID:     process,
		CorrelationID: "corr-" + process,
		Fields:        fields,
		Signals:       good,
	})
	require.NoError(h.t, err)
	return w
}

func (h *harness) eventTypes(id string) []string {
	h.t.Helper()
	evs, err := h.store.Read(context.Background(), workorder.StreamID(id), 1)
	require.NoError(h.t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.EventType)
	}
	return out
}

func (h *harness) auditTypes(correlationID string) []string {
	h.t.Helper()
	evs, err := h.audits.ByCorrelation(context.Background(), correlationID)
	require.NoError(h.t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.EventType)
	}
	return out
}

// crashedDelivery leaves the notify step of w as a process that died
// mid-send would: the key reserved under its owner and an open attempt on
// primary.
func (h *harness) crashedDelivery(w workorder.WorkOrder) string {
	h.t.Helper()
	ctx := context.Background()
	key, hash, err := delivery.Key(delivery.Request{
		TenantID:        w.TenantID,
		LogicalActionID: w.ID + "/notify",
		Recipient:       "bob@example.com",
		SimulationID:    "sim.message.send",
		Dispatch:        capability.Request{Input: map[string]any{"recipient": "bob@example.com", "slot": "10:00"}},
	})
	require.NoError(h.t, err)
	_, err = h.index.Reserve(ctx, w.TenantID, key, hash, "crashed-process")
	require.NoError(h.t, err)
	for _, eventType := range []string{delivery.EventAttempted, delivery.EventPending} {
		ev, err := ledger.NewEvent(eventType, map[string]any{"tenant_id": w.TenantID, "provider_id": "primary"})
		require.NoError(h.t, err)
		ev.CorrelationID = w.CorrelationID
		_, err = h.journal.Append(ctx, delivery.StreamFor(key), ev)
		require.NoError(h.t, err)
	}
	return key
}

func count(xs []string, x string) int {
	n := 0
	for _, s := range xs {
		if s == x {
			n++
		}
	}
	return n
}

// One missing required field yields exactly one clarification naming it.
func TestSubmit_MissingFieldAsksOnce(t *testing.T) {
	h := newHarness(t)

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05"})

	assert.Equal(t, workorder.Clarify, w.Status)
	require.NotNil(t, w.Prompt)
	assert.Equal(t, workorder.PromptClarify, w.Prompt.Kind)
	assert.Equal(t, "attendee", w.Prompt.Field)
	assert.Equal(t, []string{"attendee"}, w.MissingFields)
	assert.Equal(t, epoch.Add(10*time.Minute), w.Prompt.Deadline)
	assert.Equal(t, []string{workorder.EventCreated, workorder.EventClarifyRequested}, h.eventTypes(w.ID))
	assert.EqualValues(t, 0, h.lookup.calls.Load())

	got, err := h.exec.Get(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, workorder.Clarify, got.Status)
	assert.Equal(t, w.Version, got.Version)
}

func TestSubmit_OnlyMostBlockingFieldIsAsked(t *testing.T) {
	h := newHarness(t)

	w := h.submit("book_meeting", map[string]any{})

	assert.Equal(t, "date", w.Prompt.Field)
	assert.Equal(t, []string{"date", "attendee"}, w.MissingFields)
	assert.Equal(t, 1, count(h.eventTypes(w.ID), workorder.EventClarifyRequested))
}

func TestSubmit_FullRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	require.Equal(t, workorder.Confirm, w.Status)
	assert.Equal(t, "notify", w.Prompt.StepID)
	assert.Equal(t, "10:00", w.Fields["slot"])
	assert.EqualValues(t, 0, h.primary.calls.Load(), "nothing is sent before confirmation")

	w, err := h.exec.Confirm(ctx, "t1", w.ID, "notify", true, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Done, w.Status)
	assert.Equal(t, "p-1", w.Fields["message_id"])
	assert.EqualValues(t, 1, h.primary.calls.Load())
	assert.Equal(t, []string{
		workorder.EventCreated,
		workorder.EventStepStarted, workorder.EventStepCompleted,
		workorder.EventConfirmRequested, workorder.EventConfirmed,
		workorder.EventStepStarted, workorder.EventStepCompleted,
		workorder.EventDone,
	}, h.eventTypes(w.ID))

	trail := h.auditTypes("corr-book_meeting")
	assert.Contains(t, trail, "gate.passed")
	assert.Contains(t, trail, delivery.EventSent)
	assert.Equal(t, 2, count(trail, "step.dispatched"))
	assert.Equal(t, workorder.EventDone, trail[len(trail)-1])

	live, _ := h.proj.Snapshot(workorder.StreamID(w.ID))
	events, err := h.store.Read(ctx, workorder.StreamID(w.ID), 1)
	require.NoError(t, err)
	replayed, err := projection.Fold(workorder.Reducer, events)
	require.NoError(t, err)
	a, err := live.Digest()
	require.NoError(t, err)
	b, err := replayed.Digest()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	streams, err := h.store.Streams(ctx, delivery.StreamFamily+"/")
	require.NoError(t, err)
	require.Len(t, streams, 1)
	set, _ := h.proj.Snapshot(streams[0])
	require.Len(t, set, 1)
	for _, rec := range set {
		assert.Equal(t, delivery.StateSent, rec.Fields["state"])
	}
}

func TestSupplyFields_Resumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "recipient": "bob@example.com"})
	require.Equal(t, workorder.Clarify, w.Status)

	w, err := h.exec.SupplyFields(ctx, "t1", w.ID, map[string]any{"attendee": "bob"}, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Confirm, w.Status)
	assert.Empty(t, w.MissingFields)
	assert.EqualValues(t, 1, h.lookup.calls.Load())

	_, err = h.exec.SupplyFields(ctx, "t1", w.ID, map[string]any{"attendee": "carol"}, good)
	assert.Equal(t, reason.NotAwaitingInput, reason.CodeOf(err))
}

// A side-effecting step without an ACTIVE simulation is refused before
// anything is dispatched.
func TestSubmit_NoActiveSimulationIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w := h.submit("archive_note", map[string]any{"note": "hello"})

	assert.Equal(t, workorder.Refused, w.Status)
	assert.Equal(t, reason.SimulationContractViolation, w.ReasonCode)
	assert.Equal(t, string(gate.Simulation), w.FailedGate)
	assert.EqualValues(t, 0, h.write.calls.Load())
	types := h.eventTypes(w.ID)
	assert.Equal(t, []string{workorder.EventCreated, workorder.EventStepStarted, workorder.EventRefused}, types)
	assert.NotContains(t, types, workorder.EventStepCompleted)

	streams, err := h.store.Streams(ctx, delivery.StreamFamily+"/")
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestConfirm_GatesRefuseLowConfidence(t *testing.T) {
	h := newHarness(t)
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})

	weak := good
	weak.Confidence = 0.2
	w, err := h.exec.Confirm(context.Background(), "t1", w.ID, "notify", true, weak)
	require.NoError(t, err)
	assert.Equal(t, workorder.Refused, w.Status)
	assert.Equal(t, reason.LowConfidence, w.ReasonCode)
	assert.Equal(t, string(gate.Confidence), w.FailedGate)
	assert.EqualValues(t, 0, h.primary.calls.Load())
}

func TestConfirm_UnknownCredentialFailsIdentity(t *testing.T) {
	h := newHarness(t)
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})

	w, err := h.exec.Confirm(context.Background(), "t1", w.ID, "notify", true, Signals{Credential: "stolen", InputAccepted: true, Confidence: 1})
	require.NoError(t, err)
	assert.Equal(t, reason.IdentityUnresolved, w.ReasonCode)
	assert.Equal(t, string(gate.Identity), w.FailedGate)
	assert.EqualValues(t, 0, h.primary.calls.Load())
}

// A delivery step always passes the gates, so a missing credential stops it
// before the provider is called.
func TestConfirm_DeliveryStepWithoutCredentialIsRefused(t *testing.T) {
	h := newHarness(t)
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})

	w, err := h.exec.Confirm(context.Background(), "t1", w.ID, "notify", true, Signals{InputAccepted: true, Confidence: 1})
	require.NoError(t, err)
	assert.Equal(t, workorder.Refused, w.Status)
	assert.Equal(t, reason.IdentityUnresolved, w.ReasonCode)
	assert.Equal(t, string(gate.Identity), w.FailedGate)
	assert.EqualValues(t, 0, h.primary.calls.Load())
	assert.EqualValues(t, 0, h.secondary.calls.Load())

	streams, err := h.store.Streams(context.Background(), delivery.StreamFamily+"/")
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestConfirm_Declined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})

	_, err := h.exec.Confirm(ctx, "t1", w.ID, "lookup", true, good)
	assert.Equal(t, reason.NotAwaitingInput, reason.CodeOf(err))

	w, err = h.exec.Confirm(ctx, "t1", w.ID, "notify", false, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Refused, w.Status)
	assert.Equal(t, reason.ConfirmationDeclined, w.ReasonCode)

	_, err = h.exec.SupplyFields(ctx, "t1", w.ID, map[string]any{"x": 1}, good)
	assert.Equal(t, reason.WorkOrderTerminal, reason.CodeOf(err))
}

func TestStep_NeedsClarifyReentersSameStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var second capability.Request
	h.lookup.fn = func(_ context.Context, req capability.Request, n int32) (capability.Response, error) {
		if n == 1 {
			return capability.Response{Status: capability.StatusNeedsClarify, MissingFields: []string{"duration"}, ReasonCode: "AmbiguousSlot"}, nil
		}
		second = req
		return capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"slot": "11:00"}}, nil
	}

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	assert.Equal(t, workorder.Clarify, w.Status)
	assert.Equal(t, "duration", w.Prompt.Field)
	assert.Equal(t, "lookup", w.Prompt.StepID)
	assert.Equal(t, 0, w.StepIndex)

	w, err := h.exec.SupplyFields(ctx, "t1", w.ID, map[string]any{"duration": "30m"}, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Confirm, w.Status)
	assert.Equal(t, "11:00", w.Fields["slot"])
	assert.EqualValues(t, 2, h.lookup.calls.Load())
	assert.Equal(t, map[string]any{"date": "2026-05-05", "attendee": "bob", "duration": "30m"}, second.Input)
	assert.Equal(t, []string{"duration"}, w.AskedFields["lookup"])
}

// An engine asking for two fields gets both answers before it runs again.
func TestStep_NeedsClarifyAsksEachEngineField(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var last capability.Request
	h.lookup.fn = func(_ context.Context, req capability.Request, n int32) (capability.Response, error) {
		last = req
		if n == 1 {
			return capability.Response{Status: capability.StatusNeedsClarify, MissingFields: []string{"duration", "room"}, ReasonCode: "AmbiguousSlot"}, nil
		}
		return capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"slot": "11:00"}}, nil
	}

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	require.Equal(t, "duration", w.Prompt.Field)

	w, err := h.exec.SupplyFields(ctx, "t1", w.ID, map[string]any{"duration": "30m"}, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Clarify, w.Status)
	assert.Equal(t, "room", w.Prompt.Field)
	assert.EqualValues(t, 1, h.lookup.calls.Load())

	w, err = h.exec.SupplyFields(ctx, "t1", w.ID, map[string]any{"room": "B2"}, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Confirm, w.Status)
	assert.EqualValues(t, 2, h.lookup.calls.Load())
	assert.Equal(t, "30m", last.Input["duration"])
	assert.Equal(t, "B2", last.Input["room"])
}

func TestStep_RefusalCodePassesThrough(t *testing.T) {
	h := newHarness(t)
	h.lookup.fn = returns(capability.Response{Status: capability.StatusRefused, ReasonCode: "CalendarLocked"})

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob"})

	assert.Equal(t, workorder.Refused, w.Status)
	assert.Equal(t, reason.Code("CalendarLocked"), w.ReasonCode)
	assert.Empty(t, w.FailedGate)
}

func TestStep_UnlistedFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.lookup.fn = returns(capability.Response{Status: capability.StatusFail, ReasonCode: reason.ProviderError})

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob"})

	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.ProviderError, w.ReasonCode)
	assert.EqualValues(t, 1, h.lookup.calls.Load())
}

func TestStep_RetriesListedFailure(t *testing.T) {
	h := newHarness(t)
	h.lookup.fn = func(_ context.Context, _ capability.Request, n int32) (capability.Response, error) {
		if n < 3 {
			return capability.Response{Status: capability.StatusFail, ReasonCode: reason.ProviderTimeout}, nil
		}
		return capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"slot": "12:00"}}, nil
	}

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})

	assert.Equal(t, workorder.Confirm, w.Status)
	assert.EqualValues(t, 3, h.lookup.calls.Load())
	assert.Equal(t, 2, count(h.eventTypes(w.ID), workorder.EventStepRetry))
}

func TestStep_RetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	h.lookup.fn = returns(capability.Response{Status: capability.StatusFail, ReasonCode: reason.ProviderTimeout})

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob"})

	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.ProviderTimeout, w.ReasonCode)
	assert.EqualValues(t, 3, h.lookup.calls.Load())
}

func TestStep_TimeoutIsReasonCoded(t *testing.T) {
	h := newHarness(t)
	h.lookup.fn = func(ctx context.Context, _ capability.Request, _ int32) (capability.Response, error) {
		<-ctx.Done()
		return capability.Response{}, ctx.Err()
	}

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob"})

	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.StepTimeout, w.ReasonCode)
	assert.EqualValues(t, 3, h.lookup.calls.Load())
}

func TestStep_InvalidEnvelopeFails(t *testing.T) {
	h := newHarness(t)
	h.lookup.fn = returns(capability.Response{Status: "MAYBE"})

	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob"})

	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.CapabilityContractViolation, w.ReasonCode)
}

func TestStep_InputSchemaRejectedBeforeDispatch(t *testing.T) {
	h := newHarness(t)

	w := h.submit("book_meeting", map[string]any{"date": 20260505, "attendee": "bob"})

	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.InputSchemaViolation, w.ReasonCode)
	assert.EqualValues(t, 0, h.lookup.calls.Load())
}

func TestExpire_RepromptsOnceThenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05"})

	w, err := h.exec.Expire(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Prompt.Count, "nothing happens before the deadline")

	h.clk.Advance(10 * time.Minute)
	w, err = h.exec.Expire(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, workorder.Clarify, w.Status)
	assert.Equal(t, 2, w.Prompt.Count)
	assert.Equal(t, "attendee", w.Prompt.Field)

	h.clk.Advance(10 * time.Minute)
	w, err = h.exec.Expire(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.ClarificationTimeout, w.ReasonCode)
}

func TestSweep_ConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	done := h.submit("update_profile", map[string]any{"user_id": "u1"})
	require.Equal(t, workorder.Done, done.Status)

	h.clk.Advance(5 * time.Minute)
	n, err := h.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.clk.Advance(5 * time.Minute)
	n, err = h.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err = h.exec.Get(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.ConfirmationTimeout, w.ReasonCode)
	assert.EqualValues(t, 0, h.primary.calls.Load())
}

func TestSubmit_UnknownProcess(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.Submit(context.Background(), SubmitRequest{TenantID: "t1", ProcessID: "nope", CorrelationID: "corr-x"})

	assert.Equal(t, reason.NoBlueprintAvailable, reason.CodeOf(err))
	assert.Equal(t, []string{"workorder.rejected"}, h.auditTypes("corr-x"))
	streams, err := h.store.Streams(context.Background(), workorder.StreamFamily+"/")
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestSubmit_RequestIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := SubmitRequest{TenantID: "t1", ProcessID: "book_meeting", RequestID: "req-1", Fields: map[string]any{"date": "2026-05-05"}, Signals: good}

	first, err := h.exec.Submit(ctx, req)
	require.NoError(t, err)
	second, err := h.exec.Submit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, 1, count(h.eventTypes(first.ID), workorder.EventCreated))
}

func TestGet_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05"})

	_, err := h.exec.Get(context.Background(), "t2", w.ID)
	assert.Equal(t, reason.UnknownWorkOrder, reason.CodeOf(err))
	_, err = h.exec.Get(context.Background(), "t1", "missing")
	assert.Equal(t, reason.UnknownWorkOrder, reason.CodeOf(err))
}

// A fresh projection engine rebuilds work order state from the ledger.
func TestGet_RebuildsFromLedger(t *testing.T) {
	h := newHarness(t)
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05"})

	fresh, err := New(DefaultConfig(), Deps{
		Catalogs:   h.cat,
		Gates:      h.gates,
		Ledger:     h.store,
		Projection: projection.NewEngine(h.store),
		Clock:      h.clk,
	})
	require.NoError(t, err)

	got, err := fresh.Get(context.Background(), "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Status, got.Status)
	assert.Equal(t, w.Version, got.Version)
	assert.Equal(t, w.Prompt.Field, got.Prompt.Field)
}

func TestEntityLock_SerializesSameEntity(t *testing.T) {
	h := newHarness(t)
	var inFlight, peak atomic.Int32
	h.profile.fn = func(context.Context, capability.Request, int32) (capability.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return capability.Response{Status: capability.StatusOK}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := h.exec.Submit(context.Background(), SubmitRequest{
				TenantID: "t1", ProcessID: "update_profile", Fields: map[string]any{"user_id": "u1"}, Signals: good,
			})
			assert.NoError(t, err)
			assert.Equal(t, workorder.Done, w.Status)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 4, h.profile.calls.Load())
	assert.EqualValues(t, 1, peak.Load())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

// A send whose step deadline passes mid-call stays pending, so the timeout
// retry reconciles instead of sending a second time.
func TestStep_DeliveryTimeoutRetryDoesNotResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.primary.fn = func(ctx context.Context, req capability.Request, n int32) (capability.Response, error) {
		if n == 1 {
			<-ctx.Done()
			return capability.Response{}, ctx.Err()
		}
		return okWith(map[string]any{"message_id": "p-2"})(ctx, req, n)
	}

	w := h.submit("send_reminder", map[string]any{"recipient": "bob@example.com"})

	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.DeliveryPending, w.ReasonCode)
	assert.EqualValues(t, 1, h.primary.calls.Load())
	assert.EqualValues(t, 0, h.secondary.calls.Load())
	assert.Equal(t, 1, count(h.eventTypes(w.ID), workorder.EventStepRetry))

	streams, err := h.store.Streams(ctx, delivery.StreamFamily+"/")
	require.NoError(t, err)
	require.Len(t, streams, 1)
	set, _ := h.proj.Snapshot(streams[0])
	require.Len(t, set, 1)
	for _, rec := range set {
		assert.Equal(t, delivery.StatePending, rec.Fields["state"])
		assert.Equal(t, "primary", rec.Fields["provider_id"])
	}
}

// After a crash the new process takes over the expired reservation and
// reconciles the open attempt. An unknown verdict sends nothing.
func TestConfirm_RestartLeavesUnresolvedSendPending(t *testing.T) {
	h := newHarness(t)
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	require.Equal(t, workorder.Confirm, w.Status)
	h.crashedDelivery(w)
	h.clk.Advance(time.Minute)

	w, err := h.exec.Confirm(context.Background(), "t1", w.ID, "notify", true, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Failed, w.Status)
	assert.Equal(t, reason.DeliveryPending, w.ReasonCode)
	assert.EqualValues(t, 0, h.primary.calls.Load())
	assert.EqualValues(t, 0, h.secondary.calls.Load())
}

func TestConfirm_RestartAdoptsReconciledSend(t *testing.T) {
	h := newHarness(t)
	var asked []string
	h.verdict = func(providerID string) (delivery.Verdict, capability.Response) {
		asked = append(asked, providerID)
		return delivery.Delivered, capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"message_id": "p-0"}}
	}
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	key := h.crashedDelivery(w)
	h.clk.Advance(time.Minute)

	w, err := h.exec.Confirm(context.Background(), "t1", w.ID, "notify", true, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Done, w.Status)
	assert.Equal(t, "p-0", w.Fields["message_id"])
	assert.Equal(t, []string{"primary"}, asked)
	assert.EqualValues(t, 0, h.primary.calls.Load())
	assert.EqualValues(t, 0, h.secondary.calls.Load())

	rec, ok, err := h.index.Get(context.Background(), "t1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusSucceeded, rec.Status)
}

func TestConfirm_RestartFallsBackWhenNotDelivered(t *testing.T) {
	h := newHarness(t)
	h.verdict = func(string) (delivery.Verdict, capability.Response) {
		return delivery.NotDelivered, capability.Response{}
	}
	w := h.submit("book_meeting", map[string]any{"date": "2026-05-05", "attendee": "bob", "recipient": "bob@example.com"})
	h.crashedDelivery(w)
	h.clk.Advance(time.Minute)

	w, err := h.exec.Confirm(context.Background(), "t1", w.ID, "notify", true, good)
	require.NoError(t, err)
	assert.Equal(t, workorder.Done, w.Status)
	assert.Equal(t, "s-1", w.Fields["message_id"])
	assert.EqualValues(t, 0, h.primary.calls.Load(), "the provider of the unresolved attempt is not retried")
	assert.EqualValues(t, 1, h.secondary.calls.Load())
}
