package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/idempotency"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/router"
)

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type provider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int32) (capability.Response, error)
}

func (p *provider) Invoke(ctx context.Context, _ capability.Request) (capability.Response, error) {
	n := p.calls.Add(1)
	return p.fn(ctx, n)
}

func sends(id string) func(context.Context, int32) (capability.Response, error) {
	return func(_ context.Context, n int32) (capability.Response, error) {
		return capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"message_id": id, "n": n}}, nil
	}
}

func timesOut(context.Context, int32) (capability.Response, error) {
	return capability.Response{}, reason.New(reason.ClassRetryable, reason.ProviderTimeout, "no ack")
}

type fixture struct {
	primary, secondary *provider
	index              idempotency.Index
	ledger             *ledger.MemoryStore
	router             *router.Router
	clk                clock.Clock
}

func newFixture(t *testing.T, clk clock.Clock) *fixture {
	t.Helper()
	f := &fixture{
		primary:   &provider{fn: sends("p")},
		secondary: &provider{fn: sends("s")},
		index:     idempotency.NewMemoryIndex(clk),
		ledger:    ledger.NewMemoryStore(),
		clk:       clk,
	}
	r, err := router.New([]router.Lane{{
		Name: "delivery",
		Providers: []router.Provider{
			{ID: "primary", Engine: f.primary},
			{ID: "secondary", Engine: f.secondary},
		},
		Policy: router.LanePolicy{Global: router.Override{Providers: []string{"primary", "secondary"}}},
	}}, router.WithClock(clk))
	require.NoError(t, err)
	f.router = r
	return f
}

func (f *fixture) service(rec Reconciler) *Service {
	return New(f.index, f.router, f.ledger, rec, WithClock(f.clk), WithPollInterval(time.Millisecond))
}

func request(recipient string) Request {
	return Request{
		TenantID:        "t1",
		LogicalActionID: "wo-1/notify",
		Recipient:       recipient,
		SimulationID:    "sim.message.send",
		Lane:            "delivery",
		Dispatch: capability.Request{
			CapabilityID:  "message.send",
			TenantID:      "t1",
			WorkOrderID:   "wo-1",
			StepID:        "notify",
			CorrelationID: "corr-1",
			Input:         map[string]any{"recipient": recipient, "body": "see you at 10"},
		},
	}
}

func eventTypes(t *testing.T, store ledger.Store, key string) []string {
	t.Helper()
	evs, err := store.Read(context.Background(), StreamFor(key), 1)
	require.NoError(t, err)
	var out []string
	for _, ev := range evs {
		out = append(out, ev.EventType)
	}
	return out
}

// A duplicate request under the same key sends once; the second caller gets
// the first result.
func TestDeliver_DuplicateSendsOnce(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	s := f.service(nil)
	ctx := context.Background()

	first, err := s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Response.Status, second.Response.Status)
	assert.Equal(t, "p", second.Response.ProducedFields["message_id"])
	assert.EqualValues(t, 1, f.primary.calls.Load())
	assert.Equal(t, []string{EventAttempted, EventSent}, eventTypes(t, f.ledger, first.Key))

	rec, ok, err := f.index.Get(ctx, "t1", first.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusSucceeded, rec.Status)
}

func TestDeliver_DistinctRecipientsSendTwice(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	s := f.service(nil)
	ctx := context.Background()

	a, err := s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	b, err := s.Deliver(ctx, request("bob@example.com"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
	assert.EqualValues(t, 2, f.primary.calls.Load())
}

func TestKey_NormalizesRecipient(t *testing.T) {
	composed := request("jos\u00e9@example.com")
	decomposed := request("jose\u0301@example.com")
	decomposed.Dispatch.Input = composed.Dispatch.Input

	k1, _, err := Key(composed)
	require.NoError(t, err)
	k2, _, err := Key(decomposed)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestDeliver_AmbiguousThenNotDeliveredFallsBack(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = timesOut
	var looked []string
	s := f.service(ReconcilerFunc(func(_ context.Context, lane, pid, _ string) (Verdict, capability.Response, error) {
		looked = append(looked, lane+"/"+pid)
		return NotDelivered, capability.Response{}, nil
	}))

	res, err := s.Deliver(context.Background(), request("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "s", res.Response.ProducedFields["message_id"])
	assert.Equal(t, []string{"delivery/primary"}, looked)
	assert.EqualValues(t, 1, f.primary.calls.Load())
	assert.EqualValues(t, 1, f.secondary.calls.Load())
	assert.Equal(t, []string{EventAttempted, EventPending, EventReconciled, EventAttempted, EventSent}, eventTypes(t, f.ledger, res.Key))

	evs, err := f.ledger.Read(context.Background(), StreamFor(res.Key), 1)
	require.NoError(t, err)
	set, err := projection.Fold(Reducer, evs)
	require.NoError(t, err)
	rec, ok := set[projection.RecordKey("t1", res.Key)]
	require.True(t, ok)
	assert.Equal(t, StateSent, rec.Fields["state"])
	assert.Equal(t, 2, rec.Fields["provider_calls"])
	assert.Equal(t, "secondary", rec.Fields["provider_id"])
	assert.Equal(t, uint64(5), rec.SourceSequence)
}

func TestDeliver_AmbiguousThenDeliveredDoesNotFallBack(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = timesOut
	s := f.service(ReconcilerFunc(func(context.Context, string, string, string) (Verdict, capability.Response, error) {
		return Delivered, capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"message_id": "late-ack"}}, nil
	}))
	ctx := context.Background()

	res, err := s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "late-ack", res.Response.ProducedFields["message_id"])
	assert.EqualValues(t, 0, f.secondary.calls.Load())

	again, err := s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.EqualValues(t, 1, f.primary.calls.Load())
}

func TestDeliver_UnresolvedStaysPending(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = timesOut
	ctx := context.Background()

	_, err := f.service(nil).Deliver(ctx, request("alice@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPending)
	assert.Equal(t, reason.ClassRetryable, reason.ClassOf(err))
	assert.EqualValues(t, 0, f.secondary.calls.Load(), "no fallback while the first attempt is unresolved")

	_, err = f.service(nil).Deliver(ctx, request("alice@example.com"))
	assert.ErrorIs(t, err, ErrPending)
	assert.EqualValues(t, 1, f.primary.calls.Load(), "a pending attempt blocks any new send")

	notSent := ReconcilerFunc(func(context.Context, string, string, string) (Verdict, capability.Response, error) {
		return NotDelivered, capability.Response{}, nil
	})
	res, err := f.service(notSent).Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "s", res.Response.ProducedFields["message_id"])
	assert.EqualValues(t, 1, f.primary.calls.Load())
}

func TestDeliver_ReconcilerErrorIsUnknown(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = timesOut
	s := f.service(ReconcilerFunc(func(context.Context, string, string, string) (Verdict, capability.Response, error) {
		return Delivered, capability.Response{}, errors.New("status api down")
	}))
	_, err := s.Deliver(context.Background(), request("alice@example.com"))
	assert.ErrorIs(t, err, ErrPending)
}

func TestDeliver_RecoversSendRecordedBeforeCompletion(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	ctx := context.Background()
	req := request("alice@example.com")
	key, _, err := Key(req)
	require.NoError(t, err)

	ev, err := ledger.NewEvent(EventSent, attempt{ProviderID: "primary", Response: &capability.Response{
		Status: capability.StatusOK, ProducedFields: map[string]any{"message_id": "before-crash"},
	}})
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, StreamFor(key), ev)
	require.NoError(t, err)

	res, err := f.service(nil).Deliver(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "before-crash", res.Response.ProducedFields["message_id"])
	assert.EqualValues(t, 0, f.primary.calls.Load())
}

func TestDeliver_RejectionIsNotCached(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = func(_ context.Context, n int32) (capability.Response, error) {
		if n == 1 {
			return capability.Response{Status: capability.StatusRefused, ReasonCode: "RecipientOptedOut"}, nil
		}
		return capability.Response{Status: capability.StatusOK}, nil
	}
	s := f.service(nil)
	ctx := context.Background()

	res, err := s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, capability.StatusRefused, res.Response.Status)

	res, err = s.Deliver(ctx, request("alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, capability.StatusOK, res.Response.Status)
	assert.False(t, res.Replayed)
	assert.Equal(t, []string{EventAttempted, EventRejected, EventAttempted, EventSent}, eventTypes(t, f.ledger, res.Key))
}

func TestDeliver_ConcurrentCallersShareOneSend(t *testing.T) {
	f := newFixture(t, clock.Wall())
	started := make(chan struct{})
	release := make(chan struct{})
	f.primary.fn = func(_ context.Context, n int32) (capability.Response, error) {
		if n == 1 {
			close(started)
			<-release
		}
		return capability.Response{Status: capability.StatusOK, ProducedFields: map[string]any{"n": n}}, nil
	}
	s := f.service(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = s.Deliver(ctx, request("alice@example.com"))
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = s.Deliver(ctx, request("alice@example.com"))
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, f.primary.calls.Load())
	assert.True(t, results[1].Replayed)
	assert.EqualValues(t, 1, results[1].Response.ProducedFields["n"])
}

func TestDeliver_WaiterGivesUpWithContext(t *testing.T) {
	f := newFixture(t, clock.Wall())
	ctx := context.Background()
	req := request("alice@example.com")
	key, hash, err := Key(req)
	require.NoError(t, err)
	_, err = f.index.Reserve(ctx, "t1", key, hash, "someone-else")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = f.service(nil).Deliver(short, req)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.EqualValues(t, 0, f.primary.calls.Load())
}

// failingStore rejects appends of one event type.
type failingStore struct {
	ledger.Store
	eventType string
}

func (s failingStore) Append(ctx context.Context, streamID string, ev ledger.Event) (ledger.AppendResult, error) {
	if ev.EventType == s.eventType {
		return ledger.AppendResult{}, errors.New("disk full")
	}
	return s.Store.Append(ctx, streamID, ev)
}

func hangs(ctx context.Context, _ int32) (capability.Response, error) {
	<-ctx.Done()
	return capability.Response{}, ctx.Err()
}

// The caller's deadline ending mid-call must not lose the pending record, or
// the next attempt would send again.
func TestDeliver_TimedOutCallerStillRecordsPending(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = func(ctx context.Context, n int32) (capability.Response, error) {
		if n == 1 {
			return hangs(ctx, n)
		}
		return sends("p")(ctx, n)
	}
	s := f.service(nil)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := s.Deliver(short, request("alice@example.com"))
	assert.ErrorIs(t, err, ErrPending)

	key, _, err := Key(request("alice@example.com"))
	require.NoError(t, err)
	assert.Empty(t, res.Key)
	assert.Equal(t, []string{EventAttempted, EventPending}, eventTypes(t, f.ledger, key))
	_, held, err := f.index.Get(context.Background(), "t1", key)
	require.NoError(t, err)
	assert.False(t, held, "a recorded pending attempt frees the key")

	for i := 0; i < 3; i++ {
		_, err = s.Deliver(context.Background(), request("alice@example.com"))
		assert.ErrorIs(t, err, ErrPending)
	}
	assert.EqualValues(t, 1, f.primary.calls.Load())
	assert.EqualValues(t, 0, f.secondary.calls.Load())
}

// When even the pending record cannot be written the key stays reserved.
func TestDeliver_UnrecordedAmbiguousAttemptHoldsKey(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	f.primary.fn = timesOut
	s := New(f.index, f.router, failingStore{Store: f.ledger, eventType: EventPending}, nil, WithClock(f.clk))
	ctx := context.Background()
	req := request("alice@example.com")
	key, _, err := Key(req)
	require.NoError(t, err)

	_, err = s.Deliver(ctx, req)
	require.Error(t, err)
	rec, held, err := f.index.Get(ctx, "t1", key)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, idempotency.StatusPending, rec.Status)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = f.service(nil).Deliver(short, req)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.EqualValues(t, 1, f.primary.calls.Load())
}

func TestDeliver_LiveReservationIsInFlight(t *testing.T) {
	clk := clock.NewManual(epoch)
	f := newFixture(t, clk)
	f.index = idempotency.NewMemoryIndex(clk, idempotency.WithLease(time.Minute))
	ctx := context.Background()
	req := request("alice@example.com")
	key, hash, err := Key(req)
	require.NoError(t, err)
	_, err = f.index.Reserve(ctx, "t1", key, hash, "crashed-process")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		_, err := f.service(nil).Deliver(short, req)
		cancel()
		assert.ErrorIs(t, err, ErrInFlight)
	}
	assert.EqualValues(t, 0, f.primary.calls.Load())
}

// A crashed owner that never reached a provider leaves no attempt behind,
// so the caller taking over sends.
func TestDeliver_TakeoverWithoutAttemptSends(t *testing.T) {
	clk := clock.NewManual(epoch)
	f := newFixture(t, clk)
	f.index = idempotency.NewMemoryIndex(clk, idempotency.WithLease(time.Minute))
	ctx := context.Background()
	req := request("alice@example.com")
	key, hash, err := Key(req)
	require.NoError(t, err)
	_, err = f.index.Reserve(ctx, "t1", key, hash, "crashed-process")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	res, err := f.service(nil).Deliver(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "p", res.Response.ProducedFields["message_id"])
	assert.EqualValues(t, 1, f.primary.calls.Load())

	rec, _, err := f.index.Get(ctx, "t1", key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusSucceeded, rec.Status)
}

// A crashed owner that started a call is reconciled before anything is sent.
func TestDeliver_TakeoverReconcilesOpenAttempt(t *testing.T) {
	clk := clock.NewManual(epoch)
	f := newFixture(t, clk)
	f.index = idempotency.NewMemoryIndex(clk, idempotency.WithLease(time.Minute))
	ctx := context.Background()
	req := request("alice@example.com")
	key, hash, err := Key(req)
	require.NoError(t, err)
	_, err = f.index.Reserve(ctx, "t1", key, hash, "crashed-process")
	require.NoError(t, err)
	ev, err := ledger.NewEvent(EventAttempted, attempt{TenantID: "t1"})
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, StreamFor(key), ev)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = f.service(nil).Deliver(ctx, req)
	assert.ErrorIs(t, err, ErrPending)
	assert.EqualValues(t, 0, f.primary.calls.Load())

	var looked []string
	notSent := ReconcilerFunc(func(_ context.Context, lane, pid, _ string) (Verdict, capability.Response, error) {
		looked = append(looked, lane+"/"+pid)
		return NotDelivered, capability.Response{}, nil
	})
	res, err := f.service(notSent).Deliver(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "p", res.Response.ProducedFields["message_id"])
	assert.Equal(t, []string{"delivery/"}, looked)
	assert.EqualValues(t, 1, f.primary.calls.Load())
	assert.Equal(t, []string{EventAttempted, EventReconciled, EventAttempted, EventSent}, eventTypes(t, f.ledger, key))
}

func TestDeliver_NoProviderIsRecordedAsFailed(t *testing.T) {
	f := newFixture(t, clock.NewManual(epoch))
	unavailable := func(context.Context, int32) (capability.Response, error) {
		return capability.Response{Status: capability.StatusFail, ReasonCode: reason.ProviderUnavailable}, nil
	}
	f.primary.fn, f.secondary.fn = unavailable, unavailable
	ctx := context.Background()
	req := request("alice@example.com")

	_, err := f.service(nil).Deliver(ctx, req)
	assert.Equal(t, reason.NoHealthyProvider, reason.CodeOf(err))
	key, _, kerr := Key(req)
	require.NoError(t, kerr)
	assert.Equal(t, []string{EventAttempted, EventFailed}, eventTypes(t, f.ledger, key))

	f.primary.fn = sends("p")
	res, err := f.service(nil).Deliver(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "p", res.Response.ProducedFields["message_id"])
}
