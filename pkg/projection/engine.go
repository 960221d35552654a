package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
)

// Sink receives the materialized set of a stream after every change.
type Sink interface {
	Replace(ctx context.Context, streamID string, set Set) error
}

// Engine keeps live projections up to date as events are appended and can
// rebuild any of them from the ledger.
type Engine struct {
	store  ledger.Store
	sink   Sink
	logger *slog.Logger

	mu       sync.RWMutex
	reducers map[string]Reducer
	live     map[string]*liveStream
}

type liveStream struct {
	mu  sync.Mutex
	set Set
	seq uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSink mirrors every live set change to sink.
func WithSink(s Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a projection engine reading from store.
func NewEngine(store ledger.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		logger:   slog.Default(),
		reducers: make(map[string]Reducer),
		live:     make(map[string]*liveStream),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "projection")
	return e
}

// Register binds a reducer to a stream family.
func (e *Engine) Register(family string, r Reducer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reducers[family] = r
}

func (e *Engine) reducer(streamID string) (Reducer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.reducers[ledger.Family(streamID)]
	if !ok {
		return nil, fmt.Errorf("projection: no reducer for family %q", ledger.Family(streamID))
	}
	return r, nil
}

func (e *Engine) stream(streamID string) *liveStream {
	e.mu.RLock()
	ls, ok := e.live[streamID]
	e.mu.RUnlock()
	if ok {
		return ls
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ls, ok = e.live[streamID]; ok {
		return ls
	}
	ls = &liveStream{set: Set{}}
	e.live[streamID] = ls
	return ls
}

// Hook returns a ledger hook that applies committed events.
func (e *Engine) Hook() ledger.Hook {
	return e.Apply
}

// Apply folds ev into the live set of its stream. Events already applied are
// ignored; if earlier events were missed they are read from the ledger first.
func (e *Engine) Apply(ctx context.Context, ev ledger.Event) error {
	r, err := e.reducer(ev.StreamID)
	if err != nil {
		return err
	}
	ls := e.stream(ev.StreamID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ev.SequenceNo <= ls.seq {
		return nil
	}
	pending := []ledger.Event{ev}
	if ev.SequenceNo != ls.seq+1 {
		pending, err = e.store.Read(ctx, ev.StreamID, ls.seq+1)
		if err != nil {
			return fmt.Errorf("projection: catch up %s: %w", ev.StreamID, err)
		}
		e.logger.DebugContext(ctx, "catching up", "stream_id", ev.StreamID, "from", ls.seq+1, "events", len(pending))
	}

	next := ls.set.Clone()
	seq := ls.seq
	for _, p := range pending {
		if p.SequenceNo <= seq {
			continue
		}
		if err := r.Apply(next, p); err != nil {
			return fmt.Errorf("projection: %s #%d (%s): %w", p.StreamID, p.SequenceNo, p.EventType, err)
		}
		seq = p.SequenceNo
	}
	if err := e.publish(ctx, ev.StreamID, next); err != nil {
		return err
	}
	ls.set, ls.seq = next, seq
	return nil
}

// Replay folds the stream from sequence 1 without touching live state.
func (e *Engine) Replay(ctx context.Context, streamID string) (Set, error) {
	r, err := e.reducer(streamID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.Read(ctx, streamID, 1)
	if err != nil {
		return nil, fmt.Errorf("projection: read %s: %w", streamID, err)
	}
	return Fold(r, events)
}

// Rebuild replays the stream and replaces the live set with the result.
func (e *Engine) Rebuild(ctx context.Context, streamID string) (Set, error) {
	ls := e.stream(streamID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	r, err := e.reducer(streamID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.Read(ctx, streamID, 1)
	if err != nil {
		return nil, fmt.Errorf("projection: read %s: %w", streamID, err)
	}
	set, err := Fold(r, events)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, streamID, set); err != nil {
		return nil, err
	}
	ls.set = set
	ls.seq = 0
	if n := len(events); n > 0 {
		ls.seq = events[n-1].SequenceNo
	}
	e.logger.InfoContext(ctx, "projection rebuilt", "stream_id", streamID, "events", len(events), "records", len(set))
	return set.Clone(), nil
}

func (e *Engine) publish(ctx context.Context, streamID string, set Set) error {
	if e.sink == nil {
		return nil
	}
	if err := e.sink.Replace(ctx, streamID, set); err != nil {
		return fmt.Errorf("projection: sink %s: %w", streamID, err)
	}
	return nil
}

// Snapshot returns a copy of the live set and the last applied sequence.
func (e *Engine) Snapshot(streamID string) (Set, uint64) {
	e.mu.RLock()
	ls, ok := e.live[streamID]
	e.mu.RUnlock()
	if !ok {
		return Set{}, 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.set.Clone(), ls.seq
}

// Get returns one live record.
func (e *Engine) Get(streamID, key string) (Record, bool) {
	set, _ := e.Snapshot(streamID)
	rec, ok := set[key]
	return rec, ok
}
