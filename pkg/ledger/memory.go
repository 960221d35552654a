package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used to stamp CreatedAt.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Wall()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// MemoryStore is an in-process Store. Each stream has its own append lock;
// the outer lock only guards the stream map.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memStream
	opts    options
}

type memStream struct {
	mu     sync.Mutex
	events []Event
	byKey  map[string]int
	halted bool
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memStream),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryStore) stream(streamID string, create bool) *memStream {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.streams[streamID]; ok {
		return st
	}
	st = &memStream{byKey: make(map[string]int)}
	s.streams[streamID] = st
	return st
}

func (s *MemoryStore) Append(ctx context.Context, streamID string, ev Event) (AppendResult, error) {
	if err := validateStreamID(streamID); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	st := s.stream(streamID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.halted {
		return AppendResult{}, reason.New(reason.ClassIntegrity, reason.StreamHalted, "stream %s", streamID)
	}

	if ev.IdempotencyKey != "" {
		if idx, ok := st.byKey[ev.IdempotencyKey]; ok {
			existing := st.events[idx]
			same, err := sameWrite(existing, ev)
			if err != nil {
				return AppendResult{}, err
			}
			if !same {
				st.halted = true
				return AppendResult{}, reason.New(reason.ClassIntegrity, reason.IdempotencyConflict,
					"stream %s: key %q reused with a different payload", streamID, ev.IdempotencyKey)
			}
			return AppendResult{Event: existing, Replayed: true}, nil
		}
	}

	t := tail{head: uint64(len(st.events))}
	if n := len(st.events); n > 0 {
		t.lastHash = st.events[n-1].EventHash
	}
	out, err := prepare(streamID, ev, t, s.opts.clock.Now())
	if err != nil {
		if reason.CodeOf(err) == reason.AppendOnlyViolation {
			st.halted = true
		}
		return AppendResult{}, err
	}

	st.events = append(st.events, out)
	if out.IdempotencyKey != "" {
		st.byKey[out.IdempotencyKey] = len(st.events) - 1
	}
	return AppendResult{Event: out}, nil
}

func (s *MemoryStore) Read(ctx context.Context, streamID string, fromSeq uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.stream(streamID, false)
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if fromSeq == 0 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(st.events)) {
		return nil, nil
	}
	out := make([]Event, len(st.events)-int(fromSeq-1))
	copy(out, st.events[fromSeq-1:])
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, streamID string) (uint64, error) {
	st := s.stream(streamID, false)
	if st == nil {
		return 0, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return uint64(len(st.events)), nil
}

func (s *MemoryStore) Streams(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.streams))
	for id, st := range s.streams {
		st.mu.Lock()
		empty := len(st.events) == 0
		st.mu.Unlock()
		if !empty && strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Halted(ctx context.Context, streamID string) (bool, error) {
	st := s.stream(streamID, false)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.halted, nil
}

func (s *MemoryStore) Resume(ctx context.Context, streamID string) error {
	st := s.stream(streamID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.halted = false
	return nil
}
