package router

import (
	"sort"
	"sync"
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// State is a circuit state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Thresholds configure one breaker. Zero disables the corresponding trip
// condition.
type Thresholds struct {
	// Window is the rolling window over which outcomes are counted, and the
	// length of one latency window.
	Window     time.Duration `yaml:"window"`
	MinSamples int           `yaml:"min_samples"`

	MaxFailures    int           `yaml:"max_failures"`
	MaxErrorRate   float64       `yaml:"max_error_rate"`
	MaxTimeoutRate float64       `yaml:"max_timeout_rate"`
	MaxP95Latency  time.Duration `yaml:"max_p95_latency"`
	// LatencyWindows is how many consecutive windows must exceed
	// MaxP95Latency before the breaker trips.
	LatencyWindows int `yaml:"latency_windows"`

	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// ProbeLimit bounds concurrent calls while HALF_OPEN.
	ProbeLimit int `yaml:"probe_limit"`
	// RecoveryWindows is the number of consecutive healthy probes needed to
	// close. A probe is healthy when it succeeds within RecoveryMaxP95Latency.
	RecoveryWindows       int           `yaml:"recovery_windows"`
	RecoveryMaxP95Latency time.Duration `yaml:"recovery_max_p95_latency"`

	// StableReset forgets previous trips once the breaker has stayed CLOSED
	// this long.
	StableReset time.Duration `yaml:"stable_reset"`
}

// DefaultThresholds are used for any lane without configured thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:                60 * time.Second,
		MinSamples:            10,
		MaxFailures:           5,
		MaxErrorRate:          0.5,
		MaxTimeoutRate:        0.5,
		MaxP95Latency:         2 * time.Second,
		LatencyWindows:        3,
		Cooldown:              30 * time.Second,
		MaxCooldown:           10 * time.Minute,
		ProbeLimit:            1,
		RecoveryWindows:       3,
		RecoveryMaxP95Latency: time.Second,
		StableReset:           10 * time.Minute,
	}
}

// Merge fills zero fields of t from d.
func (t Thresholds) Merge(d Thresholds) Thresholds {
	if t.Window == 0 {
		t.Window = d.Window
	}
	if t.MinSamples == 0 {
		t.MinSamples = d.MinSamples
	}
	if t.MaxFailures == 0 {
		t.MaxFailures = d.MaxFailures
	}
	if t.MaxErrorRate == 0 {
		t.MaxErrorRate = d.MaxErrorRate
	}
	if t.MaxTimeoutRate == 0 {
		t.MaxTimeoutRate = d.MaxTimeoutRate
	}
	if t.MaxP95Latency == 0 {
		t.MaxP95Latency = d.MaxP95Latency
	}
	if t.LatencyWindows == 0 {
		t.LatencyWindows = d.LatencyWindows
	}
	if t.Cooldown == 0 {
		t.Cooldown = d.Cooldown
	}
	if t.MaxCooldown == 0 {
		t.MaxCooldown = d.MaxCooldown
	}
	if t.ProbeLimit == 0 {
		t.ProbeLimit = d.ProbeLimit
	}
	if t.RecoveryWindows == 0 {
		t.RecoveryWindows = d.RecoveryWindows
	}
	if t.RecoveryMaxP95Latency == 0 {
		t.RecoveryMaxP95Latency = d.RecoveryMaxP95Latency
	}
	if t.StableReset == 0 {
		t.StableReset = d.StableReset
	}
	return t
}

// Kind classifies a provider outcome.
type Kind int

const (
	Success Kind = iota
	Failure
	Timeout
	// Canceled is a call abandoned by its caller. It says nothing about the
	// provider and is never counted.
	Canceled
)

// Outcome is one observed provider call.
type Outcome struct {
	Kind    Kind
	Latency time.Duration
}

// Permit is returned by Allow and handed back to Record. Outcomes of calls
// admitted under an earlier state generation are ignored.
type Permit struct {
	Probe bool
	gen   uint64
}

// Transition describes one state change.
type Transition struct {
	From       State
	To         State
	At         time.Time
	ReasonCode reason.Code
	Trigger    string
	Trips      int
	Cooldown   time.Duration
}

// HealthState is the derived, cacheable view of a breaker.
type HealthState struct {
	CircuitState            State     `json:"circuit_state"`
	OpenedAt                time.Time `json:"opened_at,omitempty"`
	Trips                   int       `json:"trips"`
	ConsecutiveProbeResults []bool    `json:"consecutive_probe_results,omitempty"`
}

type sample struct {
	at      time.Time
	kind    Kind
	latency time.Duration
}

// Breaker is a deterministic circuit breaker. It never starts timers: every
// decision compares recorded timestamps against the injected clock, so a
// given sequence of outcomes and clock readings always yields the same
// transitions.
type Breaker struct {
	mu  sync.Mutex
	t   Thresholds
	clk clock.Clock

	state    State
	gen      uint64
	openedAt time.Time
	closedAt time.Time
	cooldown time.Duration
	trips    int

	samples []sample

	latStart   time.Time
	latSamples []time.Duration
	slowStreak int

	probesInFlight int
	probeResults   []bool
}

// NewBreaker builds a CLOSED breaker.
func NewBreaker(t Thresholds, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Wall()
	}
	now := clk.Now()
	return &Breaker{t: t, clk: clk, state: Closed, closedAt: now, latStart: now}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health returns a snapshot for caching and diagnostics.
func (b *Breaker) Health() HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := HealthState{CircuitState: b.state, Trips: b.trips}
	if b.state != Closed {
		h.OpenedAt = b.openedAt
	}
	h.ConsecutiveProbeResults = append([]bool(nil), b.probeResults...)
	return h
}

// Allow reports whether a call may proceed. When an OPEN breaker's cooldown
// has elapsed it moves to HALF_OPEN and the returned transition is non-nil.
func (b *Breaker) Allow() (Permit, bool, *Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()

	var tr *Transition
	if b.state == Open && !now.Before(b.openedAt.Add(b.cooldown)) {
		tr = b.moveLocked(HalfOpen, now, reason.CircuitProbing, "cooldown_elapsed")
	}

	switch b.state {
	case Closed:
		return Permit{gen: b.gen}, true, tr
	case HalfOpen:
		limit := b.t.ProbeLimit
		if limit <= 0 {
			limit = 1
		}
		if b.probesInFlight >= limit {
			return Permit{}, false, tr
		}
		b.probesInFlight++
		return Permit{Probe: true, gen: b.gen}, true, tr
	default:
		return Permit{}, false, tr
	}
}

// Record feeds an outcome back. It returns the transition it caused, if any.
func (b *Breaker) Record(p Permit, o Outcome) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.gen != b.gen {
		return nil
	}
	now := b.clk.Now()

	if p.Probe {
		b.probesInFlight--
		if o.Kind == Canceled {
			return nil
		}
		healthy := o.Kind == Success && (b.t.RecoveryMaxP95Latency <= 0 || o.Latency <= b.t.RecoveryMaxP95Latency)
		if !healthy {
			return b.tripLocked(now, triggerFor(o.Kind, "probe_failed"))
		}
		b.probeResults = append(b.probeResults, true)
		if len(b.probeResults) >= max(b.t.RecoveryWindows, 1) {
			return b.moveLocked(Closed, now, reason.CircuitRecovered, "recovered")
		}
		return nil
	}

	if o.Kind == Canceled {
		return nil
	}
	b.samples = append(b.samples, sample{at: now, kind: o.Kind, latency: o.Latency})
	b.pruneLocked(now)
	if trigger := b.breachedLocked(now, o.Latency); trigger != "" {
		return b.tripLocked(now, trigger)
	}
	return nil
}

func triggerFor(k Kind, fallback string) string {
	if k == Timeout {
		return "probe_timeout"
	}
	return fallback
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.t.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.t.Window)
	i := 0
	for i < len(b.samples) && !b.samples[i].at.After(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

// breachedLocked evaluates every trip condition in a fixed order and names
// the first one breached.
func (b *Breaker) breachedLocked(now time.Time, latency time.Duration) string {
	var failures, timeouts int
	for _, s := range b.samples {
		switch s.kind {
		case Failure:
			failures++
		case Timeout:
			timeouts++
		}
	}
	n := len(b.samples)

	if b.t.MaxFailures > 0 && failures+timeouts >= b.t.MaxFailures {
		return "max_failures"
	}
	if n >= b.t.MinSamples && n > 0 {
		if b.t.MaxErrorRate > 0 && float64(failures+timeouts)/float64(n) > b.t.MaxErrorRate {
			return "error_rate"
		}
		if b.t.MaxTimeoutRate > 0 && float64(timeouts)/float64(n) > b.t.MaxTimeoutRate {
			return "timeout_rate"
		}
	}
	if b.t.MaxP95Latency > 0 && b.t.Window > 0 {
		if !now.Before(b.latStart.Add(b.t.Window)) {
			if len(b.latSamples) >= max(b.t.MinSamples, 1) && p95(b.latSamples) > b.t.MaxP95Latency {
				b.slowStreak++
			} else {
				b.slowStreak = 0
			}
			b.latStart = now
			b.latSamples = b.latSamples[:0]
			if b.slowStreak >= max(b.t.LatencyWindows, 1) {
				return "p95_latency"
			}
		}
		b.latSamples = append(b.latSamples, latency)
	}
	return ""
}

func (b *Breaker) tripLocked(now time.Time, trigger string) *Transition {
	if b.state == Closed && b.t.StableReset > 0 && !now.Before(b.closedAt.Add(b.t.StableReset)) {
		b.trips = 0
	}
	b.trips++
	b.cooldown = cooldownFor(b.t, b.trips)
	return b.moveLocked(Open, now, reason.CircuitOpened, trigger)
}

func cooldownFor(t Thresholds, trips int) time.Duration {
	d := t.Cooldown
	for i := 1; i < trips; i++ {
		d *= 2
		if t.MaxCooldown > 0 && d >= t.MaxCooldown {
			return t.MaxCooldown
		}
	}
	if t.MaxCooldown > 0 && d > t.MaxCooldown {
		return t.MaxCooldown
	}
	return d
}

func (b *Breaker) moveLocked(to State, now time.Time, code reason.Code, trigger string) *Transition {
	tr := &Transition{From: b.state, To: to, At: now, ReasonCode: code, Trigger: trigger, Trips: b.trips, Cooldown: b.cooldown}
	b.state = to
	b.gen++
	b.probesInFlight = 0
	b.probeResults = nil
	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.closedAt = now
		b.samples = nil
		b.latSamples = nil
		b.latStart = now
		b.slowStreak = 0
	}
	return tr
}

func p95(xs []time.Duration) time.Duration {
	s := append([]time.Duration(nil), xs...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := (len(s)*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return s[idx]
}
