// Package gate runs the fixed safety checklist that precedes every
// side-effecting step.
//
// The order is IDENTITY, INPUT_QUALITY, CONFIDENCE, CONFIRMATION, ACCESS,
// SIMULATION. It is fixed at compile time: nothing can reorder or skip a
// gate, and the first failing gate ends the evaluation.
package gate

import (
	"context"
	"log/slog"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/catalog"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Name identifies a gate.
type Name string

const (
	Identity     Name = "IDENTITY"
	InputQuality Name = "INPUT_QUALITY"
	Confidence   Name = "CONFIDENCE"
	Confirmation Name = "CONFIRMATION"
	Access       Name = "ACCESS"
	Simulation   Name = "SIMULATION"
)

var order = [...]Name{Identity, InputQuality, Confidence, Confirmation, Access, Simulation}

// Order returns the gate order.
func Order() []Name { return append([]Name(nil), order[:]...) }

// Verdict of a single gate.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

// Result is one trace entry.
type Result struct {
	Gate       Name        `json:"gate"`
	Verdict    Verdict     `json:"verdict"`
	ReasonCode reason.Code `json:"reason_code,omitempty"`
	Detail     string      `json:"-"`
}

// Decision is the outcome of a full evaluation.
type Decision struct {
	Allowed    bool
	FailedGate Name
	ReasonCode reason.Code
	Trace      []Result
	// Identity is the resolved caller when the identity gate passed.
	Identity *Principal
	// Simulation is the resolved simulation when every gate passed.
	Simulation *catalog.Simulation
}

// Err returns the refusal as a reason-coded error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	detail := ""
	if n := len(d.Trace); n > 0 {
		detail = d.Trace[n-1].Detail
	}
	return reason.New(reason.ClassPolicy, d.ReasonCode, "gate %s: %s", d.FailedGate, detail)
}

// Input is everything the gates look at.
type Input struct {
	TenantID      string
	WorkOrderID   string
	CorrelationID string
	Credential    string

	// InputAccepted is the upstream input-quality verdict; InputReason
	// explains a rejection.
	InputAccepted bool
	InputReason   reason.Code

	Confidence float64

	ConfirmationRequired bool
	Confirmed            bool

	Blueprint *catalog.Blueprint
	Step      catalog.Step
	Payload   map[string]any
}

// Config holds gate thresholds.
type Config struct {
	// MinConfidence is exclusive: confidence must be strictly above it.
	MinConfidence float64
}

// Sequencer evaluates the gates.
type Sequencer struct {
	cfg      Config
	identity IdentityResolver
	access   AccessDecider
	sims     *catalog.SimulationCatalog
	logger   *slog.Logger
}

// NewSequencer wires the gate dependencies. A nil resolver or decider fails
// every evaluation closed.
func NewSequencer(cfg Config, identity IdentityResolver, access AccessDecider, sims *catalog.SimulationCatalog, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		cfg:      cfg,
		identity: identity,
		access:   access,
		sims:     sims,
		logger:   logger.With("component", "gate"),
	}
}

type check func(ctx context.Context, in Input, d *Decision) (reason.Code, string)

func (s *Sequencer) checks() [len(order)]check {
	return [len(order)]check{
		s.checkIdentity,
		s.checkInputQuality,
		s.checkConfidence,
		s.checkConfirmation,
		s.checkAccess,
		s.checkSimulation,
	}
}

// Evaluate runs every gate in order and stops at the first failure.
func (s *Sequencer) Evaluate(ctx context.Context, in Input) Decision {
	d := Decision{Trace: make([]Result, 0, len(order))}
	checks := s.checks()
	for i, name := range order {
		code, detail := checks[i](ctx, in, &d)
		if code != "" {
			d.Trace = append(d.Trace, Result{Gate: name, Verdict: Fail, ReasonCode: code, Detail: detail})
			d.FailedGate = name
			d.ReasonCode = code
			d.Simulation = nil
			s.logger.InfoContext(ctx, "gate refused",
				"gate", name, "reason_code", code, "work_order_id", in.WorkOrderID, "step_id", in.Step.ID)
			return d
		}
		d.Trace = append(d.Trace, Result{Gate: name, Verdict: Pass})
	}
	d.Allowed = true
	return d
}

func (s *Sequencer) checkIdentity(ctx context.Context, in Input, d *Decision) (reason.Code, string) {
	if s.identity == nil {
		return reason.IdentityUnresolved, "no identity resolver configured"
	}
	p, err := s.identity.Resolve(ctx, in.Credential, in.TenantID)
	if err != nil {
		return reason.IdentityUnresolved, err.Error()
	}
	d.Identity = &p
	return "", ""
}

func (s *Sequencer) checkInputQuality(_ context.Context, in Input, _ *Decision) (reason.Code, string) {
	if !in.InputAccepted {
		detail := "upstream input rejected"
		if in.InputReason != "" {
			detail += " (" + string(in.InputReason) + ")"
		}
		return reason.InputQualityRejected, detail
	}
	return "", ""
}

func (s *Sequencer) checkConfidence(_ context.Context, in Input, _ *Decision) (reason.Code, string) {
	if in.Confidence <= s.cfg.MinConfidence {
		return reason.LowConfidence, "confidence not above threshold"
	}
	return "", ""
}

func (s *Sequencer) checkConfirmation(_ context.Context, in Input, _ *Decision) (reason.Code, string) {
	if in.ConfirmationRequired && !in.Confirmed {
		return reason.ConfirmationRequired, "step requires explicit confirmation"
	}
	return "", ""
}

func (s *Sequencer) checkAccess(ctx context.Context, in Input, d *Decision) (reason.Code, string) {
	if s.access == nil || d.Identity == nil {
		return reason.AccessDenied, "no access decider configured"
	}
	req := AccessRequest{
		Principal:    *d.Identity,
		TenantID:     in.TenantID,
		CapabilityID: in.Step.Capability,
		StepID:       in.Step.ID,
		SimulationID: in.Step.SimulationID,
	}
	if in.Blueprint != nil {
		req.ProcessID = in.Blueprint.ProcessID
	}
	allowed, err := s.access.Decide(ctx, req)
	if err != nil {
		return reason.AccessDenied, err.Error()
	}
	if !allowed {
		return reason.AccessDenied, "access decision is DENY"
	}
	return "", ""
}

func (s *Sequencer) checkSimulation(_ context.Context, in Input, d *Decision) (reason.Code, string) {
	if s.sims == nil || in.Blueprint == nil {
		return reason.SimulationContractViolation, "no simulation catalog"
	}
	if in.Step.SimulationID == "" {
		return reason.SimulationContractViolation, "side-effecting step names no simulation"
	}
	req, ok := in.Blueprint.Requirement(in.Step.SimulationID)
	if !ok {
		return reason.SimulationContractViolation, "blueprint declares no requirement for " + in.Step.SimulationID
	}
	sim, err := s.sims.Check(in.Step.SimulationID, req.Version, in.Payload)
	if err != nil {
		return reason.SimulationContractViolation, err.Error()
	}
	d.Simulation = sim
	return "", ""
}
