// Package capability defines the envelope the kernel exchanges with external
// engines. The kernel never looks past this envelope.
package capability

import (
	"context"
	"fmt"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Status is the engine-reported outcome.
type Status string

const (
	StatusOK           Status = "OK"
	StatusNeedsClarify Status = "NEEDS_CLARIFY"
	StatusRefused      Status = "REFUSED"
	StatusFail         Status = "FAIL"
)

// Valid reports whether s is one of the four contract statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusNeedsClarify, StatusRefused, StatusFail:
		return true
	}
	return false
}

// Request is the dispatch envelope sent to an engine.
type Request struct {
	CapabilityID  string         `json:"capability_id"`
	Caller        string         `json:"caller"`
	TenantID      string         `json:"tenant_id"`
	WorkOrderID   string         `json:"work_order_id"`
	StepID        string         `json:"step_id"`
	SimulationID  string         `json:"simulation_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Input         map[string]any `json:"input"`
}

// Response is the engine reply envelope.
type Response struct {
	Status         Status         `json:"status"`
	ProducedFields map[string]any `json:"produced_fields,omitempty"`
	MissingFields  []string       `json:"missing_fields,omitempty"`
	ReasonCode     reason.Code    `json:"reason_code,omitempty"`
}

// Engine is a stateless capability. An engine sees only its request; it holds
// no reference to the kernel or to other engines.
type Engine interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Response, error)

func (f EngineFunc) Invoke(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Engines is the closed set of engines the executor may dispatch to, keyed by
// capability id. It is built once at startup.
type Engines map[string]Engine

// Lookup returns the engine bound to capabilityID.
func (e Engines) Lookup(capabilityID string) (Engine, error) {
	eng, ok := e[capabilityID]
	if !ok || eng == nil {
		return nil, reason.New(reason.ClassValidation, reason.UnknownCapability, "no engine bound to %s", capabilityID)
	}
	return eng, nil
}

// ValidateResponse enforces the envelope contract: a known status, a reason
// code on every non-OK status and a missing field on every NEEDS_CLARIFY.
func ValidateResponse(capabilityID string, resp Response) error {
	if !resp.Status.Valid() {
		return violation(capabilityID, "unknown status %q", resp.Status)
	}
	if resp.Status != StatusOK && resp.ReasonCode == "" {
		return violation(capabilityID, "status %s without reason code", resp.Status)
	}
	if resp.Status == StatusNeedsClarify && len(resp.MissingFields) == 0 {
		return violation(capabilityID, "NEEDS_CLARIFY without missing fields")
	}
	return nil
}

func violation(capabilityID, format string, args ...any) error {
	return reason.New(reason.ClassValidation, reason.CapabilityContractViolation,
		"%s: %s", capabilityID, fmt.Sprintf(format, args...))
}
