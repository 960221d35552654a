// Package reason defines the kernel's deterministic reason-code taxonomy.
//
// Every failure that crosses a component boundary carries exactly one Code and
// one Class. The Executor maps the pair to a WorkOrder transition without
// inspecting free text.
package reason

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy bucket.
type Class string

const (
	// ClassValidation is a schema or contract mismatch, rejected before dispatch.
	ClassValidation Class = "VALIDATION"
	// ClassRetryable is a transient provider or step failure.
	ClassRetryable Class = "RETRYABLE"
	// ClassPolicy is a refusal: access, confirmation, simulation.
	ClassPolicy Class = "POLICY"
	// ClassIntegrity halts the affected stream until an operator intervenes.
	ClassIntegrity Class = "INTEGRITY"
)

// Code is a stable, machine-readable reason.
type Code string

// Ledger and idempotency.
const (
	AppendOnlyViolation Code = "AppendOnlyViolation"
	IdempotencyReplay   Code = "IdempotencyReplay"
	IdempotencyConflict Code = "IdempotencyConflict"
	SequenceGap         Code = "SequenceGap"
	SequenceConflict    Code = "SequenceConflict"
	StreamHalted        Code = "StreamHalted"
	DedupeKeyCollision  Code = "DedupeKeyCollision"
)

// Catalogs and dispatch contracts.
const (
	NoBlueprintAvailable        Code = "NoBlueprintAvailable"
	UnknownCapability           Code = "UnknownCapability"
	CallerNotAllowed            Code = "CallerNotAllowed"
	InputSchemaViolation        Code = "InputSchemaViolation"
	CapabilityContractViolation Code = "CapabilityContractViolation"
	SimulationContractViolation Code = "SimulationContractViolation"
	CatalogInvalid              Code = "CatalogInvalid"
)

// Gates.
const (
	IdentityUnresolved   Code = "IdentityUnresolved"
	InputQualityRejected Code = "InputQualityRejected"
	LowConfidence        Code = "LowConfidence"
	ConfirmationRequired Code = "ConfirmationRequired"
	AccessDenied         Code = "AccessDenied"
)

// Work order lifecycle.
const (
	UnknownWorkOrder      Code = "UnknownWorkOrder"
	WorkOrderTerminal     Code = "WorkOrderTerminal"
	InvalidTransition     Code = "InvalidTransition"
	NotAwaitingInput      Code = "NotAwaitingInput"
	ConfirmationTimeout   Code = "ConfirmationTimeout"
	ClarificationTimeout  Code = "ClarificationTimeout"
	ConfirmationDeclined  Code = "ConfirmationDeclined"
	RetriesExhausted      Code = "RetriesExhausted"
	StepTimeout           Code = "StepTimeout"
	EngineUnavailable     Code = "EngineUnavailable"
	CapabilityInternalErr Code = "CapabilityInternalError"
)

// Providers and delivery.
const (
	ProviderUnavailable Code = "ProviderUnavailable"
	ProviderTimeout     Code = "ProviderTimeout"
	ProviderError       Code = "ProviderError"
	ProviderRejected    Code = "ProviderRejected"
	ProviderRateLimited Code = "ProviderRateLimited"
	DeliveryPending     Code = "DeliveryPending"
	DeliveryInFlight    Code = "DeliveryInFlight"
	NoHealthyProvider   Code = "NoHealthyProvider"
	CircuitOpened       Code = "CircuitOpened"
	CircuitProbing      Code = "CircuitProbing"
	CircuitRecovered    Code = "CircuitRecovered"
)

// Error is a reason-coded kernel error.
type Error struct {
	Class   Class
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Code, so sentinel values can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds a reason-coded error.
func New(class Class, code Code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a reason code to an underlying error.
func Wrap(class Class, code Code, err error, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel returns a message-less *Error usable as an errors.Is target.
func Sentinel(class Class, code Code) *Error {
	return &Error{Class: class, Code: code}
}

// CodeOf extracts the reason code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf extracts the class from err, or "" if err carries none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsIntegrity reports whether err requires operator intervention.
func IsIntegrity(err error) bool { return ClassOf(err) == ClassIntegrity }
