// Package catalog holds the three static catalogs the executor is built on:
// capabilities, process blueprints and simulations.
//
// Catalogs are loaded and validated once. The resulting *Catalogs value is
// never modified afterwards and is passed explicitly to its consumers.
package catalog

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Status is the lifecycle state of a blueprint or simulation version.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
	StatusDisabled   Status = "DISABLED"
)

func (s Status) valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusDeprecated, StatusDisabled:
		return true
	}
	return false
}

// SimulationType classifies what a simulation does.
type SimulationType string

const (
	SimulationDraft  SimulationType = "DRAFT"
	SimulationCommit SimulationType = "COMMIT"
	SimulationRevoke SimulationType = "REVOKE"
)

// Capability is one entry of the capability registry.
type Capability struct {
	ID             string         `yaml:"id" json:"id"`
	Lane           string         `yaml:"lane,omitempty" json:"lane,omitempty"`
	InputSchema    map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Produces       []string       `yaml:"produces,omitempty" json:"produces,omitempty"`
	AllowedCallers []string       `yaml:"allowed_callers" json:"allowed_callers"`
	FailureModes   []reason.Code  `yaml:"failure_modes,omitempty" json:"failure_modes,omitempty"`

	input *jsonschema.Schema
}

// RetryPolicy bounds automatic retries of one step.
type RetryPolicy struct {
	MaxRetries           int           `yaml:"max_retries" json:"max_retries"`
	BackoffMS            int           `yaml:"backoff_ms" json:"backoff_ms"`
	MaxBackoffMS         int           `yaml:"max_backoff_ms,omitempty" json:"max_backoff_ms,omitempty"`
	RetryableReasonCodes []reason.Code `yaml:"retryable_reason_codes,omitempty" json:"retryable_reason_codes,omitempty"`
}

// Retryable reports whether code is on the allow-list.
func (p RetryPolicy) Retryable(code reason.Code) bool {
	for _, c := range p.RetryableReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Delivery marks a step whose effect is an exactly-once external send.
type Delivery struct {
	RecipientField string `yaml:"recipient_field" json:"recipient_field"`
}

// Step is one ordered unit of a blueprint.
type Step struct {
	ID         string `yaml:"id" json:"id"`
	Capability string `yaml:"capability" json:"capability"`
	// RequiredFields is ordered by blocking priority: the first missing one
	// is the single clarification target.
	RequiredFields []string    `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`
	Produces       []string    `yaml:"produces,omitempty" json:"produces,omitempty"`
	SideEffect     bool        `yaml:"side_effect,omitempty" json:"side_effect,omitempty"`
	SimulationID   string      `yaml:"simulation_id,omitempty" json:"simulation_id,omitempty"`
	Delivery       *Delivery   `yaml:"delivery,omitempty" json:"delivery,omitempty"`
	EntityField    string      `yaml:"entity_field,omitempty" json:"entity_field,omitempty"`
	Retry          RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	TimeoutMS      int         `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// DefaultStepTimeout applies when a step declares none.
const DefaultStepTimeout = 30 * time.Second

// Timeout is the bounded per-attempt timeout of the step.
func (s Step) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// SimulationRequirement pins a simulation to a semver constraint.
type SimulationRequirement struct {
	SimulationID string `yaml:"simulation_id" json:"simulation_id"`
	Version      string `yaml:"version" json:"version"`
}

// Blueprint is an immutable, versioned process definition.
type Blueprint struct {
	ProcessID              string                  `yaml:"process_id" json:"process_id"`
	Version                string                  `yaml:"version" json:"version"`
	Status                 Status                  `yaml:"status" json:"status"`
	Steps                  []Step                  `yaml:"steps" json:"steps"`
	ConfirmationPoints     []string                `yaml:"confirmation_points,omitempty" json:"confirmation_points,omitempty"`
	SimulationRequirements []SimulationRequirement `yaml:"simulation_requirements,omitempty" json:"simulation_requirements,omitempty"`

	version *semver.Version
}

// RequiresConfirmation reports whether stepID is a confirmation point.
func (b *Blueprint) RequiresConfirmation(stepID string) bool {
	for _, id := range b.ConfirmationPoints {
		if id == stepID {
			return true
		}
	}
	return false
}

// Requirement returns the version constraint declared for simID.
func (b *Blueprint) Requirement(simID string) (SimulationRequirement, bool) {
	for _, r := range b.SimulationRequirements {
		if r.SimulationID == simID {
			return r, true
		}
	}
	return SimulationRequirement{}, false
}

// Step returns the step at index i.
func (b *Blueprint) Step(i int) (Step, bool) {
	if i < 0 || i >= len(b.Steps) {
		return Step{}, false
	}
	return b.Steps[i], true
}

// Simulation is one version of an executable side-effecting action.
type Simulation struct {
	SimulationID string         `yaml:"simulation_id" json:"simulation_id"`
	Version      string         `yaml:"version" json:"version"`
	Type         SimulationType `yaml:"type" json:"type"`
	Status       Status         `yaml:"status" json:"status"`
	InputSchema  map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	version *semver.Version
	input   *jsonschema.Schema
	output  *jsonschema.Schema
}
