// Package workorder defines the work order model, its status machine and the
// ledger events that drive it.
//
// A work order's state is never stored directly. It is the fold of its
// ledger stream "workorder/<id>" through Apply.
package workorder

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// StreamFamily is the ledger family of work order streams.
const StreamFamily = "workorder"

// StreamID returns the ledger stream of work order id.
func StreamID(id string) string { return ledger.StreamID(StreamFamily, id) }

// Status is a work order status.
type Status string

const (
	Draft     Status = "DRAFT"
	Clarify   Status = "CLARIFY"
	Confirm   Status = "CONFIRM"
	Executing Status = "EXECUTING"
	Done      Status = "DONE"
	Refused   Status = "REFUSED"
	Failed    Status = "FAILED"
)

// Terminal reports whether s can never change again.
func (s Status) Terminal() bool {
	return s == Done || s == Refused || s == Failed
}

var transitions = map[Status][]Status{
	Draft:     {Clarify, Confirm, Executing, Done, Refused, Failed},
	Clarify:   {Clarify, Confirm, Executing, Refused, Failed},
	Confirm:   {Confirm, Executing, Refused, Failed},
	Executing: {Executing, Clarify, Confirm, Done, Refused, Failed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Ledger event types.
const (
	EventCreated          = "workorder.created"
	EventFieldsSupplied   = "workorder.fields_supplied"
	EventClarifyRequested = "workorder.clarify_requested"
	EventConfirmRequested = "workorder.confirm_requested"
	EventConfirmed        = "workorder.confirmed"
	EventStepStarted      = "workorder.step_started"
	EventStepRetry        = "workorder.step_retry"
	EventStepCompleted    = "workorder.step_completed"
	EventDone             = "workorder.done"
	EventRefused          = "workorder.refused"
	EventFailed           = "workorder.failed"
)

// PromptKind distinguishes the two suspension kinds.
type PromptKind string

const (
	PromptClarify PromptKind = "CLARIFY"
	PromptConfirm PromptKind = "CONFIRM"
)

// Prompt is the single outstanding question of a suspended work order.
type Prompt struct {
	Kind   PromptKind `json:"kind"`
	StepID string     `json:"step_id"`
	// Field is the one missing field a clarification asks for.
	Field    string    `json:"field,omitempty"`
	Count    int       `json:"count"`
	IssuedAt time.Time `json:"issued_at"`
	Deadline time.Time `json:"deadline"`
}

// WorkOrder is the materialized state of one work order.
type WorkOrder struct {
	ID               string         `json:"work_order_id"`
	TenantID         string         `json:"tenant_id"`
	ProcessID        string         `json:"process_id"`
	BlueprintVersion string         `json:"blueprint_version"`
	CorrelationID    string         `json:"correlation_id"`
	EntityKey        string         `json:"entity_key,omitempty"`
	Status           Status         `json:"status"`
	Fields           map[string]any `json:"fields"`
	MissingFields    []string       `json:"missing_fields,omitempty"`
	StepIndex        int            `json:"step_index"`
	Attempt          int            `json:"attempt"`
	ConfirmedSteps   []string       `json:"confirmed_steps,omitempty"`
	Prompt           *Prompt        `json:"prompt,omitempty"`
	ReasonCode       reason.Code    `json:"reason_code,omitempty"`
	FailedGate       string         `json:"failed_gate,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Version          uint64         `json:"version"`

	// AskedFields holds, per step, the fields an engine asked for beyond the
	// step's required fields.
	AskedFields map[string][]string `json:"asked_fields,omitempty"`
}

// Confirmed reports whether stepID has been confirmed.
func (w *WorkOrder) Confirmed(stepID string) bool {
	return slices.Contains(w.ConfirmedSteps, stepID)
}

// Change is the payload of every work order event. Only the fields relevant
// to the event type are set. Scalar keys double as the audit payload.
type Change struct {
	WorkOrderID      string         `json:"work_order_id"`
	TenantID         string         `json:"tenant_id,omitempty"`
	ProcessID        string         `json:"process_id,omitempty"`
	BlueprintVersion string         `json:"blueprint_version,omitempty"`
	EntityKey        string         `json:"entity_key,omitempty"`
	From             Status         `json:"from,omitempty"`
	To               Status         `json:"to,omitempty"`
	StepID           string         `json:"step_id,omitempty"`
	StepIndex        int            `json:"step_index,omitempty"`
	CapabilityID     string         `json:"capability_id,omitempty"`
	SimulationID     string         `json:"simulation_id,omitempty"`
	Field            string         `json:"field,omitempty"`
	Missing          []string       `json:"missing,omitempty"`
	Prompt           *Prompt        `json:"prompt,omitempty"`
	Attempt          int            `json:"attempt,omitempty"`
	DelayMS          int64          `json:"delay_ms,omitempty"`
	Status           string         `json:"status,omitempty"`
	Gate             string         `json:"gate,omitempty"`
	Replayed         bool           `json:"replayed,omitempty"`
	Fields           map[string]any `json:"fields,omitempty"`

	// Asked marks a clarification raised by an engine rather than by the
	// step's required fields.
	Asked bool `json:"asked,omitempty"`
}

var (
	// ErrTerminal rejects any event on a finished work order.
	ErrTerminal = reason.Sentinel(reason.ClassValidation, reason.WorkOrderTerminal)
	// ErrInvalidTransition rejects a status change the machine does not allow.
	ErrInvalidTransition = reason.Sentinel(reason.ClassValidation, reason.InvalidTransition)
)

// targetStatus is the status an event type moves to, or "" if it keeps the
// current one.
func targetStatus(eventType string) Status {
	switch eventType {
	case EventClarifyRequested:
		return Clarify
	case EventConfirmRequested:
		return Confirm
	case EventStepStarted:
		return Executing
	case EventDone:
		return Done
	case EventRefused:
		return Refused
	case EventFailed:
		return Failed
	}
	return ""
}

// Apply folds one event into w. It is pure: the result depends only on w and
// ev.
func Apply(w *WorkOrder, ev ledger.Event) error {
	var c Change
	if err := ev.Decode(&c); err != nil {
		return err
	}

	// Status, not ID, marks a folded work order: callers may name the work
	// order before its first event.
	if ev.EventType == EventCreated {
		if w.Status != "" {
			return reason.New(reason.ClassValidation, reason.InvalidTransition, "work order %s already created", w.ID)
		}
		*w = WorkOrder{
			ID:               c.WorkOrderID,
			TenantID:         c.TenantID,
			ProcessID:        c.ProcessID,
			BlueprintVersion: c.BlueprintVersion,
			CorrelationID:    ev.CorrelationID,
			EntityKey:        c.EntityKey,
			Status:           Draft,
			Fields:           maps.Clone(c.Fields),
			CreatedAt:        ev.CreatedAt,
		}
		if w.Fields == nil {
			w.Fields = map[string]any{}
		}
		w.touch(ev)
		return nil
	}

	if w.Status == "" {
		return fmt.Errorf("workorder: %s before %s", ev.EventType, EventCreated)
	}
	if w.Status.Terminal() {
		return reason.New(reason.ClassValidation, reason.WorkOrderTerminal, "work order %s is %s", w.ID, w.Status)
	}
	if to := targetStatus(ev.EventType); to != "" && !CanTransition(w.Status, to) {
		return reason.New(reason.ClassValidation, reason.InvalidTransition, "%s -> %s", w.Status, to)
	}

	switch ev.EventType {
	case EventFieldsSupplied:
		if w.Fields == nil {
			w.Fields = map[string]any{}
		}
		maps.Copy(w.Fields, c.Fields)
		w.MissingFields = slices.DeleteFunc(slices.Clone(w.MissingFields), func(f string) bool {
			_, ok := c.Fields[f]
			return ok
		})
		if len(w.MissingFields) == 0 {
			w.MissingFields = nil
		}
	case EventClarifyRequested:
		w.Status = Clarify
		w.Prompt = c.Prompt
		w.MissingFields = slices.Clone(c.Missing)
		if c.Asked {
			w.AskedFields = maps.Clone(w.AskedFields)
			if w.AskedFields == nil {
				w.AskedFields = map[string][]string{}
			}
			asked := slices.Clone(w.AskedFields[c.StepID])
			for _, f := range c.Missing {
				if !slices.Contains(asked, f) {
					asked = append(asked, f)
				}
			}
			w.AskedFields[c.StepID] = asked
		}
	case EventConfirmRequested:
		w.Status = Confirm
		w.Prompt = c.Prompt
	case EventConfirmed:
		if w.Prompt == nil || w.Prompt.Kind != PromptConfirm || w.Prompt.StepID != c.StepID {
			return reason.New(reason.ClassValidation, reason.NotAwaitingInput, "no confirmation pending for step %s", c.StepID)
		}
		w.Prompt = nil
		if !w.Confirmed(c.StepID) {
			w.ConfirmedSteps = append(slices.Clone(w.ConfirmedSteps), c.StepID)
		}
	case EventStepStarted:
		w.Status = Executing
		w.Prompt = nil
		w.StepIndex = c.StepIndex
		w.Attempt = c.Attempt
	case EventStepRetry:
		w.Attempt = c.Attempt
	case EventStepCompleted:
		if w.Fields == nil {
			w.Fields = map[string]any{}
		}
		maps.Copy(w.Fields, c.Fields)
		w.StepIndex = c.StepIndex + 1
		w.Attempt = 0
	case EventDone:
		w.Status = Done
		w.Prompt = nil
	case EventRefused:
		w.Status = Refused
		w.Prompt = nil
		w.ReasonCode = reason.Code(ev.ReasonCode)
		w.FailedGate = c.Gate
	case EventFailed:
		w.Status = Failed
		w.Prompt = nil
		w.ReasonCode = reason.Code(ev.ReasonCode)
	default:
		return fmt.Errorf("workorder: unknown event type %q", ev.EventType)
	}
	w.touch(ev)
	return nil
}

func (w *WorkOrder) touch(ev ledger.Event) {
	w.UpdatedAt = ev.CreatedAt
	w.Version = ev.SequenceNo
}

// Fold rebuilds a work order from its full stream.
func Fold(events []ledger.Event) (WorkOrder, error) {
	var w WorkOrder
	if len(events) == 0 {
		return w, errors.New("workorder: empty stream")
	}
	for _, ev := range events {
		if err := Apply(&w, ev); err != nil {
			return WorkOrder{}, fmt.Errorf("workorder: %s #%d: %w", ev.StreamID, ev.SequenceNo, err)
		}
	}
	return w, nil
}
