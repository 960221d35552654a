package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/catalog"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/delivery"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/gate"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/retry"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/router"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/workorder"
)

// advance walks the blueprint from the current step until the work order
// finishes or suspends for input. The caller holds the work order lock.
func (x *Executor) advance(ctx context.Context, w *workorder.WorkOrder, bp *catalog.Blueprint, sig Signals) error {
	for !w.Status.Terminal() {
		step, ok := bp.Step(w.StepIndex)
		if !ok {
			_, err := x.record(ctx, w, workorder.EventDone, workorder.Change{}, "", "")
			return err
		}

		if missing := missingFields(stepFields(step, w), w.Fields); len(missing) > 0 {
			return x.clarify(ctx, w, step, missing, false)
		}
		if bp.RequiresConfirmation(step.ID) && !w.Confirmed(step.ID) {
			return x.requestConfirmation(ctx, w, step)
		}

		suspended, err := x.runStep(ctx, w, bp, step, sig)
		if err != nil || suspended {
			return err
		}
	}
	return nil
}

// stepFields is what a step consumes: its required fields in declared
// priority order, then any field its engine asked for.
func stepFields(step catalog.Step, w *workorder.WorkOrder) []string {
	names := slices.Clone(step.RequiredFields)
	for _, f := range w.AskedFields[step.ID] {
		if !slices.Contains(names, f) {
			names = append(names, f)
		}
	}
	return names
}

// missingFields lists the names absent from fields, keeping their order.
func missingFields(names []string, fields map[string]any) []string {
	var missing []string
	for _, f := range names {
		if v, ok := fields[f]; !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// clarify suspends on exactly one question: the first of missing. asked is
// set when the engine, not the blueprint, needs the fields.
func (x *Executor) clarify(ctx context.Context, w *workorder.WorkOrder, step catalog.Step, missing []string, asked bool) error {
	now := x.clk.Now()
	p := &workorder.Prompt{
		Kind:     workorder.PromptClarify,
		StepID:   step.ID,
		Field:    missing[0],
		Count:    1,
		IssuedAt: now,
		Deadline: now.Add(x.cfg.ClarifyWait),
	}
	_, err := x.record(ctx, w, workorder.EventClarifyRequested,
		workorder.Change{StepID: step.ID, Field: p.Field, Missing: missing, Prompt: p, Asked: asked}, "", "")
	return err
}

func (x *Executor) requestConfirmation(ctx context.Context, w *workorder.WorkOrder, step catalog.Step) error {
	now := x.clk.Now()
	p := &workorder.Prompt{
		Kind:     workorder.PromptConfirm,
		StepID:   step.ID,
		Count:    1,
		IssuedAt: now,
		Deadline: now.Add(x.cfg.ConfirmWait),
	}
	_, err := x.record(ctx, w, workorder.EventConfirmRequested,
		workorder.Change{StepID: step.ID, CapabilityID: step.Capability, Prompt: p}, "", "")
	return err
}

// entityKey names the business entity a step touches. Work orders touching
// the same entity run such steps one at a time.
func entityKey(w *workorder.WorkOrder, step catalog.Step) string {
	if step.EntityField != "" {
		if v, ok := w.Fields[step.EntityField]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return w.EntityKey
}

// stepInput is the dispatch payload: the step's required fields plus the
// answers to anything its engine asked for.
func stepInput(step catalog.Step, w *workorder.WorkOrder) map[string]any {
	names := stepFields(step, w)
	in := make(map[string]any, len(names))
	for _, f := range names {
		in[f] = w.Fields[f]
	}
	return in
}

// runStep executes one step with its retry policy. suspended is true when
// the step asked for clarification.
func (x *Executor) runStep(ctx context.Context, w *workorder.WorkOrder, bp *catalog.Blueprint, step catalog.Step, sig Signals) (bool, error) {
	ctx, span := x.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.String("work_order_id", w.ID),
		attribute.String("step_id", step.ID),
		attribute.String("capability_id", step.Capability),
	))
	defer span.End()

	log := x.logger.With("work_order_id", w.ID, "step_id", step.ID, "capability_id", step.Capability)
	if key := entityKey(w, step); key != "" {
		unlock := x.entities.Lock(w.TenantID + "/" + key)
		defer unlock()
	}
	input := stepInput(step, w)

	if _, err := x.record(ctx, w, workorder.EventStepStarted, workorder.Change{
		StepID:       step.ID,
		StepIndex:    w.StepIndex,
		CapabilityID: step.Capability,
		SimulationID: step.SimulationID,
		Attempt:      1,
	}, "", ""); err != nil {
		return false, err
	}

	if err := x.cat.Capabilities.ValidateDispatch(step.Capability, x.cfg.Caller, input); err != nil {
		log.WarnContext(ctx, "dispatch rejected", "error", err)
		return false, x.terminate(ctx, w, step, workorder.EventFailed, reason.CodeOf(err), "")
	}

	var sim *catalog.Simulation
	var principal *gate.Principal
	if step.SideEffect || step.Delivery != nil {
		d := x.evaluateGates(ctx, w, bp, step, input, sig)
		if !d.Allowed {
			span.SetStatus(codes.Error, string(d.ReasonCode))
			return false, x.terminate(ctx, w, step, workorder.EventRefused, d.ReasonCode, string(d.FailedGate))
		}
		sim, principal = d.Simulation, d.Identity
	}

	policy := retry.Policy{
		MaxRetries:  step.Retry.MaxRetries,
		BaseMs:      int64(step.Retry.BackoffMS),
		MaxMs:       int64(step.Retry.MaxBackoffMS),
		MaxJitterMs: x.cfg.MaxJitterMs,
		Retryable:   step.Retry.RetryableReasonCodes,
	}
	for attempt := 1; ; attempt++ {
		x.emit(ctx, w.CorrelationID, workorder.StreamID(w.ID), "step.dispatched", "", map[string]any{
			"work_order_id": w.ID, "step_id": step.ID, "capability_id": step.Capability, "attempt": attempt,
		})
		started := x.clk.Now()
		resp, err := x.dispatch(ctx, w, step, input, principal)
		code, status := outcome(resp, err)
		x.metrics.StepDuration(ctx, step.Capability, status, x.clk.Now().Sub(started))

		if err == nil && resp.Status == capability.StatusOK {
			if sim != nil {
				if verr := x.cat.Simulations.ValidateOutput(sim, resp.ProducedFields); verr != nil {
					log.WarnContext(ctx, "output contract violated", "error", verr)
					return false, x.terminate(ctx, w, step, workorder.EventFailed, reason.CodeOf(verr), "")
				}
			}
			_, err := x.record(ctx, w, workorder.EventStepCompleted, workorder.Change{
				StepID:       step.ID,
				StepIndex:    w.StepIndex,
				CapabilityID: step.Capability,
				Status:       string(capability.StatusOK),
				Fields:       resp.ProducedFields,
			}, "", "")
			return false, err
		}
		if err == nil && resp.Status == capability.StatusNeedsClarify {
			log.InfoContext(ctx, "engine needs clarification", "reason_code", resp.ReasonCode)
			return true, x.clarify(ctx, w, step, resp.MissingFields, true)
		}
		if err == nil && resp.Status == capability.StatusRefused {
			return false, x.terminate(ctx, w, step, workorder.EventRefused, resp.ReasonCode, "")
		}

		if !policy.ShouldRetry(code, attempt-1) {
			log.InfoContext(ctx, "step failed", "reason_code", code, "attempts", attempt, "error", err)
			span.SetStatus(codes.Error, string(code))
			return false, x.terminate(ctx, w, step, workorder.EventFailed, code, "")
		}
		delay := retry.Backoff(retry.Attempt{WorkOrderID: w.ID, StepID: step.ID, Index: attempt - 1}, policy)
		if _, err := x.record(ctx, w, workorder.EventStepRetry, workorder.Change{
			StepID:    step.ID,
			StepIndex: w.StepIndex,
			Attempt:   attempt + 1,
			DelayMS:   delay.Milliseconds(),
		}, code, ""); err != nil {
			return false, err
		}
		log.InfoContext(ctx, "retrying step", "reason_code", code, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-x.clk.After(delay):
		}
	}
}

func (x *Executor) evaluateGates(ctx context.Context, w *workorder.WorkOrder, bp *catalog.Blueprint, step catalog.Step, input map[string]any, sig Signals) gate.Decision {
	d := x.gates.Evaluate(ctx, gate.Input{
		TenantID:             w.TenantID,
		WorkOrderID:          w.ID,
		CorrelationID:        w.CorrelationID,
		Credential:           sig.Credential,
		InputAccepted:        sig.InputAccepted,
		InputReason:          sig.InputReason,
		Confidence:           sig.Confidence,
		ConfirmationRequired: bp.RequiresConfirmation(step.ID),
		Confirmed:            w.Confirmed(step.ID),
		Blueprint:            bp,
		Step:                 step,
		Payload:              input,
	})
	if d.Allowed {
		payload := map[string]any{"work_order_id": w.ID, "step_id": step.ID, "simulation_id": step.SimulationID}
		if d.Simulation != nil {
			payload["simulation_version"] = d.Simulation.Version
		}
		x.emit(ctx, w.CorrelationID, workorder.StreamID(w.ID), "gate.passed", "", payload)
		return d
	}
	x.metrics.GateRefusal(ctx, string(d.FailedGate), string(d.ReasonCode))
	return d
}

// terminate moves the work order to REFUSED or FAILED with code attached
// unchanged.
func (x *Executor) terminate(ctx context.Context, w *workorder.WorkOrder, step catalog.Step, eventType string, code reason.Code, failedGate string) error {
	if code == "" {
		code = reason.CapabilityInternalErr
	}
	_, err := x.record(ctx, w, eventType, workorder.Change{
		StepID:       step.ID,
		StepIndex:    w.StepIndex,
		CapabilityID: step.Capability,
		Gate:         failedGate,
	}, code, "")
	return err
}

// dispatch performs one bounded attempt of step.
func (x *Executor) dispatch(ctx context.Context, w *workorder.WorkOrder, step catalog.Step, input map[string]any, principal *gate.Principal) (capability.Response, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	req := capability.Request{
		CapabilityID:  step.Capability,
		Caller:        x.cfg.Caller,
		TenantID:      w.TenantID,
		WorkOrderID:   w.ID,
		StepID:        step.ID,
		SimulationID:  step.SimulationID,
		CorrelationID: w.CorrelationID,
		Input:         input,
	}

	var resp capability.Response
	var err error
	if step.Delivery != nil {
		resp, err = x.deliver(stepCtx, w, step, req, principal)
	} else {
		var eng capability.Engine
		if eng, err = x.engines.Lookup(step.Capability); err == nil {
			resp, err = eng.Invoke(stepCtx, req)
		}
	}

	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return capability.Response{}, reason.Wrap(reason.ClassRetryable, reason.StepTimeout, err,
				"step %s exceeded %s", step.ID, step.Timeout())
		}
		return capability.Response{}, err
	}
	if verr := capability.ValidateResponse(step.Capability, resp); verr != nil {
		return capability.Response{}, verr
	}
	return resp, nil
}

func (x *Executor) deliver(ctx context.Context, w *workorder.WorkOrder, step catalog.Step, req capability.Request, principal *gate.Principal) (capability.Response, error) {
	if x.delivery == nil {
		return capability.Response{}, reason.New(reason.ClassValidation, reason.CapabilityContractViolation,
			"step %s declares delivery but no delivery service is configured", step.ID)
	}
	capDef, _ := x.cat.Capabilities.Get(step.Capability)
	if capDef == nil || capDef.Lane == "" {
		return capability.Response{}, reason.New(reason.ClassValidation, reason.CapabilityContractViolation,
			"delivery capability %s has no lane", step.Capability)
	}
	sel := router.Selector{TenantID: w.TenantID}
	sel.Locale, _ = w.Fields["locale"].(string)
	sel.Channel, _ = w.Fields["channel"].(string)
	if principal != nil {
		sel.UserID = principal.Subject
	}
	res, err := x.delivery.Deliver(ctx, delivery.Request{
		TenantID:        w.TenantID,
		LogicalActionID: w.ID + "/" + step.ID,
		Recipient:       fmt.Sprint(w.Fields[step.Delivery.RecipientField]),
		SimulationID:    step.SimulationID,
		Lane:            capDef.Lane,
		Selector:        sel,
		Dispatch:        req,
	})
	if err != nil {
		return capability.Response{}, err
	}
	if res.Replayed {
		x.logger.InfoContext(ctx, "delivery replayed", "work_order_id", w.ID, "step_id", step.ID)
	}
	return res.Response, nil
}

// outcome maps an attempt to its reason code and a status label. Uncoded
// errors become CapabilityInternalError so every failure carries a code.
func outcome(resp capability.Response, err error) (reason.Code, string) {
	if err != nil {
		code := reason.CodeOf(err)
		if code == "" {
			code = reason.CapabilityInternalErr
		}
		return code, "error"
	}
	return resp.ReasonCode, string(resp.Status)
}
