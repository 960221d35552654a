package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// AccessRequest is what the access gate asks about.
type AccessRequest struct {
	Principal    Principal
	TenantID     string
	ProcessID    string
	StepID       string
	CapabilityID string
	SimulationID string
}

func (r AccessRequest) input() map[string]any {
	roles := make([]any, len(r.Principal.Roles))
	for i, role := range r.Principal.Roles {
		roles[i] = role
	}
	return map[string]any{
		"principal": map[string]any{
			"subject":   r.Principal.Subject,
			"tenant_id": r.Principal.TenantID,
			"roles":     roles,
		},
		"tenant_id":     r.TenantID,
		"process_id":    r.ProcessID,
		"step_id":       r.StepID,
		"capability_id": r.CapabilityID,
		"simulation_id": r.SimulationID,
	}
}

// AccessDecider returns ALLOW (true) or DENY (false).
type AccessDecider interface {
	Decide(ctx context.Context, req AccessRequest) (bool, error)
}

// AccessDeciderFunc adapts a function to AccessDecider.
type AccessDeciderFunc func(ctx context.Context, req AccessRequest) (bool, error)

func (f AccessDeciderFunc) Decide(ctx context.Context, req AccessRequest) (bool, error) {
	return f(ctx, req)
}

// AllowAll allows every request.
var AllowAll AccessDecider = AccessDeciderFunc(func(context.Context, AccessRequest) (bool, error) { return true, nil })

// CELAccessDecider evaluates CEL rules against an "input" map built from the
// request. Rules are keyed by process ID; Default applies to the rest. With
// no rule and no default the request is denied.
type CELAccessDecider struct {
	env      *cel.Env
	rules    map[string]string
	fallback string

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELAccessDecider compiles every rule up front so a bad policy fails at
// startup rather than at dispatch.
func NewCELAccessDecider(rules map[string]string, fallback string) (*CELAccessDecider, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("access: create CEL env: %w", err)
	}
	d := &CELAccessDecider{
		env:      env,
		rules:    make(map[string]string, len(rules)),
		fallback: fallback,
		prgCache: make(map[string]cel.Program),
	}
	for proc, expr := range rules {
		d.rules[proc] = expr
		if _, err := d.program(expr); err != nil {
			return nil, fmt.Errorf("access rule for %s: %w", proc, err)
		}
	}
	if fallback != "" {
		if _, err := d.program(fallback); err != nil {
			return nil, fmt.Errorf("access default rule: %w", err)
		}
	}
	return d, nil
}

func (d *CELAccessDecider) program(expr string) (cel.Program, error) {
	d.mu.RLock()
	prg, hit := d.prgCache[expr]
	d.mu.RUnlock()
	if hit {
		return prg, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if prg, hit = d.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := d.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := d.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	d.prgCache[expr] = prg
	return prg, nil
}

func (d *CELAccessDecider) Decide(ctx context.Context, req AccessRequest) (bool, error) {
	expr, ok := d.rules[req.ProcessID]
	if !ok {
		expr = d.fallback
	}
	if expr == "" {
		return false, nil
	}
	prg, err := d.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"input": req.input()})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("access rule result is not boolean")
	}
	return allowed, nil
}
