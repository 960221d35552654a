package catalog

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// SimulationCatalog indexes simulation versions by id.
type SimulationCatalog struct {
	byID map[string][]*Simulation // sorted by version, newest first
}

// Versions returns every version of simID, newest first.
func (c *SimulationCatalog) Versions(simID string) []*Simulation {
	return append([]*Simulation(nil), c.byID[simID]...)
}

// IDs lists every simulation id, sorted.
func (c *SimulationCatalog) IDs() []string {
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Check resolves the newest ACTIVE version of simID satisfying constraint and
// validates payload against its input schema. Every failure is a
// SimulationContractViolation; the caller must not execute the step.
func (c *SimulationCatalog) Check(simID, constraint string, payload map[string]any) (*Simulation, error) {
	versions, ok := c.byID[simID]
	if !ok || simID == "" {
		return nil, simViolation("simulation %q does not exist", simID)
	}

	var cons *semver.Constraints
	if constraint != "" {
		parsed, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, simViolation("simulation %q: bad constraint %q: %v", simID, constraint, err)
		}
		cons = parsed
	}

	anyActive := false
	for _, sim := range versions {
		if sim.Status != StatusActive {
			continue
		}
		anyActive = true
		if cons != nil && !cons.Check(sim.version) {
			continue
		}
		if err := validate(sim.input, payload); err != nil {
			return nil, reason.Wrap(reason.ClassPolicy, reason.SimulationContractViolation, err,
				"payload does not match %s@%s input schema", simID, sim.Version)
		}
		return sim, nil
	}
	if !anyActive {
		return nil, simViolation("simulation %q has no ACTIVE version", simID)
	}
	return nil, simViolation("simulation %q has no ACTIVE version matching %q", simID, constraint)
}

// ValidateOutput checks engine-produced fields against the simulation output
// schema.
func (c *SimulationCatalog) ValidateOutput(sim *Simulation, produced map[string]any) error {
	if err := validate(sim.output, produced); err != nil {
		return reason.Wrap(reason.ClassPolicy, reason.SimulationContractViolation, err,
			"output does not match %s@%s output schema", sim.SimulationID, sim.Version)
	}
	return nil
}

func simViolation(format string, args ...any) error {
	return reason.New(reason.ClassPolicy, reason.SimulationContractViolation, format, args...)
}
