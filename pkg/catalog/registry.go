package catalog

import (
	"sort"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Registry is the capability registry.
type Registry struct {
	caps map[string]*Capability
}

// Get returns the capability with the given id.
func (r *Registry) Get(id string) (*Capability, bool) {
	c, ok := r.caps[id]
	return c, ok
}

// IDs returns every registered capability id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateDispatch checks a dispatch against the registry before it happens:
// the capability must exist, the caller must be allowed and the input must
// match the declared schema.
func (r *Registry) ValidateDispatch(capabilityID, caller string, input map[string]any) error {
	c, ok := r.caps[capabilityID]
	if !ok {
		return reason.New(reason.ClassValidation, reason.UnknownCapability, "capability %q is not registered", capabilityID)
	}
	if !c.allows(caller) {
		return reason.New(reason.ClassPolicy, reason.CallerNotAllowed, "%s may not call %s", caller, capabilityID)
	}
	if err := validate(c.input, input); err != nil {
		return reason.Wrap(reason.ClassValidation, reason.InputSchemaViolation, err, "input for %s", capabilityID)
	}
	return nil
}

func (c *Capability) allows(caller string) bool {
	for _, a := range c.AllowedCallers {
		if a == "*" || a == caller {
			return true
		}
	}
	return false
}
