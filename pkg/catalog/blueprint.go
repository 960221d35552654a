package catalog

import (
	"sort"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// BlueprintCatalog indexes blueprints by process and version. Only one
// version per process may be ACTIVE; older versions stay resolvable for
// replay and audit.
type BlueprintCatalog struct {
	active   map[string]*Blueprint
	versions map[string]map[string]*Blueprint
}

// Active returns the ACTIVE blueprint of processID. A process without one is
// a hard refusal.
func (c *BlueprintCatalog) Active(processID string) (*Blueprint, error) {
	bp, ok := c.active[processID]
	if !ok {
		return nil, reason.New(reason.ClassPolicy, reason.NoBlueprintAvailable, "no ACTIVE blueprint for %q", processID)
	}
	return bp, nil
}

// Version returns a specific blueprint version regardless of status.
func (c *BlueprintCatalog) Version(processID, version string) (*Blueprint, error) {
	bp, ok := c.versions[processID][version]
	if !ok {
		return nil, reason.New(reason.ClassPolicy, reason.NoBlueprintAvailable, "no blueprint %s@%s", processID, version)
	}
	return bp, nil
}

// Processes lists every process id with at least one version, sorted.
func (c *BlueprintCatalog) Processes() []string {
	out := make([]string, 0, len(c.versions))
	for id := range c.versions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
