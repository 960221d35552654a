package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
)

// Catalogs bundles the three validated catalogs.
type Catalogs struct {
	Capabilities *Registry
	Blueprints   *BlueprintCatalog
	Simulations  *SimulationCatalog
	// Warnings lists references that are legal to load but will fail closed
	// at dispatch, such as a requirement on a simulation with no ACTIVE
	// version.
	Warnings []string
}

// File is the YAML shape of one catalog file. A directory may split the
// catalogs across any number of files.
type File struct {
	Capabilities []Capability `yaml:"capabilities"`
	Blueprints   []Blueprint  `yaml:"blueprints"`
	Simulations  []Simulation `yaml:"simulations"`
}

// LoadDir reads every .yaml/.yml file in dir (non-recursive, in name order)
// and builds the catalogs.
func LoadDir(dir string) (*Catalogs, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var merged File
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", name, err)
		}
		f, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", name, err)
		}
		merged.Capabilities = append(merged.Capabilities, f.Capabilities...)
		merged.Blueprints = append(merged.Blueprints, f.Blueprints...)
		merged.Simulations = append(merged.Simulations, f.Simulations...)
	}
	return New(merged.Capabilities, merged.Blueprints, merged.Simulations)
}

// Parse decodes one catalog file.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, reason.Wrap(reason.ClassValidation, reason.CatalogInvalid, err, "yaml")
	}
	return f, nil
}

// New validates and indexes catalog entries. All problems are reported
// together.
func New(caps []Capability, blueprints []Blueprint, sims []Simulation) (*Catalogs, error) {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	reg := &Registry{caps: make(map[string]*Capability, len(caps))}
	for i := range caps {
		c := caps[i]
		if c.ID == "" {
			fail("capability #%d: missing id", i)
			continue
		}
		if _, dup := reg.caps[c.ID]; dup {
			fail("capability %s: duplicate id", c.ID)
			continue
		}
		if len(c.AllowedCallers) == 0 {
			fail("capability %s: allowed_callers is empty", c.ID)
		}
		schema, err := compileSchema("capability/"+c.ID, c.InputSchema)
		if err != nil {
			fail("capability %s: %v", c.ID, err)
		}
		c.input = schema
		reg.caps[c.ID] = &c
	}

	simCat := &SimulationCatalog{byID: make(map[string][]*Simulation)}
	for i := range sims {
		s := sims[i]
		if s.SimulationID == "" {
			fail("simulation #%d: missing simulation_id", i)
			continue
		}
		v, err := semver.NewVersion(s.Version)
		if err != nil {
			fail("simulation %s: bad version %q: %v", s.SimulationID, s.Version, err)
			continue
		}
		s.version = v
		switch s.Type {
		case SimulationDraft, SimulationCommit, SimulationRevoke:
		default:
			fail("simulation %s@%s: unknown type %q", s.SimulationID, s.Version, s.Type)
		}
		if !s.Status.valid() {
			fail("simulation %s@%s: unknown status %q", s.SimulationID, s.Version, s.Status)
		}
		for _, existing := range simCat.byID[s.SimulationID] {
			if existing.version.Equal(v) {
				fail("simulation %s@%s: duplicate version", s.SimulationID, s.Version)
			}
		}
		if s.input, err = compileSchema("simulation/"+s.SimulationID+"/"+s.Version+"/input", s.InputSchema); err != nil {
			fail("simulation %s@%s: %v", s.SimulationID, s.Version, err)
		}
		if s.output, err = compileSchema("simulation/"+s.SimulationID+"/"+s.Version+"/output", s.OutputSchema); err != nil {
			fail("simulation %s@%s: %v", s.SimulationID, s.Version, err)
		}
		simCat.byID[s.SimulationID] = append(simCat.byID[s.SimulationID], &s)
	}
	for _, versions := range simCat.byID {
		sort.Slice(versions, func(i, j int) bool { return versions[i].version.GreaterThan(versions[j].version) })
	}

	var warnings []string
	bpCat := &BlueprintCatalog{
		active:   make(map[string]*Blueprint),
		versions: make(map[string]map[string]*Blueprint),
	}
	for i := range blueprints {
		b := blueprints[i]
		if b.ProcessID == "" {
			fail("blueprint #%d: missing process_id", i)
			continue
		}
		v, err := semver.NewVersion(b.Version)
		if err != nil {
			fail("blueprint %s: bad version %q: %v", b.ProcessID, b.Version, err)
			continue
		}
		b.version = v
		name := b.ProcessID + "@" + b.Version
		if !b.Status.valid() {
			fail("blueprint %s: unknown status %q", name, b.Status)
		}
		if _, dup := bpCat.versions[b.ProcessID][b.Version]; dup {
			fail("blueprint %s: duplicate version", name)
			continue
		}
		errs = append(errs, validateSteps(name, &b, reg)...)
		warnings = append(warnings, simulationWarnings(name, &b, simCat)...)

		if bpCat.versions[b.ProcessID] == nil {
			bpCat.versions[b.ProcessID] = make(map[string]*Blueprint)
		}
		bpCat.versions[b.ProcessID][b.Version] = &b
		if b.Status == StatusActive {
			if prev, ok := bpCat.active[b.ProcessID]; ok {
				fail("blueprint %s: %s@%s is already ACTIVE", name, prev.ProcessID, prev.Version)
				continue
			}
			bpCat.active[b.ProcessID] = &b
		}
	}

	if len(errs) > 0 {
		return nil, reason.Wrap(reason.ClassValidation, reason.CatalogInvalid, errors.Join(errs...), "%d problem(s)", len(errs))
	}
	return &Catalogs{Capabilities: reg, Blueprints: bpCat, Simulations: simCat, Warnings: warnings}, nil
}

func validateSteps(name string, b *Blueprint, reg *Registry) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", name, fmt.Sprintf(format, args...)))
	}

	if len(b.Steps) == 0 {
		fail("no steps")
	}
	seen := make(map[string]bool, len(b.Steps))
	for i, s := range b.Steps {
		if s.ID == "" {
			fail("step #%d: missing id", i)
			continue
		}
		if seen[s.ID] {
			fail("step %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		c, ok := reg.Get(s.Capability)
		if !ok {
			fail("step %s: unknown capability %q", s.ID, s.Capability)
		}
		if s.SideEffect {
			if s.SimulationID == "" {
				fail("step %s: side effect without simulation_id", s.ID)
			} else if _, ok := b.Requirement(s.SimulationID); !ok {
				fail("step %s: simulation %s missing from simulation_requirements", s.ID, s.SimulationID)
			}
		}
		if s.Delivery != nil {
			if !s.SideEffect {
				fail("step %s: delivery step must be side_effect", s.ID)
			}
			if s.Delivery.RecipientField == "" {
				fail("step %s: delivery without recipient_field", s.ID)
			}
			if ok && c.Lane == "" {
				fail("step %s: delivery capability %s has no lane", s.ID, s.Capability)
			}
		}
		if s.Retry.MaxRetries < 0 || s.Retry.BackoffMS < 0 {
			fail("step %s: negative retry policy", s.ID)
		}
	}
	for _, cp := range b.ConfirmationPoints {
		if !seen[cp] {
			fail("confirmation point %q names no step", cp)
		}
	}
	for _, req := range b.SimulationRequirements {
		if req.Version == "" {
			continue
		}
		if _, err := semver.NewConstraint(req.Version); err != nil {
			fail("simulation requirement %s: bad constraint %q: %v", req.SimulationID, req.Version, err)
		}
	}
	return errs
}

func simulationWarnings(name string, b *Blueprint, sims *SimulationCatalog) []string {
	var out []string
	for _, req := range b.SimulationRequirements {
		active := false
		for _, s := range sims.byID[req.SimulationID] {
			if s.Status == StatusActive {
				active = true
				break
			}
		}
		if !active {
			out = append(out, fmt.Sprintf("%s: simulation %s has no ACTIVE version; dependent steps will be refused", name, req.SimulationID))
		}
	}
	return out
}
