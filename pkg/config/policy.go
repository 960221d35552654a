package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/gate"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/router"
)

// Policy is the kernel policy: gate thresholds, access rules, wait windows,
// capability engines and the delivery lanes with their provider ladders.
type Policy struct {
	Gate     GatePolicy                       `yaml:"gate"`
	Waits    WaitPolicy                       `yaml:"waits"`
	Retry    RetryPolicy                      `yaml:"retry"`
	Delivery DeliveryPolicy                   `yaml:"delivery"`
	Engines  map[string]capability.HTTPConfig `yaml:"engines"`
	Lanes    map[string]LaneConfig            `yaml:"lanes"`
}

// GatePolicy configures the gate sequencer.
type GatePolicy struct {
	MinConfidence float64 `yaml:"min_confidence"`
	// Access maps a process id to a CEL expression over `input`.
	Access        map[string]string `yaml:"access"`
	DefaultAccess string            `yaml:"default_access"`
}

// WaitPolicy bounds how long a work order may wait for the user.
type WaitPolicy struct {
	Clarify time.Duration `yaml:"clarify"`
	Confirm time.Duration `yaml:"confirm"`
}

type RetryPolicy struct {
	MaxJitterMs int64 `yaml:"max_jitter_ms"`
}

// DeliveryPolicy configures the delivery dedupe index.
type DeliveryPolicy struct {
	// Lease is how long a delivery key stays reserved by an owner that never
	// settles it. It must exceed every delivery step timeout.
	Lease time.Duration `yaml:"lease"`
}

// LaneConfig is one delivery lane. Routing fields sit next to providers.
type LaneConfig struct {
	Providers         []ProviderConfig `yaml:"providers"`
	router.LanePolicy `yaml:",inline"`
}

// ProviderConfig binds a provider id to a remote engine.
type ProviderConfig struct {
	ID            string  `yaml:"id"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	capability.HTTPConfig `yaml:",inline"`
}

// DefaultPolicy is used for every field a policy file leaves unset.
func DefaultPolicy() Policy {
	return Policy{
		Gate:     GatePolicy{MinConfidence: 0.7},
		Waits:    WaitPolicy{Clarify: 10 * time.Minute, Confirm: 5 * time.Minute},
		Retry:    RetryPolicy{MaxJitterMs: 250},
		Delivery: DeliveryPolicy{Lease: 5 * time.Minute},
	}
}

// LoadPolicy reads and validates a policy file. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	defaults := DefaultPolicy()
	if p.Waits.Clarify <= 0 {
		p.Waits.Clarify = defaults.Waits.Clarify
	}
	if p.Waits.Confirm <= 0 {
		p.Waits.Confirm = defaults.Waits.Confirm
	}
	if p.Delivery.Lease <= 0 {
		p.Delivery.Lease = defaults.Delivery.Lease
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports every problem at once.
func (p *Policy) Validate() error {
	var errs []error
	if p.Gate.MinConfidence < 0 || p.Gate.MinConfidence >= 1 {
		errs = append(errs, fmt.Errorf("gate.min_confidence %v is outside [0,1)", p.Gate.MinConfidence))
	}
	if p.Retry.MaxJitterMs < 0 {
		errs = append(errs, errors.New("retry.max_jitter_ms is negative"))
	}
	for id, e := range p.Engines {
		if e.URL == "" {
			errs = append(errs, fmt.Errorf("engine %s: url is required", id))
		}
	}
	for _, name := range sortedKeys(p.Lanes) {
		l := p.Lanes[name]
		if len(l.Providers) == 0 {
			errs = append(errs, fmt.Errorf("lane %s: no providers", name))
		}
		seen := make(map[string]bool, len(l.Providers))
		for _, pr := range l.Providers {
			switch {
			case pr.ID == "":
				errs = append(errs, fmt.Errorf("lane %s: provider without id", name))
			case seen[pr.ID]:
				errs = append(errs, fmt.Errorf("lane %s: duplicate provider %s", name, pr.ID))
			case pr.URL == "":
				errs = append(errs, fmt.Errorf("lane %s: provider %s: url is required", name, pr.ID))
			}
			seen[pr.ID] = true
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// GateConfig returns the sequencer configuration.
func (p *Policy) GateConfig() gate.Config {
	return gate.Config{MinConfidence: p.Gate.MinConfidence}
}

// AccessDecider compiles the access rules.
func (p *Policy) AccessDecider() (*gate.CELAccessDecider, error) {
	return gate.NewCELAccessDecider(p.Gate.Access, p.Gate.DefaultAccess)
}

// CapabilityEngines builds one HTTP engine per configured capability.
func (p *Policy) CapabilityEngines() capability.Engines {
	out := make(capability.Engines, len(p.Engines))
	for id, cfg := range p.Engines {
		out[id] = capability.NewHTTPEngine(cfg)
	}
	return out
}

// RouterLanes builds router lanes with HTTP provider engines, in name order.
func (p *Policy) RouterLanes() []router.Lane {
	out := make([]router.Lane, 0, len(p.Lanes))
	for _, name := range sortedKeys(p.Lanes) {
		l := p.Lanes[name]
		lane := router.Lane{Name: name, Policy: l.LanePolicy}
		for _, pr := range l.Providers {
			lane.Providers = append(lane.Providers, router.Provider{
				ID:            pr.ID,
				Engine:        capability.NewHTTPEngine(pr.HTTPConfig),
				RatePerSecond: pr.RatePerSecond,
				Burst:         pr.Burst,
			})
		}
		out = append(out, lane)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
