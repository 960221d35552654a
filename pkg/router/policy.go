package router

import "slices"

// Selector identifies the request scopes that may override a lane ladder.
type Selector struct {
	TenantID string
	Locale   string
	Channel  string
	UserID   string
}

// Override is one scope's view of the ladder. Unset fields fall through to
// the next lower scope.
type Override struct {
	// Providers is the ordered ladder.
	Providers []string `yaml:"providers"`
	// Exclude removes providers from the resolved ladder. An empty, non-nil
	// list is an explicit "exclude nothing".
	Exclude []string `yaml:"exclude"`
	// MaxAttempts truncates the ladder; zero means unset.
	MaxAttempts int `yaml:"max_attempts"`
}

// LanePolicy holds a lane's ladder overrides and breaker thresholds.
// Precedence is user > channel > locale > tenant > global.
type LanePolicy struct {
	Global     Override            `yaml:"global"`
	Tenant     map[string]Override `yaml:"tenant"`
	Locale     map[string]Override `yaml:"locale"`
	Channel    map[string]Override `yaml:"channel"`
	User       map[string]Override `yaml:"user"`
	Thresholds Thresholds          `yaml:"thresholds"`
}

// scopes returns the overrides that apply to sel, highest precedence first.
func (p LanePolicy) scopes(sel Selector) []Override {
	out := make([]Override, 0, 5)
	add := func(m map[string]Override, key string) {
		if key == "" {
			return
		}
		if o, ok := m[key]; ok {
			out = append(out, o)
		}
	}
	add(p.User, sel.UserID)
	add(p.Channel, sel.Channel)
	add(p.Locale, sel.Locale)
	add(p.Tenant, sel.TenantID)
	return append(out, p.Global)
}

// Ladder resolves the provider order for sel field by field.
func (p LanePolicy) Ladder(sel Selector) []string {
	var (
		providers []string
		exclude   []string
		excludeOK bool
		attempts  int
	)
	for _, o := range p.scopes(sel) {
		if providers == nil && len(o.Providers) > 0 {
			providers = o.Providers
		}
		if !excludeOK && o.Exclude != nil {
			exclude, excludeOK = o.Exclude, true
		}
		if attempts == 0 && o.MaxAttempts > 0 {
			attempts = o.MaxAttempts
		}
	}

	out := make([]string, 0, len(providers))
	for _, id := range providers {
		if slices.Contains(exclude, id) || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	if attempts > 0 && len(out) > attempts {
		out = out[:attempts]
	}
	return out
}

// referenced lists every provider id named anywhere in the policy.
func (p LanePolicy) referenced() []string {
	var ids []string
	collect := func(o Override) {
		ids = append(ids, o.Providers...)
		ids = append(ids, o.Exclude...)
	}
	collect(p.Global)
	for _, m := range []map[string]Override{p.Tenant, p.Locale, p.Channel, p.User} {
		for _, o := range m {
			collect(o)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
