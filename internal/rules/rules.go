// Package rules evaluates declarative detection rules against canonical events.
package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/normalize"
)

const maxRules = 1024

// File is the on-disk rule set document.
type File struct {
	Version string     `yaml:"version"`
	Rules   []RuleSpec `yaml:"rules"`
}

// RuleSpec is a single declarative rule. All clauses present in When must hold.
type RuleSpec struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Severity    events.Severity `yaml:"severity"`
	Disabled    bool            `yaml:"disabled"`
	When        Condition       `yaml:"when"`
}

// Condition lists the supported match clauses.
type Condition struct {
	Provider          string           `yaml:"provider"`
	ActionIn          []string         `yaml:"action_in"`
	ActionPrefix      []string         `yaml:"action_prefix"`
	ActionMatches     string           `yaml:"action_matches"`
	ActorIn           []string         `yaml:"actor_in"`
	ActorMatches      string           `yaml:"actor_matches"`
	ResourceMatches   string           `yaml:"resource_matches"`
	ResourceClassIn   []string         `yaml:"resource_class_in"`
	OriginIn          []string         `yaml:"origin_in"`
	OriginCIDR        []string         `yaml:"origin_cidr"`
	UserAgentContains []string         `yaml:"user_agent_contains"`
	ErrorCodePresent  *bool            `yaml:"error_code_present"`
	ErrorCodeIn       []string         `yaml:"error_code_in"`
	Features          map[string]Range `yaml:"features"`
}

// Range bounds a feature value. Nil bounds are open.
type Range struct {
	Gte *float64 `yaml:"gte"`
	Lte *float64 `yaml:"lte"`
}

type predicate func(ev *events.CanonicalEvent, vec events.FeatureVector) (bool, error)

// Rule is a compiled rule.
type Rule struct {
	ID          string
	Description string
	Severity    events.Severity
	preds       []predicate
}

// Match reports whether every clause of the rule holds for ev.
func (r *Rule) Match(ev *events.CanonicalEvent, vec events.FeatureVector) (bool, error) {
	for _, p := range r.preds {
		ok, err := p(ev, vec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Set is an immutable compiled rule set.
type Set struct {
	Version string
	Source  string
	Rules   []*Rule
}

// LoadFile reads and compiles the rule set at path.
func LoadFile(path string) (*Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read rule set %q: %w", path, err)
	}

	set, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("cannot load rule set %q: %w", path, err)
	}
	set.Source = path
	return set, nil
}

// Parse decodes and compiles a YAML rule set.
func Parse(b []byte) (*Set, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("cannot decode rule set: %w", err)
	}
	return Compile(f)
}

// Compile validates rule specs and turns them into predicates.
func Compile(f File) (*Set, error) {
	if len(f.Rules) == 0 {
		return nil, errors.New("rule set has no rules")
	}
	if len(f.Rules) > maxRules {
		return nil, fmt.Errorf("rule set has %d rules, limit is %d", len(f.Rules), maxRules)
	}

	set := &Set{Version: f.Version}
	seen := make(map[string]struct{}, len(f.Rules))
	var errs []error

	for i, spec := range f.Rules {
		if spec.ID == "" {
			errs = append(errs, fmt.Errorf("rule %d: missing id", i))
			continue
		}
		if _, dup := seen[spec.ID]; dup {
			errs = append(errs, fmt.Errorf("rule %q: duplicate id", spec.ID))
			continue
		}
		seen[spec.ID] = struct{}{}

		if spec.Severity == 0 {
			errs = append(errs, fmt.Errorf("rule %q: missing severity", spec.ID))
			continue
		}
		if spec.Disabled {
			continue
		}

		preds, err := compileCondition(spec.When)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", spec.ID, err))
			continue
		}
		if len(preds) == 0 {
			errs = append(errs, fmt.Errorf("rule %q: no conditions", spec.ID))
			continue
		}

		set.Rules = append(set.Rules, &Rule{
			ID:          spec.ID,
			Description: spec.Description,
			Severity:    spec.Severity,
			preds:       preds,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return set, nil
}

func compileCondition(c Condition) ([]predicate, error) {
	var preds []predicate

	if c.Provider != "" {
		p, err := events.ParseProvider(c.Provider)
		if err != nil {
			return nil, err
		}
		preds = append(preds, func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
			return ev.Provider == p, nil
		})
	}

	if len(c.ActionIn) > 0 {
		preds = append(preds, inSet(c.ActionIn, false, func(ev *events.CanonicalEvent) string { return ev.Action }))
	}

	if len(c.ActionPrefix) > 0 {
		prefixes := slices.Clone(c.ActionPrefix)
		preds = append(preds, func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
			for _, p := range prefixes {
				if strings.HasPrefix(ev.Action, p) {
					return true, nil
				}
			}
			return false, nil
		})
	}

	for _, m := range []struct {
		expr  string
		field func(*events.CanonicalEvent) string
	}{
		{c.ActionMatches, func(ev *events.CanonicalEvent) string { return ev.Action }},
		{c.ActorMatches, func(ev *events.CanonicalEvent) string { return ev.Actor }},
		{c.ResourceMatches, func(ev *events.CanonicalEvent) string { return ev.Resource }},
	} {
		if m.expr == "" {
			continue
		}
		re, err := regexp.Compile(m.expr)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", m.expr, err)
		}
		field := m.field
		preds = append(preds, func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
			return re.MatchString(field(ev)), nil
		})
	}

	if len(c.ActorIn) > 0 {
		preds = append(preds, inSet(c.ActorIn, false, func(ev *events.CanonicalEvent) string { return ev.Actor }))
	}

	if len(c.ResourceClassIn) > 0 {
		preds = append(preds, inSet(c.ResourceClassIn, true, normalize.ResourceClass))
	}

	if len(c.OriginIn) > 0 {
		preds = append(preds, inSet(c.OriginIn, false, func(ev *events.CanonicalEvent) string { return ev.SourceIP }))
	}

	if len(c.OriginCIDR) > 0 {
		prefixes := make([]netip.Prefix, 0, len(c.OriginCIDR))
		for _, cidr := range c.OriginCIDR {
			p, err := netip.ParsePrefix(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q: %w", cidr, err)
			}
			prefixes = append(prefixes, p)
		}
		preds = append(preds, func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
			addr, err := netip.ParseAddr(ev.SourceIP)
			if err != nil {
				// Origins such as service principals are not addresses.
				return false, nil
			}
			for _, p := range prefixes {
				if p.Contains(addr) {
					return true, nil
				}
			}
			return false, nil
		})
	}

	if len(c.UserAgentContains) > 0 {
		needles := make([]string, 0, len(c.UserAgentContains))
		for _, n := range c.UserAgentContains {
			needles = append(needles, strings.ToLower(n))
		}
		preds = append(preds, func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
			ua := strings.ToLower(ev.UserAgent)
			for _, n := range needles {
				if strings.Contains(ua, n) {
					return true, nil
				}
			}
			return false, nil
		})
	}

	if c.ErrorCodePresent != nil {
		want := *c.ErrorCodePresent
		preds = append(preds, func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
			return (ev.ErrorCode != "") == want, nil
		})
	}

	if len(c.ErrorCodeIn) > 0 {
		preds = append(preds, inSet(c.ErrorCodeIn, false, func(ev *events.CanonicalEvent) string { return ev.ErrorCode }))
	}

	names := make([]string, 0, len(c.Features))
	for name := range c.Features {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		r := c.Features[name]
		if r.Gte == nil && r.Lte == nil {
			return nil, fmt.Errorf("feature %q: empty range", name)
		}
		preds = append(preds, func(_ *events.CanonicalEvent, vec events.FeatureVector) (bool, error) {
			v, ok := vec.Get(name)
			if !ok {
				return false, fmt.Errorf("feature %q not in vector", name)
			}
			if r.Gte != nil && v < *r.Gte {
				return false, nil
			}
			if r.Lte != nil && v > *r.Lte {
				return false, nil
			}
			return true, nil
		})
	}

	return preds, nil
}

func inSet(values []string, fold bool, field func(*events.CanonicalEvent) string) predicate {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if fold {
			v = strings.ToLower(v)
		}
		set[v] = struct{}{}
	}
	return func(ev *events.CanonicalEvent, _ events.FeatureVector) (bool, error) {
		v := field(ev)
		if fold {
			v = strings.ToLower(v)
		}
		_, ok := set[v]
		return ok, nil
	}
}
