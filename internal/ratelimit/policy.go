package ratelimit

import (
	"fmt"
	"sort"
	"strings"
)

// PolicySpec is a configured policy applied to new ledgers whose key starts
// with Prefix. The default spec has an empty prefix.
type PolicySpec struct {
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Category Category `yaml:"category" json:"category"`
	Limits   Limits   `yaml:"limits" json:"limits"`
	Policy   Policy   `yaml:"policy" json:"policy"`
	// Metadata is copied onto every ledger the spec creates.
	Metadata LedgerMetadata `yaml:"metadata" json:"metadata"`
}

// DefaultPolicySpec is the operator fallback when no prefix matches.
func DefaultPolicySpec() PolicySpec {
	return PolicySpec{
		Limits: Limits{Window: 3600, Max: 1000, Cost: 1},
		Policy: Policy{
			Strategy:      StrategySliding,
			BlockDuration: 3600,
			Fallback:      FallbackBlock,
		},
	}
}

// Normalize fills empty optional fields.
func (p PolicySpec) Normalize() PolicySpec {
	p.Prefix = strings.TrimSpace(p.Prefix)
	if p.Limits.Cost <= 0 {
		p.Limits.Cost = 1
	}
	if p.Policy.Strategy == "" {
		p.Policy.Strategy = StrategySliding
	}
	if p.Policy.Fallback == "" {
		p.Policy.Fallback = FallbackBlock
	}
	p.Limits.Current = 0
	return p
}

// Validate rejects specs that cannot be enforced as written.
func (p PolicySpec) Validate() error {
	name := p.Prefix
	if name == "" {
		name = "default"
	}
	if p.Limits.Window <= 0 {
		return invalidPolicy("%s: window must be positive", name)
	}
	if p.Limits.Max <= 0 {
		return invalidPolicy("%s: max must be positive", name)
	}
	if p.Limits.Burst < 0 || p.Limits.Cost < 0 {
		return invalidPolicy("%s: burst and cost must not be negative", name)
	}
	if p.Policy.BlockDuration < 0 {
		return invalidPolicy("%s: block duration must not be negative", name)
	}
	switch p.Policy.Strategy {
	case "", StrategySliding, StrategyFixed, StrategyTokenBucket, StrategyLeakyBucket:
	default:
		return invalidPolicy("%s: unknown strategy %q", name, p.Policy.Strategy)
	}
	switch p.Policy.Fallback {
	case "", FallbackBlock, FallbackDelay, FallbackQueue, FallbackCustom:
	default:
		return invalidPolicy("%s: unknown fallback %q", name, p.Policy.Fallback)
	}
	switch p.Category {
	case "", CategoryIP, CategoryUser, CategoryEndpoint, CategoryAction, CategoryResource,
		CategoryAPI, CategoryAuth, CategorySearch, CategoryUpload, CategoryCustom:
	default:
		return invalidPolicy("%s: unknown category %q", name, p.Category)
	}
	for _, rule := range p.Policy.Bypass {
		if err := ValidateBypass(rule); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Resolver picks the policy for a new ledger by longest key prefix.
type Resolver struct {
	fallback PolicySpec
	specs    []PolicySpec
}

// NewResolver validates every spec and returns a resolver.
func NewResolver(fallback PolicySpec, specs []PolicySpec) (*Resolver, error) {
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	sorted := make([]PolicySpec, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		spec = spec.Normalize()
		if spec.Prefix == "" {
			return nil, invalidPolicy("policy prefix is required")
		}
		if _, dup := seen[spec.Prefix]; dup {
			return nil, invalidPolicy("duplicate policy prefix %q", spec.Prefix)
		}
		seen[spec.Prefix] = struct{}{}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		sorted = append(sorted, spec)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Resolver{fallback: fallback.Normalize(), specs: sorted}, nil
}

// Resolve returns the policy spec for key.
func (r *Resolver) Resolve(key string) PolicySpec {
	if r == nil {
		return DefaultPolicySpec()
	}
	for _, spec := range r.specs {
		if strings.HasPrefix(key, spec.Prefix) {
			return cloneSpec(spec)
		}
	}
	return cloneSpec(r.fallback)
}

func cloneSpec(spec PolicySpec) PolicySpec {
	if len(spec.Policy.Bypass) > 0 {
		spec.Policy.Bypass = append([]BypassRule(nil), spec.Policy.Bypass...)
	}
	return spec
}
