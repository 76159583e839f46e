// Package promotion decides whether a certified mutation may execute.
package promotion

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
)

//go:embed default_policy.yaml
var defaultPolicySource []byte

var ErrInvalidPolicy = errors.New("promotion: invalid policy")

// Rule outcomes.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Conditions narrow when a rule matches. Unset conditions always match.
type Conditions struct {
	MinScore          *float64 `yaml:"min_score,omitempty" json:"min_score,omitempty"`
	MaxRiskScore      *float64 `yaml:"max_risk_score,omitempty" json:"max_risk_score,omitempty"`
	BlockedConditions []string `yaml:"blocked_conditions,omitempty" json:"blocked_conditions,omitempty"`
	RiskTiers         []string `yaml:"risk_tiers,omitempty" json:"risk_tiers,omitempty"`
	MaxEntropyBits    *float64 `yaml:"max_entropy_bits,omitempty" json:"max_entropy_bits,omitempty"`
}

// Rule is one prioritized promotion rule. Higher priority is evaluated first.
type Rule struct {
	Name       string     `yaml:"name" json:"name"`
	Priority   int        `yaml:"priority" json:"priority"`
	FromState  string     `yaml:"from_state" json:"from_state"`
	Decision   string     `yaml:"decision" json:"decision"`
	Weight     float64    `yaml:"weight,omitempty" json:"weight,omitempty"`
	Conditions Conditions `yaml:"conditions" json:"conditions"`
}

// Policy is an immutable, versioned promotion policy.
type Policy struct {
	Version          string  `yaml:"version" json:"version"`
	FitnessThreshold float64 `yaml:"fitness_threshold" json:"fitness_threshold"`
	Rules            []Rule  `yaml:"rules" json:"rules"`

	semver *semver.Version
	hash   string
}

// SemVer returns the parsed policy version.
func (p *Policy) SemVer() *semver.Version { return p.semver }

// Hash returns "sha256:" over the source document.
func (p *Policy) Hash() string { return p.hash }

// LoadFile reads and parses a policy document.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("promotion: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the embedded default policy.
func Default() (*Policy, error) { return Parse(defaultPolicySource) }

// DefaultSource returns a copy of the embedded default policy document.
func DefaultSource() []byte { return bytes.Clone(defaultPolicySource) }

// Parse decodes a YAML (or JSON) policy document. Unknown fields, a non-semver version,
// an unknown decision and duplicate (from_state, priority) pairs are rejected.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidPolicy, p.Version, err)
	}
	if p.FitnessThreshold < 0 || p.FitnessThreshold > 1 {
		return nil, fmt.Errorf("%w: fitness_threshold %v outside [0,1]", ErrInvalidPolicy, p.FitnessThreshold)
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, r := range p.Rules {
		if r.Name == "" || r.FromState == "" {
			return nil, fmt.Errorf("%w: rule %d needs name and from_state", ErrInvalidPolicy, i)
		}
		if r.Decision != DecisionAccept && r.Decision != DecisionReject {
			return nil, fmt.Errorf("%w: rule %s: unknown decision %q", ErrInvalidPolicy, r.Name, r.Decision)
		}
		key := fmt.Sprintf("%s:%d", r.FromState, r.Priority)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate_priority:%s", ErrInvalidPolicy, key)
		}
		seen[key] = struct{}{}
	}
	slices.SortStableFunc(p.Rules, func(a, b Rule) int { return b.Priority - a.Priority })
	p.semver = v
	p.hash = "sha256:" + canonicalize.HashBytes(data)
	return &p, nil
}

func (c Conditions) match(in Input) bool {
	if c.MinScore != nil && (in.FitnessScore == nil || *in.FitnessScore < *c.MinScore) {
		return false
	}
	if c.MaxRiskScore != nil && in.RiskScore > *c.MaxRiskScore {
		return false
	}
	if len(c.RiskTiers) > 0 && !slices.Contains(c.RiskTiers, in.RiskTier) {
		return false
	}
	if c.MaxEntropyBits != nil && in.EntropyBits > *c.MaxEntropyBits {
		return false
	}
	if len(c.BlockedConditions) > 0 {
		return slices.ContainsFunc(in.BlockedConditions, func(s string) bool {
			return slices.Contains(c.BlockedConditions, s)
		})
	}
	return true
}
