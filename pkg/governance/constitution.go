package governance

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
)

//go:embed schemas/constitution.schema.json
var constitutionSchemaSource string

//go:embed schemas/default_constitution.yaml
var defaultConstitutionSource []byte

const constitutionSchemaURL = "https://adaad.schemas.local/governance/constitution.schema.json"

var (
	ErrInvalidConstitution = errors.New("governance: invalid constitution")
	ErrUnknownValidator    = errors.New("governance: unknown validator")
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func constitutionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(constitutionSchemaURL, strings.NewReader(constitutionSchemaSource)); err != nil {
			schemaErr = fmt.Errorf("constitution schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(constitutionSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Scope limits a rule to paths and change types.
type Scope struct {
	Directories []string `json:"directories,omitempty"`
	ChangeTypes []string `json:"change_types,omitempty"`
}

// Triggers are additional conditions a candidate must meet for a rule to apply.
type Triggers struct {
	RequiresTargets   bool     `json:"requires_targets,omitempty"`
	RequiresSignature bool     `json:"requires_signature,omitempty"`
	MinOps            int      `json:"min_ops,omitempty"`
	Tiers             []string `json:"tiers,omitempty"`
}

// Applicability declares when a rule is evaluated.
type Applicability struct {
	Scope    Scope    `json:"scope"`
	Triggers Triggers `json:"triggers"`
}

// Rule is one constitutional rule as declared in the document.
type Rule struct {
	Name          string              `json:"name"`
	Enabled       *bool               `json:"enabled,omitempty"`
	Severity      Severity            `json:"severity"`
	TierOverrides map[string]Severity `json:"tier_overrides,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Validator     string              `json:"validator"`
	Params        Params              `json:"params,omitempty"`
	DependsOn     []string            `json:"depends_on,omitempty"`
	Applicability Applicability       `json:"applicability"`
}

// IsEnabled reports whether the rule is evaluated at all. Rules are enabled by default.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// SeverityFor returns the tier override if present, else the base severity.
func (r Rule) SeverityFor(tier Tier) Severity {
	if s, ok := r.TierOverrides[tier.String()]; ok {
		return s
	}
	return r.Severity
}

// Document is the serialized form of a constitution.
type Document struct {
	Version                 string `json:"version"`
	Description             string `json:"description,omitempty"`
	ImmutabilityConstraints struct {
		RequiredRuleKeys []string `json:"required_rule_keys,omitempty"`
	} `json:"immutability_constraints"`
	Rules []Rule `json:"rules"`
}

type compiledRule struct {
	Rule
	check Check
}

// Constitution is an immutable, versioned rule set. Share it by pointer; a reload
// produces a new value.
type Constitution struct {
	version    *semver.Version
	raw        string
	policyHash string
	doc        Document
	rules      []compiledRule
}

// Version returns the constitution version string as declared.
func (c *Constitution) Version() string { return c.raw }

// SemVer returns the parsed version.
func (c *Constitution) SemVer() *semver.Version { return c.version }

// PolicyHash is the sha256 digest of the source document.
func (c *Constitution) PolicyHash() string { return c.policyHash }

// Rules returns the rules in evaluation order.
func (c *Constitution) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}

// LoadFile reads and parses a constitution from a YAML or JSON file.
func LoadFile(path string, registry *Registry) (*Constitution, error) {
	//nolint:gosec // G304: path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConstitution, path, err)
	}
	return Parse(data, registry)
}

// Default returns the built-in constitution.
func Default(registry *Registry) (*Constitution, error) {
	return Parse(defaultConstitutionSource, registry)
}

// DefaultSource returns the built-in constitution document.
func DefaultSource() []byte { return bytes.Clone(defaultConstitutionSource) }

// Parse validates a constitution document and compiles its rules. Every failure is
// reported as ErrInvalidConstitution; callers at boot must not proceed.
func Parse(data []byte, registry *Registry) (*Constitution, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConstitution, err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: document is not JSON-compatible: %v", ErrInvalidConstitution, err)
	}

	schema, err := constitutionSchema()
	if err != nil {
		return nil, err
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConstitution, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrInvalidConstitution, err)
	}

	var doc Document
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConstitution, err)
	}
	if err := checkRequiredKeys(instance, doc.ImmutabilityConstraints.RequiredRuleKeys); err != nil {
		return nil, err
	}
	version, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidConstitution, doc.Version, err)
	}

	compiled := make([]compiledRule, 0, len(doc.Rules))
	seen := make(map[string]bool, len(doc.Rules))
	for _, rule := range doc.Rules {
		if seen[rule.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidConstitution, rule.Name)
		}
		seen[rule.Name] = true
		for tier := range rule.TierOverrides {
			if _, err := ParseTier(tier); err != nil {
				return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidConstitution, rule.Name, err)
			}
		}
		check, err := registry.compile(rule.Validator, rule.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %w", ErrInvalidConstitution, rule.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: rule, check: check})
	}
	ordered, err := orderByDependencies(compiled)
	if err != nil {
		return nil, err
	}

	return &Constitution{
		version:    version,
		raw:        doc.Version,
		policyHash: canonicalize.DigestPrefix + canonicalize.HashBytes(data),
		doc:        doc,
		rules:      ordered,
	}, nil
}

func checkRequiredKeys(instance any, required []string) error {
	if len(required) == 0 {
		return nil
	}
	root, _ := instance.(map[string]any)
	rules, _ := root["rules"].([]any)
	for i, r := range rules {
		fields, _ := r.(map[string]any)
		for _, key := range required {
			if _, ok := fields[key]; !ok {
				return fmt.Errorf("%w: rule %d is missing required key %q", ErrInvalidConstitution, i, key)
			}
		}
	}
	return nil
}

// orderByDependencies returns rules so that each follows its dependencies, keeping
// declaration order otherwise.
func orderByDependencies(rules []compiledRule) ([]compiledRule, error) {
	byName := make(map[string]compiledRule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(rules))
	ordered := make([]compiledRule, 0, len(rules))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: dependency cycle %s", ErrInvalidConstitution,
				strings.Join(append(path, name), " -> "))
		}
		rule, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: rule %s depends on unknown rule %q", ErrInvalidConstitution,
				path[len(path)-1], name)
		}
		state[name] = visiting
		for _, dep := range rule.DependsOn {
			if err := visit(dep, append(slices.Clone(path), name)); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, rule)
		return nil
	}
	for _, r := range rules {
		if err := visit(r.Name, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
