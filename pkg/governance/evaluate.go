package governance

import (
	"slices"
	"strings"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
)

// Verdict is the outcome of one rule.
type Verdict struct {
	ConstitutionVersion string         `json:"constitution_version"`
	Tier                Tier           `json:"tier"`
	RuleID              string         `json:"rule_id"`
	Applicable          bool           `json:"applicable"`
	Severity            Severity       `json:"severity"`
	Passed              bool           `json:"passed"`
	Details             map[string]any `json:"details"`
}

// Evaluation aggregates the verdicts of one candidate at one tier.
type Evaluation struct {
	ConstitutionVersion string    `json:"constitution_version"`
	PolicyHash          string    `json:"policy_hash"`
	Tier                Tier      `json:"tier"`
	Passed              bool      `json:"passed"`
	Verdicts            []Verdict `json:"verdicts"`
	BlockingFailures    []string  `json:"blocking_failures"`
	Warnings            []string  `json:"warnings"`
	Digest              string    `json:"digest,omitempty"`
}

// HasBlockingFailure reports whether any blocking rule failed.
func (e Evaluation) HasBlockingFailure() bool { return len(e.BlockingFailures) > 0 }

// ComputeDigest hashes the evaluation envelope without its digest field.
func (e Evaluation) ComputeDigest() (string, error) {
	e.Digest = ""
	return canonicalize.HashPrefixed(e)
}

// Evaluate runs every rule against candidate at tier. It performs no I/O and reads no
// clock, so the same inputs always produce the same evaluation.
func (c *Constitution) Evaluate(candidate Candidate, tier Tier) Evaluation {
	ev := Evaluation{
		ConstitutionVersion: c.raw,
		PolicyHash:          c.policyHash,
		Tier:                tier,
		Verdicts:            make([]Verdict, 0, len(c.rules)),
		BlockingFailures:    []string{},
		Warnings:            []string{},
	}
	in := Input{Candidate: candidate, Tier: tier}

	for _, rule := range c.rules {
		v := Verdict{
			ConstitutionVersion: c.raw,
			Tier:                tier,
			RuleID:              rule.Name,
			Severity:            rule.SeverityFor(tier),
			Passed:              true,
		}
		switch applicable, why := rule.applies(candidate, tier); {
		case !rule.IsEnabled():
			v.Details = map[string]any{"reason": "rule_disabled"}
		case !applicable:
			v.Details = map[string]any{"reason": "rule_not_applicable", "unmet": why}
		default:
			res := recoverCheck(rule.check, in)
			v.Applicable = true
			v.Passed = res.OK
			v.Details = map[string]any{"reason": res.Reason, "validator": rule.Validator}
			for k, val := range res.Details {
				if k != "reason" && k != "validator" {
					v.Details[k] = val
				}
			}
		}
		if !v.Passed {
			switch v.Severity {
			case SeverityBlocking:
				ev.BlockingFailures = append(ev.BlockingFailures, rule.Name)
			case SeverityWarning:
				ev.Warnings = append(ev.Warnings, rule.Name)
			}
		}
		ev.Verdicts = append(ev.Verdicts, v)
	}

	ev.Passed = len(ev.BlockingFailures) == 0
	digest, err := ev.ComputeDigest()
	if err != nil {
		ev.Passed = false
		ev.BlockingFailures = append(ev.BlockingFailures, "evaluation_unserializable")
		return ev
	}
	ev.Digest = digest
	return ev
}

// applies checks declared scope and triggers. The second result names the first unmet condition.
func (r compiledRule) applies(c Candidate, tier Tier) (bool, string) {
	a := r.Applicability
	if len(a.Scope.Directories) > 0 {
		matched := false
		for _, p := range c.Paths() {
			for _, dir := range a.Scope.Directories {
				d := strings.TrimSuffix(NormalizePath(dir), "/")
				if p == d || strings.HasPrefix(p, d+"/") {
					matched = true
				}
			}
		}
		if !matched {
			return false, "scope.directories"
		}
	}
	if len(a.Scope.ChangeTypes) > 0 && !slices.Contains(a.Scope.ChangeTypes, c.ChangeType) {
		return false, "scope.change_types"
	}
	t := a.Triggers
	if t.RequiresTargets && len(c.Targets) == 0 {
		return false, "triggers.requires_targets"
	}
	if t.RequiresSignature && strings.TrimSpace(c.Signature) == "" {
		return false, "triggers.requires_signature"
	}
	if t.MinOps > 0 && len(c.Targets) < t.MinOps {
		return false, "triggers.min_ops"
	}
	if len(t.Tiers) > 0 && !slices.Contains(t.Tiers, tier.String()) {
		return false, "triggers.tiers"
	}
	return true, ""
}
