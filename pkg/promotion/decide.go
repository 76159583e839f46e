package promotion

import (
	"cmp"
	"math"
	"slices"
)

// Reason codes.
const (
	ReasonAccepted              = "promotion_accepted"
	ReasonFitnessBelowThreshold = "fitness_below_threshold"
	ReasonGovernanceBlocking    = "governance_blocking_failure"
	ReasonPolicyRejected        = "promotion_policy_rejected"
)

// RequiredPredecessor is the only lifecycle state promotion accepts from.
const RequiredPredecessor = "certified"

// Input is what a promotion decision reads from a mutation record.
type Input struct {
	MutationID         string
	FromState          string
	FitnessScore       *float64
	FitnessThreshold   *float64 // overrides the policy threshold when set
	GovernanceBlocking bool
	RiskScore          float64
	RiskTier           string
	EntropyBits        float64
	BlockedConditions  []string
}

// Decision is the outcome of Decide.
type Decision struct {
	Accept        bool    `json:"accept"`
	Reason        string  `json:"reason"`
	Rule          string  `json:"rule,omitempty"`
	PolicyVersion string  `json:"policy_version"`
	Weight        float64 `json:"weight,omitempty"`
}

// Threshold returns the threshold Decide applies to in.
func Threshold(in Input, p *Policy) float64 {
	if in.FitnessThreshold != nil {
		return *in.FitnessThreshold
	}
	return p.FitnessThreshold
}

// fitnessMet is false for a missing score and for any NaN or infinite operand.
func fitnessMet(in Input, p *Policy) bool {
	if in.FitnessScore == nil {
		return false
	}
	score, threshold := *in.FitnessScore, Threshold(in, p)
	if math.IsNaN(score) || math.IsInf(score, 0) || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return false
	}
	return score >= threshold
}

// Decide is deterministic. The fitness check runs first so a score below threshold can
// never be accepted whatever the governance verdicts or rules say.
func Decide(in Input, p *Policy) Decision {
	d := Decision{PolicyVersion: p.Version}
	if !fitnessMet(in, p) {
		d.Reason = ReasonFitnessBelowThreshold
		return d
	}
	if in.GovernanceBlocking {
		d.Reason = ReasonGovernanceBlocking
		return d
	}
	if in.FromState != RequiredPredecessor {
		d.Reason = ReasonPolicyRejected
		return d
	}
	for _, r := range p.Rules {
		if r.FromState != in.FromState || !r.Conditions.match(in) {
			continue
		}
		d.Rule = r.Name
		if r.Decision == DecisionAccept {
			d.Accept = true
			d.Reason = ReasonAccepted
			d.Weight = r.Weight
			return d
		}
		d.Reason = ReasonPolicyRejected
		return d
	}
	d.Reason = ReasonPolicyRejected
	return d
}

// Ranked pairs a mutation with its decision.
type Ranked struct {
	MutationID string
	Decision   Decision
}

// Rank orders simultaneous candidates: accepted before rejected, then by weight, then
// by mutation id. Weight never moves a rejection ahead of an acceptance.
func Rank(items []Ranked) []Ranked {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b Ranked) int {
		if a.Decision.Accept != b.Decision.Accept {
			if a.Decision.Accept {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Decision.Weight, a.Decision.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.MutationID, b.MutationID)
	})
	return out
}
