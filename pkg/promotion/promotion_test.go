package promotion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func score(v float64) *float64 { return &v }

func TestDefaultPolicyLoads(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", p.Version)
	assert.Equal(t, 0.7, p.FitnessThreshold)
	assert.Contains(t, p.Hash(), "sha256:")
	assert.Equal(t, "reject_blocked_conditions", p.Rules[0].Name)
}

func TestParseRejectsInvalidPolicies(t *testing.T) {
	cases := map[string]string{
		"duplicate priority": `
version: 1.0.0
fitness_threshold: 0.5
rules:
  - {name: a, priority: 10, from_state: certified, decision: accept, conditions: {}}
  - {name: b, priority: 10, from_state: certified, decision: reject, conditions: {}}
`,
		"bad version":      "version: latest\nfitness_threshold: 0.5\n",
		"unknown field":    "version: 1.0.0\nfitness_threshold: 0.5\nextra: 1\n",
		"unknown decision": "version: 1.0.0\nfitness_threshold: 0.5\nrules:\n  - {name: a, priority: 1, from_state: certified, decision: maybe}\n",
		"threshold range":  "version: 1.0.0\nfitness_threshold: 1.5\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestDecide(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	cases := []struct {
		name   string
		in     Input
		accept bool
		reason string
		rule   string
	}{
		{"accepted", Input{FromState: "certified", FitnessScore: score(0.9), RiskScore: 0.2}, true, ReasonAccepted, "approve_low_risk"},
		{"missing fitness", Input{FromState: "certified"}, false, ReasonFitnessBelowThreshold, ""},
		{"below threshold", Input{FromState: "certified", FitnessScore: score(0.5)}, false, ReasonFitnessBelowThreshold, ""},
		{"record threshold", Input{FromState: "certified", FitnessScore: score(0.75), FitnessThreshold: score(0.8)}, false, ReasonFitnessBelowThreshold, ""},
		{"governance blocking", Input{FromState: "certified", FitnessScore: score(0.9), GovernanceBlocking: true}, false, ReasonGovernanceBlocking, ""},
		{"wrong predecessor", Input{FromState: "staged", FitnessScore: score(0.9)}, false, ReasonPolicyRejected, ""},
		{"blocked condition", Input{FromState: "certified", FitnessScore: score(0.9), BlockedConditions: []string{"rollback_pending"}}, false, ReasonPolicyRejected, "reject_blocked_conditions"},
		{"sandbox tier fallback", Input{FromState: "certified", FitnessScore: score(0.9), RiskScore: 0.95, RiskTier: "SANDBOX"}, true, ReasonAccepted, "approve_sandbox_tier"},
		{"no rule matches", Input{FromState: "certified", FitnessScore: score(0.9), RiskScore: 0.95}, false, ReasonPolicyRejected, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.in, p)
			assert.Equal(t, tc.accept, d.Accept)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.rule, d.Rule)
			assert.Equal(t, "1.0.0", d.PolicyVersion)
		})
	}
}

func TestDecideMonotoneInFitness(t *testing.T) {
	p, err := Parse([]byte(`
version: 2.0.0
fitness_threshold: 0.6
rules:
  - {name: accept_all, priority: 1, from_state: certified, decision: accept, conditions: {}}
`))
	require.NoError(t, err)
	for _, s := range []float64{0, 0.1, 0.59, 0.5999} {
		for _, blocking := range []bool{false, true} {
			d := Decide(Input{FromState: "certified", FitnessScore: score(s), GovernanceBlocking: blocking}, p)
			assert.False(t, d.Accept)
			assert.Equal(t, ReasonFitnessBelowThreshold, d.Reason)
		}
	}
	assert.True(t, Decide(Input{FromState: "certified", FitnessScore: score(0.6)}, p).Accept)

	for _, s := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		d := Decide(Input{FromState: "certified", FitnessScore: score(s)}, p)
		assert.False(t, d.Accept, "score %v", s)
		assert.Equal(t, ReasonFitnessBelowThreshold, d.Reason)
	}
	nan := math.NaN()
	d := Decide(Input{FromState: "certified", FitnessScore: score(0.9), FitnessThreshold: &nan}, p)
	assert.False(t, d.Accept)
	assert.Equal(t, ReasonFitnessBelowThreshold, d.Reason)
}

func TestRankKeepsAcceptedFirst(t *testing.T) {
	in := []Ranked{
		{MutationID: "m4", Decision: Decision{Weight: 9}},
		{MutationID: "m2", Decision: Decision{Accept: true, Weight: 0.5}},
		{MutationID: "m3", Decision: Decision{Accept: true, Weight: 2}},
		{MutationID: "m1", Decision: Decision{Accept: true, Weight: 0.5}},
		{MutationID: "m0", Decision: Decision{}},
	}
	out := Rank(in)
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.MutationID
	}
	assert.Equal(t, []string{"m3", "m1", "m2", "m4", "m0"}, ids)
	assert.Equal(t, "m4", in[0].MutationID)
}
