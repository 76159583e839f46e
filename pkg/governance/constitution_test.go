package governance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConstitution = `
version: "1.0.0"
immutability_constraints:
  required_rule_keys: [name, severity, validator]
rules:
  - name: signature_present
    severity: blocking
    validator: signature_present
`

func TestDefaultConstitutionLoads(t *testing.T) {
	c, err := Default(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.4.0", c.Version())
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, c.PolicyHash())

	names := make([]string, 0)
	for _, r := range c.Rules() {
		names = append(names, r.Name)
	}
	assert.Less(t, indexOf(names, "ast_validity"), indexOf(names, "import_policy"))
	assert.Less(t, indexOf(names, "ast_validity"), indexOf(names, "max_complexity_delta"))
	assert.Len(t, names, 12)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestParseAcceptsJSON(t *testing.T) {
	doc := `{"version":"1.2.3","rules":[{"name":"lineage","severity":"warning","validator":"lineage_continuity"}]}`
	c, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", c.Version())
}

func TestParseFailsClosed(t *testing.T) {
	cases := map[string]string{
		"malformed yaml":    "version: [",
		"missing rules":     `version: "1.0.0"`,
		"bad severity":      "version: \"1.0.0\"\nrules:\n  - {name: a, severity: fatal, validator: signature_present}",
		"unknown validator": "version: \"1.0.0\"\nrules:\n  - {name: a, severity: blocking, validator: sigature_present}",
		"unknown field":     "version: \"1.0.0\"\nrules:\n  - {name: a, severity: blocking, validator: signature_present, sevrity: x}",
		"bad version":       "version: \"one\"\nrules:\n  - {name: a, severity: blocking, validator: signature_present}",
		"duplicate rule": "version: \"1.0.0\"\nrules:\n" +
			"  - {name: a, severity: blocking, validator: signature_present}\n" +
			"  - {name: a, severity: warning, validator: signature_present}",
		"missing required key": "version: \"1.0.0\"\nimmutability_constraints: {required_rule_keys: [reason]}\n" +
			"rules:\n  - {name: a, severity: blocking, validator: signature_present}",
		"dependency cycle": "version: \"1.0.0\"\nrules:\n" +
			"  - {name: a, severity: blocking, validator: signature_present, depends_on: [b]}\n" +
			"  - {name: b, severity: blocking, validator: signature_present, depends_on: [a]}",
		"unknown dependency": "version: \"1.0.0\"\nrules:\n" +
			"  - {name: a, severity: blocking, validator: signature_present, depends_on: [zz]}",
		"bad cel": "version: \"1.0.0\"\nrules:\n" +
			"  - {name: a, severity: blocking, validator: cel, params: {expression: 'tier +'}}",
		"non-bool cel": "version: \"1.0.0\"\nrules:\n" +
			"  - {name: a, severity: blocking, validator: cel, params: {expression: 'tier'}}",
		"bad param type": "version: \"1.0.0\"\nrules:\n" +
			"  - {name: a, severity: blocking, validator: max_complexity_delta, params: {threshold: high}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), nil)
			require.ErrorIs(t, err, ErrInvalidConstitution)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constitution.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConstitution), 0o600))

	c, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", c.Version())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorIs(t, err, ErrInvalidConstitution)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := DefaultRegistry()
	assert.Contains(t, r.IDs(), "cel")
	assert.Contains(t, r.IDs(), "entropy_budget")
	require.Error(t, r.Register("cel", newCELValidator))

	require.NoError(t, r.Register("always_fail", func(Params) (Check, error) {
		return func(Input) Result { return fail("nope", nil) }, nil
	}))
	doc := "version: \"1.0.0\"\nrules:\n  - {name: custom, severity: blocking, validator: always_fail}"
	c, err := Parse([]byte(doc), r)
	require.NoError(t, err)
	ev := c.Evaluate(Candidate{}, TierSandbox)
	assert.Equal(t, []string{"custom"}, ev.BlockingFailures)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("stable")
	require.NoError(t, err)
	assert.Equal(t, TierStable, tier)
	_, err = ParseTier("experimental")
	require.Error(t, err)
}
