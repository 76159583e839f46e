package governance

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is the governance strictness of the agent proposing a mutation.
type Tier int

const (
	// TierProduction is human-only.
	TierProduction Tier = 0
	// TierStable is audited-autonomous.
	TierStable Tier = 1
	// TierSandbox is sandboxed-autonomous.
	TierSandbox Tier = 2
)

var tierNames = map[Tier]string{
	TierProduction: "PRODUCTION",
	TierStable:     "STABLE",
	TierSandbox:    "SANDBOX",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TIER(%d)", int(t))
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	for tier, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("governance: unknown tier %q", s)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	if _, ok := tierNames[t]; !ok {
		return nil, fmt.Errorf("governance: unknown tier %d", int(t))
	}
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Severity decides whether a failing rule blocks.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
	SeverityAdvisory Severity = "advisory"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityBlocking, SeverityWarning, SeverityAdvisory:
		return true
	}
	return false
}
