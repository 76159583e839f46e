package governance

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Op is the kind of change made to one target.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Target is one file touched by a mutation. Source is the proposed content and
// Baseline the content it replaces.
type Target struct {
	Path     string `json:"path"`
	Op       Op     `json:"op"`
	Source   string `json:"source,omitempty"`
	Baseline string `json:"baseline,omitempty"`
}

// Metrics are deterministic measurements attached by the caller. Evaluation never
// measures anything itself.
type Metrics struct {
	CoverageBaseline *float64 `json:"coverage_baseline,omitempty"`
	CoveragePost     *float64 `json:"coverage_post,omitempty"`
	MutationsPerHour *float64 `json:"mutations_per_hour,omitempty"`
	MemoryMB         *float64 `json:"memory_mb,omitempty"`
	CPUSeconds       *float64 `json:"cpu_seconds,omitempty"`
	WallSeconds      *float64 `json:"wall_seconds,omitempty"`
	EntropyBits      *float64 `json:"entropy_bits,omitempty"`
	EpochEntropyBits *float64 `json:"epoch_entropy_bits,omitempty"`
}

// Candidate is a mutation proposal as supplied by the discovery engine.
type Candidate struct {
	MutationID string            `json:"mutation_id,omitempty"`
	AgentID    string            `json:"agent_id"`
	ChangeType string            `json:"change_type"`
	ParentID   string            `json:"parent_id,omitempty"`
	Signature  string            `json:"signature,omitempty"`
	Targets    []Target          `json:"targets"`
	Metrics    Metrics           `json:"metrics"`
	TestModule []byte            `json:"test_module,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ChangeTypeGenesis marks a candidate that starts a new lineage.
const ChangeTypeGenesis = "genesis"

// NormalizePath returns the NFC, slash-separated, cleaned form of p used for scope matching.
func NormalizePath(p string) string {
	p = norm.NFC.String(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "./")
}

// Paths returns the normalized target paths.
func (c Candidate) Paths() []string {
	out := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, NormalizePath(t.Path))
	}
	return out
}
