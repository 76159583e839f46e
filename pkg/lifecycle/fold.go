package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// Record is the derived view of one mutation.
type Record struct {
	MutationID       string            `json:"mutation_id"`
	AgentID          string            `json:"agent_id"`
	EpochID          string            `json:"epoch_id"`
	State            State             `json:"state"`
	TrustMode        string            `json:"trust_mode"`
	Tier             governance.Tier   `json:"tier"`
	GuardReport      GuardReport       `json:"guard_report"`
	CertRefs         map[string]string `json:"cert_refs"`
	FitnessScore     *float64          `json:"fitness_score"`
	FitnessThreshold *float64          `json:"fitness_threshold"`
	StageTimestamps  map[string]string `json:"stage_timestamps"`
	Metadata         map[string]any    `json:"metadata"`
	Attempts         int               `json:"attempts"`
	Rejections       int               `json:"rejections"`
	LastReason       string            `json:"last_reason,omitempty"`
	LastSequence     uint64            `json:"last_sequence"`
}

func (r Record) clone() Record {
	r.CertRefs = maps.Clone(r.CertRefs)
	r.StageTimestamps = maps.Clone(r.StageTimestamps)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// HaltState is the operator halt flag as recorded in the ledger.
type HaltState struct {
	Halted   bool   `json:"halted"`
	Source   string `json:"source,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Operator string `json:"operator,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// Folder rebuilds mutation records and the halt flag from ledger entries.
type Folder struct {
	records map[string]*Record
	halt    HaltState
}

// NewFolder returns an empty folder.
func NewFolder() *Folder {
	return &Folder{records: make(map[string]*Record)}
}

// Apply folds one entry. Entries of other kinds are ignored.
func (f *Folder) Apply(e ledger.Entry) error {
	switch e.Type {
	case ledger.KindTransition, ledger.KindRejected:
		var p Payload
		if err := e.Decode(&p); err != nil {
			return fmt.Errorf("lifecycle: entry %d: %w", e.Sequence, err)
		}
		f.applyPayload(p, e.Type == ledger.KindTransition, e.Sequence)
	case ledger.KindLifecycleHalt:
		var h HaltRecord
		if err := e.Decode(&h); err != nil {
			return fmt.Errorf("lifecycle: entry %d: %w", e.Sequence, err)
		}
		f.halt = HaltState{Halted: true, Source: h.Source, Reason: h.Reason, Operator: h.Operator, Sequence: e.Sequence}
	case ledger.KindLifecycleResume:
		f.halt = HaltState{}
	}
	return nil
}

func (f *Folder) applyPayload(p Payload, accepted bool, seq uint64) {
	rec, ok := f.records[p.MutationID]
	if !ok {
		rec = &Record{MutationID: p.MutationID, State: StateProposed}
		f.records[p.MutationID] = rec
	}
	rec.AgentID = p.AgentID
	rec.EpochID = p.EpochID
	rec.TrustMode = p.TrustMode
	rec.Tier = p.Tier
	rec.GuardReport = p.GuardReport
	rec.Attempts++
	rec.LastSequence = seq
	if !accepted {
		rec.Rejections++
		rec.LastReason = p.GuardReport.Reason
		if rec.StageTimestamps == nil {
			rec.StageTimestamps = maps.Clone(p.StageTimestamps)
		}
		return
	}
	rec.State = p.ToState
	rec.LastReason = ""
	rec.CertRefs = maps.Clone(p.CertRefs)
	rec.FitnessScore = p.FitnessScore
	rec.FitnessThreshold = p.FitnessThreshold
	rec.StageTimestamps = maps.Clone(p.StageTimestamps)
	rec.Metadata = maps.Clone(p.Metadata)
}

// Record returns the record of one mutation.
func (f *Folder) Record(id string) (Record, bool) {
	rec, ok := f.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Records returns every record ordered by mutation id.
func (f *Folder) Records() []Record {
	ids := slices.Sorted(maps.Keys(f.records))
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.records[id].clone())
	}
	return out
}

// Halt returns the halt flag.
func (f *Folder) Halt() HaltState { return f.halt }

// Fold consumes entries and returns the folded state. A read error stops the fold.
func Fold(entries ledger.Seq) (*Folder, error) {
	f := NewFolder()
	for e, err := range entries {
		if err != nil {
			return nil, err
		}
		if err := f.Apply(e); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// FoldLedger folds every entry readable from r.
func FoldLedger(ctx context.Context, r *ledger.Reader) (*Folder, error) {
	return Fold(r.Entries(ctx))
}
