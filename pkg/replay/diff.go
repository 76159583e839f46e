package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
)

// Divergence reasons.
const (
	ReasonDigestMismatch      = "digest_mismatch"
	ReasonCheckpointMismatch  = "checkpoint_mismatch"
	ReasonCheckpointChain     = "checkpoint_chain_broken"
	ReasonRejectionMismatch   = "rejection_reason_mismatch"
	ReasonIntegrityFailure    = "integrity_failure"
	ReasonNonDeterministic    = "non_deterministic_provider"
	ReasonBaselineUnavailable = "baseline_unavailable"
)

// CheckpointDiff compares one recorded checkpoint digest with the replayed prefix.
type CheckpointDiff struct {
	CheckpointID  string `json:"checkpoint_id"`
	Phase         string `json:"phase"`
	Sequence      uint64 `json:"sequence"`
	MutationCount int    `json:"mutation_count"`
	Recorded      string `json:"recorded"`
	Replayed      string `json:"replayed"`
	Match         bool   `json:"match"`
}

// RejectionDiff compares a recorded rejection reason with the reason re-derived from
// the recorded guard report.
type RejectionDiff struct {
	Sequence   uint64 `json:"sequence"`
	MutationID string `json:"mutation_id"`
	Recorded   string `json:"recorded"`
	Replayed   string `json:"replayed"`
	Match      bool   `json:"match"`
}

// Diff is a checkpoint-by-checkpoint replay comparison of one epoch.
type Diff struct {
	EpochID     string           `json:"epoch_id"`
	Baseline    Baseline         `json:"baseline"`
	Replayed    string           `json:"replayed"`
	Checkpoints []CheckpointDiff `json:"checkpoints"`
	Rejections  []RejectionDiff  `json:"rejections"`
	ChainValid  bool             `json:"chain_valid"`
	Diverged    bool             `json:"diverged"`
	Reason      string           `json:"reason,omitempty"`
}

// Diff replays epochID and compares every recorded digest and rejection reason.
func (e *Engine) Diff(ctx context.Context, epochID string) (Diff, error) {
	d, live, err := e.replayAtCut(ctx, epochID)
	if err != nil {
		return Diff{}, err
	}
	return e.diff(ctx, d, live)
}

func (e *Engine) diff(ctx context.Context, d VerifiedDigest, live *epoch.Epoch) (Diff, error) {
	out := Diff{
		EpochID:     d.EpochID,
		Baseline:    e.baseline(d, live),
		Checkpoints: []CheckpointDiff{},
		Rejections:  []RejectionDiff{},
	}

	for _, c := range d.checkpoints {
		replayed, ok := d.DigestAt(c.MutationCount)
		cd := CheckpointDiff{
			CheckpointID:  c.CheckpointID,
			Phase:         c.Phase,
			Sequence:      c.Sequence,
			MutationCount: c.MutationCount,
			Recorded:      c.EpochDigest,
			Replayed:      replayed,
			Match:         ok && replayed == c.EpochDigest,
		}
		if !cd.Match {
			out.diverge(ReasonCheckpointMismatch)
		}
		out.Checkpoints = append(out.Checkpoints, cd)
	}

	chainErr := e.verifyChainThrough(ctx, d)
	if chainErr != nil && !errors.Is(chainErr, epoch.ErrCheckpointChain) {
		return Diff{}, chainErr
	}
	out.ChainValid = chainErr == nil
	if !out.ChainValid {
		out.diverge(ReasonCheckpointChain)
	}

	for _, entry := range d.entries {
		if entry.Type != ledger.KindRejected {
			continue
		}
		var p lifecycle.Payload
		if err := entry.Decode(&p); err != nil {
			return Diff{}, err
		}
		rd := RejectionDiff{
			Sequence:   entry.Sequence,
			MutationID: p.MutationID,
			Recorded:   p.GuardReport.Reason,
			Replayed:   lifecycle.ReplayReason(p),
		}
		rd.Match = rd.Recorded == rd.Replayed
		if !rd.Match {
			out.diverge(ReasonRejectionMismatch)
		}
		out.Rejections = append(out.Rejections, rd)
	}

	replayed, ok := compare(d, out.Baseline)
	out.Replayed = replayed
	if !ok {
		out.diverge(ReasonDigestMismatch)
	}
	return out, nil
}

// diverge records the first divergence reason.
func (d *Diff) diverge(reason string) {
	if !d.Diverged {
		d.Reason = reason
	}
	d.Diverged = true
}

// verifyChainThrough verifies the global checkpoint chain up to the epoch's last
// checkpoint. Checkpoint chains span epochs, so the prefix before the epoch is included.
func (e *Engine) verifyChainThrough(ctx context.Context, d VerifiedDigest) error {
	if len(d.checkpoints) == 0 {
		return nil
	}
	last := d.checkpoints[len(d.checkpoints)-1].Sequence
	var chain []epoch.Checkpoint
	for entry, err := range e.reader.Entries(ctx) {
		if err != nil {
			return err
		}
		if entry.Sequence > last {
			break
		}
		if entry.Type != ledger.KindEpochCheckpoint {
			continue
		}
		c, err := epoch.DecodeCheckpoint(entry)
		if err != nil {
			return fmt.Errorf("%w: %v", epoch.ErrCheckpointChain, err)
		}
		chain = append(chain, c)
	}
	return epoch.VerifyCheckpointChain(chain)
}
