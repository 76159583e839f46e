package epoch

import (
	"context"
	"fmt"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// Checkpoint is the payload of an epoch_checkpoint entry.
type Checkpoint struct {
	CheckpointID        string `json:"checkpoint_id"`
	CheckpointHash      string `json:"checkpoint_hash"`
	EpochID             string `json:"epoch_id"`
	Phase               string `json:"phase"`
	EpochDigest         string `json:"epoch_digest"`
	MutationCount       int    `json:"mutation_count"`
	ConstitutionHash    string `json:"constitution_hash"`
	PromotionPolicyHash string `json:"promotion_policy_hash"`
	PrevCheckpointHash  string `json:"prev_checkpoint_hash"`
	EndTS               string `json:"end_ts,omitempty"`
	Reason              string `json:"reason,omitempty"`

	Sequence uint64 `json:"-"`
}

type checkpointMaterial struct {
	EpochID             string `json:"epoch_id"`
	Phase               string `json:"phase"`
	EpochDigest         string `json:"epoch_digest"`
	MutationCount       int    `json:"mutation_count"`
	ConstitutionHash    string `json:"constitution_hash"`
	PromotionPolicyHash string `json:"promotion_policy_hash"`
	PrevCheckpointHash  string `json:"prev_checkpoint_hash"`
	EndTS               string `json:"end_ts,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

func (c Checkpoint) material() checkpointMaterial {
	return checkpointMaterial{
		EpochID:             c.EpochID,
		Phase:               c.Phase,
		EpochDigest:         c.EpochDigest,
		MutationCount:       c.MutationCount,
		ConstitutionHash:    c.ConstitutionHash,
		PromotionPolicyHash: c.PromotionPolicyHash,
		PrevCheckpointHash:  c.PrevCheckpointHash,
		EndTS:               c.EndTS,
		Reason:              c.Reason,
	}
}

// seal computes the checkpoint hash and id from the material fields.
func (c Checkpoint) seal() (Checkpoint, error) {
	hash, err := canonicalize.HashPrefixed(c.material())
	if err != nil {
		return Checkpoint{}, fmt.Errorf("epoch: hash checkpoint: %w", err)
	}
	c.CheckpointHash = hash
	c.CheckpointID = checkpointIDFor(hash)
	return c, nil
}

// IsEnd reports whether the checkpoint closes its epoch.
func (c Checkpoint) IsEnd() bool { return c.Phase == PhaseEnd }

// DecodeCheckpoint reads a checkpoint from an epoch_checkpoint entry.
func DecodeCheckpoint(e ledger.Entry) (Checkpoint, error) {
	if e.Type != ledger.KindEpochCheckpoint {
		return Checkpoint{}, fmt.Errorf("epoch: entry %d is %s, not a checkpoint", e.Sequence, e.Type)
	}
	var c Checkpoint
	if err := e.Decode(&c); err != nil {
		return Checkpoint{}, err
	}
	c.Sequence = e.Sequence
	return c, nil
}

// VerifyCheckpointChain recomputes every checkpoint hash and checks that each links to
// its predecessor, starting from GenesisDigest.
func VerifyCheckpointChain(checkpoints []Checkpoint) error {
	return VerifyCheckpointChainFrom(GenesisDigest, checkpoints)
}

// VerifyCheckpointChainFrom is VerifyCheckpointChain for a segment whose first
// checkpoint links to anchor.
func VerifyCheckpointChainFrom(anchor string, checkpoints []Checkpoint) error {
	prev := anchor
	for i, c := range checkpoints {
		if c.PrevCheckpointHash != prev {
			return fmt.Errorf("%w: checkpoint %d (%s) links to %s, expected %s",
				ErrCheckpointChain, i, c.CheckpointID, c.PrevCheckpointHash, prev)
		}
		sealed, err := c.seal()
		if err != nil {
			return err
		}
		if sealed.CheckpointHash != c.CheckpointHash {
			return fmt.Errorf("%w: checkpoint %d (%s) hash mismatch", ErrCheckpointChain, i, c.CheckpointID)
		}
		if sealed.CheckpointID != c.CheckpointID {
			return fmt.Errorf("%w: checkpoint %d id %s does not match its hash", ErrCheckpointChain, i, c.CheckpointID)
		}
		prev = c.CheckpointHash
	}
	return nil
}

// Checkpoints returns every checkpoint in the ledger in sequence order.
func Checkpoints(ctx context.Context, r *ledger.Reader) ([]Checkpoint, error) {
	var out []Checkpoint
	for e, err := range r.Entries(ctx) {
		if err != nil {
			return nil, err
		}
		if e.Type != ledger.KindEpochCheckpoint {
			continue
		}
		c, err := DecodeCheckpoint(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
