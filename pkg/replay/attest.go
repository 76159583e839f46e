package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

// ProofSchemaVersion is the schema_version of proof bundles.
const ProofSchemaVersion = "1.0"

var ErrInvalidProof = errors.New("replay: invalid proof bundle")

// ProofSignature is one signature over a proof digest.
type ProofSignature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
}

// ProofBundle attests that an epoch replayed to its recorded digest.
type ProofBundle struct {
	SchemaVersion   string             `json:"schema_version"`
	EpochID         string             `json:"epoch_id"`
	BaselineDigest  string             `json:"baseline_digest"`
	ReplayDigest    string             `json:"replay_digest"`
	MutationCount   int                `json:"mutation_count"`
	CheckpointChain []epoch.Checkpoint `json:"checkpoint_chain"`
	Provider        determinism.Params `json:"provider"`
	ProofDigest     string             `json:"proof_digest"`
	Signatures      []ProofSignature   `json:"signatures"`
}

// Digest is the canonical hash of the bundle without its digest and signatures.
func (b ProofBundle) Digest() (string, error) {
	b.ProofDigest = ""
	b.Signatures = nil
	return canonicalize.HashPrefixed(b)
}

// BuildProof replays epochID from the verified path and, if it matches its baseline,
// returns a bundle signed by signer. A divergent epoch cannot be attested.
func (e *Engine) BuildProof(ctx context.Context, epochID string, signer *trust.Signer) (ProofBundle, error) {
	if signer == nil {
		return ProofBundle{}, fmt.Errorf("%w: no signer", ErrInvalidProof)
	}
	d, live, err := e.replayAtCut(ctx, epochID)
	if err != nil {
		return ProofBundle{}, err
	}
	diff, err := e.diff(ctx, d, live)
	if err != nil {
		return ProofBundle{}, err
	}
	if diff.Diverged {
		return ProofBundle{}, fmt.Errorf("%w: epoch %s: %s", ErrDivergence, epochID, diff.Reason)
	}

	b := ProofBundle{
		SchemaVersion:   ProofSchemaVersion,
		EpochID:         epochID,
		BaselineDigest:  diff.Baseline.Digest,
		ReplayDigest:    diff.Replayed,
		MutationCount:   diff.Baseline.MutationCount,
		CheckpointChain: d.Checkpoints(),
		Provider:        d.Provider,
	}
	if b.CheckpointChain == nil {
		b.CheckpointChain = []epoch.Checkpoint{}
	}
	if b.ProofDigest, err = b.Digest(); err != nil {
		return ProofBundle{}, err
	}
	b.Signatures = []ProofSignature{{
		KeyID:     signer.KeyID,
		Algorithm: trust.MethodEd25519,
		Signature: signer.Sign(b.ProofDigest),
	}}
	return b, nil
}

// VerifyProof checks a bundle offline: schema, digest, baseline/replay agreement,
// checkpoint chain linkage, and at least one valid signature from keys.
func VerifyProof(ctx context.Context, b ProofBundle, keys *trust.Keyring) error {
	if b.SchemaVersion != ProofSchemaVersion {
		return fmt.Errorf("%w: schema_version %q", ErrInvalidProof, b.SchemaVersion)
	}
	digest, err := b.Digest()
	if err != nil {
		return err
	}
	if digest != b.ProofDigest {
		return fmt.Errorf("%w: proof_digest mismatch", ErrInvalidProof)
	}
	if b.BaselineDigest != b.ReplayDigest {
		return fmt.Errorf("%w: baseline and replay digests differ", ErrInvalidProof)
	}
	if n := len(b.CheckpointChain); n > 0 {
		if err := epoch.VerifyCheckpointChainFrom(b.CheckpointChain[0].PrevCheckpointHash, b.CheckpointChain); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidProof, err)
		}
		for _, c := range b.CheckpointChain {
			if c.EpochID != b.EpochID {
				return fmt.Errorf("%w: checkpoint %s belongs to %s", ErrInvalidProof, c.CheckpointID, c.EpochID)
			}
		}
	}

	verifier := trust.NewEd25519Verifier(keys)
	for _, sig := range b.Signatures {
		if sig.Algorithm != trust.MethodEd25519 {
			continue
		}
		res, err := verifier.VerifySignature(ctx, trust.Signed{Digest: b.ProofDigest, Signature: sig.Signature, TrustMode: trust.ModeProd})
		if err != nil {
			return err
		}
		if res.Valid && res.Signer == sig.KeyID {
			return nil
		}
	}
	return fmt.Errorf("%w: no valid signature", ErrInvalidProof)
}
