// Package epoch groups ledger activity into bounded epochs.
//
// An epoch is opened by an epoch_start entry and closed by a checkpoint with phase
// "end". Every lifecycle entry (transition or rejection) committed while the epoch is
// active is a bundle, as is an epoch_bundle entry carrying an externally computed
// digest; bundle digests are folded into the epoch's cumulative digest.
package epoch

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// GenesisDigest seeds every cumulative digest and the checkpoint chain.
const GenesisDigest = canonicalize.DigestPrefix + "0000000000000000000000000000000000000000000000000000000000000000"

// Rotation and end reasons recorded in closing checkpoints.
const (
	ReasonMutationLimit      = "mutation_limit"
	ReasonDurationLimit      = "duration_limit"
	ReasonReplayDivergence   = "replay_divergence"
	ReasonOperator           = "operator"
	ReasonBoot               = "boot"
	ReasonRotation           = "rotation"
	PhaseCadence             = "cadence"
	PhaseEnd                 = "end"
	checkpointIDPrefix       = "chk_"
	checkpointIDHexDigits    = 16
	defaultMaxMutations      = 50
	defaultMaxDuration       = 30 * time.Minute
	defaultCheckpointCadence = 10
)

var (
	ErrEpochActive     = errors.New("epoch: an epoch is already active")
	ErrNoActiveEpoch   = errors.New("epoch: no active epoch")
	ErrEpochMismatch   = errors.New("epoch: bundle does not belong to the active epoch")
	ErrCheckpointChain = errors.New("epoch: checkpoint chain broken")
	ErrHistory         = errors.New("epoch: ledger history is inconsistent")
	ErrBundleDigest    = errors.New("epoch: bundle digest must be a sha256: digest")
)

// State is the lifecycle of an epoch.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Epoch is a snapshot of one epoch.
type Epoch struct {
	ID               string             `json:"epoch_id"`
	StartTS          time.Time          `json:"start_ts"`
	EndTS            *time.Time         `json:"end_ts,omitempty"`
	MutationCount    int                `json:"mutation_count"`
	CumulativeDigest string             `json:"cumulative_digest"`
	CheckpointRefs   []string           `json:"checkpoint_refs"`
	EndReason        string             `json:"end_reason,omitempty"`
	State            State              `json:"state"`
	PreviousEpochID  string             `json:"previous_epoch_id,omitempty"`
	StartReason      string             `json:"start_reason,omitempty"`
	Provider         determinism.Params `json:"provider"`
	StartSequence    uint64             `json:"start_sequence"`
	LastSequence     uint64             `json:"last_sequence"`
}

func (e Epoch) clone() Epoch {
	e.CheckpointRefs = slices.Clone(e.CheckpointRefs)
	if e.EndTS != nil {
		end := *e.EndTS
		e.EndTS = &end
	}
	return e
}

// PolicyHashes are the policy versions in force when a checkpoint is written.
type PolicyHashes struct {
	ConstitutionHash    string
	PromotionPolicyHash string
}

// Config bounds epochs.
type Config struct {
	MaxMutations      int
	MaxDuration       time.Duration
	CheckpointCadence int
	// Hashes reports the active policy hashes. Nil records empty hashes.
	Hashes func() PolicyHashes
}

// DefaultConfig returns 50 mutations, 30 minutes, a checkpoint every 10 bundles.
func DefaultConfig() Config {
	return Config{
		MaxMutations:      defaultMaxMutations,
		MaxDuration:       defaultMaxDuration,
		CheckpointCadence: defaultCheckpointCadence,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxMutations <= 0 {
		c.MaxMutations = defaultMaxMutations
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}
	if c.CheckpointCadence <= 0 {
		c.CheckpointCadence = defaultCheckpointCadence
	}
	return c
}

func (c Config) hashes() PolicyHashes {
	if c.Hashes == nil {
		return PolicyHashes{}
	}
	return c.Hashes()
}

// BundleRecord is the payload of an epoch_bundle entry.
type BundleRecord struct {
	EpochID      string `json:"epoch_id"`
	BundleDigest string `json:"bundle_digest"`
}

func validBundleDigest(d string) bool {
	return strings.HasPrefix(d, canonicalize.DigestPrefix) && len(d) > len(canonicalize.DigestPrefix)
}

// BundleDigest is the digest folded into an epoch for one bundle entry: the recorded
// digest of an epoch_bundle entry, or the hash of a lifecycle entry's type and payload.
func BundleDigest(e ledger.Entry) (string, error) {
	if e.Type == ledger.KindEpochBundle {
		var rec BundleRecord
		if err := e.Decode(&rec); err != nil {
			return "", err
		}
		if !validBundleDigest(rec.BundleDigest) {
			return "", fmt.Errorf("%w: bundle entry %d has digest %q", ErrHistory, e.Sequence, rec.BundleDigest)
		}
		return rec.BundleDigest, nil
	}
	return canonicalize.HashPrefixed(map[string]any{
		"type":    string(e.Type),
		"payload": e.Payload,
	})
}

// FoldDigest extends a cumulative digest by one bundle.
func FoldDigest(cumulative, bundle string) string {
	return canonicalize.ChainDigest(cumulative, bundle)
}

func checkpointIDFor(hash string) string {
	hex := strings.TrimPrefix(hash, canonicalize.DigestPrefix)
	if len(hex) > checkpointIDHexDigits {
		hex = hex[:checkpointIDHexDigits]
	}
	return checkpointIDPrefix + hex
}
