// Package replay reconstructs epoch digests from the ledger and compares them with what
// was recorded when the epoch ran.
//
// Two digest paths exist and have distinct types: ComputeEpochDigest verifies the hash
// chain first and returns a VerifiedDigest, the only input policy gates accept;
// ComputeEpochDigestUnverified skips verification for forensics and returns a
// ForensicDigest.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

var (
	ErrDivergence   = errors.New("replay: divergence")
	ErrUnknownEpoch = errors.New("replay: unknown epoch")
)

// VerifiedDigest is an epoch digest computed after the chain through the epoch's last
// entry verified.
type VerifiedDigest struct {
	EpochID       string             `json:"epoch_id"`
	Digest        string             `json:"digest"`
	MutationCount int                `json:"mutation_count"`
	FirstSequence uint64             `json:"first_sequence"`
	LastSequence  uint64             `json:"last_sequence"`
	Closed        bool               `json:"closed"`
	Provider      determinism.Params `json:"provider"`

	prefixes    []string
	checkpoints []epoch.Checkpoint
	entries     []ledger.Entry
}

// DigestAt returns the cumulative digest after n bundles.
func (d VerifiedDigest) DigestAt(n int) (string, bool) {
	if n < 0 || n >= len(d.prefixes) {
		return "", false
	}
	return d.prefixes[n], true
}

// Checkpoints returns the epoch's checkpoints in order.
func (d VerifiedDigest) Checkpoints() []epoch.Checkpoint { return d.checkpoints }

// ForensicDigest is computed without verification. It must never feed a policy decision.
type ForensicDigest struct {
	EpochID       string `json:"epoch_id"`
	Digest        string `json:"digest"`
	MutationCount int    `json:"mutation_count"`
	Skipped       int    `json:"skipped"`
	ForensicOnly  bool   `json:"forensic_only"`
}

// LiveSource exposes the epoch manager's in-memory view. *epoch.Manager satisfies it.
type LiveSource interface {
	Active() (epoch.Epoch, bool)
}

// Engine recomputes digests from a ledger reader.
type Engine struct {
	reader   *ledger.Reader
	live     LiveSource
	provider determinism.Provider
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLive compares the active epoch against the manager's live digest.
func WithLive(src LiveSource) Option { return func(e *Engine) { e.live = src } }

// WithProvider makes strict preflight also require the running provider to be
// replay-safe.
func WithProvider(p determinism.Provider) Option { return func(e *Engine) { e.provider = p } }

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine returns an engine over r.
func NewEngine(r *ledger.Reader, opts ...Option) *Engine {
	e := &Engine{reader: r, logger: slog.Default().With("component", "replay")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reader returns the ledger reader the engine replays from.
func (e *Engine) Reader() *ledger.Reader { return e.reader }

// ComputeEpochDigest verifies the chain through the epoch's last entry and only then
// folds its bundles. An integrity failure is returned and no digest is produced.
func (e *Engine) ComputeEpochDigest(ctx context.Context, epochID string) (VerifiedDigest, error) {
	var entries []ledger.Entry
	for entry, err := range e.reader.ReadRange(ctx, epochID) {
		if err != nil {
			return VerifiedDigest{}, err
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 || entries[0].Type != ledger.KindEpochStart {
		return VerifiedDigest{}, fmt.Errorf("%w: %s", ErrUnknownEpoch, epochID)
	}
	last := entries[len(entries)-1].Sequence
	if err := e.reader.VerifyThrough(ctx, last); err != nil {
		return VerifiedDigest{}, fmt.Errorf("replay: epoch %s: %w", epochID, err)
	}

	d := VerifiedDigest{
		EpochID:       epochID,
		Digest:        epoch.GenesisDigest,
		FirstSequence: entries[0].Sequence,
		LastSequence:  last,
		prefixes:      []string{epoch.GenesisDigest},
		entries:       entries,
	}
	for _, entry := range entries {
		switch {
		case entry.Type == ledger.KindEpochStart:
			var start epoch.StartRecord
			if err := entry.Decode(&start); err != nil {
				return VerifiedDigest{}, err
			}
			d.Provider = start.Provider
		case entry.Type.IsBundle():
			bundle, err := epoch.BundleDigest(entry)
			if err != nil {
				return VerifiedDigest{}, err
			}
			d.Digest = epoch.FoldDigest(d.Digest, bundle)
			d.MutationCount++
			d.prefixes = append(d.prefixes, d.Digest)
		case entry.Type == ledger.KindEpochCheckpoint:
			c, err := epoch.DecodeCheckpoint(entry)
			if err != nil {
				return VerifiedDigest{}, err
			}
			d.checkpoints = append(d.checkpoints, c)
			if c.IsEnd() {
				d.Closed = true
			}
		}
	}
	return d, nil
}

// ComputeEpochDigestUnverified folds whatever bundles of the epoch can be read,
// skipping unreadable records. The result is always forensic-only.
func (e *Engine) ComputeEpochDigestUnverified(ctx context.Context, epochID string) ForensicDigest {
	d := ForensicDigest{EpochID: epochID, Digest: epoch.GenesisDigest, ForensicOnly: true}
	for entry, err := range e.reader.ReadRange(ctx, epochID) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.Skipped++
			continue
		}
		if !entry.Type.IsBundle() {
			continue
		}
		bundle, err := epoch.BundleDigest(entry)
		if err != nil {
			d.Skipped++
			continue
		}
		d.Digest = epoch.FoldDigest(d.Digest, bundle)
		d.MutationCount++
	}
	return d
}

// Baseline is a digest recorded while the epoch ran.
type Baseline struct {
	Digest        string `json:"digest"`
	MutationCount int    `json:"mutation_count"`
	Source        string `json:"source"`
}

// Baseline sources.
const (
	BaselineLive       = "live"
	BaselineCheckpoint = "checkpoint"
	BaselineGenesis    = "genesis"
)

// liveCut snapshots the live epoch before the ledger is read. The manager folds a
// bundle into its live view only after the entry is durable and under its commit lock,
// so a replay read that starts after the snapshot covers every bundle it counted.
func (e *Engine) liveCut(epochID string) *epoch.Epoch {
	if e.live == nil {
		return nil
	}
	active, ok := e.live.Active()
	if !ok || active.ID != epochID {
		return nil
	}
	return &active
}

// replayAtCut snapshots the live epoch and then replays epochID.
func (e *Engine) replayAtCut(ctx context.Context, epochID string) (VerifiedDigest, *epoch.Epoch, error) {
	live := e.liveCut(epochID)
	d, err := e.ComputeEpochDigest(ctx, epochID)
	return d, live, err
}

// baseline picks the most recent recorded digest for the epoch: the live snapshot while
// the epoch is open, else its last checkpoint. Bundles committed after the snapshot are
// not part of the comparison.
func (e *Engine) baseline(d VerifiedDigest, live *epoch.Epoch) Baseline {
	if live != nil && live.ID == d.EpochID && !d.Closed {
		return Baseline{Digest: live.CumulativeDigest, MutationCount: live.MutationCount, Source: BaselineLive}
	}
	if n := len(d.checkpoints); n > 0 {
		c := d.checkpoints[n-1]
		return Baseline{Digest: c.EpochDigest, MutationCount: c.MutationCount, Source: BaselineCheckpoint}
	}
	return Baseline{Digest: epoch.GenesisDigest, Source: BaselineGenesis}
}

// compare checks the replayed prefix against the baseline at the baseline's count.
func compare(d VerifiedDigest, b Baseline) (string, bool) {
	replayed, ok := d.DigestAt(b.MutationCount)
	if !ok {
		return replayed, false
	}
	return replayed, replayed == b.Digest
}

// latestEpochID returns the id of the most recently started epoch.
func (e *Engine) latestEpochID(ctx context.Context) (string, error) {
	if e.live != nil {
		if active, ok := e.live.Active(); ok {
			return active.ID, nil
		}
	}
	epochs, err := epoch.Fold(ctx, e.reader)
	if err != nil {
		return "", err
	}
	if len(epochs) == 0 {
		return "", fmt.Errorf("%w: ledger has no epochs", ErrUnknownEpoch)
	}
	return epochs[len(epochs)-1].ID, nil
}
