package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// Manager owns the active epoch. All bundle commits and rotations take the same lock,
// so a rotation waits for an in-flight commit and every bundle belongs to exactly one
// epoch.
type Manager struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	provider determinism.Provider
	cfg      Config
	logger   *slog.Logger
	onRotate []func(closed Epoch)

	fold *folder
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRotationHook registers a callback invoked with each epoch as it closes.
func WithRotationHook(fn func(closed Epoch)) Option {
	return func(m *Manager) { m.onRotate = append(m.onRotate, fn) }
}

// NewManager creates a manager writing to l. Call Restore before use.
func NewManager(l *ledger.Ledger, provider determinism.Provider, cfg Config, opts ...Option) *Manager {
	if provider == nil {
		provider = l.Provider()
	}
	m := &Manager{
		ledger:   l,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "epoch"),
		fold:     newFolder(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore folds the ledger and resumes the last active epoch, starting one if none is open.
func (m *Manager) Restore(ctx context.Context) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := newFolder()
	for e, err := range m.ledger.Entries(ctx) {
		if err != nil {
			return Epoch{}, err
		}
		if err := f.apply(e); err != nil {
			return Epoch{}, err
		}
	}
	m.fold = f

	if f.active != nil {
		m.logger.InfoContext(ctx, "epoch resumed",
			"epoch_id", f.active.ID, "mutation_count", f.active.MutationCount)
		return f.active.clone(), nil
	}
	return m.startLocked(ctx, ReasonBoot)
}

// Ledger returns the ledger the manager writes to.
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Active returns the active epoch.
func (m *Manager) Active() (Epoch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fold.active == nil {
		return Epoch{}, false
	}
	return m.fold.active.clone(), true
}

// Epochs returns every epoch known to the manager.
func (m *Manager) Epochs() []Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fold.all()
}

// StartEpoch opens a new epoch. It fails with ErrEpochActive when one is open.
func (m *Manager) StartEpoch(ctx context.Context, reason string) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fold.active != nil {
		return Epoch{}, fmt.Errorf("%w: %s", ErrEpochActive, m.fold.active.ID)
	}
	return m.startLocked(ctx, reason)
}

// RecordBundle appends an epoch_bundle entry for an externally computed digest and
// folds it into the named epoch, exactly as Restore and replay fold it back.
func (m *Manager) RecordBundle(ctx context.Context, epochID, bundleDigest string) (Epoch, error) {
	if !validBundleDigest(bundleDigest) {
		return Epoch{}, fmt.Errorf("%w: %q", ErrBundleDigest, bundleDigest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fold.active == nil {
		return Epoch{}, ErrNoActiveEpoch
	}
	if m.fold.active.ID != epochID {
		return Epoch{}, fmt.Errorf("%w: %s is not %s", ErrEpochMismatch, epochID, m.fold.active.ID)
	}
	entry, err := m.ledger.Append(ctx, ledger.KindEpochBundle, BundleRecord{EpochID: epochID, BundleDigest: bundleDigest})
	if err != nil {
		return Epoch{}, err
	}
	return m.recordLocked(ctx, bundleDigest, entry.Sequence)
}

// Commit runs fn with the active epoch pinned. fn appends exactly one entry tagged with
// the epoch id it is given; lifecycle entries are folded as bundles. An epoch past its
// duration limit is rotated before fn runs.
func (m *Manager) Commit(ctx context.Context, fn func(epochID string) (ledger.Entry, error)) (ledger.Entry, Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fold.active == nil {
		if _, err := m.startLocked(ctx, ReasonRotation); err != nil {
			return ledger.Entry{}, Epoch{}, err
		}
	} else if reason, ok := m.shouldRotateLocked(); ok {
		if _, err := m.rotateLocked(ctx, reason); err != nil {
			return ledger.Entry{}, Epoch{}, err
		}
	}

	pinned := m.fold.active.ID
	entry, err := fn(pinned)
	if err != nil {
		return ledger.Entry{}, m.fold.active.clone(), err
	}
	if !entry.Type.IsBundle() {
		return entry, m.fold.active.clone(), nil
	}
	if entry.EpochID() != pinned {
		return entry, m.fold.active.clone(), fmt.Errorf("%w: entry %d tagged %q, pinned %s",
			ErrEpochMismatch, entry.Sequence, entry.EpochID(), pinned)
	}
	bundle, err := BundleDigest(entry)
	if err != nil {
		return entry, m.fold.active.clone(), err
	}
	snapshot, err := m.recordLocked(ctx, bundle, entry.Sequence)
	return entry, snapshot, err
}

// ShouldRotate reports whether the active epoch has reached a limit.
func (m *Manager) ShouldRotate() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRotateLocked()
}

// MaybeRotate rotates the active epoch when it has reached a limit.
func (m *Manager) MaybeRotate(ctx context.Context) (Epoch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.shouldRotateLocked()
	if !ok {
		if m.fold.active == nil {
			return Epoch{}, false, nil
		}
		return m.fold.active.clone(), false, nil
	}
	next, err := m.rotateLocked(ctx, reason)
	return next, err == nil, err
}

// Rotate closes the active epoch with reason and opens the next one.
func (m *Manager) Rotate(ctx context.Context, reason string) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(ctx, reason)
}

// ForceRotate closes the active epoch immediately, as on replay divergence.
func (m *Manager) ForceRotate(ctx context.Context, reason string) (Epoch, error) {
	if reason == "" {
		reason = ReasonReplayDivergence
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.WarnContext(ctx, "forced epoch rotation", "reason", reason)
	return m.rotateLocked(ctx, reason)
}

// Close ends the active epoch without opening another.
func (m *Manager) Close(ctx context.Context, reason string) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fold.active == nil {
		return Epoch{}, ErrNoActiveEpoch
	}
	return m.closeLocked(ctx, reason)
}

func (m *Manager) shouldRotateLocked() (string, bool) {
	active := m.fold.active
	if active == nil {
		return "", false
	}
	if active.MutationCount >= m.cfg.MaxMutations {
		return ReasonMutationLimit, true
	}
	if m.provider.Now().Sub(active.StartTS) > m.cfg.MaxDuration {
		return ReasonDurationLimit, true
	}
	return "", false
}

func (m *Manager) startLocked(ctx context.Context, reason string) (Epoch, error) {
	now := m.provider.Now()
	id := fmt.Sprintf("epoch-%s-%s", now.UTC().Format("20060102T150405Z"), m.provider.NextToken("epoch", 8))
	record := StartRecord{
		EpochID:         id,
		StartTS:         determinism.FormatTime(now),
		Reason:          reason,
		PreviousEpochID: m.fold.lastClosedID(),
		Provider:        m.provider.Params(),
	}
	entry, err := m.ledger.Append(ctx, ledger.KindEpochStart, record)
	if err != nil {
		return Epoch{}, err
	}
	if err := m.fold.apply(entry); err != nil {
		return Epoch{}, err
	}
	m.logger.InfoContext(ctx, "epoch started", "epoch_id", id, "reason", reason, "sequence", entry.Sequence)
	return m.fold.active.clone(), nil
}

func (m *Manager) recordLocked(ctx context.Context, bundleDigest string, seq uint64) (Epoch, error) {
	active := m.fold.active
	active.CumulativeDigest = FoldDigest(active.CumulativeDigest, bundleDigest)
	active.MutationCount++
	if seq > active.LastSequence {
		active.LastSequence = seq
	}
	m.fold.sinceCheckpoint++

	if active.MutationCount >= m.cfg.MaxMutations {
		if _, err := m.closeLocked(ctx, ReasonMutationLimit); err != nil {
			return Epoch{}, err
		}
		closed := m.fold.epochs[len(m.fold.epochs)-1].clone()
		if _, err := m.startLocked(ctx, ReasonRotation); err != nil {
			return closed, err
		}
		return closed, nil
	}
	if m.fold.sinceCheckpoint >= m.cfg.CheckpointCadence {
		if _, err := m.checkpointLocked(ctx, PhaseCadence, ""); err != nil {
			return Epoch{}, err
		}
	}
	return active.clone(), nil
}

func (m *Manager) rotateLocked(ctx context.Context, reason string) (Epoch, error) {
	if m.fold.active != nil {
		if _, err := m.closeLocked(ctx, reason); err != nil {
			return Epoch{}, err
		}
	}
	return m.startLocked(ctx, ReasonRotation)
}

func (m *Manager) closeLocked(ctx context.Context, reason string) (Epoch, error) {
	if reason == "" {
		reason = ReasonRotation
	}
	if _, err := m.checkpointLocked(ctx, PhaseEnd, reason); err != nil {
		return Epoch{}, err
	}
	closed := m.fold.epochs[len(m.fold.epochs)-1].clone()
	m.logger.InfoContext(ctx, "epoch closed",
		"epoch_id", closed.ID, "reason", reason,
		"mutation_count", closed.MutationCount, "digest", closed.CumulativeDigest)
	for _, hook := range m.onRotate {
		hook(closed)
	}
	return closed, nil
}

func (m *Manager) checkpointLocked(ctx context.Context, phase, reason string) (Checkpoint, error) {
	active := m.fold.active
	hashes := m.cfg.hashes()
	c := Checkpoint{
		EpochID:             active.ID,
		Phase:               phase,
		EpochDigest:         active.CumulativeDigest,
		MutationCount:       active.MutationCount,
		ConstitutionHash:    hashes.ConstitutionHash,
		PromotionPolicyHash: hashes.PromotionPolicyHash,
		PrevCheckpointHash:  m.fold.lastCheckpoint,
	}
	if phase == PhaseEnd {
		c.EndTS = determinism.FormatTime(m.provider.Now())
		c.Reason = reason
	}
	sealed, err := c.seal()
	if err != nil {
		return Checkpoint{}, err
	}
	entry, err := m.ledger.Append(ctx, ledger.KindEpochCheckpoint, sealed)
	if err != nil {
		return Checkpoint{}, err
	}
	// The folder re-derives refs and closure from the durable entry.
	digest, count := active.CumulativeDigest, active.MutationCount
	if err := m.fold.apply(entry); err != nil {
		return Checkpoint{}, err
	}
	m.logger.DebugContext(ctx, "epoch checkpoint",
		"checkpoint_id", sealed.CheckpointID, "phase", phase, "digest", digest, "mutation_count", count)
	sealed.Sequence = entry.Sequence
	return sealed, nil
}
