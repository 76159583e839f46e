package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
)

// DefaultVerifyEvery is the number of lifecycle commits between verifications.
const DefaultVerifyEvery = 3

// VerificationEvent is the payload of a replay_verification entry.
type VerificationEvent struct {
	EpochID          string  `json:"epoch_id"`
	Mode             Mode    `json:"mode"`
	BaselineDigest   string  `json:"baseline_digest"`
	ReplayDigest     string  `json:"replay_digest"`
	Passed           bool    `json:"passed"`
	DivergenceReason *string `json:"divergence_reason"`
	Decision         string  `json:"decision"`
}

// Committer appends through the epoch manager's commit gate. *epoch.Manager satisfies it.
type Committer interface {
	Commit(ctx context.Context, fn func(epochID string) (ledger.Entry, error)) (ledger.Entry, epoch.Epoch, error)
	Ledger() *ledger.Ledger
}

// FailClosedHandler runs after a strict-mode divergence has been recorded.
type FailClosedHandler func(ctx context.Context, ev VerificationEvent) error

// VerifierObserver receives verification outcomes, typically for metrics.
type VerifierObserver interface {
	ReplayVerified(ctx context.Context, mode string, passed bool)
}

// Verifier runs periodic replay verification and records each result in the ledger.
type Verifier struct {
	engine   *Engine
	commit   Committer
	mode     Mode
	every    int
	handlers []FailClosedHandler
	observer VerifierObserver
	logger   *slog.Logger

	mu      sync.Mutex
	commits int
	// verifyMu serializes verifications so handlers never interleave.
	verifyMu sync.Mutex
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithEvery sets the verification cadence in lifecycle commits.
func WithEvery(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.every = n
		}
	}
}

// WithFailClosedHandler appends h to the handlers run on strict divergence, in order.
func WithFailClosedHandler(h FailClosedHandler) VerifierOption {
	return func(v *Verifier) { v.handlers = append(v.handlers, h) }
}

func WithVerifierObserver(o VerifierObserver) VerifierOption {
	return func(v *Verifier) { v.observer = o }
}

func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier returns a verifier for engine that appends through c.
func NewVerifier(engine *Engine, c Committer, mode Mode, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		engine: engine,
		commit: c,
		mode:   mode,
		every:  DefaultVerifyEvery,
		logger: slog.Default().With("component", "replay-verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Mode returns the verifier's replay mode.
func (v *Verifier) Mode() Mode { return v.mode }

// HaltHandler halts lifecycle promotion on divergence.
func HaltHandler(m *lifecycle.Machine) FailClosedHandler {
	return func(ctx context.Context, ev VerificationEvent) error {
		reason := ReasonDigestMismatch
		if ev.DivergenceReason != nil {
			reason = *ev.DivergenceReason
		}
		return m.Halt(ctx, lifecycle.HaltSourceReplay, reason)
	}
}

// RotateHandler force-closes the diverged epoch and opens a new one.
func RotateHandler(m *epoch.Manager) FailClosedHandler {
	return func(ctx context.Context, ev VerificationEvent) error {
		active, ok := m.Active()
		if !ok || active.ID != ev.EpochID {
			return nil
		}
		_, err := m.ForceRotate(ctx, epoch.ReasonReplayDivergence)
		return err
	}
}

// AfterCommit is a lifecycle commit hook: every Nth lifecycle entry triggers a
// verification of that entry's epoch.
func (v *Verifier) AfterCommit(ctx context.Context, e ledger.Entry) {
	if !v.mode.ShouldVerify() || !e.Type.IsLifecycle() {
		return
	}
	v.mu.Lock()
	v.commits++
	due := v.commits%v.every == 0
	v.mu.Unlock()
	if !due {
		return
	}
	if _, err := v.Verify(ctx, e.EpochID()); err != nil && !errors.Is(err, ErrDivergence) {
		v.logger.ErrorContext(ctx, "replay verification failed to run", "epoch_id", e.EpochID(), "error", err)
	}
}

// Verify replays epochID, appends a replay_verification entry and, on strict-mode
// divergence, runs the fail-closed handlers and returns ErrDivergence.
func (v *Verifier) Verify(ctx context.Context, epochID string) (VerificationEvent, error) {
	v.verifyMu.Lock()
	defer v.verifyMu.Unlock()

	pre, err := v.engine.Preflight(ctx, v.mode, epochID)
	if err != nil {
		return VerificationEvent{}, err
	}
	if pre.Decision == DecisionSkip {
		return VerificationEvent{EpochID: epochID, Mode: v.mode, Passed: true, Decision: DecisionSkip}, nil
	}
	ev := VerificationEvent{
		EpochID:        pre.VerifyTarget,
		Mode:           v.mode,
		BaselineDigest: pre.BaselineDigest,
		ReplayDigest:   pre.ReplayDigest,
		Passed:         !pre.HasDivergence && pre.Decision != DecisionFailClosed,
		Decision:       pre.Decision,
	}
	if pre.Reason != "" {
		reason := pre.Reason
		ev.DivergenceReason = &reason
	}

	ctx = context.WithoutCancel(ctx)
	_, _, err = v.commit.Commit(ctx, func(string) (ledger.Entry, error) {
		return v.commit.Ledger().Append(ctx, ledger.KindReplayVerification, ev)
	})
	if err != nil {
		return ev, fmt.Errorf("replay: record verification: %w", err)
	}
	if v.observer != nil {
		v.observer.ReplayVerified(ctx, string(v.mode), ev.Passed)
	}
	if ev.Passed {
		v.logger.DebugContext(ctx, "replay verified", "epoch_id", ev.EpochID, "digest", ev.ReplayDigest)
		return ev, nil
	}

	v.logger.WarnContext(ctx, "replay verification failed",
		"epoch_id", ev.EpochID, "mode", v.mode, "decision", ev.Decision, "reason", pre.Reason)
	if ev.Decision != DecisionFailClosed {
		return ev, nil
	}
	var errs []error
	for _, h := range v.handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ev, fmt.Errorf("%w: %s; handlers: %w", ErrDivergence, pre.Reason, err)
	}
	return ev, fmt.Errorf("%w: %s", ErrDivergence, pre.Reason)
}

// PromotionGate implements lifecycle.ReplayGate: promotion is open unless strict-mode
// preflight fails closed.
func (v *Verifier) PromotionGate(ctx context.Context, epochID string) (lifecycle.GateDecision, error) {
	pre, err := v.engine.Preflight(ctx, v.mode, epochID)
	d := lifecycle.GateDecision{Mode: string(v.mode), Decision: pre.Decision, Reason: pre.Reason}
	if err != nil {
		return d, err
	}
	d.Open = pre.Decision != DecisionFailClosed
	return d, nil
}

var _ lifecycle.ReplayGate = (*Verifier)(nil)
