package replay

import (
	"context"
	"errors"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// Preflight decisions.
const (
	DecisionSkip       = "skip"
	DecisionContinue   = "continue"
	DecisionFailClosed = "fail_closed"
)

// PreflightResult is the replay verdict consulted before promotion.
type PreflightResult struct {
	Mode           Mode   `json:"mode"`
	VerifyTarget   string `json:"verify_target"`
	HasDivergence  bool   `json:"has_divergence"`
	Decision       string `json:"decision"`
	Reason         string `json:"reason,omitempty"`
	BaselineDigest string `json:"baseline_digest,omitempty"`
	ReplayDigest   string `json:"replay_digest,omitempty"`
}

// Preflight replays epochID (the latest epoch when empty) and decides whether work
// may continue under mode. Strict mode fails closed on any divergence, an integrity
// failure, or an epoch recorded by a non-deterministic provider; audit mode reports and
// continues.
func (e *Engine) Preflight(ctx context.Context, mode Mode, epochID string) (PreflightResult, error) {
	res := PreflightResult{Mode: mode, VerifyTarget: epochID}
	if !mode.ShouldVerify() {
		res.Decision = DecisionSkip
		return res, nil
	}
	if epochID == "" {
		id, err := e.latestEpochID(ctx)
		if err != nil {
			return res, err
		}
		res.VerifyTarget = id
	}

	d, live, err := e.replayAtCut(ctx, res.VerifyTarget)
	switch {
	case errors.Is(err, ledger.ErrIntegrity):
		e.logger.ErrorContext(ctx, "replay integrity failure", "epoch_id", res.VerifyTarget, "error", err)
		return res.diverged(ReasonIntegrityFailure), nil
	case err != nil:
		return res, err
	}

	if mode.FailClosed() {
		if !d.Provider.Deterministic {
			res.Decision = DecisionFailClosed
			res.Reason = ReasonNonDeterministic
			return res, nil
		}
		if e.provider != nil {
			if err := determinism.RequireReplaySafe(e.provider, true); err != nil {
				res.Decision = DecisionFailClosed
				res.Reason = ReasonNonDeterministic
				return res, nil
			}
		}
	}

	diff, err := e.diff(ctx, d, live)
	if err != nil {
		return res, err
	}
	res.BaselineDigest = diff.Baseline.Digest
	res.ReplayDigest = diff.Replayed
	if diff.Diverged {
		e.logger.WarnContext(ctx, "replay divergence",
			"epoch_id", res.VerifyTarget, "mode", mode, "reason", diff.Reason,
			"baseline", diff.Baseline.Digest, "replayed", diff.Replayed)
		return res.diverged(diff.Reason), nil
	}
	res.Decision = DecisionContinue
	return res, nil
}

func (r PreflightResult) diverged(reason string) PreflightResult {
	r.HasDivergence = true
	r.Reason = reason
	if r.Mode.FailClosed() {
		r.Decision = DecisionFailClosed
	} else {
		r.Decision = DecisionContinue
	}
	return r
}
