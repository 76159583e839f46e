package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
)

var (
	_ lifecycle.Observer      = (*Provider)(nil)
	_ replay.VerifierObserver = (*Provider)(nil)
)

// GuardFinished records one guard's duration.
func (p *Provider) GuardFinished(ctx context.Context, guard string, d time.Duration, ok bool) {
	p.guardDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrGuard.String(guard), AttrGuardOK.Bool(ok)))
}

// TransitionRecorded counts an accepted transition or a rejection.
func (p *Provider) TransitionRecorded(ctx context.Context, from, to lifecycle.State, accepted bool, reason string) {
	if accepted {
		p.transitions.Add(ctx, 1, metric.WithAttributes(AttrFromState.String(string(from)), AttrToState.String(string(to))))
		return
	}
	p.rejections.Add(ctx, 1, metric.WithAttributes(AttrToState.String(string(to)), AttrReason.String(reason)))
}

// ReplayVerified counts a recorded verification and, when it failed, a divergence.
func (p *Provider) ReplayVerified(ctx context.Context, mode string, passed bool) {
	p.verifications.Add(ctx, 1, metric.WithAttributes(AttrReplayMode.String(mode), AttrPassed.Bool(passed)))
	if !passed {
		p.divergences.Add(ctx, 1, metric.WithAttributes(AttrReplayMode.String(mode)))
	}
}

// LedgerAppended is a ledger append hook.
func (p *Provider) LedgerAppended(e ledger.Entry) {
	p.appends.Add(context.Background(), 1, metric.WithAttributes(AttrEntryType.String(string(e.Type))))
}

// EpochRotated is an epoch rotation hook.
func (p *Provider) EpochRotated(closed epoch.Epoch) {
	p.rotations.Add(context.Background(), 1, metric.WithAttributes(AttrReason.String(closed.EndReason)))
}
