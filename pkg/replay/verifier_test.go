package replay

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/promotion"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/sandbox"
)

// driftingLive reports a corrupted in-memory digest once drift is set.
type driftingLive struct {
	m     *epoch.Manager
	drift atomic.Bool
}

func (l *driftingLive) Active() (epoch.Epoch, bool) {
	e, ok := l.m.Active()
	if ok && l.drift.Load() {
		e.CumulativeDigest = "sha256:drift"
	}
	return e, ok
}

// racingLive lands one more lifecycle commit each time the live view is read, as a
// concurrent worker would.
type racingLive struct {
	f *fixture
	n atomic.Int32
}

func (l *racingLive) Active() (epoch.Epoch, bool) {
	i := l.n.Add(1)
	_, _, err := l.f.manager.Commit(l.f.ctx, func(epochID string) (ledger.Entry, error) {
		return l.f.ledger.Append(l.f.ctx, ledger.KindTransition, lifecycle.Payload{
			MutationID: fmt.Sprintf("late-%d", i), EpochID: epochID,
			FromState: lifecycle.StateProposed, ToState: lifecycle.StateStaged,
			GuardReport: lifecycle.GuardReport{OK: true},
		})
	})
	if err != nil {
		return epoch.Epoch{}, false
	}
	return l.f.manager.Active()
}

func countKind(t *testing.T, f *fixture, kind ledger.EventKind) []ledger.Entry {
	t.Helper()
	var out []ledger.Entry
	for e, err := range f.ledger.Entries(f.ctx) {
		require.NoError(t, err)
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestVerifierRunsEveryNLifecycleCommits(t *testing.T) {
	f := newFixture(t, wideConfig(), nil)
	v := NewVerifier(f.engine(), f.manager, ModeAudit)

	for i := range 7 {
		e := f.commit(t, ledger.KindTransition, lifecycle.Payload{MutationID: string(rune('a' + i))})
		v.AfterCommit(f.ctx, e)
	}
	v.AfterCommit(f.ctx, ledger.Entry{Type: ledger.KindEpochCheckpoint})

	events := countKind(t, f, ledger.KindReplayVerification)
	require.Len(t, events, 2)
	var ev VerificationEvent
	require.NoError(t, events[1].Decode(&ev))
	assert.True(t, ev.Passed)
	assert.Nil(t, ev.DivergenceReason)
	assert.Equal(t, ModeAudit, ev.Mode)
	assert.Equal(t, DecisionContinue, ev.Decision)
	assert.Equal(t, ev.BaselineDigest, ev.ReplayDigest)
}

func TestVerifierOffRecordsNothing(t *testing.T) {
	f := newFixture(t, wideConfig(), nil)
	v := NewVerifier(f.engine(), f.manager, ModeOff, WithEvery(1))
	e := f.commit(t, ledger.KindTransition, lifecycle.Payload{MutationID: "a"})
	v.AfterCommit(f.ctx, e)
	assert.Empty(t, countKind(t, f, ledger.KindReplayVerification))

	gate, err := v.PromotionGate(f.ctx, f.activeID(t))
	require.NoError(t, err)
	assert.True(t, gate.Open)
	assert.Equal(t, DecisionSkip, gate.Decision)
}

func TestAuditDivergenceContinues(t *testing.T) {
	f := newFixture(t, wideConfig(), nil)
	f.transitions(t, 2)
	live := &driftingLive{m: f.manager}
	live.drift.Store(true)
	called := false
	v := NewVerifier(NewEngine(f.ledger.Reader, WithLive(live)), f.manager, ModeAudit,
		WithFailClosedHandler(func(context.Context, VerificationEvent) error { called = true; return nil }))

	ev, err := v.Verify(f.ctx, f.activeID(t))
	require.NoError(t, err)
	assert.False(t, ev.Passed)
	require.NotNil(t, ev.DivergenceReason)
	assert.Equal(t, ReasonDigestMismatch, *ev.DivergenceReason)
	assert.Equal(t, DecisionContinue, ev.Decision)
	assert.False(t, called)
}

func TestScenarioForcedRotationOnDivergence(t *testing.T) {
	f := newFixture(t, epoch.Config{MaxMutations: 50, CheckpointCadence: 10}, nil)
	first := f.activeID(t)
	f.transitions(t, 62)
	second := f.activeID(t)
	require.NotEqual(t, first, second)

	live := &driftingLive{m: f.manager}
	var order []string
	v := NewVerifier(NewEngine(f.ledger.Reader, WithLive(live)), f.manager, ModeStrict,
		WithFailClosedHandler(func(_ context.Context, ev VerificationEvent) error {
			order = append(order, "halt:"+ev.EpochID)
			return nil
		}),
		WithFailClosedHandler(RotateHandler(f.manager)))

	ev, err := v.Verify(f.ctx, second)
	require.NoError(t, err)
	require.True(t, ev.Passed)

	live.drift.Store(true)
	ev, err = v.Verify(f.ctx, second)
	require.ErrorIs(t, err, ErrDivergence)
	assert.False(t, ev.Passed)
	assert.Equal(t, DecisionFailClosed, ev.Decision)
	assert.Equal(t, []string{"halt:" + second}, order)

	epochs := f.manager.Epochs()
	require.Len(t, epochs, 3)
	assert.Equal(t, first, epochs[0].ID)
	assert.Equal(t, 50, epochs[0].MutationCount)
	assert.Equal(t, epoch.ReasonMutationLimit, epochs[0].EndReason)

	assert.Equal(t, second, epochs[1].ID)
	assert.Equal(t, epoch.StateClosed, epochs[1].State)
	assert.Equal(t, 12, epochs[1].MutationCount)
	assert.Equal(t, epoch.ReasonReplayDivergence, epochs[1].EndReason)
	require.NotNil(t, epochs[1].EndTS)
	assert.Equal(t, epoch.StateActive, epochs[2].State)

	var endSeq uint64
	for e, err := range f.ledger.Entries(f.ctx) {
		require.NoError(t, err)
		if e.EpochID() != second {
			continue
		}
		if endSeq != 0 {
			t.Fatalf("entry %d (%s) written to %s after its end checkpoint", e.Sequence, e.Type, second)
		}
		if e.Type == ledger.KindEpochCheckpoint {
			c, err := epoch.DecodeCheckpoint(e)
			require.NoError(t, err)
			if c.IsEnd() {
				endSeq = e.Sequence
			}
		}
	}
	require.NotZero(t, endSeq)

	// The closed epoch still replays cleanly against its own end checkpoint.
	diff, err := f.engine().Diff(f.ctx, second)
	require.NoError(t, err)
	assert.False(t, diff.Diverged)
}

const verifierConstitution = `
version: "1.0.0"
immutability_constraints:
  required_rule_keys: [name, severity, validator]
rules:
  - name: signature_present
    severity: blocking
    validator: signature_present
`

func TestStrictDivergenceHaltsPromotion(t *testing.T) {
	f := newFixture(t, wideConfig(), nil)
	live := &driftingLive{m: f.manager}
	engine := NewEngine(f.ledger.Reader, WithLive(live))

	c, err := governance.Parse([]byte(verifierConstitution), nil)
	require.NoError(t, err)
	holder := governance.NewHolder(c, f.ledger, nil)
	policy, err := promotion.Default()
	require.NoError(t, err)

	var m *lifecycle.Machine
	v := NewVerifier(engine, f.manager, ModeStrict,
		WithFailClosedHandler(func(ctx context.Context, ev VerificationEvent) error {
			return HaltHandler(m)(ctx, ev)
		}),
		WithFailClosedHandler(RotateHandler(f.manager)))
	m = lifecycle.NewMachine(f.manager, holder,
		lifecycle.WithInvariants(sandbox.CheckerFunc(func(context.Context, governance.Candidate) (sandbox.Report, error) {
			return sandbox.Report{OK: true, ExitCode: 1, EvidenceHash: "sha256:feed"}, nil
		})),
		lifecycle.WithPromotionPolicy(policy),
		lifecycle.WithReplayGate(v),
		lifecycle.WithCommitHook(v.AfterCommit),
		lifecycle.WithGuardTimeout(5*time.Second),
	)
	require.NoError(t, m.Restore(f.ctx))

	step := func(id string, to lifecycle.State) error {
		fitness := 0.9
		_, err := m.Transition(f.ctx, lifecycle.Request{
			Candidate: governance.Candidate{MutationID: id, AgentID: "agent", ChangeType: "refactor", Signature: "dev-local"},
			To:        to, TrustMode: "dev", Tier: governance.TierSandbox,
			CertRefs:     map[string]string{"certificate_digest": "sha256:abc"},
			FitnessScore: &fitness,
		})
		return err
	}

	require.NoError(t, step("m1", lifecycle.StateStaged))
	require.NoError(t, step("m1", lifecycle.StateCertified))
	require.NoError(t, step("m1", lifecycle.StateExecuting))
	require.Len(t, countKind(t, f, ledger.KindReplayVerification), 1)
	diverged := f.activeID(t)

	live.drift.Store(true)
	require.NoError(t, step("m2", lifecycle.StateStaged))
	require.NoError(t, step("m2", lifecycle.StateCertified))
	err = step("m2", lifecycle.StateExecuting)
	var gf *lifecycle.GuardFailureError
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, lifecycle.ReasonReplayFailClosed, gf.Reason)

	halt := m.Halted()
	assert.True(t, halt.Halted)
	assert.Equal(t, lifecycle.HaltSourceReplay, halt.Source)
	assert.NotEqual(t, diverged, f.activeID(t))
	closed, err := epoch.Find(f.ctx, f.ledger.Reader, diverged)
	require.NoError(t, err)
	assert.Equal(t, epoch.ReasonReplayDivergence, closed.EndReason)

	live.drift.Store(false)
	require.NoError(t, m.Resume(f.ctx, "operator-1", "digest drift investigated"))
	require.NoError(t, step("m2", lifecycle.StateExecuting))
	assert.Equal(t, lifecycle.StateExecuting, m.State("m2"))
}

func TestStrictPreflightIgnoresCommitsRacingTheReplay(t *testing.T) {
	f := newFixture(t, wideConfig(), nil)
	f.transitions(t, 4)
	id := f.activeID(t)
	live := &racingLive{f: f}
	engine := NewEngine(f.ledger.Reader, WithLive(live))

	pre, err := engine.Preflight(f.ctx, ModeStrict, id)
	require.NoError(t, err)
	assert.False(t, pre.HasDivergence, pre.Reason)
	assert.Equal(t, DecisionContinue, pre.Decision)
	assert.NotEmpty(t, pre.ReplayDigest)
	assert.Equal(t, pre.BaselineDigest, pre.ReplayDigest)

	diff, err := engine.Diff(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, diff.Diverged, diff.Reason)
	assert.Equal(t, BaselineLive, diff.Baseline.Source)
}

func TestStrictVerifierUnderConcurrentCommits(t *testing.T) {
	f := newFixture(t, wideConfig(), nil)
	v := NewVerifier(f.engine(), f.manager, ModeStrict, WithEvery(1))

	const workers, perWorker = 8, 40
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				e, _, err := f.manager.Commit(f.ctx, func(epochID string) (ledger.Entry, error) {
					return f.ledger.Append(f.ctx, ledger.KindTransition, lifecycle.Payload{
						MutationID: fmt.Sprintf("w%d-m%02d", w, i), EpochID: epochID,
						FromState: lifecycle.StateProposed, ToState: lifecycle.StateStaged,
						GuardReport: lifecycle.GuardReport{OK: true},
					})
				})
				if err != nil {
					return err
				}
				v.AfterCommit(f.ctx, e)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	events := countKind(t, f, ledger.KindReplayVerification)
	require.Len(t, events, workers*perWorker)
	for _, e := range events {
		var ev VerificationEvent
		require.NoError(t, e.Decode(&ev))
		require.True(t, ev.Passed, "verification at sequence %d failed: %v", e.Sequence, ev.DivergenceReason)
		assert.Equal(t, DecisionContinue, ev.Decision)
	}
	require.NoError(t, f.ledger.VerifyIntegrity(f.ctx))
}
