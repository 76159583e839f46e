package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/promotion"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/sandbox"
)

const testConstitution = `
version: "1.0.0"
immutability_constraints:
  required_rule_keys: [name, severity, validator]
rules:
  - name: signature_present
    severity: blocking
    validator: signature_present
  - name: no_forbidden_changes
    severity: blocking
    validator: cel
    params:
      expression: 'change_type != "forbidden"'
`

var passInvariants = sandbox.CheckerFunc(func(context.Context, governance.Candidate) (sandbox.Report, error) {
	return sandbox.Report{OK: true, ExitCode: 1, EvidenceHash: "sha256:feed"}, nil
})

type fixture struct {
	ctx    context.Context
	store  *ledger.MemoryStore
	ledger *ledger.Ledger
	epochs *epoch.Manager
	holder *governance.Holder
	policy *promotion.Policy
	m      *Machine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: ledger.NewMemoryStore()}
	provider := determinism.NewSeededProvider("lifecycle-test").WithTick(time.Second)

	var err error
	f.ledger, err = ledger.Open(f.ctx, f.store, provider)
	require.NoError(t, err)
	f.epochs = epoch.NewManager(f.ledger, provider, epoch.DefaultConfig())
	_, err = f.epochs.Restore(f.ctx)
	require.NoError(t, err)

	c, err := governance.Parse([]byte(testConstitution), nil)
	require.NoError(t, err)
	f.holder = governance.NewHolder(c, f.ledger, nil)
	f.policy, err = promotion.Default()
	require.NoError(t, err)

	base := []Option{WithInvariants(passInvariants), WithPromotionPolicy(f.policy)}
	f.m = NewMachine(f.epochs, f.holder, append(base, opts...)...)
	require.NoError(t, f.m.Restore(f.ctx))
	return f
}

func candidate(id string) governance.Candidate {
	return governance.Candidate{MutationID: id, AgentID: "agent-a", ChangeType: "refactor", Signature: "dev-local"}
}

func score(v float64) *float64 { return &v }

func (f *fixture) request(id string, to State) Request {
	return Request{Candidate: candidate(id), To: to, TrustMode: "dev", Tier: governance.TierSandbox}
}

func (f *fixture) payloadAt(t *testing.T, seq uint64) (ledger.Entry, Payload) {
	t.Helper()
	e, err := f.ledger.Get(f.ctx, seq)
	require.NoError(t, err)
	var p Payload
	require.NoError(t, e.Decode(&p))
	return e, p
}

func requireGuardFailure(t *testing.T, err error, reason string) *GuardFailureError {
	t.Helper()
	require.ErrorIs(t, err, ErrGuardFailure)
	var gf *GuardFailureError
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, reason, gf.Reason)
	return gf
}

func TestScenarioCertRefsMissing(t *testing.T) {
	f := newFixture(t)

	state, err := f.m.Transition(f.ctx, f.request("m1", StateStaged))
	require.NoError(t, err)
	assert.Equal(t, StateStaged, state)

	state, err = f.m.Transition(f.ctx, f.request("m1", StateCertified))
	gf := requireGuardFailure(t, err, ReasonCertRefsMissing)
	assert.Equal(t, StateStaged, state)
	assert.Equal(t, StateStaged, f.m.State("m1"))

	e, p := f.payloadAt(t, gf.Sequence)
	assert.Equal(t, ledger.KindRejected, e.Type)
	assert.Equal(t, StateStaged, p.FromState)
	assert.Equal(t, StateCertified, p.ToState)
	assert.False(t, p.GuardReport.OK)
	require.NotNil(t, p.GuardReport.CertRefs)
	assert.True(t, p.GuardReport.CertRefs.Required)
	assert.Contains(t, p.StageTimestamps, "staged")
	assert.NotContains(t, p.StageTimestamps, "certified")
}

func TestScenarioFitnessResubmission(t *testing.T) {
	f := newFixture(t)
	certs := map[string]string{"certificate_digest": "sha256:abc"}

	_, err := f.m.Transition(f.ctx, f.request("m2", StateStaged))
	require.NoError(t, err)
	req := f.request("m2", StateCertified)
	req.CertRefs = certs
	_, err = f.m.Transition(f.ctx, req)
	require.NoError(t, err)

	req = f.request("m2", StateExecuting)
	req.FitnessScore = score(0.65)
	req.FitnessThreshold = score(0.70)
	state, err := f.m.Transition(f.ctx, req)
	requireGuardFailure(t, err, ReasonFitnessBelowThreshold)
	assert.Equal(t, StateCertified, state)

	req.FitnessScore = score(0.75)
	state, err = f.m.Transition(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, state)

	rec, ok := f.m.Record("m2")
	require.True(t, ok)
	assert.Equal(t, StateExecuting, rec.State)
	assert.Equal(t, 1, rec.Rejections)
	assert.Equal(t, 4, rec.Attempts)
	require.NotNil(t, rec.GuardReport.Promotion)
	assert.True(t, rec.GuardReport.Promotion.Decision.Accept)
	assert.Equal(t, f.policy.Hash(), rec.GuardReport.Promotion.PolicyHash)
}

// advance walks id along the legal path to target.
func (f *fixture) advance(t *testing.T, id string, target State) {
	t.Helper()
	for _, s := range States[1:] {
		if f.m.State(id) == target {
			return
		}
		req := f.request(id, s)
		req.CertRefs = map[string]string{"certificate_digest": "sha256:abc"}
		req.FitnessScore = score(0.9)
		_, err := f.m.Transition(f.ctx, req)
		require.NoError(t, err)
	}
	require.Equal(t, target, f.m.State(id))
}

func TestTransitionLegalityAllPairs(t *testing.T) {
	f := newFixture(t)
	for _, from := range States {
		for _, to := range States {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				id := fmt.Sprintf("pair-%s-%s", from, to)
				f.advance(t, id, from)

				req := f.request(id, to)
				req.CertRefs = map[string]string{"certificate_digest": "sha256:abc"}
				req.FitnessScore = score(0.9)
				state, err := f.m.Transition(f.ctx, req)

				if Legal(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, state)
					rec, _ := f.m.Record(id)
					e, _ := f.payloadAt(t, rec.LastSequence)
					assert.Equal(t, ledger.KindTransition, e.Type)
					return
				}
				require.ErrorIs(t, err, ErrIllegalTransition)
				var ie *IllegalTransitionError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, from, state)
				assert.Equal(t, from, f.m.State(id))

				e, p := f.payloadAt(t, ie.Sequence)
				assert.Equal(t, ledger.KindRejected, e.Type)
				assert.Equal(t, ReasonUndeclaredTransition, p.GuardReport.Reason)
				assert.Equal(t, DeclaredPredecessors(to), p.GuardReport.DeclaredPredecessors)
			})
		}
	}
	require.NoError(t, f.ledger.VerifyIntegrity(f.ctx))
}

func TestDeclaredPredecessors(t *testing.T) {
	assert.Equal(t, []State{StateProposed}, DeclaredPredecessors(StateStaged))
	assert.Equal(t, []State{StateCompleted}, DeclaredPredecessors(StatePruned))
	assert.Empty(t, DeclaredPredecessors(StateProposed))
}

func TestGuardPrecedence(t *testing.T) {
	t.Run("trust mode before signature", func(t *testing.T) {
		f := newFixture(t)
		req := f.request("m", StateStaged)
		req.TrustMode = "staging"
		req.Candidate.Signature = ""
		_, err := f.m.Transition(f.ctx, req)
		requireGuardFailure(t, err, ReasonTrustModeIncompatible)
	})
	t.Run("dev signature outside dev mode", func(t *testing.T) {
		f := newFixture(t)
		req := f.request("m", StateStaged)
		req.TrustMode = "prod"
		_, err := f.m.Transition(f.ctx, req)
		requireGuardFailure(t, err, ReasonSignatureInvalid)
	})
	t.Run("default trust mode is prod", func(t *testing.T) {
		f := newFixture(t)
		req := f.request("m", StateStaged)
		req.TrustMode = ""
		_, err := f.m.Transition(f.ctx, req)
		requireGuardFailure(t, err, ReasonSignatureInvalid)
	})
	t.Run("invariants", func(t *testing.T) {
		f := newFixture(t, WithInvariants(sandbox.CheckerFunc(
			func(context.Context, governance.Candidate) (sandbox.Report, error) {
				return sandbox.Report{Reason: "tests_failed", EvidenceHash: "sha256:aa"}, nil
			})))
		_, err := f.m.Transition(f.ctx, f.request("m", StateStaged))
		requireGuardFailure(t, err, ReasonInvariantsFailed)
	})
	t.Run("missing invariant checker fails closed", func(t *testing.T) {
		f := newFixture(t, WithInvariants(nil))
		_, err := f.m.Transition(f.ctx, f.request("m", StateStaged))
		requireGuardFailure(t, err, ReasonInvariantsFailed)
	})
	t.Run("governance", func(t *testing.T) {
		f := newFixture(t)
		req := f.request("m", StateStaged)
		req.Candidate.ChangeType = "forbidden"
		_, err := f.m.Transition(f.ctx, req)
		gf := requireGuardFailure(t, err, ReasonGovernanceBlocking)
		_, p := f.payloadAt(t, gf.Sequence)
		require.NotNil(t, p.GuardReport.Governance.Evaluation)
		assert.Equal(t, []string{"no_forbidden_changes"}, p.GuardReport.Governance.Evaluation.BlockingFailures)
	})
	t.Run("promotion policy", func(t *testing.T) {
		f := newFixture(t)
		f.advance(t, "m", StateCertified)
		req := f.request("m", StateExecuting)
		req.FitnessScore = score(0.9)
		req.BlockedConditions = []string{"rollback_pending"}
		_, err := f.m.Transition(f.ctx, req)
		gf := requireGuardFailure(t, err, ReasonPromotionRejected)
		_, p := f.payloadAt(t, gf.Sequence)
		assert.Equal(t, "reject_blocked_conditions", p.GuardReport.Promotion.Decision.Rule)
	})
}

type blockingChecker struct{}

func (blockingChecker) Check(context.Context, governance.Candidate) (sandbox.Report, error) {
	time.Sleep(500 * time.Millisecond)
	return sandbox.Report{OK: true, EvidenceHash: "sha256:late"}, nil
}

func TestGuardTimeout(t *testing.T) {
	f := newFixture(t, WithInvariants(blockingChecker{}), WithGuardTimeout(20*time.Millisecond))
	_, err := f.m.Transition(f.ctx, f.request("m", StateStaged))
	gf := requireGuardFailure(t, err, ReasonGuardTimeout)
	_, p := f.payloadAt(t, gf.Sequence)
	assert.True(t, p.GuardReport.Invariants.TimedOut)
	assert.True(t, p.GuardReport.Signature.OK)
}

type stubGate struct {
	decision GateDecision
	calls    int
}

func (s *stubGate) PromotionGate(context.Context, string) (GateDecision, error) {
	s.calls++
	return s.decision, nil
}

func TestReplayGateFailClosed(t *testing.T) {
	gate := &stubGate{decision: GateDecision{Mode: "strict", Decision: "fail_closed", Reason: "digest_mismatch"}}
	f := newFixture(t, WithReplayGate(gate))
	f.advance(t, "m", StateCertified)

	req := f.request("m", StateExecuting)
	req.FitnessScore = score(0.1)
	_, err := f.m.Transition(f.ctx, req)
	gf := requireGuardFailure(t, err, ReasonReplayFailClosed)
	_, p := f.payloadAt(t, gf.Sequence)
	assert.Equal(t, "fail_closed", p.GuardReport.Replay.Decision)
	assert.Equal(t, 1, gate.calls)

	gate.decision = GateDecision{Open: true, Mode: "strict", Decision: "continue"}
	req.FitnessScore = score(0.9)
	state, err := f.m.Transition(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, state)
}

func TestHaltBlocksPromotionUntilResume(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "m", StateCertified)
	require.NoError(t, f.m.Halt(f.ctx, HaltSourceReplay, "replay_divergence"))
	require.NoError(t, f.m.Halt(f.ctx, HaltSourceReplay, "again"))
	assert.True(t, f.m.Halted().Halted)
	assert.Equal(t, "replay_divergence", f.m.Halted().Reason)

	req := f.request("m", StateExecuting)
	req.FitnessScore = score(0.9)
	_, err := f.m.Transition(f.ctx, req)
	gf := requireGuardFailure(t, err, ReasonReplayFailClosed)
	_, p := f.payloadAt(t, gf.Sequence)
	assert.True(t, p.GuardReport.Replay.Halted)

	_, err = f.m.Transition(f.ctx, f.request("other", StateStaged))
	require.NoError(t, err)

	require.ErrorIs(t, f.m.Resume(f.ctx, "", "ok"), ErrInvalidRequest)
	require.NoError(t, f.m.Resume(f.ctx, "alice", "reviewed divergence"))
	require.ErrorIs(t, f.m.Resume(f.ctx, "alice", "twice"), ErrNotHalted)

	_, err = f.m.Transition(f.ctx, req)
	require.NoError(t, err)
}

func TestRestoreRebuildsRecordsAndHalt(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "m", StateCertified)
	require.NoError(t, f.m.Halt(f.ctx, HaltSourceOperator, "maintenance"))

	again := NewMachine(f.epochs, f.holder)
	require.NoError(t, again.Restore(f.ctx))
	assert.Equal(t, StateCertified, again.State("m"))
	assert.True(t, again.Halted().Halted)

	live, restored := f.m.Records(), again.Records()
	require.Len(t, restored, len(live))
	for i := range live {
		assert.Equal(t, live[i].State, restored[i].State)
		assert.Equal(t, live[i].Attempts, restored[i].Attempts)
		assert.Equal(t, live[i].LastSequence, restored[i].LastSequence)
		assert.Equal(t, live[i].StageTimestamps, restored[i].StageTimestamps)
	}
}

func TestAppendFailureLatches(t *testing.T) {
	f := newFixture(t)
	f.store.FailWith(errors.New("disk full"))

	_, err := f.m.Transition(f.ctx, f.request("m", StateStaged))
	require.ErrorIs(t, err, ledger.ErrAppend)
	f.store.FailWith(nil)
	_, err = f.m.Transition(f.ctx, f.request("m", StateStaged))
	require.ErrorIs(t, err, ledger.ErrAppend)
	require.ErrorIs(t, f.m.Halt(f.ctx, HaltSourceOperator, "x"), ledger.ErrAppend)
}

func TestReplayReasonReproducesRecordedDecisions(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "ok", StatePruned)
	_, _ = f.m.Transition(f.ctx, f.request("ok", StateStaged))
	_, _ = f.m.Transition(f.ctx, f.request("nocert", StateStaged))
	_, _ = f.m.Transition(f.ctx, f.request("nocert", StateCertified))
	bad := f.request("bad", StateStaged)
	bad.TrustMode = "prod"
	_, _ = f.m.Transition(f.ctx, bad)

	var rejected int
	for e, err := range f.ledger.Entries(f.ctx) {
		require.NoError(t, err)
		if !e.Type.IsLifecycle() {
			continue
		}
		var p Payload
		require.NoError(t, e.Decode(&p))
		assert.Equal(t, p.GuardReport.Reason, ReplayReason(p), "sequence %d", e.Sequence)
		if e.Type == ledger.KindRejected {
			rejected++
		}
	}
	assert.Equal(t, 3, rejected)
}

func TestDeriveMutationID(t *testing.T) {
	c := candidate("")
	a, err := DeriveMutationID(c)
	require.NoError(t, err)
	b, err := DeriveMutationID(c)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^payload-[0-9a-f]{16}$`, a)

	f := newFixture(t)
	_, err = f.m.Transition(f.ctx, Request{Candidate: c, To: StateStaged, TrustMode: "dev"})
	require.NoError(t, err)
	assert.Equal(t, StateStaged, f.m.State(a))

	_, err = f.m.Transition(f.ctx, Request{Candidate: c, To: "launched"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNonCanonicalRequestRejectedBeforeGuards(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "m-nan", StateCertified)
	before := f.ledger.Len()

	nan, inf := math.NaN(), math.Inf(1)
	cases := map[string]func(*Request){
		"nan fitness":       func(r *Request) { r.FitnessScore = &nan },
		"infinite fitness":  func(r *Request) { r.FitnessScore = &inf },
		"nan threshold":     func(r *Request) { r.FitnessScore = score(0.9); r.FitnessThreshold = &nan },
		"infinite risk":     func(r *Request) { r.FitnessScore = score(0.9); r.RiskScore = math.Inf(-1) },
		"unencodable value": func(r *Request) { r.FitnessScore = score(0.9); r.Metadata = map[string]any{"ch": make(chan int)} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := f.request("m-nan", StateExecuting)
			req.CertRefs = map[string]string{"certificate_digest": "sha256:abc"}
			mutate(&req)
			state, err := f.m.Transition(f.ctx, req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, state)
			assert.Equal(t, before, f.ledger.Len())
			assert.NoError(t, f.m.Err())
		})
	}

	req := f.request("m-nan", StateExecuting)
	req.CertRefs = map[string]string{"certificate_digest": "sha256:abc"}
	req.FitnessScore = score(0.9)
	state, err := f.m.Transition(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, state)
}

func TestConcurrentTransitions(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := range 24 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Transition(f.ctx, f.request(fmt.Sprintf("c%02d", i), StateStaged))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, f.ledger.VerifyIntegrity(f.ctx))
	assert.Len(t, f.m.Records(), 24)

	var bundles int
	for _, ep := range f.epochs.Epochs() {
		bundles += ep.MutationCount
	}
	assert.Equal(t, 24, bundles)
}
