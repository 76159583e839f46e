package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/promotion"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/sandbox"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

// DefaultGuardTimeout bounds a guard when the caller sets no shorter deadline.
const DefaultGuardTimeout = 30 * time.Second

var allowedTrustModes = []string{string(trust.ModeDev), string(trust.ModeProd)}

func trustModeAllowed(mode string) bool {
	return mode == string(trust.ModeDev) || mode == string(trust.ModeProd)
}

// ConstitutionSource yields the constitution in force. *governance.Holder satisfies it.
type ConstitutionSource interface {
	Current() *governance.Constitution
}

// GateDecision is the replay engine's verdict on promoting in the active epoch.
type GateDecision struct {
	Open     bool
	Mode     string
	Decision string
	Reason   string
}

// ReplayGate is consulted before certified→executing.
type ReplayGate interface {
	PromotionGate(ctx context.Context, epochID string) (GateDecision, error)
}

// Observer receives guard and transition outcomes, typically for metrics.
type Observer interface {
	GuardFinished(ctx context.Context, guard string, d time.Duration, ok bool)
	TransitionRecorded(ctx context.Context, from, to State, accepted bool, reason string)
}

// Request asks for one transition of one mutation. The current state is never taken
// from the caller: it is derived from the ledger.
type Request struct {
	MutationID        string
	Candidate         governance.Candidate
	To                State
	TrustMode         string
	Tier              governance.Tier
	CertRefs          map[string]string
	FitnessScore      *float64
	FitnessThreshold  *float64
	RiskScore         float64
	BlockedConditions []string
	Metadata          map[string]any
}

// DeriveMutationID returns the candidate's id, or "payload-" plus the first 16 hex
// characters of its canonical hash. Derived ids are not unique across identical
// candidates.
func DeriveMutationID(c governance.Candidate) (string, error) {
	if c.MutationID != "" {
		return c.MutationID, nil
	}
	h, err := canonicalize.HashPrefix(c, 16)
	if err != nil {
		return "", fmt.Errorf("%w: candidate is not canonicalizable: %v", ErrInvalidRequest, err)
	}
	return "payload-" + h, nil
}

// Machine runs guarded transitions. Transitions of different mutations proceed in
// parallel; transitions of one mutation are serialized.
type Machine struct {
	epochs       *epoch.Manager
	ledger       *ledger.Ledger
	provider     determinism.Provider
	constitution ConstitutionSource
	verifier     trust.Verifier
	invariants   sandbox.Checker
	policy       *promotion.Policy
	replay       ReplayGate
	observer     Observer
	hooks        []func(context.Context, ledger.Entry)
	logger       *slog.Logger
	guardTimeout time.Duration
	trustMode    string

	locks keyedMutex

	mu     sync.RWMutex
	fold   *Folder
	failed error
}

// Option configures a Machine.
type Option func(*Machine)

func WithVerifier(v trust.Verifier) Option { return func(m *Machine) { m.verifier = v } }

func WithInvariants(c sandbox.Checker) Option { return func(m *Machine) { m.invariants = c } }

func WithPromotionPolicy(p *promotion.Policy) Option { return func(m *Machine) { m.policy = p } }

func WithReplayGate(g ReplayGate) Option { return func(m *Machine) { m.replay = g } }

func WithObserver(o Observer) Option { return func(m *Machine) { m.observer = o } }

// WithCommitHook registers fn to run after every lifecycle entry is committed, outside
// the epoch lock.
func WithCommitHook(fn func(ctx context.Context, e ledger.Entry)) Option {
	return func(m *Machine) { m.hooks = append(m.hooks, fn) }
}

func WithGuardTimeout(d time.Duration) Option { return func(m *Machine) { m.guardTimeout = d } }

// WithDefaultTrustMode sets the trust mode used when a request names none.
func WithDefaultTrustMode(mode trust.Mode) Option {
	return func(m *Machine) { m.trustMode = string(mode) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine builds a machine committing through epochs. Without an invariant checker
// or promotion policy the corresponding guards fail closed. Call Restore before use.
func NewMachine(epochs *epoch.Manager, constitution ConstitutionSource, opts ...Option) *Machine {
	m := &Machine{
		epochs:       epochs,
		ledger:       epochs.Ledger(),
		provider:     epochs.Ledger().Provider(),
		constitution: constitution,
		verifier:     trust.NewEd25519Verifier(nil),
		logger:       slog.Default().With("component", "lifecycle"),
		guardTimeout: DefaultGuardTimeout,
		trustMode:    string(trust.ModeProd),
		fold:         NewFolder(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore rebuilds records and the halt flag from the ledger.
func (m *Machine) Restore(ctx context.Context) error {
	f, err := FoldLedger(ctx, m.ledger.Reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.fold = f
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "lifecycle restored", "mutations", len(f.records), "halted", f.halt.Halted)
	return nil
}

// Err returns the latched append failure, if any.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed
}

// Record returns the derived record of a mutation.
func (m *Machine) Record(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fold.Record(id)
}

// State returns the derived state of a mutation; unknown mutations are proposed.
func (m *Machine) State(id string) State {
	if rec, ok := m.Record(id); ok {
		return rec.State
	}
	return StateProposed
}

// Records returns every record.
func (m *Machine) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fold.Records()
}

// Transition attempts one edge and returns the resulting state. Rejections are appended
// before *IllegalTransitionError or *GuardFailureError is returned. Ledger failures
// are returned as is and latch the machine.
func (m *Machine) Transition(ctx context.Context, req Request) (State, error) {
	if err := m.Err(); err != nil {
		return "", err
	}
	if err := validateRequest(req); err != nil {
		return "", err
	}
	id := req.MutationID
	if id == "" {
		derived, err := DeriveMutationID(req.Candidate)
		if err != nil {
			return "", err
		}
		id = derived
	}
	unlock := m.locks.lock(id)
	defer unlock()

	rec, known := m.Record(id)
	from := StateProposed
	if known {
		from = rec.State
	}
	p := m.basePayload(id, from, req, rec, known)

	if !Legal(from, req.To) {
		p.GuardReport = GuardReport{
			Reason:               ReasonUndeclaredTransition,
			DeclaredPredecessors: DeclaredPredecessors(req.To),
		}
		entry, err := m.commit(ctx, ledger.KindRejected, p)
		if err != nil {
			return from, err
		}
		m.logger.WarnContext(ctx, "illegal transition rejected",
			"mutation_id", id, "from", from, "to", req.To, "sequence", entry.Sequence)
		return from, &IllegalTransitionError{MutationID: id, From: from, To: req.To, Sequence: entry.Sequence}
	}

	p.GuardReport = m.runGuards(ctx, transitions[edge{from, req.To}], req, p)
	reason := ReplayReason(p)
	p.GuardReport.OK = reason == ""
	p.GuardReport.Reason = reason

	if reason != "" {
		entry, err := m.commit(ctx, ledger.KindRejected, p)
		if err != nil {
			return from, err
		}
		m.logger.WarnContext(ctx, "transition rejected",
			"mutation_id", id, "from", from, "to", req.To, "reason", reason, "sequence", entry.Sequence)
		return from, &GuardFailureError{MutationID: id, From: from, To: req.To, Reason: reason, Sequence: entry.Sequence}
	}
	entry, err := m.commit(ctx, ledger.KindTransition, p)
	if err != nil {
		return from, err
	}
	m.logger.InfoContext(ctx, "transition accepted",
		"mutation_id", id, "from", from, "to", req.To, "epoch_id", entry.EpochID(), "sequence", entry.Sequence)
	return req.To, nil
}

// validateRequest rejects requests whose recorded fields could not be canonicalized.
// Such a request never becomes an attempt, so nothing is appended for it.
func validateRequest(req Request) error {
	if !req.To.Valid() {
		return fmt.Errorf("%w: unknown target state %q", ErrInvalidRequest, req.To)
	}
	for name, v := range map[string]*float64{
		"fitness_score":     req.FitnessScore,
		"fitness_threshold": req.FitnessThreshold,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidRequest, name)
		}
	}
	if math.IsNaN(req.RiskScore) || math.IsInf(req.RiskScore, 0) {
		return fmt.Errorf("%w: risk_score is not finite", ErrInvalidRequest)
	}
	if len(req.Metadata) > 0 {
		if _, err := canonicalize.JCS(req.Metadata); err != nil {
			return fmt.Errorf("%w: metadata is not canonicalizable: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

func (m *Machine) basePayload(id string, from State, req Request, rec Record, known bool) Payload {
	mode := strings.ToLower(strings.TrimSpace(req.TrustMode))
	if mode == "" {
		mode = m.trustMode
	}
	p := Payload{
		MutationID:       id,
		AgentID:          req.Candidate.AgentID,
		FromState:        from,
		ToState:          req.To,
		TrustMode:        mode,
		Tier:             req.Tier,
		CertRefs:         maps.Clone(req.CertRefs),
		FitnessScore:     req.FitnessScore,
		FitnessThreshold: req.FitnessThreshold,
		Metadata:         maps.Clone(req.Metadata),
	}
	if known {
		if p.AgentID == "" {
			p.AgentID = rec.AgentID
		}
		if p.CertRefs == nil {
			p.CertRefs = maps.Clone(rec.CertRefs)
		}
		if p.FitnessScore == nil {
			p.FitnessScore = rec.FitnessScore
		}
		if p.FitnessThreshold == nil {
			p.FitnessThreshold = rec.FitnessThreshold
		}
		if p.Metadata == nil {
			p.Metadata = maps.Clone(rec.Metadata)
		}
		p.StageTimestamps = maps.Clone(rec.StageTimestamps)
	}
	if p.FitnessThreshold == nil && m.policy != nil {
		threshold := m.policy.FitnessThreshold
		p.FitnessThreshold = &threshold
	}
	if p.CertRefs == nil {
		p.CertRefs = map[string]string{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if p.StageTimestamps == nil {
		p.StageTimestamps = map[string]string{string(StateProposed): determinism.FormatTime(m.provider.Now())}
	}
	return p
}

// commit appends p through the epoch manager. The caller's cancellation does not stop
// the append: an attempt that ran its guards is always recorded.
func (m *Machine) commit(ctx context.Context, kind ledger.EventKind, p Payload) (ledger.Entry, error) {
	ctx = context.WithoutCancel(ctx)
	accepted := kind == ledger.KindTransition
	entry, _, err := m.epochs.Commit(ctx, func(epochID string) (ledger.Entry, error) {
		ts := determinism.FormatTime(m.provider.Now())
		p.EpochID = epochID
		p.TS = ts
		if accepted {
			p.StageTimestamps[string(p.ToState)] = ts
		}
		return m.ledger.Append(ctx, kind, p)
	})
	if entry.Hash != "" {
		m.mu.Lock()
		m.fold.applyPayload(p, accepted, entry.Sequence)
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.TransitionRecorded(ctx, p.FromState, p.ToState, accepted, p.GuardReport.Reason)
		}
	}
	if err != nil {
		if errors.Is(err, ledger.ErrAppend) {
			m.mu.Lock()
			if m.failed == nil {
				m.failed = err
			}
			m.mu.Unlock()
			m.logger.ErrorContext(ctx, "lifecycle append failed; refusing further transitions", "error", err)
		}
		return entry, err
	}
	for _, hook := range m.hooks {
		hook(ctx, entry)
	}
	return entry, nil
}

// await runs fn and waits for it or for ctx. A guard that outlives ctx is abandoned and
// reported as timed out.
func await[T any](ctx context.Context, fn func(context.Context) T) (T, bool) {
	ch := make(chan T, 1)
	go func() { ch <- fn(ctx) }()
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

func timedOut(ctx context.Context) Gate {
	return Gate{TimedOut: true, Error: context.Cause(ctx).Error()}
}

// runGuards runs every guard the edge needs and joins them. Each goroutine writes a
// distinct report field; Wait orders those writes before the report is read.
func (m *Machine) runGuards(ctx context.Context, g gates, req Request, p Payload) GuardReport {
	guardCtx, cancel := context.WithTimeout(ctx, m.guardTimeout)
	defer cancel()

	report := GuardReport{
		TrustMode: &TrustModeGate{
			Gate:      Gate{OK: trustModeAllowed(p.TrustMode)},
			TrustMode: p.TrustMode,
			Allowed:   allowedTrustModes,
		},
	}
	if g.cert {
		report.CertRefs = &CertGate{Gate: Gate{OK: len(p.CertRefs) > 0}, Required: true}
	}
	if g.fitness {
		report.Fitness = &FitnessGate{
			Gate:      Gate{OK: fitnessMet(p.FitnessScore, p.FitnessThreshold)},
			Required:  true,
			Score:     p.FitnessScore,
			Threshold: p.FitnessThreshold,
		}
	}

	var eg errgroup.Group
	eg.Go(func() error {
		start := time.Now()
		gate, ok := await(guardCtx, func(ctx context.Context) SignatureGate {
			return m.checkSignature(ctx, req.Candidate, p.TrustMode)
		})
		if !ok {
			gate = SignatureGate{Gate: timedOut(guardCtx), Method: trust.MethodNone}
		}
		report.Signature = &gate
		m.observeGuard(ctx, "signature", start, gate.OK)
		return nil
	})
	eg.Go(func() error {
		start := time.Now()
		gate, ok := await(guardCtx, func(ctx context.Context) InvariantGate {
			return m.checkInvariants(ctx, req.Candidate)
		})
		if !ok {
			gate = InvariantGate{Gate: timedOut(guardCtx)}
		}
		report.Invariants = &gate
		m.observeGuard(ctx, "invariants", start, gate.OK)
		return nil
	})
	if g.governance {
		eg.Go(func() error {
			start := time.Now()
			gate, ok := await(guardCtx, func(context.Context) GovernanceGate {
				return m.checkGovernance(req.Candidate, req.Tier)
			})
			if !ok {
				gate = GovernanceGate{Gate: timedOut(guardCtx)}
			}
			report.Governance = &gate
			m.observeGuard(ctx, "governance", start, gate.OK)
			return nil
		})
	}
	if g.replay {
		eg.Go(func() error {
			start := time.Now()
			gate, ok := await(guardCtx, m.checkReplay)
			if !ok {
				gate = ReplayGateResult{Gate: timedOut(guardCtx)}
			}
			report.Replay = &gate
			m.observeGuard(ctx, "replay", start, gate.OK)
			return nil
		})
	}
	_ = eg.Wait()

	if g.promotion {
		gate := m.checkPromotion(p, req, report.Governance)
		report.Promotion = &gate
	}
	return report
}

func (m *Machine) observeGuard(ctx context.Context, name string, start time.Time, ok bool) {
	if m.observer != nil {
		m.observer.GuardFinished(ctx, name, time.Since(start), ok)
	}
}

func (m *Machine) checkSignature(ctx context.Context, c governance.Candidate, mode string) SignatureGate {
	digest, err := trust.SigningDigest(c)
	if err != nil {
		return SignatureGate{Gate: Gate{Error: err.Error()}, Method: trust.MethodNone}
	}
	res, err := m.verifier.VerifySignature(ctx, trust.Signed{
		Digest:    digest,
		Signature: c.Signature,
		TrustMode: trust.Mode(mode),
	})
	if err != nil {
		if ctx.Err() != nil {
			return SignatureGate{Gate: timedOut(ctx), Method: trust.MethodNone}
		}
		return SignatureGate{Gate: Gate{Error: err.Error()}, Method: res.Method}
	}
	return SignatureGate{Gate: Gate{OK: res.Valid}, Method: res.Method, Signer: res.Signer, Reason: res.Reason}
}

func (m *Machine) checkInvariants(ctx context.Context, c governance.Candidate) InvariantGate {
	if m.invariants == nil {
		return InvariantGate{Reason: "no_invariant_checker"}
	}
	rep, err := m.invariants.Check(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return InvariantGate{Gate: timedOut(ctx)}
		}
		return InvariantGate{Gate: Gate{Error: err.Error()}, Reason: "invariant_check_error"}
	}
	return InvariantGate{Gate: Gate{OK: rep.OK}, Reason: rep.Reason, ExitCode: rep.ExitCode, EvidenceHash: rep.EvidenceHash}
}

func (m *Machine) checkGovernance(c governance.Candidate, tier governance.Tier) GovernanceGate {
	var constitution *governance.Constitution
	if m.constitution != nil {
		constitution = m.constitution.Current()
	}
	if constitution == nil {
		return GovernanceGate{Gate: Gate{Error: "no constitution loaded"}}
	}
	ev := constitution.Evaluate(c, tier)
	return GovernanceGate{Gate: Gate{OK: !ev.HasBlockingFailure()}, Evaluation: &ev}
}

func (m *Machine) checkReplay(ctx context.Context) ReplayGateResult {
	if h := m.Halted(); h.Halted {
		return ReplayGateResult{Halted: true, HaltReason: h.Reason, Reason: ReasonReplayFailClosed}
	}
	if m.replay == nil {
		return ReplayGateResult{Gate: Gate{OK: true}, Mode: "off", Decision: "skip"}
	}
	var epochID string
	if active, ok := m.epochs.Active(); ok {
		epochID = active.ID
	}
	d, err := m.replay.PromotionGate(ctx, epochID)
	if err != nil {
		return ReplayGateResult{Gate: Gate{Error: err.Error()}, Mode: d.Mode, Decision: d.Decision, Reason: d.Reason}
	}
	return ReplayGateResult{Gate: Gate{OK: d.Open}, Mode: d.Mode, Decision: d.Decision, Reason: d.Reason}
}

func (m *Machine) checkPromotion(p Payload, req Request, gov *GovernanceGate) PromotionGate {
	if m.policy == nil {
		return PromotionGate{Decision: promotion.Decision{Reason: promotion.ReasonPolicyRejected}}
	}
	blocking := gov == nil || gov.Evaluation == nil || gov.Evaluation.HasBlockingFailure()
	in := promotion.Input{
		MutationID:         p.MutationID,
		FromState:          string(p.FromState),
		FitnessScore:       p.FitnessScore,
		FitnessThreshold:   p.FitnessThreshold,
		GovernanceBlocking: blocking,
		RiskScore:          req.RiskScore,
		RiskTier:           req.Tier.String(),
		BlockedConditions:  req.BlockedConditions,
	}
	if bits := req.Candidate.Metrics.EntropyBits; bits != nil {
		in.EntropyBits = *bits
	}
	d := promotion.Decide(in, m.policy)
	return PromotionGate{Gate: Gate{OK: d.Accept}, Decision: d, PolicyHash: m.policy.Hash()}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
