package lifecycle

import (
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/promotion"
)

// Gate is the common part of every guard result.
type Gate struct {
	OK       bool   `json:"ok"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SignatureGate records the trust check.
type SignatureGate struct {
	Gate
	Method string `json:"method"`
	Signer string `json:"signer,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// InvariantGate records the sandbox test run.
type InvariantGate struct {
	Gate
	Reason       string `json:"reason,omitempty"`
	ExitCode     int32  `json:"exit_code"`
	EvidenceHash string `json:"evidence_hash,omitempty"`
}

// GovernanceGate records the constitutional evaluation.
type GovernanceGate struct {
	Gate
	Evaluation *governance.Evaluation `json:"evaluation,omitempty"`
}

// TrustModeGate records trust mode compatibility.
type TrustModeGate struct {
	Gate
	TrustMode string   `json:"trust_mode"`
	Allowed   []string `json:"allowed"`
}

// CertGate records the certificate reference requirement.
type CertGate struct {
	Gate
	Required bool `json:"required"`
}

// FitnessGate records the fitness threshold comparison.
type FitnessGate struct {
	Gate
	Required  bool     `json:"required"`
	Score     *float64 `json:"score"`
	Threshold *float64 `json:"threshold"`
}

// ReplayGateResult records the replay preflight in force at promotion time.
type ReplayGateResult struct {
	Gate
	Mode       string `json:"mode,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Halted     bool   `json:"halted,omitempty"`
	HaltReason string `json:"halt_reason,omitempty"`
}

// PromotionGate records the promotion policy decision.
type PromotionGate struct {
	Gate
	Decision   promotion.Decision `json:"decision"`
	PolicyHash string             `json:"policy_hash,omitempty"`
}

// GuardReport is stored with every lifecycle entry. Gates that an edge does not check
// are omitted.
type GuardReport struct {
	OK                   bool              `json:"ok"`
	Reason               string            `json:"reason,omitempty"`
	DeclaredPredecessors []State           `json:"declared_predecessors,omitempty"`
	Replay               *ReplayGateResult `json:"replay,omitempty"`
	TrustMode            *TrustModeGate    `json:"trust_mode,omitempty"`
	Signature            *SignatureGate    `json:"signature,omitempty"`
	Invariants           *InvariantGate    `json:"invariants,omitempty"`
	Governance           *GovernanceGate   `json:"governance,omitempty"`
	CertRefs             *CertGate         `json:"cert_refs,omitempty"`
	Fitness              *FitnessGate      `json:"fitness,omitempty"`
	Promotion            *PromotionGate    `json:"promotion,omitempty"`
}

// Payload is the body of mutation_lifecycle_transition and mutation_lifecycle_rejected
// entries. Both kinds share it so a rejection replays like an acceptance.
type Payload struct {
	MutationID       string            `json:"mutation_id"`
	AgentID          string            `json:"agent_id"`
	EpochID          string            `json:"epoch_id"`
	FromState        State             `json:"from_state"`
	ToState          State             `json:"to_state"`
	TrustMode        string            `json:"trust_mode"`
	Tier             governance.Tier   `json:"tier"`
	GuardReport      GuardReport       `json:"guard_report"`
	CertRefs         map[string]string `json:"cert_refs"`
	FitnessScore     *float64          `json:"fitness_score"`
	FitnessThreshold *float64          `json:"fitness_threshold"`
	StageTimestamps  map[string]string `json:"stage_timestamps"`
	Metadata         map[string]any    `json:"metadata"`
	TS               string            `json:"ts"`
}

func failedOrTimeout(g Gate, reason string) string {
	if g.TimedOut {
		return ReasonGuardTimeout
	}
	return reason
}

// ReplayReason re-derives the decision of a lifecycle entry from the inputs recorded in
// it. It returns "" for an accepted transition and the rejection reason otherwise. The
// machine decides live transitions with the same function, so replaying a rejection
// reproduces its reason.
func ReplayReason(p Payload) string {
	g, ok := transitions[edge{p.FromState, p.ToState}]
	if !ok {
		return ReasonUndeclaredTransition
	}
	r := p.GuardReport

	if g.replay && (r.Replay == nil || !r.Replay.OK) {
		if r.Replay == nil {
			return ReasonReplayFailClosed
		}
		return failedOrTimeout(r.Replay.Gate, ReasonReplayFailClosed)
	}
	if !trustModeAllowed(p.TrustMode) {
		return ReasonTrustModeIncompatible
	}
	if r.Signature == nil || !r.Signature.OK {
		if r.Signature == nil {
			return ReasonSignatureInvalid
		}
		return failedOrTimeout(r.Signature.Gate, ReasonSignatureInvalid)
	}
	if r.Invariants == nil || !r.Invariants.OK {
		if r.Invariants == nil {
			return ReasonInvariantsFailed
		}
		return failedOrTimeout(r.Invariants.Gate, ReasonInvariantsFailed)
	}
	if g.governance {
		switch {
		case r.Governance == nil || r.Governance.Evaluation == nil:
			if r.Governance != nil && r.Governance.TimedOut {
				return ReasonGuardTimeout
			}
			return ReasonGovernanceBlocking
		case r.Governance.Evaluation.HasBlockingFailure():
			return ReasonGovernanceBlocking
		}
	}
	if g.cert && len(p.CertRefs) == 0 {
		return ReasonCertRefsMissing
	}
	if g.fitness && !fitnessMet(p.FitnessScore, p.FitnessThreshold) {
		return ReasonFitnessBelowThreshold
	}
	if g.promotion && (r.Promotion == nil || !r.Promotion.Decision.Accept) {
		return ReasonPromotionRejected
	}
	return ""
}

func fitnessMet(score, threshold *float64) bool {
	return score != nil && threshold != nil && *score >= *threshold
}
