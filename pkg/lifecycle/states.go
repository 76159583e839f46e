// Package lifecycle enforces the mutation lifecycle. Every transition attempt, accepted
// or rejected, is appended to the ledger through the epoch manager; the state of a
// mutation is always derived from those entries.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
)

// State is a lifecycle state.
type State string

const (
	StateProposed  State = "proposed"
	StateStaged    State = "staged"
	StateCertified State = "certified"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StatePruned    State = "pruned"
)

// States lists every state in lifecycle order.
var States = []State{StateProposed, StateStaged, StateCertified, StateExecuting, StateCompleted, StatePruned}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return slices.Contains(States, s) }

// Rejection reasons, in precedence order after undeclared_transition.
const (
	ReasonUndeclaredTransition  = "undeclared_transition"
	ReasonReplayFailClosed      = "replay_fail_closed"
	ReasonTrustModeIncompatible = "trust_mode_incompatible"
	ReasonSignatureInvalid      = "signature_invalid"
	ReasonInvariantsFailed      = "invariants_failed"
	ReasonGovernanceBlocking    = "governance_blocking_failure"
	ReasonCertRefsMissing       = "cert_refs_missing"
	ReasonFitnessBelowThreshold = "fitness_below_threshold"
	ReasonPromotionRejected     = "promotion_policy_rejected"
	ReasonGuardTimeout          = "guard_timeout"
)

type edge struct {
	from, to State
}

// gates lists what an edge checks beyond signature, invariants and trust mode, which
// every edge checks.
type gates struct {
	governance bool
	cert       bool
	fitness    bool
	replay     bool
	promotion  bool
}

var transitions = map[edge]gates{
	{StateProposed, StateStaged}:     {governance: true},
	{StateStaged, StateCertified}:    {governance: true, cert: true},
	{StateCertified, StateExecuting}: {governance: true, cert: true, fitness: true, replay: true, promotion: true},
	{StateExecuting, StateCompleted}: {governance: true, cert: true},
	{StateCompleted, StatePruned}:    {},
}

// Legal reports whether from→to is a declared transition.
func Legal(from, to State) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// DeclaredPredecessors returns the states with a declared edge into to, sorted.
func DeclaredPredecessors(to State) []State {
	var out []State
	for e := range transitions {
		if e.to == to {
			out = append(out, e.from)
		}
	}
	slices.Sort(out)
	if out == nil {
		out = []State{}
	}
	return out
}

var (
	ErrIllegalTransition = errors.New("lifecycle: illegal transition")
	ErrGuardFailure      = errors.New("lifecycle: guard failure")
	ErrInvalidRequest    = errors.New("lifecycle: invalid request")
)

// IllegalTransitionError reports a request for an undeclared edge. The rejection is
// already in the ledger when it is returned.
type IllegalTransitionError struct {
	MutationID string
	From, To   State
	Sequence   uint64
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: %s: undeclared_transition:%s->%s", e.MutationID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// GuardFailureError reports a failed guard. The rejection is already in the ledger
// when it is returned.
type GuardFailureError struct {
	MutationID string
	From, To   State
	Reason     string
	Sequence   uint64
}

func (e *GuardFailureError) Error() string {
	return fmt.Sprintf("lifecycle: %s: guard_failed:%s->%s: %s", e.MutationID, e.From, e.To, e.Reason)
}

func (e *GuardFailureError) Is(target error) bool { return target == ErrGuardFailure }
