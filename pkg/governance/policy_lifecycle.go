package governance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// ErrPolicyLifecycle rejects malformed or out-of-order policy artifact transitions.
var ErrPolicyLifecycle = errors.New("governance: policy lifecycle violation")

// PolicyState is the stage of a governance policy artifact.
type PolicyState string

const (
	PolicyAuthoring      PolicyState = "authoring"
	PolicyReviewApproved PolicyState = "review-approved"
	PolicySigned         PolicyState = "signed"
	PolicyDeployed       PolicyState = "deployed"
)

var nextPolicyState = map[PolicyState]PolicyState{
	PolicyAuthoring:      PolicyReviewApproved,
	PolicyReviewApproved: PolicySigned,
	PolicySigned:         PolicyDeployed,
}

// TransitionProof binds a transition to the artifact and the previous transition.
type TransitionProof struct {
	ArtifactDigest         string         `json:"artifact_digest"`
	PreviousTransitionHash string         `json:"previous_transition_hash"`
	Evidence               map[string]any `json:"evidence"`
}

// PolicyTransition is the payload of a policy_lifecycle_transition entry.
type PolicyTransition struct {
	ArtifactDigest string          `json:"artifact_digest"`
	FromState      PolicyState     `json:"from_state"`
	ToState        PolicyState     `json:"to_state"`
	Proof          TransitionProof `json:"proof"`
	TransitionHash string          `json:"transition_hash"`
}

// TransitionDigest hashes a transition without its own hash.
func TransitionDigest(artifactDigest string, from, to PolicyState, proof TransitionProof) (string, error) {
	return canonicalize.HashPrefixed(map[string]any{
		"artifact_digest": artifactDigest,
		"from_state":      from,
		"to_state":        to,
		"proof":           proof,
	})
}

// PolicyLifecycle records policy artifact promotions in the ledger.
type PolicyLifecycle struct {
	ledger Appender
}

// NewPolicyLifecycle returns a lifecycle writing to l.
func NewPolicyLifecycle(l Appender) *PolicyLifecycle {
	return &PolicyLifecycle{ledger: l}
}

// ApplyTransition validates and records one forward step.
func (p *PolicyLifecycle) ApplyTransition(ctx context.Context, artifactDigest string, from, to PolicyState, proof TransitionProof) (PolicyTransition, error) {
	expected, ok := nextPolicyState[from]
	if !ok || expected != to {
		return PolicyTransition{}, fmt.Errorf("%w: %q -> %q", ErrPolicyLifecycle, from, to)
	}
	if err := requirePrefixedHash(artifactDigest, "artifact_digest"); err != nil {
		return PolicyTransition{}, err
	}
	if err := requirePrefixedHash(proof.ArtifactDigest, "proof.artifact_digest"); err != nil {
		return PolicyTransition{}, err
	}
	if err := requirePrefixedHash(proof.PreviousTransitionHash, "proof.previous_transition_hash"); err != nil {
		return PolicyTransition{}, err
	}
	if proof.ArtifactDigest != artifactDigest {
		return PolicyTransition{}, fmt.Errorf("%w: proof.artifact_digest does not match artifact_digest", ErrPolicyLifecycle)
	}
	if len(proof.Evidence) == 0 {
		return PolicyTransition{}, fmt.Errorf("%w: proof.evidence must be non-empty", ErrPolicyLifecycle)
	}

	hash, err := TransitionDigest(artifactDigest, from, to, proof)
	if err != nil {
		return PolicyTransition{}, fmt.Errorf("%w: %v", ErrPolicyLifecycle, err)
	}
	t := PolicyTransition{
		ArtifactDigest: artifactDigest,
		FromState:      from,
		ToState:        to,
		Proof:          proof,
		TransitionHash: hash,
	}
	if _, err := p.ledger.Append(ctx, ledger.KindPolicyLifecycle, t); err != nil {
		return PolicyTransition{}, err
	}
	return t, nil
}

func requirePrefixedHash(v, field string) error {
	hexPart, ok := strings.CutPrefix(v, canonicalize.DigestPrefix)
	if !ok || len(hexPart) != 64 {
		return fmt.Errorf("%w: %s must be a sha256-prefixed digest", ErrPolicyLifecycle, field)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%w: %s is not hex", ErrPolicyLifecycle, field)
	}
	return nil
}
