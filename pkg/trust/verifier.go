package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Mode is the trust mode a transition is requested under.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// ParseMode accepts dev or prod.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	}
	return "", fmt.Errorf("trust: unknown trust mode %q", s)
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeDev || m == ModeProd }

// Verification methods.
const (
	MethodEd25519 = "ed25519"
	MethodDev     = "dev_signature"
	MethodNone    = "none"
)

// Signed is what a signature check is asked about.
type Signed struct {
	Digest    string
	Signature string
	TrustMode Mode
}

// Result is the outcome of a signature check.
type Result struct {
	Valid  bool   `json:"valid"`
	Signer string `json:"signer,omitempty"`
	Method string `json:"method"`
	Reason string `json:"reason,omitempty"`
}

// Verifier checks candidate signatures. Errors are reserved for the check itself
// failing to run; a bad signature is a Result with Valid false.
type Verifier interface {
	VerifySignature(ctx context.Context, s Signed) (Result, error)
}

// Ed25519Verifier verifies ed25519:<key_id>:<hex> signatures against a keyring.
type Ed25519Verifier struct {
	keys *Keyring
}

// NewEd25519Verifier returns a verifier over keys.
func NewEd25519Verifier(keys *Keyring) *Ed25519Verifier {
	if keys == nil {
		keys = NewKeyring()
	}
	return &Ed25519Verifier{keys: keys}
}

func (v *Ed25519Verifier) VerifySignature(ctx context.Context, s Signed) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	sig := strings.TrimSpace(s.Signature)
	switch {
	case sig == "":
		return Result{Method: MethodNone, Reason: "missing_signature"}, nil
	case strings.HasPrefix(sig, DevSignaturePrefix):
		if s.TrustMode != ModeDev {
			return Result{Method: MethodDev, Reason: "dev_signature_requires_dev_mode"}, nil
		}
		return Result{Valid: true, Method: MethodDev, Signer: sig}, nil
	case !strings.HasPrefix(sig, SignaturePrefix):
		return Result{Method: MethodNone, Reason: "unrecognized_signature_format"}, nil
	}

	keyID, sigHex, ok := strings.Cut(strings.TrimPrefix(sig, SignaturePrefix), ":")
	if !ok || keyID == "" {
		return Result{Method: MethodEd25519, Reason: "malformed_signature"}, nil
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return Result{Method: MethodEd25519, Signer: keyID, Reason: "malformed_signature"}, nil
	}
	pub, ok := v.keys.Lookup(keyID)
	if !ok {
		return Result{Method: MethodEd25519, Signer: keyID, Reason: "unknown_key"}, nil
	}
	if !ed25519.Verify(pub, []byte(s.Digest), raw) {
		return Result{Method: MethodEd25519, Signer: keyID, Reason: "invalid_signature"}, nil
	}
	return Result{Valid: true, Method: MethodEd25519, Signer: keyID}, nil
}
