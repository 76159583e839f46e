// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// for deterministic hashing of ledger payloads, epoch bundles and governance envelopes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix marks prefixed digests ("sha256:<hex>").
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Values are marshaled with encoding/json first so struct tags are honored, then
// transformed: object keys sorted by UTF-16 code units, numbers in ES6 form, no HTML
// escaping, no insignificant whitespace.
func JCS(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
		}
		raw = b
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// IsCanonical reports whether raw is already in canonical form.
func IsCanonical(raw []byte) bool {
	out, err := jcs.Transform(raw)
	if err != nil {
		return false
	}
	return string(out) == string(raw)
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashPrefixed is CanonicalHash with the "sha256:" prefix.
func HashPrefixed(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + h, nil
}

// HashPrefix returns the first n hex characters of the canonical hash of v.
func HashPrefix(v any, n int) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	if n > 0 && n < len(h) {
		h = h[:n]
	}
	return h, nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ChainDigest folds next into prev: "sha256:" + hex(sha256(prev || next)).
func ChainDigest(prev, next string) string {
	return DigestPrefix + HashBytes([]byte(prev+next))
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
