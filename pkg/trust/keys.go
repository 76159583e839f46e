package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
)

// SignaturePrefix starts every verifiable signature: ed25519:<key_id>:<hex>.
const SignaturePrefix = "ed25519:"

// DevSignaturePrefix marks a development placeholder signature.
const DevSignaturePrefix = "dev-"

// Keyring holds the trusted public keys by key id.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// Add trusts pub under keyID.
func (k *Keyring) Add(keyID string, pub ed25519.PublicKey) error {
	if keyID == "" || strings.Contains(keyID, ":") {
		return fmt.Errorf("trust: invalid key id %q", keyID)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("trust: key %s has invalid size %d", keyID, len(pub))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
	return nil
}

// Lookup returns the key trusted under keyID.
func (k *Keyring) Lookup(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	return pub, ok
}

// Len returns the number of trusted keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// ParseKeyring reads "id=hex,id2=hex" as produced for ADAAD_TRUSTED_KEYS.
func ParseKeyring(spec string) (*Keyring, error) {
	k := NewKeyring()
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, hexKey, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("trust: key entry %q must be id=hex", part)
		}
		pub, err := hex.DecodeString(strings.TrimSpace(hexKey))
		if err != nil {
			return nil, fmt.Errorf("trust: key %s: invalid public key hex: %w", id, err)
		}
		if err := k.Add(strings.TrimSpace(id), pub); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Signer signs candidate digests with one ed25519 key.
type Signer struct {
	KeyID string
	priv  ed25519.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(keyID string, priv ed25519.PrivateKey) *Signer {
	return &Signer{KeyID: keyID, priv: priv}
}

// DeriveSigner derives a deterministic key for keyID from seed using HKDF-SHA256.
func DeriveSigner(seed []byte, keyID string) (*Signer, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("trust: derivation seed must not be empty")
	}
	if keyID == "" {
		return nil, fmt.Errorf("trust: keyID must not be empty")
	}
	reader := hkdf.New(sha256.New, seed, []byte("adaad-signer"), []byte(keyID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("trust: HKDF derivation failed: %w", err)
	}
	return NewSigner(keyID, ed25519.NewKeyFromSeed(derived)), nil
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign returns the signature string for a digest.
func (s *Signer) Sign(digest string) string {
	sig := ed25519.Sign(s.priv, []byte(digest))
	return SignaturePrefix + s.KeyID + ":" + hex.EncodeToString(sig)
}

// SignCandidate returns c with its signature set.
func (s *Signer) SignCandidate(c governance.Candidate) (governance.Candidate, error) {
	digest, err := SigningDigest(c)
	if err != nil {
		return c, err
	}
	c.Signature = s.Sign(digest)
	return c, nil
}

// SigningDigest is the digest a candidate signature covers: the canonical candidate
// without its signature.
func SigningDigest(c governance.Candidate) (string, error) {
	c.Signature = ""
	return canonicalize.HashPrefixed(c)
}
