// Package determinism is the single seam for time and randomness.
//
// Every timestamp and identifier the governance core produces comes from a Provider:
//   - SeededProvider is replay-safe: fixed base time, HMAC-SHA256 derived ids
//   - SystemProvider uses the wall clock and random UUIDs and is flagged non-deterministic
//
// Strict replay contexts refuse non-deterministic providers (RequireReplaySafe).
package determinism

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNonDeterministic is returned when a strict context receives a non-replay-safe provider.
var ErrNonDeterministic = errors.New("determinism: provider is not replay-safe")

// DefaultBaseTime is the fixed clock of seeded providers.
var DefaultBaseTime = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// Kind names a provider implementation in recorded parameters.
type Kind string

const (
	KindSystem Kind = "system"
	KindSeeded Kind = "seeded"
)

// Params are the recorded provider parameters written into epoch_start entries so a
// replay can tell how the original run produced its time and ids.
type Params struct {
	Kind          Kind   `json:"kind"`
	Deterministic bool   `json:"deterministic"`
	SeedDigest    string `json:"seed_digest,omitempty"`
	BaseTime      string `json:"base_time,omitempty"`
	Tick          string `json:"tick,omitempty"`
}

// Provider supplies clock ticks and identifiers.
type Provider interface {
	Now() time.Time
	NextID(label string) string
	NextToken(label string, length int) string
	Deterministic() bool
	Params() Params
}

// SystemProvider is the production wall-clock provider.
type SystemProvider struct{}

// NewSystemProvider returns the wall-clock provider.
func NewSystemProvider() SystemProvider { return SystemProvider{} }

func (SystemProvider) Now() time.Time { return time.Now().UTC() }

func (SystemProvider) NextID(label string) string {
	if label == "" {
		return uuid.NewString()
	}
	return label + "-" + uuid.NewString()
}

func (SystemProvider) NextToken(_ string, length int) string {
	return truncate(strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""), length)
}

func (SystemProvider) Deterministic() bool { return false }

func (SystemProvider) Params() Params {
	return Params{Kind: KindSystem, Deterministic: false}
}

// SeededProvider derives every value from a seed and a monotonically increasing counter,
// so the same sequence of calls yields the same values.
type SeededProvider struct {
	mu      sync.Mutex
	seed    []byte
	base    time.Time
	tick    time.Duration
	ticks   int64
	counter uint64
}

// NewSeededProvider creates a deterministic provider with the default base time and no tick.
func NewSeededProvider(seed string) *SeededProvider {
	return &SeededProvider{seed: []byte(seed), base: DefaultBaseTime}
}

// WithBaseTime overrides the fixed clock origin.
func (p *SeededProvider) WithBaseTime(t time.Time) *SeededProvider {
	p.base = t.UTC()
	return p
}

// WithTick advances the clock by d on every Now call.
func (p *SeededProvider) WithTick(d time.Duration) *SeededProvider {
	p.tick = d
	return p
}

func (p *SeededProvider) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.base.Add(time.Duration(p.ticks) * p.tick)
	if p.tick > 0 {
		p.ticks++
	}
	return now
}

func (p *SeededProvider) NextID(label string) string {
	token := p.NextToken(label, 32)
	if label == "" {
		return token
	}
	return label + "-" + token
}

func (p *SeededProvider) NextToken(label string, length int) string {
	p.mu.Lock()
	counter := p.counter
	p.counter++
	p.mu.Unlock()

	mac := hmac.New(sha256.New, p.seed)
	mac.Write([]byte(label))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac.Write(buf[:])
	return truncate(hex.EncodeToString(mac.Sum(nil)), length)
}

func (p *SeededProvider) Deterministic() bool { return true }

func (p *SeededProvider) Params() Params {
	sum := sha256.Sum256(p.seed)
	params := Params{
		Kind:          KindSeeded,
		Deterministic: true,
		SeedDigest:    "sha256:" + hex.EncodeToString(sum[:]),
		BaseTime:      p.base.Format(time.RFC3339Nano),
	}
	if p.tick > 0 {
		params.Tick = p.tick.String()
	}
	return params
}

// FromSeed returns a seeded provider, or the system provider when seed is empty.
func FromSeed(seed string) Provider {
	if seed == "" {
		return NewSystemProvider()
	}
	return NewSeededProvider(seed)
}

// RequireReplaySafe fails when strict is set and p is not deterministic.
func RequireReplaySafe(p Provider, strict bool) error {
	if p == nil {
		return fmt.Errorf("%w: nil provider", ErrNonDeterministic)
	}
	if strict && !p.Deterministic() {
		return fmt.Errorf("%w: kind=%s", ErrNonDeterministic, p.Params().Kind)
	}
	return nil
}

// FormatTime renders t the way ledger entries store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func truncate(s string, n int) string {
	if n > 0 && n < len(s) {
		return s[:n]
	}
	return s
}
