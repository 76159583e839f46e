package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// ErrVersionNotIncreasing rejects a reload that does not advance the version.
var ErrVersionNotIncreasing = errors.New("governance: constitution version must increase")

// Appender is the ledger write surface governance needs.
type Appender interface {
	Append(ctx context.Context, kind ledger.EventKind, payload any) (ledger.Entry, error)
}

// Amendment is the payload of a constitutional_amendment entry.
type Amendment struct {
	OldVersion    string `json:"old_version"`
	NewVersion    string `json:"new_version"`
	OldPolicyHash string `json:"old_policy_hash"`
	NewPolicyHash string `json:"new_policy_hash"`
}

// Holder publishes the active constitution. Readers get an immutable snapshot; a
// reload swaps the pointer only after the amendment is in the ledger.
type Holder struct {
	mu      sync.Mutex
	current atomic.Pointer[Constitution]
	ledger  Appender
	logger  *slog.Logger
}

// NewHolder wraps the constitution loaded at boot.
func NewHolder(initial *Constitution, l Appender, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default().With("component", "governance")
	}
	h := &Holder{ledger: l, logger: logger}
	h.current.Store(initial)
	return h
}

// Current returns the active constitution.
func (h *Holder) Current() *Constitution {
	return h.current.Load()
}

// Reload installs next if its version is strictly greater than the active one.
func (h *Holder) Reload(ctx context.Context, next *Constitution) (ledger.Entry, error) {
	if next == nil {
		return ledger.Entry{}, fmt.Errorf("%w: nil constitution", ErrInvalidConstitution)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.current.Load()
	if !next.SemVer().GreaterThan(prev.SemVer()) {
		return ledger.Entry{}, fmt.Errorf("%w: %s is not greater than %s",
			ErrVersionNotIncreasing, next.Version(), prev.Version())
	}
	entry, err := h.ledger.Append(ctx, ledger.KindConstitutionAmended, Amendment{
		OldVersion:    prev.Version(),
		NewVersion:    next.Version(),
		OldPolicyHash: prev.PolicyHash(),
		NewPolicyHash: next.PolicyHash(),
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	h.current.Store(next)
	h.logger.InfoContext(ctx, "constitution amended",
		"old_version", prev.Version(), "new_version", next.Version(), "sequence", entry.Sequence)
	return entry, nil
}
