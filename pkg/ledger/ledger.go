// Package ledger implements the append-only evidence ledger.
//
// The ledger is the sole source of truth for mutation lineage, lifecycle transitions,
// epoch checkpoints and replay verification outcomes:
//   - Each entry is hash-chained to its predecessor (zero hash at genesis)
//   - Sequences are contiguous from 0; appends are globally serialized
//   - Payloads are stored in RFC 8785 canonical form
//   - Append-only; no deletions, rewrites or truncation
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
)

// ZeroHash is the prev_hash of the first entry.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is an immutable, hash-chained ledger record.
type Entry struct {
	Sequence uint64          `json:"sequence"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
	TS       string          `json:"ts"`
	Type     EventKind       `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// Time parses the entry timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.TS)
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ledger: decode %s payload at sequence %d: %w", e.Type, e.Sequence, err)
	}
	return nil
}

// EpochID returns the payload's epoch_id, if any.
func (e Entry) EpochID() string {
	return peekPayload(e.Payload).EpochID
}

// Store is a durable backend for ledger entries. Implementations must make Append
// atomic: after a crash the store holds either the previous or the new state.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Scan(ctx context.Context, from uint64) Seq
	Close() error
}

// Ledger is the single writer of its Store.
type Ledger struct {
	*Reader

	mu       sync.Mutex
	provider determinism.Provider
	logger   *slog.Logger
	head     string
	next     uint64
	failed   error
	hooks    []func(Entry)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithAppendHook registers a callback invoked after every durable append.
func WithAppendHook(fn func(Entry)) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, fn) }
}

// Open verifies the existing contents of store and returns a ledger positioned at its head.
// An integrity failure is returned as *IntegrityError; the caller must not proceed.
func Open(ctx context.Context, store Store, provider determinism.Provider, opts ...Option) (*Ledger, error) {
	if provider == nil {
		provider = determinism.NewSystemProvider()
	}
	l := &Ledger{
		Reader:   NewReader(store),
		provider: provider,
		logger:   slog.Default().With("component", "ledger"),
		head:     ZeroHash,
	}
	for _, opt := range opts {
		opt(l)
	}

	head, count, err := verifyChain(ctx, store, 0, false)
	if err != nil {
		return nil, err
	}
	l.head = head
	l.next = count
	l.logger.InfoContext(ctx, "ledger opened", "entries", count, "head", head)
	return l, nil
}

// Append writes a new entry. The timestamp comes from the determinism provider.
// Storage failures are returned as *AppendError and latch: the ledger refuses every
// later append because the evidence chain can no longer be guaranteed.
func (l *Ledger) Append(ctx context.Context, kind EventKind, payload any) (Entry, error) {
	if kind == "" {
		return Entry{}, fmt.Errorf("%w: empty type", ErrInvalidEntry)
	}
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Entry{}, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidEntry)
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		return Entry{}, l.failed
	}

	ts := determinism.FormatTime(l.provider.Now())
	hash, err := computeHash(l.head, ts, kind, raw)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	entry := Entry{
		Sequence: l.next,
		PrevHash: l.head,
		Hash:     hash,
		TS:       ts,
		Type:     kind,
		Payload:  raw,
	}

	if err := l.store.Append(ctx, entry); err != nil {
		appendErr := &AppendError{Sequence: entry.Sequence, Err: err}
		l.failed = appendErr
		l.logger.ErrorContext(ctx, "ledger append failed", "sequence", entry.Sequence, "type", kind, "error", err)
		return Entry{}, appendErr
	}

	l.head = hash
	l.next++
	for _, hook := range l.hooks {
		hook(entry)
	}
	return entry, nil
}

// Head returns the hash of the last entry, or ZeroHash for an empty ledger.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Len returns the number of entries.
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Err returns the latched append failure, if any.
func (l *Ledger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Provider returns the ledger's determinism provider.
func (l *Ledger) Provider() determinism.Provider {
	return l.provider
}

// computeHash returns hex(sha256(prev || canonical({payload, ts, type}))).
func computeHash(prev, ts string, kind EventKind, payload json.RawMessage) (string, error) {
	material, err := canonicalize.JCS(map[string]any{
		"payload": payload,
		"ts":      ts,
		"type":    string(kind),
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(prev) + len(material))
	b.WriteString(prev)
	b.Write(material)
	return canonicalize.HashBytes([]byte(b.String())), nil
}

// verifyEntry checks one entry against its expected position in the chain.
func verifyEntry(seq uint64, prev string, e Entry) error {
	if e.Sequence != seq {
		return &IntegrityError{Sequence: seq, Reason: fmt.Sprintf("sequence %d out of order", e.Sequence)}
	}
	if e.PrevHash != prev {
		return &IntegrityError{Sequence: seq, Reason: "prev_hash does not match predecessor"}
	}
	if !canonicalize.IsCanonical(e.Payload) {
		return &IntegrityError{Sequence: seq, Reason: "payload is not canonical"}
	}
	computed, err := computeHash(e.PrevHash, e.TS, e.Type, e.Payload)
	if err != nil {
		return &IntegrityError{Sequence: seq, Reason: "hash material unreadable", Err: err}
	}
	if computed != e.Hash {
		return &IntegrityError{Sequence: seq, Reason: "hash mismatch"}
	}
	return nil
}

type payloadPeek struct {
	EpochID string `json:"epoch_id"`
	Phase   string `json:"phase"`
}

func peekPayload(raw json.RawMessage) payloadPeek {
	var p payloadPeek
	_ = json.Unmarshal(raw, &p)
	return p
}
