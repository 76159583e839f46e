package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// Halt sources.
const (
	HaltSourceReplay   = "replay"
	HaltSourceOperator = "operator"
)

var ErrNotHalted = errors.New("lifecycle: not halted")

// HaltRecord is the payload of lifecycle_halt and lifecycle_resume entries.
type HaltRecord struct {
	EpochID  string `json:"epoch_id"`
	Source   string `json:"source"`
	Reason   string `json:"reason"`
	Operator string `json:"operator,omitempty"`
	TS       string `json:"ts"`
}

// Halted returns the current halt flag.
func (m *Machine) Halted() HaltState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fold.Halt()
}

// Halt stops forward promotion until an operator resumes. Halting an already halted
// machine records nothing.
func (m *Machine) Halt(ctx context.Context, source, reason string) error {
	if m.Halted().Halted {
		return nil
	}
	entry, err := m.appendHalt(ctx, ledger.KindLifecycleHalt, HaltRecord{Source: source, Reason: reason})
	if err != nil {
		return err
	}
	m.logger.ErrorContext(ctx, "lifecycle halted", "source", source, "reason", reason, "sequence", entry.Sequence)
	return nil
}

// Resume clears a halt. The operator is recorded; resuming is a human decision.
func (m *Machine) Resume(ctx context.Context, operator, reason string) error {
	if operator == "" {
		return fmt.Errorf("%w: resume requires an operator", ErrInvalidRequest)
	}
	if !m.Halted().Halted {
		return ErrNotHalted
	}
	entry, err := m.appendHalt(ctx, ledger.KindLifecycleResume, HaltRecord{
		Source:   HaltSourceOperator,
		Reason:   reason,
		Operator: operator,
	})
	if err != nil {
		return err
	}
	m.logger.WarnContext(ctx, "lifecycle resumed", "operator", operator, "reason", reason, "sequence", entry.Sequence)
	return nil
}

func (m *Machine) appendHalt(ctx context.Context, kind ledger.EventKind, rec HaltRecord) (ledger.Entry, error) {
	if err := m.Err(); err != nil {
		return ledger.Entry{}, err
	}
	ctx = context.WithoutCancel(ctx)
	entry, _, err := m.epochs.Commit(ctx, func(epochID string) (ledger.Entry, error) {
		rec.EpochID = epochID
		rec.TS = determinism.FormatTime(m.provider.Now())
		return m.ledger.Append(ctx, kind, rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAppend) {
			m.mu.Lock()
			if m.failed == nil {
				m.failed = err
			}
			m.mu.Unlock()
		}
		return entry, err
	}
	m.mu.Lock()
	err = m.fold.Apply(entry)
	m.mu.Unlock()
	return entry, err
}
