// Package projection derives read-only views from ledger contents: mutation state,
// epochs with their checkpoint chains, replay diffs, and governance verdict history.
// Every view is recomputed from the ledger on each call; nothing here writes.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
)

// ErrNotFound matches ledger.ErrNotFound for unknown mutations and epochs.
var ErrNotFound = ledger.ErrNotFound

// Service answers projection queries over one ledger.
type Service struct {
	reader *ledger.Reader
	engine *replay.Engine
}

// New returns a projection service. The engine may carry a live source so diffs of the
// active epoch compare against the in-memory digest.
func New(engine *replay.Engine) *Service {
	return &Service{reader: engine.Reader(), engine: engine}
}

// Mutation returns the folded record of one mutation.
func (s *Service) Mutation(ctx context.Context, id string) (lifecycle.Record, error) {
	folder, err := lifecycle.FoldLedger(ctx, s.reader)
	if err != nil {
		return lifecycle.Record{}, err
	}
	rec, ok := folder.Record(id)
	if !ok {
		return lifecycle.Record{}, fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	return rec, nil
}

// Mutations returns every mutation record, sorted by id.
func (s *Service) Mutations(ctx context.Context) ([]lifecycle.Record, error) {
	folder, err := lifecycle.FoldLedger(ctx, s.reader)
	if err != nil {
		return nil, err
	}
	return folder.Records(), nil
}

// Halt reports whether promotion is halted.
func (s *Service) Halt(ctx context.Context) (lifecycle.HaltState, error) {
	folder, err := lifecycle.FoldLedger(ctx, s.reader)
	if err != nil {
		return lifecycle.HaltState{}, err
	}
	return folder.Halt(), nil
}

// Epochs returns every epoch folded from the ledger.
func (s *Service) Epochs(ctx context.Context) ([]epoch.Epoch, error) {
	return epoch.Fold(ctx, s.reader)
}

// EpochView is one epoch with its checkpoints and the state of the global chain.
type EpochView struct {
	Epoch       epoch.Epoch        `json:"epoch"`
	Checkpoints []epoch.Checkpoint `json:"checkpoints"`
	ChainValid  bool               `json:"chain_valid"`
	ChainError  string             `json:"chain_error,omitempty"`
}

// Epoch returns the epoch, its checkpoints and whether the checkpoint chain through it
// verifies.
func (s *Service) Epoch(ctx context.Context, id string) (EpochView, error) {
	ep, err := epoch.Find(ctx, s.reader, id)
	if err != nil {
		return EpochView{}, err
	}
	all, err := epoch.Checkpoints(ctx, s.reader)
	if err != nil {
		return EpochView{}, err
	}
	view := EpochView{Epoch: ep, Checkpoints: []epoch.Checkpoint{}}
	through := len(all)
	for i, c := range all {
		if c.EpochID == id {
			view.Checkpoints = append(view.Checkpoints, c)
			through = i + 1
		}
	}
	view.ChainValid = true
	if err := epoch.VerifyCheckpointChain(all[:through]); err != nil {
		view.ChainValid = false
		view.ChainError = err.Error()
	}
	return view, nil
}

// Replay diffs one epoch against its recorded digests.
func (s *Service) Replay(ctx context.Context, id string) (replay.Diff, error) {
	d, err := s.engine.Diff(ctx, id)
	if errors.Is(err, replay.ErrUnknownEpoch) {
		return replay.Diff{}, fmt.Errorf("%w: epoch %s", ErrNotFound, id)
	}
	return d, err
}

// Verdict is one recorded lifecycle decision with its governance evaluation.
type Verdict struct {
	Sequence   uint64                 `json:"sequence"`
	EpochID    string                 `json:"epoch_id"`
	TS         string                 `json:"ts"`
	MutationID string                 `json:"mutation_id"`
	FromState  lifecycle.State        `json:"from_state"`
	ToState    lifecycle.State        `json:"to_state"`
	Accepted   bool                   `json:"accepted"`
	Reason     string                 `json:"reason,omitempty"`
	Evaluation *governance.Evaluation `json:"evaluation,omitempty"`
}

// VerdictQuery filters verdict history. Zero fields match everything.
type VerdictQuery struct {
	MutationID string
	EpochID    string
	After      *time.Time
	Before     *time.Time
	Limit      int
}

func (q VerdictQuery) match(v Verdict) bool {
	if q.MutationID != "" && v.MutationID != q.MutationID {
		return false
	}
	if q.EpochID != "" && v.EpochID != q.EpochID {
		return false
	}
	if q.After == nil && q.Before == nil {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, v.TS)
	if err != nil {
		return false
	}
	if q.After != nil && !ts.After(*q.After) {
		return false
	}
	if q.Before != nil && !ts.Before(*q.Before) {
		return false
	}
	return true
}

// Verdicts returns lifecycle decisions in ledger order, accepted and rejected alike.
func (s *Service) Verdicts(ctx context.Context, q VerdictQuery) ([]Verdict, error) {
	out := []Verdict{}
	for e, err := range s.reader.Entries(ctx) {
		if err != nil {
			return nil, err
		}
		if !e.Type.IsLifecycle() {
			continue
		}
		var p lifecycle.Payload
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		v := Verdict{
			Sequence:   e.Sequence,
			EpochID:    p.EpochID,
			TS:         e.TS,
			MutationID: p.MutationID,
			FromState:  p.FromState,
			ToState:    p.ToState,
			Accepted:   e.Type == ledger.KindTransition,
			Reason:     p.GuardReport.Reason,
		}
		if g := p.GuardReport.Governance; g != nil {
			v.Evaluation = g.Evaluation
		}
		if !q.match(v) {
			continue
		}
		out = append(out, v)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
