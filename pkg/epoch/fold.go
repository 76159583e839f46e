package epoch

import (
	"context"
	"fmt"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// StartRecord is the payload of an epoch_start entry.
type StartRecord struct {
	EpochID         string             `json:"epoch_id"`
	StartTS         string             `json:"start_ts"`
	Reason          string             `json:"reason"`
	PreviousEpochID string             `json:"previous_epoch_id"`
	Provider        determinism.Params `json:"provider"`
}

// folder rebuilds epoch state from ledger entries in order.
type folder struct {
	epochs          []Epoch
	active          *Epoch
	lastCheckpoint  string
	sinceCheckpoint int
}

func newFolder() *folder {
	return &folder{lastCheckpoint: GenesisDigest}
}

func (f *folder) apply(e ledger.Entry) error {
	switch {
	case e.Type == ledger.KindEpochStart:
		var start StartRecord
		if err := e.Decode(&start); err != nil {
			return err
		}
		if f.active != nil {
			return fmt.Errorf("%w: epoch %s started at sequence %d while %s is active",
				ErrHistory, start.EpochID, e.Sequence, f.active.ID)
		}
		ts, err := time.Parse(time.RFC3339Nano, start.StartTS)
		if err != nil {
			return fmt.Errorf("%w: epoch %s start_ts: %v", ErrHistory, start.EpochID, err)
		}
		f.active = &Epoch{
			ID:               start.EpochID,
			StartTS:          ts,
			CumulativeDigest: GenesisDigest,
			CheckpointRefs:   []string{},
			State:            StateActive,
			PreviousEpochID:  start.PreviousEpochID,
			StartReason:      start.Reason,
			Provider:         start.Provider,
			StartSequence:    e.Sequence,
			LastSequence:     e.Sequence,
		}
		f.sinceCheckpoint = 0

	case e.Type.IsBundle():
		id := e.EpochID()
		if f.active == nil || f.active.ID != id {
			return fmt.Errorf("%w: bundle entry %d names epoch %q which is not active",
				ErrHistory, e.Sequence, id)
		}
		bundle, err := BundleDigest(e)
		if err != nil {
			return err
		}
		f.active.CumulativeDigest = FoldDigest(f.active.CumulativeDigest, bundle)
		f.active.MutationCount++
		f.active.LastSequence = e.Sequence
		f.sinceCheckpoint++

	case e.Type == ledger.KindEpochCheckpoint:
		c, err := DecodeCheckpoint(e)
		if err != nil {
			return err
		}
		if f.active == nil || f.active.ID != c.EpochID {
			return fmt.Errorf("%w: checkpoint %s at sequence %d names inactive epoch %q",
				ErrHistory, c.CheckpointID, e.Sequence, c.EpochID)
		}
		f.lastCheckpoint = c.CheckpointHash
		f.sinceCheckpoint = 0
		f.active.CheckpointRefs = append(f.active.CheckpointRefs, c.CheckpointID)
		f.active.LastSequence = e.Sequence
		if c.IsEnd() {
			end, err := time.Parse(time.RFC3339Nano, c.EndTS)
			if err != nil {
				return fmt.Errorf("%w: checkpoint %s end_ts: %v", ErrHistory, c.CheckpointID, err)
			}
			f.active.EndTS = &end
			f.active.EndReason = c.Reason
			f.active.State = StateClosed
			f.epochs = append(f.epochs, *f.active)
			f.active = nil
		}
	}
	return nil
}

// all returns closed epochs followed by the active one, if any.
func (f *folder) all() []Epoch {
	out := make([]Epoch, 0, len(f.epochs)+1)
	for _, e := range f.epochs {
		out = append(out, e.clone())
	}
	if f.active != nil {
		out = append(out, f.active.clone())
	}
	return out
}

func (f *folder) lastClosedID() string {
	if len(f.epochs) == 0 {
		return ""
	}
	return f.epochs[len(f.epochs)-1].ID
}

// Fold reconstructs every epoch recorded in the ledger, in order of their start.
func Fold(ctx context.Context, r *ledger.Reader) ([]Epoch, error) {
	f := newFolder()
	for e, err := range r.Entries(ctx) {
		if err != nil {
			return nil, err
		}
		if err := f.apply(e); err != nil {
			return nil, err
		}
	}
	return f.all(), nil
}

// Find returns the epoch with the given id.
func Find(ctx context.Context, r *ledger.Reader, epochID string) (Epoch, error) {
	epochs, err := Fold(ctx, r)
	if err != nil {
		return Epoch{}, err
	}
	for _, e := range epochs {
		if e.ID == epochID {
			return e, nil
		}
	}
	return Epoch{}, fmt.Errorf("%w: epoch %s", ledger.ErrNotFound, epochID)
}
