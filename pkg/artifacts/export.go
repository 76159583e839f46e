package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// IntegrityReport is the result of verifying the exported copy.
type IntegrityReport struct {
	OK             bool    `json:"ok"`
	FailedSequence *uint64 `json:"failed_sequence,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// EpochSummary is one epoch as seen in the exported ledger.
type EpochSummary struct {
	EpochID          string      `json:"epoch_id"`
	State            epoch.State `json:"state"`
	MutationCount    int         `json:"mutation_count"`
	CumulativeDigest string      `json:"cumulative_digest"`
}

// Manifest describes an exported ledger snapshot. It is itself a governed artifact
// of kind ledger_snapshot.
type Manifest struct {
	SchemaVersion string          `json:"schema_version"`
	Kind          Kind            `json:"kind"`
	LedgerDigest  string          `json:"ledger_digest"`
	Entries       uint64          `json:"entries"`
	HeadHash      string          `json:"head_hash"`
	CreatedAt     string          `json:"created_at"`
	Integrity     IntegrityReport `json:"integrity"`
	Epochs        []EpochSummary  `json:"epochs,omitempty"`
}

// ExportResult locates an export in the archive.
type ExportResult struct {
	ManifestDigest string
	Manifest       Manifest
}

// Exporter copies the ledger into an archive.
type Exporter struct {
	archive Archive
	clock   determinism.Provider
	logger  *slog.Logger
}

// NewExporter returns an exporter writing to archive. A nil clock uses system time.
func NewExporter(archive Archive, clock determinism.Provider, logger *slog.Logger) *Exporter {
	if clock == nil {
		clock = determinism.NewSystemProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{archive: archive, clock: clock, logger: logger.With("component", "artifacts")}
}

// Export snapshots the ledger behind r, archives the snapshot and a manifest, and
// returns the manifest digest. A ledger that fails verification is still exported;
// the manifest records where the chain broke.
func (x *Exporter) Export(ctx context.Context, r *ledger.Reader) (ExportResult, error) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return ExportResult{}, fmt.Errorf("artifacts: snapshot ledger: %w", err)
	}
	ledgerDigest, err := x.archive.Put(ctx, snapshot)
	if err != nil {
		return ExportResult{}, err
	}

	m := Manifest{
		SchemaVersion: SchemaVersion,
		Kind:          KindLedgerSnapshot,
		LedgerDigest:  ledgerDigest,
		HeadHash:      ledger.ZeroHash,
		CreatedAt:     determinism.FormatTime(x.clock.Now()),
		Integrity:     IntegrityReport{OK: true},
	}
	for e, err := range r.Entries(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return ExportResult{}, ctx.Err()
			}
			continue
		}
		m.Entries++
		m.HeadHash = e.Hash
	}
	if err := r.VerifyIntegrity(ctx); err != nil {
		m.Integrity.OK = false
		m.Integrity.Reason = err.Error()
		var integrityErr *ledger.IntegrityError
		if errors.As(err, &integrityErr) {
			seq := integrityErr.Sequence
			m.Integrity.FailedSequence = &seq
			m.Integrity.Reason = integrityErr.Reason
		}
	}
	if epochs, err := epoch.Fold(ctx, r); err == nil {
		for _, ep := range epochs {
			m.Epochs = append(m.Epochs, EpochSummary{
				EpochID:          ep.ID,
				State:            ep.State,
				MutationCount:    ep.MutationCount,
				CumulativeDigest: ep.CumulativeDigest,
			})
		}
	} else {
		x.logger.WarnContext(ctx, "epochs omitted from export manifest", "error", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return ExportResult{}, fmt.Errorf("artifacts: encode manifest: %w", err)
	}
	if err := Validate(KindLedgerSnapshot, raw); err != nil {
		return ExportResult{}, err
	}
	manifestDigest, err := x.archive.Put(ctx, raw)
	if err != nil {
		return ExportResult{}, err
	}
	x.logger.InfoContext(ctx, "ledger exported",
		"manifest", manifestDigest,
		"ledger", ledgerDigest,
		"entries", m.Entries,
		"integrity_ok", m.Integrity.OK,
	)
	return ExportResult{ManifestDigest: manifestDigest, Manifest: m}, nil
}

// LoadManifest reads and validates a manifest from the archive.
func LoadManifest(ctx context.Context, a Archive, digest string) (Manifest, error) {
	raw, err := a.Get(ctx, digest)
	if err != nil {
		return Manifest{}, err
	}
	if err := Validate(KindLedgerSnapshot, raw); err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	return m, nil
}
