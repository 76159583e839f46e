package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
)

type replayReport struct {
	EpochID   string                 `json:"epoch_id"`
	Preflight replay.PreflightResult `json:"preflight"`
	Diff      *replay.Diff           `json:"diff,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// runReplayCmd implements `adaad replay`. It replays one epoch (the latest by default)
// from the ledger and compares it with the digests recorded while it ran.
//
// Exit codes: 0 = replay matched, 1 = divergence or fail-closed, 2 = runtime error.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf       ledgerFlags
		epochID  string
		modeStr  string
		forensic bool
	)
	lf.register(cmd)
	cmd.StringVar(&epochID, "epoch", "", "Epoch to replay (default: latest)")
	cmd.StringVar(&modeStr, "mode", "", "Replay mode: audit or strict (default from ADAAD_REPLAY_MODE)")
	cmd.BoolVar(&forensic, "forensic", false, "Compute the digest without chain verification (never a verdict)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	mode := cfg.ReplayMode
	if modeStr != "" {
		if mode, err = replay.ParseMode(modeStr); err != nil {
			return fail(stderr, "%v", err)
		}
	}
	if !mode.ShouldVerify() {
		mode = replay.ModeAudit
	}

	ctx := context.Background()
	r, closeFn, err := openReader(ctx, cfg.Ledger)
	if err != nil {
		return fail(stderr, "open ledger: %v", err)
	}
	defer closeFn()
	engine := replay.NewEngine(r, replay.WithLogger(cliLogger(cfg, stderr)))

	if forensic {
		if epochID == "" {
			return fail(stderr, "forensic replay needs -epoch")
		}
		d := engine.ComputeEpochDigestUnverified(ctx, epochID)
		if lf.json {
			_ = printJSON(stdout, d)
		} else {
			_, _ = fmt.Fprintf(stdout, "FORENSIC  epoch %s digest %s (%d bundles, %d skipped)\n",
				d.EpochID, d.Digest, d.MutationCount, d.Skipped)
		}
		return exitOK
	}

	if epochID == "" {
		epochs, err := epoch.Fold(ctx, r)
		switch {
		case errors.Is(err, ledger.ErrIntegrity):
			_, _ = fmt.Fprintf(stdout, "FAIL  %v\n", err)
			return exitFailed
		case err != nil:
			return fail(stderr, "%v", err)
		case len(epochs) == 0:
			return fail(stderr, "ledger has no epochs")
		}
		epochID = epochs[len(epochs)-1].ID
	}

	report := replayReport{EpochID: epochID}
	report.Preflight, err = engine.Preflight(ctx, mode, epochID)
	if errors.Is(err, replay.ErrUnknownEpoch) {
		return fail(stderr, "%v", err)
	}
	if err != nil {
		return fail(stderr, "preflight: %v", err)
	}
	diff, err := engine.Diff(ctx, epochID)
	switch {
	case errors.Is(err, ledger.ErrIntegrity):
		report.Error = err.Error()
	case err != nil:
		return fail(stderr, "diff: %v", err)
	default:
		report.Diff = &diff
	}

	failed := report.Preflight.HasDivergence ||
		report.Preflight.Decision == replay.DecisionFailClosed ||
		report.Diff == nil || report.Diff.Diverged
	if lf.json {
		if err := printJSON(stdout, report); err != nil {
			return fail(stderr, "%v", err)
		}
	} else {
		printReplayReport(stdout, report, failed)
	}
	if failed {
		return exitFailed
	}
	return exitOK
}

func printReplayReport(w io.Writer, r replayReport, failed bool) {
	status := "PASS"
	if failed {
		status = "FAIL"
	}
	p := r.Preflight
	_, _ = fmt.Fprintf(w, "%s  epoch %s mode %s decision %s", status, r.EpochID, p.Mode, p.Decision)
	if p.Reason != "" {
		_, _ = fmt.Fprintf(w, " (%s)", p.Reason)
	}
	_, _ = fmt.Fprintln(w)
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "      %s\n", r.Error)
		return
	}
	if r.Diff == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "      baseline %s (%s, %d bundles)\n", r.Diff.Baseline.Digest, r.Diff.Baseline.Source, r.Diff.Baseline.MutationCount)
	_, _ = fmt.Fprintf(w, "      replayed %s\n", r.Diff.Replayed)
	for _, c := range r.Diff.Checkpoints {
		mark := "ok"
		if !c.Match {
			mark = "MISMATCH"
		}
		_, _ = fmt.Fprintf(w, "      checkpoint %s seq %d after %d: %s\n", c.CheckpointID, c.Sequence, c.MutationCount, mark)
	}
	for _, rj := range r.Diff.Rejections {
		if !rj.Match {
			_, _ = fmt.Fprintf(w, "      rejection seq %d %s: recorded %q replayed %q\n", rj.Sequence, rj.MutationID, rj.Recorded, rj.Replayed)
		}
	}
}
