package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/projection"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
)

// openProjection opens a read-only projection over the configured ledger.
func openProjection(ctx context.Context, lf *ledgerFlags, stderr io.Writer) (*projection.Service, func(), int) {
	cfg, err := lf.config()
	if err != nil {
		return nil, nil, fail(stderr, "%v", err)
	}
	r, closeFn, err := openReader(ctx, cfg.Ledger)
	if err != nil {
		return nil, nil, fail(stderr, "open ledger: %v", err)
	}
	return projection.New(replay.NewEngine(r, replay.WithLogger(cliLogger(cfg, stderr)))), closeFn, exitOK
}

// runStateCmd implements `adaad state`: the derived lifecycle state of one mutation,
// or of all of them, and the halt flag.
func runStateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("state", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf         ledgerFlags
		mutationID string
		verdicts   bool
	)
	lf.register(cmd)
	cmd.StringVar(&mutationID, "mutation", "", "Mutation id (default: all mutations)")
	cmd.BoolVar(&verdicts, "verdicts", false, "With -mutation, list every recorded decision")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	svc, closeFn, code := openProjection(ctx, &lf, stderr)
	if code != exitOK {
		return code
	}
	defer closeFn()

	if mutationID == "" {
		records, err := svc.Mutations(ctx)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		halt, err := svc.Halt(ctx)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if lf.json {
			_ = printJSON(stdout, map[string]any{"halt": halt, "mutations": records})
			return exitOK
		}
		printHalt(stdout, halt)
		for _, rec := range records {
			printRecord(stdout, rec)
		}
		return exitOK
	}

	if verdicts {
		list, err := svc.Verdicts(ctx, projection.VerdictQuery{MutationID: mutationID})
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if len(list) == 0 {
			return fail(stderr, "no verdicts for mutation %s", mutationID)
		}
		if lf.json {
			_ = printJSON(stdout, list)
			return exitOK
		}
		for _, v := range list {
			verdict := "accepted"
			if !v.Accepted {
				verdict = "rejected: " + v.Reason
			}
			_, _ = fmt.Fprintf(stdout, "%6d  %s  %s -> %s  %s\n", v.Sequence, v.TS, v.FromState, v.ToState, verdict)
		}
		return exitOK
	}

	rec, err := svc.Mutation(ctx, mutationID)
	if errors.Is(err, projection.ErrNotFound) {
		return fail(stderr, "mutation %s not found", mutationID)
	}
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if lf.json {
		_ = printJSON(stdout, rec)
		return exitOK
	}
	printRecord(stdout, rec)
	return exitOK
}

func printHalt(w io.Writer, h lifecycle.HaltState) {
	if !h.Halted {
		_, _ = fmt.Fprintln(w, "promotion: running")
		return
	}
	_, _ = fmt.Fprintf(w, "promotion: HALTED by %s at sequence %d: %s\n", h.Source, h.Sequence, h.Reason)
}

func printRecord(w io.Writer, r lifecycle.Record) {
	_, _ = fmt.Fprintf(w, "%s  state=%s epoch=%s attempts=%d rejections=%d", r.MutationID, r.State, r.EpochID, r.Attempts, r.Rejections)
	if r.LastReason != "" {
		_, _ = fmt.Fprintf(w, " last_reason=%s", r.LastReason)
	}
	_, _ = fmt.Fprintln(w)
}

// runEpochsCmd implements `adaad epochs`.
func runEpochsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("epochs", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf      ledgerFlags
		epochID string
	)
	lf.register(cmd)
	cmd.StringVar(&epochID, "epoch", "", "Show one epoch with its checkpoint chain")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	svc, closeFn, code := openProjection(ctx, &lf, stderr)
	if code != exitOK {
		return code
	}
	defer closeFn()

	if epochID == "" {
		epochs, err := svc.Epochs(ctx)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if lf.json {
			_ = printJSON(stdout, epochs)
			return exitOK
		}
		for _, ep := range epochs {
			_, _ = fmt.Fprintf(stdout, "%s  %-6s mutations=%d digest=%s", ep.ID, ep.State, ep.MutationCount, ep.CumulativeDigest)
			if ep.EndReason != "" {
				_, _ = fmt.Fprintf(stdout, " ended=%s", ep.EndReason)
			}
			_, _ = fmt.Fprintln(stdout)
		}
		return exitOK
	}

	view, err := svc.Epoch(ctx, epochID)
	if errors.Is(err, projection.ErrNotFound) {
		return fail(stderr, "epoch %s not found", epochID)
	}
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if lf.json {
		_ = printJSON(stdout, view)
	} else {
		ep := view.Epoch
		_, _ = fmt.Fprintf(stdout, "%s  %s mutations=%d digest=%s\n", ep.ID, ep.State, ep.MutationCount, ep.CumulativeDigest)
		for _, c := range view.Checkpoints {
			_, _ = fmt.Fprintf(stdout, "  %s  %s after %d: %s\n", c.CheckpointID, c.Phase, c.MutationCount, c.EpochDigest)
		}
		if !view.ChainValid {
			_, _ = fmt.Fprintf(stdout, "  checkpoint chain BROKEN: %s\n", view.ChainError)
		}
	}
	if !view.ChainValid {
		return exitFailed
	}
	return exitOK
}
