package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/kernelruntime"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
)

// runResumeCmd implements `adaad resume`: an operator clears a promotion halt. The
// decision and the operator's name are recorded in the ledger.
func runResumeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resume", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf       ledgerFlags
		operator string
		reason   string
	)
	lf.register(cmd)
	cmd.StringVar(&operator, "operator", "", "Operator taking the decision (required)")
	cmd.StringVar(&reason, "reason", "", "Why promotion may resume")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}
	if operator == "" {
		return fail(stderr, "-operator is required")
	}

	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx := context.Background()
	rt, err := kernelruntime.Boot(ctx, cfg, kernelruntime.WithLogger(cliLogger(cfg, stderr)))
	if err != nil {
		return fail(stderr, "boot: %v", err)
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	err = rt.Machine.Resume(ctx, operator, reason)
	if errors.Is(err, lifecycle.ErrNotHalted) {
		_, _ = fmt.Fprintln(stdout, "promotion is not halted")
		return exitOK
	}
	if err != nil {
		return fail(stderr, "resume: %v", err)
	}
	_, _ = fmt.Fprintf(stdout, "promotion resumed by %s\n", operator)
	return exitOK
}
