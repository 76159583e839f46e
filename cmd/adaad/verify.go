package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/artifacts"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

type verifyReport struct {
	Verified       bool     `json:"verified"`
	Entries        uint64   `json:"entries"`
	HeadHash       string   `json:"head_hash"`
	FailedSequence *uint64  `json:"failed_sequence,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Agent          *agentOK `json:"agent,omitempty"`
}

type agentOK struct {
	Path        string            `json:"path"`
	OK          bool              `json:"ok"`
	Missing     []string          `json:"missing,omitempty"`
	Invalid     map[string]string `json:"invalid,omitempty"`
	LineageHash string            `json:"lineage_hash,omitempty"`
}

// runVerifyCmd implements `adaad verify`.
//
// Exit codes: 0 = chain intact, 1 = verification failed, 2 = runtime error.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf       ledgerFlags
		agentDir string
	)
	lf.register(cmd)
	cmd.StringVar(&agentDir, "agent", "", "Also validate a governed agent directory (meta.json, dna.json, certificate.json)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx := context.Background()
	r, closeFn, err := openReader(ctx, cfg.Ledger)
	if err != nil {
		return fail(stderr, "open ledger: %v", err)
	}
	defer closeFn()

	report := verifyReport{Verified: true, HeadHash: ledger.ZeroHash}
	for e, err := range r.Entries(ctx) {
		if err != nil {
			continue
		}
		report.Entries++
		report.HeadHash = e.Hash
	}
	if err := r.VerifyIntegrity(ctx); err != nil {
		var ie *ledger.IntegrityError
		if !errors.As(err, &ie) {
			return fail(stderr, "verify: %v", err)
		}
		seq := ie.Sequence
		report.Verified = false
		report.FailedSequence = &seq
		report.Reason = ie.Reason
	}

	if agentDir != "" {
		v, err := artifacts.ValidateAgentDir(agentDir)
		if err != nil {
			return fail(stderr, "agent: %v", err)
		}
		a := &agentOK{Path: v.Path, OK: v.OK(), Missing: v.Missing, LineageHash: v.LineageHash}
		if len(v.Invalid) > 0 {
			a.Invalid = make(map[string]string, len(v.Invalid))
			for name, err := range v.Invalid {
				a.Invalid[name] = err.Error()
			}
		}
		report.Agent = a
		report.Verified = report.Verified && a.OK
	}

	if lf.json {
		if err := printJSON(stdout, report); err != nil {
			return fail(stderr, "%v", err)
		}
	} else {
		printVerifyReport(stdout, report)
	}
	if !report.Verified {
		return exitFailed
	}
	return exitOK
}

func printVerifyReport(w io.Writer, r verifyReport) {
	if r.FailedSequence != nil {
		_, _ = fmt.Fprintf(w, "FAIL  ledger chain broken at sequence %d: %s\n", *r.FailedSequence, r.Reason)
	} else {
		_, _ = fmt.Fprintf(w, "PASS  ledger chain intact: %d entries, head %s\n", r.Entries, r.HeadHash)
	}
	if r.Agent == nil {
		return
	}
	if r.Agent.OK {
		_, _ = fmt.Fprintf(w, "PASS  agent %s: lineage %s\n", r.Agent.Path, r.Agent.LineageHash)
		return
	}
	_, _ = fmt.Fprintf(w, "FAIL  agent %s\n", r.Agent.Path)
	for _, name := range r.Agent.Missing {
		_, _ = fmt.Fprintf(w, "      missing %s\n", name)
	}
	names := make([]string, 0, len(r.Agent.Invalid))
	for name := range r.Agent.Invalid {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "      invalid %s: %s\n", name, r.Agent.Invalid[name])
	}
}
