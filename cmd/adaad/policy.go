package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/kernelruntime"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
)

// genesisTransitionHash links the first transition of an artifact.
const genesisTransitionHash = canonicalize.DigestPrefix + ledger.ZeroHash

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: adaad policy <check|transition> [flags]")
		return exitRuntime
	}
	switch args[0] {
	case "check":
		return runPolicyCheck(args[1:], stdout, stderr)
	case "transition":
		return runPolicyTransition(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return exitRuntime
	}
}

// runPolicyCheck loads the boot-critical policy documents exactly as boot does and
// prints their versions and hashes. Exit 1 means boot would refuse to start.
func runPolicyCheck(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy check", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var lf ledgerFlags
	lf.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}
	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	constitution, policy, err := kernelruntime.LoadPolicies(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL  %v\n", err)
		return exitFailed
	}
	if lf.json {
		_ = printJSON(stdout, map[string]string{
			"constitution_version":     constitution.Version(),
			"constitution_hash":        constitution.PolicyHash(),
			"promotion_policy_version": policy.Version,
			"promotion_policy_hash":    policy.Hash(),
		})
		return exitOK
	}
	_, _ = fmt.Fprintf(stdout, "PASS  constitution %s %s\n", constitution.Version(), constitution.PolicyHash())
	_, _ = fmt.Fprintf(stdout, "PASS  promotion policy %s %s\n", policy.Version, policy.Hash())
	return exitOK
}

// evidenceFlag collects repeated -evidence key=value pairs.
type evidenceFlag map[string]any

func (e evidenceFlag) String() string { return fmt.Sprint(map[string]any(e)) }

func (e evidenceFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("evidence %q must be key=value", v)
	}
	e[key] = value
	return nil
}

// runPolicyTransition records one policy artifact lifecycle step in the ledger.
func runPolicyTransition(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy transition", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf       ledgerFlags
		artifact string
		from     string
		to       string
		previous string
		evidence = evidenceFlag{}
	)
	lf.register(cmd)
	cmd.StringVar(&artifact, "artifact", "", "Artifact digest (sha256:...)")
	cmd.StringVar(&from, "from", "", "Current state: authoring, review-approved, signed")
	cmd.StringVar(&to, "to", "", "Next state: review-approved, signed, deployed")
	cmd.StringVar(&previous, "previous", "", "Previous transition hash (default: last recorded for the artifact)")
	cmd.Var(evidence, "evidence", "Evidence key=value (repeatable, at least one)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}
	if artifact == "" || from == "" || to == "" {
		return fail(stderr, "-artifact, -from and -to are required")
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

	if previous == "" {
		if previous, err = lastTransitionHash(ctx, rt.Ledger.Reader, artifact); err != nil {
			return fail(stderr, "%v", err)
		}
	}
	t, err := rt.Policies.ApplyTransition(ctx, artifact,
		governance.PolicyState(from), governance.PolicyState(to),
		governance.TransitionProof{
			ArtifactDigest:         artifact,
			PreviousTransitionHash: previous,
			Evidence:               evidence,
		})
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL  %v\n", err)
		return exitFailed
	}
	if lf.json {
		_ = printJSON(stdout, t)
		return exitOK
	}
	_, _ = fmt.Fprintf(stdout, "PASS  %s %s -> %s transition %s\n", t.ArtifactDigest, t.FromState, t.ToState, t.TransitionHash)
	return exitOK
}

// lastTransitionHash returns the hash of the latest recorded transition of artifact,
// or the genesis hash when it has none.
func lastTransitionHash(ctx context.Context, r *ledger.Reader, artifact string) (string, error) {
	last := genesisTransitionHash
	for e, err := range r.Entries(ctx) {
		if err != nil {
			return "", err
		}
		if e.Type != ledger.KindPolicyLifecycle {
			continue
		}
		var t governance.PolicyTransition
		if err := e.Decode(&t); err != nil {
			return "", err
		}
		if t.ArtifactDigest == artifact {
			last = t.TransitionHash
		}
	}
	return last, nil
}
