// Command adaad inspects, verifies and serves the governance evidence ledger.
package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1 // verification ran and did not pass
	exitRuntime = 2 // usage, configuration or I/O error
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches args[1] and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitRuntime
	}
	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "state":
		return runStateCmd(args[2:], stdout, stderr)
	case "epochs":
		return runEpochsCmd(args[2:], stdout, stderr)
	case "attest":
		return runAttestCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "resume":
		return runResumeCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitRuntime
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `
ADAAD governance and replay substrate

USAGE:
  adaad <command> [flags]

LEDGER:
  verify     Verify the ledger hash chain (-agent DIR checks governed agent files)
  replay     Replay an epoch and report divergence (-epoch, -mode)
  state      Show mutation records (-mutation)
  epochs     List epochs or show one with its checkpoint chain (-epoch)

EVIDENCE:
  attest     Build or verify a signed replay proof bundle
  export     Copy the ledger and a manifest to the configured archive

OPERATIONS:
  policy     Check boot policies or record a policy lifecycle step
  resume     Clear a promotion halt (operator decision, recorded)
  serve      Run the read-only HTTP API

Configuration comes from ADAAD_* environment variables; -ledger and -backend
override the ledger location. Exit codes: 0 pass, 1 verification failed, 2 error.
`)
}
