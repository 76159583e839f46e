// Package sandbox runs a candidate's test module in a deny-by-default WebAssembly runtime
// and reports the outcome as invariant evidence for the lifecycle guards.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
)

// TestExport is the function a test module must export: run_tests() i32, 1 meaning pass.
const TestExport = "run_tests"

var (
	ErrNoTestModule  = errors.New("sandbox: candidate carries no test module")
	ErrMissingExport = errors.New("sandbox: test module does not export " + TestExport)
)

// Policy bounds one test run.
type Policy struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes"`
	Timeout        time.Duration `json:"timeout"`
}

// DefaultPolicy returns the bounds used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemoryBytes: 64 * 1024 * 1024,
		Timeout:        10 * time.Second,
	}
}

// Result is the outcome of a test run. EvidenceHash is empty when nothing ran.
type Result struct {
	Passed       bool          `json:"passed"`
	ExitCode     int32         `json:"exit_code"`
	ModuleDigest string        `json:"module_digest,omitempty"`
	EvidenceHash string        `json:"evidence_hash,omitempty"`
	Duration     time.Duration `json:"-"`
}

// Runner executes a candidate's tests.
type Runner interface {
	RunTests(ctx context.Context, c governance.Candidate, p Policy) (Result, error)
}

// Report is what the lifecycle invariants guard records.
type Report struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	ExitCode     int32  `json:"exit_code"`
	EvidenceHash string `json:"evidence_hash,omitempty"`
}

// Checker checks a candidate's invariants.
type Checker interface {
	Check(ctx context.Context, c governance.Candidate) (Report, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, c governance.Candidate) (Report, error)

func (f CheckerFunc) Check(ctx context.Context, c governance.Candidate) (Report, error) {
	return f(ctx, c)
}

// Suite adapts a Runner to the invariants guard. A run that produced no evidence fails.
type Suite struct {
	runner Runner
	policy Policy
	logger *slog.Logger
}

// NewSuite returns a suite running tests with runner under policy.
func NewSuite(runner Runner, policy Policy, logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default().With("component", "sandbox")
	}
	return &Suite{runner: runner, policy: policy, logger: logger}
}

func (s *Suite) Check(ctx context.Context, c governance.Candidate) (Report, error) {
	res, err := s.runner.RunTests(ctx, c, s.policy)
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		s.logger.WarnContext(ctx, "test run failed", "mutation_id", c.MutationID, "error", err)
		reason := "sandbox_error"
		if errors.Is(err, ErrNoTestModule) {
			reason = "no_test_module"
		}
		return Report{Reason: reason}, nil
	}
	if res.EvidenceHash == "" {
		return Report{Reason: "no_evidence", ExitCode: res.ExitCode}, nil
	}
	rep := Report{OK: res.Passed, ExitCode: res.ExitCode, EvidenceHash: res.EvidenceHash}
	if !res.Passed {
		rep.Reason = "tests_failed"
	}
	return rep, nil
}

func evidenceHash(moduleDigest string, exitCode int32, p Policy) (string, error) {
	return canonicalize.HashPrefixed(map[string]any{
		"module_digest":    moduleDigest,
		"exit_code":        exitCode,
		"max_memory_bytes": p.MaxMemoryBytes,
		"timeout_ms":       p.Timeout.Milliseconds(),
	})
}
