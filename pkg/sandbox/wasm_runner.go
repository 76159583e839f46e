package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/canonicalize"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
)

const wasmPageSize = 64 * 1024

// WasmRunner runs test modules with wazero. No filesystem, network, environment or
// clock is wired into the guest.
type WasmRunner struct {
	cache  wazero.CompilationCache
	logger *slog.Logger
}

// NewWasmRunner returns a runner sharing one compilation cache across runs.
func NewWasmRunner(logger *slog.Logger) *WasmRunner {
	if logger == nil {
		logger = slog.Default().With("component", "sandbox")
	}
	return &WasmRunner{cache: wazero.NewCompilationCache(), logger: logger}
}

func (r *WasmRunner) RunTests(ctx context.Context, c governance.Candidate, p Policy) (Result, error) {
	if len(c.TestModule) == 0 {
		return Result{}, ErrNoTestModule
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true)
	if p.MaxMemoryBytes > 0 {
		pages := uint32(p.MaxMemoryBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer func() { _ = rt.Close(context.Background()) }()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return Result{}, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}

	start := time.Now()
	compiled, err := rt.CompileModule(ctx, c.TestModule)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: compile test module: %w", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("adaad-tests").
		WithStartFunctions())
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("sandbox: instantiate timed out after %v: %w", p.Timeout, ctx.Err())
		}
		return Result{}, fmt.Errorf("sandbox: instantiate test module: %w", err)
	}

	fn := mod.ExportedFunction(TestExport)
	if fn == nil {
		return Result{}, ErrMissingExport
	}
	out, err := fn.Call(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("sandbox: %s timed out after %v: %w", TestExport, p.Timeout, ctx.Err())
		}
		return Result{}, fmt.Errorf("sandbox: %s trapped: %w", TestExport, err)
	}
	if len(out) != 1 {
		return Result{}, fmt.Errorf("sandbox: %s returned %d values, want 1", TestExport, len(out))
	}

	exitCode := int32(uint32(out[0]))
	moduleDigest := "sha256:" + canonicalize.HashBytes(c.TestModule)
	evidence, err := evidenceHash(moduleDigest, exitCode, p)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: evidence hash: %w", err)
	}
	res := Result{
		Passed:       exitCode == 1,
		ExitCode:     exitCode,
		ModuleDigest: moduleDigest,
		EvidenceHash: evidence,
		Duration:     time.Since(start),
	}
	r.logger.DebugContext(ctx, "test module finished",
		"mutation_id", c.MutationID, "exit_code", exitCode, "duration", res.Duration)
	return res, nil
}

// Close releases the compilation cache.
func (r *WasmRunner) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}
