// Package kernelruntime assembles the governance and replay substrate from
// configuration. Boot fails closed: a missing or malformed constitution or promotion
// policy stops the process before any ledger entry is written.
package kernelruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/determinism"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/observability"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/projection"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/promotion"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/sandbox"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

// ErrPolicyArtifact is returned when a boot-critical policy document cannot be loaded.
var ErrPolicyArtifact = errors.New("kernelruntime: boot-critical policy artifact missing or malformed")

// Runtime is the assembled substrate. Fields are exported for the CLI and tests;
// they are wired once by Boot and never replaced.
type Runtime struct {
	Config       *config.Config
	Logger       *slog.Logger
	Provider     determinism.Provider
	Store        ledger.Store
	Ledger       *ledger.Ledger
	Epochs       *epoch.Manager
	Constitution *governance.Holder
	Promotion    *promotion.Policy
	Policies     *governance.PolicyLifecycle
	Keys         *trust.Keyring
	Sandbox      *sandbox.WasmRunner
	Replay       *replay.Engine
	Verifier     *replay.Verifier
	Machine      *lifecycle.Machine
	Projection   *projection.Service
	Obs          *observability.Provider

	closers []func(context.Context) error
}

type options struct {
	store  ledger.Store
	logger *slog.Logger
	obs    *observability.Provider
}

// Option customises Boot.
type Option func(*options)

// WithStore uses store instead of the configured ledger backend. The runtime does
// not close a store supplied this way.
func WithStore(store ledger.Store) Option { return func(o *options) { o.store = store } }

// WithLogger replaces the logger built from LOG_LEVEL and LOG_FORMAT.
func WithLogger(logger *slog.Logger) Option { return func(o *options) { o.logger = logger } }

// WithObservability uses an existing provider instead of building one.
func WithObservability(p *observability.Provider) Option { return func(o *options) { o.obs = p } }

// LoadPolicies loads the constitution and promotion policy named by cfg. An empty
// path selects the built-in document; a configured path that cannot be read or
// parsed is ErrPolicyArtifact.
func LoadPolicies(cfg *config.Config) (*governance.Constitution, *promotion.Policy, error) {
	var (
		constitution *governance.Constitution
		err          error
	)
	if cfg.ConstitutionPath == "" {
		constitution, err = governance.Default(governance.DefaultRegistry())
	} else {
		constitution, err = governance.LoadFile(cfg.ConstitutionPath, governance.DefaultRegistry())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: constitution: %v", ErrPolicyArtifact, err)
	}

	var policy *promotion.Policy
	if cfg.PromotionPolicyPath == "" {
		policy, err = promotion.Default()
	} else {
		policy, err = promotion.LoadFile(cfg.PromotionPolicyPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: promotion policy: %v", ErrPolicyArtifact, err)
	}
	return constitution, policy, nil
}

// OpenStore opens the ledger store selected by cfg.
func OpenStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.BackendFile:
		return ledger.OpenFileStore(cfg.Path)
	case config.BackendSQLite:
		return ledger.OpenSQLStore(ctx, "sqlite", cfg.Path)
	case config.BackendPostgres:
		return ledger.OpenSQLStore(ctx, "postgres", cfg.DatabaseURL)
	case config.BackendMemory:
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("kernelruntime: unknown ledger backend %q", cfg.Backend)
	}
}

// Boot wires every component in dependency order and restores state from the ledger.
func Boot(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Runtime, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	if rt.Logger == nil {
		rt.Logger, err = observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return nil, err
		}
	}
	log := rt.Logger.With("component", "kernelruntime")

	// Policies first: nothing touches the ledger under an undefined policy.
	constitution, policy, err := LoadPolicies(cfg)
	if err != nil {
		log.ErrorContext(ctx, "boot refused", "error", err)
		return nil, err
	}
	rt.Promotion = policy

	rt.Keys, err = trust.ParseKeyring(cfg.TrustedKeys)
	if err != nil {
		return nil, fmt.Errorf("kernelruntime: trusted keys: %w", err)
	}

	rt.Obs = o.obs
	if rt.Obs == nil {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		rt.Obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.Obs.Shutdown)
	}

	rt.Provider = determinism.FromSeed(cfg.DeterministicSeed)
	if err := determinism.RequireReplaySafe(rt.Provider, cfg.ReplayMode.FailClosed()); err != nil {
		log.WarnContext(ctx, "strict replay with a non-deterministic provider; every preflight will fail closed",
			"error", err)
	}

	rt.Store = o.store
	if rt.Store == nil {
		rt.Store, err = OpenStore(ctx, cfg.Ledger)
		if err != nil {
			return nil, err
		}
		if c, ok := rt.Store.(interface{ Close() error }); ok {
			rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
		}
	}

	rt.Ledger, err = ledger.Open(ctx, rt.Store, rt.Provider,
		ledger.WithLogger(rt.Logger),
		ledger.WithAppendHook(rt.Obs.LedgerAppended),
	)
	if err != nil {
		return nil, err
	}

	rt.Constitution = governance.NewHolder(constitution, rt.Ledger, rt.Logger)
	rt.Policies = governance.NewPolicyLifecycle(rt.Ledger)

	rt.Epochs = epoch.NewManager(rt.Ledger, rt.Provider, epoch.Config{
		MaxMutations:      cfg.Epoch.MaxMutations,
		MaxDuration:       cfg.Epoch.MaxDuration,
		CheckpointCadence: cfg.Epoch.CheckpointCadence,
		Hashes: func() epoch.PolicyHashes {
			return epoch.PolicyHashes{
				ConstitutionHash:    rt.Constitution.Current().PolicyHash(),
				PromotionPolicyHash: rt.Promotion.Hash(),
			}
		},
	}, epoch.WithLogger(rt.Logger), epoch.WithRotationHook(rt.Obs.EpochRotated))

	rt.Replay = replay.NewEngine(rt.Ledger.Reader,
		replay.WithLive(rt.Epochs),
		replay.WithProvider(rt.Provider),
		replay.WithLogger(rt.Logger),
	)

	// The verifier gates the machine and the machine is halted by the verifier, so
	// the halt handler resolves the machine at call time.
	halt := func(ctx context.Context, ev replay.VerificationEvent) error {
		return replay.HaltHandler(rt.Machine)(ctx, ev)
	}
	rt.Verifier = replay.NewVerifier(rt.Replay, rt.Epochs, cfg.ReplayMode,
		replay.WithEvery(cfg.ReplayVerifyEvery),
		replay.WithFailClosedHandler(halt),
		replay.WithFailClosedHandler(replay.RotateHandler(rt.Epochs)),
		replay.WithVerifierObserver(rt.Obs),
		replay.WithVerifierLogger(rt.Logger),
	)

	rt.Sandbox = sandbox.NewWasmRunner(rt.Logger.With("component", "sandbox"))
	rt.closers = append(rt.closers, rt.Sandbox.Close)

	rt.Machine = lifecycle.NewMachine(rt.Epochs, rt.Constitution,
		lifecycle.WithVerifier(trust.NewEd25519Verifier(rt.Keys)),
		lifecycle.WithInvariants(sandbox.NewSuite(rt.Sandbox, sandbox.DefaultPolicy(), rt.Logger)),
		lifecycle.WithPromotionPolicy(rt.Promotion),
		lifecycle.WithReplayGate(rt.Verifier),
		lifecycle.WithCommitHook(rt.Verifier.AfterCommit),
		lifecycle.WithObserver(rt.Obs),
		lifecycle.WithGuardTimeout(cfg.GuardTimeout),
		lifecycle.WithDefaultTrustMode(cfg.TrustMode),
		lifecycle.WithLogger(rt.Logger),
	)

	active, err := rt.Epochs.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if err := rt.Machine.Restore(ctx); err != nil {
		return nil, err
	}
	rt.Projection = projection.New(rt.Replay)

	log.InfoContext(ctx, "runtime booted",
		"ledger_backend", cfg.Ledger.Backend,
		"entries", rt.Ledger.Len(),
		"epoch", active.ID,
		"replay_mode", cfg.ReplayMode.String(),
		"trust_mode", string(cfg.TrustMode),
		"constitution", constitution.Version(),
		"promotion_policy", policy.Hash(),
		"trusted_keys", rt.Keys.Len(),
		"deterministic", rt.Provider.Deterministic(),
	)
	return rt, nil
}

// ReloadConstitution loads the configured constitution again and installs it if its
// version increased. The amendment is recorded in the ledger.
func (rt *Runtime) ReloadConstitution(ctx context.Context) (ledger.Entry, error) {
	if rt.Config.ConstitutionPath == "" {
		return ledger.Entry{}, errors.New("kernelruntime: no constitution path configured")
	}
	next, err := governance.LoadFile(rt.Config.ConstitutionPath, governance.DefaultRegistry())
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: constitution: %v", ErrPolicyArtifact, err)
	}
	return rt.Constitution.Reload(ctx, next)
}

// Close releases components in reverse order of acquisition. The active epoch stays
// open; the next Boot resumes it.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}
