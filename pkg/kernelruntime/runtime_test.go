package kernelruntime

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

const testConstitution = `
version: "1.0.0"
rules:
  - name: signature_present
    severity: blocking
    validator: signature_present
`

// passingModule exports run_tests() returning 1.
var passingModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0d, 0x01, 0x09, 'r', 'u', 'n', '_', 't', 'e', 's', 't', 's', 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x01, 0x0b,
}

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "constitution.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConstitution), 0o600))
	cfg := config.Default()
	cfg.Ledger = config.LedgerConfig{Backend: config.BackendFile, Path: filepath.Join(dir, "ledger.jsonl")}
	cfg.ConstitutionPath = path
	cfg.TrustMode = trust.ModeDev
	cfg.DeterministicSeed = "runtime-test"
	cfg.ReplayMode = replay.ModeStrict
	cfg.ReplayVerifyEvery = 1
	cfg.GuardTimeout = 10 * time.Second
	return cfg
}

func step(t *testing.T, rt *Runtime, id string, to lifecycle.State) error {
	t.Helper()
	fitness := 0.9
	_, err := rt.Machine.Transition(context.Background(), lifecycle.Request{
		Candidate: governance.Candidate{
			MutationID: id, AgentID: "agent", ChangeType: "refactor",
			Signature: "dev-local", TestModule: passingModule,
		},
		To:           to,
		TrustMode:    "dev",
		Tier:         governance.TierSandbox,
		CertRefs:     map[string]string{"certificate_digest": "sha256:abc"},
		FitnessScore: &fitness,
	})
	return err
}

func TestBootRefusesMissingPolicyArtifacts(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.ConstitutionPath = filepath.Join(t.TempDir(), "absent.yaml")
	_, err := Boot(ctx, cfg, quiet())
	require.ErrorIs(t, err, ErrPolicyArtifact)
	_, statErr := os.Stat(cfg.Ledger.Path)
	assert.True(t, os.IsNotExist(statErr), "no ledger is created under an undefined policy")

	cfg = testConfig(t)
	bad := filepath.Join(t.TempDir(), "promotion.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: [this is not a policy"), 0o600))
	cfg.PromotionPolicyPath = bad
	_, err = Boot(ctx, cfg, quiet())
	require.ErrorIs(t, err, ErrPolicyArtifact)
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = "tape"
	_, err := Boot(context.Background(), cfg, quiet())
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	rt, err := Boot(ctx, cfg, quiet())
	require.NoError(t, err)

	require.NoError(t, step(t, rt, "m1", lifecycle.StateStaged))
	require.NoError(t, step(t, rt, "m1", lifecycle.StateCertified))
	require.NoError(t, step(t, rt, "m1", lifecycle.StateExecuting))
	assert.Equal(t, lifecycle.StateExecuting, rt.Machine.State("m1"))

	rec, err := rt.Projection.Mutation(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateExecuting, rec.State)
	require.NotNil(t, rec.GuardReport.Invariants)
	assert.True(t, rec.GuardReport.Invariants.OK)

	var verifications int
	for e, err := range rt.Ledger.Entries(ctx) {
		require.NoError(t, err)
		if e.Type == ledger.KindReplayVerification {
			verifications++
		}
	}
	assert.Equal(t, 3, verifications)
	require.NoError(t, rt.Ledger.VerifyIntegrity(ctx))

	active, ok := rt.Epochs.Active()
	require.True(t, ok)
	head := rt.Ledger.Head()
	require.NoError(t, rt.Close(ctx))

	again, err := Boot(ctx, cfg, quiet())
	require.NoError(t, err)
	defer func() { _ = again.Close(ctx) }()
	resumed, ok := again.Epochs.Active()
	require.True(t, ok)
	assert.Equal(t, active.ID, resumed.ID, "restart resumes the active epoch")
	assert.Equal(t, active.CumulativeDigest, resumed.CumulativeDigest)
	assert.Equal(t, head, again.Ledger.Head())
	assert.Equal(t, lifecycle.StateExecuting, again.Machine.State("m1"))
}

func TestStrictModeWithoutSeedFailsClosed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.DeterministicSeed = ""
	cfg.Ledger = config.LedgerConfig{Backend: config.BackendMemory}
	rt, err := Boot(ctx, cfg, quiet())
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	require.NoError(t, step(t, rt, "m1", lifecycle.StateStaged))
	halt := rt.Machine.Halted()
	assert.True(t, halt.Halted)
	assert.Equal(t, lifecycle.HaltSourceReplay, halt.Source)

	require.NoError(t, step(t, rt, "m1", lifecycle.StateCertified))
	err = step(t, rt, "m1", lifecycle.StateExecuting)
	var gf *lifecycle.GuardFailureError
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, lifecycle.ReasonReplayFailClosed, gf.Reason)
}

func TestReloadConstitutionRecordsAmendment(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	rt, err := Boot(ctx, cfg, quiet())
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	_, err = rt.ReloadConstitution(ctx)
	require.ErrorIs(t, err, governance.ErrVersionNotIncreasing)

	newer := `
version: "1.1.0"
rules:
  - name: signature_present
    severity: blocking
    validator: signature_present
`
	require.NoError(t, os.WriteFile(cfg.ConstitutionPath, []byte(newer), 0o600))
	e, err := rt.ReloadConstitution(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindConstitutionAmended, e.Type)
	assert.Equal(t, "1.1.0", rt.Constitution.Current().Version())
}
