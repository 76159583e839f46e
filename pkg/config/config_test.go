package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

var envKeys = []string{
	"ADAAD_LEDGER_BACKEND", "ADAAD_LEDGER_PATH", "DATABASE_URL", "ADAAD_REPLAY_MODE",
	"ADAAD_TRUST_MODE", "ADAAD_DETERMINISTIC_SEED", "ADAAD_CONSTITUTION_PATH",
	"ADAAD_PROMOTION_POLICY_PATH", "ADAAD_EPOCH_MAX_MUTATIONS", "ADAAD_EPOCH_MAX_DURATION",
	"ADAAD_CHECKPOINT_CADENCE", "ADAAD_REPLAY_VERIFY_EVERY", "ADAAD_GUARD_TIMEOUT",
	"ADAAD_TRUSTED_KEYS", "LOG_LEVEL", "LOG_FORMAT", "PORT", "ADAAD_API_JWT_SECRET",
	"ADAAD_API_RPS", "ADAAD_API_BURST", "OTEL_EXPORTER_OTLP_ENDPOINT", "ADAAD_ARCHIVE_BACKEND",
	"ADAAD_ARCHIVE_DIR", "ADAAD_ARCHIVE_BUCKET", "ADAAD_ARCHIVE_REGION",
	"ADAAD_ARCHIVE_ENDPOINT", "ADAAD_ARCHIVE_PREFIX",
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// The runtime must boot with safe defaults: audit replay, prod trust.
func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.BackendFile, cfg.Ledger.Backend)
	assert.Equal(t, replay.ModeAudit, cfg.ReplayMode)
	assert.Equal(t, trust.ModeProd, cfg.TrustMode)
	assert.Equal(t, 3, cfg.ReplayVerifyEvery)
	assert.Equal(t, 50, cfg.Epoch.MaxMutations)
	assert.Equal(t, 30*time.Second, cfg.GuardTimeout)
	assert.Equal(t, "8080", cfg.API.Port)
	assert.Empty(t, cfg.API.JWTSecret)
	assert.Equal(t, config.ArchiveNone, cfg.Archive.Backend)
}

func TestLoadOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("ADAAD_LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://db:5432/adaad")
	t.Setenv("ADAAD_REPLAY_MODE", "true")
	t.Setenv("ADAAD_TRUST_MODE", "dev")
	t.Setenv("ADAAD_EPOCH_MAX_DURATION", "5m")
	t.Setenv("ADAAD_REPLAY_VERIFY_EVERY", "7")
	t.Setenv("ADAAD_API_RPS", "2.5")
	t.Setenv("ADAAD_ARCHIVE_BACKEND", "s3")
	t.Setenv("ADAAD_ARCHIVE_BUCKET", "evidence")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.BackendPostgres, cfg.Ledger.Backend)
	assert.Equal(t, replay.ModeAudit, cfg.ReplayMode)
	assert.Equal(t, trust.ModeDev, cfg.TrustMode)
	assert.Equal(t, 5*time.Minute, cfg.Epoch.MaxDuration)
	assert.Equal(t, 7, cfg.ReplayVerifyEvery)
	assert.InDelta(t, 2.5, cfg.API.RPS, 1e-9)
	assert.Equal(t, "evidence", cfg.Archive.Bucket)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"replay mode":      {"ADAAD_REPLAY_MODE", "sometimes"},
		"trust mode":       {"ADAAD_TRUST_MODE", "lenient"},
		"backend":          {"ADAAD_LEDGER_BACKEND", "tape"},
		"max mutations":    {"ADAAD_EPOCH_MAX_MUTATIONS", "many"},
		"zero cadence":     {"ADAAD_CHECKPOINT_CADENCE", "0"},
		"guard timeout":    {"ADAAD_GUARD_TIMEOUT", "soon"},
		"archive backend":  {"ADAAD_ARCHIVE_BACKEND", "ftp"},
		"archive no dir":   {"ADAAD_ARCHIVE_BACKEND", "file"},
		"postgres missing": {"ADAAD_LEDGER_BACKEND", "postgres"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			require.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestLoadProfileThenEnv(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	profile := `
ledger:
  backend: sqlite
  path: /var/lib/adaad/ledger.db
replay_mode: strict
epoch:
  max_mutations: 20
  max_duration: 10m
  checkpoint_cadence: 5
api:
  port: "9090"
  rps: 5
  burst: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_strict.yaml"), []byte(profile), 0o600))
	t.Setenv("ADAAD_EPOCH_MAX_MUTATIONS", "25")

	cfg, err := config.LoadProfile(dir, "STRICT")
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQLite, cfg.Ledger.Backend)
	assert.Equal(t, replay.ModeStrict, cfg.ReplayMode)
	assert.Equal(t, 25, cfg.Epoch.MaxMutations)
	assert.Equal(t, 10*time.Minute, cfg.Epoch.MaxDuration)
	assert.Equal(t, "9090", cfg.API.Port)
	assert.Equal(t, 3, cfg.ReplayVerifyEvery)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replay_mod: strict\n"), 0o600))
	_, err := config.LoadFile(path)
	require.Error(t, err)

	_, err = config.LoadProfile(t.TempDir(), "missing")
	require.Error(t, err)
}
