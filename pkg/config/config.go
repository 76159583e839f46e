// Package config loads runtime configuration from 12-factor environment variables,
// optionally layered over a YAML deployment profile.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

var ErrInvalid = errors.New("config: invalid value")

// Ledger backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Archive backends.
const (
	ArchiveNone = "none"
	ArchiveFile = "file"
	ArchiveS3   = "s3"
	ArchiveGCS  = "gcs"
)

// LedgerConfig selects the evidence ledger store.
type LedgerConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// EpochConfig bounds epochs.
type EpochConfig struct {
	MaxMutations      int           `yaml:"max_mutations"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	CheckpointCadence int           `yaml:"checkpoint_cadence"`
}

// APIConfig configures the read-only HTTP surface.
type APIConfig struct {
	Port      string  `yaml:"port"`
	JWTSecret string  `yaml:"-"`
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
}

// ArchiveConfig selects where forensic exports are written.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Config holds runtime configuration.
type Config struct {
	Ledger              LedgerConfig  `yaml:"ledger"`
	ReplayMode          replay.Mode   `yaml:"replay_mode"`
	ReplayVerifyEvery   int           `yaml:"replay_verify_every"`
	TrustMode           trust.Mode    `yaml:"trust_mode"`
	TrustedKeys         string        `yaml:"trusted_keys"`
	DeterministicSeed   string        `yaml:"deterministic_seed"`
	ConstitutionPath    string        `yaml:"constitution_path"`
	PromotionPolicyPath string        `yaml:"promotion_policy_path"`
	Epoch               EpochConfig   `yaml:"epoch"`
	GuardTimeout        time.Duration `yaml:"guard_timeout"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	API                 APIConfig     `yaml:"api"`
	OTLPEndpoint        string        `yaml:"otlp_endpoint"`
	Archive             ArchiveConfig `yaml:"archive"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Ledger:            LedgerConfig{Backend: BackendFile, Path: "data/ledger.jsonl"},
		ReplayMode:        replay.ModeAudit,
		ReplayVerifyEvery: replay.DefaultVerifyEvery,
		TrustMode:         trust.ModeProd,
		Epoch:             EpochConfig{MaxMutations: 50, MaxDuration: 30 * time.Minute, CheckpointCadence: 10},
		GuardTimeout:      30 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		API:               APIConfig{Port: "8080", RPS: 10, Burst: 20},
		Archive:           ArchiveConfig{Backend: ArchiveNone, Prefix: "adaad/"},
	}
}

// Load reads configuration from the environment over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v))
				return
			}
			*dst = d
		}
	}

	str("ADAAD_LEDGER_BACKEND", &c.Ledger.Backend)
	str("ADAAD_LEDGER_PATH", &c.Ledger.Path)
	str("DATABASE_URL", &c.Ledger.DatabaseURL)
	if v := os.Getenv("ADAAD_REPLAY_MODE"); v != "" {
		mode, err := replay.ParseMode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: ADAAD_REPLAY_MODE: %v", ErrInvalid, err))
		}
		c.ReplayMode = mode
	}
	if v := os.Getenv("ADAAD_TRUST_MODE"); v != "" {
		mode, err := trust.ParseMode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: ADAAD_TRUST_MODE: %v", ErrInvalid, err))
		}
		c.TrustMode = mode
	}
	str("ADAAD_DETERMINISTIC_SEED", &c.DeterministicSeed)
	str("ADAAD_CONSTITUTION_PATH", &c.ConstitutionPath)
	str("ADAAD_PROMOTION_POLICY_PATH", &c.PromotionPolicyPath)
	num("ADAAD_EPOCH_MAX_MUTATIONS", &c.Epoch.MaxMutations)
	dur("ADAAD_EPOCH_MAX_DURATION", &c.Epoch.MaxDuration)
	num("ADAAD_CHECKPOINT_CADENCE", &c.Epoch.CheckpointCadence)
	num("ADAAD_REPLAY_VERIFY_EVERY", &c.ReplayVerifyEvery)
	dur("ADAAD_GUARD_TIMEOUT", &c.GuardTimeout)
	str("ADAAD_TRUSTED_KEYS", &c.TrustedKeys)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("PORT", &c.API.Port)
	str("ADAAD_API_JWT_SECRET", &c.API.JWTSecret)
	if v := os.Getenv("ADAAD_API_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: ADAAD_API_RPS=%q", ErrInvalid, v))
		}
		c.API.RPS = rps
	}
	num("ADAAD_API_BURST", &c.API.Burst)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("ADAAD_ARCHIVE_BACKEND", &c.Archive.Backend)
	str("ADAAD_ARCHIVE_DIR", &c.Archive.Dir)
	str("ADAAD_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ADAAD_ARCHIVE_REGION", &c.Archive.Region)
	str("ADAAD_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("ADAAD_ARCHIVE_PREFIX", &c.Archive.Prefix)
	return errors.Join(errs...)
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch strings.ToLower(c.Ledger.Backend) {
	case BackendFile, BackendSQLite:
		if c.Ledger.Path == "" {
			bad("ledger backend %s needs a path", c.Ledger.Backend)
		}
	case BackendPostgres:
		if c.Ledger.DatabaseURL == "" {
			bad("ledger backend postgres needs DATABASE_URL")
		}
	case BackendMemory:
	default:
		bad("unknown ledger backend %q", c.Ledger.Backend)
	}
	if !c.TrustMode.Valid() {
		bad("unknown trust mode %q", c.TrustMode)
	}
	if _, err := replay.ParseMode(string(c.ReplayMode)); err != nil {
		bad("%v", err)
	}
	if c.Epoch.MaxMutations <= 0 || c.Epoch.CheckpointCadence <= 0 || c.Epoch.MaxDuration <= 0 {
		bad("epoch limits must be positive")
	}
	if c.ReplayVerifyEvery <= 0 {
		bad("replay verify cadence must be positive")
	}
	if c.GuardTimeout <= 0 {
		bad("guard timeout must be positive")
	}
	if c.API.RPS <= 0 || c.API.Burst <= 0 {
		bad("api rate limits must be positive")
	}
	switch c.Archive.Backend {
	case "", ArchiveNone:
	case ArchiveFile:
		if c.Archive.Dir == "" {
			bad("file archive needs ADAAD_ARCHIVE_DIR")
		}
	case ArchiveS3, ArchiveGCS:
		if c.Archive.Bucket == "" {
			bad("%s archive needs ADAAD_ARCHIVE_BUCKET", c.Archive.Backend)
		}
	default:
		bad("unknown archive backend %q", c.Archive.Backend)
	}
	return errors.Join(errs...)
}
