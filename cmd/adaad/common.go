package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/ledger"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/observability"
)

// ledgerFlags are shared by every command that reads the ledger.
type ledgerFlags struct {
	profile string
	path    string
	backend string
	json    bool
}

func (f *ledgerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.profile, "profile", os.Getenv("ADAAD_PROFILE"), "YAML deployment profile applied under the environment")
	fs.StringVar(&f.path, "ledger", "", "Ledger file path or SQLite database (default from ADAAD_LEDGER_PATH)")
	fs.StringVar(&f.backend, "backend", "", "Ledger backend: file, sqlite, postgres (default from ADAAD_LEDGER_BACKEND)")
	fs.BoolVar(&f.json, "json", false, "Output JSON")
}

// config loads the environment configuration with flag overrides applied.
func (f *ledgerFlags) config() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.profile != "" {
		cfg, err = config.LoadFile(f.profile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if f.backend != "" {
		cfg.Ledger.Backend = f.backend
	}
	if f.path != "" {
		if strings.EqualFold(cfg.Ledger.Backend, config.BackendPostgres) {
			cfg.Ledger.DatabaseURL = f.path
		} else {
			cfg.Ledger.Path = f.path
		}
	}
	return cfg, cfg.Validate()
}

// openReader opens the configured ledger for reading only. File ledgers are opened
// without a write descriptor and without verification, so damaged ledgers can be
// inspected.
func openReader(ctx context.Context, cfg config.LedgerConfig) (*ledger.Reader, func(), error) {
	var (
		store ledger.Store
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case config.BackendFile:
		store, err = ledger.OpenFileStoreReadOnly(cfg.Path)
	case config.BackendSQLite:
		store, err = ledger.OpenSQLStore(ctx, "sqlite", cfg.Path)
	case config.BackendPostgres:
		store, err = ledger.OpenSQLStore(ctx, "postgres", cfg.DatabaseURL)
	case config.BackendMemory:
		err = errors.New("the memory backend has no persisted ledger to read")
	default:
		err = fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return ledger.NewReader(store), closeFn, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(stderr io.Writer, format string, args ...any) int {
	_, _ = fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
	return exitRuntime
}

// cliLogger logs to stderr so stdout stays machine readable.
func cliLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	logger, err := observability.NewLogger(cfg.LogLevel, "text", stderr)
	if err != nil {
		return slog.New(slog.NewTextHandler(stderr, nil))
	}
	return logger
}
