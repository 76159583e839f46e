package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/artifacts"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
)

// runExportCmd implements `adaad export`: a forensic copy of the ledger plus a
// ledger_snapshot manifest, written to the configured archive. A damaged ledger is
// still exported; the command then exits 1.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf         ledgerFlags
		archiveDir string
		manifest   string
	)
	lf.register(cmd)
	cmd.StringVar(&archiveDir, "archive-dir", "", "Write to a local archive directory (overrides ADAAD_ARCHIVE_*)")
	cmd.StringVar(&manifest, "manifest", "", "Print a stored manifest by digest instead of exporting")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if archiveDir != "" {
		cfg.Archive.Backend = config.ArchiveFile
		cfg.Archive.Dir = archiveDir
	}
	ctx := context.Background()
	archive, err := artifacts.OpenArchive(ctx, cfg.Archive)
	if errors.Is(err, artifacts.ErrArchiveDisabled) {
		return fail(stderr, "no archive configured: set ADAAD_ARCHIVE_BACKEND or pass -archive-dir")
	}
	if err != nil {
		return fail(stderr, "open archive: %v", err)
	}
	defer func() { _ = artifacts.CloseArchive(archive) }()

	if manifest != "" {
		m, err := artifacts.LoadManifest(ctx, archive, manifest)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		_ = printJSON(stdout, m)
		return exitOK
	}

	r, closeFn, err := openReader(ctx, cfg.Ledger)
	if err != nil {
		return fail(stderr, "open ledger: %v", err)
	}
	defer closeFn()

	res, err := artifacts.NewExporter(archive, nil, cliLogger(cfg, stderr)).Export(ctx, r)
	if err != nil {
		return fail(stderr, "export: %v", err)
	}
	if lf.json {
		_ = printJSON(stdout, map[string]any{"manifest_digest": res.ManifestDigest, "manifest": res.Manifest})
	} else {
		m := res.Manifest
		_, _ = fmt.Fprintf(stdout, "exported %d entries\n  manifest %s\n  ledger   %s\n", m.Entries, res.ManifestDigest, m.LedgerDigest)
		if !m.Integrity.OK {
			_, _ = fmt.Fprintf(stdout, "FAIL  chain broken: %s\n", m.Integrity.Reason)
		}
	}
	if !res.Manifest.Integrity.OK {
		return exitFailed
	}
	return exitOK
}
