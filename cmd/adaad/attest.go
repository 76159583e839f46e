package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/epoch"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/replay"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/trust"
)

// runAttestCmd implements `adaad attest`. Without -verify it replays an epoch and
// writes a signed proof bundle; with -verify it checks a bundle offline against the
// trusted keyring.
//
// Exit codes: 0 = bundle built or verified, 1 = epoch diverged or bundle invalid,
// 2 = runtime error.
func runAttestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		lf         ledgerFlags
		epochID    string
		seed       string
		keyID      string
		outFile    string
		verifyFile string
		keys       string
		printKey   bool
	)
	lf.register(cmd)
	cmd.StringVar(&epochID, "epoch", "", "Epoch to attest (default: latest)")
	cmd.StringVar(&seed, "seed", os.Getenv("ADAAD_SIGNING_SEED"), "Signing key derivation seed")
	cmd.StringVar(&keyID, "key-id", "adaad-attest", "Signing key id")
	cmd.StringVar(&outFile, "out", "", "Write the bundle to this file instead of stdout")
	cmd.StringVar(&verifyFile, "verify", "", "Verify a proof bundle file instead of building one")
	cmd.StringVar(&keys, "keys", "", "Trusted keys id=hex,... (default from ADAAD_TRUSTED_KEYS)")
	cmd.BoolVar(&printKey, "print-key", false, "Print the derived public key as id=hex and exit")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	cfg, err := lf.config()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx := context.Background()

	if verifyFile != "" {
		if keys == "" {
			keys = cfg.TrustedKeys
		}
		return verifyBundle(ctx, verifyFile, keys, stdout, stderr)
	}

	if seed == "" {
		return fail(stderr, "-seed or ADAAD_SIGNING_SEED is required to sign")
	}
	signer, err := trust.DeriveSigner([]byte(seed), keyID)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if printKey {
		_, _ = fmt.Fprintf(stdout, "%s=%s\n", signer.KeyID, hex.EncodeToString(signer.PublicKey()))
		return exitOK
	}

	r, closeFn, err := openReader(ctx, cfg.Ledger)
	if err != nil {
		return fail(stderr, "open ledger: %v", err)
	}
	defer closeFn()
	if epochID == "" {
		epochs, err := epoch.Fold(ctx, r)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if len(epochs) == 0 {
			return fail(stderr, "ledger has no epochs")
		}
		epochID = epochs[len(epochs)-1].ID
	}

	engine := replay.NewEngine(r, replay.WithLogger(cliLogger(cfg, stderr)))
	bundle, err := engine.BuildProof(ctx, epochID, signer)
	if errors.Is(err, replay.ErrDivergence) {
		_, _ = fmt.Fprintf(stdout, "FAIL  %v\n", err)
		return exitFailed
	}
	if err != nil {
		return fail(stderr, "attest: %v", err)
	}

	out := stdout
	if outFile != "" {
		f, err := os.Create(outFile) //nolint:gosec // G304: operator supplied output path
		if err != nil {
			return fail(stderr, "%v", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	if err := printJSON(out, bundle); err != nil {
		return fail(stderr, "write bundle: %v", err)
	}
	if outFile != "" {
		_, _ = fmt.Fprintf(stdout, "PASS  epoch %s attested: %s -> %s\n", epochID, bundle.ProofDigest, outFile)
	}
	return exitOK
}

func verifyBundle(ctx context.Context, path, keys string, stdout, stderr io.Writer) int {
	keyring, err := trust.ParseKeyring(keys)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if keyring.Len() == 0 {
		return fail(stderr, "no trusted keys: pass -keys or set ADAAD_TRUSTED_KEYS")
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator supplied bundle path
	if err != nil {
		return fail(stderr, "%v", err)
	}
	var bundle replay.ProofBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL  %s: not a proof bundle: %v\n", path, err)
		return exitFailed
	}
	if err := replay.VerifyProof(ctx, bundle, keyring); err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL  %s: %v\n", path, err)
		return exitFailed
	}
	_, _ = fmt.Fprintf(stdout, "PASS  epoch %s proof %s verified\n", bundle.EpochID, bundle.ProofDigest)
	return exitOK
}
