package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/governance"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/kernelruntime"
	"github.com/InnovativeAI-adaad/ADAAD/pkg/lifecycle"
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

// seedLedger configures the environment for a file ledger in a temp dir and records
// m-1 through certified and m-2 staged. It returns the ledger path.
func seedLedger(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	constitution := filepath.Join(dir, "constitution.yaml")
	require.NoError(t, os.WriteFile(constitution, []byte(testConstitution), 0o600))
	ledgerPath := filepath.Join(dir, "ledger.jsonl")

	t.Setenv("ADAAD_PROFILE", "")
	t.Setenv("ADAAD_LEDGER_BACKEND", config.BackendFile)
	t.Setenv("ADAAD_LEDGER_PATH", ledgerPath)
	t.Setenv("ADAAD_CONSTITUTION_PATH", constitution)
	t.Setenv("ADAAD_TRUST_MODE", "dev")
	t.Setenv("ADAAD_DETERMINISTIC_SEED", "cli-test")
	t.Setenv("ADAAD_REPLAY_MODE", "strict")
	t.Setenv("ADAAD_CHECKPOINT_CADENCE", "1")
	t.Setenv("ADAAD_ARCHIVE_BACKEND", config.ArchiveNone)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Load()
	require.NoError(t, err)
	ctx := context.Background()
	rt, err := kernelruntime.Boot(ctx, cfg, kernelruntime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	fitness := 0.9
	for _, step := range []struct {
		id string
		to lifecycle.State
	}{
		{"m-1", lifecycle.StateStaged},
		{"m-1", lifecycle.StateCertified},
		{"m-2", lifecycle.StateStaged},
	} {
		_, err := rt.Machine.Transition(ctx, lifecycle.Request{
			Candidate: governance.Candidate{
				MutationID: step.id, AgentID: "agent", ChangeType: "refactor",
				Signature: "dev-local", TestModule: passingModule,
			},
			To:           step.to,
			TrustMode:    "dev",
			Tier:         governance.TierSandbox,
			CertRefs:     map[string]string{"certificate_digest": "sha256:abc"},
			FitnessScore: &fitness,
		})
		require.NoError(t, err, "%s -> %s", step.id, step.to)
	}
	return ledgerPath
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"adaad"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunDispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "USAGE")

	code, _, errOut := run("frobnicate")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitRuntime, Run([]string{"adaad"}, &stdout, &stderr))
}

func TestVerify(t *testing.T) {
	path := seedLedger(t)

	code, out, errOut := run("verify")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "PASS  ledger chain intact")

	code, out, _ = run("verify", "-json")
	require.Equal(t, exitOK, code)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Verified)
	assert.Positive(t, report.Entries)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"m-1"`)
	require.NoError(t, os.WriteFile(path, bytes.Replace(raw, []byte(`"m-1"`), []byte(`"m-X"`), 1), 0o600))

	code, out, _ = run("verify")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "FAIL  ledger chain broken at sequence")
}

func TestVerifyAgentDir(t *testing.T) {
	seedLedger(t)
	agent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(agent, "meta.json"), []byte(`{"schema_version":"1.0","name":"a"}`), 0o600))

	code, out, _ := run("verify", "-agent", agent)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "missing dna.json")
	assert.Contains(t, out, "missing certificate.json")
}

func TestReplay(t *testing.T) {
	seedLedger(t)

	code, out, errOut := run("replay")
	require.Equal(t, exitOK, code, out+errOut)
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "decision continue")

	code, out, _ = run("replay", "-json", "-mode", "audit")
	require.Equal(t, exitOK, code)
	var report replayReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Diff)
	assert.False(t, report.Diff.Diverged)
	assert.Equal(t, report.Diff.Baseline.Digest, report.Diff.Replayed)

	code, _, errOut = run("replay", "-forensic")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "-epoch")

	code, _, _ = run("replay", "-epoch", "no-such-epoch")
	assert.Equal(t, exitRuntime, code)
}

func TestStateAndEpochs(t *testing.T) {
	seedLedger(t)

	code, out, errOut := run("state", "-mutation", "m-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "m-1  state=certified")

	code, out, _ = run("state")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "promotion: running")
	assert.Contains(t, out, "m-2  state=staged")

	code, out, _ = run("state", "-mutation", "m-1", "-verdicts")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "proposed -> staged")
	assert.Contains(t, out, "staged -> certified")

	code, _, _ = run("state", "-mutation", "m-404")
	assert.Equal(t, exitRuntime, code)

	code, out, _ = run("epochs", "-json")
	require.Equal(t, exitOK, code)
	var epochs []struct {
		ID            string `json:"epoch_id"`
		MutationCount int    `json:"mutation_count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &epochs))
	require.Len(t, epochs, 1)
	assert.Equal(t, 3, epochs[0].MutationCount)

	code, out, _ = run("epochs", "-epoch", epochs[0].ID)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, epochs[0].ID)
	assert.NotContains(t, out, "BROKEN")
}

func TestAttestRoundTrip(t *testing.T) {
	seedLedger(t)
	t.Setenv("ADAAD_SIGNING_SEED", "attest-seed")
	bundle := filepath.Join(t.TempDir(), "proof.json")

	code, keyLine, _ := run("attest", "-print-key")
	require.Equal(t, exitOK, code)
	keys := strings.TrimSpace(keyLine)
	assert.True(t, strings.HasPrefix(keys, "adaad-attest="))

	code, out, errOut := run("attest", "-out", bundle)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "attested")

	code, out, _ = run("attest", "-verify", bundle, "-keys", keys)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "verified")

	raw, err := os.ReadFile(bundle)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["mutation_count"] = 99
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bundle, tampered, 0o600))

	code, out, _ = run("attest", "-verify", bundle, "-keys", keys)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "FAIL")

	code, _, errOut = run("attest", "-verify", bundle, "-keys", "")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "no trusted keys")
}

func TestExport(t *testing.T) {
	seedLedger(t)
	archive := t.TempDir()

	code, _, errOut := run("export")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "no archive configured")

	code, out, errOut := run("export", "-archive-dir", archive, "-json")
	require.Equal(t, exitOK, code, errOut)
	var res struct {
		ManifestDigest string `json:"manifest_digest"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, strings.HasPrefix(res.ManifestDigest, "sha256:"))

	code, out, _ = run("export", "-archive-dir", archive, "-manifest", res.ManifestDigest)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"kind": "ledger_snapshot"`)
}

func TestPolicy(t *testing.T) {
	seedLedger(t)
	artifact := "sha256:" + strings.Repeat("ab", 32)

	code, out, _ := run("policy", "check")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "PASS  constitution 1.0.0")

	code, out, errOut := run("policy", "transition",
		"-artifact", artifact, "-from", "authoring", "-to", "review-approved", "-evidence", "reviewer=alice")
	require.Equal(t, exitOK, code, out+errOut)

	code, out, errOut = run("policy", "transition", "-json",
		"-artifact", artifact, "-from", "review-approved", "-to", "signed", "-evidence", "signer=bob")
	require.Equal(t, exitOK, code, out+errOut)
	var signed governance.PolicyTransition
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	assert.NotEqual(t, genesisTransitionHash, signed.Proof.PreviousTransitionHash)

	code, out, _ = run("policy", "transition",
		"-artifact", artifact, "-from", "authoring", "-to", "deployed", "-evidence", "x=y")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "policy lifecycle violation")

	code, _, _ = run("policy", "transition", "-artifact", artifact, "-from", "signed", "-to", "deployed")
	assert.Equal(t, exitFailed, code, "evidence is required")

	t.Setenv("ADAAD_CONSTITUTION_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	code, out, _ = run("policy", "check")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "FAIL")
}

func TestResumeWhenNotHalted(t *testing.T) {
	seedLedger(t)

	code, _, errOut := run("resume")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, errOut, "-operator")

	code, out, errOut := run("resume", "-operator", "alice", "-reason", "drill")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "not halted")
}
