package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgent(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func TestValidateAgentDir(t *testing.T) {
	meta := `{"schema_version":"1.0","agent_id":"sample"}`
	dna := `{"schema_version":"1.0","generation":1}`
	cert := `{"schema_version":"1.0","agent_id":"sample"}`
	dir := writeAgent(t, map[string]string{"meta.json": meta, "dna.json": dna, "certificate.json": cert})

	res, err := ValidateAgentDir(dir)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, LineageHash([]byte(meta), []byte(dna), []byte(cert)), res.LineageHash)
	assert.Len(t, res.LineageHash, 64)

	changed, err := ValidateAgentDir(writeAgent(t, map[string]string{
		"meta.json": meta, "dna.json": `{"schema_version":"1.0","generation":2}`, "certificate.json": cert,
	}))
	require.NoError(t, err)
	assert.NotEqual(t, res.LineageHash, changed.LineageHash)
}

func TestValidateAgentDirReportsProblems(t *testing.T) {
	dir := writeAgent(t, map[string]string{
		"meta.json": `{"agent_id":"sample"}`,
		"dna.json":  `{"schema_version":"1.0"}`,
	})
	res, err := ValidateAgentDir(dir)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, []string{"certificate.json"}, res.Missing)
	assert.ErrorIs(t, res.Invalid["meta.json"], ErrSchemaVersion)
	assert.Empty(t, res.LineageHash)
}
