package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCore(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for _, pkg := range corePackages {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", pkg), 0o755))
	}
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", name), []byte(src), 0o600))
	}
}

func TestRepositoryCoreIsClean(t *testing.T) {
	violations, err := Check(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckFlagsForbiddenImports(t *testing.T) {
	root := t.TempDir()
	writeCore(t, root, map[string]string{
		"ledger/ok.go":      "package ledger\n\nimport \"context\"\n\nvar _ = context.Background\n",
		"epoch/bad.go":      "package epoch\n\nimport (\n\t\"math/rand\"\n)\n\nvar _ = rand.Int\n",
		"replay/bad.go":     "package replay\n\nimport _ \"github.com/x/y/pkg/api\"\n",
		"replay/ok_test.go": "package replay\n\nimport _ \"net/http\"\n",
	})

	violations, err := Check(root)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, filepath.Join("pkg", "epoch", "bad.go"), violations[0].File)
	assert.Equal(t, 4, violations[0].Line)
	assert.Equal(t, "math/rand", violations[0].Fragment)
	assert.Equal(t, "/pkg/api", violations[1].Fragment)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(root, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "2 core boundary violation(s)")
}

func TestCheckMissingPackage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(t.TempDir(), &stdout, &stderr))
	assert.Contains(t, stderr.String(), "core package")
}
