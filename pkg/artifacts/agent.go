package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// agentFiles are the governed files every agent directory carries, in lineage order.
var agentFiles = []struct {
	name string
	kind Kind
}{
	{"meta.json", KindMeta},
	{"dna.json", KindDNA},
	{"certificate.json", KindCertificate},
}

// AgentValidation reports the state of one agent directory.
type AgentValidation struct {
	Path        string
	Missing     []string
	Invalid     map[string]error
	LineageHash string
}

// OK reports whether every governed file is present and valid.
func (v AgentValidation) OK() bool {
	return len(v.Missing) == 0 && len(v.Invalid) == 0
}

// ValidateAgentDir checks that dir holds meta.json, dna.json and certificate.json,
// validates each against its schema and computes the lineage hash. The lineage hash
// is only set when all files are present.
func ValidateAgentDir(dir string) (AgentValidation, error) {
	res := AgentValidation{Path: dir, Invalid: map[string]error{}}
	contents := make([][]byte, 0, len(agentFiles))
	for _, f := range agentFiles {
		//nolint:gosec // G304: agent directory is operator supplied
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if errors.Is(err, os.ErrNotExist) {
			res.Missing = append(res.Missing, f.name)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("artifacts: read %s: %w", f.name, err)
		}
		if err := Validate(f.kind, data); err != nil {
			res.Invalid[f.name] = err
		}
		contents = append(contents, data)
	}
	if len(res.Missing) == 0 {
		res.LineageHash = LineageHash(contents[0], contents[1], contents[2])
	}
	return res, nil
}

// LineageHash hashes the governed files of an agent, each prefixed by its file name.
func LineageHash(meta, dna, certificate []byte) string {
	h := sha256.New()
	for i, data := range [][]byte{meta, dna, certificate} {
		h.Write([]byte(agentFiles[i].name))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}
