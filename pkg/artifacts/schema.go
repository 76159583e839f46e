package artifacts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind names a governed artifact.
type Kind string

const (
	KindMeta           Kind = "meta"
	KindDNA            Kind = "dna"
	KindCertificate    Kind = "certificate"
	KindLedgerSnapshot Kind = "ledger_snapshot"
)

// Kinds lists every governed artifact kind.
var Kinds = []Kind{KindMeta, KindDNA, KindCertificate, KindLedgerSnapshot}

// SchemaVersion is the only governed artifact version this build understands.
const SchemaVersion = "1.0"

var (
	ErrUnknownKind     = errors.New("artifacts: unknown artifact kind")
	ErrSchemaVersion   = errors.New("artifacts: missing or unsupported schema_version")
	ErrInvalidArtifact = errors.New("artifacts: artifact does not match its schema")
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://adaad.schemas.local/artifacts/"

var supportedVersions = map[Kind][]string{
	KindMeta:           {SchemaVersion},
	KindDNA:            {SchemaVersion},
	KindCertificate:    {SchemaVersion},
	KindLedgerSnapshot: {SchemaVersion},
}

var (
	schemasOnce sync.Once
	schemas     map[Kind]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[Kind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		out := make(map[Kind]*jsonschema.Schema, len(Kinds))
		for _, k := range Kinds {
			name := string(k) + ".schema.json"
			src, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("artifacts: read schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(src)); err != nil {
				schemasErr = fmt.Errorf("artifacts: load schema %s: %w", name, err)
				return
			}
			s, err := c.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("artifacts: compile schema %s: %w", name, err)
				return
			}
			out[k] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate checks raw against the schema for kind. The schema_version is checked
// first so that a document from a newer or older writer is refused as such rather
// than as a shape mismatch.
func Validate(kind Kind, raw []byte) error {
	versions, ok := supportedVersions[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	doc, err := decodeJSON(raw)
	if err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", ErrInvalidArtifact, kind, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s must be a JSON object", ErrInvalidArtifact, kind)
	}
	version, _ := obj["schema_version"].(string)
	if version == "" {
		return fmt.Errorf("%w: %s has no schema_version", ErrSchemaVersion, kind)
	}
	if !slices.Contains(versions, version) {
		return fmt.Errorf("%w: %s schema_version %q", ErrSchemaVersion, kind, version)
	}

	compiled, err := compiledSchemas()
	if err != nil {
		return err
	}
	if err := compiled[kind].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, kind, err)
	}
	return nil
}

// decodeJSON decodes a single JSON value with numbers preserved as json.Number,
// as jsonschema/v5 expects, and rejects trailing data.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid character after top-level value")
	}
	return doc, nil
}
