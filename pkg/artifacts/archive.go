// Package artifacts validates governed artifacts and writes forensic copies of the
// evidence ledger to content-addressed archive stores.
//
// Archives never hold the live ledger. Every object is a copy keyed by its SHA-256
// digest; archives expose no delete, so an exported snapshot cannot be withdrawn
// through this package.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when an archive holds no object for a digest.
var ErrNotFound = errors.New("artifacts: object not found")

// ErrInvalidDigest is returned for a digest not of the form sha256:<hex>.
var ErrInvalidDigest = errors.New("artifacts: invalid digest")

const digestPrefix = "sha256:"

// Archive is a write-once content-addressed store.
type Archive interface {
	// Put stores data and returns its digest. Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest returns the archive digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// objectName maps a digest to the bare hex name used as the object key.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	return raw + ".blob", nil
}

// FileArchive stores objects as files under a directory.
type FileArchive struct {
	dir string
	mu  sync.RWMutex
}

// NewFileArchive creates dir if needed.
func NewFileArchive(dir string) (*FileArchive, error) {
	//nolint:gosec // G301: archive directory is read by forensic tooling
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

// Dir returns the archive directory.
func (a *FileArchive) Dir() string { return a.dir }

func (a *FileArchive) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	name, err := objectName(digest)
	if err != nil {
		return "", err
	}
	path := filepath.Join(a.dir, name)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: archived copies are readable by forensic tooling
	if err := os.WriteFile(tmp, data, 0o444); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", digest, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("artifacts: commit %s: %w", digest, err)
	}
	return digest, nil
}

func (a *FileArchive) Get(_ context.Context, digest string) ([]byte, error) {
	name, err := objectName(digest)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	//nolint:gosec // G304: name is derived from a validated digest
	data, err := os.ReadFile(filepath.Join(a.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", digest, err)
	}
	if Digest(data) != digest {
		return nil, fmt.Errorf("artifacts: object %s does not match its digest", digest)
	}
	return data, nil
}

func (a *FileArchive) Exists(_ context.Context, digest string) (bool, error) {
	name, err := objectName(digest)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, err = os.Stat(filepath.Join(a.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifacts: stat %s: %w", digest, err)
	}
	return true, nil
}
