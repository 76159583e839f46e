package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
)

// ErrArchiveDisabled is returned by OpenArchive when no archive backend is configured.
var ErrArchiveDisabled = errors.New("artifacts: archive backend is none")

// OpenArchive builds the archive selected by cfg. The caller closes the result
// with CloseArchive.
func OpenArchive(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Backend {
	case "", config.ArchiveNone:
		return nil, ErrArchiveDisabled
	case config.ArchiveFile:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileArchive(dir)
	case config.ArchiveS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case config.ArchiveGCS:
		return newGCSArchive(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported archive backend %q", cfg.Backend)
	}
}

// CloseArchive releases archive clients that hold connections.
func CloseArchive(a Archive) error {
	if c, ok := a.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
