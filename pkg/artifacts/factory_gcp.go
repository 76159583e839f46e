//go:build gcp

package artifacts

import (
	"context"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
)

func newGCSArchive(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
