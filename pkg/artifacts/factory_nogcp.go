//go:build !gcp

package artifacts

import (
	"context"
	"errors"

	"github.com/InnovativeAI-adaad/ADAAD/pkg/config"
)

func newGCSArchive(context.Context, config.ArchiveConfig) (Archive, error) {
	return nil, errors.New("artifacts: gcs archive is not enabled in this build (use -tags gcp)")
}
