//go:build gcp

package archive

import (
	"context"

	"github.com/howwee20/Bloom-sub001/pkg/config"
)

func newGCSStore(ctx context.Context, cfg *config.Config) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.ArchiveGCSBucket, Prefix: cfg.ArchivePrefix})
}
