//go:build !gcp

package archive

import (
	"context"
	"errors"

	"github.com/howwee20/Bloom-sub001/pkg/config"
)

func newGCSStore(context.Context, *config.Config) (Store, error) {
	return nil, errors.New("archive: GCS storage is not enabled in this build (use -tags gcp)")
}
