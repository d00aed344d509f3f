//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, StorageConfig) (Store, error) {
	return nil, errors.New("credentiald was built without GCS support; rebuild with -tags gcp")
}
