//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSBackendFromEnv(_ context.Context) (Backend, error) {
	return nil, fmt.Errorf("archive: gcs storage is not enabled in this build (use -tags gcp)")
}
