//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, string, string) (Store, error) {
	return nil, fmt.Errorf("gcs archive is not enabled in this build (use -tags gcp)")
}
