//go:build !gcp

package audit

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, string) (Sink, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
