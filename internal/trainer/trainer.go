// Package trainer provides the opaque model-training backend invoked by
// the Training Job once artifacts and Druid responses are assembled.
package trainer

import (
	"context"

	"github.com/redborder-io/outlierscoord/internal/druid"
)

// Request bundles everything a Trainer needs to refresh one model.
type Request struct {
	Model      string
	Weights    []byte
	Config     []byte
	Responses  []druid.Response
	Epochs     int
	BatchSize  int
	BackupPath string
}

// Result is the refreshed model output a Trainer hands back for upload.
type Result struct {
	Weights []byte
	Config  []byte
}

// Trainer is the opaque training step: given the downloaded (or
// fallback) artifacts and the queried Druid data, it returns refreshed
// artifacts to be uploaded back to the artifact store.
type Trainer interface {
	Train(ctx context.Context, req Request) (Result, error)
}
