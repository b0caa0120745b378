package trainer

import "context"

// Fake is a deterministic Trainer used by tests and by deployments that
// have not wired in a real model backend yet. It returns the input
// artifacts unchanged, so Training Job idempotence (P5) can be asserted
// without a real model.
type Fake struct {
	// TrainFunc, if set, overrides the default passthrough behavior.
	TrainFunc func(ctx context.Context, req Request) (Result, error)
}

func (f *Fake) Train(ctx context.Context, req Request) (Result, error) {
	if f.TrainFunc != nil {
		return f.TrainFunc(ctx, req)
	}
	return Result{Weights: req.Weights, Config: req.Config}, nil
}
