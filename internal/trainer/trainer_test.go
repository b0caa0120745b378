package trainer

import (
	"context"
	"testing"
)

func TestFakePassesArtifactsThroughByDefault(t *testing.T) {
	f := &Fake{}
	result, err := f.Train(context.Background(), Request{
		Model:   "traffic",
		Weights: []byte("w1"),
		Config:  []byte("c1"),
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if string(result.Weights) != "w1" || string(result.Config) != "c1" {
		t.Fatalf("result = %+v, want passthrough of input artifacts", result)
	}
}

func TestFakeHonorsOverride(t *testing.T) {
	f := &Fake{TrainFunc: func(ctx context.Context, req Request) (Result, error) {
		return Result{Weights: []byte("retrained"), Config: req.Config}, nil
	}}
	result, err := f.Train(context.Background(), Request{Model: "traffic", Weights: []byte("w1"), Config: []byte("c1")})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if string(result.Weights) != "retrained" {
		t.Fatalf("Weights = %q, want retrained", result.Weights)
	}
}
