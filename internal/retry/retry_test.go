package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{Initial: time.Second, Factor: 2, Max: 5 * time.Second, MaxAttempts: 10}
	if got := p.Delay(1); got != time.Second {
		t.Fatalf("attempt 1: got %v, want 1s", got)
	}
	if got := p.Delay(4); got != 5*time.Second {
		t.Fatalf("attempt 4: got %v, want capped 5s", got)
	}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Initial: time.Millisecond, Factor: 2, Max: time.Millisecond, MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	want := errors.New("still failing")
	calls := 0
	err := Do(context.Background(), Policy{Initial: time.Millisecond, Factor: 2, Max: 2 * time.Millisecond, MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Default, func(ctx context.Context) error {
		t.Fatal("fn should not be called with a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
