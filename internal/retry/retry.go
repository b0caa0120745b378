// Package retry implements the bounded exponential backoff shared by the
// coordination and druid clients.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff curve.
type Policy struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// Default is the curve named in the coordination client's design: 1s
// initial, doubling, capped at 30s, at most 15 attempts.
var Default = Policy{
	Initial:     time.Second,
	Factor:      2,
	Max:         30 * time.Second,
	MaxAttempts: 15,
}

// Delay returns the backoff delay before attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Max {
			return p.Max
		}
	}
	return d
}

// Do calls fn until it succeeds, the policy's attempt budget is exhausted,
// or ctx is canceled. The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
