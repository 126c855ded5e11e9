// Package util holds small shared helpers with no better home.
package util

import (
	"context"
	"time"
)

// RepeatCtx calls the provided function 'fn' immediately and then in intervals
// defined by 'interval'. If the given context is canceled, the iteration stops.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	done := ctx.Done()
	defer ticker.Stop()
	fn(ctx)
MainLoop:
	for {
		select {
		case <-done:
			break MainLoop
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// TimeIsZero returns true if the time.Time is a zero value or the unix epoch.
func TimeIsZero(t time.Time) bool {
	return t.IsZero() || t.UTC() == time.Unix(0, 0).UTC()
}

// In returns true if the given value is in the given slice.
func In[T comparable](v T, s []T) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// WithTimeout runs fn with a context that has the given timeout applied.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
