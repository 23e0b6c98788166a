// Package groutine starts named goroutines. Every long-lived loop in the
// fleet core (queue processor, burst scheduler, poll loop, reconnect timers)
// runs under a pprof label so stuck goroutines are identifiable in profiles.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labeled with name. A nil parentCtx means
// context.Background().
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name retrieves the goroutine name from a context created by Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}
