// Package cleanup runs periodic background work and coordinates its clean
// shutdown.
package cleanup

import (
	"context"
	"sync"
	"time"

	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/util"
)

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
)

// Initialize the package.
func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick func(ctx context.Context), cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is canceled AND tick is finished.
		util.RepeatCtx(ctx, tickFrequency, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// Cleanup cancels all tick functions registered via Repeat(), then waits for
// them to fully stop running and for their cleanup functions to run.
func Cleanup() {
	cslog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	cslog.Warningf("Finished clean shutdown procedure.")
}
