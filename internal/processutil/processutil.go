// Package processutil holds process-lifetime helpers for the CLI's main
// process: signal-driven cancellation of the top-level context.
package processutil

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// SignalContext returns a context that is canceled on the handed signal.
// The signal isn't watched after its first occurrence. Call the cancel
// function to ensure the internal goroutine is stopped and the signal isn't
// watched any longer.
func SignalContext(ctx context.Context, sig os.Signal) (context.Context, context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(ctx, sig)
	done := make(chan struct{}, 1)
	stopDone := make(chan struct{}, 1)

	go func() {
		defer func() { stopDone <- struct{}{} }()
		defer stop()
		select {
		case <-sigCtx.Done():
			fmt.Println("\rSignal caught. Press ctrl+c again to terminate the program immediately.")
		case <-done:
		}
	}()

	var once sync.Once
	cancelFunc := func() {
		once.Do(func() {
			done <- struct{}{}
			<-stopDone
		})
	}

	return sigCtx, cancelFunc
}
