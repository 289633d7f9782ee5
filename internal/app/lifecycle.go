package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignals listens for os.Interrupt and syscall.SIGTERM
// and calls onSignal once when one arrives or ctx ends.
func WaitForSignals(ctx context.Context, onSignal func()) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		if onSignal != nil {
			onSignal()
		}
	}()
}
