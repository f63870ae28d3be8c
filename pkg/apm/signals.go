package apm

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// WatchSignals shuts the agent down on SIGINT or SIGTERM and then re-raises
// the signal so the process's own handling (or the default exit) still runs.
// The returned function stops watching.
func (a *Agent) WatchSignals() (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
		})
	}

	go func() {
		select {
		case sig := <-sigChan:
			stop()
			a.logger.Info("signal received, flushing traces", zap.String("signal", sig.String()))

			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Exporter.ShutdownTimeout)
			if err := a.Shutdown(ctx); err != nil {
				a.logger.Warn("shutdown on signal", zap.Error(err))
			}
			cancel()

			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		case <-done:
		}
	}()
	return stop
}
