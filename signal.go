package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
)

// shutdownContext cancels the returned context on the first
// SIGINT/SIGTERM so in-flight sync cycles can drain, then restores
// default signal handling so a second signal terminates the process
// immediately if shutdown hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()

		if parent.Err() == nil {
			logger.Info("shutdown signal received, finishing up; repeat to force quit")
		}

		stop()
	}()

	return ctx
}
