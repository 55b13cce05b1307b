package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/slothvips/padsync/internal/transport"
)

// Notifier is the optional change-feed side of a transport. The relay
// backend implements it; the sheet backend does not and watch falls
// back to pure interval polling.
type Notifier interface {
	WatchChanges(ctx context.Context) (<-chan transport.ChangeNote, error)
}

// RunWatch runs push-then-pull cycles every interval until ctx is
// canceled. When the transport exposes a change feed, a note triggers
// an immediate pull instead of waiting out the interval. Cycle errors
// are logged and the loop keeps going; the error state is visible via
// Status(). Returns nil on clean shutdown.
func (e *Engine) RunWatch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	var notes <-chan transport.ChangeNote

	if notifier, ok := e.transport.(Notifier); ok {
		ch, err := notifier.WatchChanges(ctx)
		if err != nil {
			e.logger.Warn("change feed unavailable, polling only",
				slog.String("error", err.Error()),
			)
		} else {
			notes = ch
		}
	}

	e.logger.Info("watch started",
		slog.Duration("interval", interval),
		slog.Bool("change_feed", notes != nil),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Catch up immediately instead of idling a full interval first.
	e.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("watch stopped")

			return nil

		case note, ok := <-notes:
			if !ok {
				// Feed dropped; interval polling continues.
				notes = nil

				continue
			}

			e.logger.Debug("change note received", slog.Int64("cursor", note.Cursor))

			if _, err := e.Pull(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("pull after change note failed", slog.String("error", err.Error()))
			}

		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// cycle runs one push-then-pull pass, logging failures.
func (e *Engine) cycle(ctx context.Context) {
	if _, err := e.Push(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("push cycle failed", slog.String("error", err.Error()))
	}

	if _, err := e.Pull(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("pull cycle failed", slog.String("error", err.Error()))
	}
}
