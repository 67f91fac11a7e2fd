package main

import (
	"context"
	"log/slog"
	"time"

	"peercall-platform/internal/calls"
	"peercall-platform/internal/config"
	"peercall-platform/internal/presence"
)

// runJanitor removes presence records whose owner stopped heartbeating and
// call requests nobody cleaned up.
func runJanitor(ctx context.Context, reg *presence.Registry, reqs *calls.Requests, cfg config.CallConfig, log *slog.Logger) {
	t := time.NewTicker(cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			staleBefore := now.Add(-cfg.PresenceStaleAfter)
			if n, err := reg.Sweep(ctx, staleBefore); err != nil {
				log.Warn("presence sweep failed", "err", err)
			} else if n > 0 {
				log.Info("presence swept", "removed", n)
			}
			if n, err := reqs.SweepStale(ctx, now.Add(-cfg.RequestTTL), presenceLiveness(reg, staleBefore)); err != nil {
				log.Warn("request sweep failed", "err", err)
			} else if n > 0 {
				log.Info("stale requests swept", "removed", n)
			}
		}
	}
}

func presenceLiveness(reg *presence.Registry, staleBefore time.Time) calls.Liveness {
	return func(ctx context.Context, userID string) (bool, error) {
		return reg.Live(ctx, userID, staleBefore)
	}
}
