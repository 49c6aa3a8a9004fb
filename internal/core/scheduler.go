package core

// scheduler.go runs the mapping table repair in the background.
//
// Rows deleted without hooks (bulk SQL, other tools writing to the same
// database) leave mapping entries pointing nowhere. The clean job removes
// them periodically. It logs failures and keeps running.

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/recordio/internal/mapping"
)

// DefaultCleanInterval is used when no interval is configured.
const DefaultCleanInterval = time.Hour

// StartCleanScheduler cleans orphaned mapping entries immediately and then
// every interval until ctx is cancelled.
func (s *Service) StartCleanScheduler(ctx context.Context, interval time.Duration, filter mapping.CleanFilter) {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	slog.Info("clean scheduler started", "interval", interval.String())

	s.runCleanJob(ctx, filter)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("clean scheduler stopped")
			return
		case <-ticker.C:
			s.runCleanJob(ctx, filter)
		}
	}
}

func (s *Service) runCleanJob(ctx context.Context, filter mapping.CleanFilter) {
	if !s.gate.TryAcquire() {
		slog.Info("clean job skipped, store busy")
		return
	}
	defer s.gate.Release()

	start := time.Now()
	n, err := s.clean(ctx, filter)
	if err != nil {
		slog.Error("clean failed", "error", err)
		return
	}
	slog.Info("clean job completed",
		"removed", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
