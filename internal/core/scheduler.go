package core

// scheduler.go provides background job scheduling for maintenance tasks.
//
// Currently implements report retention: reports older than the configured
// number of days are deleted through the normal deletion path, so the
// register and report numbering stay consistent.
//
// The scheduler is long-running and context-aware for graceful shutdown. It
// logs progress and errors but does not fail the application if an
// individual deletion fails.

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/esgregister/internal/config"
	"github.com/JonMunkholm/esgregister/internal/database"
)

// StartRetentionScheduler deletes expired reports immediately, then every
// CheckInterval, until ctx is cancelled. It returns at once when retention
// is disabled.
func (s *Service) StartRetentionScheduler(ctx context.Context, cfg config.RetentionConfig) {
	if cfg.ReportDays <= 0 {
		slog.Info("report retention disabled")
		return
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	slog.Info("retention scheduler started",
		"report_days", cfg.ReportDays,
		"check_interval", interval.String(),
	)

	// Run immediately on startup
	s.runRetentionJob(ctx, cfg.ReportDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.runRetentionJob(ctx, cfg.ReportDays)
		}
	}
}

// runRetentionJob performs one retention pass and returns the number of
// reports deleted.
func (s *Service) runRetentionJob(ctx context.Context, days int) int {
	start := time.Now()
	cutoff := s.now().AddDate(0, 0, -days)

	expired, err := s.store.ListReports(ctx, database.ReportFilter{CreatedBefore: cutoff})
	if err != nil {
		slog.Error("retention query failed", "error", err)
		return 0
	}

	deleted := 0
	for _, r := range expired {
		if s.runs.IsRunning(r.ID) {
			continue
		}
		if err := s.deleteReport(ctx, r.ID); err != nil {
			slog.Error("retention delete failed", "report_id", r.ID, "error", err)
			continue
		}
		deleted++
	}

	slog.Info("retention job completed",
		"reports_deleted", deleted,
		"cutoff", cutoff.Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted
}
