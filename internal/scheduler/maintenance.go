package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceSchedule runs maintenance every ten minutes.
const DefaultMaintenanceSchedule = "*/10 * * * *"

// WorkspaceSweeper removes job directories older than a cutoff.
type WorkspaceSweeper interface {
	SweepJobs(cutoff time.Time) (int, error)
}

// HistoryPruner deletes persisted job history older than a cutoff.
type HistoryPruner interface {
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
}

// MaintenanceConfig controls the periodic cleanup.
type MaintenanceConfig struct {
	Schedule  string        // five-field cron expression
	OrphanAge time.Duration // job dirs older than this are orphans
	Retain    time.Duration // finished jobs kept in memory and storage
}

// Maintenance periodically removes orphaned workspaces (left behind by a
// crash mid-job) and prunes finished jobs.
type Maintenance struct {
	scheduler *Scheduler
	sweeper   WorkspaceSweeper
	history   HistoryPruner
	config    MaintenanceConfig
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewMaintenance validates the schedule. history may be nil.
func NewMaintenance(s *Scheduler, sweeper WorkspaceSweeper, history HistoryPruner, cfg MaintenanceConfig, logger *slog.Logger) (*Maintenance, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultMaintenanceSchedule
	}
	m := &Maintenance{
		scheduler: s,
		sweeper:   sweeper,
		history:   history,
		config:    cfg,
		logger:    logger,
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	m.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := m.cron.AddFunc(cfg.Schedule, func() { m.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return m, nil
}

// Start begins the cron loop. The returned function stops it and waits for
// a run in progress.
func (m *Maintenance) Start(ctx context.Context) func() {
	m.logger.InfoContext(ctx, "maintenance started",
		slog.String("schedule", m.config.Schedule),
		slog.Duration("orphan_age", m.config.OrphanAge),
		slog.Duration("retain", m.config.Retain),
	)
	m.cron.Start()
	return func() {
		<-m.cron.Stop().Done()
		m.logger.Info("maintenance stopped")
	}
}

// RunOnce performs one maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	now := time.Now()

	if m.sweeper != nil && m.config.OrphanAge > 0 {
		n, err := m.sweeper.SweepJobs(now.Add(-m.config.OrphanAge))
		if err != nil {
			m.logger.ErrorContext(ctx, "workspace sweep failed", slog.String("error", err.Error()))
		}
		if n > 0 {
			m.logger.WarnContext(ctx, "removed orphaned workspaces", slog.Int("count", n))
			if m.scheduler != nil && m.scheduler.metrics != nil {
				m.scheduler.metrics.SweptJobs.Add(float64(n))
			}
		}
	}

	if m.config.Retain <= 0 {
		return
	}
	cutoff := now.Add(-m.config.Retain)
	if m.scheduler != nil {
		if n := m.scheduler.Prune(cutoff); n > 0 {
			m.logger.DebugContext(ctx, "pruned finished jobs", slog.Int("count", n))
		}
	}
	if m.history != nil {
		n, err := m.history.PruneJobs(ctx, cutoff)
		if err != nil {
			m.logger.ErrorContext(ctx, "history prune failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			m.logger.InfoContext(ctx, "pruned job history", slog.Int64("count", n))
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
