package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRUNE JOURNAL JOB
// ══════════════════════════════════════════════════════════════════════════════

// JournalPruner is the slice of the refresh journal this job needs.
type JournalPruner interface {
	// PruneBefore deletes journal entries older than the cutoff and returns
	// how many rows were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneJournalJob trims the append-only refresh journal. The journal records
// every cycle of every account; without a retention cap it grows by dozens
// of rows a day forever.
type PruneJournalJob struct {
	pruner JournalPruner
	logger *slog.Logger
	config PruneJournalConfig

	lastStats atomic.Value // *PruneStats
}

// PruneJournalConfig contains configuration for the prune job.
type PruneJournalConfig struct {
	// RetentionDays is how long journal entries are kept.
	RetentionDays int

	// Timeout is the maximum duration for the job.
	Timeout time.Duration
}

// DefaultPruneJournalConfig returns sensible defaults. A school year of
// hourly cycles fits comfortably in 90 days of history for debugging.
func DefaultPruneJournalConfig() PruneJournalConfig {
	return PruneJournalConfig{
		RetentionDays: 90,
		Timeout:       time.Minute,
	}
}

// PruneStats contains statistics from a prune run.
type PruneStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Cutoff      time.Time
	RowsRemoved int64
}

// NewPruneJournalJob creates a new prune job.
func NewPruneJournalJob(pruner JournalPruner, logger *slog.Logger, config PruneJournalConfig) *PruneJournalJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 90
	}

	return &PruneJournalJob{
		pruner: pruner,
		logger: logger,
		config: config,
	}
}

// Name returns the job name.
func (j *PruneJournalJob) Name() string {
	return "prune_journal"
}

// Description returns a human-readable description.
func (j *PruneJournalJob) Description() string {
	return "Removes refresh journal entries past the retention window"
}

// Run executes the prune.
func (j *PruneJournalJob) Run(ctx context.Context) error {
	if j.pruner == nil {
		// Journal disabled; nothing to prune.
		return nil
	}

	startedAt := time.Now()
	cutoff := startedAt.AddDate(0, 0, -j.config.RetentionDays)

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	removed, err := j.pruner.PruneBefore(ctx, cutoff)

	stats := &PruneStats{
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
		Cutoff:      cutoff,
		RowsRemoved: removed,
	}
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastStats.Store(stats)

	if err != nil {
		return fmt.Errorf("prune journal before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	j.logger.Info("journal pruned",
		"cutoff", cutoff.Format(time.RFC3339),
		"rows_removed", removed,
		"duration", stats.Duration.String(),
	)

	return nil
}

// LastRunStats returns statistics from the last run, nil before the first.
func (j *PruneJournalJob) LastRunStats() *PruneStats {
	stats := j.lastStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*PruneStats)
}
