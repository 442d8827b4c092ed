// Package jobs contains the scheduled jobs of the sync daemon: the periodic
// account refresh and journal maintenance.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REFRESH ACCOUNTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// Coordinator is the slice of the refresh coordinator this job needs.
type Coordinator interface {
	// AccountIDs lists all configured account identifiers.
	AccountIDs() []string

	// RunScheduledRefresh executes one refresh cycle for the account. The
	// cooldown gate does not apply to scheduled cycles, but an already
	// running cycle is rejected with ErrRefreshInProgress.
	RunScheduledRefresh(ctx context.Context, accountID string) error
}

// RefreshAccountsJob runs one refresh cycle for every configured account.
// Accounts are independent of each other, so the job fans out with a bounded
// worker pool and a failing account never delays its neighbours.
type RefreshAccountsJob struct {
	coordinator Coordinator
	logger      *slog.Logger
	config      RefreshAccountsConfig

	lastStats atomic.Value // *RefreshRunStats
}

// RefreshAccountsConfig contains configuration for the refresh job.
type RefreshAccountsConfig struct {
	// Concurrency is the number of accounts to refresh in parallel.
	Concurrency int

	// Timeout is the maximum duration for the entire run.
	Timeout time.Duration
}

// DefaultRefreshAccountsConfig returns sensible defaults. Concurrency stays
// low: every account talks to the same portal and shares its rate budget.
func DefaultRefreshAccountsConfig() RefreshAccountsConfig {
	return RefreshAccountsConfig{
		Concurrency: 2,
		Timeout:     15 * time.Minute,
	}
}

// RefreshRunStats contains statistics from one job run.
type RefreshRunStats struct {
	StartedAt      time.Time
	CompletedAt    time.Time
	Duration       time.Duration
	TotalAccounts  int
	RefreshedCount int
	SkippedCount   int
	FailedCount    int
	Errors         []RefreshError
}

// RefreshError records one failed account refresh.
type RefreshError struct {
	AccountID  string
	Error      error
	OccurredAt time.Time
}

// NewRefreshAccountsJob creates a new refresh job.
func NewRefreshAccountsJob(coordinator Coordinator, logger *slog.Logger, config RefreshAccountsConfig) *RefreshAccountsJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}

	return &RefreshAccountsJob{
		coordinator: coordinator,
		logger:      logger,
		config:      config,
	}
}

// Name returns the job name.
func (j *RefreshAccountsJob) Name() string {
	return "refresh_accounts"
}

// Description returns a human-readable description.
func (j *RefreshAccountsJob) Description() string {
	return "Runs a refresh cycle for every configured portal account"
}

// Run executes one refresh cycle per account.
func (j *RefreshAccountsJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	stats := &RefreshRunStats{
		StartedAt: startedAt,
		Errors:    make([]RefreshError, 0),
	}

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	accountIDs := j.coordinator.AccountIDs()
	stats.TotalAccounts = len(accountIDs)

	j.logger.Info("starting refresh_accounts job", "accounts", stats.TotalAccounts)

	if stats.TotalAccounts == 0 {
		j.finalize(stats)
		return nil
	}

	j.refreshConcurrently(ctx, accountIDs, stats)
	j.finalize(stats)

	j.logger.Info("refresh_accounts job completed",
		"duration", stats.Duration.String(),
		"total", stats.TotalAccounts,
		"refreshed", stats.RefreshedCount,
		"skipped", stats.SkippedCount,
		"failed", stats.FailedCount,
	)

	// One broken account is an account problem; most of them failing is a
	// portal or network problem the scheduler should surface.
	failureRate := float64(stats.FailedCount) / float64(stats.TotalAccounts)
	if failureRate > 0.5 {
		return fmt.Errorf("refresh failed for more than 50%% of accounts (%d/%d)",
			stats.FailedCount, stats.TotalAccounts)
	}

	return nil
}

// refreshConcurrently refreshes accounts using a bounded worker pool.
func (j *RefreshAccountsJob) refreshConcurrently(ctx context.Context, accountIDs []string, stats *RefreshRunStats) {
	var (
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, j.config.Concurrency)
		mu        sync.Mutex
	)

	for _, id := range accountIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(accountID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			err := j.coordinator.RunScheduledRefresh(ctx, accountID)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				stats.RefreshedCount++
			case shared.IsRejectedTrigger(err):
				// A cycle is already running for this account, likely a
				// manual trigger. Not a failure.
				stats.SkippedCount++
				j.logger.Debug("account refresh skipped",
					"account_id", accountID,
					"reason", err,
				)
			default:
				stats.FailedCount++
				stats.Errors = append(stats.Errors, RefreshError{
					AccountID:  accountID,
					Error:      err,
					OccurredAt: time.Now(),
				})
				j.logger.Error("account refresh failed",
					"account_id", accountID,
					"error", err,
				)
			}
		}(id)
	}

	wg.Wait()
}

func (j *RefreshAccountsJob) finalize(stats *RefreshRunStats) {
	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	j.lastStats.Store(stats)
}

// LastRunStats returns statistics from the last run, nil before the first.
func (j *RefreshAccountsJob) LastRunStats() *RefreshRunStats {
	stats := j.lastStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*RefreshRunStats)
}
