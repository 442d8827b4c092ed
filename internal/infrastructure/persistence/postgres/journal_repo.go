package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/schulhub/schulsync/internal/domain/journal"
)

// JournalRepository implements journal.Recorder on PostgreSQL and the
// pruner contract of the retention job. All writes are idempotent because
// the event pipeline may redeliver after handler retries: a cycle that is
// already journaled hits its primary key, a change its dedup constraint,
// and both are silently ignored.
type JournalRepository struct {
	conn   *Connection
	logger *slog.Logger
}

// NewJournalRepository creates a journal repository on an open connection.
func NewJournalRepository(conn *Connection, logger *slog.Logger) *JournalRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalRepository{
		conn:   conn,
		logger: logger.With("component", "journal"),
	}
}

// RecordCycle appends the outcome of one finished refresh cycle.
func (r *JournalRepository) RecordCycle(ctx context.Context, rec journal.CycleRecord) error {
	if rec.CycleID == "" {
		return errors.New("postgres: cycle record without cycle id")
	}

	const query = `
		INSERT INTO refresh_cycles (
			cycle_id, account_id, triggered_by, status,
			started_at, finished_at, students,
			new_homework, new_grades, slot_changes,
			failed_reports, error_text
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (cycle_id) DO NOTHING
	`

	failed := rec.FailedReports
	if failed == nil {
		failed = []string{}
	}

	tag, err := r.conn.Exec(ctx, query,
		rec.CycleID, rec.AccountID, rec.Trigger, string(rec.Status),
		rec.StartedAt, rec.FinishedAt, rec.Students,
		rec.NewHomework, rec.NewGrades, rec.SlotChanges,
		failed, rec.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", rec.CycleID, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("cycle already journaled", "cycle_id", rec.CycleID)
	}
	return nil
}

// RecordChange appends one detected change. A change without a cycle id is
// stored with NULL correlation; such rows cannot be deduplicated, which is
// acceptable for a degraded path that should not occur in normal operation.
func (r *JournalRepository) RecordChange(ctx context.Context, rec journal.ChangeRecord) error {
	const query = `
		INSERT INTO detected_changes (
			cycle_id, student_key, category, dedup_key,
			summary, detail, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle_id, dedup_key) DO NOTHING
	`

	var cycleID any
	if rec.CycleID != "" {
		cycleID = rec.CycleID
	}

	detail := rec.Detail
	if detail == nil {
		detail = map[string]any{}
	}

	_, err := r.conn.Exec(ctx, query,
		cycleID, rec.StudentKey, rec.Category, rec.DedupKey,
		rec.Summary, detail, rec.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("record change for %s: %w", rec.StudentKey, err)
	}
	return nil
}

// PruneBefore removes journal rows older than the cutoff. Cycle rows go by
// start time, change rows by occurrence time, both in one transaction so a
// half-pruned journal never survives. Returns the total number of rows
// removed across both tables.
func (r *JournalRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM detected_changes WHERE occurred_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("prune detected_changes: %w", err)
		}
		removed += tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM refresh_cycles WHERE started_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("prune refresh_cycles: %w", err)
		}
		removed += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
