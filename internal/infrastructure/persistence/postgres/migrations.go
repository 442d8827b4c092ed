package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE REFRESH CYCLES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create the refresh cycle journal
-- Version: 001
-- The journal is write-only operational history. The sync engine keeps its
-- state in memory and never reads these tables back.

CREATE TABLE IF NOT EXISTS refresh_cycles (
    cycle_id UUID PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    triggered_by VARCHAR(16) NOT NULL DEFAULT 'scheduled',
    status VARCHAR(16) NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
    students INTEGER NOT NULL DEFAULT 0,
    new_homework INTEGER NOT NULL DEFAULT 0,
    new_grades INTEGER NOT NULL DEFAULT 0,
    slot_changes INTEGER NOT NULL DEFAULT 0,
    failed_reports TEXT[] NOT NULL DEFAULT '{}',
    error_text TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    -- Constraints for data integrity
    CONSTRAINT valid_cycle_status CHECK (status IN ('completed', 'failed')),
    CONSTRAINT valid_cycle_trigger CHECK (triggered_by IN ('scheduled', 'manual')),
    CONSTRAINT valid_cycle_window CHECK (finished_at >= started_at)
);

-- Indexes for inspection queries and retention pruning
CREATE INDEX IF NOT EXISTS idx_refresh_cycles_account ON refresh_cycles(account_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_refresh_cycles_started_at ON refresh_cycles(started_at);
CREATE INDEX IF NOT EXISTS idx_refresh_cycles_failed ON refresh_cycles(account_id, started_at DESC) WHERE status = 'failed';
`

const migration001Down = `
DROP TABLE IF EXISTS refresh_cycles;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE DETECTED CHANGES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create the detected-change log
-- Version: 002
-- One row per new homework item, new grade, or timetable slot change the
-- diff of a refresh cycle surfaced.

CREATE TABLE IF NOT EXISTS detected_changes (
    id BIGSERIAL PRIMARY KEY,
    -- Deliberately no foreign key to refresh_cycles: change rows are
    -- flushed before the cycle row lands.
    cycle_id UUID,
    student_key VARCHAR(64) NOT NULL,
    category VARCHAR(16) NOT NULL,
    dedup_key TEXT NOT NULL,
    summary TEXT NOT NULL,
    detail JSONB NOT NULL DEFAULT '{}'::jsonb,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_change_category CHECK (category IN ('homework', 'grade', 'schedule')),
    UNIQUE (cycle_id, dedup_key)
);

-- Indexes for inspection queries and retention pruning
CREATE INDEX IF NOT EXISTS idx_detected_changes_student ON detected_changes(student_key, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_detected_changes_occurred ON detected_changes(occurred_at);
CREATE INDEX IF NOT EXISTS idx_detected_changes_category ON detected_changes(category);
`

const migration002Down = `
DROP TABLE IF EXISTS detected_changes;
`

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_refresh_cycles",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_detected_changes",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
	}
}
