// Package journal defines the append-only refresh history: one record per
// finished cycle plus one record per detected change. The journal is an
// operational log, never a source of truth; the engine rebuilds all state
// from the portal and keeps its snapshots in memory.
package journal

import (
	"context"
	"time"
)

// CycleStatus is the terminal outcome of a refresh cycle.
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// Trigger values name the two ways a cycle starts.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Change categories of the detected-change log.
const (
	ChangeHomework = "homework"
	ChangeGrade    = "grade"
	ChangeSchedule = "schedule"
)

// CycleRecord is the journal entry of one finished refresh cycle.
type CycleRecord struct {
	CycleID   string
	AccountID string

	// Trigger is TriggerScheduled or TriggerManual.
	Trigger string

	Status     CycleStatus
	StartedAt  time.Time
	FinishedAt time.Time

	// Students is the number of students the cycle covered.
	Students int

	// Change counters from the published diff. Zero on failed cycles.
	NewHomework int
	NewGrades   int
	SlotChanges int

	// FailedReports carries the per-category failure notes of a completed
	// cycle whose snapshot was published with partial errors.
	FailedReports []string

	// ErrorText is the failure reason of a failed cycle.
	ErrorText string
}

// ChangeRecord is the journal entry of one detected change.
type ChangeRecord struct {
	// CycleID correlates the change with the cycle that detected it.
	// Change events carry it as their correlation id.
	CycleID string

	// StudentKey is the "schoolID:studentID" identity string.
	StudentKey string

	// Category is ChangeHomework, ChangeGrade or ChangeSchedule.
	Category string

	// DedupKey makes redelivered events idempotent: storage ignores a
	// second record with the same (cycle, dedup) pair.
	DedupKey string

	// Summary is a one-line description of the change.
	Summary string

	// Detail carries the structured event payload. Nil when payload
	// storage is switched off.
	Detail map[string]any

	OccurredAt time.Time
}

// Recorder appends to the journal. Implementations must tolerate
// redelivery; the event pipeline retries failed handlers.
type Recorder interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
	RecordChange(ctx context.Context, rec ChangeRecord) error
}
