// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types - these drive the event-driven architecture.
// Each event represents something significant that happened in the domain.
const (
	// Change detection events
	EventHomeworkDetected EventType = "homework.new"
	EventGradeDetected    EventType = "grade.new"
	EventScheduleChanged  EventType = "schedule.changed"

	// Refresh lifecycle events
	EventRefreshStarted   EventType = "refresh.started"
	EventRefreshCompleted EventType = "refresh.completed"
	EventRefreshFailed    EventType = "refresh.failed"

	// Session events
	EventSessionRenewed EventType = "session.renewed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Change Detection Events
// ═══════════════════════════════════════════════════════════════════════════

// HomeworkDetectedEvent is emitted when a homework item appears that was not
// present in the previous snapshot. It is never emitted on the first refresh
// of an account; that cycle only seeds the baseline.
type HomeworkDetectedEvent struct {
	BaseEvent
	StudentID int64  `json:"student_id"`
	SchoolID  int64  `json:"school_id"`
	Subject   string `json:"subject"`
	DueDate   string `json:"due_date"` // ISO date
	Text      string `json:"text"`
	ItemKey   string `json:"item_key"`
}

// Payload implements Event interface.
func (e HomeworkDetectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"school_id":  e.SchoolID,
		"subject":    e.Subject,
		"due_date":   e.DueDate,
		"text":       e.Text,
		"item_key":   e.ItemKey,
	}
}

// NewHomeworkDetectedEvent creates a new HomeworkDetectedEvent.
func NewHomeworkDetectedEvent(key StudentKey, subject, dueDate, text, itemKey string) HomeworkDetectedEvent {
	return HomeworkDetectedEvent{
		BaseEvent: NewBaseEvent(EventHomeworkDetected, key.String()),
		StudentID: key.StudentID,
		SchoolID:  key.SchoolID,
		Subject:   subject,
		DueDate:   dueDate,
		Text:      text,
		ItemKey:   itemKey,
	}
}

// GradeDetectedEvent is emitted when a grade appears that was not present in
// the previous snapshot. Suppressed on the first refresh of an account.
type GradeDetectedEvent struct {
	BaseEvent
	StudentID       int64   `json:"student_id"`
	SchoolID        int64   `json:"school_id"`
	SubjectID       int64   `json:"subject_id"`
	SubjectName     string  `json:"subject_name"`
	RawValue        string  `json:"raw_value"`
	NormalizedValue float64 `json:"normalized_value"`
	Tendency        string  `json:"tendency"`
}

// Payload implements Event interface.
func (e GradeDetectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":       e.StudentID,
		"school_id":        e.SchoolID,
		"subject_id":       e.SubjectID,
		"subject_name":     e.SubjectName,
		"raw_value":        e.RawValue,
		"normalized_value": e.NormalizedValue,
		"tendency":         e.Tendency,
	}
}

// NewGradeDetectedEvent creates a new GradeDetectedEvent.
func NewGradeDetectedEvent(key StudentKey, subjectID int64, subjectName, rawValue string, normalized float64, tendency string) GradeDetectedEvent {
	return GradeDetectedEvent{
		BaseEvent:       NewBaseEvent(EventGradeDetected, key.String()),
		StudentID:       key.StudentID,
		SchoolID:        key.SchoolID,
		SubjectID:       subjectID,
		SubjectName:     subjectName,
		RawValue:        rawValue,
		NormalizedValue: normalized,
		Tendency:        tendency,
	}
}

// ScheduleChangedEvent is emitted when a timetable slot changes kind between
// two snapshots, e.g. a regular lesson becomes a cancellation.
type ScheduleChangedEvent struct {
	BaseEvent
	StudentID  int64  `json:"student_id"`
	SchoolID   int64  `json:"school_id"`
	Date       string `json:"date"` // ISO date
	HourNumber int    `json:"hour_number"`
	FromKind   string `json:"from_kind"`
	ToKind     string `json:"to_kind"`
	Subject    string `json:"subject"`
}

// Payload implements Event interface.
func (e ScheduleChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":  e.StudentID,
		"school_id":   e.SchoolID,
		"date":        e.Date,
		"hour_number": e.HourNumber,
		"from_kind":   e.FromKind,
		"to_kind":     e.ToKind,
		"subject":     e.Subject,
	}
}

// NewScheduleChangedEvent creates a new ScheduleChangedEvent.
func NewScheduleChangedEvent(key StudentKey, date string, hour int, fromKind, toKind, subject string) ScheduleChangedEvent {
	return ScheduleChangedEvent{
		BaseEvent:  NewBaseEvent(EventScheduleChanged, key.String()),
		StudentID:  key.StudentID,
		SchoolID:   key.SchoolID,
		Date:       date,
		HourNumber: hour,
		FromKind:   fromKind,
		ToKind:     toKind,
		Subject:    subject,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Refresh Lifecycle Events
// ═══════════════════════════════════════════════════════════════════════════

// RefreshStartedEvent is emitted when a refresh cycle begins.
type RefreshStartedEvent struct {
	BaseEvent
	AccountID string `json:"account_id"`
	CycleID   string `json:"cycle_id"`
	Manual    bool   `json:"manual"`
}

// Payload implements Event interface.
func (e RefreshStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"account_id": e.AccountID,
		"cycle_id":   e.CycleID,
		"manual":     e.Manual,
	}
}

// NewRefreshStartedEvent creates a new RefreshStartedEvent.
func NewRefreshStartedEvent(accountID, cycleID string, manual bool) RefreshStartedEvent {
	return RefreshStartedEvent{
		BaseEvent: NewBaseEvent(EventRefreshStarted, accountID),
		AccountID: accountID,
		CycleID:   cycleID,
		Manual:    manual,
	}
}

// RefreshCompletedEvent is emitted after a snapshot has been published.
type RefreshCompletedEvent struct {
	BaseEvent
	AccountID     string        `json:"account_id"`
	CycleID       string        `json:"cycle_id"`
	Manual        bool          `json:"manual"`
	Students      int           `json:"students"`
	Duration      time.Duration `json:"duration"`
	NewHomework   int           `json:"new_homework"`
	NewGrades     int           `json:"new_grades"`
	SlotChanges   int           `json:"slot_changes"`
	FailedReports []string      `json:"failed_reports,omitempty"` // per-category failure notes
}

// Payload implements Event interface.
func (e RefreshCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"account_id":     e.AccountID,
		"cycle_id":       e.CycleID,
		"manual":         e.Manual,
		"students":       e.Students,
		"duration":       e.Duration.String(),
		"new_homework":   e.NewHomework,
		"new_grades":     e.NewGrades,
		"slot_changes":   e.SlotChanges,
		"failed_reports": e.FailedReports,
	}
}

// NewRefreshCompletedEvent creates a new RefreshCompletedEvent.
func NewRefreshCompletedEvent(accountID, cycleID string, manual bool, students int, duration time.Duration) RefreshCompletedEvent {
	return RefreshCompletedEvent{
		BaseEvent: NewBaseEvent(EventRefreshCompleted, accountID),
		AccountID: accountID,
		CycleID:   cycleID,
		Manual:    manual,
		Students:  students,
		Duration:  duration,
	}
}

// WithChangeCounts attaches diff counters to the event.
func (e RefreshCompletedEvent) WithChangeCounts(homework, grades, slots int) RefreshCompletedEvent {
	e.NewHomework = homework
	e.NewGrades = grades
	e.SlotChanges = slots
	return e
}

// WithFailedReports attaches per-category failure notes to the event.
func (e RefreshCompletedEvent) WithFailedReports(reports []string) RefreshCompletedEvent {
	e.FailedReports = reports
	return e
}

// RefreshFailedEvent is emitted when a cycle produced no snapshot at all.
// The previously published snapshot stays in place.
type RefreshFailedEvent struct {
	BaseEvent
	AccountID string        `json:"account_id"`
	CycleID   string        `json:"cycle_id"`
	Manual    bool          `json:"manual"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
}

// Payload implements Event interface.
func (e RefreshFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"account_id": e.AccountID,
		"cycle_id":   e.CycleID,
		"manual":     e.Manual,
		"duration":   e.Duration.String(),
		"reason":     e.Reason,
	}
}

// NewRefreshFailedEvent creates a new RefreshFailedEvent.
func NewRefreshFailedEvent(accountID, cycleID string, manual bool, duration time.Duration, reason string) RefreshFailedEvent {
	return RefreshFailedEvent{
		BaseEvent: NewBaseEvent(EventRefreshFailed, accountID),
		AccountID: accountID,
		CycleID:   cycleID,
		Manual:    manual,
		Duration:  duration,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionRenewedEvent is emitted after a silent re-login replaced an expired token.
type SessionRenewedEvent struct {
	BaseEvent
	AccountID string `json:"account_id"`
	SchoolID  int64  `json:"school_id"`
}

// Payload implements Event interface.
func (e SessionRenewedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"account_id": e.AccountID,
		"school_id":  e.SchoolID,
	}
}

// NewSessionRenewedEvent creates a new SessionRenewedEvent.
func NewSessionRenewedEvent(accountID string, schoolID int64) SessionRenewedEvent {
	return SessionRenewedEvent{
		BaseEvent: NewBaseEvent(EventSessionRenewed, accountID),
		AccountID: accountID,
		SchoolID:  schoolID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
