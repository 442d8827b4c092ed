package eventhandler

import (
	"log/slog"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// CHANGE LOGGER
// Protokolliert jedes Ereignis strukturiert. Wer keine Datenbank anschließt,
// bekommt den Änderungsstrom wenigstens im Log; wer eigene Automationen
// bauen will, findet hier die Vorlage für einen Handler.
// ═══════════════════════════════════════════════════════════════════════════

// ChangeLogger schreibt alle Ereignisse der Pipeline ins strukturierte Log.
type ChangeLogger struct {
	logger *slog.Logger
}

// NewChangeLogger erstellt einen neuen ChangeLogger.
func NewChangeLogger(logger *slog.Logger) *ChangeLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeLogger{
		logger: logger.With("handler", "change_logger"),
	}
}

// EventTypes nennt die Ereignistypen, für die der Logger registriert
// werden muss.
func (l *ChangeLogger) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventHomeworkDetected,
		shared.EventGradeDetected,
		shared.EventScheduleChanged,
		shared.EventRefreshStarted,
		shared.EventRefreshCompleted,
		shared.EventRefreshFailed,
		shared.EventSessionRenewed,
	}
}

// Handle verarbeitet ein Ereignis. Implementiert shared.EventHandler.
// Gibt nie einen Fehler zurück; ein Log-Handler hat nichts zu wiederholen.
func (l *ChangeLogger) Handle(event shared.Event) error {
	switch e := event.(type) {
	case shared.HomeworkDetectedEvent:
		l.logger.Info("new homework detected",
			"student", e.AggregateID(),
			"subject", e.Subject,
			"due_date", e.DueDate,
		)
	case shared.GradeDetectedEvent:
		l.logger.Info("new grade detected",
			"student", e.AggregateID(),
			"subject", e.SubjectName,
			"value", e.RawValue,
		)
	case shared.ScheduleChangedEvent:
		l.logger.Info("timetable slot changed",
			"student", e.AggregateID(),
			"date", e.Date,
			"hour", e.HourNumber,
			"from", e.FromKind,
			"to", e.ToKind,
			"subject", e.Subject,
		)
	case shared.RefreshStartedEvent:
		l.logger.Debug("refresh cycle started",
			"account", e.AccountID,
			"cycle_id", e.CycleID,
			"manual", e.Manual,
		)
	case shared.RefreshCompletedEvent:
		l.logger.Info("refresh cycle completed",
			"account", e.AccountID,
			"cycle_id", e.CycleID,
			"students", e.Students,
			"duration", e.Duration,
			"new_homework", e.NewHomework,
			"new_grades", e.NewGrades,
			"slot_changes", e.SlotChanges,
			"failed_reports", len(e.FailedReports),
		)
	case shared.RefreshFailedEvent:
		l.logger.Warn("refresh cycle failed",
			"account", e.AccountID,
			"cycle_id", e.CycleID,
			"duration", e.Duration,
			"reason", e.Reason,
		)
	case shared.SessionRenewedEvent:
		l.logger.Info("portal session renewed",
			"account", e.AccountID,
			"school_id", e.SchoolID,
		)
	default:
		l.logger.Debug("unhandled event",
			"event_type", event.EventType(),
			"aggregate", event.AggregateID(),
		)
	}
	return nil
}
