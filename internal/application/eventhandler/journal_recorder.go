// Package eventhandler enthält die Konsumenten der Domänenereignisse.
// Diese Handler bilden den reaktiven Teil des Systems: Sie beobachten, was
// die Refresh-Pipeline über den Event-Bus veröffentlicht, und lösen
// Seiteneffekte aus, von denen die Pipeline selbst nichts weiß.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/schulhub/schulsync/internal/domain/journal"
	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// JOURNAL RECORDER
// Schreibt Zyklus-Ergebnisse und erkannte Änderungen in das Journal.
//
// Zwei Gründe für ein dauerhaftes Journal:
//  1. Nachvollziehbarkeit: Warum hat der Zyklus von 06:00 Uhr keine neuen
//     Hausaufgaben gemeldet?
//  2. Fehlersuche: Welche Konten scheitern wie oft, und woran?
//
// Das Journal ist reine Historie. Die Engine liest es nie zurück.
// ═══════════════════════════════════════════════════════════════════════════

// JournalRecorderConfig enthält die Konfiguration des Recorders.
type JournalRecorderConfig struct {
	// StorePayloads - ob die vollständigen Ereignisdaten als Detail
	// gespeichert werden. Aus Datenschutzgründen abschaltbar; dann bleibt
	// nur die einzeilige Zusammenfassung.
	StorePayloads bool

	// WriteTimeout begrenzt jeden einzelnen Journalschreibvorgang.
	WriteTimeout time.Duration
}

// DefaultJournalRecorderConfig liefert die Standardkonfiguration.
func DefaultJournalRecorderConfig() JournalRecorderConfig {
	return JournalRecorderConfig{
		StorePayloads: true,
		WriteTimeout:  10 * time.Second,
	}
}

// JournalRecorder verarbeitet Lebenszyklus- und Änderungsereignisse und
// schreibt sie über journal.Recorder fort.
type JournalRecorder struct {
	journal journal.Recorder
	logger  *slog.Logger
	config  JournalRecorderConfig
}

// NewJournalRecorder erstellt einen neuen Recorder.
func NewJournalRecorder(rec journal.Recorder, logger *slog.Logger, config JournalRecorderConfig) *JournalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &JournalRecorder{
		journal: rec,
		logger:  logger.With("handler", "journal_recorder"),
		config:  config,
	}
}

// EventTypes nennt die Ereignistypen, für die der Recorder registriert
// werden muss.
func (r *JournalRecorder) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventRefreshCompleted,
		shared.EventRefreshFailed,
		shared.EventHomeworkDetected,
		shared.EventGradeDetected,
		shared.EventScheduleChanged,
	}
}

// Handle verarbeitet ein Ereignis. Implementiert shared.EventHandler.
// Fehler gehen zurück an den Dispatcher, der den Aufruf wiederholt; die
// Journal-Implementierung ist deshalb idempotent.
func (r *JournalRecorder) Handle(event shared.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	switch e := event.(type) {
	case shared.RefreshCompletedEvent:
		return r.recordCompleted(ctx, e)
	case shared.RefreshFailedEvent:
		return r.recordFailed(ctx, e)
	case shared.HomeworkDetectedEvent:
		return r.recordChange(ctx, e, journal.ChangeHomework,
			"hw:"+e.ItemKey,
			fmt.Sprintf("new homework in %s due %s", e.Subject, e.DueDate),
		)
	case shared.GradeDetectedEvent:
		return r.recordChange(ctx, e, journal.ChangeGrade,
			fmt.Sprintf("grade:%d:%s:%s", e.SubjectID, e.RawValue, e.Tendency),
			fmt.Sprintf("new grade %s in %s", e.RawValue, e.SubjectName),
		)
	case shared.ScheduleChangedEvent:
		return r.recordChange(ctx, e, journal.ChangeSchedule,
			fmt.Sprintf("slot:%s:%d", e.Date, e.HourNumber),
			fmt.Sprintf("%s on %s hour %d: %s to %s", e.Subject, e.Date, e.HourNumber, e.FromKind, e.ToKind),
		)
	default:
		r.logger.Debug("event not journaled", "event_type", event.EventType())
		return nil
	}
}

func (r *JournalRecorder) recordCompleted(ctx context.Context, e shared.RefreshCompletedEvent) error {
	rec := journal.CycleRecord{
		CycleID:       e.CycleID,
		AccountID:     e.AccountID,
		Trigger:       cycleTrigger(e.Manual),
		Status:        journal.CycleCompleted,
		StartedAt:     e.OccurredAt().Add(-e.Duration),
		FinishedAt:    e.OccurredAt(),
		Students:      e.Students,
		NewHomework:   e.NewHomework,
		NewGrades:     e.NewGrades,
		SlotChanges:   e.SlotChanges,
		FailedReports: e.FailedReports,
	}
	if err := r.journal.RecordCycle(ctx, rec); err != nil {
		return fmt.Errorf("journal completed cycle %s: %w", e.CycleID, err)
	}
	return nil
}

func (r *JournalRecorder) recordFailed(ctx context.Context, e shared.RefreshFailedEvent) error {
	rec := journal.CycleRecord{
		CycleID:    e.CycleID,
		AccountID:  e.AccountID,
		Trigger:    cycleTrigger(e.Manual),
		Status:     journal.CycleFailed,
		StartedAt:  e.OccurredAt().Add(-e.Duration),
		FinishedAt: e.OccurredAt(),
		ErrorText:  e.Reason,
	}
	if err := r.journal.RecordCycle(ctx, rec); err != nil {
		return fmt.Errorf("journal failed cycle %s: %w", e.CycleID, err)
	}
	return nil
}

// recordChange übernimmt die Felder, die alle Änderungsereignisse teilen.
// Die Zyklus-ID steckt als Korrelations-ID im Ereignis; der Koordinator
// setzt sie beim Einstellen in die Warteschlange.
func (r *JournalRecorder) recordChange(ctx context.Context, event shared.Event, category, dedupKey, summary string) error {
	rec := journal.ChangeRecord{
		CycleID:    correlationID(event),
		StudentKey: event.AggregateID(),
		Category:   category,
		DedupKey:   dedupKey,
		Summary:    summary,
		OccurredAt: event.OccurredAt(),
	}
	if r.config.StorePayloads {
		rec.Detail = event.Payload()
	}
	if err := r.journal.RecordChange(ctx, rec); err != nil {
		return fmt.Errorf("journal %s change for %s: %w", category, rec.StudentKey, err)
	}
	return nil
}

func cycleTrigger(manual bool) string {
	if manual {
		return journal.TriggerManual
	}
	return journal.TriggerScheduled
}

// correlationID liest die Korrelations-ID aus den konkreten Ereignistypen.
func correlationID(event shared.Event) string {
	switch e := event.(type) {
	case shared.HomeworkDetectedEvent:
		return e.CorrelationID
	case shared.GradeDetectedEvent:
		return e.CorrelationID
	case shared.ScheduleChangedEvent:
		return e.CorrelationID
	default:
		return ""
	}
}
