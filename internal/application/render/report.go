package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// KONSOLENBERICHT
// Die Einmal-Ansicht der Kommandozeile: Tagesplan, offene Hausaufgaben,
// nächste Prüfung und Notenschnitt eines Schülers als ein Textblock.
// ═══════════════════════════════════════════════════════════════════════════

// StudentReport rendert die Konsolenansicht eines Schülers für einen Tag.
func (r *Renderer) StudentReport(snap *snapshot.StudentSnapshot, date shared.ISODate, now time.Time, opts LineOptions) string {
	loc := timeutil.BerlinTZ()
	slots := snap.LessonsOn(date)
	status := schedule.DayStatusFor(date, slots, loc)

	sections := []string{
		snap.Student.FullName(),
		r.msg("report_schedule_header", map[string]any{
			"Date":   r.shortDate(date),
			"Status": r.DayStatusLabel(status),
		}) + "\n" + r.DayText(date, slots, opts),
		r.homeworkBlock(snap.Homework, now, loc),
		r.examLine(snap.Exams, now, loc),
		r.gradeBlock(&snap.Report),
	}
	return strings.Join(sections, "\n\n")
}

// homeworkBlock listet die offenen Hausaufgaben nach Fälligkeit.
func (r *Renderer) homeworkBlock(items []homework.Item, now time.Time, loc *time.Location) string {
	open := homework.Open(items)
	if len(open) == 0 {
		return r.msg("report_homework_none", nil)
	}
	homework.Sort(open)

	lines := make([]string, 0, len(open)+1)
	lines = append(lines, r.plural("report_homework_header", len(open), nil))
	for i := range open {
		lines = append(lines, r.msg("report_homework_line", map[string]any{
			"Subject": open[i].Subject,
			"Text":    open[i].Text,
			"Due":     r.shortDate(open[i].DueDate),
		}))
	}
	return strings.Join(lines, "\n")
}

// examLine nennt die nächste anstehende Prüfung samt Resttagen.
func (r *Renderer) examLine(list []exams.Exam, now time.Time, loc *time.Location) string {
	next, ok := exams.Next(list, now, loc)
	if !ok {
		return r.msg("report_no_exams", nil)
	}

	data := map[string]any{
		"Subject": next.Subject,
		"Date":    r.shortDate(next.Date),
	}
	days, _ := exams.DaysUntilNext(list, now, loc)
	if days == 0 {
		return r.msg("report_next_exam_today", data)
	}
	return r.plural("report_next_exam", days, data)
}

// gradeBlock zeigt den Gesamtschnitt und die Fachschnitte.
func (r *Renderer) gradeBlock(report *grades.Report) string {
	averages := report.SubjectAverages()
	if len(averages) == 0 {
		return r.msg("report_no_grades", nil)
	}

	lines := make([]string, 0, len(averages)+1)
	lines = append(lines, r.msg("report_average", map[string]any{
		"Average": fmt.Sprintf("%.2f", report.OverallAverage()),
	}))
	for _, a := range averages {
		lines = append(lines, r.plural("report_subject_line", a.Count, map[string]any{
			"Subject": a.SubjectName,
			"Average": fmt.Sprintf("%.2f", a.Average),
		}))
	}
	return strings.Join(lines, "\n")
}
