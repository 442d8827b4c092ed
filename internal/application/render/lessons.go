package render

import (
	"fmt"
	"strings"

	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// STUNDENPLAN-ZEILEN
// Eine Zeile pro Stunde im Format "1. Std: 🔁 Mathematik – Raum 204
// (Vertretung)". Mit eingeschalteter Hervorhebung markieren Emojis die
// Abweichungen; ohne sie bleibt nur ein schlichtes "X " vor Ausfällen.
// ═══════════════════════════════════════════════════════════════════════════

// LineOptions steuern die Stundenplan-Darstellung.
type LineOptions struct {
	// Highlight schaltet die Emoji-Marker ein.
	Highlight bool

	// HideCancelled unterdrückt reine Ausfälle, wirkt aber nur bei
	// ausgeschalteter Hervorhebung. Mit Emojis ist ein Ausfall Information,
	// ohne sie nur Rauschen.
	HideCancelled bool
}

// marker liefert das Präfix einer Stunde: Emoji bei Hervorhebung, sonst
// höchstens das "X " für Ausfälle.
func marker(kind schedule.Kind, highlight bool) string {
	if highlight {
		switch kind {
		case schedule.KindCancelled:
			return "❌ "
		case schedule.KindSubstitution, schedule.KindSpecial, schedule.KindIrregular:
			return "🔁 "
		case schedule.KindRoomChange:
			return "🚪 "
		case schedule.KindExam:
			return "📝 "
		}
		return ""
	}
	if kind == schedule.KindCancelled {
		return "X "
	}
	return ""
}

// LessonLine baut die Textzeile einer einzelnen Stunde.
func (r *Renderer) LessonLine(slot schedule.LessonSlot, highlight bool) string {
	var parts []string
	if !slot.Hour.IsUnknown() {
		parts = append(parts, r.msg("hour_label", map[string]any{"Hour": slot.Hour.Int()}))
	}

	subject := slot.Subject
	if subject == "" {
		subject = r.msg("lesson_fallback", nil)
	}
	body := marker(slot.Kind, highlight) + subject
	if slot.Room != "" {
		body += " – " + slot.Room
	}
	parts = append(parts, body)

	line := strings.Join(parts, ": ")

	var info []string
	if slot.Teacher != "" {
		info = append(info, slot.Teacher)
	}
	if slot.Comment != "" {
		info = append(info, slot.Comment)
	}
	if len(info) == 0 && slot.Kind != schedule.KindRegular {
		info = append(info, r.KindLabel(slot.Kind))
	}
	if len(info) > 0 {
		line += " (" + strings.Join(info, ", ") + ")"
	}
	return line
}

// DayLines rendert die Stunden eines Tages in Planreihenfolge.
func (r *Renderer) DayLines(slots []schedule.LessonSlot, opts LineOptions) []string {
	lines := make([]string, 0, len(slots))
	for i := range slots {
		if !opts.Highlight && opts.HideCancelled && slots[i].IsCancelled() {
			continue
		}
		lines = append(lines, r.LessonLine(slots[i], opts.Highlight))
	}
	return lines
}

// DayText baut den Textblock eines Tages. Leere Tage bekommen statt Zeilen
// die passende Erklärung: Wochenende, schulfrei, oder schlicht keine Stunden.
func (r *Renderer) DayText(date shared.ISODate, slots []schedule.LessonSlot, opts LineOptions) string {
	switch schedule.DayStatusFor(date, slots, timeutil.BerlinTZ()) {
	case schedule.DayWeekend:
		return r.msg("empty_weekend", nil)
	case schedule.DayNoSchool:
		return r.msg("day_no_school", nil)
	}

	lines := r.DayLines(slots, opts)
	if len(lines) == 0 {
		return r.msg("no_lessons", nil)
	}
	return strings.Join(lines, "\n")
}

// DayStatusLabel übersetzt den Tagesstatus.
func (r *Renderer) DayStatusLabel(status schedule.DayStatus) string {
	switch status {
	case schedule.DayWeekend:
		return r.msg("day_weekend", nil)
	case schedule.DayNoSchool:
		return r.msg("day_no_school", nil)
	case schedule.DayRegular:
		return r.msg("day_regular", nil)
	case schedule.DayDeviation:
		return r.msg("day_deviation", nil)
	}
	return string(status)
}

// KindLabel übersetzt die Stundenart.
func (r *Renderer) KindLabel(kind schedule.Kind) string {
	id := "kind_" + string(kind)
	out := r.msg(id, nil)
	if out == id {
		return string(kind)
	}
	return out
}

// shortDate formatiert ein Datum leserfreundlich: "02.09." auf Deutsch,
// ISO überall sonst.
func (r *Renderer) shortDate(date shared.ISODate) string {
	if r.lang == DefaultLanguage {
		return timeutil.FormatBerlin(date.Time(timeutil.BerlinTZ()), timeutil.FormatShortGermanDate)
	}
	return date.String()
}

// hourText liefert die Stundennummer für Zusammenfassungen, "?" wenn das
// Portal keine lieferte.
func hourText(hour shared.HourNumber) string {
	if hour.IsUnknown() {
		return "?"
	}
	return fmt.Sprintf("%d", hour.Int())
}
