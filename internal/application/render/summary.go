package render

import (
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// ÄNDERUNGSZUSAMMENFASSUNGEN
// Die Stundenplan-Zusammenfassung beschreibt die Abweichungen von heute und
// morgen, wie sie im frisch geholten Plan stehen, und existiert darum auch
// beim allerersten Abruf. Hausaufgaben und Noten stammen dagegen aus dem
// Diff: Beim Baseline-Zyklus ist dort nichts Neues, also auch nichts zu
// berichten.
// ═══════════════════════════════════════════════════════════════════════════

// Summarize erstellt die lokalisierten Zusammenfassungen pro Kategorie.
// Erfüllt refresh.Summarizer.
func (r *Renderer) Summarize(snap *snapshot.AccountSnapshot) map[string][]string {
	out := make(map[string][]string)

	out[string(snapshot.CategorySchedule)] = r.scheduleSummary(snap)

	if hw := r.homeworkSummary(snap); len(hw) > 0 {
		out[string(snapshot.CategoryHomework)] = hw
	}
	if gr := r.gradeSummary(snap); len(gr) > 0 {
		out[string(snapshot.CategoryGrades)] = gr
	}
	return out
}

// scheduleSummary beschreibt die Abweichungen in den Plänen von heute und
// morgen. Bei mehreren Schülern bekommt jeder Block eine Namenszeile.
func (r *Renderer) scheduleSummary(snap *snapshot.AccountSnapshot) []string {
	loc := timeutil.BerlinTZ()
	now := snap.CreatedAt.In(loc)
	today := shared.DateOf(now)
	tomorrow := shared.DateOf(now.AddDate(0, 0, 1))

	multi := len(snap.Students) > 1
	var lines []string

	for _, st := range snap.Sorted() {
		buckets := []struct {
			id   string
			date shared.ISODate
		}{
			{"schedule_day_today", today},
			{"schedule_day_tomorrow", tomorrow},
		}

		named := false
		for _, b := range buckets {
			devs := deviations(st.LessonsOn(b.date))
			if len(devs) == 0 {
				continue
			}
			if multi && !named {
				lines = append(lines, r.msg("student_header", map[string]any{"Name": st.Student.DisplayName()}))
				named = true
			}
			lines = append(lines, r.plural(b.id, len(devs), nil))
			for i := range devs {
				lines = append(lines, r.msg("schedule_change_line", map[string]any{
					"Hour":    hourText(devs[i].Hour),
					"Label":   r.KindLabel(devs[i].Kind),
					"Subject": devs[i].Subject,
				}))
			}
		}
	}

	if len(lines) == 0 {
		return []string{r.msg("schedule_no_changes", nil)}
	}
	return lines
}

// homeworkSummary listet die seit dem letzten Zyklus neu erkannten
// Hausaufgaben, immer mit Schülernamen, damit Benachrichtigungen auch bei
// einem Kind eindeutig bleiben.
func (r *Renderer) homeworkSummary(snap *snapshot.AccountSnapshot) []string {
	if snap.Changes == nil {
		return nil
	}

	var lines []string
	for _, st := range snap.Sorted() {
		sc, ok := snap.Changes.PerStudent[st.Key().String()]
		if !ok {
			continue
		}
		for i := range sc.NewHomework {
			item := &sc.NewHomework[i]
			lines = append(lines, r.msg("homework_new", map[string]any{
				"Name":    st.Student.DisplayName(),
				"Subject": item.Subject,
				"Due":     r.shortDate(item.DueDate),
			}))
		}
	}
	return lines
}

// gradeSummary listet die neu erkannten Noten.
func (r *Renderer) gradeSummary(snap *snapshot.AccountSnapshot) []string {
	if snap.Changes == nil {
		return nil
	}

	var lines []string
	for _, st := range snap.Sorted() {
		sc, ok := snap.Changes.PerStudent[st.Key().String()]
		if !ok {
			continue
		}
		for i := range sc.NewGrades {
			g := &sc.NewGrades[i]
			lines = append(lines, r.msg("grade_new", map[string]any{
				"Name":     st.Student.DisplayName(),
				"Subject":  g.SubjectName,
				"Value":    g.RawValue,
				"Category": g.Category,
			}))
		}
	}
	return lines
}

// deviations filtert die Stunden eines Tages auf alles, was vom regulären
// Plan abweicht.
func deviations(slots []schedule.LessonSlot) []schedule.LessonSlot {
	var out []schedule.LessonSlot
	for i := range slots {
		if slots[i].Kind.IsDeviation() {
			out = append(out, slots[i])
		}
	}
	return out
}
