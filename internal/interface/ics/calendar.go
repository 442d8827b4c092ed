// Package ics exports a student's published snapshot as an iCalendar feed:
// timetable slots and exams become VEVENTs with stable UIDs, so subscribing
// calendar clients see updates in place instead of duplicates.
package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/snapshot"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

const (
	prodID  = "-//schulsync//Engine//DE"
	version = "2.0"

	// uidDomain suffixes every UID. The UID of an event must never change
	// between refreshes; it is derived from the identity key only.
	uidDomain = "schulsync"
)

// emptyCalendar is served when nothing is exportable. Encoders reject a
// VCALENDAR without children, clients reject an empty body.
var emptyCalendar = []byte("BEGIN:VCALENDAR\r\nVERSION:" + version + "\r\nPRODID:" + prodID + "\r\nEND:VCALENDAR\r\n")

// Options control what goes into the exported calendar.
type Options struct {
	// HideCancelled skips slots that are bare cancellations.
	HideCancelled bool
}

// Build renders the snapshot as an iCalendar document. Slots and exams carry
// no clock times in the portal data, so every event is date-valued.
func Build(snap *snapshot.StudentSnapshot, opts Options) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText("VERSION", version)
	cal.Props.SetText("PRODID", prodID)
	cal.Props.SetText("CALSCALE", "GREGORIAN")
	cal.Props.SetText("METHOD", "PUBLISH")
	cal.Props.SetText("X-WR-CALNAME", snap.Student.FullName())

	stamp := ical.NewProp("DTSTAMP")
	stamp.SetDateTime(snap.FetchedAt.UTC())

	loc := timeutil.BerlinTZ()

	for i := range snap.Lessons {
		slot := &snap.Lessons[i]
		if opts.HideCancelled && slot.IsCancelled() {
			continue
		}
		event := lessonEvent(snap, slot, loc)
		event.Props.Set(stamp)
		cal.Children = append(cal.Children, event.Component)
	}

	for i := range snap.Exams {
		event := examEvent(snap, &snap.Exams[i], loc)
		event.Props.Set(stamp)
		cal.Children = append(cal.Children, event.Component)
	}

	if len(cal.Children) == 0 {
		return emptyCalendar, nil
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar for %s: %w", snap.Slug, err)
	}
	return buf.Bytes(), nil
}

func lessonEvent(snap *snapshot.StudentSnapshot, slot *schedule.LessonSlot, loc *time.Location) *ical.Event {
	event := ical.NewEvent()

	key := snap.Key()
	event.Props.SetText("UID", fmt.Sprintf("lesson-%d-%d-%s-%d@%s",
		key.SchoolID, key.StudentID, slot.Date, slot.Hour.Int(), uidDomain))

	summary := slot.Subject
	if !slot.Hour.IsUnknown() {
		summary = fmt.Sprintf("%d. Std %s", slot.Hour.Int(), slot.Subject)
	}
	if slot.Kind.IsDeviation() {
		summary += " (" + kindLabel(slot.Kind) + ")"
	}
	event.Props.SetText("SUMMARY", summary)

	var desc []string
	if slot.Room != "" {
		desc = append(desc, "Raum: "+slot.Room)
	}
	if slot.Teacher != "" {
		desc = append(desc, "Lehrkraft: "+slot.Teacher)
	}
	if slot.OriginalSubject != "" {
		desc = append(desc, "Statt: "+slot.OriginalSubject)
	}
	if slot.Comment != "" {
		desc = append(desc, slot.Comment)
	}
	if len(desc) > 0 {
		event.Props.SetText("DESCRIPTION", strings.Join(desc, "\n"))
	}

	start := ical.NewProp("DTSTART")
	start.SetDate(slot.Date.Time(loc))
	event.Props.Set(start)

	return event
}

func examEvent(snap *snapshot.StudentSnapshot, exam *exams.Exam, loc *time.Location) *ical.Event {
	event := ical.NewEvent()

	key := snap.Key()
	event.Props.SetText("UID", fmt.Sprintf("exam-%d-%d-%s@%s",
		key.SchoolID, key.StudentID, uidToken(exam.Key()), uidDomain))

	// The mapper folds type and topic into the comment ("Klassenarbeit:
	// Lektion 12"); the type part makes the calendar line, the topic the
	// description.
	kind, topic, _ := strings.Cut(exam.Comment, ":")
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "Prüfung"
	}
	event.Props.SetText("SUMMARY", kind+" "+exam.Subject)

	desc := []string{"Fach: " + exam.Subject}
	if topic = strings.TrimSpace(topic); topic != "" {
		desc = append(desc, "Thema: "+topic)
	}
	if !exam.StartHour.IsUnknown() {
		hours := fmt.Sprintf("Stunde %d", exam.StartHour.Int())
		if !exam.EndHour.IsUnknown() && exam.EndHour != exam.StartHour {
			hours = fmt.Sprintf("Stunde %d-%d", exam.StartHour.Int(), exam.EndHour.Int())
		}
		desc = append(desc, hours)
	}
	event.Props.SetText("DESCRIPTION", strings.Join(desc, "\n"))

	start := ical.NewProp("DTSTART")
	start.SetDate(exam.Date.Time(loc))
	event.Props.Set(start)

	return event
}

// kindLabel names deviations in the calendar line. The feed is German like
// the portal; localized rendering stays in the render package.
func kindLabel(kind schedule.Kind) string {
	switch kind {
	case schedule.KindCancelled:
		return "Ausfall"
	case schedule.KindSubstitution:
		return "Vertretung"
	case schedule.KindRoomChange:
		return "Raumwechsel"
	case schedule.KindExam:
		return "Prüfung"
	case schedule.KindSpecial:
		return "Sonderstunde"
	case schedule.KindIrregular:
		return "Unregelmäßig"
	}
	return string(kind)
}

// uidToken flattens an identity key into UID-safe characters.
func uidToken(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, key)
}
