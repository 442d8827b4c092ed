// Package schedule contains domain entities and business logic for timetable
// slots: lesson kinds, cancellation collapsing, and day status classification.
// This is a pure domain layer with zero external dependencies.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// Domain errors for schedule package.
var (
	ErrMissingDate    = errors.New("schedule: slot has no date")
	ErrMissingSubject = errors.New("schedule: slot has no subject")
	ErrUnknownKind    = errors.New("schedule: unknown lesson kind")
)

// Kind classifies a timetable slot.
type Kind string

const (
	KindRegular      Kind = "regular"
	KindCancelled    Kind = "cancelled"
	KindSubstitution Kind = "substitution"
	KindRoomChange   Kind = "room_change"
	KindExam         Kind = "exam"
	KindSpecial      Kind = "special"
	KindIrregular    Kind = "irregular"
)

// IsValid checks if the kind is one of the known values.
func (k Kind) IsValid() bool {
	switch k {
	case KindRegular, KindCancelled, KindSubstitution, KindRoomChange, KindExam, KindSpecial, KindIrregular:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsDeviation returns true for every kind that differs from the regular plan.
func (k Kind) IsDeviation() bool {
	return k != KindRegular
}

// IsReplacement returns true for kinds that stand in for a cancelled lesson.
// A replacement in the same slot as a cancellation collapses into one entry.
func (k Kind) IsReplacement() bool {
	switch k {
	case KindSubstitution, KindRoomChange, KindExam, KindSpecial, KindIrregular:
		return true
	default:
		return false
	}
}

// priority orders kinds when several records compete for the same slot.
// Higher wins. Cancellations always lose so that their content can move into
// the struck-through fields of the winner.
func (k Kind) priority() int {
	switch k {
	case KindExam:
		return 6
	case KindSubstitution:
		return 5
	case KindRoomChange:
		return 4
	case KindSpecial:
		return 3
	case KindIrregular:
		return 2
	case KindRegular:
		return 1
	case KindCancelled:
		return 0
	default:
		return -1
	}
}

// LessonSlot is one timetable entry of one student. After merging there is at
// most one slot per (Date, Hour); before merging the portal may deliver the
// cancelled original and its substitute as separate records.
type LessonSlot struct {
	Date    shared.ISODate
	Hour    shared.HourNumber
	Subject string
	Teacher string
	Room    string
	Kind    Kind

	// Comment carries the portal's free-text note, e.g. the reason for a
	// cancellation.
	Comment string

	// Original* hold the displaced lesson when a replacement collapsed with
	// a cancellation. Presentation layers render them struck through.
	OriginalSubject string
	OriginalTeacher string
	OriginalRoom    string
}

// NewLessonSlot creates a slot with validation.
func NewLessonSlot(date shared.ISODate, hour shared.HourNumber, subject string, kind Kind) (*LessonSlot, error) {
	if date.IsZero() {
		return nil, ErrMissingDate
	}
	if subject == "" {
		return nil, ErrMissingSubject
	}
	if !kind.IsValid() {
		return nil, ErrUnknownKind
	}
	return &LessonSlot{Date: date, Hour: hour, Subject: subject, Kind: kind}, nil
}

// SlotKey identifies a slot position within one student's timetable.
type SlotKey struct {
	Date shared.ISODate
	Hour shared.HourNumber
}

// Key returns the slot's position key.
func (s *LessonSlot) Key() SlotKey {
	return SlotKey{Date: s.Date, Hour: s.Hour}
}

// IsCancelled returns true for slots that remained a bare cancellation.
func (s *LessonSlot) IsCancelled() bool {
	return s.Kind == KindCancelled
}

// HasStruckContent returns true when the slot carries a displaced original.
func (s *LessonSlot) HasStruckContent() bool {
	return s.OriginalSubject != "" || s.OriginalTeacher != "" || s.OriginalRoom != ""
}

// String returns a compact representation for logging.
func (s *LessonSlot) String() string {
	return fmt.Sprintf("Slot{%s %s %s %s}", s.Date, s.Hour, s.Kind, s.Subject)
}

// SchoolEvent is a school-wide calendar entry. Events are kept apart from
// lesson slots so that they never collide with timetable merging.
type SchoolEvent struct {
	Date    shared.ISODate
	Hour    shared.HourNumber
	Title   string
	Comment string
	AllDay  bool
}

// NewSchoolEvent creates a school event with validation.
func NewSchoolEvent(date shared.ISODate, title string) (*SchoolEvent, error) {
	if date.IsZero() {
		return nil, ErrMissingDate
	}
	if title == "" {
		return nil, errors.New("schedule: event has no title")
	}
	return &SchoolEvent{Date: date, Title: title, AllDay: true}, nil
}

// DayStatus classifies one calendar day of a student's timetable.
type DayStatus string

const (
	// DayWeekend - Saturday or Sunday.
	DayWeekend DayStatus = "weekend"
	// DayNoSchool - a weekday without any lessons.
	DayNoSchool DayStatus = "no_school"
	// DayRegular - lessons take place as planned.
	DayRegular DayStatus = "regular"
	// DayDeviation - at least one slot deviates from the plan.
	DayDeviation DayStatus = "deviation"
)

// DayStatusFor classifies a date given the student's merged slots for it.
func DayStatusFor(date shared.ISODate, slots []LessonSlot, loc *time.Location) DayStatus {
	wd := date.Weekday(loc)
	if wd == time.Saturday || wd == time.Sunday {
		return DayWeekend
	}
	if len(slots) == 0 {
		return DayNoSchool
	}
	for i := range slots {
		if slots[i].Kind.IsDeviation() {
			return DayDeviation
		}
	}
	return DayRegular
}

// SlotsForDate filters merged slots down to a single date, preserving order.
func SlotsForDate(slots []LessonSlot, date shared.ISODate) []LessonSlot {
	var day []LessonSlot
	for i := range slots {
		if slots[i].Date == date {
			day = append(day, slots[i])
		}
	}
	return day
}
