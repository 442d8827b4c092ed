// Package exams contains the exam domain model.
package exams

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// Domain errors for exams package.
var (
	ErrMissingSubject = errors.New("exams: exam has no subject")
	ErrMissingDate    = errors.New("exams: exam has no date")
)

// Exam is one announced written exam ("Klassenarbeit") of one student.
type Exam struct {
	// ID is the portal's record ID, 0 when omitted.
	ID int64

	Subject string
	Date    shared.ISODate

	// StartHour and EndHour bound the timetable periods the exam covers.
	// Both carry the unknown-hour sentinel when the portal gives no period.
	StartHour shared.HourNumber
	EndHour   shared.HourNumber

	Comment string
}

// NewExam creates an exam with validation.
func NewExam(id int64, subject string, date shared.ISODate, startHour, endHour shared.HourNumber, comment string) (*Exam, error) {
	if subject == "" {
		return nil, ErrMissingSubject
	}
	if date.IsZero() {
		return nil, ErrMissingDate
	}
	return &Exam{ID: id, Subject: subject, Date: date, StartHour: startHour, EndHour: endHour, Comment: comment}, nil
}

// Key is the exam's identity for change detection.
func (e *Exam) Key() string {
	if e.ID > 0 {
		return fmt.Sprintf("id:%d", e.ID)
	}
	return fmt.Sprintf("%s|%s", e.Date, e.Subject)
}

// IsUpcoming reports whether the exam lies on or after today.
func (e *Exam) IsUpcoming(now time.Time, loc *time.Location) bool {
	day := e.Date.Time(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return !day.Before(today)
}

// Sort orders exams ascending by date, then subject.
func Sort(list []Exam) {
	sort.Slice(list, func(a, b int) bool {
		if list[a].Date != list[b].Date {
			return list[a].Date.Before(list[b].Date)
		}
		return list[a].Subject < list[b].Subject
	})
}

// Next returns the earliest upcoming exam, if any.
func Next(list []Exam, now time.Time, loc *time.Location) (*Exam, bool) {
	var next *Exam
	for i := range list {
		if !list[i].IsUpcoming(now, loc) {
			continue
		}
		if next == nil || list[i].Date.Before(next.Date) {
			next = &list[i]
		}
	}
	return next, next != nil
}

// DaysUntilNext returns the whole days until the earliest upcoming exam.
// The second return value is false when no exam is scheduled.
func DaysUntilNext(list []Exam, now time.Time, loc *time.Location) (int, bool) {
	next, ok := Next(list, now, loc)
	if !ok {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return int(next.Date.Time(loc).Sub(today).Hours() / 24), true
}
