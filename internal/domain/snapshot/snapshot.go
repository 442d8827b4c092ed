// Package snapshot contains the published read model of the sync engine:
// per-student snapshots, account snapshots, the change detector, and the
// store contract the presentation layers read from.
package snapshot

import (
	"sort"
	"time"

	"github.com/schulhub/schulsync/internal/domain/exams"
	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/student"
)

// ═══════════════════════════════════════════════════════════════════════════
// Categories
// ═══════════════════════════════════════════════════════════════════════════

// Category identifies one fetchable data family. Categories fail and recover
// independently of each other.
type Category string

const (
	CategorySchedule Category = "schedule"
	CategoryExams    Category = "exams"
	CategoryHomework Category = "homework"
	CategoryGrades   Category = "grades"
)

// AllCategories lists every category in display order.
func AllCategories() []Category {
	return []Category{CategorySchedule, CategoryExams, CategoryHomework, CategoryGrades}
}

// ═══════════════════════════════════════════════════════════════════════════
// Student Snapshot
// ═══════════════════════════════════════════════════════════════════════════

// StudentSnapshot is the complete published state of one student. Snapshots
// are immutable once published; a refresh cycle builds a new one and swaps it
// in atomically.
type StudentSnapshot struct {
	Student *student.Student

	// Slug is precomputed so that read paths never touch the entity.
	Slug string

	// Lessons is the merged timetable: at most one slot per (date, hour).
	Lessons []schedule.LessonSlot

	// Events are school-wide entries, kept apart from lessons.
	Events []schedule.SchoolEvent

	// Homework is sorted by due date.
	Homework []homework.Item

	// Report carries grades plus the subject catalog.
	Report grades.Report

	// Exams is sorted by date.
	Exams []exams.Exam

	// FetchedAt is when the cycle that built this snapshot ran.
	FetchedAt time.Time

	// CategoryErrors notes categories whose fetch failed this cycle. The
	// affected category keeps the data of the previous snapshot.
	CategoryErrors map[Category]string
}

// NewStudentSnapshot creates an empty snapshot for a student.
func NewStudentSnapshot(s *student.Student, fetchedAt time.Time) *StudentSnapshot {
	return &StudentSnapshot{
		Student:        s,
		Slug:           s.Slug(),
		FetchedAt:      fetchedAt,
		CategoryErrors: make(map[Category]string),
	}
}

// Key returns the student's full identity.
func (s *StudentSnapshot) Key() shared.StudentKey {
	return s.Student.Key()
}

// LessonsOn returns the merged slots of one date.
func (s *StudentSnapshot) LessonsOn(date shared.ISODate) []schedule.LessonSlot {
	return schedule.SlotsForDate(s.Lessons, date)
}

// HasCategoryError reports whether the given category failed this cycle.
func (s *StudentSnapshot) HasCategoryError(c Category) bool {
	_, ok := s.CategoryErrors[c]
	return ok
}

// CarryOver copies a failed category's data from the previous snapshot so
// that one broken endpoint never blanks out known state.
func (s *StudentSnapshot) CarryOver(prev *StudentSnapshot, c Category, failure string) {
	s.CategoryErrors[c] = failure
	if prev == nil {
		return
	}
	switch c {
	case CategorySchedule:
		s.Lessons = prev.Lessons
		s.Events = prev.Events
	case CategoryExams:
		s.Exams = prev.Exams
	case CategoryHomework:
		s.Homework = prev.Homework
	case CategoryGrades:
		s.Report = prev.Report
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Account Snapshot
// ═══════════════════════════════════════════════════════════════════════════

// AccountSnapshot bundles the snapshots of all students of one account as
// they were published together at the end of one refresh cycle.
type AccountSnapshot struct {
	AccountID string

	// CycleID identifies the refresh cycle that produced this snapshot.
	CycleID string

	CreatedAt time.Time

	// Students maps StudentKey.String() to the student's snapshot.
	Students map[string]*StudentSnapshot

	// Changes is the diff against the previously published snapshot.
	Changes *ChangeSet

	// Summaries holds the localized per-category change summaries that were
	// rendered when the snapshot was published.
	Summaries map[string][]string
}

// NewAccountSnapshot creates an empty account snapshot.
func NewAccountSnapshot(accountID, cycleID string, createdAt time.Time) *AccountSnapshot {
	return &AccountSnapshot{
		AccountID: accountID,
		CycleID:   cycleID,
		CreatedAt: createdAt,
		Students:  make(map[string]*StudentSnapshot),
	}
}

// Add registers a student snapshot.
func (a *AccountSnapshot) Add(s *StudentSnapshot) {
	a.Students[s.Key().String()] = s
}

// Student returns the snapshot for a student key.
func (a *AccountSnapshot) Student(key shared.StudentKey) (*StudentSnapshot, bool) {
	s, ok := a.Students[key.String()]
	return s, ok
}

// BySlug finds a student snapshot by its URL slug.
func (a *AccountSnapshot) BySlug(slug string) (*StudentSnapshot, bool) {
	for _, s := range a.Students {
		if s.Slug == slug {
			return s, true
		}
	}
	return nil, false
}

// Sorted returns the student snapshots ordered by slug for stable listings.
func (a *AccountSnapshot) Sorted() []*StudentSnapshot {
	out := make([]*StudentSnapshot, 0, len(a.Students))
	for _, s := range a.Students {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}
