package snapshot

import (
	"time"

	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/homework"
	"github.com/schulhub/schulsync/internal/domain/schedule"
	"github.com/schulhub/schulsync/internal/domain/shared"
)

// SlotChange records a timetable slot whose kind changed between two
// snapshots, e.g. regular -> cancelled. Payload edits that keep the kind,
// like a corrected room number on an unchanged substitution, are not changes.
type SlotChange struct {
	Key      schedule.SlotKey
	FromKind schedule.Kind
	ToKind   schedule.Kind
	Subject  string
}

// StudentChanges collects everything that changed for one student.
type StudentChanges struct {
	StudentKey  shared.StudentKey
	NewHomework []homework.Item
	NewGrades   []grades.Grade
	SlotChanges []SlotChange
}

// Empty reports whether nothing changed for this student.
func (c *StudentChanges) Empty() bool {
	return len(c.NewHomework) == 0 && len(c.NewGrades) == 0 && len(c.SlotChanges) == 0
}

// ChangeSet is the structured diff between two consecutive account snapshots.
type ChangeSet struct {
	AccountID   string
	GeneratedAt time.Time

	// FirstRefresh marks the baseline cycle: the previous snapshot did not
	// exist, so homework and grade detections are suppressed.
	FirstRefresh bool

	// PerStudent maps StudentKey.String() to that student's changes.
	PerStudent map[string]*StudentChanges
}

// Empty reports whether the diff contains no changes at all.
func (c *ChangeSet) Empty() bool {
	for _, sc := range c.PerStudent {
		if !sc.Empty() {
			return false
		}
	}
	return true
}

// Counts returns the total number of new homework items, new grades, and
// slot changes across all students.
func (c *ChangeSet) Counts() (newHomework, newGrades, slotChanges int) {
	for _, sc := range c.PerStudent {
		newHomework += len(sc.NewHomework)
		newGrades += len(sc.NewGrades)
		slotChanges += len(sc.SlotChanges)
	}
	return newHomework, newGrades, slotChanges
}

// Diff compares a freshly built account snapshot against the previously
// published one. It is a pure function: identity decides, not payload
// equality. A homework item or grade is "new" when its key was absent
// before; a slot changed when the kind at its (date, hour) differs.
//
// When prev is nil the cycle is the account's baseline: every item is seen
// for the first time, so nothing is reported as new. Students that appear
// for the first time mid-life get the same baseline treatment individually.
func Diff(prev, next *AccountSnapshot) *ChangeSet {
	cs := &ChangeSet{
		AccountID:   next.AccountID,
		GeneratedAt: next.CreatedAt,
		PerStudent:  make(map[string]*StudentChanges),
	}

	if prev == nil {
		cs.FirstRefresh = true
		for key, s := range next.Students {
			cs.PerStudent[key] = &StudentChanges{StudentKey: s.Key()}
		}
		return cs
	}

	for key, nextStudent := range next.Students {
		sc := &StudentChanges{StudentKey: nextStudent.Key()}
		cs.PerStudent[key] = sc

		prevStudent, ok := prev.Students[key]
		if !ok {
			// New student: seed silently, report nothing.
			continue
		}

		// Categories that failed this cycle carried the previous data over;
		// diffing them would only confirm that nothing changed.

		sc.NewHomework = diffHomework(prevStudent.Homework, nextStudent.Homework)
		sc.NewGrades = diffGrades(prevStudent.Report.Grades, nextStudent.Report.Grades)
		sc.SlotChanges = diffSlots(prevStudent.Lessons, nextStudent.Lessons)
	}

	return cs
}

func diffHomework(prev, next []homework.Item) []homework.Item {
	seen := make(map[string]struct{}, len(prev))
	for i := range prev {
		seen[prev[i].Key()] = struct{}{}
	}
	var fresh []homework.Item
	for i := range next {
		if _, ok := seen[next[i].Key()]; !ok {
			fresh = append(fresh, next[i])
		}
	}
	return fresh
}

func diffGrades(prev, next []grades.Grade) []grades.Grade {
	seen := make(map[string]struct{}, len(prev))
	for i := range prev {
		seen[prev[i].Key()] = struct{}{}
	}
	var fresh []grades.Grade
	for i := range next {
		if _, ok := seen[next[i].Key()]; !ok {
			fresh = append(fresh, next[i])
		}
	}
	return fresh
}

func diffSlots(prev, next []schedule.LessonSlot) []SlotChange {
	kinds := make(map[schedule.SlotKey]schedule.Kind, len(prev))
	for i := range prev {
		kinds[prev[i].Key()] = prev[i].Kind
	}
	var changes []SlotChange
	for i := range next {
		before, ok := kinds[next[i].Key()]
		if !ok || before == next[i].Kind {
			continue
		}
		changes = append(changes, SlotChange{
			Key:      next[i].Key(),
			FromKind: before,
			ToKind:   next[i].Kind,
			Subject:  next[i].Subject,
		})
	}
	return changes
}
