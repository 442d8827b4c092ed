// Package homework contains the homework domain model.
package homework

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// Domain errors for homework package.
var (
	ErrMissingSubject = errors.New("homework: item has no subject")
	ErrMissingDueDate = errors.New("homework: item has no due date")
)

// Item is one homework assignment of one student.
type Item struct {
	// ID is the portal's record ID. Some tenants omit it, then it stays 0
	// and identity falls back to the composite key.
	ID int64

	Subject string
	DueDate shared.ISODate
	Text    string

	// Done mirrors the student's completion checkbox on the portal.
	Done bool
}

// NewItem creates a homework item with validation.
func NewItem(id int64, subject string, dueDate shared.ISODate, text string, done bool) (*Item, error) {
	if subject == "" {
		return nil, ErrMissingSubject
	}
	if dueDate.IsZero() {
		return nil, ErrMissingDueDate
	}
	return &Item{ID: id, Subject: subject, DueDate: dueDate, Text: text, Done: done}, nil
}

// Key is the item's identity for change detection. The portal ID wins when
// present; otherwise due date, subject, and text together identify the item.
// Ticking the Done checkbox therefore never counts as new homework.
func (i *Item) Key() string {
	if i.ID > 0 {
		return fmt.Sprintf("id:%d", i.ID)
	}
	return fmt.Sprintf("%s|%s|%s", i.DueDate, i.Subject, i.Text)
}

// IsOverdue reports whether the due date has passed.
func (i *Item) IsOverdue(now time.Time, loc *time.Location) bool {
	due := i.DueDate.Time(loc)
	if due.IsZero() {
		return false
	}
	return now.After(due.AddDate(0, 0, 1))
}

// Sort orders items by due date, then subject, then text.
func Sort(items []Item) {
	sort.Slice(items, func(a, b int) bool {
		if items[a].DueDate != items[b].DueDate {
			return items[a].DueDate.Before(items[b].DueDate)
		}
		if items[a].Subject != items[b].Subject {
			return items[a].Subject < items[b].Subject
		}
		return items[a].Text < items[b].Text
	})
}

// Open filters out completed items, preserving order.
func Open(items []Item) []Item {
	var open []Item
	for i := range items {
		if !items[i].Done {
			open = append(open, items[i])
		}
	}
	return open
}

// DueOn filters items due on the given date, preserving order.
func DueOn(items []Item, date shared.ISODate) []Item {
	var due []Item
	for i := range items {
		if items[i].DueDate == date {
			due = append(due, items[i])
		}
	}
	return due
}
