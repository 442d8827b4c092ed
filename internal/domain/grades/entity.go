// Package grades contains the grade domain model: raw value parsing with
// tendency handling, subject catalogs, and average calculation.
package grades

import (
	"errors"
	"fmt"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// Domain errors for grades package.
var (
	ErrUnparsableValue = errors.New("grades: unrecognized grade value")
	ErrOutOfRange      = errors.New("grades: grade outside 1.0-6.0")
	ErrInvalidSubject  = errors.New("grades: invalid subject")
)

// ═══════════════════════════════════════════════════════════════════════════
// Tendency
// ═══════════════════════════════════════════════════════════════════════════

// Tendency is the optional plus/minus shading of a German grade. It is kept
// for display only; averages never include it.
type Tendency string

const (
	TendencyNone  Tendency = "none"
	TendencyPlus  Tendency = "plus"
	TendencyMinus Tendency = "minus"
)

// IsValid checks if the tendency is one of the known values.
func (t Tendency) IsValid() bool {
	switch t {
	case TendencyNone, TendencyPlus, TendencyMinus:
		return true
	default:
		return false
	}
}

// Suffix returns the "+"/"-" display suffix, empty for TendencyNone.
func (t Tendency) Suffix() string {
	switch t {
	case TendencyPlus:
		return "+"
	case TendencyMinus:
		return "-"
	default:
		return ""
	}
}

// String returns the string representation of the tendency.
func (t Tendency) String() string {
	return string(t)
}

// ═══════════════════════════════════════════════════════════════════════════
// Subject
// ═══════════════════════════════════════════════════════════════════════════

// Subject is one entry of the school's subject catalog.
type Subject struct {
	ID           int64
	Name         string
	Abbreviation string
}

// NewSubject creates a subject with validation.
func NewSubject(id int64, name, abbreviation string) (*Subject, error) {
	if id <= 0 || name == "" {
		return nil, ErrInvalidSubject
	}
	return &Subject{ID: id, Name: name, Abbreviation: abbreviation}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Grade
// ═══════════════════════════════════════════════════════════════════════════

// Grade is one graded performance of one student. RawValue preserves the
// portal's original notation; Value and Tendency are the normalized form.
type Grade struct {
	SubjectID   int64
	SubjectName string

	// Category is the portal's grading category, e.g. "Klassenarbeit" or
	// "mündliche Note".
	Category string

	// RawValue is the unmodified portal notation, e.g. "2+" or "0~3-".
	RawValue string

	// Value is the normalized numeric grade in the 1.0-6.0 range.
	Value float64

	// Tendency is the plus/minus shading extracted from RawValue.
	Tendency Tendency

	// Date is the day the grade was entered, zero when the portal omits it.
	Date shared.ISODate

	// Topic is the free-text description, e.g. the exam topic.
	Topic string
}

// NewGrade parses the raw portal value and builds a normalized grade.
// Returns ErrUnparsableValue or ErrOutOfRange when the notation is not a
// recognized German grade.
func NewGrade(subjectID int64, subjectName, category, rawValue string, date shared.ISODate, topic string) (*Grade, error) {
	value, tendency, err := ParseValue(rawValue)
	if err != nil {
		return nil, err
	}
	return &Grade{
		SubjectID:   subjectID,
		SubjectName: subjectName,
		Category:    category,
		RawValue:    rawValue,
		Value:       value,
		Tendency:    tendency,
		Date:        date,
		Topic:       topic,
	}, nil
}

// Key is the grade's identity for change detection: a grade is "the same" as
// a previous one when subject, category, date, raw value, and topic all match.
// The portal exposes no stable grade IDs.
func (g *Grade) Key() string {
	return fmt.Sprintf("%d:%s:%s:%s:%s", g.SubjectID, g.Category, g.Date, g.RawValue, g.Topic)
}

// Display returns the short human form, e.g. "2+" or "3".
func (g *Grade) Display() string {
	rounded := int64(g.Value)
	if g.Value == float64(rounded) {
		return fmt.Sprintf("%d%s", rounded, g.Tendency.Suffix())
	}
	return fmt.Sprintf("%.1f%s", g.Value, g.Tendency.Suffix())
}

// String returns a compact representation for logging.
func (g *Grade) String() string {
	return fmt.Sprintf("Grade{%s %s %s}", g.SubjectName, g.Display(), g.Date)
}
