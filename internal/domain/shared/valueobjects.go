// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// SchoolID identifies an institution on the portal.
type SchoolID int64

// IsValid checks if the school ID is valid (positive number).
func (s SchoolID) IsValid() bool {
	return s > 0
}

// Int64 returns the underlying int64 value.
func (s SchoolID) Int64() int64 {
	return int64(s)
}

// String returns the string representation.
func (s SchoolID) String() string {
	return fmt.Sprintf("%d", s)
}

// NewSchoolID creates a new SchoolID with validation.
func NewSchoolID(id int64) (SchoolID, error) {
	if id <= 0 {
		return 0, NewDomainError("shared", "NewSchoolID", ErrInvalidID, "school ID must be positive")
	}
	return SchoolID(id), nil
}

// StudentID identifies a student on the portal. The value is only unique
// within one school; use StudentKey wherever students from several schools
// can meet.
type StudentID int64

// IsValid checks if the student ID is valid (positive number).
func (s StudentID) IsValid() bool {
	return s > 0
}

// Int64 returns the underlying int64 value.
func (s StudentID) Int64() int64 {
	return int64(s)
}

// String returns the string representation.
func (s StudentID) String() string {
	return fmt.Sprintf("%d", s)
}

// NewStudentID creates a new StudentID with validation.
func NewStudentID(id int64) (StudentID, error) {
	if id <= 0 {
		return 0, NewDomainError("shared", "NewStudentID", ErrInvalidID, "student ID must be positive")
	}
	return StudentID(id), nil
}

// StudentKey is the full identity of a student: the portal student ID
// qualified by the school it belongs to. Two schools may reuse numeric IDs.
type StudentKey struct {
	SchoolID  int64
	StudentID int64
}

// IsValid checks both components.
func (k StudentKey) IsValid() bool {
	return k.SchoolID > 0 && k.StudentID > 0
}

// String returns "schoolID:studentID", the canonical map key form.
func (k StudentKey) String() string {
	return fmt.Sprintf("%d:%d", k.SchoolID, k.StudentID)
}

// NewStudentKey creates a new StudentKey with validation.
func NewStudentKey(schoolID, studentID int64) (StudentKey, error) {
	k := StudentKey{SchoolID: schoolID, StudentID: studentID}
	if !k.IsValid() {
		return StudentKey{}, NewDomainError("shared", "NewStudentKey", ErrInvalidID, "school and student IDs must be positive")
	}
	return k, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// ISODate Value Object
// ═══════════════════════════════════════════════════════════════════════════

// ISODate is a day-granular date in "YYYY-MM-DD" form, the format the portal
// uses throughout. ISO dates compare correctly as strings, which makes the
// type usable as a map key and sortable without parsing.
type ISODate string

const isoDateLayout = "2006-01-02"

var isoDateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// IsValid checks the format and that the date actually exists.
func (d ISODate) IsValid() bool {
	if !isoDateRegex.MatchString(string(d)) {
		return false
	}
	_, err := time.Parse(isoDateLayout, string(d))
	return err == nil
}

// String returns the string representation.
func (d ISODate) String() string {
	return string(d)
}

// IsZero checks if the date is empty.
func (d ISODate) IsZero() bool {
	return d == ""
}

// Time converts the date to a time.Time at midnight in the given location.
func (d ISODate) Time(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(isoDateLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Before reports whether d is before other. Lexical comparison is exact for
// ISO dates.
func (d ISODate) Before(other ISODate) bool {
	return string(d) < string(other)
}

// Weekday returns the weekday of the date in the given location.
func (d ISODate) Weekday(loc *time.Location) time.Weekday {
	return d.Time(loc).Weekday()
}

// DateOf converts a time.Time to an ISODate in the time's location.
func DateOf(t time.Time) ISODate {
	return ISODate(t.Format(isoDateLayout))
}

// ParseISODate creates an ISODate from a string with validation.
func ParseISODate(s string) (ISODate, error) {
	d := ISODate(strings.TrimSpace(s))
	if !d.IsValid() {
		return "", NewDomainError("shared", "ParseISODate", ErrInvalidFormat, "expected YYYY-MM-DD")
	}
	return d, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HourNumber Value Object
// ═══════════════════════════════════════════════════════════════════════════

// HourNumber is a timetable period within a school day. Records whose period
// could not be determined carry UnknownHour, which sorts after every real
// period of the same day.
type HourNumber int

// UnknownHour is the sentinel for lessons without a resolvable period.
const UnknownHour HourNumber = 999

// IsUnknown reports whether the hour is the sentinel.
func (h HourNumber) IsUnknown() bool {
	return h == UnknownHour
}

// Int returns the underlying int value.
func (h HourNumber) Int() int {
	return int(h)
}

// String returns "3." for real periods and "?" for the sentinel.
func (h HourNumber) String() string {
	if h.IsUnknown() {
		return "?"
	}
	return fmt.Sprintf("%d.", int(h))
}

// NewHourNumber creates an HourNumber, mapping non-positive input to the
// sentinel.
func NewHourNumber(n int) HourNumber {
	if n <= 0 {
		return UnknownHour
	}
	return HourNumber(n)
}

// ═══════════════════════════════════════════════════════════════════════════
// TimeRange Value Object
// ═══════════════════════════════════════════════════════════════════════════

// TimeRange represents a time period.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// IsValid checks if the time range is valid.
func (t TimeRange) IsValid() bool {
	return !t.From.IsZero() && !t.To.IsZero() && !t.From.After(t.To)
}

// Duration returns the duration of the time range.
func (t TimeRange) Duration() time.Duration {
	return t.To.Sub(t.From)
}

// Contains checks if a time is within the range.
func (t TimeRange) Contains(tm time.Time) bool {
	return (tm.Equal(t.From) || tm.After(t.From)) && (tm.Equal(t.To) || tm.Before(t.To))
}

// NewTimeRange creates a new TimeRange with validation.
func NewTimeRange(from, to time.Time) (TimeRange, error) {
	tr := TimeRange{From: from, To: to}
	if !tr.IsValid() {
		return TimeRange{}, NewDomainError("shared", "NewTimeRange", ErrInvalidInput, "'from' must be before 'to'")
	}
	return tr, nil
}

// AroundNow returns a TimeRange reaching the given number of days into the
// past and the future, the window shape the exam endpoint expects.
func AroundNow(now time.Time, daysBack, daysAhead int) TimeRange {
	return TimeRange{
		From: now.AddDate(0, 0, -daysBack),
		To:   now.AddDate(0, 0, daysAhead),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Pagination Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Pagination represents pagination parameters.
type Pagination struct {
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Offset returns the offset for list slicing.
func (p Pagination) Offset() int {
	if p.Page <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit()
}

// Limit returns the effective page size.
func (p Pagination) Limit() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return p.PageSize
}

// NewPagination creates a new Pagination with defaults.
func NewPagination(page, pageSize int) Pagination {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Pagination{Page: page, PageSize: pageSize}
}

// DefaultPagination returns default pagination.
func DefaultPagination() Pagination {
	return Pagination{Page: 1, PageSize: DefaultPageSize}
}
