// Package timeutil provides timezone utilities for the Berlin timezone, where
// the school portal lives. Handles school weeks, school years, date formatting,
// and timezone-aware time operations.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"sync"
	"time"
)

var (
	berlinOnce sync.Once
	berlinLoc  *time.Location
)

// BerlinTZ returns the Europe/Berlin location. Unlike a fixed offset this
// tracks DST, which matters for lesson start times around the clock changes.
// Falls back to CET if the tz database is unavailable.
func BerlinTZ() *time.Location {
	berlinOnce.Do(func() {
		loc, err := time.LoadLocation("Europe/Berlin")
		if err != nil {
			loc = time.FixedZone("CET", 1*60*60)
		}
		berlinLoc = loc
	})
	return berlinLoc
}

// Now returns the current time in Berlin timezone.
func Now() time.Time {
	return time.Now().In(BerlinTZ())
}

// ToBerlin converts a time to Berlin timezone.
func ToBerlin(t time.Time) time.Time {
	return t.In(BerlinTZ())
}

// Date creates a time in Berlin timezone with the given date.
func Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, BerlinTZ())
}

// StartOfDay returns the start of the day (00:00:00) in Berlin timezone.
func StartOfDay(t time.Time) time.Time {
	local := ToBerlin(t)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, BerlinTZ())
}

// EndOfDay returns the end of the day (23:59:59.999999999) in Berlin timezone.
func EndOfDay(t time.Time) time.Time {
	local := ToBerlin(t)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999999999, BerlinTZ())
}

// StartOfWeek returns the start of the school week (Monday 00:00:00) in
// Berlin timezone. The portal's schedule endpoint expects Monday-aligned
// week boundaries.
func StartOfWeek(t time.Time) time.Time {
	local := ToBerlin(t)
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	daysToSubtract := weekday - 1 // Monday = 1
	return StartOfDay(local.AddDate(0, 0, -daysToSubtract))
}

// EndOfWeek returns the end of the week (Sunday 23:59:59) in Berlin timezone.
func EndOfWeek(t time.Time) time.Time {
	start := StartOfWeek(t)
	return EndOfDay(start.AddDate(0, 0, 6))
}

// Schedule fetch window bounds.
const (
	// MinWeeksAhead is the smallest supported schedule lookahead.
	MinWeeksAhead = 1
	// MaxWeeksAhead is the largest supported schedule lookahead.
	MaxWeeksAhead = 3
)

// ClampWeeks limits a schedule lookahead to the supported 1..3 range.
func ClampWeeks(weeks int) int {
	if weeks < MinWeeksAhead {
		return MinWeeksAhead
	}
	if weeks > MaxWeeksAhead {
		return MaxWeeksAhead
	}
	return weeks
}

// ScheduleWindow returns the Monday-aligned fetch window covering the current
// week plus weeks-1 further weeks. The weeks argument is clamped to 1..3.
func ScheduleWindow(now time.Time, weeks int) (start, end time.Time) {
	weeks = ClampWeeks(weeks)
	start = StartOfWeek(now)
	end = EndOfWeek(start.AddDate(0, 0, 7*(weeks-1)))
	return start, end
}

// School year helpers. A German school year runs from August 1st to July 31st.

// SchoolYearStartYear returns the calendar year in which the school year
// containing t started.
func SchoolYearStartYear(t time.Time) int {
	local := ToBerlin(t)
	if local.Month() >= time.August {
		return local.Year()
	}
	return local.Year() - 1
}

// SchoolYearRange returns the [August 1st, July 31st] bounds of the school
// year containing t.
func SchoolYearRange(t time.Time) (start, end time.Time) {
	startYear := SchoolYearStartYear(t)
	start = Date(startYear, 8, 1)
	end = EndOfDay(Date(startYear+1, 7, 31))
	return start, end
}

// SchoolYearLabel returns the "2025/26" style label for the school year
// containing t.
func SchoolYearLabel(t time.Time) string {
	startYear := SchoolYearStartYear(t)
	return fmt.Sprintf("%d/%02d", startYear, (startYear+1)%100)
}

// IsToday checks if the given time is today in Berlin timezone.
func IsToday(t time.Time) bool {
	return IsSameDay(t, Now())
}

// IsTomorrow checks if the given time is tomorrow in Berlin timezone.
func IsTomorrow(t time.Time) bool {
	return IsSameDay(t, Now().AddDate(0, 0, 1))
}

// IsWeekend checks if the given time is on a weekend.
func IsWeekend(t time.Time) bool {
	weekday := ToBerlin(t).Weekday()
	return weekday == time.Saturday || weekday == time.Sunday
}

// IsSchoolDay checks if the given time is on a school day (Mon-Fri).
func IsSchoolDay(t time.Time) bool {
	return !IsWeekend(t)
}

// NextSchoolDay returns the start of the next school day (skipping weekends).
func NextSchoolDay(t time.Time) time.Time {
	next := ToBerlin(t).AddDate(0, 0, 1)
	for IsWeekend(next) {
		next = next.AddDate(0, 0, 1)
	}
	return StartOfDay(next)
}

// IsSameDay checks if two times are on the same day in Berlin timezone.
func IsSameDay(t1, t2 time.Time) bool {
	b1, b2 := ToBerlin(t1), ToBerlin(t2)
	return b1.Year() == b2.Year() && b1.YearDay() == b2.YearDay()
}

// DaysBetween calculates the number of whole days between two times.
func DaysBetween(t1, t2 time.Time) int {
	d1 := StartOfDay(t1)
	d2 := StartOfDay(t2)
	days := int(d2.Sub(d1).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// DaysUntil returns the number of whole days from now until t, negative when
// t lies in the past.
func DaysUntil(t time.Time) int {
	today := StartOfDay(Now())
	target := StartOfDay(t)
	return int(target.Sub(today).Hours() / 24)
}

// Common date/time formats.
const (
	// FormatDate is the portal's date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the standard time format (HH:MM).
	FormatTime = "15:04"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
	// FormatGermanDate is the German date format (DD.MM.YYYY).
	FormatGermanDate = "02.01.2006"
	// FormatGermanDateTime is the German datetime format.
	FormatGermanDateTime = "02.01.2006 15:04"
	// FormatShortGermanDate drops the year (DD.MM.).
	FormatShortGermanDate = "02.01."
)

// FormatBerlin formats a time in Berlin timezone with the given layout.
func FormatBerlin(t time.Time, layout string) string {
	return ToBerlin(t).Format(layout)
}

// FormatDateStr formats a time as a date string (YYYY-MM-DD) in Berlin timezone.
func FormatDateStr(t time.Time) string {
	return FormatBerlin(t, FormatDate)
}

// FormatTimeStr formats a time as a time string (HH:MM) in Berlin timezone.
func FormatTimeStr(t time.Time) string {
	return FormatBerlin(t, FormatTime)
}

// FormatGerman formats a time in German format (DD.MM.YYYY).
func FormatGerman(t time.Time) string {
	return FormatBerlin(t, FormatGermanDate)
}

// ParseBerlin parses a time string in Berlin timezone.
func ParseBerlin(layout, value string) (time.Time, error) {
	return time.ParseInLocation(layout, value, BerlinTZ())
}

// ParseDateBerlin parses a date string (YYYY-MM-DD) in Berlin timezone.
func ParseDateBerlin(value string) (time.Time, error) {
	return ParseBerlin(FormatDate, value)
}

// WeekdayNameDe returns the German name for a weekday.
func WeekdayNameDe(t time.Time) string {
	switch ToBerlin(t).Weekday() {
	case time.Monday:
		return "Montag"
	case time.Tuesday:
		return "Dienstag"
	case time.Wednesday:
		return "Mittwoch"
	case time.Thursday:
		return "Donnerstag"
	case time.Friday:
		return "Freitag"
	case time.Saturday:
		return "Samstag"
	case time.Sunday:
		return "Sonntag"
	default:
		return ""
	}
}

// MonthNameDe returns the German name for a month.
func MonthNameDe(m time.Month) string {
	names := []string{
		"", "Januar", "Februar", "März", "April", "Mai", "Juni",
		"Juli", "August", "September", "Oktober", "November", "Dezember",
	}
	if int(m) >= 1 && int(m) <= 12 {
		return names[m]
	}
	return ""
}

// FormatRelativeDe returns a German relative day description for dates close
// to now, falling back to the short numeric form.
func FormatRelativeDe(t time.Time) string {
	switch DaysUntil(t) {
	case -1:
		return "gestern"
	case 0:
		return "heute"
	case 1:
		return "morgen"
	case 2:
		return "übermorgen"
	default:
		return FormatBerlin(t, FormatShortGermanDate)
	}
}
