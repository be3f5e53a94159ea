// Package timeutil provides calendar-day utilities for streak tracking.
// Learners are spread across timezones, so all day arithmetic is done in UTC -
// the remote progress service reports timestamps in UTC as well.
// No external dependencies - uses only standard library.
package timeutil

import "time"

// StartOfDay returns the start of the day (00:00:00) in UTC.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the end of the day (23:59:59.999999999) in UTC.
func EndOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 999999999, time.UTC)
}

// DateOnly strips the time-of-day component, keeping the UTC date.
func DateOnly(t time.Time) time.Time {
	return StartOfDay(t)
}

// IsSameDay checks if two times are on the same UTC calendar day.
func IsSameDay(t1, t2 time.Time) bool {
	u1, u2 := t1.UTC(), t2.UTC()
	return u1.Year() == u2.Year() && u1.YearDay() == u2.YearDay()
}

// IsConsecutiveDay checks if t2 is the calendar day after t1.
func IsConsecutiveDay(t1, t2 time.Time) bool {
	nextDay := StartOfDay(t1).AddDate(0, 0, 1)
	return IsSameDay(nextDay, t2)
}

// DaysBetween calculates the number of calendar days between two times.
func DaysBetween(t1, t2 time.Time) int {
	d1 := StartOfDay(t1)
	d2 := StartOfDay(t2)
	days := int(d2.Sub(d1).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// IsToday checks if the given time is today in UTC.
func IsToday(t time.Time) bool {
	return IsSameDay(t, time.Now())
}

// IsYesterday checks if the given time is yesterday in UTC.
func IsYesterday(t time.Time) bool {
	return IsSameDay(t, time.Now().AddDate(0, 0, -1))
}

// DaysSince calculates the number of whole days since the given time.
func DaysSince(t time.Time) int {
	return DaysBetween(t, time.Now())
}

// FormatDate is the standard date format (YYYY-MM-DD) used in snapshots and logs.
const FormatDate = "2006-01-02"

// FormatDateStr formats a time as a UTC date string (YYYY-MM-DD).
func FormatDateStr(t time.Time) string {
	return t.UTC().Format(FormatDate)
}

// ParseDate parses a date string (YYYY-MM-DD) as a UTC date.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, time.UTC)
}
