package models

import "time"

// FormatDate renders a time as the YYYY-MM-DD form used throughout the store.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// NearestWeekday returns the date of the next occurrence of the weekday on or
// after now, at midnight in now's location. Today counts when it matches.
func NearestWeekday(now time.Time, weekday time.Weekday) time.Time {
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	next := now.AddDate(0, 0, days)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, now.Location())
}

// DefaultSlotDate returns the calendar date a freshly created slot is bound
// to: the nearest matching weekday.
func DefaultSlotDate(now time.Time, slot Slot) string {
	return FormatDate(NearestWeekday(now, slot.Weekday()))
}
