// Package timectx describes the current moment in conversational terms so
// prompts can reference the time of day naturally.
package timectx

import (
	"fmt"
	"time"
)

// Period names for the parts of a day.
const (
	EarlyMorning = "early morning"
	Morning      = "morning"
	Afternoon    = "afternoon"
	Evening      = "evening"
	Night        = "night"
)

// Period returns the named part of day for t.
func Period(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 8:
		return EarlyMorning
	case h >= 8 && h < 12:
		return Morning
	case h >= 12 && h < 17:
		return Afternoon
	case h >= 17 && h < 21:
		return Evening
	default:
		return Night
	}
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Describe renders a short sentence about the current time, suitable for
// inclusion in a system prompt.
func Describe(t time.Time) string {
	kind := "a weekday"
	if IsWeekend(t) {
		kind = "the weekend"
	}
	return fmt.Sprintf("It is %s %s (%s, %s).", t.Weekday(), Period(t), t.Format("15:04"), kind)
}
