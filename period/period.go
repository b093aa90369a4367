// Package period computes the accounting window a usage counter belongs to.
//
// Every function here is pure: the result depends only on the cadence and the
// instant passed in, and windows are computed in the location of that instant.
package period

import (
	"fmt"
	"time"
)

// Cadence is the billing cadence of a plan.
type Cadence string

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
	Yearly  Cadence = "yearly"
)

// Valid reports whether c is one of the known cadences.
func (c Cadence) Valid() bool {
	switch c {
	case Daily, Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

// Normalize returns c, or Monthly when c is not a known cadence.
func (c Cadence) Normalize() Cadence {
	if c.Valid() {
		return c
	}
	return Monthly
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Current returns the start and end of the period containing now.
// An unknown cadence is treated as monthly.
func Current(c Cadence, now time.Time) (start, end time.Time) {
	w := WindowAt(c, now)
	return w.Start, w.End
}

// WindowAt is Current returning a Window.
func WindowAt(c Cadence, now time.Time) Window {
	loc := now.Location()
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch c.Normalize() {
	case Daily:
		return Window{Start: midnight, End: midnight.AddDate(0, 0, 1)}
	case Weekly:
		// Monday is day zero.
		offset := (int(now.Weekday()) + 6) % 7
		start := midnight.AddDate(0, 0, -offset)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	case Yearly:
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc)}
	default:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		ny, nm := y, m+1
		if m == time.December {
			ny, nm = y+1, time.January
		}
		return Window{Start: start, End: time.Date(ny, nm, 1, 0, 0, 0, 0, loc)}
	}
}

// Next returns the window immediately following w for the given cadence.
func Next(c Cadence, w Window) Window {
	return WindowAt(c, w.End)
}

// Add moves t forward by one cadence step in t's location. Monthly steps use
// calendar months, so Jan 31 + 1 month normalizes into March.
func Add(c Cadence, t time.Time) time.Time {
	switch c.Normalize() {
	case Daily:
		return t.AddDate(0, 0, 1)
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Yearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Roll advances end by whole cadence steps until it is after now. An end
// already after now is returned unchanged.
func Roll(c Cadence, end, now time.Time) time.Time {
	for !end.After(now) {
		end = Add(c, end)
	}
	return end
}
