// Package timeutil provides period bucketing helpers for the reward engine.
// Aggregates are keyed by (periodType, periodKey); this package is the single
// source of truth for how a timestamp maps to a period key.
package timeutil

import (
	"fmt"
	"time"
)

// PeriodKey is a stable, sortable identifier of one time bucket.
// Examples: "2026-08-28", "2026-W35", "2026-08", "term:2026-fall", "all".
type PeriodKey string

// AllTimeKey is the single bucket covering all history.
const AllTimeKey PeriodKey = "all"

// UnassignedTermKey is used when a timestamp falls outside every configured
// term. Events must never be dropped because of a term-calendar gap.
const UnassignedTermKey PeriodKey = "term:unassigned"

// DayKey returns the day bucket for t (UTC calendar day).
func DayKey(t time.Time) PeriodKey {
	return PeriodKey(t.UTC().Format("2006-01-02"))
}

// WeekKey returns the ISO-8601 week bucket for t.
func WeekKey(t time.Time) PeriodKey {
	year, week := t.UTC().ISOWeek()
	return PeriodKey(fmt.Sprintf("%04d-W%02d", year, week))
}

// MonthKey returns the month bucket for t.
func MonthKey(t time.Time) PeriodKey {
	return PeriodKey(t.UTC().Format("2006-01"))
}

// DayStart returns the start of the UTC calendar day containing t.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns the start (Monday 00:00 UTC) of the ISO week containing t.
func WeekStart(t time.Time) time.Time {
	u := DayStart(t)
	weekday := int(u.Weekday())
	if weekday == 0 { // Sunday
		weekday = 7
	}
	return u.AddDate(0, 0, -(weekday - 1))
}

// MonthStart returns the start of the month containing t.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Term describes one academic term with an inclusive start and exclusive end.
type Term struct {
	Key   PeriodKey
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the term.
func (tm Term) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(tm.Start) && u.Before(tm.End)
}

// TermResolver maps a timestamp to a term period key.
// Term boundaries are institution configuration, not calendar arithmetic.
type TermResolver struct {
	terms []Term
}

// NewTermResolver creates a resolver over the configured terms.
func NewTermResolver(terms []Term) *TermResolver {
	cp := make([]Term, len(terms))
	copy(cp, terms)
	return &TermResolver{terms: cp}
}

// TermKey returns the term bucket for t, or UnassignedTermKey when t is not
// covered by any configured term.
func (r *TermResolver) TermKey(t time.Time) PeriodKey {
	for _, tm := range r.terms {
		if tm.Contains(t) {
			return tm.Key
		}
	}
	return UnassignedTermKey
}

// Terms returns a copy of the configured terms.
func (r *TermResolver) Terms() []Term {
	cp := make([]Term, len(r.terms))
	copy(cp, r.terms)
	return cp
}
