package engine

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

type Clock interface {
	Now() time.Time
}

// SystemClock returns the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t.UTC()}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t.UTC()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// FISCAL CALENDAR - Which fiscal year a date falls into
// =============================================================================

// FiscalCalendar describes fiscal years starting on the first day of
// StartMonth. A fiscal year is labelled by the calendar year in which it
// ends: with StartMonth April, 2026-04-01..2027-03-31 is FY2027.
// StartMonth January makes fiscal years equal calendar years.
type FiscalCalendar struct {
	StartMonth time.Month
}

// Period is a closed [Start, End] date range.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// PeriodFor returns the fiscal year containing t.
func (fc FiscalCalendar) PeriodFor(t time.Time) Period {
	month := fc.StartMonth
	if month < time.January || month > time.December {
		month = time.January
	}
	t = t.UTC()
	start := time.Date(t.Year(), month, 1, 0, 0, 0, 0, time.UTC)
	if t.Before(start) {
		start = start.AddDate(-1, 0, 0)
	}
	end := start.AddDate(1, 0, 0).Add(-time.Nanosecond)
	return Period{Start: start, End: end}
}

// Label returns the fiscal-year label for t, e.g. "FY2026".
func (fc FiscalCalendar) Label(t time.Time) string {
	p := fc.PeriodFor(t)
	return fmt.Sprintf("FY%d", p.End.Year())
}

// PreviousLabel returns the label of the fiscal year before the one
// containing t.
func (fc FiscalCalendar) PreviousLabel(t time.Time) string {
	return fc.Label(fc.PeriodFor(t).Start.Add(-time.Nanosecond))
}
