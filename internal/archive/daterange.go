package archive

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// DateRange is an inclusive calendar date window.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// ParseDateRange parses two YYYY-MM-DD strings.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := civil.ParseDate(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date: %w", err)
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date: %w", err)
	}
	r := DateRange{Start: s, End: e}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// LastNDays returns the n-day window ending on today.
func LastNDays(today civil.Date, n int) (DateRange, error) {
	if n <= 0 {
		return DateRange{}, fmt.Errorf("days must be > 0, got %d", n)
	}
	return DateRange{Start: today.AddDays(-(n - 1)), End: today}, nil
}

// Today returns the current UTC calendar date for t.
func Today(t time.Time) civil.Date {
	return civil.DateOf(t.UTC())
}

// Validate rejects invalid dates and inverted ranges.
func (r DateRange) Validate() error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("invalid date range %s..%s", r.Start, r.End)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range end %s is before start %s", r.End, r.Start)
	}
	return nil
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d civil.Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days returns the number of days in the range.
func (r DateRange) Days() int {
	return r.End.DaysSince(r.Start) + 1
}

// DaysDescending enumerates the range from End back to Start.
func (r DateRange) DaysDescending() []civil.Date {
	if r.End.Before(r.Start) {
		return nil
	}
	out := make([]civil.Date, 0, r.Days())
	for d := r.End; !d.Before(r.Start); d = d.AddDays(-1) {
		out = append(out, d)
	}
	return out
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}
