// Package partition routes news items into weekly Monday-to-Sunday tables.
package partition

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "020106"

// Key identifies one weekly partition. Start is a Monday, End the following Sunday,
// both as dates at UTC midnight.
type Key struct {
	Start time.Time
	End   time.Time
}

// KeyFor returns the partition containing t's calendar date in t's own location.
func KeyFor(t time.Time) Key {
	d := dateOf(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 .. Sunday=6
	start := d.AddDate(0, 0, -offset)
	return Key{Start: start, End: start.AddDate(0, 0, 6)}
}

// String renders the table name, e.g. "121026-181026".
func (k Key) String() string {
	return k.Start.Format(dateLayout) + "-" + k.End.Format(dateLayout)
}

// ParseKey is the strict inverse of String.
func ParseKey(name string) (Key, error) {
	startS, endS, ok := strings.Cut(name, "-")
	if !ok || len(startS) != len(dateLayout) || len(endS) != len(dateLayout) {
		return Key{}, fmt.Errorf("partition name %q: want DDMMYY-DDMMYY", name)
	}
	start, err := time.Parse(dateLayout, startS)
	if err != nil {
		return Key{}, fmt.Errorf("partition name %q: parse start: %w", name, err)
	}
	end, err := time.Parse(dateLayout, endS)
	if err != nil {
		return Key{}, fmt.Errorf("partition name %q: parse end: %w", name, err)
	}
	if start.Weekday() != time.Monday {
		return Key{}, fmt.Errorf("partition name %q: start is %s, not Monday", name, start.Weekday())
	}
	if !end.Equal(start.AddDate(0, 0, 6)) {
		return Key{}, fmt.Errorf("partition name %q: end is not the Sunday after start", name)
	}
	return Key{Start: start, End: end}, nil
}

// Cutoff is the first date a partition must still cover to be retained.
func Cutoff(now time.Time, horizon time.Duration) time.Time {
	return dateOf(now.Add(-horizon))
}

// ExpiredAt reports whether the partition ends strictly before cutoff.
func (k Key) ExpiredAt(cutoff time.Time) bool {
	return k.End.Before(cutoff)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
