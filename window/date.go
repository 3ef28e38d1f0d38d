// Package window provides the inclusive civil-date arithmetic which sync
// planning is built on: a timezone-fixed clock, date values with no time
// component, and chunking of date ranges into bounded spans.
//
// All arithmetic in this package is inclusive on both ends. A window of
// [2025-03-01, 2025-03-01] is one day long, and chunking never produces
// gaps or overlaps between adjacent spans.
package window

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Date is a civil date without a time component. The zero Date is "no date".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the (normalized) Date of the given year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FromTime returns the Date of |t| in t's own location.
func FromTime(t time.Time) Date {
	var y, m, d = t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a Date from its canonical "2006-01-02" form.
func ParseDate(s string) (Date, error) {
	var t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return FromTime(t), nil
}

// MustDate parses a Date from its canonical form, and panics if it cannot.
// It's a convenience for fixtures and tests.
func MustDate(s string) Date {
	var d, err = ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero is true of the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// Time returns midnight of the Date in |loc|.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns the Date |n| days after d (or before, if negative).
func (d Date) AddDays(n int) Date {
	return FromTime(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// DaysUntil returns the number of days from d to |o|.
// It's positive if |o| is after d, zero if they're equal.
func (d Date) DaysUntil(o Date) int {
	return int(o.Time(time.UTC).Sub(d.Time(time.UTC)) / (24 * time.Hour))
}

// Before is true if d orders strictly before |o|.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// After is true if d orders strictly after |o|.
func (d Date) After(o Date) bool { return o.Before(d) }

// Min returns the earlier of d and |o|.
func (d Date) Min(o Date) Date {
	if o.Before(d) {
		return o
	}
	return d
}

// Max returns the later of d and |o|.
func (d Date) Max(o Date) Date {
	if o.After(d) {
		return o
	}
	return d
}

// String formats the Date in its canonical "2006-01-02" form.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Compact formats the Date as the 8-digit "20060102" token used in
// downloaded artifact filenames.
func (d Date) Compact() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// Pretty formats the Date as "02 Jan 2006", the visible form of report
// date ranges in the CRM request tables.
func (d Date) Pretty() string {
	return d.Time(time.UTC).Format("02 Jan 2006")
}

// Value implements driver.Valuer, storing the Date as a civil timestamp.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.Time(time.UTC), nil
}

// Scan implements sql.Scanner. It accepts DATE columns surfaced by drivers
// as time.Time, string, or []byte, and NULL as the zero Date.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = FromTime(v)
		return nil
	case string:
		return d.scanString(v)
	case []byte:
		return d.scanString(string(v))
	default:
		return fmt.Errorf("cannot scan %T into window.Date", src)
	}
}

func (d *Date) scanString(s string) error {
	// Drivers which store DATE as text may append a time component.
	if len(s) > 10 {
		s = s[:10]
	}
	var parsed, err = ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
