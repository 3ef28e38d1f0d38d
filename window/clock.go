package window

import (
	"fmt"
	"time"
)

// DefaultTimezone is the operational timezone assumed when none is
// configured. All stores report business dates in this zone.
const DefaultTimezone = "Asia/Kolkata"

// Clock resolves "today" in the fixed operational timezone of the pipeline.
// The zero Clock is not usable; build one with NewClock or FixedClock.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock returns a Clock fixed to the named timezone,
// or an error if the zone cannot be loaded.
func NewClock(tz string) (*Clock, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	var loc, err = time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// FixedClock returns a Clock frozen at |at| in |loc|, for tests.
func FixedClock(at time.Time, loc *time.Location) *Clock {
	return &Clock{loc: loc, now: func() time.Time { return at }}
}

// Today returns the current civil date in the operational timezone.
func (c *Clock) Today() Date { return FromTime(c.now().In(c.loc)) }

// Now returns the current instant in the operational timezone.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Location returns the operational timezone.
func (c *Clock) Location() *time.Location { return c.loc }
