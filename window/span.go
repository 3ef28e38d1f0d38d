package window

import "fmt"

// Span is an inclusive date interval bounding a single sync execution of one
// (store, pipeline). From is never after To.
type Span struct {
	From Date `db:"from_date"`
	To   Date `db:"to_date"`
}

// Days returns the inclusive length of the Span in days.
// A Span of a single date is one day long.
func (s Span) Days() int { return s.From.DaysUntil(s.To) + 1 }

// Contains is true if |d| falls within the Span, inclusive of both ends.
func (s Span) Contains(d Date) bool {
	return !d.Before(s.From) && !d.After(s.To)
}

// Overlaps is true if the Spans share at least one date.
func (s Span) Overlaps(o Span) bool {
	return !s.To.Before(o.From) && !o.To.Before(s.From)
}

// String formats the Span as "[2006-01-02, 2006-01-02]".
func (s Span) String() string {
	return fmt.Sprintf("[%s, %s]", s.From, s.To)
}

// Pretty formats the Span as it appears in CRM report-request tables:
// "02 Jan 2006 - 02 Jan 2006".
func (s Span) Pretty() string {
	return s.From.Pretty() + " - " + s.To.Pretty()
}

// Chunks slices the inclusive range [from, to] into ordered Spans of at most
// |n| days each. Adjacent spans are contiguous (the day after one span's To
// is the next span's From) and the final span always ends at |to|. It returns
// nil if |from| is after |to|, and panics on a non-positive |n|.
func Chunks(from, to Date, n int) []Span {
	if n <= 0 {
		panic(fmt.Sprintf("chunk size must be positive (got %d)", n))
	}
	if from.After(to) {
		return nil
	}

	var out []Span
	for cur := from; !cur.After(to); cur = cur.AddDays(n) {
		var end = cur.AddDays(n - 1)
		if end.After(to) {
			end = to
		}
		out = append(out, Span{From: cur, To: end})
	}
	return out
}
