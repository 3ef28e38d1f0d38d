package workbook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spindleworks/spindle/window"
)

// Date formats observed across the two CRMs' exports. Day-first layouts come
// before month-first; the CRMs are Indian deployments.
var dateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2/1/2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04",
	"02-01-2006 15:04:05",
}

// coerceCell converts one trimmed cell to its canonical typed value. Empty
// cells are zero for numbers and null for everything else; the caller
// enforces key-column presence.
func coerceCell(raw string, t Type, clock *window.Clock) (interface{}, error) {
	if raw == "" {
		if t == Number {
			return float64(0), nil
		}
		return nil, nil
	}
	switch t {
	case String:
		return raw, nil
	case Date:
		return coerceDate(raw, clock)
	case Number:
		return coerceNumber(raw)
	case Phone:
		return coercePhone(raw)
	default:
		return nil, fmt.Errorf("unknown coercion type %d", t)
	}
}

func coerceDate(raw string, clock *window.Clock) (interface{}, error) {
	for _, layout := range dateLayouts {
		if ts, err := time.ParseInLocation(layout, raw, clock.Location()); err == nil {
			return window.FromTime(ts), nil
		}
	}
	return nil, fmt.Errorf("unparseable date %q", raw)
}

var numberCleaner = strings.NewReplacer(",", "", "₹", "", " ", "", " ", "")

func coerceNumber(raw string) (interface{}, error) {
	var s = numberCleaner.Replace(raw)
	if s == "" || s == "-" {
		return float64(0), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable number %q", raw)
	}
	return v, nil
}

var phoneCleaner = strings.NewReplacer("+91", "", " ", "", "-", "", "(", "", ")", "")

// coercePhone normalizes to bare 10-digit Indian mobile form. Anything that
// does not reduce to exactly 10 digits is an error; the column policy then
// decides between null and row rejection.
func coercePhone(raw string) (interface{}, error) {
	var s = phoneCleaner.Replace(raw)
	s = strings.TrimPrefix(s, "0")
	if len(s) == 10 && allDigits(s) {
		return s, nil
	}
	return nil, fmt.Errorf("phone %q is not a 10-digit number", raw)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
