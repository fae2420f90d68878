package parse

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoDate is returned when no layout matches the input.
var ErrNoDate = errors.New("unparseable date")

// ErrYearOutOfRange is returned for dates whose year cannot be real market
// data (upstream has served fiscal years like 2076).
var ErrYearOutOfRange = errors.New("date year out of range")

// dateLayouts are tried in order. Day-first slashed dates are the regional
// convention, so D/M/YYYY is preferred over M/D/YYYY.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2/1/2006",
	"02/01/2006",
	"2006/01/02/15:04:05",
	"2006/01/02",
}

// ParseDate parses a date permissively across the layouts upstream sources
// use. Years outside [1980, now+1] return ErrYearOutOfRange; callers drop
// the row with a warning.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	cleaned := strings.TrimSpace(NormalizeDigits(s))
	if cleaned == "" {
		return time.Time{}, ErrNoDate
	}

	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, cleaned, loc)
		if err != nil {
			continue
		}
		if err := checkYear(t); err != nil {
			return time.Time{}, err
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrNoDate, s)
}

// ParseMillis converts a millisecond epoch timestamp, rejecting values
// whose year is implausible.
func ParseMillis(ms int64, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t := time.UnixMilli(ms).In(loc)
	if err := checkYear(t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func checkYear(t time.Time) error {
	year := t.Year()
	if year < 1980 || year > time.Now().Year()+1 {
		return fmt.Errorf("%w: %d", ErrYearOutOfRange, year)
	}
	return nil
}
