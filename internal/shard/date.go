package shard

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

const dateLayout = "2006-01-02"

// Date is a calendar day in YYYY-MM-DD form. Lexical order is chronological order.
type Date string

// DateOf returns the local calendar date of t.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// ParseDate validates s as a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return "", errs.Validation("invalid shard date %q", s)
	}
	return DateOf(t), nil
}

// Time returns local midnight of the date.
func (d Date) Time() time.Time {
	t, err := time.ParseInLocation(dateLayout, string(d), time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	t := d.Time()
	return DateOf(time.Date(t.Year(), t.Month(), t.Day()+n, 0, 0, 0, 0, time.Local))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d < other
}

// DaysSince returns the whole number of days from other to d.
func (d Date) DaysSince(other Date) int {
	a, b := d.Time(), other.Time()
	// Calendar arithmetic in UTC avoids DST-length days.
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(au.Sub(bu).Hours() / 24)
}

// Compact renders the date as YYYYMMDD for file and collection names.
func (d Date) Compact() string {
	return d.Time().Format("20060102")
}

// parseCompact is the inverse of Compact.
func parseCompact(s string) (Date, bool) {
	t, err := time.ParseInLocation("20060102", s, time.Local)
	if err != nil {
		return "", false
	}
	return DateOf(t), true
}

func (d Date) String() string {
	return string(d)
}

// Window returns the n most recent dates ending at today, oldest first.
func Window(today Date, n int) []Date {
	if n < 1 {
		return nil
	}
	dates := make([]Date, n)
	for i := 0; i < n; i++ {
		dates[i] = today.AddDays(i - (n - 1))
	}
	return dates
}

// ID is the global identifier of a stored vector.
type ID struct {
	Date    Date
	Ordinal int64
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.Date, id.Ordinal)
}
