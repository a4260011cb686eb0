// Package timefmt formats run durations for humans.
package timefmt

import (
	"strconv"
	"strings"
	"time"
)

// Calendar units use fixed lengths: a month is 30 days and a year 12 months.
const (
	Minute = 60
	Hour   = 60 * Minute
	Day    = 24 * Hour
	Week   = 7 * Day
	Month  = 30 * Day
	Year   = 12 * Month
)

var units = []struct {
	seconds int64
	name    string
}{
	{Year, "year"},
	{Month, "month"},
	{Week, "week"},
	{Day, "day"},
	{Hour, "hour"},
	{Minute, "minute"},
	{1, "second"},
}

// Elapsed renders d as "1 hour(s) 2 minute(s) 3 second(s) 45 millisecond(s)",
// omitting zero units. Zero or negative durations render as "0 millisecond(s)".
func Elapsed(d time.Duration) string {
	if d <= 0 {
		return "0 millisecond(s)"
	}
	ms := d.Milliseconds()
	total, rest := ms/1000, ms%1000

	var parts []string
	for _, u := range units {
		n := total / u.seconds
		total %= u.seconds
		if n > 0 {
			parts = append(parts, strconv.FormatInt(n, 10)+" "+u.name+"(s)")
		}
	}
	if rest > 0 {
		parts = append(parts, strconv.FormatInt(rest, 10)+" millisecond(s)")
	}
	if len(parts) == 0 {
		return "0 millisecond(s)"
	}
	return strings.Join(parts, " ")
}
