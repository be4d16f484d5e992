package hydrate

import (
	"fmt"
	"time"

	"github.com/t77yq/trainflow/internal/model"
)

// DateRange produces the sequence of instants for a backfill, inclusive of
// both endpoints and strictly ascending. Weeks are anchored to the start
// date stepping 7 days; months step by month number with day clamping.
func DateRange(start, end time.Time, interval model.Interval) ([]time.Time, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var dates []time.Time
	switch interval {
	case model.IntervalHour:
		for t := start; !t.After(end); t = t.Add(time.Hour) {
			dates = append(dates, t)
		}
	case model.IntervalDay:
		for t := start; !t.After(end); t = t.AddDate(0, 0, 1) {
			dates = append(dates, t)
		}
	case model.IntervalWeek:
		for t := start; !t.After(end); t = t.AddDate(0, 0, 7) {
			dates = append(dates, t)
		}
	case model.IntervalMonth:
		for i := 0; ; i++ {
			t := addMonthsClamped(start, i)
			if t.After(end) {
				break
			}
			dates = append(dates, t)
		}
	default:
		return nil, fmt.Errorf("unsupported interval: %q", interval)
	}

	return dates, nil
}

// addMonthsClamped steps from base by n calendar months, clamping the day
// of month so Jan 31 + 1 month is Feb 28 (or 29), not Mar 3.
func addMonthsClamped(base time.Time, n int) time.Time {
	year, month, day := base.Date()
	first := time.Date(year, month+time.Month(n), 1, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FormatJobSuffix renders the compact per-date identifier used to build
// unique job and execution ids within one backfill.
func FormatJobSuffix(t time.Time, interval model.Interval) string {
	if interval == model.IntervalHour {
		return t.Format("20060102_1504")
	}
	return t.Format("20060102")
}
