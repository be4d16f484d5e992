package hydrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/trainflow/internal/model"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDateRange(t *testing.T) {
	t.Run("Daily", func(t *testing.T) {
		dates, err := DateRange(date(2024, time.March, 1), date(2024, time.March, 5), model.IntervalDay)
		require.NoError(t, err)
		require.Len(t, dates, 5)
		assert.Equal(t, date(2024, time.March, 1), dates[0])
		assert.Equal(t, date(2024, time.March, 5), dates[4])
	})

	t.Run("Hourly", func(t *testing.T) {
		start := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
		dates, err := DateRange(start, start.Add(3*time.Hour), model.IntervalHour)
		require.NoError(t, err)
		require.Len(t, dates, 4)
		assert.Equal(t, start.Add(3*time.Hour), dates[3])
	})

	t.Run("WeeklyAnchoredToStart", func(t *testing.T) {
		dates, err := DateRange(date(2024, time.March, 6), date(2024, time.March, 27), model.IntervalWeek)
		require.NoError(t, err)
		require.Len(t, dates, 4)
		assert.Equal(t, date(2024, time.March, 13), dates[1])
		assert.Equal(t, date(2024, time.March, 27), dates[3])
	})

	t.Run("MonthlyClampsDayOfMonth", func(t *testing.T) {
		dates, err := DateRange(date(2024, time.January, 31), date(2024, time.April, 30), model.IntervalMonth)
		require.NoError(t, err)
		require.Len(t, dates, 4)
		// 2024 is a leap year.
		assert.Equal(t, date(2024, time.February, 29), dates[1])
		assert.Equal(t, date(2024, time.March, 31), dates[2])
		assert.Equal(t, date(2024, time.April, 30), dates[3])
	})

	t.Run("MonthlyClampsInNonLeapYear", func(t *testing.T) {
		dates, err := DateRange(date(2023, time.January, 31), date(2023, time.March, 31), model.IntervalMonth)
		require.NoError(t, err)
		require.Len(t, dates, 3)
		assert.Equal(t, date(2023, time.February, 28), dates[1])
	})

	t.Run("SingleElementWhenStartEqualsEnd", func(t *testing.T) {
		d := date(2024, time.June, 15)
		dates, err := DateRange(d, d, model.IntervalDay)
		require.NoError(t, err)
		require.Len(t, dates, 1)
		assert.Equal(t, d, dates[0])
	})

	t.Run("StrictlyAscending", func(t *testing.T) {
		for _, interval := range []model.Interval{model.IntervalHour, model.IntervalDay, model.IntervalWeek, model.IntervalMonth} {
			dates, err := DateRange(date(2024, time.January, 1), date(2024, time.January, 20), interval)
			require.NoError(t, err)
			for i := 1; i < len(dates); i++ {
				assert.True(t, dates[i].After(dates[i-1]), "interval %s not ascending", interval)
			}
		}
	})

	t.Run("EndBeforeStart", func(t *testing.T) {
		_, err := DateRange(date(2024, time.March, 5), date(2024, time.March, 1), model.IntervalDay)
		assert.Error(t, err)
	})

	t.Run("UnknownInterval", func(t *testing.T) {
		_, err := DateRange(date(2024, time.March, 1), date(2024, time.March, 5), model.Interval("fortnight"))
		assert.Error(t, err)
	})
}

func TestFormatJobSuffix(t *testing.T) {
	ts := time.Date(2024, time.March, 7, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "20240307", FormatJobSuffix(ts, model.IntervalDay))
	assert.Equal(t, "20240307", FormatJobSuffix(ts, model.IntervalWeek))
	assert.Equal(t, "20240307", FormatJobSuffix(ts, model.IntervalMonth))
	assert.Equal(t, "20240307_1430", FormatJobSuffix(ts, model.IntervalHour))
}
