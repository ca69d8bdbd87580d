package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEasterSunday(t *testing.T) {
	tests := []struct {
		year     int
		expected time.Time
	}{
		{2024, date(2024, time.March, 31)},
		{2025, date(2025, time.April, 20)},
		{2026, date(2026, time.April, 5)},
		{2027, date(2027, time.March, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.expected.Format("2006"), func(t *testing.T) {
			assert.Equal(t, tt.expected, easterSunday(tt.year))
			assert.Equal(t, tt.expected.AddDate(0, 0, -2), goodFriday(tt.year))
		})
	}
}

func TestUSMarketHolidays2025(t *testing.T) {
	got := USMarketHolidays(2025)

	expected := []time.Time{
		date(2025, time.January, 1),
		date(2025, time.January, 20),
		date(2025, time.February, 17),
		date(2025, time.April, 18),
		date(2025, time.May, 26),
		date(2025, time.June, 19),
		date(2025, time.July, 4),
		date(2025, time.September, 1),
		date(2025, time.November, 27),
		date(2025, time.December, 25),
	}
	assert.Equal(t, expected, got)
}

func TestUSMarketHolidays_Observed(t *testing.T) {
	// July 4 2026 is a Saturday, observed Friday July 3
	assert.Contains(t, USMarketHolidays(2026), date(2026, time.July, 3))
	// Jan 1 2022 is a Saturday and is not moved to the prior Friday
	for _, h := range USMarketHolidays(2022) {
		assert.NotEqual(t, date(2021, time.December, 31), h)
	}
	// Juneteenth did not exist before 2022
	assert.NotContains(t, USMarketHolidays(2021), date(2021, time.June, 18))
}

func TestCalendar_IsTradingDay(t *testing.T) {
	cal, err := New("America/New_York")
	require.NoError(t, err)
	ny := cal.Location()

	tests := []struct {
		name     string
		at       time.Time
		expected bool
	}{
		{"regular friday", time.Date(2025, 3, 14, 10, 0, 0, 0, ny), true},
		{"saturday", time.Date(2025, 3, 15, 10, 0, 0, 0, ny), false},
		{"sunday", time.Date(2025, 3, 16, 10, 0, 0, 0, ny), false},
		{"good friday", time.Date(2025, 4, 18, 10, 0, 0, 0, ny), false},
		{"thanksgiving", time.Date(2025, 11, 27, 10, 0, 0, 0, ny), false},
		// 01:00 UTC Saturday is still Friday evening in New York
		{"utc crosses midnight", time.Date(2025, 3, 15, 1, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cal.IsTradingDay(tt.at))
		})
	}
}

func TestCalendar_NextOpenAfter(t *testing.T) {
	cal, err := New("")
	require.NoError(t, err)
	ny := cal.Location()

	tests := []struct {
		name     string
		at       time.Time
		expected time.Time
	}{
		{"midweek", time.Date(2025, 3, 12, 10, 0, 0, 0, ny), time.Date(2025, 3, 13, 9, 30, 0, 0, ny)},
		{"friday skips weekend", time.Date(2025, 3, 14, 15, 0, 0, 0, ny), time.Date(2025, 3, 17, 9, 30, 0, 0, ny)},
		{"thursday before good friday", time.Date(2025, 4, 17, 11, 0, 0, 0, ny), time.Date(2025, 4, 21, 9, 30, 0, 0, ny)},
		{"before christmas", time.Date(2025, 12, 24, 11, 0, 0, 0, ny), time.Date(2025, 12, 26, 9, 30, 0, 0, ny)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.expected.Equal(cal.NextOpenAfter(tt.at, 9, 30)), "got %s", cal.NextOpenAfter(tt.at, 9, 30))
		})
	}
}

func TestCalendar_SameTradingDay(t *testing.T) {
	cal, err := New("America/New_York")
	require.NoError(t, err)
	ny := cal.Location()

	assert.True(t, cal.SameTradingDay(time.Date(2025, 3, 14, 9, 31, 0, 0, ny), time.Date(2025, 3, 14, 15, 59, 0, 0, ny)))
	assert.False(t, cal.SameTradingDay(time.Date(2025, 3, 14, 9, 31, 0, 0, ny), time.Date(2025, 3, 17, 9, 31, 0, 0, ny)))
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("9.30")
	assert.Error(t, err)
}

func TestNew_InvalidTimezone(t *testing.T) {
	_, err := New("Mars/Olympus")
	assert.Error(t, err)
}
