package calendar

import "time"

// easterSunday computes Western (Gregorian) Easter with the anonymous computus
func easterSunday(year int) time.Time {
	// Golden Number (position in 19-year Metonic cycle)
	a := year % 19

	b := year / 100
	c := year % 100

	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// goodFriday is two days before Easter Sunday
func goodFriday(year int) time.Time {
	return easterSunday(year).AddDate(0, 0, -2)
}

// nthWeekday finds the nth occurrence of a weekday in a month (n starts at 1)
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)

	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}
	return date.AddDate(0, 0, daysToAdd+(n-1)*7)
}

// lastWeekday finds the last occurrence of a weekday in a month
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	date := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)

	daysToSubtract := int(date.Weekday() - weekday)
	if daysToSubtract < 0 {
		daysToSubtract += 7
	}
	return date.AddDate(0, 0, -daysToSubtract)
}

// observed moves a fixed-date holiday off the weekend.
// Saturday -> Friday, Sunday -> Monday
func observed(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// USMarketHolidays returns the NYSE full-day closures for a year
func USMarketHolidays(year int) []time.Time {
	holidays := make([]time.Time, 0, 10)

	// New Year's Day. NYSE does not observe it on the prior Friday when Jan 1 is a Saturday.
	newYear := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	if newYear.Weekday() != time.Saturday {
		holidays = append(holidays, observed(newYear))
	}

	holidays = append(holidays,
		nthWeekday(year, time.January, time.Monday, 3),  // Martin Luther King Jr. Day
		nthWeekday(year, time.February, time.Monday, 3), // Presidents Day
		goodFriday(year),
		lastWeekday(year, time.May, time.Monday), // Memorial Day
	)

	// Juneteenth has been a market holiday since 2022
	if year >= 2022 {
		holidays = append(holidays, observed(time.Date(year, 6, 19, 0, 0, 0, 0, time.UTC)))
	}

	holidays = append(holidays,
		observed(time.Date(year, 7, 4, 0, 0, 0, 0, time.UTC)),   // Independence Day
		nthWeekday(year, time.September, time.Monday, 1),        // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4),       // Thanksgiving
		observed(time.Date(year, 12, 25, 0, 0, 0, 0, time.UTC)), // Christmas
	)

	return holidays
}
