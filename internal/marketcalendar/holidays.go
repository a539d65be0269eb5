package marketcalendar

import "time"

// calculateEaster returns the date of Gregorian Easter for the given year.
// Algorithm based on the computus method.
func calculateEaster(year int) time.Time {
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

// calculateGoodFriday returns the Friday two days before Easter.
func calculateGoodFriday(year int) time.Time {
	return calculateEaster(year).AddDate(0, 0, -2)
}

// findNthWeekday finds the nth occurrence of a weekday in a given month/year.
func findNthWeekday(year, month int, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}
	date = date.AddDate(0, 0, daysToAdd)
	return date.AddDate(0, 0, (n-1)*7)
}

// findLastWeekday finds the last occurrence of a weekday in a given month/year.
func findLastWeekday(year, month int, weekday time.Weekday) time.Time {
	date := time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC)
	daysToSubtract := int(date.Weekday() - weekday)
	if daysToSubtract < 0 {
		daysToSubtract += 7
	}
	return date.AddDate(0, 0, -daysToSubtract)
}

// observeOnWeekday moves a weekend date to the nearest weekday: Saturday
// moves back to Friday, Sunday moves forward to Monday.
func observeOnWeekday(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// usFuturesHolidays returns the CME-style full-closure holidays observed by
// the MNQ futures session for a given year: New Year's, MLK Day, Good
// Friday, Independence Day, Thanksgiving, and Christmas. Presidents Day,
// Memorial Day, Labor Day and Juneteenth are not in this list, nor in
// usFuturesEarlyCloseDays, so they follow the normal weekday rules.
func usFuturesHolidays(year int) []time.Time {
	holidays := make([]time.Time, 0, 6)

	newYear := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	holidays = append(holidays, observeOnWeekday(newYear))

	holidays = append(holidays, findNthWeekday(year, 1, time.Monday, 3)) // MLK Day

	holidays = append(holidays, calculateGoodFriday(year))

	independenceDay := time.Date(year, 7, 4, 0, 0, 0, 0, time.UTC)
	holidays = append(holidays, observeOnWeekday(independenceDay))

	holidays = append(holidays, findNthWeekday(year, 11, time.Thursday, 4)) // Thanksgiving

	christmas := time.Date(year, 12, 25, 0, 0, 0, 0, time.UTC)
	holidays = append(holidays, observeOnWeekday(christmas))

	return holidays
}

// usFuturesEarlyCloseDays returns dates the session closes early (13:00 ET)
// instead of following the normal weekday rules: the day after Thanksgiving
// and Christmas Eve.
func usFuturesEarlyCloseDays(year int) []time.Time {
	dayAfterThanksgiving := findNthWeekday(year, 11, time.Thursday, 4).AddDate(0, 0, 1)
	christmasEve := time.Date(year, 12, 24, 0, 0, 0, 0, time.UTC)
	return []time.Time{dayAfterThanksgiving, christmasEve}
}
