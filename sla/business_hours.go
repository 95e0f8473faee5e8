package sla

import "time"

// businessHoursBetween counts elapsed business hours between two
// instants. Only time inside [StartHour, EndHour) local time counts,
// with partial hours counted precisely at the boundaries; weekends are
// skipped when configured. The count is monotone in `to`.
func businessHoursBetween(from, to time.Time, cfg *BusinessHours) float64 {
	if !to.After(from) {
		return 0
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	from = from.In(loc)
	to = to.In(loc)

	var total time.Duration
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	for day.Before(to) {
		if !cfg.ExcludeWeekends || isBusinessDay(day) {
			open := day.Add(time.Duration(cfg.StartHour) * time.Hour)
			close := day.Add(time.Duration(cfg.EndHour) * time.Hour)
			total += overlap(from, to, open, close)
		}
		day = day.AddDate(0, 0, 1)
	}
	return total.Hours()
}

func isBusinessDay(day time.Time) bool {
	wd := day.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// overlap returns the duration of [from,to) ∩ [open,close).
func overlap(from, to, open, close time.Time) time.Duration {
	if from.After(open) {
		open = from
	}
	if to.Before(close) {
		close = to
	}
	if close.After(open) {
		return close.Sub(open)
	}
	return 0
}
