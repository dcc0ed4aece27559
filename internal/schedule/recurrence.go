package schedule

import (
	"fmt"
	"time"
)

// NextExecution returns the first occurrence of the schedule strictly after
// now, in UTC. Monthly schedules whose dayOfMonth does not exist in a month
// fire on that month's last day.
func NextExecution(cfg Config, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, cfg.Timezone, err)
	}
	hour, minute, second, err := cfg.clock()
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	at := func(year int, month time.Month, day int) time.Time {
		return time.Date(year, month, day, hour, minute, second, 0, loc)
	}

	switch cfg.Recurrence {
	case Daily, "":
		next := at(local.Year(), local.Month(), local.Day())
		if !next.After(now) {
			next = at(local.Year(), local.Month(), local.Day()+1)
		}
		return next.UTC(), nil

	case Weekly:
		if cfg.DayOfWeek == nil || *cfg.DayOfWeek < 0 || *cfg.DayOfWeek > 6 {
			return time.Time{}, fmt.Errorf("%w: weekly schedule needs dayOfWeek 0..6", ErrInvalidConfig)
		}
		target := time.Weekday((*cfg.DayOfWeek + 1) % 7)
		delta := (int(target) - int(local.Weekday()) + 7) % 7
		next := at(local.Year(), local.Month(), local.Day()+delta)
		if !next.After(now) {
			next = at(local.Year(), local.Month(), local.Day()+delta+7)
		}
		return next.UTC(), nil

	case Monthly:
		if cfg.DayOfMonth == nil || *cfg.DayOfMonth < 1 || *cfg.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("%w: monthly schedule needs dayOfMonth 1..31", ErrInvalidConfig)
		}
		for i := 0; i <= 12; i++ {
			first := time.Date(local.Year(), local.Month()+time.Month(i), 1, 0, 0, 0, 0, loc)
			day := min(*cfg.DayOfMonth, daysIn(first.Year(), first.Month()))
			next := at(first.Year(), first.Month(), day)
			if next.After(now) {
				return next.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: no monthly occurrence found", ErrInvalidConfig)

	default:
		return time.Time{}, fmt.Errorf("%w: recurrence %q", ErrInvalidConfig, cfg.Recurrence)
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
