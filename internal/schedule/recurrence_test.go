package schedule

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestNextExecution(t *testing.T) {
	utc := func(y int, m time.Month, d, h int) time.Time { return time.Date(y, m, d, h, 0, 0, 0, time.UTC) }
	cases := []struct {
		name string
		cfg  Config
		now  time.Time
		want time.Time
	}{
		{
			name: "daily later today",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Daily},
			now:  utc(2026, 3, 10, 8),
			want: utc(2026, 3, 10, 9),
		},
		{
			name: "daily at the exact time rolls to tomorrow",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Daily},
			now:  utc(2026, 3, 10, 9),
			want: utc(2026, 3, 11, 9),
		},
		{
			name: "daily in a timezone with daylight saving",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "America/New_York", Recurrence: Daily},
			now:  utc(2026, 3, 10, 12),
			want: utc(2026, 3, 10, 13),
		},
		{
			name: "weekly same weekday before the time",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Weekly, DayOfWeek: intPtr(1)},
			now:  utc(2026, 3, 10, 8),
			want: utc(2026, 3, 10, 9),
		},
		{
			name: "weekly same weekday after the time",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Weekly, DayOfWeek: intPtr(1)},
			now:  utc(2026, 3, 10, 10),
			want: utc(2026, 3, 17, 9),
		},
		{
			name: "weekly monday is day zero",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Weekly, DayOfWeek: intPtr(0)},
			now:  utc(2026, 3, 10, 10),
			want: utc(2026, 3, 16, 9),
		},
		{
			name: "monthly clamps to the last day of february",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Monthly, DayOfMonth: intPtr(31)},
			now:  utc(2026, 1, 31, 10),
			want: utc(2026, 2, 28, 9),
		},
		{
			name: "monthly after a clamped occurrence",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Monthly, DayOfMonth: intPtr(31)},
			now:  utc(2026, 2, 28, 10),
			want: utc(2026, 3, 31, 9),
		},
		{
			name: "monthly crosses the year",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Monthly, DayOfMonth: intPtr(1)},
			now:  utc(2026, 12, 1, 10),
			want: utc(2027, 1, 1, 9),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextExecution(tc.cfg, tc.now)
			if err != nil {
				t.Fatalf("next execution failed: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if !got.After(tc.now) {
				t.Fatalf("expected a time strictly after %s, got %s", tc.now, got)
			}
		})
	}
}

func TestNextExecutionRequiresRecurrenceDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if _, err := NextExecution(Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Weekly}, now); err == nil {
		t.Fatalf("expected weekly without dayOfWeek to fail")
	}
	if _, err := NextExecution(Config{TimeOfDay: "09:00", Timezone: "UTC", Recurrence: Monthly}, now); err == nil {
		t.Fatalf("expected monthly without dayOfMonth to fail")
	}
}

func TestNextExecutionWeeklyAcrossZonesAndDaylightSaving(t *testing.T) {
	utc := func(y int, m time.Month, d, h, mi int) time.Time { return time.Date(y, m, d, h, mi, 0, 0, time.UTC) }
	cases := []struct {
		name string
		cfg  Config
		now  time.Time
		want time.Time
	}{
		{
			// Sunday 22:30 UTC is already Monday 07:30 in Tokyo.
			name: "local weekday ahead of utc, before the time",
			cfg:  Config{TimeOfDay: "08:00", Timezone: "Asia/Tokyo", Recurrence: Weekly, DayOfWeek: intPtr(0)},
			now:  utc(2026, 3, 8, 22, 30),
			want: utc(2026, 3, 8, 23, 0),
		},
		{
			name: "local weekday ahead of utc, after the time",
			cfg:  Config{TimeOfDay: "08:00", Timezone: "Asia/Tokyo", Recurrence: Weekly, DayOfWeek: intPtr(0)},
			now:  utc(2026, 3, 8, 23, 30),
			want: utc(2026, 3, 15, 23, 0),
		},
		{
			// Monday 03:00 UTC is still Sunday evening in Los Angeles.
			name: "local weekday behind utc",
			cfg:  Config{TimeOfDay: "21:00", Timezone: "America/Los_Angeles", Recurrence: Weekly, DayOfWeek: intPtr(6)},
			now:  utc(2026, 1, 12, 3, 0),
			want: utc(2026, 1, 12, 5, 0),
		},
		{
			name: "week spanning the spring forward",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "America/New_York", Recurrence: Weekly, DayOfWeek: intPtr(0)},
			now:  utc(2026, 3, 6, 12, 0),
			want: utc(2026, 3, 9, 13, 0),
		},
		{
			name: "daily across the spring forward",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "America/New_York", Recurrence: Daily},
			now:  utc(2026, 3, 7, 15, 0),
			want: utc(2026, 3, 8, 13, 0),
		},
		{
			name: "week spanning the end of southern daylight saving",
			cfg:  Config{TimeOfDay: "09:00", Timezone: "Pacific/Auckland", Recurrence: Weekly, DayOfWeek: intPtr(0)},
			now:  utc(2026, 4, 2, 0, 0),
			want: utc(2026, 4, 5, 21, 0),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextExecution(tc.cfg, tc.now)
			if err != nil {
				t.Fatalf("next execution failed: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

// TestNextExecutionIsNextLocalOccurrence walks now through two months that
// include daylight saving changes on both hemispheres and checks every
// result lands on the configured local weekday and clock, strictly after
// now, with no earlier occurrence skipped.
func TestNextExecutionIsNextLocalOccurrence(t *testing.T) {
	zones := []string{"UTC", "Asia/Tokyo", "Pacific/Auckland", "America/New_York", "Asia/Kolkata"}
	clocks := []struct {
		text         string
		hour, minute int
	}{
		{"00:30", 0, 30},
		{"09:00", 9, 0},
		{"23:45", 23, 45},
	}
	start := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	for _, zone := range zones {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			t.Fatalf("load %s: %v", zone, err)
		}
		for _, clock := range clocks {
			for dow := 0; dow < 7; dow++ {
				weekly := Config{TimeOfDay: clock.text, Timezone: zone, Recurrence: Weekly, DayOfWeek: intPtr(dow)}
				daily := Config{TimeOfDay: clock.text, Timezone: zone, Recurrence: Daily}
				for now := start; now.Before(end); now = now.Add(7*time.Hour + 13*time.Minute) {
					got, err := NextExecution(weekly, now)
					if err != nil {
						t.Fatalf("%s %s dow %d: %v", zone, clock.text, dow, err)
					}
					local := got.In(loc)
					if !got.After(now) {
						t.Fatalf("%s %s dow %d at %s: %s is not after now", zone, clock.text, dow, now, got)
					}
					if int(local.Weekday()+6)%7 != dow || local.Hour() != clock.hour || local.Minute() != clock.minute {
						t.Fatalf("%s %s dow %d at %s: landed on %s", zone, clock.text, dow, now, local)
					}
					previous := time.Date(local.Year(), local.Month(), local.Day()-7, clock.hour, clock.minute, 0, 0, loc)
					if previous.After(now) {
						t.Fatalf("%s %s dow %d at %s: skipped %s", zone, clock.text, dow, now, previous)
					}

					if dow != 0 {
						continue
					}
					got, err = NextExecution(daily, now)
					if err != nil {
						t.Fatalf("%s %s daily: %v", zone, clock.text, err)
					}
					local = got.In(loc)
					if !got.After(now) || local.Hour() != clock.hour || local.Minute() != clock.minute {
						t.Fatalf("%s %s daily at %s: got %s", zone, clock.text, now, local)
					}
					previous = time.Date(local.Year(), local.Month(), local.Day()-1, clock.hour, clock.minute, 0, 0, loc)
					if previous.After(now) {
						t.Fatalf("%s %s daily at %s: skipped %s", zone, clock.text, now, previous)
					}
				}
			}
		}
	}
}
