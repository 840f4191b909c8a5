// Package schedule derives concrete posting times from weekly recurring
// schedules. Nothing here is cached: every call recomputes from the schedule
// and the reference instant so edits and DST changes take effect immediately.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"postflow/internal/domain"
)

type clock struct{ hour, minute int }

func (c clock) less(o clock) bool {
	if c.hour != o.hour {
		return c.hour < o.hour
	}
	return c.minute < o.minute
}

func parseClock(s string) (clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return clock{}, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return clock{hour: h, minute: m}, nil
}

// sortedClocks parses times and orders them numerically by (hour, minute).
// Unparseable entries are dropped; Validate rejects them on write.
func sortedClocks(times []string) []clock {
	out := make([]clock, 0, len(times))
	for _, t := range times {
		c, err := parseClock(t)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// NextOccurrence returns the first slot of s strictly after ref, in ref's
// location. It reports false for disabled or empty schedules.
//
// Around DST changes a slot that does not exist on the wall clock (spring
// forward) is skipped, and a slot that occurs twice (fall back) fires only
// at its first occurrence.
func NextOccurrence(s domain.RecurringSchedule, ref time.Time) (time.Time, bool) {
	if !s.Enabled || len(s.Weekdays) == 0 || len(s.TimesOfDay) == 0 {
		return time.Time{}, false
	}
	clocks := sortedClocks(s.TimesOfDay)
	if len(clocks) == 0 {
		return time.Time{}, false
	}
	days := make(map[int]bool, len(s.Weekdays))
	for _, d := range s.Weekdays {
		days[d] = true
	}

	y, m, d := ref.Date()
	loc := ref.Location()
	today := int(ref.Weekday())
	now := clock{hour: ref.Hour(), minute: ref.Minute()}

	if days[today] {
		for _, c := range clocks {
			if !now.less(c) {
				continue
			}
			if t, ok := slotAt(y, m, d, c, loc, ref); ok {
				return t, true
			}
		}
	}

	// Two weeks covers a single listed slot that falls in a DST gap.
	for i := 1; i <= 14; i++ {
		if !days[(today+i)%7] {
			continue
		}
		for _, c := range clocks {
			if t, ok := slotAt(y, m, d+i, c, loc, ref); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// slotAt resolves c on the given day in loc. It reports false if that wall
// time does not exist or is not strictly after ref.
func slotAt(y int, m time.Month, d int, c clock, loc *time.Location, ref time.Time) (time.Time, bool) {
	t := time.Date(y, m, d, c.hour, c.minute, 0, 0, loc)
	if t.Hour() != c.hour || t.Minute() != c.minute {
		return time.Time{}, false
	}
	return t, t.After(ref)
}

// Slots returns up to n successive occurrences of s after ref.
func Slots(s domain.RecurringSchedule, ref time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for len(out) < n {
		next, ok := NextOccurrence(s, ref)
		if !ok {
			break
		}
		out = append(out, next)
		ref = next
	}
	return out
}

// Normalize sorts and de-duplicates weekdays and times so stored schedules
// compare equal regardless of input order.
func Normalize(s domain.RecurringSchedule) domain.RecurringSchedule {
	seenDay := map[int]bool{}
	days := make([]int, 0, len(s.Weekdays))
	for _, d := range s.Weekdays {
		if !seenDay[d] {
			seenDay[d] = true
			days = append(days, d)
		}
	}
	sort.Ints(days)

	seenTime := map[clock]bool{}
	times := make([]string, 0, len(s.TimesOfDay))
	for _, c := range sortedClocks(s.TimesOfDay) {
		if !seenTime[c] {
			seenTime[c] = true
			times = append(times, fmt.Sprintf("%02d:%02d", c.hour, c.minute))
		}
	}
	s.Weekdays = days
	s.TimesOfDay = times
	return s
}
