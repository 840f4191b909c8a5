package schedule

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
)

// 2024-01-01 is a Monday.
func at(day int, hh, mm int) time.Time {
	return time.Date(2024, 1, day, hh, mm, 0, 0, time.UTC)
}

func weekly(days []int, times ...string) domain.RecurringSchedule {
	return domain.RecurringSchedule{
		OwnerID:    "u1",
		Platform:   domain.PlatformYouTube,
		Weekdays:   days,
		TimesOfDay: times,
		Enabled:    true,
	}
}

func TestNextOccurrence_LaterSlotToday(t *testing.T) {
	s := weekly([]int{1, 3, 5}, "09:00", "18:00")
	next, ok := NextOccurrence(s, at(1, 10, 0))
	require.True(t, ok)
	assert.Equal(t, at(1, 18, 0), next)
}

func TestNextOccurrence_RollsToNextScheduledDay(t *testing.T) {
	s := weekly([]int{1, 3, 5}, "18:00", "09:00")
	next, ok := NextOccurrence(s, at(1, 19, 0))
	require.True(t, ok)
	assert.Equal(t, at(3, 9, 0), next, "Wednesday at the earliest time")
	assert.Equal(t, time.Wednesday, next.Weekday())
}

func TestNextOccurrence_SameMinuteIsNotStrictlyAfter(t *testing.T) {
	s := weekly([]int{1}, "09:00")
	next, ok := NextOccurrence(s, at(1, 9, 0).Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, at(8, 9, 0), next, "only slot today already passed, wraps a full week")
}

func TestNextOccurrence_SortsNumerically(t *testing.T) {
	s := weekly([]int{2}, "21:00", "07:30", "12:15")
	next, ok := NextOccurrence(s, at(1, 23, 0))
	require.True(t, ok)
	assert.Equal(t, at(2, 7, 30), next)
}

func TestNextOccurrence_None(t *testing.T) {
	ref := at(1, 10, 0)

	disabled := weekly([]int{1}, "12:00")
	disabled.Enabled = false
	_, ok := NextOccurrence(disabled, ref)
	assert.False(t, ok)

	_, ok = NextOccurrence(weekly(nil, "12:00"), ref)
	assert.False(t, ok)

	_, ok = NextOccurrence(weekly([]int{1}), ref)
	assert.False(t, ok)

	_, ok = NextOccurrence(weekly([]int{9}, "12:00"), ref)
	assert.False(t, ok, "weekday outside 0-6 never matches")
}

func TestNextOccurrence_KeepsReferenceLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	ref := time.Date(2024, 1, 6, 23, 50, 0, 0, loc) // Saturday
	next, ok := NextOccurrence(weekly([]int{0}, "00:10"), ref)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 7, 0, 10, 0, 0, loc), next)
	assert.Equal(t, loc, next.Location())
}

func TestNextOccurrence_Idempotent(t *testing.T) {
	s := weekly([]int{0, 4}, "08:00", "20:00")
	ref := at(3, 12, 0)
	first, _ := NextOccurrence(s, ref)
	second, _ := NextOccurrence(s, ref)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"08:00", "20:00"}, s.TimesOfDay, "input schedule untouched")
}

// The resolver must agree with an equivalent cron expression for every
// reference instant: cron.Next is the earliest matching minute strictly after ref.
func TestNextOccurrence_MatchesCron(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		days := randomSubset(rng, 7)
		times := make([]string, 1+rng.Intn(4))
		for j := range times {
			times[j] = fmt.Sprintf("%02d:%02d", rng.Intn(24), rng.Intn(60))
		}
		s := weekly(days, times...)
		ref := at(1, 0, 0).Add(time.Duration(rng.Int63n(int64(14 * 24 * time.Hour))))

		got, ok := NextOccurrence(s, ref)
		require.True(t, ok)

		var want time.Time
		for _, tod := range times {
			hh, mm, _ := strings.Cut(tod, ":")
			expr := fmt.Sprintf("%s %s * * %s", mm, hh, joinInts(days))
			sched, err := cron.ParseStandard(expr)
			require.NoError(t, err, expr)
			if n := sched.Next(ref); want.IsZero() || n.Before(want) {
				want = n
			}
		}
		require.Equal(t, want, got, "days=%v times=%v ref=%s", days, times, ref)

		assert.True(t, got.After(ref))
		assert.Contains(t, days, int(got.Weekday()))
		assert.Contains(t, times, got.Format("15:04"))
	}
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func assertInstant(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

// 2026-11-01 is a Sunday; New York repeats 01:00-01:59 that night.
func TestNextOccurrence_FallBack(t *testing.T) {
	ny := newYork(t)
	s := weekly([]int{0}, "01:30")

	ref := time.Date(2026, 11, 1, 6, 10, 0, 0, time.UTC).In(ny)
	require.Equal(t, "01:10 EST", ref.Format("15:04 MST"))
	next, ok := NextOccurrence(s, ref)
	require.True(t, ok)
	assert.True(t, next.After(ref), "got %s for ref %s", next, ref)
	assertInstant(t, time.Date(2026, 11, 8, 1, 30, 0, 0, ny), next)

	// the repeated hour fires once
	early := time.Date(2026, 11, 1, 0, 50, 0, 0, ny)
	slots := Slots(s, early, 2)
	require.Len(t, slots, 2)
	assertInstant(t, time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC), slots[0])
	assertInstant(t, time.Date(2026, 11, 8, 1, 30, 0, 0, ny), slots[1])
}

// 2026-03-08 is a Sunday; New York skips 02:00-02:59 that night.
func TestNextOccurrence_SpringForward(t *testing.T) {
	ny := newYork(t)
	ref := time.Date(2026, 3, 8, 0, 0, 0, 0, ny)

	next, ok := NextOccurrence(weekly([]int{0}, "02:30"), ref)
	require.True(t, ok)
	assert.Equal(t, "02:30", next.Format("15:04"))
	assertInstant(t, time.Date(2026, 3, 15, 2, 30, 0, 0, ny), next)

	next, ok = NextOccurrence(weekly([]int{0}, "02:30", "09:00"), ref)
	require.True(t, ok)
	assertInstant(t, time.Date(2026, 3, 8, 9, 0, 0, 0, ny), next)

	next, ok = NextOccurrence(weekly([]int{0, 1}, "02:30"), ref)
	require.True(t, ok)
	assertInstant(t, time.Date(2026, 3, 9, 2, 30, 0, 0, ny), next)
}

func TestNextOccurrence_AcrossDSTTransitions(t *testing.T) {
	ny := newYork(t)
	rng := rand.New(rand.NewSource(7))
	windows := []time.Time{
		time.Date(2026, 3, 4, 0, 0, 0, 0, ny),
		time.Date(2026, 10, 28, 0, 0, 0, 0, ny),
	}
	for i := 0; i < 500; i++ {
		days := randomSubset(rng, 7)
		times := make([]string, 1+rng.Intn(3))
		for j := range times {
			times[j] = fmt.Sprintf("%02d:%02d", rng.Intn(4), rng.Intn(60))
		}
		s := weekly(days, times...)
		ref := windows[i%2].Add(time.Duration(rng.Int63n(int64(8 * 24 * time.Hour))))

		prev := ref
		for _, got := range Slots(s, ref, 3) {
			assert.True(t, got.After(prev), "days=%v times=%v ref=%s got=%s", days, times, ref, got)
			assert.Contains(t, days, int(got.Weekday()))
			assert.Contains(t, times, got.Format("15:04"))
			prev = got
		}
	}
}

func TestSlots(t *testing.T) {
	s := weekly([]int{1, 3}, "09:00", "18:00")
	slots := Slots(s, at(1, 10, 0), 4)
	assert.Equal(t, []time.Time{at(1, 18, 0), at(3, 9, 0), at(3, 18, 0), at(8, 9, 0)}, slots)

	assert.Empty(t, Slots(weekly(nil, "09:00"), at(1, 10, 0), 3))
}

func TestNormalize(t *testing.T) {
	s := Normalize(weekly([]int{5, 1, 5, 3}, "18:00", "9:00", "09:00", "18:00"))
	assert.Equal(t, []int{1, 3, 5}, s.Weekdays)
	assert.Equal(t, []string{"18:00"}, s.TimesOfDay, "9:00 is not HH:MM and is dropped")

	s = Normalize(weekly([]int{2}, "18:00", "09:00", "09:00"))
	assert.Equal(t, []string{"09:00", "18:00"}, s.TimesOfDay)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(weekly([]int{0, 6}, "00:00", "23:59")))

	err := Validate(weekly([]int{7}, "09:00"))
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	err = Validate(weekly([]int{1}, "24:00"))
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	s := weekly([]int{1}, "09:00")
	s.Platform = "myspace"
	assert.ErrorIs(t, Validate(s), domain.ErrInvalidSchedule)

	s = weekly([]int{1}, "09:00")
	s.OwnerID = ""
	assert.ErrorIs(t, Validate(s), domain.ErrInvalidSchedule)

	assert.NoError(t, ValidatePlatform(domain.PlatformTikTok))
	assert.Error(t, ValidatePlatform("fax"))
}

func randomSubset(rng *rand.Rand, n int) []int {
	var out []int
	for len(out) == 0 {
		for i := 0; i < n; i++ {
			if rng.Intn(2) == 0 {
				out = append(out, i)
			}
		}
	}
	return out
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}
