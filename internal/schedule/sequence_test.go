package schedule

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
)

func fixed(v func(n int) int) *Sequencer { return &Sequencer{Intn: v} }

func TestComputeScheduleWithoutBusinessHours(t *testing.T) {
	now := utc("2024-01-08T10:00:00Z")
	s := fixed(func(n int) int { return n - 1 }) // always the maximum delay

	got, err := s.ComputeSchedule(5, domain.DelayPolicy{MinMinutes: 4, MaxMinutes: 7}, domain.BusinessHoursPolicy{}, now)
	require.NoError(t, err)
	require.Len(t, got.Times, 5)
	assert.False(t, got.Degraded())

	for i, want := range []time.Duration{0, 7, 14, 21, 28} {
		assert.True(t, now.Add(want*time.Minute).Equal(got.Times[i]), "index %d: %s", i, got.Times[i])
	}
}

func TestComputeScheduleFirstRecipientHasNoDelay(t *testing.T) {
	now := utc("2024-01-08T10:00:00Z")
	got, err := NewSequencer().ComputeSchedule(1, domain.DelayPolicy{MinMinutes: 30, MaxMinutes: 60}, domain.BusinessHoursPolicy{}, now)
	require.NoError(t, err)
	require.Len(t, got.Times, 1)
	assert.True(t, now.Equal(got.Times[0]))
}

func TestComputeScheduleDelaysStayInBounds(t *testing.T) {
	now := utc("2024-01-08T10:00:00Z")
	delay := domain.DelayPolicy{MinMinutes: 4, MaxMinutes: 7}
	seen := map[time.Duration]bool{}

	for n := 1; n <= 60; n++ {
		got, err := NewSequencer().ComputeSchedule(n, delay, domain.BusinessHoursPolicy{}, now)
		require.NoError(t, err)
		require.Len(t, got.Times, n)
		for i := 1; i < n; i++ {
			d := got.Times[i].Sub(got.Times[i-1])
			require.GreaterOrEqual(t, d, 4*time.Minute)
			require.LessOrEqual(t, d, 7*time.Minute)
			seen[d] = true
		}
	}
	// both ends of the inclusive range are reachable
	assert.True(t, seen[4*time.Minute])
	assert.True(t, seen[7*time.Minute])
}

func TestComputeScheduleZeroDelay(t *testing.T) {
	now := utc("2024-01-08T10:00:00Z")
	got, err := fixed(func(int) int { t.Fatal("draw with a single-value range"); return 0 }).
		ComputeSchedule(3, domain.DelayPolicy{}, domain.BusinessHoursPolicy{}, now)
	require.NoError(t, err)
	for _, at := range got.Times {
		assert.True(t, now.Equal(at))
	}
}

func TestComputeScheduleBusinessHours(t *testing.T) {
	// Friday 16:50 UTC, five minutes apart: the third send crosses 17:00 and
	// moves to Monday morning.
	now := utc("2024-01-12T16:50:00Z")
	got, err := NewSequencer().ComputeSchedule(4, domain.DelayPolicy{MinMinutes: 5, MaxMinutes: 5}, officeHours("UTC"), now)
	require.NoError(t, err)

	want := []string{
		"2024-01-12T16:50:00Z",
		"2024-01-12T16:55:00Z",
		"2024-01-15T09:00:00Z",
		"2024-01-15T09:05:00Z",
	}
	for i, w := range want {
		assert.True(t, utc(w).Equal(got.Times[i]), "index %d: got %s want %s", i, got.Times[i].UTC(), w)
	}
	assert.False(t, got.Degraded())
}

func TestComputeScheduleStartsAtNextWindow(t *testing.T) {
	now := utc("2024-01-06T10:00:00Z") // Saturday
	got, err := NewSequencer().ComputeSchedule(2, domain.DelayPolicy{MinMinutes: 1, MaxMinutes: 2}, officeHours("UTC"), now)
	require.NoError(t, err)
	assert.True(t, utc("2024-01-08T09:00:00Z").Equal(got.Times[0]))
}

func TestComputeScheduleAlwaysInWindow(t *testing.T) {
	bh := officeHours("Europe/London")
	now := utc("2024-03-29T15:00:00Z")
	got, err := NewSequencer().ComputeSchedule(200, domain.DelayPolicy{MinMinutes: 10, MaxMinutes: 45}, bh, now)
	require.NoError(t, err)
	require.Len(t, got.Times, 200)
	for i, at := range got.Times {
		require.True(t, IsWithinWindow(bh, at), "index %d at %s outside window", i, at)
		if i > 0 {
			require.False(t, at.Before(got.Times[i-1]), "index %d goes backwards", i)
		}
	}
}

func TestComputeScheduleUnknownTimezone(t *testing.T) {
	bh := domain.BusinessHoursPolicy{Enabled: true, StartHour: 0, EndHour: 24, Timezone: "Mars/Olympus_Mons"}
	now := utc("2024-01-08T10:00:00Z")
	got, err := NewSequencer().ComputeSchedule(2, domain.DelayPolicy{MinMinutes: 1, MaxMinutes: 1}, bh, now)
	require.NoError(t, err)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, WarnTimezoneFallback, got.Warnings[0].Kind)
	assert.Equal(t, -1, got.Warnings[0].Index)
	assert.Contains(t, got.Warnings[0].String(), "Mars/Olympus_Mons")
	assert.True(t, now.Equal(got.Times[0]))
}

func TestComputeScheduleRejectsPolicies(t *testing.T) {
	never := fixed(func(int) int { t.Fatal("drew before validating"); return 0 })
	now := utc("2024-01-08T10:00:00Z")

	_, err := never.ComputeSchedule(5, domain.DelayPolicy{MinMinutes: 10, MaxMinutes: 5}, domain.BusinessHoursPolicy{}, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidDelayPolicy))
	var cfg *domain.ConfigurationError
	require.True(t, errors.As(err, &cfg))
	assert.Equal(t, "delay", cfg.Field)

	_, err = never.ComputeSchedule(5, domain.DelayPolicy{MinMinutes: -1, MaxMinutes: 5}, domain.BusinessHoursPolicy{}, now)
	assert.ErrorIs(t, err, domain.ErrInvalidDelayPolicy)

	// gaps large enough to overflow a Duration would run the schedule backwards
	for _, p := range []domain.DelayPolicy{
		{MinMinutes: 200_000_000, MaxMinutes: 200_000_000},
		{MinMinutes: 0, MaxMinutes: math.MaxInt},
		{MinMinutes: 0, MaxMinutes: domain.MaxDelayMinutes + 1},
	} {
		_, err = never.ComputeSchedule(2, p, domain.BusinessHoursPolicy{}, now)
		assert.ErrorIs(t, err, domain.ErrInvalidDelayPolicy, "%+v", p)
	}

	got, err := fixed(func(n int) int { return n - 1 }).ComputeSchedule(3,
		domain.DelayPolicy{MinMinutes: domain.MaxDelayMinutes, MaxMinutes: domain.MaxDelayMinutes}, domain.BusinessHoursPolicy{}, now)
	require.NoError(t, err)
	assert.True(t, now.Add(14*24*time.Hour).Equal(got.Times[2]), "got %s", got.Times[2])

	bad := domain.BusinessHoursPolicy{Enabled: true, StartHour: 9, EndHour: 9}
	_, err = never.ComputeSchedule(5, domain.DelayPolicy{MinMinutes: 1, MaxMinutes: 2}, bad, now)
	assert.ErrorIs(t, err, domain.ErrInvalidBusinessHours)

	// a disabled policy is not checked
	bad.Enabled = false
	_, err = fixed(nil).ComputeSchedule(1, domain.DelayPolicy{}, bad, now)
	assert.NoError(t, err)
}

func TestComputeScheduleEmpty(t *testing.T) {
	got, err := NewSequencer().ComputeSchedule(0, domain.DelayPolicy{MinMinutes: 1, MaxMinutes: 2}, domain.BusinessHoursPolicy{}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got.Times)
}
