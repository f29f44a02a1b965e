package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
)

func officeHours(tz string) domain.BusinessHoursPolicy {
	return domain.BusinessHoursPolicy{Enabled: true, StartHour: 9, EndHour: 17, WeekdaysOnly: true, Timezone: tz}
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestLocation(t *testing.T) {
	loc, ok := Location("")
	assert.True(t, ok)
	assert.Equal(t, time.UTC, loc)

	loc, ok = Location("Europe/Berlin")
	assert.True(t, ok)
	assert.Equal(t, "Europe/Berlin", loc.String())

	loc, ok = Location("Mars/Olympus_Mons")
	assert.False(t, ok)
	assert.Equal(t, time.UTC, loc)
}

func TestIsWithinWindow(t *testing.T) {
	p := officeHours("UTC")
	cases := []struct {
		name string
		at   string
		want bool
	}{
		{"start hour inclusive", "2024-01-08T09:00:00Z", true},
		{"mid day", "2024-01-08T12:34:00Z", true},
		{"last minute", "2024-01-08T16:59:59Z", true},
		{"end hour exclusive", "2024-01-08T17:00:00Z", false},
		{"before start", "2024-01-08T08:59:59Z", false},
		{"saturday", "2024-01-06T10:00:00Z", false},
		{"sunday", "2024-01-07T10:00:00Z", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsWithinWindow(p, utc(tc.at)))
		})
	}

	weekends := p
	weekends.WeekdaysOnly = false
	assert.True(t, IsWithinWindow(weekends, utc("2024-01-06T10:00:00Z")))
}

func TestIsWithinWindowUsesLocalTime(t *testing.T) {
	p := officeHours("America/New_York")
	// 13:30Z is 08:30 EST.
	assert.False(t, IsWithinWindow(p, utc("2024-01-08T13:30:00Z")))
	assert.True(t, IsWithinWindow(p, utc("2024-01-08T14:00:00Z")))
	// Saturday 02:00Z is still Friday evening in New York, but past 17:00.
	assert.False(t, IsWithinWindow(p, utc("2024-01-06T02:00:00Z")))
}

func TestNextWindowStart(t *testing.T) {
	cases := []struct {
		name   string
		policy domain.BusinessHoursPolicy
		at     string
		want   string
	}{
		{"saturday to monday", officeHours("UTC"), "2024-01-06T10:00:00Z", "2024-01-08T09:00:00Z"},
		{"sunday night to monday", officeHours("UTC"), "2024-01-07T23:30:00Z", "2024-01-08T09:00:00Z"},
		{"friday evening to monday", officeHours("UTC"), "2024-01-12T18:00:00Z", "2024-01-15T09:00:00Z"},
		{"after end to next day", officeHours("UTC"), "2024-01-09T17:03:00Z", "2024-01-10T09:00:00Z"},
		{"at end hour to next day", officeHours("UTC"), "2024-01-09T17:00:00Z", "2024-01-10T09:00:00Z"},
		{"early morning same day", officeHours("UTC"), "2024-01-09T03:15:00Z", "2024-01-09T09:00:00Z"},
		{"window opens within the minute", officeHours("UTC"), "2024-01-08T08:59:30Z", "2024-01-08T09:00:00Z"},
		{"inside window advances one minute", officeHours("UTC"), "2024-01-08T10:00:00Z", "2024-01-08T10:01:00Z"},
		{"new york morning", officeHours("America/New_York"), "2024-01-08T13:00:00Z", "2024-01-08T14:00:00Z"},
		{"half hour offset", officeHours("Asia/Kolkata"), "2024-01-08T03:00:00Z", "2024-01-08T03:30:00Z"},
		{"half hour offset boundary", officeHours("Asia/Kolkata"), "2024-01-08T03:29:30Z", "2024-01-08T03:30:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NextWindowStart(tc.policy, utc(tc.at))
			require.True(t, ok)
			assert.True(t, utc(tc.want).Equal(got), "got %s want %s", got.UTC().Format(time.RFC3339), tc.want)
		})
	}
}

func TestNextWindowStartIsSmallestInWindowInstant(t *testing.T) {
	p := officeHours("Europe/Berlin")
	start := utc("2024-01-05T10:00:00Z")
	for i := 0; i < 7*24; i++ {
		at := start.Add(time.Duration(i)*time.Hour + 7*time.Minute)
		got, ok := NextWindowStart(p, at)
		require.True(t, ok)
		require.True(t, IsWithinWindow(p, got), "result %s outside window", got)
		require.False(t, got.Before(at), "result %s before input %s", got, at)
		if !IsWithinWindow(p, at) {
			// nothing between the input and the result may be in the window
			for instant := at.Add(time.Minute); instant.Before(got); instant = instant.Add(5 * time.Minute) {
				require.False(t, IsWithinWindow(p, instant), "missed earlier instant %s for %s", instant, at)
			}
		}
	}
}

func TestNextWindowStartSpringForward(t *testing.T) {
	// 2024-03-10 02:00 does not exist in New York; clocks jump to 03:00 EDT.
	p := domain.BusinessHoursPolicy{Enabled: true, StartHour: 2, EndHour: 5, Timezone: "America/New_York"}
	got, ok := NextWindowStart(p, utc("2024-03-10T06:30:00Z"))
	require.True(t, ok)
	assert.True(t, utc("2024-03-10T07:00:00Z").Equal(got), "got %s", got.UTC())
	assert.True(t, IsWithinWindow(p, got))
}

func TestNextWindowStartFallBack(t *testing.T) {
	// 01:00-02:00 happens twice in New York on 2024-11-03; the first one wins.
	p := domain.BusinessHoursPolicy{Enabled: true, StartHour: 1, EndHour: 2, Timezone: "America/New_York"}
	got, ok := NextWindowStart(p, utc("2024-11-03T04:30:00Z"))
	require.True(t, ok)
	assert.True(t, utc("2024-11-03T05:00:00Z").Equal(got), "got %s", got.UTC())

	// From inside the repeated hour the result stays in the window.
	got, ok = NextWindowStart(p, utc("2024-11-03T06:10:00Z"))
	require.True(t, ok)
	assert.True(t, IsWithinWindow(p, got))
}

func TestNextWindowStartExhausted(t *testing.T) {
	p := domain.BusinessHoursPolicy{Enabled: true, StartHour: 17, EndHour: 9, Timezone: "UTC"}
	at := utc("2024-01-08T10:00:00Z")
	got, ok := NextWindowStart(p, at)
	assert.False(t, ok)
	assert.True(t, at.Add(time.Hour).Equal(got))
}

func TestNextWindowStartPreservesInputLocation(t *testing.T) {
	p := officeHours("America/New_York")
	at := utc("2024-01-08T13:00:00Z")
	got, _ := NextWindowStart(p, at)
	assert.Equal(t, time.UTC, got.Location())
}
