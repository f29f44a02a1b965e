package schedule

import (
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // zone names must resolve on hosts without a zoneinfo database

	"mailsched/internal/domain"
)

// SearchHorizon bounds NextWindowStart. Past it the search gives up and
// returns a degraded instant.
const SearchHorizon = 7 * 24 * time.Hour

// Location resolves an IANA zone name. Unknown names fall back to UTC and
// report ok=false so callers can surface the degradation.
func Location(tz string) (loc *time.Location, ok bool) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, true
	}
	if v, hit := zones.Load(tz); hit {
		loc = v.(*time.Location)
		return loc, loc != time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	zones.Store(tz, loc)
	return loc, err == nil
}

// zones caches resolved locations; unknown names map to time.UTC.
var zones sync.Map

// IsWithinWindow reports whether t falls inside the policy window in the
// policy's local time. StartHour is inclusive, EndHour exclusive. The
// Enabled flag is not consulted.
func IsWithinWindow(p domain.BusinessHoursPolicy, t time.Time) bool {
	loc, _ := Location(p.Timezone)
	return inWindow(p, t.In(loc))
}

// NextWindowStart returns the earliest in-window instant at or after
// t + 1 minute. When t is outside the window and the window opens within
// that minute, the exact opening boundary is returned instead.
//
// Windows open and close on local hour boundaries, so the search steps from
// one local top-of-hour to the next in absolute time. A weekend is crossed in
// at most 48 steps and DST gaps or overlaps need no special casing. The
// search is bounded by SearchHorizon; on exhaustion (only possible for a
// policy with no open hours) it returns t + 1h and ok=false.
func NextWindowStart(p domain.BusinessHoursPolicy, t time.Time) (next time.Time, ok bool) {
	loc, _ := Location(p.Timezone)
	local := t.In(loc)
	check := local.Add(time.Minute)

	if inWindow(p, check) {
		if !inWindow(p, local) {
			if b := topOfHour(check); b.After(local) {
				check = b
			}
		}
		return check.In(t.Location()), true
	}

	deadline := local.Add(SearchHorizon)
	for check = topOfHour(check).Add(time.Hour); !check.After(deadline); check = check.Add(time.Hour) {
		if inWindow(p, check) {
			return check.In(t.Location()), true
		}
	}
	return t.Add(time.Hour), false
}

func inWindow(p domain.BusinessHoursPolicy, local time.Time) bool {
	if p.WeekdaysOnly && isWeekend(local.Weekday()) {
		return false
	}
	h := local.Hour()
	return p.StartHour <= h && h < p.EndHour
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// topOfHour truncates to the local hour. Offsets are whole multiples of 15
// minutes so this is not the same as t.Truncate(time.Hour).
func topOfHour(t time.Time) time.Time {
	return t.Add(-(time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())))
}
