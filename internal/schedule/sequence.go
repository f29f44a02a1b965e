package schedule

import (
	"fmt"
	"math/rand"
	"time"

	"mailsched/internal/domain"
)

type WarningKind string

const (
	WarnTimezoneFallback WarningKind = "timezone_fallback"
	WarnWindowExhausted  WarningKind = "window_search_exhausted"
)

// Warning is a degradation the schedule was computed under. Index is the
// affected position, or -1 when it applies to the whole schedule.
type Warning struct {
	Kind    WarningKind
	Index   int
	Message string
}

func (w Warning) String() string {
	if w.Index < 0 {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s[%d]: %s", w.Kind, w.Index, w.Message)
}

// Schedule holds one absolute dispatch instant per recipient, non-decreasing.
type Schedule struct {
	Times    []time.Time
	Warnings []Warning
}

func (s Schedule) Degraded() bool { return len(s.Warnings) > 0 }

// Sequencer computes dispatch schedules. Intn must return a uniform value in
// [0, n); nil uses math/rand.
type Sequencer struct {
	Intn func(n int) int
}

func NewSequencer() *Sequencer {
	return &Sequencer{Intn: rand.Intn}
}

// ComputeSchedule returns n instants starting at now. The first gets no
// extra delay; each later one is the previous plus a uniform draw from
// [MinMinutes, MaxMinutes]. With business hours enabled, any instant outside
// the window is moved to the next window opening. Policy errors are returned
// before anything is drawn.
func (s *Sequencer) ComputeSchedule(n int, delay domain.DelayPolicy, bh domain.BusinessHoursPolicy, now time.Time) (Schedule, error) {
	if err := delay.Validate(); err != nil {
		return Schedule{}, err
	}
	if err := bh.Validate(); err != nil {
		return Schedule{}, err
	}
	if n <= 0 {
		return Schedule{}, nil
	}

	var out Schedule
	if bh.Enabled {
		if _, ok := Location(bh.Timezone); !ok {
			out.Warnings = append(out.Warnings, Warning{
				Kind:    WarnTimezoneFallback,
				Index:   -1,
				Message: fmt.Sprintf("unknown timezone %q, using UTC", bh.Timezone),
			})
		}
	}

	adjust := func(i int, t time.Time) time.Time {
		if !bh.Enabled || IsWithinWindow(bh, t) {
			return t
		}
		next, ok := NextWindowStart(bh, t)
		if !ok {
			out.Warnings = append(out.Warnings, Warning{
				Kind:    WarnWindowExhausted,
				Index:   i,
				Message: fmt.Sprintf("no business window within %s of %s, fell back to +1h", SearchHorizon, t.UTC().Format(time.RFC3339)),
			})
		}
		return next
	}

	out.Times = make([]time.Time, n)
	out.Times[0] = adjust(0, now)
	span := delay.MaxMinutes - delay.MinMinutes + 1
	for i := 1; i < n; i++ {
		d := delay.MinMinutes + s.draw(span)
		out.Times[i] = adjust(i, out.Times[i-1].Add(time.Duration(d)*time.Minute))
	}
	return out, nil
}

func (s *Sequencer) draw(n int) int {
	if n <= 1 {
		return 0
	}
	if s == nil || s.Intn == nil {
		return rand.Intn(n)
	}
	return s.Intn(n)
}
