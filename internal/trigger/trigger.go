// Package trigger computes fire times. It is pure: no clocks, no I/O.
// Callers pass "now" in and get the next fire instant back, which keeps the
// engine trivially testable and restart recovery a matter of re-running it
// over the stored trigger definitions.
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/store"
)

// ErrInvalid marks trigger definitions rejected at schedule/edit time.
// Invalid triggers are never persisted.
var ErrInvalid = errors.New("invalid trigger")

const startDateLayout = "2006-01-02"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a trigger definition against its kind.
func Validate(kind store.Kind, trig store.Trigger) error {
	switch kind {
	case store.KindOneShot:
		if trig.RunAt.IsZero() {
			return fmt.Errorf("%w: one-shot requires a run time", ErrInvalid)
		}
		if len(trig.Slots) != 0 || trig.StartDate != "" {
			return fmt.Errorf("%w: one-shot takes no slots or start date", ErrInvalid)
		}
		return nil
	case store.KindRecurring:
		if !trig.RunAt.IsZero() {
			return fmt.Errorf("%w: recurring takes no absolute run time", ErrInvalid)
		}
		if len(trig.Slots) == 0 {
			return fmt.Errorf("%w: recurring requires at least one slot", ErrInvalid)
		}
		seen := make(map[string]bool, len(trig.Slots))
		for _, s := range trig.Slots {
			h, m, err := parseHHMM(s)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if _, err := parser.Parse(fmt.Sprintf("%d %d * * *", m, h)); err != nil {
				return fmt.Errorf("%w: slot %s: %v", ErrInvalid, s, err)
			}
			key := fmt.Sprintf("%02d:%02d", h, m)
			if seen[key] {
				return fmt.Errorf("%w: duplicate slot %s", ErrInvalid, key)
			}
			seen[key] = true
		}
		if trig.StartDate != "" {
			if _, err := time.Parse(startDateLayout, trig.StartDate); err != nil {
				return fmt.Errorf("%w: bad start date %q", ErrInvalid, trig.StartDate)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalid, kind)
	}
}

// Next returns the first fire instant strictly relevant after now.
//
// One-shot triggers return their stored instant unchanged: a past-due pending
// job is due immediately and fires on the next dispatcher tick rather than
// being skipped. Recurring triggers return the earliest next wall-clock
// occurrence of any slot in loc, strictly after now; slot times are
// re-resolved against the zone on every call, so DST shifts neither skip nor
// double-fire a slot.
func Next(kind store.Kind, trig store.Trigger, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	switch kind {
	case store.KindOneShot:
		return trig.RunAt, nil
	case store.KindRecurring:
		base := now.In(loc)
		if trig.StartDate != "" {
			sd, err := time.ParseInLocation(startDateLayout, trig.StartDate, loc)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: bad start date %q", ErrInvalid, trig.StartDate)
			}
			// Slots on the start date itself must qualify, so floor to just
			// before its midnight.
			if floor := sd.Add(-time.Second); base.Before(floor) {
				base = floor
			}
		}
		var next time.Time
		for _, s := range trig.Slots {
			h, m, err := parseHHMM(s)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if t := nextSlotOccurrence(base, h, m, loc); next.IsZero() || t.Before(next) {
				next = t
			}
		}
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: no computable slot", ErrInvalid)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown job kind %q", ErrInvalid, kind)
	}
}

// nextSlotOccurrence resolves a slot's earliest daily occurrence strictly
// after base, walking calendar days in loc. time.Date does the zone math: a
// wall time that does not exist on a transition day normalizes to a real
// instant on that day (the slot still fires), and a wall time that occurs
// twice resolves to a single instant (the slot fires once). The wall-clock
// guard closes the remaining fold hazard: after firing in the first of two
// repeated hours, the same wall reading later the same day must not count as
// a second occurrence.
func nextSlotOccurrence(base time.Time, hour, minute int, loc *time.Location) time.Time {
	y, mo, d := base.Date()
	for {
		cand := time.Date(y, mo, d, hour, minute, 0, 0, loc)
		if cand.After(base) && !wallReached(base, cand) {
			return cand
		}
		d++
	}
}

// wallReached reports whether base's wall clock already passed cand's wall
// clock on the same calendar day. For an instant-ordered pair that can only
// happen inside a DST fold.
func wallReached(base, cand time.Time) bool {
	by, bm, bd := base.Date()
	cy, cm, cd := cand.Date()
	if by != cy || bm != cm || bd != cd {
		return false
	}
	bh, bmin, _ := base.Clock()
	ch, cmin, _ := cand.Clock()
	return bh*60+bmin >= ch*60+cmin
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
