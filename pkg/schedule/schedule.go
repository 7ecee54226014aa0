// Package schedule evaluates the weekly time windows ("periods") that
// classroom session configurations run on. Times are expressed in HHmm
// form in the device timezone; a period never spans midnight.
package schedule

import "time"

// Weekday is the symbolic weekday token used on the wire by the
// configuration service. Note "thur", not "thu".
type Weekday string

const (
	Sunday    Weekday = "sun"
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thur"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
)

var dayFromTime = map[time.Weekday]Weekday{
	time.Sunday:    Sunday,
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
}

var dayToInt = map[Weekday]int{
	Sunday: 0, Monday: 1, Tuesday: 2, Wednesday: 3, Thursday: 4, Friday: 5, Saturday: 6,
}

// Period is one recurring weekly window. StartTime and EndTime are HHmm
// integers (0 <= v <= 2359, StartTime < EndTime).
type Period struct {
	Day       Weekday `json:"day"`
	StartTime int     `json:"startTime"`
	EndTime   int     `json:"endTime"`
}

// HHMM converts a wall-clock instant to its HHmm integer form.
func HHMM(t time.Time) int { return t.Hour()*100 + t.Minute() }

// Today returns the symbolic weekday for an instant.
func Today(t time.Time) Weekday { return dayFromTime[t.Weekday()] }

// At returns the instant on now's calendar day with the given HHmm value.
func At(now time.Time, hhmm int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hhmm/100, hhmm%100, 0, 0, now.Location())
}

// ActivePeriod returns the first period whose day matches now and whose
// [StartTime, EndTime) window contains the current HHmm value. Periods are
// assumed non-overlapping by the config producer; on overlap the first
// match wins.
func ActivePeriod(periods []Period, now time.Time) (Period, bool) {
	day := Today(now)
	hhmm := HHMM(now)
	for _, p := range periods {
		if p.Day == day && hhmm >= p.StartTime && hhmm < p.EndTime {
			return p, true
		}
	}
	return Period{}, false
}

// NextStart returns the next instant the period will start. A period whose
// start has already passed this week (including one active right now) maps
// to the matching weekday up to 7 days ahead.
func NextStart(p Period, now time.Time) time.Time {
	candidate := At(now, p.StartTime)
	daysAhead := (dayToInt[p.Day] - int(now.Weekday()) + 7) % 7
	if daysAhead == 0 && !candidate.After(now) {
		daysAhead = 7
	}
	return candidate.AddDate(0, 0, daysAhead)
}

// SoonestStart returns the period that starts soonest and the duration
// until it does. An active period's start lies in the past, so it is never
// the soonest. Returns false for an empty period set.
func SoonestStart(periods []Period, now time.Time) (Period, time.Duration, bool) {
	if len(periods) == 0 {
		return Period{}, 0, false
	}
	soonest := periods[0]
	soonestAt := NextStart(periods[0], now)
	for _, p := range periods[1:] {
		at := NextStart(p, now)
		if at.Before(soonestAt) {
			soonest = p
			soonestAt = at
		}
	}
	return soonest, soonestAt.Sub(now), true
}

// ConfigEnd resolves when a session configuration stops running: the later
// of the raw timeout (epoch seconds, 0 = unset) and the end of the
// currently active period. Returns false when neither applies.
func ConfigEnd(periods []Period, timeout int64, now time.Time) (time.Time, bool) {
	var end time.Time
	ok := false
	if timeout != 0 {
		end = time.Unix(timeout, 0).In(now.Location())
		ok = true
	}
	if active, found := ActivePeriod(periods, now); found {
		periodEnd := At(now, active.EndTime)
		if !ok || periodEnd.After(end) {
			end = periodEnd
		}
		ok = true
	}
	return end, ok
}

// IsRunning reports whether a configuration is currently live: its timeout
// is set and unexpired, or one of its periods is active.
func IsRunning(periods []Period, timeout int64, now time.Time) bool {
	if timeout != 0 && timeout > now.Unix() {
		return true
	}
	_, active := ActivePeriod(periods, now)
	return active
}
