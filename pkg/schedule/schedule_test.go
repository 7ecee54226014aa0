package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday 2026-03-10 in a fixed zone.
func tuesday(hour, min int) time.Time {
	loc := time.FixedZone("AEST", 10*3600)
	return time.Date(2026, 3, 10, hour, min, 0, 0, loc)
}

func TestActivePeriod(t *testing.T) {
	periods := []Period{{Day: Tuesday, StartTime: 900, EndTime: 1000}}

	p, ok := ActivePeriod(periods, tuesday(9, 30))
	require.True(t, ok)
	assert.Equal(t, 900, p.StartTime)

	_, ok = ActivePeriod(periods, tuesday(8, 30))
	assert.False(t, ok)

	// End is exclusive.
	_, ok = ActivePeriod(periods, tuesday(10, 0))
	assert.False(t, ok)

	// Wrong day.
	_, ok = ActivePeriod([]Period{{Day: Friday, StartTime: 900, EndTime: 1000}}, tuesday(9, 30))
	assert.False(t, ok)
}

func TestSoonestStart(t *testing.T) {
	periods := []Period{{Day: Tuesday, StartTime: 900, EndTime: 1000}}

	p, until, ok := SoonestStart(periods, tuesday(8, 30))
	require.True(t, ok)
	assert.Equal(t, 900, p.StartTime)
	assert.Equal(t, 30*time.Minute, until)
}

func TestSoonestStartSkipsActivePeriod(t *testing.T) {
	// The active period's start is in the past: it must map to next week,
	// so the Friday period wins.
	periods := []Period{
		{Day: Tuesday, StartTime: 900, EndTime: 1000},
		{Day: Friday, StartTime: 1400, EndTime: 1500},
	}
	p, until, ok := SoonestStart(periods, tuesday(9, 30))
	require.True(t, ok)
	assert.Equal(t, Friday, p.Day)
	assert.Equal(t, 3*24*time.Hour+4*time.Hour+30*time.Minute, until)
}

func TestSoonestStartEmpty(t *testing.T) {
	_, _, ok := SoonestStart(nil, tuesday(9, 0))
	assert.False(t, ok)
}

func TestNextStartWrapsWeek(t *testing.T) {
	// Monday period seen on a Tuesday: 6 days ahead.
	p := Period{Day: Monday, StartTime: 800, EndTime: 900}
	at := NextStart(p, tuesday(9, 0))
	assert.Equal(t, time.Monday, at.Weekday())
	assert.Equal(t, 800, HHMM(at))
	assert.True(t, at.After(tuesday(9, 0)))
	assert.LessOrEqual(t, at.Sub(tuesday(9, 0)), 7*24*time.Hour)
}

func TestConfigEnd(t *testing.T) {
	now := tuesday(9, 30)
	periods := []Period{{Day: Tuesday, StartTime: 900, EndTime: 1000}}

	// No timeout: active period end.
	end, ok := ConfigEnd(periods, 0, now)
	require.True(t, ok)
	assert.Equal(t, 1000, HHMM(end))

	// Timeout later than period end wins.
	later := tuesday(11, 0).Unix()
	end, ok = ConfigEnd(periods, later, now)
	require.True(t, ok)
	assert.Equal(t, later, end.Unix())

	// Timeout earlier than period end loses.
	earlier := tuesday(9, 45).Unix()
	end, ok = ConfigEnd(periods, earlier, now)
	require.True(t, ok)
	assert.Equal(t, 1000, HHMM(end))

	// Neither applies.
	_, ok = ConfigEnd(nil, 0, now)
	assert.False(t, ok)
}

func TestIsRunning(t *testing.T) {
	now := tuesday(9, 30)
	periods := []Period{{Day: Tuesday, StartTime: 900, EndTime: 1000}}

	assert.True(t, IsRunning(periods, 0, now))
	assert.False(t, IsRunning(nil, 0, now))
	assert.True(t, IsRunning(nil, now.Unix()+600, now))
	assert.False(t, IsRunning(nil, now.Unix()-600, now))
}
