package timetable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simrail-mirror/collector/internal/models"
)

type fakePoints struct {
	known map[string]bool
}

func (f fakePoints) Resolve(pointID string) (string, bool) {
	return pointID, f.known[pointID]
}

func (f fakePoints) Aliases(canonicalID string) []string {
	return []string{canonicalID}
}

type fakeBorders struct {
	border map[string][]string
}

func (f fakeBorders) Border(pointID string) ([]string, bool) {
	required, ok := f.border[pointID]
	return required, ok
}

func clock(h, m int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

func TestBuild_S1_BorderTraversal(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "B": true, "C": true, "D": true, "E": true}}
	borders := fakeBorders{border: map[string][]string{
		"B": {"C"},
		"D": {},
	}}

	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0)},
		{PointID: "B", ArrivalClock: clock(8, 10), DepartureClock: clock(8, 10)},
		{PointID: "C", ArrivalClock: clock(8, 20), DepartureClock: clock(8, 20)},
		{PointID: "D", ArrivalClock: clock(8, 30), DepartureClock: clock(8, 30)},
		{PointID: "E", ArrivalClock: clock(8, 40), DepartureClock: clock(8, 40)},
	}

	events := Build(0, entries, points, borders)
	require.NotEmpty(t, events)

	byPoint := map[string]bool{}
	for _, e := range events {
		byPoint[e.PointID] = byPoint[e.PointID] || e.InPlayableBorder
	}

	assert.False(t, byPoint["A"])
	assert.True(t, byPoint["C"])
	assert.True(t, byPoint["D"])
	assert.False(t, byPoint["E"])
}

func TestBuild_EventListWellFormed(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "B": true, "C": true}}
	borders := fakeBorders{border: map[string][]string{}}

	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0)},
		{PointID: "B", ArrivalClock: clock(8, 10), DepartureClock: clock(8, 12)},
		{PointID: "C", ArrivalClock: clock(8, 20), DepartureClock: clock(8, 20)},
	}

	events := Build(0, entries, points, borders)
	require.NotEmpty(t, events)

	assert.Equal(t, models.EventDeparture, events[0].Type)
	assert.Equal(t, models.EventArrival, events[len(events)-1].Type)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Index, events[i-1].Index)
	}

	for i := 0; i < len(events)-1; i++ {
		if events[i].Type == models.EventArrival {
			assert.Equal(t, models.EventDeparture, events[i+1].Type)
			assert.Equal(t, events[i].PointID, events[i+1].PointID)
		}
	}
}

func TestBuild_StopTypeConsistency(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "B": true, "C": true}}
	borders := fakeBorders{border: map[string][]string{}}

	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0)},
		{PointID: "B", ArrivalClock: clock(8, 10), DepartureClock: clock(8, 10), StopType: StopUpstreamPT},
		{PointID: "C", ArrivalClock: clock(8, 20), DepartureClock: clock(8, 20)},
	}

	events := Build(0, entries, points, borders)

	var arr, dep *models.JourneyEvent
	for _, e := range events {
		if e.PointID == "B" && e.Type == models.EventArrival {
			arr = e
		}
		if e.PointID == "B" && e.Type == models.EventDeparture {
			dep = e
		}
	}
	require.NotNil(t, arr)
	require.NotNil(t, dep)
	assert.Equal(t, models.StopPassenger, dep.StopType)
	assert.Equal(t, 30*time.Second, dep.ScheduledLocal.Sub(arr.ScheduledLocal))
}

func TestBuild_MidnightWrap(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "B": true}}
	borders := fakeBorders{border: map[string][]string{}}

	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(23, 50), DepartureClock: clock(23, 50)},
		{PointID: "B", ArrivalClock: clock(0, 10), DepartureClock: clock(0, 10)},
	}

	events := Build(0, entries, points, borders)
	require.Len(t, events, 2)
	assert.True(t, events[1].ScheduledLocal.After(events[0].ScheduledLocal))
	assert.Equal(t, 20*time.Minute, events[1].ScheduledLocal.Sub(events[0].ScheduledLocal))
}

func TestFixup_DoesNotMergeWithoutAliasData(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "A2": true}}
	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0), MaxSpeed: 80},
		{PointID: "A2", ArrivalClock: clock(8, 1), DepartureClock: clock(8, 5), MaxSpeed: 100},
	}
	// fakePoints.Aliases returns only the id itself, so these two do NOT
	// merge; this test documents that merging requires real alias data.
	fixed := Fixup(entries, points)
	assert.Len(t, fixed, 2)
}

func TestFixup_LeavesUnknownPointsUnresolved(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "C": true}}
	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0)},
		{PointID: "unknown", ArrivalClock: clock(8, 10), DepartureClock: clock(8, 10)},
		{PointID: "C", ArrivalClock: clock(8, 20), DepartureClock: clock(8, 20)},
	}

	fixed := Fixup(entries, points)
	require.Len(t, fixed, 3)
	assert.Equal(t, "", fixed[1].canonicalPointID, "an unresolved point must leave canonicalPointID empty so emit drops it")
}

func TestFixup_LeavesUnknownFirstPointUnresolved(t *testing.T) {
	points := fakePoints{known: map[string]bool{"B": true}}
	entries := []Entry{
		{PointID: "unknown", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0)},
		{PointID: "B", ArrivalClock: clock(8, 10), DepartureClock: clock(8, 10)},
	}

	fixed := Fixup(entries, points)
	require.Len(t, fixed, 2)
	assert.Equal(t, "", fixed[0].canonicalPointID)
}

func TestBuild_DropsUnknownPointsFromEventList(t *testing.T) {
	points := fakePoints{known: map[string]bool{"A": true, "C": true}}
	borders := fakeBorders{border: map[string][]string{}}

	entries := []Entry{
		{PointID: "A", ArrivalClock: clock(8, 0), DepartureClock: clock(8, 0)},
		{PointID: "unknown", ArrivalClock: clock(8, 10), DepartureClock: clock(8, 10)},
		{PointID: "C", ArrivalClock: clock(8, 20), DepartureClock: clock(8, 20)},
	}

	events := Build(0, entries, points, borders)
	for _, e := range events {
		assert.NotEqual(t, "unknown", e.PointID, "an unresolved point must never reach the emitted event list")
	}
}

func TestParseTransport_RegionalLineRetained(t *testing.T) {
	e := Entry{TrainDisplay: `REG - "Fast" - R12`, TrainType: "REGIONAL_TRAIN"}
	info := parseTransport(e)
	assert.Equal(t, "REG", info.Category)
	assert.Equal(t, "Fast", info.Label)
	assert.Equal(t, "R12", info.Line)
}

func TestParseTransport_LineClearedForNonRegional(t *testing.T) {
	e := Entry{TrainDisplay: `IC - "Express" - R12`, TrainType: "INTERCITY"}
	info := parseTransport(e)
	assert.Equal(t, "", info.Line)
}
