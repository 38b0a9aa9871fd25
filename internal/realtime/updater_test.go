package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/simrail-mirror/collector/internal/models"
)

func TestRoundToMinute_S2(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 12, 30, 29, 0, time.UTC)
	got := roundToMinute(t1)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC), got)

	t2 := time.Date(2024, 1, 1, 12, 30, 30, 0, time.UTC)
	got2 := roundToMinute(t2)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 31, 0, 0, time.UTC), got2)
}

func TestApplyStopBudget_TechnicalCatchUp_S3(t *testing.T) {
	// Delayed by 4 min; scheduled 6-min technical stop; predicted
	// departure = scheduled + 0 (delay consumed in full by the stop).
	schedArr := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	schedDep := schedArr.Add(6 * time.Minute)
	arr := &eventFixture{scheduled: schedArr, realtime: schedArr.Add(4 * time.Minute)}
	dep := &eventFixture{scheduled: schedDep}

	got := applyStopBudgetFixture(arr, dep, 6*time.Minute)
	assert.Equal(t, schedDep, got)
}

func TestApplyStopBudget_PassengerFloor_S4(t *testing.T) {
	schedArr := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	// 5-min passenger stop, delayed 4 min: skippable = 5-1 = 4min,
	// residual = delay(4) - skippable(4) = 0 -> scheduled + 0.
	schedDep1 := schedArr.Add(5 * time.Minute)
	arr1 := &eventFixture{scheduled: schedArr, realtime: schedArr.Add(4 * time.Minute)}
	dep1 := &eventFixture{scheduled: schedDep1}
	got1 := applyStopBudgetFixture(arr1, dep1, 4*time.Minute)
	assert.Equal(t, schedDep1, got1)

	// Delayed 10 min: residual = 10-4 = 6 -> scheduled + 6min.
	arr2 := &eventFixture{scheduled: schedArr, realtime: schedArr.Add(10 * time.Minute)}
	dep2 := &eventFixture{scheduled: schedDep1}
	got2 := applyStopBudgetFixture(arr2, dep2, 4*time.Minute)
	assert.Equal(t, schedDep1.Add(6*time.Minute), got2)
}

// eventFixture carries the two times applyStopBudget reads from an event.
type eventFixture struct {
	scheduled time.Time
	realtime  time.Time
}

// applyStopBudgetFixture wraps the fixtures into models.JourneyEvent
// values and calls applyStopBudget.
func applyStopBudgetFixture(last, this *eventFixture, stop time.Duration) time.Time {
	return applyStopBudget(
		&models.JourneyEvent{ScheduledLocal: last.scheduled, RealtimeLocal: last.realtime},
		&models.JourneyEvent{ScheduledLocal: this.scheduled, RealtimeLocal: this.realtime},
		stop)
}
