package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkSpeedOnlyDirtiesOnChange(t *testing.T) {
	h := &JourneyUpdateHolder{}

	h.MarkSpeed(80)
	_, any := h.ConsumeDirty()
	assert.True(t, any, "first observation must dirty the bit")

	h.MarkSpeed(80)
	_, any = h.ConsumeDirty()
	assert.False(t, any, "re-marking the same value must not dirty the bit again")

	h.MarkSpeed(90)
	_, any = h.ConsumeDirty()
	assert.True(t, any, "a real change must dirty the bit")
}

func TestMarkNextSignalIDOnlyDirtiesOnChange(t *testing.T) {
	h := &JourneyUpdateHolder{}

	h.MarkNextSignalID("L1")
	snapshot, any := h.ConsumeDirty()
	assert.True(t, any)
	assert.True(t, snapshot&(1<<BitNextSignalID) != 0)

	h.MarkNextSignalID("L1")
	_, any = h.ConsumeDirty()
	assert.False(t, any, "an unchanged next signal must not re-enqueue a publish every cycle")

	h.MarkNextSignalID("L2")
	_, any = h.ConsumeDirty()
	assert.True(t, any)
}

func TestMarkPositionOnlyDirtiesOnChange(t *testing.T) {
	h := &JourneyUpdateHolder{}

	h.MarkPosition(Position{Lat: 50, Lon: 19})
	_, any := h.ConsumeDirty()
	assert.True(t, any)

	h.MarkPosition(Position{Lat: 50, Lon: 19})
	_, any = h.ConsumeDirty()
	assert.False(t, any)

	h.MarkPosition(Position{Lat: 50.1, Lon: 19})
	_, any = h.ConsumeDirty()
	assert.True(t, any)
}
