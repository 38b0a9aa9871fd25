package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simrail-mirror/collector/internal/dirty"
	"github.com/simrail-mirror/collector/internal/models"
)

func TestDispatcherFromIDsPrefersSteam(t *testing.T) {
	d := dispatcherFromIDs("steam1", "xbox1")
	assert.Equal(t, "steam1", d.ID)
	assert.Equal(t, models.PlatformSteam, d.Platform)
}

func TestDispatcherFromIDsFallsBackToXbox(t *testing.T) {
	d := dispatcherFromIDs("", "xbox1")
	assert.Equal(t, "xbox1", d.ID)
	assert.Equal(t, models.PlatformXbox, d.Platform)
}

func TestApplyDispatchDirtyOverlaysOnlyDirtyFields(t *testing.T) {
	p := &models.DispatchPost{Position: models.Position{Lat: 1, Lon: 1}}
	holder := &models.DispatchUpdateHolder{
		Position: models.DirtyField[models.Position]{Present: true, Value: models.Position{Lat: 2, Lon: 2}},
		Images:   models.DirtyField[[]string]{Present: true, Value: []string{"a.png"}},
	}

	var bits dirty.Bits
	bits.Set(models.BitDispatchPosition)
	snapshot, _ := bits.ConsumeAll()

	applyDispatchDirty(p, holder, snapshot)

	assert.Equal(t, models.Position{Lat: 2, Lon: 2}, p.Position)
	assert.Nil(t, p.ImageURLs, "images bit was never set so the field must stay untouched")
}

func TestApplyDispatchDirtyClearsDispatcherWhenOffline(t *testing.T) {
	existing := models.DispatcherUser{ID: "p1", Platform: models.PlatformSteam}
	p := &models.DispatchPost{Dispatcher: &existing}
	holder := &models.DispatchUpdateHolder{
		Online: models.DirtyField[bool]{Present: true, Value: false},
	}

	var bits dirty.Bits
	bits.Set(models.BitDispatchOnline)
	snapshot, _ := bits.ConsumeAll()

	applyDispatchDirty(p, holder, snapshot)

	assert.Nil(t, p.Dispatcher)
}

func TestApplyDispatchDirtySetsDispatcherWhenDirty(t *testing.T) {
	p := &models.DispatchPost{}
	d := models.DispatcherUser{ID: "p1", Platform: models.PlatformSteam}
	holder := &models.DispatchUpdateHolder{
		Dispatcher: models.DirtyField[models.DispatcherUser]{Present: true, Value: d},
	}

	var bits dirty.Bits
	bits.Set(models.BitDispatchDispatcher)
	snapshot, _ := bits.ConsumeAll()

	applyDispatchDirty(p, holder, snapshot)

	if assert.NotNil(t, p.Dispatcher) {
		assert.Equal(t, d, *p.Dispatcher)
	}
}

func TestOverriddenUpstreamPosition(t *testing.T) {
	assert.Equal(t, overridePosition.Lat, 50.06465)
	assert.Equal(t, overridePosition.Lon, 19.94498)
	assert.NotEmpty(t, overriddenUpstreamID)
}
