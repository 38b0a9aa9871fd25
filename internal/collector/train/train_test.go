package train

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simrail-mirror/collector/internal/models"
)

func TestDriverFromIDsPrefersSteam(t *testing.T) {
	d := driverFromIDs("steam1", "xbox1")
	assert.Equal(t, "steam1", d.ID)
	assert.Equal(t, models.PlatformSteam, d.Platform)
}

func TestDriverFromIDsFallsBackToXbox(t *testing.T) {
	d := driverFromIDs("", "xbox1")
	assert.Equal(t, "xbox1", d.ID)
	assert.Equal(t, models.PlatformXbox, d.Platform)
}

func TestBuildNextSignalTruncatesAtAt(t *testing.T) {
	ns := buildNextSignal("L1@extra_suffix", 123, 100)
	assert.Equal(t, "L1", ns.Name)
}

func TestBuildNextSignalRoundsDistanceToNearestTen(t *testing.T) {
	ns := buildNextSignal("L1", 123, 100)
	assert.Equal(t, 120, ns.Distance)

	ns = buildNextSignal("L1", 125, 100)
	assert.Equal(t, 130, ns.Distance)
}

func TestBuildNextSignalDropsSentinelMaxSpeed(t *testing.T) {
	ns := buildNextSignal("L1", 100, 500)
	assert.Equal(t, 0, ns.MaxSpeed, "a sentinel max speed of >=500 km/h must be dropped")

	ns = buildNextSignal("L1", 100, 80)
	assert.Equal(t, 80, ns.MaxSpeed)
}

func TestUpsertFromTrainSkipsZeroPositionOnFirstSight(t *testing.T) {
	c := &Collector{}
	srv := &Server{ServerID: uuid.New(), ServerCode: "eu1", Data: models.NewServerCollectorData()}

	c.upsertFromTrain(srv, RawTrain{RunID: "run1", Lat: 0, Lon: 0})

	assert.Empty(t, srv.Data.Holders, "a train with no real position yet must not create a holder")
}

func TestUpsertFromTrainCreatesHolderAndTracksRunID(t *testing.T) {
	c := &Collector{}
	srv := &Server{ServerID: uuid.New(), ServerCode: "eu1", Data: models.NewServerCollectorData()}

	c.upsertFromTrain(srv, RawTrain{
		RunID: "run1", UpstreamID: "train1", Lat: 50.0, Lon: 19.0, Speed: 81.6,
		SteamID: "steam1", NextSignal: "L1@sig", SignalDist: 123, SignalSpeed: 100,
	})

	holder, ok := srv.Data.Holders["run1"]
	require.True(t, ok)
	assert.Equal(t, 82, holder.Speed.Value)
	assert.Equal(t, "steam1", holder.Driver.Value.ID)
	assert.Equal(t, "L1", holder.NextSignal.Value.Name)
	assert.Equal(t, "run1", srv.Data.RunIDByTrain["train1"])
}

func TestApplyPositionClampsNegativeSpeedToZero(t *testing.T) {
	c := &Collector{}
	srv := &Server{ServerID: uuid.New(), ServerCode: "eu1", Data: models.NewServerCollectorData()}
	c.upsertFromTrain(srv, RawTrain{RunID: "run1", UpstreamID: "train1", Lat: 50, Lon: 19, Speed: 10})
	srv.Data.Holders["run1"].ConsumeDirty()

	c.applyPosition(srv, RawPosition{UpstreamID: "train1", Lat: 50.1, Lon: 19.1, Speed: -3})

	holder := srv.Data.Holders["run1"]
	assert.Equal(t, 0, holder.Speed.Value)
	assert.Equal(t, models.Position{Lat: 50.1, Lon: 19.1}, holder.Position.Value)
}

func TestApplyPositionIgnoresUnknownTrain(t *testing.T) {
	c := &Collector{}
	srv := &Server{ServerID: uuid.New(), ServerCode: "eu1", Data: models.NewServerCollectorData()}

	c.applyPosition(srv, RawPosition{UpstreamID: "unknown", Lat: 1, Lon: 1, Speed: 10})

	assert.Empty(t, srv.Data.Holders)
}

func TestCollectDirtyOnlyReturnsChangedHolders(t *testing.T) {
	c := &Collector{}
	srv := &Server{ServerID: uuid.New(), ServerCode: "eu1", Data: models.NewServerCollectorData()}
	c.upsertFromTrain(srv, RawTrain{RunID: "run1", UpstreamID: "train1", Lat: 50, Lon: 19, Speed: 10})

	dirty := c.collectDirty(srv)
	assert.Len(t, dirty, 1)

	dirty = c.collectDirty(srv)
	assert.Empty(t, dirty, "a second consume with no new changes must return nothing")
}
