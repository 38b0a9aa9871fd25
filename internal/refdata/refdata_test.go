package refdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simrail-mirror/collector/internal/models"
)

func newTestStore() *Store {
	return &Store{
		byID: map[string]Point{
			"P1": {ID: "P1", Name: "Central", HasSchedule: true, MaxSpeed: 120,
				MinLat: 50.0, MaxLat: 50.1, MinLon: 19.0, MaxLon: 19.1, SimRailPointIDs: []string{"P1-ALIAS"}},
			"P2": {ID: "P2", Name: "Junction", HasSchedule: false},
		},
		byName:  map[string]Point{"Central": {ID: "P1", Name: "Central"}},
		byAlias: map[string]string{"P1-ALIAS": "P1"},
		borders: map[string]BorderPoint{"P1": {PointID: "P1", RequiredNextPoints: []string{"P2"}}},
		platforms: map[string]PlatformSignal{
			"P1\x00S1": {Track: "2", Platform: "II"},
		},
		defaultScenery: "eu1",
	}
}

func TestStoreByIDResolvesAlias(t *testing.T) {
	s := newTestStore()
	p, ok := s.ByID(context.Background(), "P1-ALIAS")
	require.True(t, ok)
	assert.Equal(t, "P1", p.ID)
}

func TestStoreByIDUnknown(t *testing.T) {
	s := newTestStore()
	_, ok := s.ByID(context.Background(), "nope")
	assert.False(t, ok)
}

func TestHasSchedulePrefix(t *testing.T) {
	s := newTestStore()
	assert.True(t, s.HasSchedulePrefix("P1"))
	assert.False(t, s.HasSchedulePrefix("P2"))
	assert.False(t, s.HasSchedulePrefix("unknown"))
}

func TestMaxSpeedFor(t *testing.T) {
	s := newTestStore()
	speed, ok := s.MaxSpeedFor("P1")
	require.True(t, ok)
	assert.Equal(t, 120, speed)

	_, ok = s.MaxSpeedFor("P2")
	assert.False(t, ok, "a point with no declared max speed reports not-found")
}

func TestByPositionWithoutRedisFallsBackToFullScan(t *testing.T) {
	s := newTestStore()
	p, ok := s.ByPosition(context.Background(), models.Position{Lat: 50.05, Lon: 19.05})
	require.True(t, ok)
	assert.Equal(t, "P1", p.ID)

	_, ok = s.ByPosition(context.Background(), models.Position{Lat: 60, Lon: 30})
	assert.False(t, ok)
}

func TestByUpstreamIDBorder(t *testing.T) {
	s := newTestStore()
	b, ok := s.ByUpstreamID(context.Background(), "P1")
	require.True(t, ok)
	assert.Equal(t, []string{"P2"}, b.RequiredNextPoints)
}

func TestPlatformLookupAdapterReshapesResult(t *testing.T) {
	s := newTestStore()
	adapter := &PlatformLookupAdapter{Store: s}

	track, platform, found := adapter.Lookup(context.Background(), "P1", "S1")
	require.True(t, found)
	assert.Equal(t, "2", track)
	assert.Equal(t, "II", platform)

	_, _, found = adapter.Lookup(context.Background(), "P1", "S-missing")
	assert.False(t, found)
}

func TestDefaultScenery(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, "eu1", s.Default())
}
