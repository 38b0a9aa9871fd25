package timetable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simrail-mirror/collector/internal/models"
	"github.com/simrail-mirror/collector/internal/refdata"
)

func TestToEntriesMapsStopTypeAndFields(t *testing.T) {
	entries := toEntries([]RawStop{
		{PointID: "P1", ArrivalSeconds: 3600, DepartureSeconds: 3660, StopType: "PT", MaxSpeed: 120, TrainNumber: "123"},
		{PointID: "P2", StopType: "PH"},
		{PointID: "P3", StopType: ""},
	})

	require.Len(t, entries, 3)
	assert.Equal(t, StopUpstreamPT, entries[0].StopType)
	assert.Equal(t, "P1", entries[0].PointID)
	assert.Equal(t, 120, entries[0].MaxSpeed)
	assert.Equal(t, "123", entries[0].TrainNumber)
	assert.Equal(t, StopUpstreamPH, entries[1].StopType)
	assert.Equal(t, StopUpstreamNone, entries[2].StopType)
}

func TestParseUpstreamStopType(t *testing.T) {
	assert.Equal(t, StopUpstreamPT, parseUpstreamStopType("PT"))
	assert.Equal(t, StopUpstreamPH, parseUpstreamStopType("PH"))
	assert.Equal(t, StopUpstreamNone, parseUpstreamStopType(""))
	assert.Equal(t, StopUpstreamNone, parseUpstreamStopType("unexpected"))
}

func TestPointLookupAdapterResolvesCanonicalIDAndAliases(t *testing.T) {
	adapter := &pointLookupAdapter{ctx: context.Background(), points: fakePointProvider{
		"P1": refdata.Point{ID: "P1", SimRailPointIDs: []string{"ALIAS1"}},
	}}

	id, ok := adapter.Resolve("P1")
	require.True(t, ok)
	assert.Equal(t, "P1", id)

	aliases := adapter.Aliases("P1")
	assert.Equal(t, []string{"P1", "ALIAS1"}, aliases)

	_, ok = adapter.Resolve("missing")
	assert.False(t, ok)
}

func TestBorderLookupAdapterResolvesRequiredPoints(t *testing.T) {
	adapter := &borderLookupAdapter{ctx: context.Background(), borders: fakeBorderProvider{
		"P1": refdata.BorderPoint{PointID: "P1", RequiredNextPoints: []string{"P2"}},
	}}

	required, ok := adapter.Border("P1")
	require.True(t, ok)
	assert.Equal(t, []string{"P2"}, required)

	_, ok = adapter.Border("missing")
	assert.False(t, ok)
}

type fakePointProvider map[string]refdata.Point

func (f fakePointProvider) ByID(ctx context.Context, id string) (refdata.Point, bool) {
	p, ok := f[id]
	return p, ok
}
func (f fakePointProvider) ByName(ctx context.Context, name string) (refdata.Point, bool) {
	return refdata.Point{}, false
}
func (f fakePointProvider) ByPosition(ctx context.Context, pos models.Position) (refdata.Point, bool) {
	return refdata.Point{}, false
}

type fakeBorderProvider map[string]refdata.BorderPoint

func (f fakeBorderProvider) ByUpstreamID(ctx context.Context, pointID string) (refdata.BorderPoint, bool) {
	b, ok := f[pointID]
	return b, ok
}
