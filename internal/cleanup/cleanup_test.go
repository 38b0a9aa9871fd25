package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOffsetLookup struct {
	offsets map[uuid.UUID]int
}

func (f *fakeOffsetLookup) UTCOffsetSeconds(ctx context.Context, serverID uuid.UUID) (int, bool) {
	offset, ok := f.offsets[serverID]
	return offset, ok
}

func TestRepositoryTimeSourceLocalNow(t *testing.T) {
	serverID := uuid.New()
	lookup := &fakeOffsetLookup{offsets: map[uuid.UUID]int{serverID: 3600}}
	src := NewRepositoryTimeSource(lookup)

	localNow, ok := src.LocalNow(context.Background(), serverID)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), localNow, 2*time.Second)
}

func TestRepositoryTimeSourceUnknownServer(t *testing.T) {
	lookup := &fakeOffsetLookup{offsets: map[uuid.UUID]int{}}
	src := NewRepositoryTimeSource(lookup)

	_, ok := src.LocalNow(context.Background(), uuid.New())
	assert.False(t, ok)
}
