// Package cleanup implements the two background tasks spec.md §4.10
// describes: a 2-minute cancellation-marking ticker and a daily
// stale-journey deletion cron.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/metrics"
	"github.com/simrail-mirror/collector/internal/store"
)

const staleAfter = 90 * 24 * time.Hour

// ServerTimeSource resolves a server's current local time, needed to
// evaluate "never spawned before localNow" per server time zone.
type ServerTimeSource interface {
	LocalNow(ctx context.Context, serverID uuid.UUID) (time.Time, bool)
}

// ServerLister enumerates the currently known servers.
type ServerLister interface {
	KnownServerIDs(ctx context.Context) ([]uuid.UUID, error)
}

// serverOffsetLookup is the narrow surface ServerRepository exposes to
// back a ServerTimeSource.
type serverOffsetLookup interface {
	UTCOffsetSeconds(ctx context.Context, serverID uuid.UUID) (int, bool)
}

// RepositoryTimeSource derives each server's local time from its stored
// UTC offset, the same derivation the server collector persists.
type RepositoryTimeSource struct {
	servers serverOffsetLookup
}

// NewRepositoryTimeSource builds a RepositoryTimeSource over servers.
func NewRepositoryTimeSource(servers serverOffsetLookup) *RepositoryTimeSource {
	return &RepositoryTimeSource{servers: servers}
}

// LocalNow implements ServerTimeSource.
func (s *RepositoryTimeSource) LocalNow(ctx context.Context, serverID uuid.UUID) (time.Time, bool) {
	offset, ok := s.servers.UTCOffsetSeconds(ctx, serverID)
	if !ok {
		return time.Time{}, false
	}
	return time.Now().UTC().Add(time.Duration(offset) * time.Second), true
}

// Task bundles the journey repository and its collaborators.
type Task struct {
	journeys *store.JourneyRepository
	servers  ServerLister
	times    ServerTimeSource
	log      *logger.Logger
}

// New builds a cleanup Task.
func New(journeys *store.JourneyRepository, servers ServerLister, times ServerTimeSource, log *logger.Logger) *Task {
	return &Task{journeys: journeys, servers: servers, times: times, log: log}
}

// RunCancellation is the 2-minute ticker body: per server, cancel
// journeys whose second playable departure is already in the past and
// that have never been observed running (spec.md §4.10).
func (t *Task) RunCancellation(ctx context.Context) {
	serverIDs, err := t.servers.KnownServerIDs(ctx)
	if err != nil {
		if t.log != nil {
			t.log.WithError(err).Error("cancellation task: listing servers failed")
		}
		return
	}

	for _, serverID := range serverIDs {
		localNow, ok := t.times.LocalNow(ctx, serverID)
		if !ok {
			continue
		}
		if err := t.cancelNeverSpawned(ctx, serverID, localNow); err != nil && t.log != nil {
			t.log.WithError(err).WithFields(logger.Fields{"server_id": serverID}).Error("cancellation task failed")
		}
	}
}

func (t *Task) cancelNeverSpawned(ctx context.Context, serverID uuid.UUID, localNow time.Time) error {
	ids, err := t.journeys.NeverSpawnedBefore(ctx, serverID, localNow)
	if err != nil {
		return fmt.Errorf("finding never-spawned journeys for server %s: %w", serverID, err)
	}
	for _, id := range ids {
		if err := t.journeys.MarkCancelled(ctx, id, time.Now()); err != nil {
			return fmt.Errorf("cancelling journey %s: %w", id, err)
		}
		metrics.JourneysCancelledStale.Inc()
	}
	return nil
}

// RunDailyCleanup is the 05:00 UTC cron body: delete journeys with no
// data update in the last 90 days (spec.md §4.10).
func (t *Task) RunDailyCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Truncate(24 * time.Hour).Add(-staleAfter)
	ids, err := t.journeys.StaleSince(ctx, cutoff)
	if err != nil {
		if t.log != nil {
			t.log.WithError(err).Error("daily cleanup: finding stale journeys failed")
		}
		return
	}
	for _, id := range ids {
		if err := t.journeys.DeleteCascade(ctx, id); err != nil {
			if t.log != nil {
				t.log.WithError(err).WithFields(logger.Fields{"journey_id": id}).Error("daily cleanup: deleting journey failed")
			}
			continue
		}
		metrics.JourneysDeletedByCleanup.Inc()
	}
}
