package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/models"
)

// ServerRepository persists Server entities.
type ServerRepository struct{ db *DB }

func NewServerRepository(db *DB) *ServerRepository { return &ServerRepository{db: db} }

// Upsert inserts or updates a server by its stable id.
func (r *ServerRepository) Upsert(ctx context.Context, s *models.Server) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO servers (id, upstream_id, code, region, language, tags, online, scenery, utc_offset_sec, registered_at, deleted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			online = EXCLUDED.online,
			scenery = EXCLUDED.scenery,
			language = EXCLUDED.language,
			tags = EXCLUDED.tags,
			utc_offset_sec = EXCLUDED.utc_offset_sec,
			deleted = EXCLUDED.deleted`,
		s.ID, s.UpstreamID, s.Code, s.Region, nullString(s.Language), pqArray(s.Tags),
		s.Online, s.Scenery, s.UTCOffsetSec, s.RegisteredAt, s.Deleted)
	if err != nil {
		return fmt.Errorf("upserting server %s: %w", s.UpstreamID, err)
	}
	return nil
}

// MarkDeletedNotIn marks as deleted every server whose upstream id is not
// present in keep (used by the server collector's full-collection pass).
func (r *ServerRepository) MarkDeletedNotIn(ctx context.Context, keep []string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE servers SET deleted = true WHERE NOT (upstream_id = ANY($1)) AND deleted = false`,
		pqArray(keep))
	if err != nil {
		return fmt.Errorf("marking absent servers deleted: %w", err)
	}
	return nil
}

// KnownServerIDs lists every non-deleted server's stable id, used by the
// cancellation task to iterate servers without depending on the
// in-memory collector state.
func (r *ServerRepository) KnownServerIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM servers WHERE deleted = false`)
	if err != nil {
		return nil, fmt.Errorf("listing known servers: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UTCOffsetSeconds returns a server's last-known UTC offset, used to
// derive its local time for the cancellation task.
func (r *ServerRepository) UTCOffsetSeconds(ctx context.Context, serverID uuid.UUID) (int, bool) {
	var offset int
	err := r.db.QueryRowContext(ctx, `SELECT utc_offset_sec FROM servers WHERE id = $1`, serverID).Scan(&offset)
	if err != nil {
		return 0, false
	}
	return offset, true
}

// JourneyRepository persists Journey and JourneyEvent entities.
type JourneyRepository struct{ db *DB }

func NewJourneyRepository(db *DB) *JourneyRepository { return &JourneyRepository{db: db} }

// FindByServerAndRunID looks up an existing journey by its natural key.
func (r *JourneyRepository) FindByServerAndRunID(ctx context.Context, serverID uuid.UUID, runID string) (*models.Journey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, upstream_run_id, server_id, first_seen_at, last_seen_at, cancelled
		 FROM journeys WHERE server_id = $1 AND upstream_run_id = $2`, serverID, runID)

	var j models.Journey
	var firstSeen, lastSeen sql.NullTime
	if err := row.Scan(&j.ID, &j.UpstreamRunID, &j.ServerID, &firstSeen, &lastSeen, &j.Cancelled); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding journey by run id: %w", err)
	}
	if firstSeen.Valid {
		j.FirstSeenAt = &firstSeen.Time
	}
	if lastSeen.Valid {
		j.LastSeenAt = &lastSeen.Time
	}
	return &j, nil
}

// InsertNew inserts a brand-new journey row with first_seen_at unset; no
// separate new-journey flag is stored.
func (r *JourneyRepository) InsertNew(ctx context.Context, j *models.Journey) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO journeys (id, upstream_run_id, server_id, cancelled) VALUES ($1,$2,$3,false)`,
		j.ID, j.UpstreamRunID, j.ServerID)
	if err != nil {
		return fmt.Errorf("inserting journey %s: %w", j.UpstreamRunID, err)
	}
	return nil
}

// WipeByID deletes a journey and its events/vehicles in one transaction.
// No collector calls it.
func (r *JourneyRepository) WipeByID(ctx context.Context, journeyID uuid.UUID) error {
	return r.db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM journey_vehicles WHERE journey_id = $1`, journeyID); err != nil {
			return fmt.Errorf("wiping vehicles for journey %s: %w", journeyID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journey_events WHERE journey_id = $1`, journeyID); err != nil {
			return fmt.Errorf("wiping events for journey %s: %w", journeyID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journeys WHERE id = $1`, journeyID); err != nil {
			return fmt.Errorf("wiping journey %s: %w", journeyID, err)
		}
		return nil
	})
}

// IsTimetableLocked reports whether first_seen_at is already set, meaning
// the timetable collector must not rewrite this journey's events.
func (r *JourneyRepository) IsTimetableLocked(ctx context.Context, journeyID uuid.UUID) (bool, error) {
	var firstSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT first_seen_at FROM journeys WHERE id = $1`, journeyID).Scan(&firstSeen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking timetable lock for journey %s: %w", journeyID, err)
	}
	return firstSeen.Valid, nil
}

// EventsSortedByIndex returns a journey's persisted events ordered by
// event_index, used both for timetable diffing and the realtime updater.
func (r *JourneyRepository) EventsSortedByIndex(ctx context.Context, journeyID uuid.UUID) ([]*models.JourneyEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, journey_id, type, event_index, point_id, category, number, type_name, line, label, max_speed,
		       scheduled_local, realtime_local, realtime_type, stop_type,
		       sched_track, sched_platform, real_track, real_platform,
		       cancelled, additional, in_playable_border
		FROM journey_events WHERE journey_id = $1 ORDER BY event_index ASC`, journeyID)
	if err != nil {
		return nil, fmt.Errorf("loading events for journey %s: %w", journeyID, err)
	}
	defer rows.Close()

	var out []*models.JourneyEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*models.JourneyEvent, error) {
	var e models.JourneyEvent
	var line, label, schedTrack, schedPlatform, realTrack, realPlatform sql.NullString
	if err := rows.Scan(&e.ID, &e.JourneyID, &e.Type, &e.Index, &e.PointID,
		&e.Transport.Category, &e.Transport.Number, &e.Transport.Type, &line, &label, &e.Transport.MaxSpeed,
		&e.ScheduledLocal, &e.RealtimeLocal, &e.RealtimeType, &e.StopType,
		&schedTrack, &schedPlatform, &realTrack, &realPlatform,
		&e.Cancelled, &e.Additional, &e.InPlayableBorder); err != nil {
		return nil, fmt.Errorf("scanning journey event: %w", err)
	}
	e.Transport.Line = line.String
	e.Transport.Label = label.String
	if schedTrack.Valid || schedPlatform.Valid {
		e.ScheduledStop = &models.PassengerStopInfo{Track: schedTrack.String, Platform: schedPlatform.String}
	}
	if realTrack.Valid || realPlatform.Valid {
		e.RealtimeStop = &models.PassengerStopInfo{Track: realTrack.String, Platform: realPlatform.String}
	}
	return &e, nil
}

// ReplaceEvents deletes a journey's current event rows and inserts the
// given list in one transaction. It does not compare the new list with
// the stored one; every call rewrites the rows.
func (r *JourneyRepository) ReplaceEvents(ctx context.Context, journeyID uuid.UUID, events []*models.JourneyEvent) error {
	return r.db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM journey_events WHERE journey_id = $1`, journeyID); err != nil {
			return fmt.Errorf("clearing events for journey %s: %w", journeyID, err)
		}
		for _, e := range events {
			if err := insertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateEvents persists the in-memory event list of a journey after the
// realtime updater mutates it, inside a single transaction.
func (r *JourneyRepository) UpdateEvents(ctx context.Context, events []*models.JourneyEvent) error {
	return r.db.WithTransaction(ctx, func(tx *Tx) error {
		for _, e := range events {
			if err := updateEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEvent(ctx context.Context, tx *Tx, e *models.JourneyEvent) error {
	schedTrack, schedPlatform := stopInfoColumns(e.ScheduledStop)
	realTrack, realPlatform := stopInfoColumns(e.RealtimeStop)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO journey_events (id, journey_id, type, event_index, point_id, category, number, type_name, line, label, max_speed,
			scheduled_local, realtime_local, realtime_type, stop_type,
			sched_track, sched_platform, real_track, real_platform,
			cancelled, additional, in_playable_border)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		e.ID, e.JourneyID, e.Type, e.Index, e.PointID,
		e.Transport.Category, e.Transport.Number, e.Transport.Type, nullString(e.Transport.Line), nullString(e.Transport.Label), e.Transport.MaxSpeed,
		e.ScheduledLocal, e.RealtimeLocal, e.RealtimeType, e.StopType,
		schedTrack, schedPlatform, realTrack, realPlatform,
		e.Cancelled, e.Additional, e.InPlayableBorder)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

func updateEvent(ctx context.Context, tx *Tx, e *models.JourneyEvent) error {
	realTrack, realPlatform := stopInfoColumns(e.RealtimeStop)
	_, err := tx.ExecContext(ctx, `
		UPDATE journey_events SET
			realtime_local = $2, realtime_type = $3, stop_type = $4,
			real_track = $5, real_platform = $6, cancelled = $7, additional = $8
		WHERE id = $1`,
		e.ID, e.RealtimeLocal, e.RealtimeType, e.StopType, realTrack, realPlatform, e.Cancelled, e.Additional)
	if err != nil {
		return fmt.Errorf("updating event %s: %w", e.ID, err)
	}
	return nil
}

func stopInfoColumns(info *models.PassengerStopInfo) (track, platform sql.NullString) {
	if info == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(info.Track), nullString(info.Platform)
}

// MarkFirstSeen sets first_seen_at once, the way a journey is "spawned".
func (r *JourneyRepository) MarkFirstSeen(ctx context.Context, journeyID uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE journeys SET first_seen_at = $2 WHERE id = $1 AND first_seen_at IS NULL`, journeyID, at)
	if err != nil {
		return fmt.Errorf("marking journey %s first seen: %w", journeyID, err)
	}
	return nil
}

// MarkLastSeen sets last_seen_at when a run disappears.
func (r *JourneyRepository) MarkLastSeen(ctx context.Context, journeyID uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE journeys SET last_seen_at = $2 WHERE id = $1`, journeyID, at)
	if err != nil {
		return fmt.Errorf("marking journey %s last seen: %w", journeyID, err)
	}
	return nil
}

// MarkCancelled sets cancelled=true on a journey and all of its events.
func (r *JourneyRepository) MarkCancelled(ctx context.Context, journeyID uuid.UUID, updateTime time.Time) error {
	return r.db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE journeys SET cancelled = true, update_time = $2 WHERE id = $1`, journeyID, updateTime); err != nil {
			return fmt.Errorf("cancelling journey %s: %w", journeyID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE journey_events SET cancelled = true WHERE journey_id = $1`, journeyID); err != nil {
			return fmt.Errorf("cancelling events for journey %s: %w", journeyID, err)
		}
		return nil
	})
}

// NeverSpawnedBefore returns journeys on serverID whose second playable
// departure event is scheduled strictly before localNow and whose
// first_seen_at is null (spec.md §4.10 cancellation-marking task).
func (r *JourneyRepository) NeverSpawnedBefore(ctx context.Context, serverID uuid.UUID, localNow time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT j.id FROM journeys j
		WHERE j.server_id = $1 AND j.first_seen_at IS NULL AND j.cancelled = false
		AND (
			SELECT e.scheduled_local FROM journey_events e
			WHERE e.journey_id = j.id AND e.type = 'DEPARTURE' AND e.in_playable_border = true
			ORDER BY e.event_index ASC OFFSET 1 LIMIT 1
		) < $2`, serverID, localNow)
	if err != nil {
		return nil, fmt.Errorf("finding never-spawned journeys: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleSince returns journeys with no data update since cutoff (spec.md
// §4.10 cleanup task: "no data update in the last 90 days").
func (r *JourneyRepository) StaleSince(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM journeys
		WHERE COALESCE(update_time, last_seen_at, first_seen_at) < $1
		   OR (update_time IS NULL AND last_seen_at IS NULL AND first_seen_at IS NULL)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding stale journeys: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCascade deletes a journey's vehicles, then events, then the
// journey itself, in that order (spec.md §4.10).
func (r *JourneyRepository) DeleteCascade(ctx context.Context, journeyID uuid.UUID) error {
	return r.db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM journey_vehicles WHERE journey_id = $1`, journeyID); err != nil {
			return fmt.Errorf("deleting vehicles for journey %s: %w", journeyID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journey_events WHERE journey_id = $1`, journeyID); err != nil {
			return fmt.Errorf("deleting events for journey %s: %w", journeyID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journeys WHERE id = $1`, journeyID); err != nil {
			return fmt.Errorf("deleting journey %s: %w", journeyID, err)
		}
		return nil
	})
}

// DispatchPostRepository persists DispatchPost entities.
type DispatchPostRepository struct{ db *DB }

func NewDispatchPostRepository(db *DB) *DispatchPostRepository { return &DispatchPostRepository{db: db} }

// Upsert persists a dispatch post's base information (gated to roughly
// every 5 minutes by the caller, spec.md §4.9).
func (r *DispatchPostRepository) Upsert(ctx context.Context, p *models.DispatchPost) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_posts (id, upstream_id, server_id, name, difficulty, lat, lon, point_id, image_urls, deleted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, difficulty = EXCLUDED.difficulty,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			point_id = EXCLUDED.point_id, image_urls = EXCLUDED.image_urls,
			deleted = EXCLUDED.deleted`,
		p.ID, p.UpstreamID, p.ServerID, p.Name, p.Difficulty,
		p.Position.Lat, p.Position.Lon, nullString(p.PointID), pqArray(p.ImageURLs), p.Deleted)
	if err != nil {
		return fmt.Errorf("upserting dispatch post %s: %w", p.UpstreamID, err)
	}
	return nil
}

// MarkDeletedNotIn tombstones posts absent from the current upstream list.
func (r *DispatchPostRepository) MarkDeletedNotIn(ctx context.Context, serverID uuid.UUID, keep []string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE dispatch_posts SET deleted = true WHERE server_id = $1 AND NOT (upstream_id = ANY($2)) AND deleted = false`,
		serverID, pqArray(keep))
	if err != nil {
		return fmt.Errorf("marking absent dispatch posts deleted: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func pqArray(values []string) string {
	if len(values) == 0 {
		return "{}"
	}
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}
