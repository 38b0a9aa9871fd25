// Package refdata provides the three read-only reference-data lookups the
// collectors and the realtime updater depend on: points (by id, by name,
// by containing position), border points, and platform-signal mappings.
// Production of this data is out of scope — these providers only consume
// a dataset assumed already populated by an external collaborator.
package refdata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/simrail-mirror/collector/internal/models"
)

// Point is a station or stopping place known to the reference provider.
type Point struct {
	ID              string
	Name            string
	Position        models.Position
	MinLat, MaxLat  float64
	MinLon, MaxLon  float64
	SimRailPointIDs []string // alias ids that merge into this point
	HasSchedule     bool     // true when JIT insertion at this point needs a scheduled prefix
	MaxSpeed        int      // km/h line-speed cap in effect at this point; 0 when unrestricted
}

// BorderPoint describes a point's participation in the playable border.
type BorderPoint struct {
	PointID            string
	RequiredNextPoints []string // empty means "simple toggle" semantics
}

// PlatformSignal maps a (point, signal name) pair to the track/platform it sits on.
type PlatformSignal struct {
	Track    string
	Platform string
}

// PointProvider resolves points by id, name, or containing position.
type PointProvider interface {
	ByID(ctx context.Context, id string) (Point, bool)
	ByName(ctx context.Context, name string) (Point, bool)
	ByPosition(ctx context.Context, pos models.Position) (Point, bool)
}

// BorderProvider resolves a point's playable-border participation.
type BorderProvider interface {
	ByUpstreamID(ctx context.Context, pointID string) (BorderPoint, bool)
}

// PlatformSignalProvider resolves a signal's platform assignment.
type PlatformSignalProvider interface {
	Lookup(ctx context.Context, pointID, signalName string) (PlatformSignal, bool)
}

// SceneryProvider resolves the fixed default scenery tag for servers that
// don't declare one.
type SceneryProvider interface {
	Default() string
}

// PlatformLookupAdapter reshapes Store.Lookup's (PlatformSignal, bool)
// result into the (track, platform string, found bool) triple
// internal/realtime's updater expects.
type PlatformLookupAdapter struct {
	Store *Store
}

// Lookup implements realtime.PlatformLookup.
func (a *PlatformLookupAdapter) Lookup(ctx context.Context, pointID, signalName string) (string, string, bool) {
	ps, ok := a.Store.Lookup(ctx, pointID, signalName)
	if !ok {
		return "", "", false
	}
	return ps.Track, ps.Platform, true
}

// Store is the combined read-only reference-data provider, backed by a
// Postgres-resident dataset (populated externally) and accelerated by a
// Redis geo-index for the position-containment lookup.
type Store struct {
	db    *sql.DB
	redis *redis.Client

	mu          sync.RWMutex
	byID        map[string]Point
	byName      map[string]Point
	byAlias     map[string]string // alias id -> canonical point id
	borders     map[string]BorderPoint
	platforms   map[string]PlatformSignal // key: pointID + "\x00" + signalName
	defaultScenery string
}

const geoIndexKey = "refdata:points:geo"

// NewStore constructs a Store over db and redis. Call Reload once at
// startup before any collector runs.
func NewStore(db *sql.DB, rdb *redis.Client, defaultScenery string) *Store {
	return &Store{
		db:             db,
		redis:          rdb,
		byID:           make(map[string]Point),
		byName:         make(map[string]Point),
		byAlias:        make(map[string]string),
		borders:        make(map[string]BorderPoint),
		platforms:      make(map[string]PlatformSignal),
		defaultScenery: defaultScenery,
	}
}

// Reload refreshes the in-memory index from the durable store and
// rebuilds the Redis geo-index used for position lookups.
func (s *Store) Reload(ctx context.Context) error {
	points, err := s.loadPoints(ctx)
	if err != nil {
		return fmt.Errorf("loading reference points: %w", err)
	}
	borders, err := s.loadBorders(ctx)
	if err != nil {
		return fmt.Errorf("loading border points: %w", err)
	}
	platforms, err := s.loadPlatformSignals(ctx)
	if err != nil {
		return fmt.Errorf("loading platform signals: %w", err)
	}

	byID := make(map[string]Point, len(points))
	byName := make(map[string]Point, len(points))
	byAlias := make(map[string]string)
	for _, p := range points {
		byID[p.ID] = p
		byName[p.Name] = p
		for _, alias := range p.SimRailPointIDs {
			byAlias[alias] = p.ID
		}
	}

	if s.redis != nil {
		pipe := s.redis.Pipeline()
		pipe.Del(ctx, geoIndexKey)
		for _, p := range points {
			pipe.GeoAdd(ctx, geoIndexKey, &redis.GeoLocation{
				Name:      p.ID,
				Longitude: p.Position.Lon,
				Latitude:  p.Position.Lat,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rebuilding geo index: %w", err)
		}
	}

	s.mu.Lock()
	s.byID = byID
	s.byName = byName
	s.byAlias = byAlias
	s.borders = borders
	s.platforms = platforms
	s.mu.Unlock()
	return nil
}

// ByID resolves a point by its upstream id, following aliases.
func (s *Store) ByID(ctx context.Context, id string) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byID[id]; ok {
		return p, true
	}
	if canonical, ok := s.byAlias[id]; ok {
		p, ok := s.byID[canonical]
		return p, ok
	}
	return Point{}, false
}

// ByName resolves a point by its display name.
func (s *Store) ByName(ctx context.Context, name string) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	return p, ok
}

// ByPosition resolves the point whose bounding box contains pos. The
// Redis geo-index narrows the candidate set (nearby points) before the
// bounding-box check runs in memory, the way the teacher's
// GeospatialCache uses GeoRadius to narrow before a precise check.
func (s *Store) ByPosition(ctx context.Context, pos models.Position) (Point, bool) {
	candidates := s.nearbyCandidates(ctx, pos)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range candidates {
		if p, ok := s.byID[id]; ok && containsPosition(p, pos) {
			return p, true
		}
	}
	return Point{}, false
}

func (s *Store) nearbyCandidates(ctx context.Context, pos models.Position) []string {
	if s.redis == nil {
		return s.allPointIDs()
	}
	res, err := s.redis.GeoRadius(ctx, geoIndexKey, pos.Lon, pos.Lat, &redis.GeoRadiusQuery{
		Radius: 5,
		Unit:   "km",
		Count:  50,
	}).Result()
	if err != nil {
		return s.allPointIDs()
	}
	ids := make([]string, 0, len(res))
	for _, loc := range res {
		ids = append(ids, loc.Name)
	}
	return ids
}

func (s *Store) allPointIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids
}

func containsPosition(p Point, pos models.Position) bool {
	return pos.Lat >= p.MinLat && pos.Lat <= p.MaxLat && pos.Lon >= p.MinLon && pos.Lon <= p.MaxLon
}

// ByUpstreamID resolves a point's border participation.
func (s *Store) ByUpstreamID(ctx context.Context, pointID string) (BorderPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.borders[pointID]
	return b, ok
}

// Lookup resolves a signal's platform assignment.
func (s *Store) Lookup(ctx context.Context, pointID, signalName string) (PlatformSignal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.platforms[pointID+"\x00"+signalName]
	return ps, ok
}

// Default returns the fixed scenery tag used when a server reports none.
func (s *Store) Default() string {
	return s.defaultScenery
}

// HasSchedulePrefix reports whether pointID requires a scheduled stop
// before the realtime updater may JIT-insert an event there (spec.md
// §4.8's "never invent a stop at a point with no timetable presence").
func (s *Store) HasSchedulePrefix(pointID string) bool {
	p, ok := s.ByID(context.Background(), pointID)
	return ok && p.HasSchedule
}

// MaxSpeedFor returns the declared line-speed cap at pointID.
func (s *Store) MaxSpeedFor(pointID string) (int, bool) {
	p, ok := s.ByID(context.Background(), pointID)
	if !ok || p.MaxSpeed <= 0 {
		return 0, false
	}
	return p.MaxSpeed, true
}

func (s *Store) loadPoints(ctx context.Context) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.lat, p.lon, p.min_lat, p.max_lat, p.min_lon, p.max_lon,
		       p.has_schedule, p.max_speed,
		       COALESCE(array_agg(a.alias_id) FILTER (WHERE a.alias_id IS NOT NULL), '{}')
		FROM reference_points p
		LEFT JOIN reference_point_aliases a ON a.point_id = p.id
		GROUP BY p.id, p.name, p.lat, p.lon, p.min_lat, p.max_lat, p.min_lon, p.max_lon, p.has_schedule, p.max_speed`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		var aliases []string
		if err := rows.Scan(&p.ID, &p.Name, &p.Position.Lat, &p.Position.Lon,
			&p.MinLat, &p.MaxLat, &p.MinLon, &p.MaxLon, &p.HasSchedule, &p.MaxSpeed,
			aliasScanner{&aliases}); err != nil {
			return nil, err
		}
		p.SimRailPointIDs = aliases
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadBorders(ctx context.Context) (map[string]BorderPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.point_id,
		       COALESCE(array_agg(r.required_point_id) FILTER (WHERE r.required_point_id IS NOT NULL), '{}')
		FROM reference_border_points b
		LEFT JOIN reference_border_required_points r ON r.point_id = b.point_id
		GROUP BY b.point_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]BorderPoint)
	for rows.Next() {
		var b BorderPoint
		var required []string
		if err := rows.Scan(&b.PointID, aliasScanner{&required}); err != nil {
			return nil, err
		}
		b.RequiredNextPoints = required
		out[b.PointID] = b
	}
	return out, rows.Err()
}

func (s *Store) loadPlatformSignals(ctx context.Context) (map[string]PlatformSignal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT point_id, signal_name, track, platform FROM reference_platform_signals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]PlatformSignal)
	for rows.Next() {
		var pointID, signal string
		var ps PlatformSignal
		if err := rows.Scan(&pointID, &signal, &ps.Track, &ps.Platform); err != nil {
			return nil, err
		}
		out[pointID+"\x00"+signal] = ps
	}
	return out, rows.Err()
}

// aliasScanner adapts a Postgres text[] column into a []string target via
// database/sql's Scanner interface without pulling in a full array helper
// library for a handful of call sites.
type aliasScanner struct {
	dest *[]string
}

func (a aliasScanner) Scan(src any) error {
	var arr string
	switch v := src.(type) {
	case string:
		arr = v
	case []byte:
		arr = string(v)
	}
	if arr == "" {
		*a.dest = nil
		return nil
	}
	*a.dest = parsePostgresArray(arr)
	return nil
}

func parsePostgresArray(s string) []string {
	s = trimBraces(s)
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func trimBraces(s string) string {
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return s[1 : len(s)-1]
	}
	return s
}
