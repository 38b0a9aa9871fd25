// Package train implements the realtime train collector (spec.md §4.7):
// a bounded worker pool diffing live train lists and positions into
// journey update holders, and driving the realtime event updater.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/cache"
	"github.com/simrail-mirror/collector/internal/dirty"
	"github.com/simrail-mirror/collector/internal/eventbus"
	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/metrics"
	"github.com/simrail-mirror/collector/internal/models"
	"github.com/simrail-mirror/collector/internal/realtime"
	"github.com/simrail-mirror/collector/internal/refdata"
	"github.com/simrail-mirror/collector/internal/store"
	"github.com/simrail-mirror/collector/internal/upstream"
)

// RawTrain is one entry from the panel trains-open endpoint.
type RawTrain struct {
	RunID       string
	UpstreamID  string
	Lat, Lon    float64
	Speed       float64
	SteamID     string
	XboxID      string
	NextSignal  string
	SignalDist  float64
	SignalSpeed float64
	HasPosition bool
}

// RawPosition is one entry from the panel train-positions-open endpoint.
type RawPosition struct {
	UpstreamID string
	Lat, Lon   float64
	Speed      float64
}

const latchTimeout = 20 * time.Second

// Server is one server's worth of collector state (spec.md's
// ServerCollectorData). One Server runs its own per-cycle work on the
// shared bounded worker pool.
type Server struct {
	ServerID   uuid.UUID
	ServerCode string
	Data       *models.ServerCollectorData
}

// Collector runs the periodic per-server realtime train diff.
type Collector struct {
	panel    *upstream.PanelClient
	cache    *cache.SnapshotCache
	bus      *eventbus.Bus
	journeys *store.JourneyRepository
	points   refdata.PointProvider
	updater  *realtime.Updater
	log      *logger.Logger
	pool     chan struct{} // synchronous-handoff bounded worker pool
}

// New builds a train Collector with a worker pool sized to poolSize
// (spec.md §4.7: "15-30 workers, synchronous-handoff queue").
func New(poolSize int, panel *upstream.PanelClient, sc *cache.SnapshotCache, bus *eventbus.Bus,
	journeys *store.JourneyRepository, points refdata.PointProvider, updater *realtime.Updater, log *logger.Logger) *Collector {
	return &Collector{
		panel: panel, cache: sc, bus: bus, journeys: journeys, points: points, updater: updater, log: log,
		pool: make(chan struct{}, poolSize),
	}
}

// Run dispatches one cycle for every server onto the bounded worker pool.
// Rejected submissions (pool saturated) are dropped and do not block the
// caller (spec.md §4.7, §5, §9).
func (c *Collector) Run(ctx context.Context, servers []*Server) {
	for _, srv := range servers {
		srv := srv
		select {
		case c.pool <- struct{}{}:
			go func() {
				defer func() { <-c.pool }()
				c.runWithLatch(ctx, srv)
			}()
		default:
			if c.log != nil {
				c.log.WithFields(logger.Fields{"server": srv.ServerCode}).Warn("train collector worker pool saturated, dropping cycle")
			}
		}
	}
}

func (c *Collector) runWithLatch(ctx context.Context, srv *Server) {
	done := make(chan struct{})
	start := time.Now()
	var err error
	go func() {
		err = c.runOnce(ctx, srv)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(latchTimeout):
		if c.log != nil {
			c.log.WithFields(logger.Fields{"server": srv.ServerCode}).Warn("train collector cycle exceeded latch timeout")
		}
		<-done
	}
	metrics.RecordCycle("train", srv.ServerCode, time.Since(start), err)
	if err != nil && c.log != nil {
		c.log.WithError(err).WithFields(logger.Fields{"server": srv.ServerCode}).Error("train collector cycle failed")
	}
}

func (c *Collector) runOnce(ctx context.Context, srv *Server) error {
	activeRunIDs := make(map[string]struct{})

	trainsResp := c.panel.Trains(ctx, srv.ServerCode, srv.Data.TrainsEtag)
	if trainsResp.Fresh() {
		srv.Data.TrainsEtag = trainsResp.Etag
		env, err := upstream.DecodeEnvelope[RawTrain](trainsResp.Body)
		if err == nil {
			for _, raw := range env.Entries {
				if !raw.HasPosition {
					continue
				}
				activeRunIDs[raw.RunID] = struct{}{}
				c.upsertFromTrain(srv, raw)
			}
		}
	}

	positionsResp := c.panel.TrainPositions(ctx, srv.ServerCode, srv.Data.PositionsEtag)
	if positionsResp.Fresh() {
		srv.Data.PositionsEtag = positionsResp.Etag
		env, err := upstream.DecodeEnvelope[RawPosition](positionsResp.Body)
		if err == nil {
			for _, raw := range env.Entries {
				c.applyPosition(srv, raw)
			}
		}
	}

	dirtyHolders := c.collectDirty(srv)
	for runID, dj := range dirtyHolders {
		if err := c.publishHolder(ctx, srv, runID, dj); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(logger.Fields{"server": srv.ServerCode, "run": runID}).Warn("failed to publish journey update")
		}
	}

	return c.reconcileDisappearances(ctx, srv, activeRunIDs)
}

func (c *Collector) upsertFromTrain(srv *Server, raw RawTrain) {
	holder, exists := srv.Data.Holders[raw.RunID]
	if !exists {
		if raw.Lat == 0 && raw.Lon == 0 {
			return
		}
		holder = &models.JourneyUpdateHolder{
			UpstreamRunID: raw.RunID,
			JourneyID:     models.JourneyID(srv.ServerID, raw.RunID),
		}
		holder.MarkSpeed(int(math.Round(raw.Speed)))
		holder.MarkPosition(models.Position{Lat: raw.Lat, Lon: raw.Lon})
		srv.Data.Holders[raw.RunID] = holder
	}
	srv.Data.RunIDByTrain[raw.UpstreamID] = raw.RunID

	driver := driverFromIDs(raw.SteamID, raw.XboxID)
	holder.MarkDriver(driver)

	signal := buildNextSignal(raw.NextSignal, raw.SignalDist, raw.SignalSpeed)
	holder.MarkNextSignal(signal)
	holder.MarkNextSignalID(raw.NextSignal)
}

func (c *Collector) applyPosition(srv *Server, raw RawPosition) {
	runID, ok := srv.Data.RunIDByTrain[raw.UpstreamID]
	if !ok {
		return
	}
	holder, ok := srv.Data.Holders[runID]
	if !ok {
		return
	}
	speed := int(math.Round(raw.Speed))
	if speed < 0 {
		speed = 0
	}
	holder.MarkSpeed(speed)
	holder.MarkPosition(models.Position{Lat: raw.Lat, Lon: raw.Lon})
}

// dirtyJourney pairs a holder with the bitmap snapshot consumed for it this
// cycle, so publishHolder can tell which fields actually changed this
// cycle rather than relying on Present (which stays true forever once a
// field is first observed).
type dirtyJourney struct {
	holder   *models.JourneyUpdateHolder
	snapshot uint64
}

func (c *Collector) collectDirty(srv *Server) map[string]dirtyJourney {
	out := make(map[string]dirtyJourney)
	for runID, holder := range srv.Data.Holders {
		if snapshot, any := holder.ConsumeDirty(); any {
			out[runID] = dirtyJourney{holder: holder, snapshot: snapshot}
		}
	}
	return out
}

func (c *Collector) publishHolder(ctx context.Context, srv *Server, runID string, dj dirtyJourney) error {
	holder := dj.holder
	frame, existed := c.cache.FindByPrimary(ctx, models.FrameJourney, holder.JourneyID.String())
	var snap models.JourneySnapshot
	if existed && frame.Journey != nil {
		snap = *frame.Journey
	}

	snap.JourneyID = holder.JourneyID
	snap.ServerID = srv.ServerID
	snap.UpstreamRunID = runID
	previousPointID := snap.CurrentPointID

	if holder.Speed.Present {
		snap.Speed = holder.Speed.Value
	}
	if holder.Driver.Present {
		d := holder.Driver.Value
		snap.Driver = &d
	}
	if holder.NextSignal.Present {
		ns := holder.NextSignal.Value
		snap.NextSignal = &ns
	}
	if holder.NextSignalID.Present {
		snap.NextSignalID = holder.NextSignalID.Value
	}

	var req realtime.Request
	if holder.Position.Present {
		pos := holder.Position.Value
		snap.Position = pos
		if pt, found := c.points.ByPosition(ctx, pos); found {
			if pt.ID != previousPointID {
				snap.CurrentPointID = pt.ID
				req = realtime.PointChange{
					JourneyID:       holder.JourneyID,
					ServerLocalTime: time.Now(),
					HasPrev:         previousPointID != "",
					PrevPointID:     previousPointID,
					HasCurr:         true,
					CurrPoint:       pt.ID,
					HasSignal:       holder.NextSignalID.Present,
					NextSignal:      holder.NextSignalID.Value,
				}
			} else if dirty.IsSet(dj.snapshot, models.BitNextSignalID) {
				req = realtime.SignalUpdate{
					JourneyID:       holder.JourneyID,
					ServerLocalTime: time.Now(),
					CurrPoint:       pt.ID,
					NextSignalName:  holder.NextSignalID.Value,
				}
			}
		}
	}

	if !existed {
		if err := c.journeys.MarkFirstSeen(ctx, holder.JourneyID, time.Now()); err != nil {
			return fmt.Errorf("marking journey %s first seen: %w", holder.JourneyID, err)
		}
	}

	newFrame := &models.SnapshotFrame{
		ID:        models.FrameID{PrimaryID: holder.JourneyID.String(), ServerID: srv.ServerID.String(), SecondaryID: runID},
		Kind:      models.FrameJourney,
		Timestamp: time.Now().UnixNano(),
		Journey:   &snap,
	}
	if err := c.cache.Set(ctx, newFrame); err != nil {
		return err
	}
	if err := c.cache.Mirror(ctx, newFrame); err != nil && c.log != nil {
		c.log.WithError(err).WithFields(logger.Fields{"server": srv.ServerCode, "run": runID}).Warn("failed to mirror journey frame")
	}

	payload, err := json.Marshal(newFrame)
	if err != nil {
		return fmt.Errorf("marshaling journey frame %s: %w", holder.JourneyID, err)
	}
	if err := c.bus.PublishUpdate(ctx, eventbus.DomainJourney, srv.ServerID.String(), holder.JourneyID.String(), payload); err != nil {
		return err
	}

	if req != nil && c.updater != nil {
		c.updater.Enqueue(req)
	}
	return nil
}

func (c *Collector) reconcileDisappearances(ctx context.Context, srv *Server, activeRunIDs map[string]struct{}) error {
	gone := c.cache.FindBySecondaryNotIn(ctx, models.FrameJourney, activeRunIDs)
	for _, frame := range gone {
		if frame.ID.ServerID != srv.ServerID.String() {
			continue
		}
		journeyID, err := uuid.Parse(frame.ID.PrimaryID)
		if err != nil {
			continue
		}
		now := time.Now()
		if err := c.journeys.MarkLastSeen(ctx, journeyID, now); err != nil {
			return fmt.Errorf("marking journey %s last seen: %w", journeyID, err)
		}
		if err := c.cache.RemoveByPrimary(ctx, models.FrameJourney, frame.ID.PrimaryID, frame.ID.SecondaryID); err != nil {
			return err
		}
		if err := c.cache.UnmirrorByPrimary(ctx, frame.ID.PrimaryID); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(logger.Fields{"server": srv.ServerCode}).Warn("failed to unmirror journey frame")
		}
		payload, _ := json.Marshal(&models.RemovalFrame{ID: frame.ID, Kind: models.FrameJourney})
		if err := c.bus.PublishRemove(ctx, eventbus.DomainJourney, srv.ServerID.String(), frame.ID.PrimaryID, payload); err != nil {
			return err
		}
		if c.updater != nil {
			c.updater.Enqueue(realtime.Removal{JourneyID: journeyID, ServerLocalTime: now})
		}
		delete(srv.Data.Holders, frame.ID.SecondaryID)
		for upstreamID, runID := range srv.Data.RunIDByTrain {
			if runID == frame.ID.SecondaryID {
				delete(srv.Data.RunIDByTrain, upstreamID)
			}
		}
	}
	return nil
}

func driverFromIDs(steamID, xboxID string) models.DriverUser {
	if steamID != "" {
		return models.DriverUser{ID: steamID, Platform: models.PlatformSteam}
	}
	return models.DriverUser{ID: xboxID, Platform: models.PlatformXbox}
}

// buildNextSignal truncates the signal name at '@', rounds distance to
// the nearest 10m, and drops the upstream max-speed sentinel (spec.md
// §4.7: "next-signal construction").
func buildNextSignal(rawName string, distance, maxSpeedKph float64) models.NextSignal {
	name := rawName
	if idx := strings.IndexByte(rawName, '@'); idx >= 0 {
		name = rawName[:idx]
	}
	rounded := int(math.Round(distance/10) * 10)

	ns := models.NextSignal{Name: name, Distance: rounded}
	if maxSpeedKph > 0 && maxSpeedKph < 500 {
		ns.MaxSpeed = int(maxSpeedKph)
	}
	return ns
}
