package timetable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/metrics"
	"github.com/simrail-mirror/collector/internal/models"
	"github.com/simrail-mirror/collector/internal/refdata"
	"github.com/simrail-mirror/collector/internal/store"
	"github.com/simrail-mirror/collector/internal/upstream"
)

// RawStop is one row of a run's upstream timetable.
type RawStop struct {
	PointID         string  `json:"pointId"`
	ArrivalSeconds  int     `json:"arrivalSeconds"`
	DepartureSeconds int    `json:"departureSeconds"`
	StopType        string  `json:"stopType"` // "", "PT", "PH"
	Track           string  `json:"track"`
	Platform        string  `json:"platform"`
	StationCategory string  `json:"stationCategory"`
	TrainCategory   string  `json:"trainCategory"`
	TrainNumber     string  `json:"trainNumber"`
	TrainType       string  `json:"trainType"`
	TrainDisplay    string  `json:"trainName"`
	MaxSpeed        int     `json:"maxSpeed"`
}

// RawRun is one run's complete upstream timetable.
type RawRun struct {
	RunID     string    `json:"runId"`
	Timetable []RawStop `json:"timetable"`
}

// Collector fetches and builds each run's scheduled event list once per
// period, respecting the timetable lock: a journey already observed
// running is left alone. For every other run the stored event list is
// replaced without first comparing it with the built one.
type Collector struct {
	aws      *upstream.AWSClient
	journeys *store.JourneyRepository
	points   refdata.PointProvider
	borders  refdata.BorderProvider
	log      *logger.Logger

	etag map[string]string // serverCode -> etag
}

// New builds a timetable Collector.
func New(aws *upstream.AWSClient, journeys *store.JourneyRepository, points refdata.PointProvider,
	borders refdata.BorderProvider, log *logger.Logger) *Collector {
	return &Collector{
		aws: aws, journeys: journeys, points: points, borders: borders, log: log,
		etag: make(map[string]string),
	}
}

// Run executes one cycle for serverID/serverCode/utcOffsetSec.
func (c *Collector) Run(ctx context.Context, serverID uuid.UUID, serverCode string, utcOffsetSec int) {
	start := time.Now()
	err := c.runOnce(ctx, serverID, serverCode, utcOffsetSec)
	metrics.RecordCycle("timetable", serverCode, time.Since(start), err)
	if err != nil && c.log != nil {
		c.log.WithError(err).WithFields(logger.Fields{"server": serverCode}).Error("timetable collector cycle failed")
	}
}

func (c *Collector) runOnce(ctx context.Context, serverID uuid.UUID, serverCode string, utcOffsetSec int) error {
	resp := c.aws.TrainRuns(ctx, serverCode, c.etag[serverCode])
	if resp.NotModified() || !resp.Fresh() {
		return nil
	}
	c.etag[serverCode] = resp.Etag

	var runs []RawRun
	if err := json.Unmarshal(resp.Body, &runs); err != nil {
		return fmt.Errorf("decoding timetables for %s: %w", serverCode, err)
	}

	pointAdapter := &pointLookupAdapter{ctx: ctx, points: c.points}
	borderAdapter := &borderLookupAdapter{ctx: ctx, borders: c.borders}

	for _, run := range runs {
		if err := c.processRun(ctx, serverID, run, utcOffsetSec, pointAdapter, borderAdapter); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(logger.Fields{"server": serverCode, "run": run.RunID}).Warn("failed to process timetable run")
		}
	}
	return nil
}

func (c *Collector) processRun(ctx context.Context, serverID uuid.UUID, run RawRun, utcOffsetSec int,
	points PointLookup, borders BorderLookup) error {
	journeyID := models.JourneyID(serverID, run.RunID)

	locked, err := c.journeys.IsTimetableLocked(ctx, journeyID)
	if err != nil {
		return err
	}
	if locked {
		return nil
	}

	existing, err := c.journeys.FindByServerAndRunID(ctx, serverID, run.RunID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := c.journeys.InsertNew(ctx, &models.Journey{ID: journeyID, UpstreamRunID: run.RunID, ServerID: serverID}); err != nil {
			return err
		}
	}

	entries := toEntries(run.Timetable)
	events := Build(utcOffsetSec, entries, points, borders)
	for _, e := range events {
		e.JourneyID = journeyID
		e.ID = models.JourneyEventID(journeyID, e.PointID, e.ScheduledLocal.Format(time.RFC3339), e.Type)
	}

	return c.journeys.ReplaceEvents(ctx, journeyID, events)
}

func toEntries(stops []RawStop) []Entry {
	out := make([]Entry, 0, len(stops))
	for _, s := range stops {
		out = append(out, Entry{
			PointID:         s.PointID,
			ArrivalClock:    time.Duration(s.ArrivalSeconds) * time.Second,
			DepartureClock:  time.Duration(s.DepartureSeconds) * time.Second,
			StopType:        parseUpstreamStopType(s.StopType),
			Track:           s.Track,
			Platform:        s.Platform,
			StationCategory: s.StationCategory,
			TrainCategory:   s.TrainCategory,
			TrainNumber:     s.TrainNumber,
			TrainType:       s.TrainType,
			TrainDisplay:    s.TrainDisplay,
			MaxSpeed:        s.MaxSpeed,
		})
	}
	return out
}

func parseUpstreamStopType(s string) UpstreamStopType {
	switch s {
	case "PT":
		return StopUpstreamPT
	case "PH":
		return StopUpstreamPH
	default:
		return StopUpstreamNone
	}
}

// pointLookupAdapter adapts refdata.PointProvider (context-taking) to
// Build's context-free PointLookup.
type pointLookupAdapter struct {
	ctx    context.Context
	points refdata.PointProvider
}

func (a *pointLookupAdapter) Resolve(pointID string) (string, bool) {
	p, ok := a.points.ByID(a.ctx, pointID)
	if !ok {
		return "", false
	}
	return p.ID, true
}

func (a *pointLookupAdapter) Aliases(canonicalID string) []string {
	p, ok := a.points.ByID(a.ctx, canonicalID)
	if !ok {
		return []string{canonicalID}
	}
	return append([]string{p.ID}, p.SimRailPointIDs...)
}

// borderLookupAdapter adapts refdata.BorderProvider to Build's
// context-free BorderLookup.
type borderLookupAdapter struct {
	ctx     context.Context
	borders refdata.BorderProvider
}

func (a *borderLookupAdapter) Border(pointID string) ([]string, bool) {
	b, ok := a.borders.ByUpstreamID(a.ctx, pointID)
	if !ok {
		return nil, false
	}
	return b.RequiredNextPoints, true
}
