package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/metrics"
	"github.com/simrail-mirror/collector/internal/models"
)

// EventStore is the persistence surface the updater needs: load a
// journey's events sorted by index, and persist the mutated list
// transactionally. Implemented by internal/store.JourneyRepository.
type EventStore interface {
	EventsSortedByIndex(ctx context.Context, journeyID uuid.UUID) ([]*models.JourneyEvent, error)
	ReplaceEvents(ctx context.Context, journeyID uuid.UUID, events []*models.JourneyEvent) error
	UpdateEvents(ctx context.Context, events []*models.JourneyEvent) error
	MarkLastSeen(ctx context.Context, journeyID uuid.UUID, at time.Time) error
}

// PointMeta resolves the per-point facts the updater needs: whether a
// point requires scheduling (a "prefix") and its declared max speed.
type PointMeta interface {
	HasSchedulePrefix(pointID string) bool
	MaxSpeedFor(pointID string) (int, bool)
}

// PlatformLookup resolves a (point, signal) pair to its platform info.
type PlatformLookup interface {
	Lookup(ctx context.Context, pointID, signalName string) (track, platform string, found bool)
}

const maxRetries = 5

// Updater is the single-writer queue consumer.
type Updater struct {
	queue     chan Request
	store     EventStore
	points    PointMeta
	platforms PlatformLookup
	log       *logger.Logger

	done chan struct{}
}

// New builds an Updater. queueSize bounds the blocking queue (spec.md
// §5: "Realtime-event-updater takes from a blocking queue; one consumer
// thread").
func New(queueSize int, store EventStore, points PointMeta, platforms PlatformLookup, log *logger.Logger) *Updater {
	return &Updater{
		queue:     make(chan Request, queueSize),
		store:     store,
		points:    points,
		platforms: platforms,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Enqueue submits a request. Blocks if the queue is full, providing the
// backpressure spec.md §9 calls for ("do not buffer unbounded").
func (u *Updater) Enqueue(req Request) {
	u.queue <- req
	metrics.RealtimeUpdaterQueueDepth.Set(float64(len(u.queue)))
}

// Run consumes requests until ctx is cancelled, in one worker
// (spec.md §4.8). Wait blocks until Run has returned.
func (u *Updater) Run(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case req := <-u.queue:
			metrics.RealtimeUpdaterQueueDepth.Set(float64(len(u.queue)))
			u.processWithRetry(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until Run has exited.
func (u *Updater) Wait() { <-u.done }

func (u *Updater) processWithRetry(ctx context.Context, req Request) {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = u.process(ctx, req)
		if err == nil {
			return
		}
		metrics.RealtimeUpdaterRetries.Inc()
		if u.log != nil {
			u.log.WithError(err).WithFields(logger.Fields{
				"journey_id": req.journeyID(),
				"attempt":    attempt + 1,
			}).Warn("realtime updater request failed, retrying")
		}
	}
	if u.log != nil && err != nil {
		u.log.WithError(err).WithFields(logger.Fields{"journey_id": req.journeyID()}).Error("realtime updater request exhausted retries")
	}
}

func (u *Updater) process(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case Removal:
		return u.handleRemoval(ctx, r)
	case PointChange:
		return u.handlePointChange(ctx, r)
	case SignalUpdate:
		return u.handleSignalUpdate(ctx, r)
	default:
		return fmt.Errorf("unknown realtime updater request type %T", req)
	}
}

func (u *Updater) handleRemoval(ctx context.Context, r Removal) error {
	events, err := u.store.EventsSortedByIndex(ctx, r.JourneyID)
	if err != nil {
		return fmt.Errorf("loading events for removal of journey %s: %w", r.JourneyID, err)
	}
	if len(events) == 0 {
		return nil
	}

	var changed []*models.JourneyEvent
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.RealtimeType == models.TimeReal {
			break
		}
		if e.Cancelled {
			break
		}
		e.Cancelled = true
		changed = append(changed, e)
	}
	if len(changed) == 0 {
		return nil
	}
	if err := u.store.UpdateEvents(ctx, changed); err != nil {
		return fmt.Errorf("persisting removal cancellation for journey %s: %w", r.JourneyID, err)
	}
	return nil
}

func (u *Updater) handlePointChange(ctx context.Context, r PointChange) error {
	events, err := u.store.EventsSortedByIndex(ctx, r.JourneyID)
	if err != nil {
		return fmt.Errorf("loading events for point change of journey %s: %w", r.JourneyID, err)
	}

	var dirty []*models.JourneyEvent

	if r.HasPrev {
		if idx := findEvent(events, models.EventDeparture, r.PrevPointID); idx >= 0 {
			dirty = append(dirty, confirmAndRePredict(events, idx, r.ServerLocalTime)...)
		}
	}

	if r.HasCurr {
		idx := findEvent(events, models.EventArrival, r.CurrPoint)
		if idx < 0 {
			inserted, ok := u.tryInsertJIT(events, r)
			if ok {
				events = inserted
				idx = findEvent(events, models.EventArrival, r.CurrPoint)
				if idx >= 0 {
					dirty = append(dirty, events[idx])
					if idx+1 < len(events) {
						dirty = append(dirty, events[idx+1])
					}
					applyPlatformInference(ctx, u.platforms, events, idx, r.NextSignal)
					if events[idx].RealtimeType != models.TimeReal {
						dirty = append(dirty, confirmAndRePredict(events, idx, r.ServerLocalTime)...)
					}
					if err := u.store.ReplaceEvents(ctx, r.JourneyID, events); err != nil {
						return fmt.Errorf("persisting JIT insertion for journey %s: %w", r.JourneyID, err)
					}
					return nil
				}
			}
		} else {
			if events[idx].RealtimeType != models.TimeReal {
				applyPlatformInference(ctx, u.platforms, events, idx, r.NextSignal)
				dirty = append(dirty, confirmAndRePredict(events, idx, r.ServerLocalTime)...)
			}
		}
	}

	if len(dirty) == 0 {
		return nil
	}
	if err := u.store.UpdateEvents(ctx, dedupe(dirty)); err != nil {
		return fmt.Errorf("persisting point change for journey %s: %w", r.JourneyID, err)
	}
	return nil
}

func (u *Updater) handleSignalUpdate(ctx context.Context, r SignalUpdate) error {
	events, err := u.store.EventsSortedByIndex(ctx, r.JourneyID)
	if err != nil {
		return fmt.Errorf("loading events for signal update of journey %s: %w", r.JourneyID, err)
	}
	idx := findEventByStopType(events, r.CurrPoint, models.StopPassenger)
	if idx < 0 {
		return nil
	}

	if u.platforms == nil {
		return nil
	}
	track, platform, found := u.platforms.Lookup(ctx, r.CurrPoint, r.NextSignalName)
	if !found {
		return nil
	}

	var dirty []*models.JourneyEvent
	events[idx].RealtimeStop = &models.PassengerStopInfo{Track: track, Platform: platform}
	dirty = append(dirty, events[idx])
	if idx+1 < len(events) && events[idx+1].Type == models.EventDeparture {
		events[idx+1].RealtimeStop = &models.PassengerStopInfo{Track: track, Platform: platform}
		dirty = append(dirty, events[idx+1])
	}

	if err := u.store.UpdateEvents(ctx, dirty); err != nil {
		return fmt.Errorf("persisting signal update for journey %s: %w", r.JourneyID, err)
	}
	return nil
}

// tryInsertJIT inserts a just-in-time ARRIVAL/DEPARTURE pair at
// r.CurrPoint, applying all the gating rules in spec.md §4.8.
func (u *Updater) tryInsertJIT(events []*models.JourneyEvent, r PointChange) ([]*models.JourneyEvent, bool) {
	if u.points != nil && !u.points.HasSchedulePrefix(r.CurrPoint) {
		return events, false
	}

	lastRealDepartureIdx := -1
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].RealtimeType == models.TimeReal {
			if events[i].Type == models.EventDeparture {
				lastRealDepartureIdx = i
			}
			break
		}
	}
	if lastRealDepartureIdx == -1 {
		// No REAL departure exists yet: journey just started.
		return events, false
	}
	if events[lastRealDepartureIdx].PointID == r.CurrPoint {
		return events, false
	}

	prev := events[lastRealDepartureIdx]
	maxSpeed := prev.Transport.MaxSpeed
	if u.points != nil {
		if pointMax, ok := u.points.MaxSpeedFor(r.CurrPoint); ok && pointMax < maxSpeed {
			maxSpeed = pointMax
		}
	}

	transport := prev.Transport
	transport.MaxSpeed = maxSpeed

	scheduled := roundToMinute(r.ServerLocalTime)
	arr := &models.JourneyEvent{
		ID:               models.JourneyEventJITID(r.JourneyID, r.CurrPoint, prev.ID, models.EventArrival),
		JourneyID:        r.JourneyID,
		Type:             models.EventArrival,
		Index:            prev.Index + 1,
		PointID:          r.CurrPoint,
		Transport:        transport,
		ScheduledLocal:   scheduled,
		RealtimeLocal:    scheduled,
		RealtimeType:     models.TimeReal,
		StopType:         models.StopNone,
		Additional:       true,
		InPlayableBorder: prev.InPlayableBorder,
	}
	dep := &models.JourneyEvent{
		ID:               models.JourneyEventJITID(r.JourneyID, r.CurrPoint, arr.ID, models.EventDeparture),
		JourneyID:        r.JourneyID,
		Type:             models.EventDeparture,
		Index:            prev.Index + 2,
		PointID:          r.CurrPoint,
		Transport:        transport,
		ScheduledLocal:   scheduled,
		RealtimeLocal:    scheduled,
		RealtimeType:     models.TimePrediction,
		StopType:         models.StopNone,
		Additional:       true,
		InPlayableBorder: prev.InPlayableBorder,
	}

	out := make([]*models.JourneyEvent, 0, len(events)+2)
	out = append(out, events...)
	out = append(out, arr, dep)
	sortByIndex(out)
	return out, true
}

func applyPlatformInference(ctx context.Context, platforms PlatformLookup, events []*models.JourneyEvent, arrivalIdx int, nextSignal string) {
	if platforms == nil || nextSignal == "" {
		return
	}
	arr := events[arrivalIdx]
	if arr.StopType != models.StopPassenger {
		return
	}
	track, platform, found := platforms.Lookup(ctx, arr.PointID, nextSignal)
	if !found {
		return
	}
	arr.RealtimeStop = &models.PassengerStopInfo{Track: track, Platform: platform}
	if arrivalIdx+1 < len(events) && events[arrivalIdx+1].Type == models.EventDeparture {
		events[arrivalIdx+1].RealtimeStop = &models.PassengerStopInfo{Track: track, Platform: platform}
	}
}

// confirmAndRePredict implements spec.md §4.8.1: confirm the event at
// idx as REAL, cancel earlier non-REAL events, and propagate predicted
// times forward until a prediction matches schedule.
func confirmAndRePredict(events []*models.JourneyEvent, idx int, serverTime time.Time) []*models.JourneyEvent {
	var dirty []*models.JourneyEvent

	confirmed := events[idx]
	confirmed.Cancelled = false
	confirmed.RealtimeLocal = serverTime
	confirmed.RealtimeType = models.TimeReal
	dirty = append(dirty, confirmed)

	for i := idx - 1; i >= 0; i-- {
		if events[i].RealtimeType == models.TimeReal {
			break
		}
		events[i].Cancelled = true
		dirty = append(dirty, events[i])
	}

	last := confirmed
	for i := idx + 1; i < len(events); i++ {
		this := events[i]
		wasCancelled := this.Cancelled
		predicted := predictTime(last, this)
		predicted = roundToMinute(predicted)

		this.Cancelled = false
		this.RealtimeLocal = predicted
		if this.RealtimeType != models.TimeReal {
			this.RealtimeType = models.TimePrediction
		}
		dirty = append(dirty, this)

		stop := !wasCancelled && predicted.Equal(this.ScheduledLocal)
		last = this
		if stop {
			break
		}
	}

	return dirty
}

func predictTime(last, this *models.JourneyEvent) time.Time {
	switch {
	case this.Type == models.EventArrival:
		return last.RealtimeLocal.Add(this.ScheduledLocal.Sub(last.ScheduledLocal))
	case this.StopType == models.StopNone:
		return last.RealtimeLocal
	case this.StopType == models.StopTechnical:
		return applyStopBudget(last, this, this.ScheduledLocal.Sub(last.ScheduledLocal))
	case this.StopType == models.StopPassenger:
		stop := this.ScheduledLocal.Sub(last.ScheduledLocal)
		skippable := stop - time.Minute
		if skippable > 0 {
			return applyStopBudget(last, this, skippable)
		}
		fallback := last.RealtimeLocal.Add(stop)
		if fallback.Before(this.ScheduledLocal) {
			return this.ScheduledLocal
		}
		return fallback
	default:
		return this.ScheduledLocal
	}
}

func applyStopBudget(last, this *models.JourneyEvent, stop time.Duration) time.Time {
	delay := last.RealtimeLocal.Sub(last.ScheduledLocal)
	residual := delay - stop
	if residual > 0 {
		return this.ScheduledLocal.Add(residual)
	}
	return this.ScheduledLocal
}

// roundToMinute truncates sub-second precision, then rounds seconds
// half-up to the nearest minute (spec.md §4.8.1, property 6).
func roundToMinute(t time.Time) time.Time {
	t = t.Truncate(time.Second)
	if t.Second() >= 30 {
		return t.Add(time.Duration(60-t.Second()) * time.Second).Truncate(time.Minute)
	}
	return t.Add(-time.Duration(t.Second()) * time.Second)
}

func findEvent(events []*models.JourneyEvent, eventType models.EventType, pointID string) int {
	for i, e := range events {
		if e.Type == eventType && e.PointID == pointID {
			return i
		}
	}
	return -1
}

func findEventByStopType(events []*models.JourneyEvent, pointID string, stopType models.StopType) int {
	for i, e := range events {
		if e.Type == models.EventArrival && e.PointID == pointID && e.StopType == stopType {
			return i
		}
	}
	return -1
}

func sortByIndex(events []*models.JourneyEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Index < events[j-1].Index; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func dedupe(events []*models.JourneyEvent) []*models.JourneyEvent {
	seen := make(map[uuid.UUID]bool)
	var out []*models.JourneyEvent
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}
