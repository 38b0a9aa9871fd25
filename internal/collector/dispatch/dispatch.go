// Package dispatch implements the periodic dispatch-post collector
// (spec.md §4.9): reconciles dispatcher presence at stations, persists
// every ~5 minutes, and applies one hard-coded position override.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/cache"
	"github.com/simrail-mirror/collector/internal/dirty"
	"github.com/simrail-mirror/collector/internal/eventbus"
	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/metrics"
	"github.com/simrail-mirror/collector/internal/models"
	"github.com/simrail-mirror/collector/internal/store"
	"github.com/simrail-mirror/collector/internal/upstream"
)

// RawDispatchPost is one entry from the panel stations-open endpoint.
type RawDispatchPost struct {
	UpstreamID string
	Name       string
	Difficulty int
	Lat, Lon   float64
	ImageURLs  []string
	SteamID    string
	XboxID     string
	IsOnline   bool
}

// overriddenUpstreamID is a station whose reported coordinates are known
// wrong upstream; the collector substitutes a fixed position instead
// (spec.md §4.9: "hard-coded position override").
const overriddenUpstreamID = "675330d44337b38ac4027545"

var overridePosition = models.Position{Lat: 50.06465, Lon: 19.94498}

const persistGate = 5 * time.Minute

// Collector runs the periodic dispatch-post reconcile for one server.
type Collector struct {
	panel *upstream.PanelClient
	cache *cache.SnapshotCache
	bus   *eventbus.Bus
	posts *store.DispatchPostRepository
	log   *logger.Logger

	etag         string
	holders      map[string]*models.DispatchUpdateHolder
	lastPersist  map[string]time.Time
}

// New builds a dispatch Collector.
func New(panel *upstream.PanelClient, sc *cache.SnapshotCache, bus *eventbus.Bus,
	posts *store.DispatchPostRepository, log *logger.Logger) *Collector {
	return &Collector{
		panel: panel, cache: sc, bus: bus, posts: posts, log: log,
		holders:     make(map[string]*models.DispatchUpdateHolder),
		lastPersist: make(map[string]time.Time),
	}
}

// Run executes one cycle for serverID/serverCode.
func (c *Collector) Run(ctx context.Context, serverID uuid.UUID, serverCode string) {
	start := time.Now()
	err := c.runOnce(ctx, serverID, serverCode)
	metrics.RecordCycle("dispatch", serverCode, time.Since(start), err)
	if err != nil && c.log != nil {
		c.log.WithError(err).WithFields(logger.Fields{"server": serverCode}).Error("dispatch collector cycle failed")
	}
}

func (c *Collector) runOnce(ctx context.Context, serverID uuid.UUID, serverCode string) error {
	resp := c.panel.DispatchPosts(ctx, serverCode, c.etag)
	if resp.NotModified() || !resp.Fresh() {
		return nil
	}
	c.etag = resp.Etag

	env, err := upstream.DecodeEnvelope[RawDispatchPost](resp.Body)
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(env.Entries))
	for _, raw := range env.Entries {
		present[raw.UpstreamID] = struct{}{}
		if err := c.processOne(ctx, serverID, serverCode, raw); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(logger.Fields{"post": raw.UpstreamID}).Warn("failed to process dispatch post")
		}
	}

	return c.reconcileDisappearances(ctx, serverID, present)
}

func (c *Collector) processOne(ctx context.Context, serverID uuid.UUID, serverCode string, raw RawDispatchPost) error {
	holder, existed := c.holders[raw.UpstreamID]
	if !existed {
		holder = &models.DispatchUpdateHolder{
			UpstreamID: raw.UpstreamID,
			PostID:     models.DispatchPostID(serverCode, raw.UpstreamID),
		}
		c.holders[raw.UpstreamID] = holder
	}

	if !holder.Online.Present || holder.Online.Value != raw.IsOnline {
		holder.Online = models.DirtyField[bool]{Present: true, Value: raw.IsOnline}
		holder.Dirty.Set(models.BitDispatchOnline)
	}

	pos := models.Position{Lat: raw.Lat, Lon: raw.Lon}
	if raw.UpstreamID == overriddenUpstreamID {
		pos = overridePosition
	}
	if !holder.Position.Present || holder.Position.Value != pos {
		holder.Position = models.DirtyField[models.Position]{Present: true, Value: pos}
		holder.Dirty.Set(models.BitDispatchPosition)
	}

	if raw.SteamID != "" || raw.XboxID != "" {
		d := dispatcherFromIDs(raw.SteamID, raw.XboxID)
		if !holder.Dispatcher.Present || holder.Dispatcher.Value != d {
			holder.Dispatcher = models.DirtyField[models.DispatcherUser]{Present: true, Value: d}
			holder.Dirty.Set(models.BitDispatchDispatcher)
		}
	}

	if len(raw.ImageURLs) > 0 && (!holder.Images.Present || !stringSlicesEqual(holder.Images.Value, raw.ImageURLs)) {
		holder.Images = models.DirtyField[[]string]{Present: true, Value: raw.ImageURLs}
		holder.Dirty.Set(models.BitDispatchImages)
	}

	snapshot, any := holder.ConsumeDirty()
	if !any {
		return nil
	}

	frame, frameExists := c.cache.FindByPrimary(ctx, models.FrameDispatchPost, holder.PostID.String())
	var p models.DispatchPost
	if frameExists && frame.DispatchPost != nil {
		p = *frame.DispatchPost
	}
	p.ID = holder.PostID
	p.UpstreamID = raw.UpstreamID
	p.ServerID = serverID
	p.Name = raw.Name
	p.Difficulty = raw.Difficulty

	applyDispatchDirty(&p, holder, snapshot)

	shouldPersist := !existed || time.Since(c.lastPersist[raw.UpstreamID]) >= persistGate
	if shouldPersist {
		if err := c.posts.Upsert(ctx, &p); err != nil {
			return fmt.Errorf("upserting dispatch post %s: %w", raw.UpstreamID, err)
		}
		c.lastPersist[raw.UpstreamID] = time.Now()
	}

	newFrame := &models.SnapshotFrame{
		ID:        models.FrameID{PrimaryID: p.ID.String(), ServerID: serverID.String(), SecondaryID: raw.UpstreamID},
		Kind:      models.FrameDispatchPost,
		Timestamp: time.Now().UnixNano(),
		DispatchPost: &p,
	}
	if err := c.cache.Set(ctx, newFrame); err != nil {
		return err
	}
	if err := c.cache.Mirror(ctx, newFrame); err != nil && c.log != nil {
		c.log.WithError(err).WithFields(logger.Fields{"post": raw.UpstreamID}).Warn("failed to mirror dispatch post frame")
	}
	payload, err := json.Marshal(newFrame)
	if err != nil {
		return fmt.Errorf("marshaling dispatch post frame %s: %w", raw.UpstreamID, err)
	}
	return c.bus.PublishUpdate(ctx, eventbus.DomainDispatchPost, serverID.String(), p.ID.String(), payload)
}

func applyDispatchDirty(p *models.DispatchPost, holder *models.DispatchUpdateHolder, snapshot uint64) {
	if dirty.IsSet(snapshot, models.BitDispatchPosition) {
		p.Position = holder.Position.Value
	}
	if dirty.IsSet(snapshot, models.BitDispatchDispatcher) {
		d := holder.Dispatcher.Value
		p.Dispatcher = &d
	}
	if dirty.IsSet(snapshot, models.BitDispatchImages) {
		p.ImageURLs = holder.Images.Value
	}
	if dirty.IsSet(snapshot, models.BitDispatchOnline) && !holder.Online.Value {
		p.Dispatcher = nil
	}
}

func (c *Collector) reconcileDisappearances(ctx context.Context, serverID uuid.UUID, present map[string]struct{}) error {
	gone := c.cache.FindBySecondaryNotIn(ctx, models.FrameDispatchPost, present)
	for _, frame := range gone {
		if frame.ID.ServerID != serverID.String() {
			continue
		}
		if frame.DispatchPost != nil {
			frame.DispatchPost.Deleted = true
			if err := c.posts.Upsert(ctx, frame.DispatchPost); err != nil {
				return fmt.Errorf("marking dispatch post %s deleted: %w", frame.ID.SecondaryID, err)
			}
		}
		if err := c.cache.RemoveByPrimary(ctx, models.FrameDispatchPost, frame.ID.PrimaryID, frame.ID.SecondaryID); err != nil {
			return err
		}
		if err := c.cache.UnmirrorByPrimary(ctx, frame.ID.PrimaryID); err != nil && c.log != nil {
			c.log.WithError(err).Warn("failed to unmirror dispatch post frame")
		}
		payload, _ := json.Marshal(&models.RemovalFrame{ID: frame.ID, Kind: models.FrameDispatchPost})
		if err := c.bus.PublishRemove(ctx, eventbus.DomainDispatchPost, serverID.String(), frame.ID.PrimaryID, payload); err != nil {
			return err
		}
		delete(c.holders, frame.ID.SecondaryID)
		delete(c.lastPersist, frame.ID.SecondaryID)
	}
	return nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dispatcherFromIDs(steamID, xboxID string) models.DispatcherUser {
	if steamID != "" {
		return models.DispatcherUser{ID: steamID, Platform: models.PlatformSteam}
	}
	return models.DispatcherUser{ID: xboxID, Platform: models.PlatformXbox}
}
