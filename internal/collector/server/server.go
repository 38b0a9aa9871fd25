// Package server implements the periodic server collector (spec.md §4.5):
// reconciles the upstream server list, parses name/region/tags, derives
// the UTC offset, and publishes dirty updates.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/simrail-mirror/collector/internal/cache"
	"github.com/simrail-mirror/collector/internal/dirty"
	"github.com/simrail-mirror/collector/internal/eventbus"
	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/metrics"
	"github.com/simrail-mirror/collector/internal/models"
	"github.com/simrail-mirror/collector/internal/refdata"
	"github.com/simrail-mirror/collector/internal/store"
	"github.com/simrail-mirror/collector/internal/upstream"
)

// RawServer is one entry from the panel servers-open endpoint.
type RawServer struct {
	ID       string
	Name     string
	Region   models.Region
	IsOnline bool
}

var (
	namedPattern = regexp.MustCompile(`^.+ \((?P<lang>.+)\) ?(\[(?P<tags>.+)])?$`)
)

// Collector runs the periodic server reconcile.
type Collector struct {
	panel   *upstream.PanelClient
	aws     *upstream.AWSClient
	cache   *cache.SnapshotCache
	bus     *eventbus.Bus
	servers *store.ServerRepository
	scenery refdata.SceneryProvider
	log     *logger.Logger

	etag    string
	run     int
	holders map[string]*models.ServerUpdateHolder
	known   []string
}

// New builds a server Collector.
func New(panel *upstream.PanelClient, aws *upstream.AWSClient, sc *cache.SnapshotCache, bus *eventbus.Bus,
	servers *store.ServerRepository, scenery refdata.SceneryProvider, log *logger.Logger) *Collector {
	return &Collector{
		panel: panel, aws: aws, cache: sc, bus: bus, servers: servers, scenery: scenery, log: log,
		holders: make(map[string]*models.ServerUpdateHolder),
	}
}

// Run executes one full cycle (spec.md §4.5).
func (c *Collector) Run(ctx context.Context) {
	start := time.Now()
	err := c.runOnce(ctx)
	metrics.RecordCycle("server", "*", time.Since(start), err)
	if err != nil && c.log != nil {
		c.log.WithError(err).Error("server collector cycle failed")
	}
}

func (c *Collector) runOnce(ctx context.Context) error {
	c.run++
	resp := c.panel.Servers(ctx, c.etag)
	if resp.NotModified() {
		return nil
	}
	if !resp.Fresh() {
		return nil
	}
	c.etag = resp.Etag

	env, err := upstream.DecodeEnvelope[RawServer](resp.Body)
	if err != nil || len(env.Entries) == 0 {
		return err
	}

	refreshOffset := c.run%2 == 0
	seenUpstreamIDs := make([]string, 0, len(env.Entries))

	for i, raw := range env.Entries {
		seenUpstreamIDs = append(seenUpstreamIDs, raw.ID)
		if err := c.processOne(ctx, raw, refreshOffset); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(logger.Fields{"server": raw.ID}).Warn("failed to process server")
		}
		if i > 0 && i%5 == 0 {
			time.Sleep(time.Second)
		}
	}

	c.known = seenUpstreamIDs
	if err := c.servers.MarkDeletedNotIn(ctx, seenUpstreamIDs); err != nil {
		return fmt.Errorf("marking absent servers deleted: %w", err)
	}
	return nil
}

// KnownServer is one currently-tracked server's identity, handed to the
// train/timetable/dispatch collectors so they know which servers to poll.
type KnownServer struct {
	ServerID     uuid.UUID
	Code         string
	UTCOffsetSec int
}

// Known returns every server observed on the most recent cycle.
func (c *Collector) Known() []KnownServer {
	out := make([]KnownServer, 0, len(c.known))
	for _, code := range c.known {
		holder, ok := c.holders[code]
		if !ok {
			continue
		}
		out = append(out, KnownServer{ServerID: holder.ServerID, Code: code, UTCOffsetSec: holder.UTCOffsetSec.Value})
	}
	return out
}

func (c *Collector) processOne(ctx context.Context, raw RawServer, refreshOffset bool) error {
	holder, existed := c.holders[raw.ID]
	if !existed {
		holder = &models.ServerUpdateHolder{UpstreamID: raw.ID, ServerID: models.ServerID(raw.ID, raw.ID)}
		c.holders[raw.ID] = holder
	}

	scenery := c.scenery.Default()
	if !holder.Online.Present || holder.Online.Value != raw.IsOnline {
		holder.Online = models.DirtyField[bool]{Present: true, Value: raw.IsOnline}
		holder.Dirty.Set(models.BitServerOnline)
	}
	if !holder.Scenery.Present || holder.Scenery.Value != scenery {
		holder.Scenery = models.DirtyField[string]{Present: true, Value: scenery}
		holder.Dirty.Set(models.BitServerScenery)
	}

	lang, tags := parseNameLangTags(raw.Name)
	if !holder.Language.Present || holder.Language.Value != lang {
		holder.Language = models.DirtyField[string]{Present: true, Value: lang}
		holder.Dirty.Set(models.BitServerLanguage)
	}
	if !holder.Tags.Present || !stringSlicesEqual(holder.Tags.Value, tags) {
		holder.Tags = models.DirtyField[[]string]{Present: true, Value: tags}
		holder.Dirty.Set(models.BitServerTags)
	}

	if refreshOffset || !existed {
		offset, err := c.fetchOffset(ctx, raw.ID)
		if err == nil && (!holder.UTCOffsetSec.Present || holder.UTCOffsetSec.Value != offset) {
			holder.UTCOffsetSec = models.DirtyField[int]{Present: true, Value: offset}
			holder.Dirty.Set(models.BitServerUTCOffset)
		}
	}

	snapshot, any := holder.ConsumeDirty()
	if !any {
		return nil
	}

	frame, _ := c.cache.FindByPrimary(ctx, models.FrameServer, holder.ServerID.String())
	var s models.Server
	if frame != nil && frame.Server != nil {
		s = *frame.Server
	}
	s.ID = holder.ServerID
	s.UpstreamID = raw.ID
	s.Code = raw.ID
	s.Region = raw.Region

	applyServerDirty(&s, holder, snapshot)

	if err := c.servers.Upsert(ctx, &s); err != nil {
		return fmt.Errorf("upserting server %s: %w", raw.ID, err)
	}

	newFrame := &models.SnapshotFrame{
		ID:        models.FrameID{PrimaryID: s.ID.String(), ServerID: s.ID.String(), SecondaryID: raw.ID},
		Kind:      models.FrameServer,
		Timestamp: time.Now().UnixNano(),
		Server:    &s,
	}
	if err := c.cache.Set(ctx, newFrame); err != nil {
		return err
	}
	if err := c.cache.Mirror(ctx, newFrame); err != nil && c.log != nil {
		c.log.WithError(err).WithFields(logger.Fields{"server": raw.ID}).Warn("failed to mirror server frame")
	}
	payload, err := json.Marshal(newFrame)
	if err != nil {
		return fmt.Errorf("marshaling server frame %s: %w", raw.ID, err)
	}
	return c.bus.PublishUpdate(ctx, eventbus.DomainServer, s.ID.String(), "", payload)
}

// applyServerDirty overlays only the fields the consumed snapshot marked
// dirty onto s, the way the server collector rebuilds a frame from the
// previous cached frame plus its dirty fields (spec.md §4.5c).
func applyServerDirty(s *models.Server, holder *models.ServerUpdateHolder, snapshot uint64) {
	if dirty.IsSet(snapshot, models.BitServerOnline) {
		s.Online = holder.Online.Value
	}
	if dirty.IsSet(snapshot, models.BitServerScenery) {
		s.Scenery = holder.Scenery.Value
	}
	if dirty.IsSet(snapshot, models.BitServerLanguage) {
		s.Language = holder.Language.Value
	}
	if dirty.IsSet(snapshot, models.BitServerTags) {
		s.Tags = holder.Tags.Value
	}
	if dirty.IsSet(snapshot, models.BitServerUTCOffset) {
		s.UTCOffsetSec = holder.UTCOffsetSec.Value
	}
}

func (c *Collector) fetchOffset(ctx context.Context, serverCode string) (int, error) {
	resp := c.aws.ServerTimeMillis(ctx, serverCode, "")
	if !resp.Fresh() {
		return 0, fmt.Errorf("no fresh server time for %s", serverCode)
	}
	// Offset seconds = server_epoch_ms - Date header instant (spec.md §6).
	serverEpochMs, err := decodeTimeMillis(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("decoding server time for %s: %w", serverCode, err)
	}
	if resp.Date.IsZero() {
		return 0, fmt.Errorf("missing Date header for server time response")
	}
	offsetMs := serverEpochMs - resp.Date.UnixMilli()
	return int(offsetMs / 1000), nil
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

func decodeTimeMillis(body []byte) (int64, error) {
	var payload struct {
		TimeMillis int64 `json:"timeMillis"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, err
	}
	return payload.TimeMillis, nil
}

func parseNameLangTags(name string) (lang string, tags []string) {
	if strings.HasPrefix(name, "xbx") {
		parts := strings.Fields(name)
		if len(parts) >= 2 {
			lang = parts[1]
		}
		return lang, nil
	}

	m := namedPattern.FindStringSubmatch(name)
	if m == nil {
		return "", nil
	}
	langIdx := namedPattern.SubexpIndex("lang")
	tagsIdx := namedPattern.SubexpIndex("tags")
	lang = m[langIdx]
	if strings.EqualFold(lang, "international") {
		lang = ""
	}
	if tagsIdx >= 0 && m[tagsIdx] != "" {
		for _, tag := range strings.Split(m[tagsIdx], ",") {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return lang, tags
}
