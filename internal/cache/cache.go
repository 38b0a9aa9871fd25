// Package cache implements the snapshot cache contract (spec.md §4.1): a
// keyed, TTL-bounded store of the latest frame per entity, with one
// secondary key per entry, rehydratable from a persistent mirror before
// any event-bus subscription is allowed to deliver updates.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/models"
)

// TTL per frame kind, fixed at construction (spec.md §4.1).
var ttlByKind = map[models.FrameKind]time.Duration{
	models.FrameJourney:      6 * time.Hour,
	models.FrameServer:       12 * time.Hour,
	models.FrameDispatchPost: 12 * time.Hour,
}

// SnapshotCache is the Redis-backed primary store with a Mongo-backed
// persistent mirror used only for startup rehydration.
type SnapshotCache struct {
	redis  *redis.Client
	mirror *mongo.Collection
	log    *logger.Logger
	prefix string

	secondary sync.Map // kind -> *sync.Map (secondary key -> primary key)
	keyLocks  sync.Map // primary key -> *sync.Mutex
}

// New builds a SnapshotCache. mirror may be nil, in which case
// PullFromStorage is a no-op (acceptable only for tests).
func New(rdb *redis.Client, mirror *mongo.Collection, log *logger.Logger) *SnapshotCache {
	return &SnapshotCache{redis: rdb, mirror: mirror, log: log, prefix: "snapshot"}
}

func (c *SnapshotCache) lockFor(primaryKey string) *sync.Mutex {
	m, _ := c.keyLocks.LoadOrStore(primaryKey, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (c *SnapshotCache) secondaryIndex(kind models.FrameKind) *sync.Map {
	m, _ := c.secondary.LoadOrStore(kind, &sync.Map{})
	return m.(*sync.Map)
}

func (c *SnapshotCache) redisKey(kind models.FrameKind, primaryKey string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, kind, primaryKey)
}

// Set upserts frame by primary key, refreshes its TTL, and updates the
// secondary-key index. Concurrent writes to different primary keys
// proceed in parallel; writes to the same key serialize.
func (c *SnapshotCache) Set(ctx context.Context, frame *models.SnapshotFrame) error {
	lock := c.lockFor(frame.ID.PrimaryID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling snapshot frame: %w", err)
	}

	ttl := ttlByKind[frame.Kind]
	start := time.Now()
	if err := c.redis.Set(ctx, c.redisKey(frame.Kind, frame.ID.PrimaryID), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing snapshot frame: %w", err)
	}
	if c.log != nil {
		c.log.LogCacheOperation(ctx, "set", frame.ID.PrimaryID, true, time.Since(start))
	}

	c.secondaryIndex(frame.Kind).Store(frame.ID.SecondaryID, frame.ID.PrimaryID)
	return nil
}

// FindByPrimary looks up a frame by its primary key.
func (c *SnapshotCache) FindByPrimary(ctx context.Context, kind models.FrameKind, primaryKey string) (*models.SnapshotFrame, bool) {
	start := time.Now()
	data, err := c.redis.Get(ctx, c.redisKey(kind, primaryKey)).Bytes()
	hit := err == nil
	if c.log != nil {
		c.log.LogCacheOperation(ctx, "find_by_primary", primaryKey, hit, time.Since(start))
	}
	if err != nil {
		return nil, false
	}
	var frame models.SnapshotFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false
	}
	return &frame, true
}

// FindBySecondary looks up a frame by its secondary key (upstream id).
func (c *SnapshotCache) FindBySecondary(ctx context.Context, kind models.FrameKind, secondaryKey string) (*models.SnapshotFrame, bool) {
	v, ok := c.secondaryIndex(kind).Load(secondaryKey)
	if !ok {
		return nil, false
	}
	return c.FindByPrimary(ctx, kind, v.(string))
}

// FindBySecondaryNotIn enumerates frames of kind whose secondary key is
// absent from present — used to detect upstream disappearances.
func (c *SnapshotCache) FindBySecondaryNotIn(ctx context.Context, kind models.FrameKind, present map[string]struct{}) []*models.SnapshotFrame {
	var out []*models.SnapshotFrame
	c.secondaryIndex(kind).Range(func(key, value any) bool {
		secondaryKey := key.(string)
		if _, ok := present[secondaryKey]; ok {
			return true
		}
		if frame, ok := c.FindByPrimary(ctx, kind, value.(string)); ok {
			out = append(out, frame)
		}
		return true
	})
	return out
}

// RemoveByPrimary deletes a frame and its secondary-key entry.
func (c *SnapshotCache) RemoveByPrimary(ctx context.Context, kind models.FrameKind, primaryKey, secondaryKey string) error {
	lock := c.lockFor(primaryKey)
	lock.Lock()
	defer lock.Unlock()

	if err := c.redis.Del(ctx, c.redisKey(kind, primaryKey)).Err(); err != nil {
		return fmt.Errorf("removing snapshot frame: %w", err)
	}
	c.secondaryIndex(kind).Delete(secondaryKey)
	return nil
}

// Snapshot returns a consistent list of all current frames of kind at
// call time (a best-effort scan; Redis does not offer a true point-in-
// time multi-key read, so each entry reflects its own SET's TTL window).
func (c *SnapshotCache) Snapshot(ctx context.Context, kind models.FrameKind) []*models.SnapshotFrame {
	var out []*models.SnapshotFrame
	c.secondaryIndex(kind).Range(func(_, value any) bool {
		if frame, ok := c.FindByPrimary(ctx, kind, value.(string)); ok {
			out = append(out, frame)
		}
		return true
	})
	return out
}

// mirrorDoc is the document shape stored in the Mongo persistent mirror.
type mirrorDoc struct {
	PrimaryID string              `bson:"_id"`
	Frame     []byte              `bson:"frame"`
	Kind      models.FrameKind    `bson:"kind"`
}

// PullFromStorage rehydrates the in-memory secondary index and the Redis
// store from the persistent mirror. Idempotent; must run to completion
// before any event-bus subscription is started (spec.md §9: "Enforce a
// barrier").
func (c *SnapshotCache) PullFromStorage(ctx context.Context) error {
	if c.mirror == nil {
		return nil
	}
	cur, err := c.mirror.Find(ctx, bson.D{}, options.Find())
	if err != nil {
		return fmt.Errorf("querying persistent mirror: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc mirrorDoc
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decoding mirror document: %w", err)
		}
		var frame models.SnapshotFrame
		if err := json.Unmarshal(doc.Frame, &frame); err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("skipping unreadable mirror document")
			}
			continue
		}
		c.updateLocalNoPublish(ctx, &frame)
	}
	return cur.Err()
}

// UpdateLocal applies a frame received from the event bus. Bypasses any
// re-publish — the subscriber is a pure consumer of this frame.
func (c *SnapshotCache) UpdateLocal(ctx context.Context, frame *models.SnapshotFrame) {
	c.updateLocalNoPublish(ctx, frame)
}

func (c *SnapshotCache) updateLocalNoPublish(ctx context.Context, frame *models.SnapshotFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	ttl := ttlByKind[frame.Kind]
	c.redis.Set(ctx, c.redisKey(frame.Kind, frame.ID.PrimaryID), data, ttl)
	c.secondaryIndex(frame.Kind).Store(frame.ID.SecondaryID, frame.ID.PrimaryID)
}

// RemoveLocalByPrimary applies a removal received from the event bus.
func (c *SnapshotCache) RemoveLocalByPrimary(ctx context.Context, kind models.FrameKind, primaryKey, secondaryKey string) {
	c.redis.Del(ctx, c.redisKey(kind, primaryKey))
	c.secondaryIndex(kind).Delete(secondaryKey)
}

// Mirror persists frame to the Mongo mirror so a future PullFromStorage
// can rehydrate it. Called by producers after a successful Set, the way
// the teacher's cache-aside writers persist alongside their cache write.
func (c *SnapshotCache) Mirror(ctx context.Context, frame *models.SnapshotFrame) error {
	if c.mirror == nil {
		return nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling mirror document: %w", err)
	}
	_, err = c.mirror.ReplaceOne(ctx,
		bson.M{"_id": frame.ID.PrimaryID},
		mirrorDoc{PrimaryID: frame.ID.PrimaryID, Frame: data, Kind: frame.Kind},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("writing mirror document: %w", err)
	}
	return nil
}

// UnmirrorByPrimary removes frame's mirror document, called alongside
// RemoveByPrimary so a tombstoned entity does not reappear on restart.
func (c *SnapshotCache) UnmirrorByPrimary(ctx context.Context, primaryKey string) error {
	if c.mirror == nil {
		return nil
	}
	_, err := c.mirror.DeleteOne(ctx, bson.M{"_id": primaryKey})
	if err != nil {
		return fmt.Errorf("removing mirror document: %w", err)
	}
	return nil
}
