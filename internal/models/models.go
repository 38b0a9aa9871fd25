// Package models holds the collector's domain types: servers, journeys,
// journey events, dispatch posts, and the ephemeral per-cycle holders the
// collectors mutate before handing state to the snapshot cache.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/simrail-mirror/collector/internal/dirty"
)

// Field bit positions within each holder's dirty bitmap.
const (
	BitSpeed uint = iota
	BitPosition
	BitDriver
	BitNextSignal
	BitNextSignalID
)

const (
	BitDispatchOnline uint = iota
	BitDispatchPosition
	BitDispatchDispatcher
	BitDispatchImages
)

const (
	BitServerOnline uint = iota
	BitServerScenery
	BitServerLanguage
	BitServerTags
	BitServerUTCOffset
)

// Region is one of the three upstream server regions.
type Region string

const (
	RegionAsia   Region = "ASIA"
	RegionEurope Region = "EUROPE"
	RegionUS     Region = "US_NORTH"
)

// Position is a (lat, lon) geographic point.
type Position struct {
	Lat float64
	Lon float64
}

// Platform identifies which client platform a dispatcher or driver logged
// in from.
type Platform string

const (
	PlatformSteam Platform = "STEAM"
	PlatformXbox  Platform = "XBOX"
)

// DispatcherUser is the optional operator attached to a dispatch post.
type DispatcherUser struct {
	ID       string
	Platform Platform
}

// DriverUser is the player controlling a journey's train, when known.
type DriverUser struct {
	ID       string
	Platform Platform
}

// EventType distinguishes an arrival from a departure.
type EventType string

const (
	EventArrival   EventType = "ARRIVAL"
	EventDeparture EventType = "DEPARTURE"
)

// RealtimeTimeType tracks the provenance of an event's realtime time.
type RealtimeTimeType string

const (
	TimeSchedule  RealtimeTimeType = "SCHEDULE"
	TimePrediction RealtimeTimeType = "PREDICTION"
	TimeReal      RealtimeTimeType = "REAL"
)

// StopType classifies the kind of stop at a journey event.
type StopType string

const (
	StopNone      StopType = "NONE"
	StopTechnical StopType = "TECHNICAL"
	StopPassenger StopType = "PASSENGER"
)

// TransportInfo describes the train operating a journey at one event.
type TransportInfo struct {
	Category string
	Number   string
	Type     string
	Line     string // only retained for REGIONAL_TRAIN / REGIONAL_FAST_TRAIN
	Label    string
	MaxSpeed int
}

// PassengerStopInfo carries the track/platform a passenger stop occupies.
type PassengerStopInfo struct {
	Track    string
	Platform string
}

// Server mirrors one upstream SimRail server.
type Server struct {
	ID           uuid.UUID
	UpstreamID   string
	Code         string
	Region       Region
	Language     string // absent when empty
	Tags         []string
	Online       bool
	Scenery      string
	UTCOffsetSec int
	RegisteredAt time.Time
	Deleted      bool
}

// Journey is one scheduled train run on one server.
type Journey struct {
	ID            uuid.UUID
	UpstreamRunID string
	ServerID      uuid.UUID
	FirstSeenAt   *time.Time
	LastSeenAt    *time.Time
	Cancelled     bool
	Events        []*JourneyEvent
}

// JourneyEvent is one ARRIVAL or DEPARTURE of a Journey at a Point.
type JourneyEvent struct {
	ID                uuid.UUID
	JourneyID         uuid.UUID
	Type              EventType
	Index             int
	PointID           string
	Transport         TransportInfo
	ScheduledLocal    time.Time
	RealtimeLocal     time.Time
	RealtimeType      RealtimeTimeType
	StopType          StopType
	ScheduledStop     *PassengerStopInfo
	RealtimeStop      *PassengerStopInfo
	Cancelled         bool
	Additional        bool // true iff inserted just-in-time
	InPlayableBorder  bool
}

// DispatchPost mirrors one upstream dispatch post.
type DispatchPost struct {
	ID           uuid.UUID
	UpstreamID   string
	ServerID     uuid.UUID
	Name         string
	Difficulty   int
	Position     Position
	PointID      string // not set by the dispatch collector; stored as NULL when empty
	ImageURLs    []string
	Dispatcher   *DispatcherUser
	Deleted      bool
}

// DirtyField holds a field's latest value and whether one has been seen;
// the field's dirty bit lives in the owning holder's dirty.Bits (see
// internal/dirty).
type DirtyField[T any] struct {
	Present bool
	Value   T
}

// JourneyUpdateHolder is the ephemeral per-active-run state the realtime
// train collector mutates each cycle.
type JourneyUpdateHolder struct {
	UpstreamRunID string
	JourneyID     uuid.UUID

	Speed        DirtyField[int]
	Position     DirtyField[Position]
	Driver       DirtyField[DriverUser]
	NextSignal   DirtyField[NextSignal]
	NextSignalID DirtyField[string]

	Dirty dirty.Bits
}

// MarkSpeed marks bit and stores value, but only when v differs from the
// already-held value — Mark* calls happen every poll cycle regardless of
// whether the upstream value actually moved, and the dirty bitmap must
// only flag real changes.
func (h *JourneyUpdateHolder) MarkSpeed(v int) {
	if h.Speed.Present && h.Speed.Value == v {
		return
	}
	h.Speed = DirtyField[int]{Present: true, Value: v}
	h.Dirty.Set(BitSpeed)
}

func (h *JourneyUpdateHolder) MarkPosition(v Position) {
	if h.Position.Present && h.Position.Value == v {
		return
	}
	h.Position = DirtyField[Position]{Present: true, Value: v}
	h.Dirty.Set(BitPosition)
}

func (h *JourneyUpdateHolder) MarkDriver(v DriverUser) {
	if h.Driver.Present && h.Driver.Value == v {
		return
	}
	h.Driver = DirtyField[DriverUser]{Present: true, Value: v}
	h.Dirty.Set(BitDriver)
}

func (h *JourneyUpdateHolder) MarkNextSignal(v NextSignal) {
	if h.NextSignal.Present && h.NextSignal.Value == v {
		return
	}
	h.NextSignal = DirtyField[NextSignal]{Present: true, Value: v}
	h.Dirty.Set(BitNextSignal)
}

func (h *JourneyUpdateHolder) MarkNextSignalID(v string) {
	if h.NextSignalID.Present && h.NextSignalID.Value == v {
		return
	}
	h.NextSignalID = DirtyField[string]{Present: true, Value: v}
	h.Dirty.Set(BitNextSignalID)
}

// ConsumeDirty atomically reads and clears the holder's dirty bitmap.
func (h *JourneyUpdateHolder) ConsumeDirty() (snapshot uint64, any bool) {
	return h.Dirty.ConsumeAll()
}

// NextSignal is the derived next-signal descriptor for a running train.
type NextSignal struct {
	Name     string
	Distance int // meters, rounded to nearest 10
	MaxSpeed int // km/h; 0 when unknown or filtered
}

// DispatchUpdateHolder is the ephemeral per-post state the dispatch post
// collector mutates each cycle.
type DispatchUpdateHolder struct {
	UpstreamID string
	PostID     uuid.UUID

	Online     DirtyField[bool]
	Position   DirtyField[Position]
	Dispatcher DirtyField[DispatcherUser]
	Images     DirtyField[[]string]

	Dirty dirty.Bits
}

func (h *DispatchUpdateHolder) ConsumeDirty() (snapshot uint64, any bool) {
	return h.Dirty.ConsumeAll()
}

// ServerUpdateHolder is the ephemeral per-server state the server
// collector mutates each cycle.
type ServerUpdateHolder struct {
	UpstreamID string
	ServerID   uuid.UUID

	Online       DirtyField[bool]
	Scenery      DirtyField[string]
	Language     DirtyField[string]
	Tags         DirtyField[[]string]
	UTCOffsetSec DirtyField[int]

	Dirty dirty.Bits
}

func (h *ServerUpdateHolder) ConsumeDirty() (snapshot uint64, any bool) {
	return h.Dirty.ConsumeAll()
}

// ServerCollectorData is the ephemeral per-server state the server
// collector's owning process tracks across cycles (etags, id maps).
type ServerCollectorData struct {
	TrainsEtag    string
	PositionsEtag string
	RunIDByTrain  map[string]string // upstream-train-id -> run-id
	Holders       map[string]*JourneyUpdateHolder // run-id -> holder
}

// NewServerCollectorData builds an empty per-server collector data set.
func NewServerCollectorData() *ServerCollectorData {
	return &ServerCollectorData{
		RunIDByTrain: make(map[string]string),
		Holders:      make(map[string]*JourneyUpdateHolder),
	}
}

// FrameKind tags which domain a snapshot frame carries.
type FrameKind string

const (
	FrameServer       FrameKind = "server"
	FrameJourney      FrameKind = "journey"
	FrameDispatchPost FrameKind = "dispatch_post"
)

// FrameID is the primary/server/secondary identity triple carried by every
// snapshot frame.
type FrameID struct {
	PrimaryID  string
	ServerID   string
	SecondaryID string
}

// SnapshotFrame is the cache's unit of storage: an identity plus a
// kind-specific payload and a monotonic base timestamp.
type SnapshotFrame struct {
	ID        FrameID
	Kind      FrameKind
	Timestamp int64 // monotonic, nanoseconds

	Server       *Server
	Journey      *JourneySnapshot
	DispatchPost *DispatchPost
}

// JourneySnapshot is the realtime payload carried by a journey frame: the
// journey's identity plus the live fields the train collector maintains.
type JourneySnapshot struct {
	JourneyID       uuid.UUID
	ServerID        uuid.UUID
	UpstreamRunID   string
	Speed           int
	Position        Position
	Driver          *DriverUser
	NextSignal      *NextSignal
	NextSignalID    string
	CurrentPointID  string
}

// RemovalFrame carries only the id of a removed entity.
type RemovalFrame struct {
	ID   FrameID
	Kind FrameKind
}
