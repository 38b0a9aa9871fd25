// Package realtime implements the single-writer realtime event updater
// (spec.md §4.8): a blocking queue feeding one worker that maps live
// observations to event state transitions and re-predicts downstream
// times.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Request is the updater's tagged-variant request model (spec.md §9:
// "not a single struct with nullable fields"). Each concrete type
// implements Request so the worker's type switch is the core
// behavioural distinction, not a field-presence check.
type Request interface {
	isRequest()
	journeyID() uuid.UUID
}

// Removal signals that a run has disappeared from upstream.
type Removal struct {
	JourneyID       uuid.UUID
	ServerLocalTime time.Time
}

func (Removal) isRequest()              {}
func (r Removal) journeyID() uuid.UUID  { return r.JourneyID }

// PointChange signals a train left PrevPointID and/or arrived at
// CurrPoint this cycle. At least one of HasPrev/HasCurr is true.
type PointChange struct {
	JourneyID       uuid.UUID
	ServerLocalTime time.Time

	HasPrev      bool
	PrevPointID  string
	HasCurr      bool
	CurrPoint    string
	HasSignal    bool
	NextSignal   string
}

func (PointChange) isRequest()             {}
func (p PointChange) journeyID() uuid.UUID { return p.JourneyID }

// SignalUpdate signals a next-signal change while stationary at CurrPoint.
type SignalUpdate struct {
	JourneyID       uuid.UUID
	ServerLocalTime time.Time
	CurrPoint       string
	NextSignalName  string
}

func (SignalUpdate) isRequest()             {}
func (s SignalUpdate) journeyID() uuid.UUID { return s.JourneyID }
