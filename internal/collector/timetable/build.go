// Package timetable implements the canonical event build (spec.md §4.6,
// §4.6.1): fixup/merge of raw timetable entries, playable-border
// tracking, event emission with stop-type inference, head/tail cleanup,
// and indexing.
package timetable

import (
	"regexp"
	"strings"
	"time"

	"github.com/simrail-mirror/collector/internal/models"
)

// UpstreamStopType is the raw upstream stop marker, ordered none < PT < PH.
type UpstreamStopType int

const (
	StopUpstreamNone UpstreamStopType = iota
	StopUpstreamPT                    // scheduled passenger stop
	StopUpstreamPH                    // scheduled technical/passing stop marker
)

// Entry is one raw upstream timetable row.
type Entry struct {
	PointID         string
	ArrivalClock    time.Duration // offset from local midnight
	DepartureClock  time.Duration
	StopType        UpstreamStopType
	Track           string
	Platform        string
	StationCategory string
	TrainCategory   string
	TrainNumber     string
	TrainType       string
	TrainDisplay    string // human-readable name, parsed for category/line/label
	MaxSpeed        int
}

// PointLookup resolves whether a point id is known and its alias set.
type PointLookup interface {
	// Resolve returns the canonical point id and whether it's known. A
	// point may be known by one of its SimRail alias ids; Resolve
	// follows aliases to the canonical id.
	Resolve(pointID string) (canonicalID string, known bool)
	// Aliases returns every id (including itself) that refers to the
	// same physical point as canonicalID.
	Aliases(canonicalID string) []string
}

// BorderLookup resolves a point's playable-border participation.
type BorderLookup interface {
	// Border returns whether pointID is a border point and, if so, the
	// set of upstream ids that must be the *next* point for the
	// traversal to remain "inside" (empty means simple-toggle semantics).
	Border(pointID string) (requiredNext []string, isBorder bool)
}

// fixedEntry is one entry after Step 1's fixup/merge pass.
type fixedEntry struct {
	Entry
	canonicalPointID string
}

// Fixup performs Step 1: retain the first entry verbatim, merge
// consecutive entries that alias the same known point, and otherwise
// deduplicate against already-seen canonical point ids.
func Fixup(entries []Entry, points PointLookup) []fixedEntry {
	if len(entries) == 0 {
		return nil
	}

	var out []fixedEntry
	seen := make(map[string]bool)

	first := entries[0]
	canonical, known := points.Resolve(first.PointID)
	if !known {
		canonical = ""
	}
	out = append(out, fixedEntry{Entry: first, canonicalPointID: canonical})
	if known {
		seen[canonical] = true
	}

	for i := 1; i < len(entries); i++ {
		e := entries[i]
		canonical, known := points.Resolve(e.PointID)
		if !known {
			out = append(out, fixedEntry{Entry: e, canonicalPointID: ""})
			continue
		}

		tail := &out[len(out)-1]
		if tailAliasesMatch(points, tail.canonicalPointID, canonical) {
			mergeInto(tail, e)
			continue
		}

		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, fixedEntry{Entry: e, canonicalPointID: canonical})
	}
	return out
}

func tailAliasesMatch(points PointLookup, tailCanonical, candidateCanonical string) bool {
	if tailCanonical == candidateCanonical {
		return true
	}
	for _, alias := range points.Aliases(candidateCanonical) {
		if alias == tailCanonical {
			return true
		}
	}
	return false
}

func mergeInto(tail *fixedEntry, next Entry) {
	if next.MaxSpeed > tail.MaxSpeed {
		tail.MaxSpeed = next.MaxSpeed
	}
	tail.DepartureClock = next.DepartureClock
	if next.StopType > tail.StopType {
		tail.StopType = next.StopType
		tail.Track = next.Track
		tail.Platform = next.Platform
		tail.StationCategory = next.StationCategory
	}
}

// borderEntry carries Step 2's in_playable_border annotation.
type borderEntry struct {
	fixedEntry
	inBorder bool
}

// TrackBorders performs Step 2: walk left-to-right flipping in_border on
// border-point crossings, honoring required-next-points semantics where
// advertised (spec.md §9 Open Question: required-next-points is
// authoritative, falling back to simple toggle otherwise).
func TrackBorders(entries []fixedEntry, borders BorderLookup) []borderEntry {
	out := make([]borderEntry, len(entries))
	inBorder := false

	for i, e := range entries {
		required, isBorder := borders.Border(e.canonicalPointID)
		wasInBorder := inBorder

		if isBorder && !inBorder {
			if len(required) == 0 {
				inBorder = true
			} else if i+1 < len(entries) {
				next := entries[i+1]
				if containsAny(required, next.Entry.PointID) || containsAny(required, next.canonicalPointID) {
					inBorder = true
				}
			}
		}

		out[i] = borderEntry{fixedEntry: e, inBorder: inBorder}

		if isBorder && wasInBorder {
			inBorder = false
		}
	}
	return out
}

func containsAny(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Build runs the full canonical event build (spec.md §4.6.1 Steps 1-5)
// for one run's raw timetable.
func Build(serverUTCOffsetSec int, entries []Entry, points PointLookup, borders BorderLookup) []*models.JourneyEvent {
	fixed := Fixup(entries, points)
	if len(fixed) == 0 {
		return nil
	}
	bordered := TrackBorders(fixed, borders)

	events := emit(bordered, serverUTCOffsetSec)
	events = cleanupHeadTail(events)
	reindex(events)
	return events
}

func emit(entries []borderEntry, utcOffsetSec int) []*models.JourneyEvent {
	var events []*models.JourneyEvent
	var previousLocalClock time.Duration
	var previousEventTime time.Time
	first := true

	for i, e := range entries {
		if e.canonicalPointID == "" {
			continue
		}
		transport := parseTransport(e.Entry)

		if i != 0 {
			arrivalTime := nextEventTime(first, previousEventTime, previousLocalClock, e.ArrivalClock, utcOffsetSec)
			arr := &models.JourneyEvent{
				Type:             models.EventArrival,
				PointID:          e.canonicalPointID,
				Transport:        transport,
				ScheduledLocal:   arrivalTime,
				RealtimeLocal:    arrivalTime,
				RealtimeType:     models.TimeSchedule,
				InPlayableBorder: e.inBorder,
			}
			events = append(events, arr)
			previousEventTime = arrivalTime
			previousLocalClock = e.ArrivalClock
			first = false
		}

		if i != len(entries)-1 {
			departureTime := nextEventTime(first, previousEventTime, previousLocalClock, e.DepartureClock, utcOffsetSec)
			dep := &models.JourneyEvent{
				Type:             models.EventDeparture,
				PointID:          e.canonicalPointID,
				Transport:        transport,
				ScheduledLocal:   departureTime,
				RealtimeLocal:    departureTime,
				RealtimeType:     models.TimeSchedule,
				InPlayableBorder: e.inBorder,
			}
			if e.StopType == StopUpstreamPT {
				dep.StopType = models.StopPassenger
				dep.ScheduledStop = &models.PassengerStopInfo{Track: e.Track, Platform: e.Platform}
			}
			events = append(events, dep)
			previousEventTime = departureTime
			previousLocalClock = e.DepartureClock
			first = false

			inferStopType(events, dep)
		}
	}
	return events
}

func nextEventTime(first bool, previousEventTime time.Time, previousClock, thisClock time.Duration, utcOffsetSec int) time.Time {
	if first || previousEventTime.IsZero() {
		epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Duration(utcOffsetSec) * time.Second)
		return epoch.Add(thisClock)
	}
	delta := thisClock - previousClock
	if delta < 0 {
		delta += 24 * time.Hour
	}
	return previousEventTime.Add(delta)
}

// inferStopType applies the stop-type inference that runs each time a
// DEPARTURE is produced, comparing it with its paired ARRIVAL (spec.md
// §4.6.1 Step 3).
func inferStopType(events []*models.JourneyEvent, dep *models.JourneyEvent) {
	if len(events) < 2 {
		return
	}
	arr := events[len(events)-2]
	if arr.Type != models.EventArrival || arr.PointID != dep.PointID {
		return
	}

	timesDiffer := !arr.ScheduledLocal.Equal(dep.ScheduledLocal)

	switch {
	case timesDiffer && arr.StopType == models.StopNone && dep.StopType == models.StopNone:
		arr.StopType = models.StopTechnical
		dep.StopType = models.StopTechnical
	case !timesDiffer && dep.StopType == models.StopPassenger:
		dep.ScheduledLocal = dep.ScheduledLocal.Add(30 * time.Second)
		dep.RealtimeLocal = dep.RealtimeLocal.Add(30 * time.Second)
	case !timesDiffer && dep.StopType != models.StopPassenger:
		arr.StopType = models.StopNone
		dep.StopType = models.StopNone
	}
}

func cleanupHeadTail(events []*models.JourneyEvent) []*models.JourneyEvent {
	if len(events) == 0 {
		return events
	}
	if events[0].Type == models.EventArrival {
		if events[0].StopType == models.StopTechnical && len(events) > 1 {
			events[1].StopType = models.StopNone
		}
		events = events[1:]
	}
	if len(events) == 0 {
		return events
	}
	last := len(events) - 1
	if events[last].Type == models.EventDeparture {
		if events[last].StopType == models.StopTechnical && last > 0 {
			events[last-1].StopType = models.StopNone
		}
		events = events[:last]
	}
	return events
}

func reindex(events []*models.JourneyEvent) {
	if len(events) == 0 {
		return
	}
	events[0].Index = 0
	for i := 1; i < len(events); i++ {
		if events[i].Type == models.EventArrival {
			events[i].Index = i * 100
		} else {
			events[i].Index = i*100 + 1
		}
	}
}

var (
	categoryPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	labelPattern    = regexp.MustCompile(`^"(.+)"$`)
	linePattern     = regexp.MustCompile(`^[A-Z][A-Z0-9]*\d[A-Z0-9]*$`)
)

// parseTransport derives category/line/label from the human-readable
// train display name via the regex/tokenizer strategy (spec.md §9 Open
// Question: adopt the tokenizer form, leave ambiguous fields absent).
func parseTransport(e Entry) models.TransportInfo {
	t := models.TransportInfo{
		Category: e.TrainCategory,
		Number:   e.TrainNumber,
		Type:     e.TrainType,
		MaxSpeed: e.MaxSpeed,
	}

	display := strings.TrimSpace(e.TrainDisplay)
	if display == "" {
		clearLineUnlessRegional(&t)
		return t
	}

	tokens := splitOnDash(display)

	var category, label, line string
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if m := labelPattern.FindStringSubmatch(tok); m != nil && label == "" {
			label = m[1]
			continue
		}
		if categoryPattern.MatchString(tok) && category == "" {
			category = tok
			continue
		}
		if linePattern.MatchString(tok) && line == "" {
			line = tok
		}
	}
	if category == "" && len(tokens) > 0 {
		category = strings.TrimSpace(tokens[0])
	}

	if category != "" {
		t.Category = category
	}
	t.Label = label
	t.Line = line

	clearLineUnlessRegional(&t)
	return t
}

func clearLineUnlessRegional(t *models.TransportInfo) {
	if t.Type != "REGIONAL_TRAIN" && t.Type != "REGIONAL_FAST_TRAIN" {
		t.Line = ""
	}
}

func splitOnDash(s string) []string {
	s = strings.ReplaceAll(s, "–", "-")
	return strings.Split(s, "-")
}
