package models

import "github.com/google/uuid"

// Namespace UUIDs for each entity kind. Fixed at first rewrite; never change
// these values or every previously-derived stable id would shift.
var (
	NamespaceServer       = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	NamespaceJourney      = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c9")
	NamespaceJourneyEvent = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430ca")
	NamespaceJourneyEventJIT = uuid.MustParse("6ba7b813-9dad-11d1-80b4-00c04fd430cb")
	NamespaceDispatchPost = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430cc")
)

// ServerID derives the stable server id from upstream code+id.
func ServerID(upstreamCode, upstreamID string) uuid.UUID {
	return uuid.NewSHA1(NamespaceServer, []byte(upstreamCode+":"+upstreamID))
}

// JourneyID derives the stable journey id from server-id and upstream run id.
func JourneyID(serverID uuid.UUID, upstreamRunID string) uuid.UUID {
	return uuid.NewSHA1(NamespaceJourney, []byte(serverID.String()+":"+upstreamRunID))
}

// JourneyEventID derives a scheduled event's stable id.
func JourneyEventID(journeyID uuid.UUID, pointID, scheduledLocal string, eventType EventType) uuid.UUID {
	name := journeyID.String() + ":" + pointID + ":" + scheduledLocal + ":" + string(eventType)
	return uuid.NewSHA1(NamespaceJourneyEvent, []byte(name))
}

// JourneyEventJITID derives a just-in-time event's stable id, using a
// distinct namespace so it can never collide with a scheduled event id.
func JourneyEventJITID(journeyID uuid.UUID, pointID string, prevEventID uuid.UUID, eventType EventType) uuid.UUID {
	name := journeyID.String() + ":" + pointID + ":" + prevEventID.String() + ":" + string(eventType)
	return uuid.NewSHA1(NamespaceJourneyEventJIT, []byte(name))
}

// DispatchPostID derives the stable dispatch post id from server code and
// upstream post id.
func DispatchPostID(serverCode, upstreamID string) uuid.UUID {
	return uuid.NewSHA1(NamespaceDispatchPost, []byte(serverCode+":"+upstreamID))
}
