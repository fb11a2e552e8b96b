package domain

import "time"

// Reason tags why an object landed in a viewer's timeline. Exactly one
// reason per entry; priority when several apply is
// self > circle > follow > mention > domain.
type Reason string

const (
	ReasonSelf    Reason = "self"
	ReasonCircle  Reason = "circle"
	ReasonFollow  Reason = "follow"
	ReasonMention Reason = "mention"
	ReasonDomain  Reason = "domain"
)

// Scope records how broadly the source object was addressed.
type Scope string

const (
	ScopePublic Scope = "public"
	ScopeServer Scope = "server"
	ScopeCircle Scope = "circle"
)

// TimelineEntry is one materialized row per (viewer, object). Entries sort
// by the source object's CreatedAt, not by fan-out processing order.
type TimelineEntry struct {
	ViewerID   string
	ObjectID   string
	ObjectType string
	CreatedAt  time.Time
	Reason     Reason
	Scope      Scope
	// LocalCircleID is bookkeeping for circle-scoped entries and is never
	// exposed to API consumers.
	LocalCircleID string `json:"-"`
	Snapshot      string
	DeletedAt     *time.Time
}
