package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audience tokens. Each of To/CanReply/CanReact carries exactly one token:
// a user id, @public, @<domain>, circle:<id> or group:<id>.
const (
	AudiencePublic = "@public"

	// AudienceLegacyServer is the pre-@<domain> way of addressing the
	// author's own server. Retained so previously stored objects keep
	// matching; removable once everything is migrated to @<domain>.
	AudienceLegacyServer = "@server"

	circlePrefix = "circle:"
	groupPrefix  = "group:"
)

// IsDomainToken reports whether tok addresses a whole domain (@example.org).
func IsDomainToken(tok string) bool {
	return strings.HasPrefix(tok, "@") && tok != AudiencePublic && tok != AudienceLegacyServer
}

// DomainOfToken returns the domain part of an @<domain> token.
func DomainOfToken(tok string) string {
	return strings.TrimPrefix(tok, "@")
}

// IsCircleToken reports whether tok addresses a circle or group roster.
func IsCircleToken(tok string) bool {
	return strings.HasPrefix(tok, circlePrefix) || strings.HasPrefix(tok, groupPrefix)
}

// CircleIDOfToken returns the circle id of a circle:<id> or group:<id> token.
func CircleIDOfToken(tok string) string {
	if strings.HasPrefix(tok, circlePrefix) {
		return strings.TrimPrefix(tok, circlePrefix)
	}
	return strings.TrimPrefix(tok, groupPrefix)
}

// IsUserToken reports whether tok addresses a single actor directly.
func IsUserToken(tok string) bool {
	return tok != "" && !strings.HasPrefix(tok, "@") && !IsCircleToken(tok)
}

// Activity is the envelope consumed exactly once by the dispatcher. It is
// never mutated after dispatch completes, except to record the federation
// decision in Federate.
type Activity struct {
	ID         uuid.UUID
	Type       string // Create, Follow, React, Block, Undo, ...
	ActorID    string // local actor id or remote actor URI
	Object     string // embedded object id or bare reference id
	ObjectType string
	Target     string // secondary reference (circle id, reacted object, ...)
	To         string
	CanReply   string
	CanReact   string
	Summary    string
	Federate   bool // set by handlers when the audience resolves remote
	CreatedAt  time.Time
}

// Object is the stored payload an activity created or references.
type Object struct {
	ID          string
	Type        string
	ActorID     string
	ActorDomain string
	Content     string
	Summary     string
	To          string
	CanReply    string
	CanReact    string
	ReplyTo     string
	CreatedAt   time.Time
}

// Result is the tagged outcome of a dispatch. The dispatcher never panics
// past its boundary; callers branch on Err.
type Result struct {
	Activity       *Activity
	CreatedObjects []Object
	SideEffects    []string
	Federate       bool
	Err            error
}

// ViewerContext is derived per request and never persisted.
type ViewerContext struct {
	ViewerID        string // empty for unauthenticated viewers
	ViewerDomain    string
	CircleIDs       map[string]bool
	BlockedActorIDs map[string]bool
}

// InCircle reports membership in a circle or group id.
func (v *ViewerContext) InCircle(circleID string) bool {
	return v.CircleIDs[circleID]
}

// HasBlocked reports whether the viewer blocked the given actor.
func (v *ViewerContext) HasBlocked(actorID string) bool {
	return v.BlockedActorIDs[actorID]
}

// Authenticated reports whether the context belongs to a known viewer.
func (v *ViewerContext) Authenticated() bool {
	return v.ViewerID != ""
}
