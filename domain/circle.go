package domain

import (
	"time"

	"github.com/google/uuid"
)

// Personal circle names, auto-created per owner on first use.
const (
	CircleBlocked   = "blocked"
	CircleMuted     = "muted"
	CircleFollowing = "following"
)

// Circle is a named member set: personal lists (blocked, muted, following)
// and group/event rosters share the same shape.
type Circle struct {
	ID        uuid.UUID
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// Member is a denormalized snapshot of a local or remote actor. The
// redundancy with the live actor record is intentional: visibility checks
// never cross the network. Staleness is accepted; the snapshot refreshes
// on write.
type Member struct {
	ID     string
	Name   string
	Icon   string
	Inbox  string
	Outbox string
	URL    string
	Server string
}

// Actor is a local account or a cached remote actor. Remote rows are
// refreshed when stale; local rows carry the signing keypair.
type Actor struct {
	ID            string
	Username      string
	Domain        string
	ActorURI      string
	DisplayName   string
	Summary       string
	InboxURI      string
	OutboxURI     string
	PublicKeyPem  string
	PrivateKeyPem string
	AvatarURL     string
	Local         bool
	LastFetchedAt time.Time
}

// Snapshot converts an actor into the denormalized member form stored
// inside circles.
func (a *Actor) Snapshot() Member {
	return Member{
		ID:     a.ID,
		Name:   a.DisplayName,
		Icon:   a.AvatarURL,
		Inbox:  a.InboxURI,
		Outbox: a.OutboxURI,
		URL:    a.ActorURI,
		Server: a.Domain,
	}
}
