package visibility

import (
	"time"

	"github.com/mkeska/toxodon/domain"
)

// PublicView is the caller-facing shape of an object. Circle and group
// tokens are never echoed back to non-members; interaction rights surface
// only as booleans derived for the current viewer.
type PublicView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ActorID   string    `json:"actorId"`
	Content   string    `json:"content,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Audience  string    `json:"audience,omitempty"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	CanShare  bool      `json:"canShare"`
	CanReply  bool      `json:"canReply"`
	CanReact  bool      `json:"canReact"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sanitize converts a stored object into its public view for the given
// viewer.
func Sanitize(obj *domain.Object, viewer *domain.ViewerContext) PublicView {
	return PublicView{
		ID:        obj.ID,
		Type:      obj.Type,
		ActorID:   obj.ActorID,
		Content:   obj.Content,
		Summary:   obj.Summary,
		Audience:  audienceFor(obj.To, viewer),
		ReplyTo:   obj.ReplyTo,
		CanShare:  obj.To == domain.AudiencePublic,
		CanReply:  tokenAllows(obj.CanReply, obj, viewer),
		CanReact:  tokenAllows(obj.CanReact, obj, viewer),
		CreatedAt: obj.CreatedAt,
	}
}

// audienceFor echoes the To token only when it leaks nothing: public and
// domain tokens pass through, circle tokens pass only to members.
func audienceFor(to string, viewer *domain.ViewerContext) string {
	if domain.IsCircleToken(to) {
		if viewer.Authenticated() && viewer.InCircle(domain.CircleIDOfToken(to)) {
			return to
		}
		return ""
	}
	if domain.IsUserToken(to) && to != viewer.ViewerID {
		return ""
	}
	return to
}

// tokenAllows evaluates a canReply/canReact token for the viewer.
func tokenAllows(tok string, obj *domain.Object, viewer *domain.ViewerContext) bool {
	if viewer.Authenticated() && viewer.ViewerID == obj.ActorID {
		return true
	}
	switch {
	case tok == "":
		return false
	case tok == domain.AudiencePublic:
		return true
	case !viewer.Authenticated():
		return false
	case tok == domain.AudienceLegacyServer:
		return obj.ActorDomain == viewer.ViewerDomain
	case domain.IsDomainToken(tok):
		return domain.DomainOfToken(tok) == viewer.ViewerDomain
	case domain.IsCircleToken(tok):
		return viewer.InCircle(domain.CircleIDOfToken(tok))
	default:
		return tok == viewer.ViewerID
	}
}
