package dispatch

import (
	"github.com/mkeska/toxodon/domain"
)

// Descriptor is the static per-type rule set the dispatcher consults.
// Federation is "" for types that never leave the server, otherwise the
// name of the field whose resolved domain determines remote delivery.
// Mirror names the activity that semantically undoes this one; the Undo
// handler resolves reversals through it instead of per-type branches.
type Descriptor struct {
	Type       string
	Required   []string
	Optional   []string
	Mirror     string
	Federation string
	Validate   func(a *domain.Activity) error
}

var registry = map[string]*Descriptor{
	"Create": {
		Type:       "Create",
		Required:   []string{"actorId", "object", "objectType", "to"},
		Optional:   []string{"canReply", "canReact", "summary"},
		Federation: "to",
		Validate:   validateCreate,
	},
	"Follow": {
		Type:       "Follow",
		Required:   []string{"actorId", "object"},
		Mirror:     "Unfollow",
		Federation: "object",
	},
	"Unfollow": {
		Type:       "Unfollow",
		Required:   []string{"actorId", "object"},
		Mirror:     "Follow",
		Federation: "object",
	},
	"Accept": {
		Type:       "Accept",
		Required:   []string{"actorId", "object"},
		Federation: "object",
	},
	"React": {
		Type:       "React",
		Required:   []string{"actorId", "object"},
		Optional:   []string{"summary"},
		Federation: "object",
	},
	"Block": {
		Type:     "Block",
		Required: []string{"actorId", "object"},
		Mirror:   "Unblock",
	},
	"Unblock": {
		Type:     "Unblock",
		Required: []string{"actorId", "object"},
		Mirror:   "Block",
	},
	"Mute": {
		Type:     "Mute",
		Required: []string{"actorId", "object"},
		Mirror:   "Unmute",
	},
	"Unmute": {
		Type:     "Unmute",
		Required: []string{"actorId", "object"},
		Mirror:   "Mute",
	},
	"Add": {
		Type:     "Add",
		Required: []string{"actorId", "object", "target"},
		Mirror:   "Remove",
	},
	"Remove": {
		Type:     "Remove",
		Required: []string{"actorId", "object", "target"},
		Mirror:   "Add",
	},
	"Undo": {
		Type:     "Undo",
		Required: []string{"actorId", "object", "objectType"},
	},
	"Delete": {
		Type:       "Delete",
		Required:   []string{"actorId", "object"},
		Federation: "to",
	},
}

// Lookup returns the descriptor for an activity type. Unknown types are a
// terminal validation error, never silently ignored.
func Lookup(activityType string) (*Descriptor, error) {
	desc, ok := registry[activityType]
	if !ok {
		return nil, &domain.ValidationError{Field: "type", Reason: "unknown activity type " + activityType}
	}
	return desc, nil
}

// fieldValue maps descriptor field names onto the envelope.
func fieldValue(a *domain.Activity, field string) string {
	switch field {
	case "actorId":
		return a.ActorID
	case "object":
		return a.Object
	case "objectType":
		return a.ObjectType
	case "target":
		return a.Target
	case "to":
		return a.To
	case "canReply":
		return a.CanReply
	case "canReact":
		return a.CanReact
	case "summary":
		return a.Summary
	default:
		return ""
	}
}

// checkRequired verifies the descriptor's required fields are present, then
// runs the type's cross-field rule if it has one.
func checkRequired(desc *Descriptor, a *domain.Activity) error {
	for _, field := range desc.Required {
		if fieldValue(a, field) == "" {
			return &domain.ValidationError{Field: field, Reason: "required"}
		}
	}
	if desc.Validate != nil {
		return desc.Validate(a)
	}
	return nil
}

// validateCreate holds Create's cross-field rules: a direct user address
// must target the author's own profile stream, and replies must carry the
// object they reply to.
func validateCreate(a *domain.Activity) error {
	if domain.IsUserToken(a.To) && a.To != a.ActorID {
		return &domain.ValidationError{Field: "to", Reason: "user-addressed create must address the actor itself"}
	}
	if a.ObjectType == "Reply" && a.Target == "" {
		return &domain.ValidationError{Field: "target", Reason: "reply must reference the object replied to"}
	}
	return nil
}
