package dispatch

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/domain"
)

// RawActivity is the wire shape before normalization. Audience fields stay
// raw so array-valued input can be rejected instead of silently collapsed.
type RawActivity struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actorId"`
	Object     json.RawMessage `json:"object,omitempty"`
	ObjectType string          `json:"objectType,omitempty"`
	Target     string          `json:"target,omitempty"`
	To         json.RawMessage `json:"to,omitempty"`
	CanReply   json.RawMessage `json:"canReply,omitempty"`
	CanReact   json.RawMessage `json:"canReact,omitempty"`
	// Legacy aliases, promoted into the canonical fields when those are
	// absent.
	ReplyTo json.RawMessage `json:"replyTo,omitempty"`
	ReactTo json.RawMessage `json:"reactTo,omitempty"`
	Summary string          `json:"summary,omitempty"`
}

// Normalize converts raw wire input into a clean envelope: client-supplied
// ids are stripped, legacy aliases promoted, array audiences rejected, and
// Follow's embedded actor object collapsed into a bare id.
func Normalize(raw *RawActivity) (*domain.Activity, error) {
	if raw.Type == "" {
		return nil, &domain.ValidationError{Field: "type", Reason: "required"}
	}

	to, err := decodeAudienceToken("to", raw.To)
	if err != nil {
		return nil, err
	}

	canReply := raw.CanReply
	if canReply == nil {
		canReply = raw.ReplyTo
	}
	reply, err := decodeAudienceToken("canReply", canReply)
	if err != nil {
		return nil, err
	}

	canReact := raw.CanReact
	if canReact == nil {
		canReact = raw.ReactTo
	}
	react, err := decodeAudienceToken("canReact", canReact)
	if err != nil {
		return nil, err
	}

	object, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	objectType := raw.ObjectType
	if objectType == "" {
		objectType = embeddedObjectType(raw.Object)
	}

	// The server assigns ids; whatever the client sent is dropped.
	return &domain.Activity{
		ID:         uuid.New(),
		Type:       raw.Type,
		ActorID:    raw.ActorID,
		Object:     object,
		ObjectType: objectType,
		Target:     raw.Target,
		To:         to,
		CanReply:   reply,
		CanReact:   react,
		Summary:    raw.Summary,
		CreatedAt:  time.Now(),
	}, nil
}

// decodeAudienceToken accepts exactly one token per field. Arrays are a
// validation error, not a convenience.
func decodeAudienceToken(field string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return "", &domain.ValidationError{Field: field, Reason: "must be a single audience token, not an array"}
	}
	var tok string
	if err := json.Unmarshal(trimmed, &tok); err != nil {
		return "", &domain.ValidationError{Field: field, Reason: "must be a string token"}
	}
	return tok, nil
}

// decodeObject returns the object reference id for bare-string objects, or
// the compacted embedded payload. Follow activities with an embedded actor
// object addressed by id collapse to the bare id string.
func decodeObject(raw *RawActivity) (string, error) {
	if len(raw.Object) == 0 {
		return "", nil
	}
	trimmed := bytes.TrimSpace(raw.Object)
	if trimmed[0] == '"' {
		var ref string
		if err := json.Unmarshal(trimmed, &ref); err != nil {
			return "", &domain.ValidationError{Field: "object", Reason: "malformed object reference"}
		}
		return ref, nil
	}
	if trimmed[0] != '{' {
		return "", &domain.ValidationError{Field: "object", Reason: "must be an id or an embedded object"}
	}

	if raw.Type == "Follow" || raw.Type == "Unfollow" {
		var embedded struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(trimmed, &embedded); err != nil || embedded.ID == "" {
			return "", &domain.ValidationError{Field: "object", Reason: "embedded actor object needs an id"}
		}
		return embedded.ID, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return "", &domain.ValidationError{Field: "object", Reason: "malformed embedded object"}
	}
	return compact.String(), nil
}

func embeddedObjectType(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var embedded struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &embedded); err != nil {
		return ""
	}
	return embedded.Type
}

// IsEmbeddedObject reports whether an activity's object holds an inline
// payload rather than a reference id.
func IsEmbeddedObject(object string) bool {
	return len(object) > 0 && object[0] == '{'
}
