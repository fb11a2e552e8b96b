package dispatch

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
)

func (d *Dispatcher) registerBuiltins() {
	d.Register("Create", "", d.handleCreate)
	d.Register("Follow", "", d.handleFollow)
	d.Register("Unfollow", "", d.handleUnfollow)
	d.Register("Accept", "", d.handleAccept)
	d.Register("React", "", d.handleReact)
	d.Register("Block", "", d.handleBlock)
	d.Register("Unblock", "", d.handleUnblock)
	d.Register("Mute", "", d.handleMute)
	d.Register("Unmute", "", d.handleUnmute)
	d.Register("Add", "", d.handleAdd)
	d.Register("Remove", "", d.handleRemove)
	d.Register("Undo", "", d.handleUndo)
	d.Register("Delete", "", d.handleDelete)
}

// embeddedPayload is the author-supplied part of a Create object. IDs from
// local clients are discarded; remote servers keep theirs so repeated
// deliveries dedupe on the object row.
type embeddedPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

func (d *Dispatcher) handleCreate(a *domain.Activity) (*HandlerResult, error) {
	actor, err := d.loadActor(a.ActorID)
	if err != nil {
		return nil, err
	}

	var payload embeddedPayload
	if IsEmbeddedObject(a.Object) {
		if err := json.Unmarshal([]byte(a.Object), &payload); err != nil {
			return nil, &domain.ValidationError{Field: "object", Reason: "malformed object payload"}
		}
	} else {
		payload.Content = a.Object
	}

	objectID := payload.ID
	if objectID == "" || actor.Local {
		objectID = uuid.New().String()
	}

	objectType := a.ObjectType
	if objectType == "" {
		objectType = "Note"
	}

	canReply, canReact := a.CanReply, a.CanReact
	if canReply == "" {
		canReply = a.To
	}
	if canReact == "" {
		canReact = a.To
	}

	obj := domain.Object{
		ID:          objectID,
		Type:        objectType,
		ActorID:     actor.ID,
		ActorDomain: actor.Domain,
		Content:     payload.Content,
		Summary:     firstNonEmpty(payload.Summary, a.Summary),
		To:          a.To,
		CanReply:    canReply,
		CanReact:    canReact,
		ReplyTo:     a.Target,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.store.CreateObject(&obj); err != nil {
		if db.IsUniqueViolation(err) {
			return &HandlerResult{SideEffects: []string{"create:duplicate"}}, nil
		}
		return nil, err
	}

	if _, err := d.store.EnqueueFanoutJob(obj.ID); err != nil {
		return nil, err
	}

	a.Object = obj.ID
	return &HandlerResult{
		CreatedObjects: []domain.Object{obj},
		SideEffects:    []string{"fanout:queued"},
	}, nil
}

func (d *Dispatcher) handleFollow(a *domain.Activity) (*HandlerResult, error) {
	// A @<domain> token follows the whole remote server: the token itself
	// becomes the member id, no actor resolution involved.
	if domain.IsDomainToken(a.Object) {
		circle, err := d.store.GetOrCreateCircle(a.ActorID, domain.CircleFollowing)
		if err != nil {
			return nil, err
		}
		member := domain.Member{ID: a.Object, Server: domain.DomainOfToken(a.Object)}
		added, err := d.store.AddCircleMember(circle.ID.String(), member)
		if err != nil {
			return nil, err
		}
		effect := "follow:duplicate"
		if added {
			effect = "follow:added"
		}
		return &HandlerResult{SideEffects: []string{effect}}, nil
	}

	target, err := d.loadActor(a.Object)
	if err != nil {
		return nil, err
	}
	if target.ID == a.ActorID {
		return nil, &domain.AuthorizationError{Reason: "cannot follow self"}
	}

	// A target who blocked the follower refuses the follow.
	if blocked, err := d.hasInCircle(target.ID, domain.CircleBlocked, a.ActorID); err != nil {
		return nil, err
	} else if blocked {
		return nil, &domain.AuthorizationError{Reason: "follow refused"}
	}

	circle, err := d.store.GetOrCreateCircle(a.ActorID, domain.CircleFollowing)
	if err != nil {
		return nil, err
	}
	added, err := d.store.AddCircleMember(circle.ID.String(), target.Snapshot())
	if err != nil {
		return nil, err
	}
	effect := "follow:duplicate"
	if added {
		effect = "follow:added"
	}
	return &HandlerResult{SideEffects: []string{effect}}, nil
}

func (d *Dispatcher) handleUnfollow(a *domain.Activity) (*HandlerResult, error) {
	circle, err := d.store.ReadCircleByName(a.ActorID, domain.CircleFollowing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &HandlerResult{SideEffects: []string{"unfollow:absent"}}, nil
		}
		return nil, err
	}
	removed, err := d.store.RemoveCircleMember(circle.ID.String(), a.Object)
	if err != nil {
		return nil, err
	}
	effect := "unfollow:absent"
	if removed {
		effect = "unfollow:removed"
		if err := d.dropRemoteCursor(a.Object, ""); err != nil {
			return nil, err
		}
	}
	return &HandlerResult{SideEffects: []string{effect}}, nil
}

// dropRemoteCursor removes the pull cursor of a remote actor whose
// relationship just ended. Severed local actors and domain tokens have no
// cursor to drop.
func (d *Dispatcher) dropRemoteCursor(memberID, circleID string) error {
	actor, err := d.store.ReadActorById(memberID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if actor.Local {
		return nil
	}
	return d.store.DeleteCursor(actor.ID, circleID, actor.Domain)
}

// handleAccept records a remote server's acceptance of an outbound follow.
// Follows are optimistic (the circle membership is written at Follow time),
// so the accept is an acknowledgement, not a state transition.
func (d *Dispatcher) handleAccept(a *domain.Activity) (*HandlerResult, error) {
	if _, err := d.loadActor(a.ActorID); err != nil {
		return nil, err
	}
	return &HandlerResult{SideEffects: []string{"accept:recorded"}}, nil
}

func (d *Dispatcher) handleReact(a *domain.Activity) (*HandlerResult, error) {
	// Visibility and the canReact token were checked upstream.
	obj, err := d.store.ReadObjectById(a.Object)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "object", ID: a.Object}
		}
		return nil, err
	}
	actor, err := d.loadActor(a.ActorID)
	if err != nil {
		return nil, err
	}

	reaction := domain.Object{
		ID:          uuid.New().String(),
		Type:        "Reaction",
		ActorID:     actor.ID,
		ActorDomain: actor.Domain,
		Content:     a.Summary,
		To:          obj.To,
		CanReply:    obj.ActorID,
		CanReact:    obj.ActorID,
		ReplyTo:     obj.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.store.CreateObject(&reaction); err != nil {
		return nil, err
	}
	return &HandlerResult{
		CreatedObjects: []domain.Object{reaction},
		SideEffects:    []string{"react:recorded"},
	}, nil
}

func (d *Dispatcher) handleBlock(a *domain.Activity) (*HandlerResult, error) {
	return d.addToOwnCircle(a, domain.CircleBlocked, "block")
}

func (d *Dispatcher) handleUnblock(a *domain.Activity) (*HandlerResult, error) {
	return d.removeFromOwnCircle(a, domain.CircleBlocked, "unblock")
}

func (d *Dispatcher) handleMute(a *domain.Activity) (*HandlerResult, error) {
	return d.addToOwnCircle(a, domain.CircleMuted, "mute")
}

func (d *Dispatcher) handleUnmute(a *domain.Activity) (*HandlerResult, error) {
	return d.removeFromOwnCircle(a, domain.CircleMuted, "unmute")
}

func (d *Dispatcher) handleAdd(a *domain.Activity) (*HandlerResult, error) {
	circle, err := d.ownedTargetCircle(a)
	if err != nil {
		return nil, err
	}
	added, err := d.store.AddCircleMember(circle.ID.String(), d.memberSnapshot(a.Object))
	if err != nil {
		return nil, err
	}
	effect := "add:duplicate"
	if added {
		effect = "add:member"
	}
	return &HandlerResult{SideEffects: []string{effect}}, nil
}

func (d *Dispatcher) handleRemove(a *domain.Activity) (*HandlerResult, error) {
	circle, err := d.ownedTargetCircle(a)
	if err != nil {
		return nil, err
	}
	removed, err := d.store.RemoveCircleMember(circle.ID.String(), a.Object)
	if err != nil {
		return nil, err
	}
	effect := "remove:absent"
	if removed {
		effect = "remove:member"
		if err := d.dropRemoteCursor(a.Object, circle.ID.String()); err != nil {
			return nil, err
		}
	}
	return &HandlerResult{SideEffects: []string{effect}}, nil
}

// handleUndo reverses a prior activity by dispatching the registry mirror
// of the undone type. New undoable pairs need only a Mirror entry.
func (d *Dispatcher) handleUndo(a *domain.Activity) (*HandlerResult, error) {
	desc, err := Lookup(a.ObjectType)
	if err != nil {
		return nil, &domain.ValidationError{Field: "objectType", Reason: "unknown undone type " + a.ObjectType}
	}
	if desc.Mirror == "" {
		return nil, &domain.ValidationError{Field: "objectType", Reason: a.ObjectType + " is not undoable"}
	}

	mirrored := *a
	mirrored.Type = desc.Mirror
	mirrored.ObjectType = ""

	mirrorDesc, err := Lookup(mirrored.Type)
	if err != nil {
		return nil, err
	}
	if err := checkRequired(mirrorDesc, &mirrored); err != nil {
		return nil, err
	}
	handler := d.resolveHandler(mirrored.Type, "")
	if handler == nil {
		return nil, &domain.ValidationError{Field: "objectType", Reason: "no handler for mirror " + mirrored.Type}
	}
	hr, err := handler(&mirrored)
	if err != nil {
		return nil, err
	}
	hr.SideEffects = append([]string{"undo:" + a.ObjectType}, hr.SideEffects...)
	return hr, nil
}

func (d *Dispatcher) handleDelete(a *domain.Activity) (*HandlerResult, error) {
	obj, err := d.store.ReadObjectById(a.Object)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "object", ID: a.Object}
		}
		return nil, err
	}
	if obj.ActorID != a.ActorID {
		return nil, &domain.AuthorizationError{Reason: "only the author may delete an object"}
	}
	if err := d.store.DeleteObject(obj.ID); err != nil {
		return nil, err
	}
	if err := d.store.SoftDeleteTimelineByObject(obj.ID); err != nil {
		return nil, err
	}
	a.To = obj.To
	return &HandlerResult{SideEffects: []string{"delete:tombstoned"}}, nil
}

func (d *Dispatcher) addToOwnCircle(a *domain.Activity, circleName, verb string) (*HandlerResult, error) {
	if a.Object == a.ActorID {
		return nil, &domain.AuthorizationError{Reason: "cannot " + verb + " self"}
	}
	circle, err := d.store.GetOrCreateCircle(a.ActorID, circleName)
	if err != nil {
		return nil, err
	}
	added, err := d.store.AddCircleMember(circle.ID.String(), d.memberSnapshot(a.Object))
	if err != nil {
		return nil, err
	}
	effect := verb + ":duplicate"
	if added {
		effect = verb + ":added"
	}
	effects := []string{effect}

	// Blocking severs the block issuer's own follow of the target.
	if circleName == domain.CircleBlocked && added {
		if following, err := d.store.ReadCircleByName(a.ActorID, domain.CircleFollowing); err == nil {
			if removed, err := d.store.RemoveCircleMember(following.ID.String(), a.Object); err == nil && removed {
				effects = append(effects, "unfollow:removed")
			}
		}
	}
	return &HandlerResult{SideEffects: effects}, nil
}

func (d *Dispatcher) removeFromOwnCircle(a *domain.Activity, circleName, verb string) (*HandlerResult, error) {
	circle, err := d.store.ReadCircleByName(a.ActorID, circleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &HandlerResult{SideEffects: []string{verb + ":absent"}}, nil
		}
		return nil, err
	}
	removed, err := d.store.RemoveCircleMember(circle.ID.String(), a.Object)
	if err != nil {
		return nil, err
	}
	effect := verb + ":absent"
	if removed {
		effect = verb + ":removed"
	}
	return &HandlerResult{SideEffects: []string{effect}}, nil
}

// ownedTargetCircle resolves an Add/Remove target token and enforces that
// only the circle owner manages memberships.
func (d *Dispatcher) ownedTargetCircle(a *domain.Activity) (*domain.Circle, error) {
	if !domain.IsCircleToken(a.Target) {
		return nil, &domain.ValidationError{Field: "target", Reason: "target must be a circle token"}
	}
	circle, err := d.store.ReadCircleById(domain.CircleIDOfToken(a.Target))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "circle", ID: a.Target}
		}
		return nil, err
	}
	if circle.OwnerID != a.ActorID {
		return nil, &domain.AuthorizationError{Reason: "only the owner may manage a circle"}
	}
	return circle, nil
}

func (d *Dispatcher) loadActor(id string) (*domain.Actor, error) {
	actor, err := d.store.ReadActorById(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "actor", ID: id}
		}
		return nil, err
	}
	return actor, nil
}

// memberSnapshot denormalizes actor display data into the membership row
// when the actor is known; unknown ids still join by identity.
func (d *Dispatcher) memberSnapshot(id string) domain.Member {
	if actor, err := d.store.ReadActorById(id); err == nil {
		return actor.Snapshot()
	}
	return domain.Member{ID: id}
}

func (d *Dispatcher) hasInCircle(ownerID, circleName, memberID string) (bool, error) {
	circle, err := d.store.ReadCircleByName(ownerID, circleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return d.store.HasCircleMember(circle.ID.String(), memberID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
