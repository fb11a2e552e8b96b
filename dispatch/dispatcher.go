package dispatch

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
	"github.com/mkeska/toxodon/visibility"
)

var logger = log.WithPrefix("dispatch")

// HandlerResult is what a type handler reports back on success.
type HandlerResult struct {
	CreatedObjects []domain.Object
	SideEffects    []string
}

// HandlerFunc is the per-type business logic. Handlers return taxonomy
// errors; they never write HTTP or panic.
type HandlerFunc func(a *domain.Activity) (*HandlerResult, error)

// Hooks are best-effort auxiliary behavior around a handler. Before runs
// pre-validation (rate limiting, audit), After runs post-handler
// (notification fan-out). Hook errors are logged and swallowed; they never
// roll back the handler's effect.
type Hooks struct {
	Before func(a *domain.Activity) error
	After  func(a *domain.Activity) error
}

// DeliveryEnqueuer is the outbound federation queue seam. The dispatcher
// only decides that an activity federates; queueing mechanics live behind
// this interface.
type DeliveryEnqueuer interface {
	EnqueueActivity(a *domain.Activity, objectID string, domains []string, localAddressees []string) (bool, error)
}

type handlerKey struct {
	Type       string
	ObjectType string // "" is the default handler for the type
}

// Dispatcher routes validated activity envelopes to their handlers.
// A single activity's pipeline runs sequentially; distinct activities may
// be dispatched concurrently.
type Dispatcher struct {
	store      *db.DB
	conf       *util.AppConfig
	handlers   map[handlerKey]HandlerFunc
	hooks      map[string]*Hooks
	deliveries DeliveryEnqueuer
}

// New builds a dispatcher with the built-in handler and hook set.
func New(store *db.DB, conf *util.AppConfig) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		conf:     conf,
		handlers: map[handlerKey]HandlerFunc{},
	}
	d.registerBuiltins()
	d.hooks = defaultHooks(d)
	return d
}

// SetDeliveries wires the federation queue; without it, federating
// activities only record the decision.
func (d *Dispatcher) SetDeliveries(q DeliveryEnqueuer) {
	d.deliveries = q
}

// Register installs a handler for (type, objectType). An empty objectType
// registers the type's default handler.
func (d *Dispatcher) Register(activityType, objectType string, h HandlerFunc) {
	d.handlers[handlerKey{activityType, objectType}] = h
}

func (d *Dispatcher) resolveHandler(activityType, objectType string) HandlerFunc {
	if h, ok := d.handlers[handlerKey{activityType, objectType}]; ok {
		return h
	}
	return d.handlers[handlerKey{activityType, ""}]
}

// Dispatch runs one activity through the pipeline:
// received -> normalized -> validated -> visibility-checked -> handled ->
// (federated?) -> done. Every failure lands in the result's Err; nothing
// escapes as a panic, so one bad activity cannot take down a batch.
func (d *Dispatcher) Dispatch(raw *RawActivity) *domain.Result {
	res := &domain.Result{}

	act, err := Normalize(raw)
	if err != nil {
		res.Err = err
		return res
	}
	res.Activity = act

	desc, err := Lookup(act.Type)
	if err != nil {
		res.Err = err
		return res
	}

	d.runHook("before", act)

	if err := checkRequired(desc, act); err != nil {
		res.Err = err
		return res
	}

	if err := d.checkVisibility(act); err != nil {
		res.Err = err
		return res
	}

	handler := d.resolveHandler(act.Type, act.ObjectType)
	if handler == nil {
		res.Err = &domain.ValidationError{Field: "type", Reason: "no handler for " + act.Type}
		return res
	}

	hr, err := handler(act)
	if err != nil {
		logger.Info("handler rejected activity",
			"type", act.Type, "activity", act.ID, "tag", domain.ErrorTag(err), "err", err)
		res.Err = err
		return res
	}
	res.CreatedObjects = hr.CreatedObjects
	res.SideEffects = hr.SideEffects

	if d.conf.Conf.WithFederation && desc.Federation != "" {
		d.decideFederation(desc, act, hr, res)
	}

	d.runHook("after", act)

	return res
}

// decideFederation resolves the descriptor's federation field to a set of
// remote domains and, when non-empty, marks the activity and enqueues one
// delivery batch.
func (d *Dispatcher) decideFederation(desc *Descriptor, act *domain.Activity, hr *HandlerResult, res *domain.Result) {
	remoteDomains, locals, err := d.resolveRecipients(desc, act, hr)
	if err != nil {
		logger.Warn("federation recipient resolution failed",
			"type", act.Type, "activity", act.ID, "err", err)
		return
	}
	if len(remoteDomains) == 0 {
		return
	}

	act.Federate = true
	res.Federate = true

	if d.deliveries == nil {
		return
	}
	objectID := act.Object
	if len(hr.CreatedObjects) > 0 {
		objectID = hr.CreatedObjects[0].ID
	}
	enqueued, err := d.deliveries.EnqueueActivity(act, objectID, remoteDomains, locals)
	if err != nil {
		logger.Error("failed to enqueue delivery", "activity", act.ID, "err", err)
		return
	}
	if !enqueued {
		logger.Debug("delivery already queued", "activity", act.ID, "object", objectID)
	}
}

// resolveRecipients expands the federation field into remote recipient
// domains plus the resolved local addressees kept on the job for audit.
func (d *Dispatcher) resolveRecipients(desc *Descriptor, act *domain.Activity, hr *HandlerResult) ([]string, []string, error) {
	local := d.conf.Conf.Domain
	domainSet := map[string]bool{}
	var locals []string

	addActor := func(a *domain.Actor) {
		if a.Local {
			locals = append(locals, a.ID)
		} else if a.Domain != local {
			domainSet[a.Domain] = true
		}
	}

	value := fieldValue(act, desc.Federation)
	switch {
	case value == domain.AudiencePublic:
		// Public objects travel to every server with a follower of the
		// author.
		followers, err := d.store.ReadFollowersOf(act.ActorID)
		if err != nil {
			return nil, nil, err
		}
		for i := range followers {
			addActor(&followers[i])
		}
	case domain.IsDomainToken(value):
		if target := domain.DomainOfToken(value); target != local {
			domainSet[target] = true
		}
	case domain.IsCircleToken(value):
		members, err := d.store.ReadCircleMembers(domain.CircleIDOfToken(value))
		if err != nil {
			return nil, nil, err
		}
		for _, m := range members {
			if m.Server != "" && m.Server != local {
				domainSet[m.Server] = true
			} else {
				locals = append(locals, m.ID)
			}
		}
	case domain.IsUserToken(value):
		recipient, err := d.resolveFieldActor(desc.Federation, value, hr)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		if recipient != nil {
			addActor(recipient)
		}
	}

	remoteDomains := make([]string, 0, len(domainSet))
	for dom := range domainSet {
		remoteDomains = append(remoteDomains, dom)
	}
	return remoteDomains, locals, nil
}

// resolveFieldActor maps a user-token federation value onto an actor. For
// "object" fields the value may also name a stored object, in which case
// its author is the recipient.
func (d *Dispatcher) resolveFieldActor(field, value string, hr *HandlerResult) (*domain.Actor, error) {
	if a, err := d.store.ReadActorById(value); err == nil {
		return a, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if field != "object" {
		return nil, sql.ErrNoRows
	}
	obj, err := d.store.ReadObjectById(value)
	if err != nil {
		return nil, err
	}
	return d.store.ReadActorById(obj.ActorID)
}

// checkVisibility enforces that an activity referencing an existing object
// is issued by an actor allowed to see it, and that interaction tokens
// permit the interaction.
func (d *Dispatcher) checkVisibility(act *domain.Activity) error {
	var objectID string
	var interaction string
	switch act.Type {
	case "React":
		objectID = act.Object
		interaction = "react"
	case "Create":
		if act.ObjectType != "Reply" {
			return nil
		}
		objectID = act.Target
		interaction = "reply"
	default:
		return nil
	}

	obj, err := d.store.ReadObjectById(objectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Kind: "object", ID: objectID}
		}
		return fmt.Errorf("loading referenced object: %w", err)
	}

	actor, err := d.store.ReadActorById(act.ActorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Kind: "actor", ID: act.ActorID}
		}
		return err
	}

	viewer, err := d.store.BuildViewerContext(actor.ID, actor.Domain)
	if err != nil {
		return err
	}

	if !visibility.BuildFilter(viewer).Matches(obj) {
		return &domain.AuthorizationError{Reason: "object not visible to actor"}
	}

	view := visibility.Sanitize(obj, viewer)
	if interaction == "react" && !view.CanReact {
		return &domain.AuthorizationError{Reason: "reactions not permitted on this object"}
	}
	if interaction == "reply" && !view.CanReply {
		return &domain.AuthorizationError{Reason: "replies not permitted on this object"}
	}
	return nil
}

func (d *Dispatcher) runHook(phase string, act *domain.Activity) {
	hooks, ok := d.hooks[act.Type]
	if !ok {
		return
	}
	var fn func(*domain.Activity) error
	switch phase {
	case "before":
		fn = hooks.Before
	case "after":
		fn = hooks.After
	}
	if fn == nil {
		return
	}
	if err := fn(act); err != nil {
		// Best-effort by contract; the swallow is observable in the log.
		logger.Warn("hook error swallowed",
			"phase", phase, "type", act.Type, "activity", act.ID, "err", err)
	}
}
