package dispatch

import (
	"fmt"
	"sync"

	"github.com/mkeska/toxodon/domain"
	"golang.org/x/time/rate"
)

// actorLimiter hands out one token bucket per actor id. Buckets are kept
// for the process lifetime; the actor population on a single node is small
// enough that eviction is not worth the bookkeeping.
type actorLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newActorLimiter(perSecond float64, burst int) *actorLimiter {
	return &actorLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *actorLimiter) allow(actorID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[actorID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// defaultHooks installs the built-in auxiliary behavior: audit and
// per-actor rate limiting before Create, notification fan-out after
// Create and React. All of it is best-effort.
func defaultHooks(d *Dispatcher) map[string]*Hooks {
	createLimiter := newActorLimiter(2, 10)

	return map[string]*Hooks{
		"Create": {
			Before: func(a *domain.Activity) error {
				logger.Debug("audit", "type", a.Type, "actor", a.ActorID, "to", a.To)
				if !createLimiter.allow(a.ActorID) {
					return fmt.Errorf("actor %s over create rate", a.ActorID)
				}
				return nil
			},
			After: func(a *domain.Activity) error {
				return d.notifyMentioned(a)
			},
		},
		"React": {
			After: func(a *domain.Activity) error {
				return d.notifyAuthor(a)
			},
		},
	}
}

// notifyMentioned records a notification intent for a directly addressed
// local actor. Delivery of the notification itself is a client concern.
func (d *Dispatcher) notifyMentioned(a *domain.Activity) error {
	if !domain.IsUserToken(a.To) || a.To == a.ActorID {
		return nil
	}
	target, err := d.store.ReadActorById(a.To)
	if err != nil || !target.Local {
		return nil
	}
	logger.Info("notify", "kind", "mention", "actor", target.ID, "object", a.Object)
	return nil
}

func (d *Dispatcher) notifyAuthor(a *domain.Activity) error {
	obj, err := d.store.ReadObjectById(a.Object)
	if err != nil {
		return nil
	}
	if obj.ActorID == a.ActorID {
		return nil
	}
	logger.Info("notify", "kind", "reaction", "actor", obj.ActorID, "object", obj.ID)
	return nil
}
