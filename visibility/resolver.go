// Package visibility decides who may see an object. The resolver is a pure
// function of a viewer context and the object's audience tokens; it never
// reaches for the network.
package visibility

import (
	"sort"
	"strings"

	"github.com/mkeska/toxodon/domain"
)

// FilterSpec is the declarative form of a viewer's visibility predicate.
// The same spec applies as an in-memory check (Matches) and as a structured
// query fragment (SQL) for collection scans.
type FilterSpec struct {
	Authenticated   bool
	ViewerID        string
	ViewerDomain    string
	CircleIDs       []string
	BlockedActorIDs []string
}

// BuildFilter derives the filter spec from a viewer context. Circle and
// blocked sets are copied out sorted so the spec is deterministic.
func BuildFilter(viewer *domain.ViewerContext) FilterSpec {
	spec := FilterSpec{
		Authenticated: viewer.Authenticated(),
		ViewerID:      viewer.ViewerID,
		ViewerDomain:  viewer.ViewerDomain,
	}
	for id := range viewer.CircleIDs {
		spec.CircleIDs = append(spec.CircleIDs, id)
	}
	sort.Strings(spec.CircleIDs)
	for id := range viewer.BlockedActorIDs {
		spec.BlockedActorIDs = append(spec.BlockedActorIDs, id)
	}
	sort.Strings(spec.BlockedActorIDs)
	return spec
}

// Matches reports whether the object is visible to the viewer the spec was
// built for.
func (f FilterSpec) Matches(obj *domain.Object) bool {
	// The author always sees their own objects, even past a block.
	if f.Authenticated && obj.ActorID == f.ViewerID {
		return true
	}
	for _, blocked := range f.BlockedActorIDs {
		if obj.ActorID == blocked {
			return false
		}
	}

	if obj.To == domain.AudiencePublic {
		return true
	}
	if !f.Authenticated {
		// Unauthenticated viewers collapse to public-only.
		return false
	}

	if domain.IsDomainToken(obj.To) && domain.DomainOfToken(obj.To) == f.ViewerDomain {
		return true
	}
	if legacyServerMatch(obj, f.ViewerDomain) {
		return true
	}
	if domain.IsCircleToken(obj.To) {
		circleID := domain.CircleIDOfToken(obj.To)
		for _, id := range f.CircleIDs {
			if id == circleID {
				return true
			}
		}
		return false
	}
	if domain.IsUserToken(obj.To) && obj.To == f.ViewerID {
		return true
	}
	return false
}

// legacyServerMatch handles objects stored before the explicit @<domain>
// token existed: @server plus an actor-domain match. Compatibility shim,
// removable once stored objects are migrated.
func legacyServerMatch(obj *domain.Object, viewerDomain string) bool {
	return obj.To == domain.AudienceLegacyServer && obj.ActorDomain == viewerDomain
}

// SQL renders the spec as a WHERE fragment over the objects table, with
// positional args. The fragment mirrors Matches clause for clause.
func (f FilterSpec) SQL() (string, []any) {
	var clauses []string
	var args []any

	if !f.Authenticated {
		return `to_aud = ?`, []any{domain.AudiencePublic}
	}

	clauses = append(clauses, `to_aud = ?`)
	args = append(args, domain.AudiencePublic)

	clauses = append(clauses, `to_aud = ?`)
	args = append(args, "@"+f.ViewerDomain)

	// Legacy @server branch.
	clauses = append(clauses, `(to_aud = ? AND actor_domain = ?)`)
	args = append(args, domain.AudienceLegacyServer, f.ViewerDomain)

	if len(f.CircleIDs) > 0 {
		placeholders := make([]string, 0, len(f.CircleIDs)*2)
		for _, id := range f.CircleIDs {
			placeholders = append(placeholders, "?", "?")
			args = append(args, "circle:"+id, "group:"+id)
		}
		clauses = append(clauses, `to_aud IN (`+strings.Join(placeholders, ", ")+`)`)
	}

	clauses = append(clauses, `to_aud = ?`)
	args = append(args, f.ViewerID)

	clauses = append(clauses, `actor_id = ?`)
	args = append(args, f.ViewerID)

	visible := `(` + strings.Join(clauses, ` OR `) + `)`

	if len(f.BlockedActorIDs) > 0 {
		placeholders := make([]string, len(f.BlockedActorIDs))
		for i, id := range f.BlockedActorIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		// Blocked authors are excluded unless the viewer is the author.
		visible += ` AND (actor_id NOT IN (` + strings.Join(placeholders, ", ") + `) OR actor_id = ?)`
		args = append(args, f.ViewerID)
	}

	return visible, args
}

// ScopeOf maps an audience token onto the timeline scope recorded with
// fanned-out entries.
func ScopeOf(to string) domain.Scope {
	switch {
	case to == domain.AudiencePublic:
		return domain.ScopePublic
	case domain.IsDomainToken(to) || to == domain.AudienceLegacyServer:
		return domain.ScopeServer
	default:
		return domain.ScopeCircle
	}
}
