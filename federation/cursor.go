package federation

import (
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
	"github.com/mkeska/toxodon/visibility"
)

// ComputePullAudience resolves the local viewers a pull concerns: everyone
// whose following circle contains one of the remote actors of interest, or
// the remote domain itself via its @<domain> token. The result is
// deduplicated, sorted, and capped; determinism matters because the set
// feeds the cursor's audience hash.
func ComputePullAudience(store *db.DB, remoteDomain string, actorURIs []string, limit int) ([]string, error) {
	memberIDs := []string{"@" + remoteDomain}
	for _, uri := range actorURIs {
		if uri == "" {
			continue
		}
		actor, err := store.ReadActorByURI(uri)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Nobody here knows this actor, so nobody follows it.
				continue
			}
			return nil, err
		}
		memberIDs = append(memberIDs, actor.ID)
	}

	followers, err := store.ReadLocalFollowerIds(memberIDs)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(followers))
	for _, id := range followers {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AudienceHash fingerprints a pull audience plus the viewer's filter
// shape. A changed follower set or filter invalidates stored cursors
// without touching history.
func AudienceHash(audience []string, spec visibility.FilterSpec) string {
	parts := append([]string(nil), audience...)
	parts = append(parts, spec.CircleIDs...)
	parts = append(parts, spec.BlockedActorIDs...)
	parts = append(parts, "auth="+strconv.FormatBool(spec.Authenticated))
	return util.HashStrings(parts)
}

// PullResult is one incremental page served to a remote peer.
type PullResult struct {
	Objects []visibility.PublicView `json:"objects"`
	Since   string                  `json:"since"`
}

// PullService serves incremental object pages to verified remote peers.
type PullService struct {
	store *db.DB
	conf  *util.AppConfig
}

func NewPullService(store *db.DB, conf *util.AppConfig) *PullService {
	return &PullService{store: store, conf: conf}
}

// Serve resolves the token subject to a cached remote actor, replays the
// cursor for (subject, circle, issuer domain), and returns objects newer
// than the cursor that the subject may see. The cursor advances only after
// the page is assembled, so a failed pull repeats rather than skips.
func (s *PullService) Serve(claims *PullClaims, circleID string) (*PullResult, error) {
	subject, err := GetOrFetchActor(s.store, claims.Subject)
	if err != nil {
		return nil, err
	}

	viewer, err := s.store.BuildViewerContext(subject.ID, subject.Domain)
	if err != nil {
		return nil, err
	}
	spec := visibility.BuildFilter(viewer)

	audience, err := ComputePullAudience(s.store, claims.Issuer, []string{claims.Subject}, s.conf.Conf.PullAudienceCap)
	if err != nil {
		return nil, err
	}
	hash := AudienceHash(audience, spec)

	since := time.Time{}
	cursor, err := s.store.ReadCursor(subject.ID, circleID, claims.Issuer)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	// A stale audience hash resets the window; the peer re-pulls from the
	// start and dedupes on its side.
	if cursor != nil && cursor.AudienceHash == hash {
		if parsed, perr := time.Parse(time.RFC3339Nano, cursor.Since); perr == nil {
			since = parsed
		}
	}

	where, args := spec.SQL()
	objects, err := s.store.ReadObjectsWhere(where, args, since, s.conf.Conf.PullAudienceCap)
	if err != nil {
		return nil, err
	}

	result := &PullResult{Objects: make([]visibility.PublicView, 0, len(objects))}
	newest := since
	for i := range objects {
		obj := &objects[i]
		result.Objects = append(result.Objects, visibility.Sanitize(obj, viewer))
		if obj.CreatedAt.After(newest) {
			newest = obj.CreatedAt
		}
	}
	result.Since = newest.UTC().Format(time.RFC3339Nano)

	if err := s.store.UpsertCursor(&domain.FederationCursor{
		ViewerID:     subject.ID,
		CircleID:     circleID,
		RemoteDomain: claims.Issuer,
		Since:        result.Since,
		AudienceHash: hash,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return result, nil
}
