package dispatch

import (
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
)

type recordedDelivery struct {
	activity *domain.Activity
	objectID string
	domains  []string
	locals   []string
}

// fakeQueue records enqueued batches instead of touching the delivery
// table.
type fakeQueue struct {
	deliveries []recordedDelivery
}

func (q *fakeQueue) EnqueueActivity(a *domain.Activity, objectID string, domains []string, locals []string) (bool, error) {
	q.deliveries = append(q.deliveries, recordedDelivery{a, objectID, domains, locals})
	return true, nil
}

func newFixture(t *testing.T) (*Dispatcher, *db.DB, *fakeQueue) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	conf := &util.AppConfig{}
	conf.Conf.Domain = "local.test"
	conf.Conf.WithFederation = true
	conf.Conf.DeliveryMaxAttempts = 5
	conf.Conf.JobTTLHours = 72

	d := New(store, conf)
	q := &fakeQueue{}
	d.SetDeliveries(q)
	return d, store, q
}

func seedActor(t *testing.T, store *db.DB, username, domainName string, local bool) *domain.Actor {
	t.Helper()
	a := &domain.Actor{
		ID:            uuid.New().String(),
		Username:      username,
		Domain:        domainName,
		ActorURI:      "https://" + domainName + "/actors/" + username,
		DisplayName:   username,
		InboxURI:      "https://" + domainName + "/actors/" + username + "/inbox",
		Local:         local,
		LastFetchedAt: time.Now().UTC(),
	}
	if err := store.CreateActor(a); err != nil {
		t.Fatalf("seeding actor %s: %v", username, err)
	}
	return a
}

func createRaw(actorID, to string) *RawActivity {
	return &RawActivity{
		Type:    "Create",
		ActorID: actorID,
		Object:  json.RawMessage(`{"type":"Note","content":"hello fediverse"}`),
		To:      json.RawMessage(`"` + to + `"`),
	}
}

func TestDispatchCreateStoresObjectAndQueuesFanout(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	res := d.Dispatch(createRaw(alice.ID, "@public"))
	if res.Err != nil {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if len(res.CreatedObjects) != 1 {
		t.Fatalf("expected one created object, got %d", len(res.CreatedObjects))
	}

	obj, err := store.ReadObjectById(res.CreatedObjects[0].ID)
	if err != nil {
		t.Fatalf("created object not stored: %v", err)
	}
	if obj.Content != "hello fediverse" || obj.To != "@public" {
		t.Errorf("stored object mangled: %+v", obj)
	}

	jobs, err := store.ReadDueFanoutJobs(10)
	if err != nil {
		t.Fatalf("reading fanout jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ObjectID != obj.ID {
		t.Errorf("fanout job not queued for the object: %+v", jobs)
	}
}

func TestDispatchPublicCreateFederatesToFollowerDomains(t *testing.T) {
	d, store, q := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	eve := seedActor(t, store, "eve", "remote.test", false)

	// eve (remote) follows alice.
	circle, err := store.GetOrCreateCircle(eve.ID, domain.CircleFollowing)
	if err != nil {
		t.Fatalf("creating circle: %v", err)
	}
	if _, err := store.AddCircleMember(circle.ID.String(), alice.Snapshot()); err != nil {
		t.Fatalf("following: %v", err)
	}

	res := d.Dispatch(createRaw(alice.ID, "@public"))
	if res.Err != nil {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if !res.Federate {
		t.Error("public create with a remote follower should federate")
	}
	if len(q.deliveries) != 1 {
		t.Fatalf("expected one delivery batch, got %d", len(q.deliveries))
	}
	got := q.deliveries[0]
	if len(got.domains) != 1 || got.domains[0] != "remote.test" {
		t.Errorf("delivery domains = %v", got.domains)
	}
}

func TestDispatchLocalOnlyCreateDoesNotFederate(t *testing.T) {
	d, store, q := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	res := d.Dispatch(createRaw(alice.ID, "@local.test"))
	if res.Err != nil {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if res.Federate || len(q.deliveries) != 0 {
		t.Error("same-domain create should stay local")
	}
}

func TestDispatchRejectsArrayAudience(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	raw := createRaw(alice.ID, "@public")
	raw.To = json.RawMessage(`["@public","@remote.test"]`)
	res := d.Dispatch(raw)
	if res.Err == nil || domain.ErrorTag(res.Err) != "validation" {
		t.Errorf("array audience should be a validation error, got %v", res.Err)
	}
}

func TestDispatchUnknownTypeIsValidationError(t *testing.T) {
	d, _, _ := newFixture(t)
	res := d.Dispatch(&RawActivity{Type: "Shout", ActorID: "whoever"})
	if res.Err == nil || domain.ErrorTag(res.Err) != "validation" {
		t.Errorf("unknown type should be a validation error, got %v", res.Err)
	}
}

func TestBlockIsIdempotent(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	mallory := seedActor(t, store, "mallory", "local.test", true)

	block := &RawActivity{Type: "Block", ActorID: alice.ID, Object: json.RawMessage(`"` + mallory.ID + `"`)}

	if res := d.Dispatch(block); res.Err != nil {
		t.Fatalf("first block: %v", res.Err)
	}
	if res := d.Dispatch(block); res.Err != nil {
		t.Fatalf("second block: %v", res.Err)
	}

	circle, err := store.ReadCircleByName(alice.ID, domain.CircleBlocked)
	if err != nil {
		t.Fatalf("blocked circle missing: %v", err)
	}
	count, _ := store.ReadCircleMemberCount(circle.ID.String())
	if count != 1 {
		t.Errorf("double block inflated member count to %d", count)
	}
}

func TestBlockSelfIsRejected(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	res := d.Dispatch(&RawActivity{Type: "Block", ActorID: alice.ID, Object: json.RawMessage(`"` + alice.ID + `"`)})
	if res.Err == nil || domain.ErrorTag(res.Err) != "authorization" {
		t.Errorf("blocking self should be an authorization error, got %v", res.Err)
	}
}

func TestBlockedAuthorBecomesInvisible(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	mallory := seedActor(t, store, "mallory", "local.test", true)

	res := d.Dispatch(createRaw(mallory.ID, "@public"))
	if res.Err != nil {
		t.Fatalf("mallory's create: %v", res.Err)
	}
	objID := res.CreatedObjects[0].ID

	if res := d.Dispatch(&RawActivity{Type: "Block", ActorID: alice.ID, Object: json.RawMessage(`"` + mallory.ID + `"`)}); res.Err != nil {
		t.Fatalf("block: %v", res.Err)
	}

	// React now fails the visibility check: mallory is blocked by alice.
	react := &RawActivity{Type: "React", ActorID: alice.ID, Object: json.RawMessage(`"` + objID + `"`), Summary: "👍"}
	if res := d.Dispatch(react); res.Err == nil || domain.ErrorTag(res.Err) != "authorization" {
		t.Errorf("react to blocked author's object should fail authorization, got %v", res.Err)
	}
}

func TestFollowThenUndoRestoresState(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	bob := seedActor(t, store, "bob", "local.test", true)

	follow := &RawActivity{Type: "Follow", ActorID: alice.ID, Object: json.RawMessage(`"` + bob.ID + `"`)}
	if res := d.Dispatch(follow); res.Err != nil {
		t.Fatalf("follow: %v", res.Err)
	}
	following, err := store.IsFollowing(alice.ID, bob.ID)
	if err != nil || !following {
		t.Fatalf("follow not recorded: following=%v err=%v", following, err)
	}

	undo := &RawActivity{
		Type:       "Undo",
		ActorID:    alice.ID,
		Object:     json.RawMessage(`"` + bob.ID + `"`),
		ObjectType: "Follow",
	}
	if res := d.Dispatch(undo); res.Err != nil {
		t.Fatalf("undo: %v", res.Err)
	}
	following, _ = store.IsFollowing(alice.ID, bob.ID)
	if following {
		t.Error("undo follow left the membership in place")
	}
}

func TestUndoOfNonUndoableTypeIsRejected(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	undo := &RawActivity{
		Type:       "Undo",
		ActorID:    alice.ID,
		Object:     json.RawMessage(`"whatever"`),
		ObjectType: "Create",
	}
	res := d.Dispatch(undo)
	if res.Err == nil || domain.ErrorTag(res.Err) != "validation" {
		t.Errorf("undoing Create should be a validation error, got %v", res.Err)
	}
}

func TestAddRemoveCircleMembership(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	bob := seedActor(t, store, "bob", "local.test", true)

	circle, err := store.GetOrCreateCircle(alice.ID, "friends")
	if err != nil {
		t.Fatalf("creating circle: %v", err)
	}
	add := &RawActivity{
		Type:    "Add",
		ActorID: alice.ID,
		Object:  json.RawMessage(`"` + bob.ID + `"`),
		Target:  "circle:" + circle.ID.String(),
	}
	if res := d.Dispatch(add); res.Err != nil {
		t.Fatalf("add: %v", res.Err)
	}
	if res := d.Dispatch(add); res.Err != nil {
		t.Fatalf("second add: %v", res.Err)
	}
	count, _ := store.ReadCircleMemberCount(circle.ID.String())
	if count != 1 {
		t.Errorf("double add inflated count to %d", count)
	}

	// Removing someone who was never added is a no-op, not an error.
	carol := seedActor(t, store, "carol", "local.test", true)
	remove := &RawActivity{
		Type:    "Remove",
		ActorID: alice.ID,
		Object:  json.RawMessage(`"` + carol.ID + `"`),
		Target:  "circle:" + circle.ID.String(),
	}
	if res := d.Dispatch(remove); res.Err != nil {
		t.Fatalf("remove of absent member errored: %v", res.Err)
	}
	count, _ = store.ReadCircleMemberCount(circle.ID.String())
	if count != 1 {
		t.Errorf("no-op remove changed count to %d", count)
	}
}

func TestAddToForeignCircleIsRejected(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	bob := seedActor(t, store, "bob", "local.test", true)

	circle, _ := store.GetOrCreateCircle(alice.ID, "friends")
	add := &RawActivity{
		Type:    "Add",
		ActorID: bob.ID,
		Object:  json.RawMessage(`"` + bob.ID + `"`),
		Target:  "circle:" + circle.ID.String(),
	}
	res := d.Dispatch(add)
	if res.Err == nil || domain.ErrorTag(res.Err) != "authorization" {
		t.Errorf("managing a foreign circle should fail authorization, got %v", res.Err)
	}
}

func TestDeleteOnlyByAuthor(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	bob := seedActor(t, store, "bob", "local.test", true)

	res := d.Dispatch(createRaw(alice.ID, "@public"))
	if res.Err != nil {
		t.Fatalf("create: %v", res.Err)
	}
	objID := res.CreatedObjects[0].ID

	del := &RawActivity{Type: "Delete", ActorID: bob.ID, Object: json.RawMessage(`"` + objID + `"`)}
	if res := d.Dispatch(del); res.Err == nil || domain.ErrorTag(res.Err) != "authorization" {
		t.Errorf("delete by non-author should fail authorization, got %v", res.Err)
	}

	del.ActorID = alice.ID
	if res := d.Dispatch(del); res.Err != nil {
		t.Fatalf("delete by author: %v", res.Err)
	}
	if _, err := store.ReadObjectById(objID); err == nil {
		t.Error("deleted object still readable")
	}
}

func TestReactHonorsCanReactToken(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	bob := seedActor(t, store, "bob", "local.test", true)

	// Public note, but reactions restricted to the author alone.
	raw := createRaw(alice.ID, "@public")
	raw.CanReact = json.RawMessage(`"` + alice.ID + `"`)
	res := d.Dispatch(raw)
	if res.Err != nil {
		t.Fatalf("create: %v", res.Err)
	}
	objID := res.CreatedObjects[0].ID

	react := &RawActivity{Type: "React", ActorID: bob.ID, Object: json.RawMessage(`"` + objID + `"`), Summary: "🎉"}
	if res := d.Dispatch(react); res.Err == nil || domain.ErrorTag(res.Err) != "authorization" {
		t.Errorf("react against a restrictive canReact should fail, got %v", res.Err)
	}

	// An open note accepts the reaction and records it.
	open := d.Dispatch(createRaw(alice.ID, "@public"))
	react.Object = json.RawMessage(`"` + open.CreatedObjects[0].ID + `"`)
	res = d.Dispatch(react)
	if res.Err != nil {
		t.Fatalf("react: %v", res.Err)
	}
	if len(res.CreatedObjects) != 1 || res.CreatedObjects[0].Type != "Reaction" {
		t.Errorf("reaction object not recorded: %+v", res.CreatedObjects)
	}
}

func TestReactToMissingObjectIsNotFound(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	react := &RawActivity{Type: "React", ActorID: alice.ID, Object: json.RawMessage(`"no-such-object"`)}
	res := d.Dispatch(react)
	if res.Err == nil || domain.ErrorTag(res.Err) != "not_found" {
		t.Errorf("react to missing object should be not_found, got %v", res.Err)
	}
}

func TestCreateReplyRequiresTarget(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	raw := &RawActivity{
		Type:       "Create",
		ActorID:    alice.ID,
		Object:     json.RawMessage(`{"type":"Reply","content":"me too"}`),
		ObjectType: "Reply",
		To:         json.RawMessage(`"@public"`),
	}
	res := d.Dispatch(raw)
	if res.Err == nil || domain.ErrorTag(res.Err) != "validation" {
		t.Errorf("reply without target should be a validation error, got %v", res.Err)
	}
}

func TestUserAddressedCreateMustTargetSelf(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	bob := seedActor(t, store, "bob", "local.test", true)

	res := d.Dispatch(createRaw(alice.ID, bob.ID))
	if res.Err == nil || domain.ErrorTag(res.Err) != "validation" {
		t.Errorf("user-addressed create to another actor should fail validation, got %v", res.Err)
	}
	if res := d.Dispatch(createRaw(alice.ID, alice.ID)); res.Err != nil {
		t.Errorf("self-addressed create should pass, got %v", res.Err)
	}
}

func TestFollowDomainTokenSubscribesToServer(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)

	follow := &RawActivity{Type: "Follow", ActorID: alice.ID, Object: json.RawMessage(`"@remote.test"`)}
	if res := d.Dispatch(follow); res.Err != nil {
		t.Fatalf("domain follow: %v", res.Err)
	}
	following, err := store.IsFollowing(alice.ID, "@remote.test")
	if err != nil || !following {
		t.Fatalf("domain follow not recorded: following=%v err=%v", following, err)
	}
	// Repeating is a duplicate, not an error.
	if res := d.Dispatch(follow); res.Err != nil {
		t.Fatalf("repeated domain follow: %v", res.Err)
	}

	undo := &RawActivity{
		Type:       "Undo",
		ActorID:    alice.ID,
		Object:     json.RawMessage(`"@remote.test"`),
		ObjectType: "Follow",
	}
	if res := d.Dispatch(undo); res.Err != nil {
		t.Fatalf("undo domain follow: %v", res.Err)
	}
	following, _ = store.IsFollowing(alice.ID, "@remote.test")
	if following {
		t.Error("undo left the domain subscription in place")
	}
}

func seedCursor(t *testing.T, store *db.DB, viewerID, circleID, remoteDomain string) {
	t.Helper()
	err := store.UpsertCursor(&domain.FederationCursor{
		ViewerID:     viewerID,
		CircleID:     circleID,
		RemoteDomain: remoteDomain,
		Since:        time.Now().UTC().Format(time.RFC3339Nano),
		AudienceHash: "h",
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seeding cursor: %v", err)
	}
}

func TestUnfollowDropsRemotePullCursor(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	eve := seedActor(t, store, "eve", "remote.test", false)

	follow := &RawActivity{Type: "Follow", ActorID: alice.ID, Object: json.RawMessage(`"` + eve.ID + `"`)}
	if res := d.Dispatch(follow); res.Err != nil {
		t.Fatalf("follow: %v", res.Err)
	}
	seedCursor(t, store, eve.ID, "", "remote.test")

	undo := &RawActivity{
		Type:       "Undo",
		ActorID:    alice.ID,
		Object:     json.RawMessage(`"` + eve.ID + `"`),
		ObjectType: "Follow",
	}
	if res := d.Dispatch(undo); res.Err != nil {
		t.Fatalf("undo: %v", res.Err)
	}
	if _, err := store.ReadCursor(eve.ID, "", "remote.test"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("unfollow left the pull cursor in place: err=%v", err)
	}
}

func TestCircleRemoveDropsScopedCursor(t *testing.T) {
	d, store, _ := newFixture(t)
	alice := seedActor(t, store, "alice", "local.test", true)
	eve := seedActor(t, store, "eve", "remote.test", false)

	circle, err := store.GetOrCreateCircle(alice.ID, "friends")
	if err != nil {
		t.Fatalf("creating circle: %v", err)
	}
	add := &RawActivity{
		Type:    "Add",
		ActorID: alice.ID,
		Object:  json.RawMessage(`"` + eve.ID + `"`),
		Target:  "circle:" + circle.ID.String(),
	}
	if res := d.Dispatch(add); res.Err != nil {
		t.Fatalf("add: %v", res.Err)
	}
	seedCursor(t, store, eve.ID, circle.ID.String(), "remote.test")
	// An unrelated cursor for the same viewer survives the removal.
	seedCursor(t, store, eve.ID, "", "remote.test")

	remove := &RawActivity{
		Type:    "Remove",
		ActorID: alice.ID,
		Object:  json.RawMessage(`"` + eve.ID + `"`),
		Target:  "circle:" + circle.ID.String(),
	}
	if res := d.Dispatch(remove); res.Err != nil {
		t.Fatalf("remove: %v", res.Err)
	}
	if _, err := store.ReadCursor(eve.ID, circle.ID.String(), "remote.test"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("remove left the scoped cursor in place: err=%v", err)
	}
	if _, err := store.ReadCursor(eve.ID, "", "remote.test"); err != nil {
		t.Errorf("remove dropped the wrong cursor: %v", err)
	}
}
