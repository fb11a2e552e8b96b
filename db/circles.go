package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/domain"
)

const (
	sqlInsertCircle         = `INSERT INTO circles(id, owner_id, name, member_count, created_at) VALUES (?, ?, ?, 0, ?)`
	sqlSelectCircleByName   = `SELECT id, owner_id, name, created_at FROM circles WHERE owner_id = ? AND name = ?`
	sqlSelectCircleById     = `SELECT id, owner_id, name, created_at FROM circles WHERE id = ?`
	sqlSelectCircleCount    = `SELECT member_count FROM circles WHERE id = ?`
	sqlIncrementCircleCount = `UPDATE circles SET member_count = member_count + 1 WHERE id = ?`
	// Decrement is guarded so concurrent removes cannot drive it negative.
	sqlDecrementCircleCount = `UPDATE circles SET member_count = member_count - 1 WHERE id = ? AND member_count > 0`

	sqlInsertMemberIfAbsent = `INSERT OR IGNORE INTO circle_members(circle_id, member_id, name, icon, inbox, outbox, url, server, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlRefreshMemberSnapshot = `UPDATE circle_members SET name = ?, icon = ?, inbox = ?, outbox = ?, url = ?, server = ? WHERE circle_id = ? AND member_id = ?`
	sqlDeleteMember          = `DELETE FROM circle_members WHERE circle_id = ? AND member_id = ?`
	sqlSelectMember          = `SELECT member_id, name, icon, inbox, outbox, url, server FROM circle_members WHERE circle_id = ? AND member_id = ?`
	sqlSelectMembers         = `SELECT member_id, name, icon, inbox, outbox, url, server FROM circle_members WHERE circle_id = ?`
	sqlSelectCirclesOfMember = `SELECT circle_id FROM circle_members WHERE member_id = ?`
)

// GetOrCreateCircle returns the owner's circle with the given name,
// creating it on first use. Personal lists (blocked, muted, following) go
// through here.
func (db *DB) GetOrCreateCircle(ownerID, name string) (*domain.Circle, error) {
	c, err := db.ReadCircleByName(ownerID, name)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	circle := &domain.Circle{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCircle, circle.ID.String(), circle.OwnerID, circle.Name, circle.CreatedAt)
		return err
	})
	if err != nil {
		// Lost a create race; the existing row wins.
		if IsUniqueViolation(err) {
			return db.ReadCircleByName(ownerID, name)
		}
		return nil, err
	}
	return circle, nil
}

func scanCircle(row *sql.Row) (*domain.Circle, error) {
	var c domain.Circle
	var idStr string
	if err := row.Scan(&idStr, &c.OwnerID, &c.Name, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ID, _ = uuid.Parse(idStr)
	return &c, nil
}

func (db *DB) ReadCircleByName(ownerID, name string) (*domain.Circle, error) {
	return scanCircle(db.db.QueryRow(sqlSelectCircleByName, ownerID, name))
}

func (db *DB) ReadCircleById(id string) (*domain.Circle, error) {
	return scanCircle(db.db.QueryRow(sqlSelectCircleById, id))
}

func (db *DB) ReadCircleMemberCount(circleID string) (int, error) {
	var count int
	err := db.db.QueryRow(sqlSelectCircleCount, circleID).Scan(&count)
	return count, err
}

// AddCircleMember inserts the member snapshot if absent. Re-delivery of the
// same activity is a no-op: the primary key on (circle_id, member_id) makes
// the insert conditional, and the counter only moves when a row was
// actually added. Returns whether the member was newly added.
func (db *DB) AddCircleMember(circleID string, m domain.Member) (bool, error) {
	added := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertMemberIfAbsent,
			circleID, m.ID, m.Name, m.Icon, m.Inbox, m.Outbox, m.URL, m.Server, time.Now().UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already present: refresh the denormalized snapshot on write.
			_, err = tx.Exec(sqlRefreshMemberSnapshot,
				m.Name, m.Icon, m.Inbox, m.Outbox, m.URL, m.Server, circleID, m.ID)
			return err
		}
		added = true
		_, err = tx.Exec(sqlIncrementCircleCount, circleID)
		return err
	})
	return added, err
}

// RemoveCircleMember deletes the member if present. Removing an absent
// member modifies nothing and never decrements the counter.
func (db *DB) RemoveCircleMember(circleID, memberID string) (bool, error) {
	removed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteMember, circleID, memberID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		removed = true
		_, err = tx.Exec(sqlDecrementCircleCount, circleID)
		return err
	})
	return removed, err
}

// HasCircleMember checks membership by id equality only.
func (db *DB) HasCircleMember(circleID, memberID string) (bool, error) {
	var m domain.Member
	err := db.db.QueryRow(sqlSelectMember, circleID, memberID).
		Scan(&m.ID, &m.Name, &m.Icon, &m.Inbox, &m.Outbox, &m.URL, &m.Server)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (db *DB) ReadCircleMembers(circleID string) ([]domain.Member, error) {
	rows, err := db.db.Query(sqlSelectMembers, circleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Icon, &m.Inbox, &m.Outbox, &m.URL, &m.Server); err != nil {
			return members, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ReadCircleIdsOfMember returns every circle id the actor belongs to.
func (db *DB) ReadCircleIdsOfMember(memberID string) ([]string, error) {
	rows, err := db.db.Query(sqlSelectCirclesOfMember, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const (
	// A follower of X is any actor whose "following" circle contains X.
	sqlSelectFollowersOf = `SELECT a.id, a.username, a.domain, a.actor_uri, a.display_name, a.summary, a.inbox_uri, a.outbox_uri, a.public_key_pem, a.private_key_pem, a.avatar_url, a.local, a.last_fetched_at
		FROM actors a
		JOIN circles c ON c.owner_id = a.id AND c.name = 'following'
		JOIN circle_members m ON m.circle_id = c.id
		WHERE m.member_id = ?`
)

// ReadFollowersOf returns every actor (local or remote) following the given
// actor.
func (db *DB) ReadFollowersOf(actorID string) ([]domain.Actor, error) {
	rows, err := db.db.Query(sqlSelectFollowersOf, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

// ReadLocalFollowerIds returns the ids of local actors whose following
// circle contains any of the given member ids. Member ids may be actor ids
// or @<domain> tokens; both live in the same membership table.
func (db *DB) ReadLocalFollowerIds(memberIDs []string) ([]string, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(memberIDs))
	query := `SELECT DISTINCT a.id
		FROM actors a
		JOIN circles c ON c.owner_id = a.id AND c.name = 'following'
		JOIN circle_members m ON m.circle_id = c.id
		WHERE a.local = 1 AND m.member_id IN (` + placeholders[:len(placeholders)-1] + `)`

	args := make([]any, len(memberIDs))
	for i, id := range memberIDs {
		args[i] = id
	}
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsFollowing reports whether viewer's following circle contains the actor.
func (db *DB) IsFollowing(viewerID, actorID string) (bool, error) {
	c, err := db.ReadCircleByName(viewerID, domain.CircleFollowing)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return db.HasCircleMember(c.ID.String(), actorID)
}

// BuildViewerContext derives the ephemeral per-request view of a viewer:
// circle memberships plus the blocked set. An empty viewerID yields the
// unauthenticated context.
func (db *DB) BuildViewerContext(viewerID, viewerDomain string) (*domain.ViewerContext, error) {
	vc := &domain.ViewerContext{
		ViewerID:        viewerID,
		ViewerDomain:    viewerDomain,
		CircleIDs:       map[string]bool{},
		BlockedActorIDs: map[string]bool{},
	}
	if viewerID == "" {
		return vc, nil
	}

	circleIDs, err := db.ReadCircleIdsOfMember(viewerID)
	if err != nil {
		return nil, err
	}
	for _, id := range circleIDs {
		vc.CircleIDs[id] = true
	}

	blocked, err := db.ReadCircleByName(viewerID, domain.CircleBlocked)
	if err == sql.ErrNoRows {
		return vc, nil
	}
	if err != nil {
		return nil, err
	}
	members, err := db.ReadCircleMembers(blocked.ID.String())
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		vc.BlockedActorIDs[m.ID] = true
	}
	return vc, nil
}
