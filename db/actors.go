package db

import (
	"database/sql"

	"github.com/mkeska/toxodon/domain"
)

const (
	sqlInsertActor = `INSERT INTO actors(id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, private_key_pem, avatar_url, local, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateRemoteActor = `UPDATE actors SET display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlSelectActor       = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, private_key_pem, avatar_url, local, last_fetched_at FROM actors`

	sqlSelectActorById   = sqlSelectActor + ` WHERE id = ?`
	sqlSelectActorByURI  = sqlSelectActor + ` WHERE actor_uri = ?`
	sqlSelectLocalActors = sqlSelectActor + ` WHERE local = 1`
)

func (db *DB) CreateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActor,
			a.ID,
			a.Username,
			a.Domain,
			a.ActorURI,
			a.DisplayName,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.PublicKeyPem,
			a.PrivateKeyPem,
			a.AvatarURL,
			a.Local,
			a.LastFetchedAt,
		)
		return err
	})
}

// UpdateRemoteActor refreshes the cached snapshot of a remote actor.
func (db *DB) UpdateRemoteActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteActor,
			a.DisplayName,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.PublicKeyPem,
			a.AvatarURL,
			a.LastFetchedAt,
			a.ActorURI,
		)
		return err
	})
}

func scanActor(row interface{ Scan(...any) error }) (*domain.Actor, error) {
	var a domain.Actor
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.Domain,
		&a.ActorURI,
		&a.DisplayName,
		&a.Summary,
		&a.InboxURI,
		&a.OutboxURI,
		&a.PublicKeyPem,
		&a.PrivateKeyPem,
		&a.AvatarURL,
		&a.Local,
		&a.LastFetchedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) ReadActorById(id string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorById, id))
}

func (db *DB) ReadActorByURI(uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorByURI, uri))
}

func (db *DB) ReadLocalActors() ([]domain.Actor, error) {
	rows, err := db.db.Query(sqlSelectLocalActors)
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
