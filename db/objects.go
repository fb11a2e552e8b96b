package db

import (
	"database/sql"
	"time"

	"github.com/mkeska/toxodon/domain"
)

const (
	sqlInsertObject = `INSERT INTO objects(id, object_type, actor_id, actor_domain, content, summary, to_aud, can_reply, can_react, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectObject     = `SELECT id, object_type, actor_id, actor_domain, content, summary, to_aud, can_reply, can_react, reply_to, created_at FROM objects`
	sqlSelectObjectById = sqlSelectObject + ` WHERE id = ?`
	sqlDeleteObject     = `DELETE FROM objects WHERE id = ?`
)

func (db *DB) CreateObject(o *domain.Object) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertObject,
			o.ID,
			o.Type,
			o.ActorID,
			o.ActorDomain,
			o.Content,
			o.Summary,
			o.To,
			o.CanReply,
			o.CanReact,
			o.ReplyTo,
			o.CreatedAt.UTC(),
		)
		return err
	})
}

func scanObject(row interface{ Scan(...any) error }) (*domain.Object, error) {
	var o domain.Object
	err := row.Scan(
		&o.ID,
		&o.Type,
		&o.ActorID,
		&o.ActorDomain,
		&o.Content,
		&o.Summary,
		&o.To,
		&o.CanReply,
		&o.CanReact,
		&o.ReplyTo,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (db *DB) ReadObjectById(id string) (*domain.Object, error) {
	return scanObject(db.db.QueryRow(sqlSelectObjectById, id))
}

func (db *DB) DeleteObject(id string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteObject, id)
		return err
	})
}

// ReadObjectsWhere runs a collection scan constrained by a visibility
// filter's WHERE fragment. Results newer than since, oldest first, capped
// at limit.
func (db *DB) ReadObjectsWhere(where string, args []any, since time.Time, limit int) ([]domain.Object, error) {
	query := sqlSelectObject + ` WHERE (` + where + `) AND created_at > ? ORDER BY created_at ASC LIMIT ?`
	args = append(append([]any{}, args...), since.UTC(), limit)

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []domain.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return objects, err
		}
		objects = append(objects, *o)
	}
	return objects, rows.Err()
}
