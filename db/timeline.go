package db

import (
	"database/sql"
	"time"

	"github.com/mkeska/toxodon/domain"
)

const (
	// One row per (viewer, object); re-running fan-out updates in place and
	// resurrects soft-deleted rows.
	sqlUpsertTimelineEntry = `INSERT INTO timeline_entries(viewer_id, object_id, object_type, created_at, reason, scope, local_circle_id, snapshot, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(viewer_id, object_id) DO UPDATE SET
			reason = excluded.reason,
			scope = excluded.scope,
			local_circle_id = excluded.local_circle_id,
			snapshot = excluded.snapshot,
			deleted_at = NULL`

	sqlSelectTimeline = `SELECT viewer_id, object_id, object_type, created_at, reason, scope, local_circle_id, snapshot, deleted_at
		FROM timeline_entries WHERE viewer_id = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ?`

	sqlSelectTimelineEntry = `SELECT viewer_id, object_id, object_type, created_at, reason, scope, local_circle_id, snapshot, deleted_at
		FROM timeline_entries WHERE viewer_id = ? AND object_id = ?`

	sqlSoftDeleteByObject = `UPDATE timeline_entries SET deleted_at = ? WHERE object_id = ? AND deleted_at IS NULL`

	sqlSweepDeletedEntries = `DELETE FROM timeline_entries WHERE deleted_at IS NOT NULL AND deleted_at < ?`
)

func (db *DB) UpsertTimelineEntry(e *domain.TimelineEntry) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertTimelineEntry,
			e.ViewerID,
			e.ObjectID,
			e.ObjectType,
			e.CreatedAt.UTC(),
			string(e.Reason),
			string(e.Scope),
			e.LocalCircleID,
			e.Snapshot,
		)
		return err
	})
}

func scanTimelineEntry(row interface{ Scan(...any) error }) (*domain.TimelineEntry, error) {
	var e domain.TimelineEntry
	var reason, scope string
	var deletedAt sql.NullTime
	err := row.Scan(
		&e.ViewerID,
		&e.ObjectID,
		&e.ObjectType,
		&e.CreatedAt,
		&reason,
		&scope,
		&e.LocalCircleID,
		&e.Snapshot,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Reason = domain.Reason(reason)
	e.Scope = domain.Scope(scope)
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return &e, nil
}

// ReadTimeline returns a viewer's materialized timeline, newest source
// object first.
func (db *DB) ReadTimeline(viewerID string, limit int) ([]domain.TimelineEntry, error) {
	rows, err := db.db.Query(sqlSelectTimeline, viewerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TimelineEntry
	for rows.Next() {
		e, err := scanTimelineEntry(rows)
		if err != nil {
			return entries, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (db *DB) ReadTimelineEntry(viewerID, objectID string) (*domain.TimelineEntry, error) {
	return scanTimelineEntry(db.db.QueryRow(sqlSelectTimelineEntry, viewerID, objectID))
}

// SoftDeleteTimelineByObject tombstones every viewer's copy of an object.
func (db *DB) SoftDeleteTimelineByObject(objectID string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSoftDeleteByObject, time.Now().UTC(), objectID)
		return err
	})
}

// SweepTimeline hard-deletes entries soft-deleted before the cutoff. The
// retention sweep is the only path that hard-deletes timeline rows.
func (db *DB) SweepTimeline(cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlSweepDeletedEntries, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
