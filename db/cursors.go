package db

import (
	"database/sql"
	"time"

	"github.com/mkeska/toxodon/domain"
)

const (
	sqlUpsertCursor = `INSERT INTO federation_cursors(viewer_id, circle_id, remote_domain, since, audience_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(viewer_id, circle_id, remote_domain) DO UPDATE SET
			since = excluded.since,
			audience_hash = excluded.audience_hash,
			updated_at = excluded.updated_at`
	sqlSelectCursor = `SELECT viewer_id, circle_id, remote_domain, since, audience_hash, updated_at
		FROM federation_cursors WHERE viewer_id = ? AND circle_id = ? AND remote_domain = ?`
	sqlDeleteCursor = `DELETE FROM federation_cursors WHERE viewer_id = ? AND circle_id = ? AND remote_domain = ?`
)

// UpsertCursor stores pull progress; called only after a successful pull.
func (db *DB) UpsertCursor(c *domain.FederationCursor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertCursor,
			c.ViewerID,
			c.CircleID,
			c.RemoteDomain,
			c.Since,
			c.AudienceHash,
			time.Now().UTC(),
		)
		return err
	})
}

func (db *DB) ReadCursor(viewerID, circleID, remoteDomain string) (*domain.FederationCursor, error) {
	var c domain.FederationCursor
	err := db.db.QueryRow(sqlSelectCursor, viewerID, circleID, remoteDomain).Scan(
		&c.ViewerID,
		&c.CircleID,
		&c.RemoteDomain,
		&c.Since,
		&c.AudienceHash,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCursor removes a cursor on unfollow or circle removal.
func (db *DB) DeleteCursor(viewerID, circleID, remoteDomain string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteCursor, viewerID, circleID, remoteDomain)
		return err
	})
}

const (
	sqlInsertNonce       = `INSERT OR IGNORE INTO signature_nonces(sig_hash, expires_at, created_at) VALUES (?, ?, ?)`
	sqlDeleteStaleNonce  = `DELETE FROM signature_nonces WHERE sig_hash = ? AND expires_at < ?`
	sqlSweepStaleNonces  = `DELETE FROM signature_nonces WHERE expires_at < ?`
)

// RecordNonce registers an inbound signature hash with a hard expiry.
// Returns false when the hash was already recorded and not yet expired,
// which the caller treats as a replay.
func (db *DB) RecordNonce(sigHash string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	recorded := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		// An expired row with the same hash no longer counts as a replay.
		if _, err := tx.Exec(sqlDeleteStaleNonce, sigHash, now); err != nil {
			return err
		}
		res, err := tx.Exec(sqlInsertNonce, sigHash, now.Add(ttl), now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		recorded = n == 1
		return err
	})
	return recorded, err
}

// SweepNonces drops expired nonces.
func (db *DB) SweepNonces(now time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlSweepStaleNonces, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
