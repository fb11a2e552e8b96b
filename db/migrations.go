package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	// Local accounts and cached remote actors share one table; local rows
	// carry the signing keypair.
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_pem TEXT,
		private_key_pem TEXT,
		avatar_url TEXT,
		local INTEGER DEFAULT 0,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_actor_uri ON actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
	`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		object_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_domain TEXT NOT NULL,
		content TEXT,
		summary TEXT,
		to_aud TEXT NOT NULL,
		can_reply TEXT,
		can_react TEXT,
		reply_to TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_actor_id ON objects(actor_id);
		CREATE INDEX IF NOT EXISTS idx_objects_created_at ON objects(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_objects_to_aud ON objects(to_aud);
	`

	sqlCreateCirclesTable = `CREATE TABLE IF NOT EXISTS circles (
		id TEXT NOT NULL PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		member_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(owner_id, name)
	)`

	sqlCreateCircleMembersTable = `CREATE TABLE IF NOT EXISTS circle_members (
		circle_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		name TEXT,
		icon TEXT,
		inbox TEXT,
		outbox TEXT,
		url TEXT,
		server TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (circle_id, member_id)
	)`

	sqlCreateCircleMembersIndices = `
		CREATE INDEX IF NOT EXISTS idx_circle_members_member_id ON circle_members(member_id);
	`

	sqlCreateTimelineTable = `CREATE TABLE IF NOT EXISTS timeline_entries (
		viewer_id TEXT NOT NULL,
		object_id TEXT NOT NULL,
		object_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		reason TEXT NOT NULL,
		scope TEXT NOT NULL,
		local_circle_id TEXT,
		snapshot TEXT,
		deleted_at TIMESTAMP,
		PRIMARY KEY (viewer_id, object_id)
	)`

	sqlCreateTimelineIndices = `
		CREATE INDEX IF NOT EXISTS idx_timeline_viewer_created ON timeline_entries(viewer_id, created_at DESC);
	`

	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT NOT NULL PRIMARY KEY,
		object_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		audience TEXT NOT NULL,
		domains TEXT NOT NULL,
		counts TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_error TEXT,
		dedupe_hash TEXT UNIQUE NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_expires ON delivery_jobs(expires_at);
	`

	sqlCreateFanoutJobsTable = `CREATE TABLE IF NOT EXISTS fanout_jobs (
		id TEXT NOT NULL PRIMARY KEY,
		object_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFanoutJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_fanout_jobs_due ON fanout_jobs(status, next_attempt_at);
	`

	sqlCreateCursorsTable = `CREATE TABLE IF NOT EXISTS federation_cursors (
		viewer_id TEXT NOT NULL,
		circle_id TEXT NOT NULL,
		remote_domain TEXT NOT NULL,
		since TEXT,
		audience_hash TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (viewer_id, circle_id, remote_domain)
	)`

	sqlCreateNoncesTable = `CREATE TABLE IF NOT EXISTS signature_nonces (
		sig_hash TEXT NOT NULL PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNoncesIndices = `
		CREATE INDEX IF NOT EXISTS idx_signature_nonces_expires ON signature_nonces(expires_at);
	`
)

// RunMigrations executes all database migrations.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"actors", sqlCreateActorsTable},
			{"objects", sqlCreateObjectsTable},
			{"circles", sqlCreateCirclesTable},
			{"circle_members", sqlCreateCircleMembersTable},
			{"timeline_entries", sqlCreateTimelineTable},
			{"delivery_jobs", sqlCreateDeliveryJobsTable},
			{"fanout_jobs", sqlCreateFanoutJobsTable},
			{"federation_cursors", sqlCreateCursorsTable},
			{"signature_nonces", sqlCreateNoncesTable},
		}
		for _, t := range tables {
			if _, err := tx.Exec(t.ddl); err != nil {
				log.Error("Error creating table", "table", t.name, "err", err)
				return err
			}
		}

		indices := []string{
			sqlCreateActorsIndices,
			sqlCreateObjectsIndices,
			sqlCreateCircleMembersIndices,
			sqlCreateTimelineIndices,
			sqlCreateDeliveryJobsIndices,
			sqlCreateFanoutJobsIndices,
			sqlCreateNoncesIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Warn("Failed to create indices", "err", err)
			}
		}

		return nil
	})
}
