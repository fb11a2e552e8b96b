package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/domain"
)

const (
	sqlInsertDeliveryJob = `INSERT INTO delivery_jobs(id, object_id, activity_json, audience, domains, counts, status, attempts, max_attempts, next_attempt_at, last_error, dedupe_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDeliveryJob   = `SELECT id, object_id, activity_json, audience, domains, counts, status, attempts, max_attempts, next_attempt_at, last_error, dedupe_hash, expires_at, created_at, completed_at FROM delivery_jobs`
	sqlSelectDueJobs       = sqlSelectDeliveryJob + ` WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlSelectDeliveryById  = sqlSelectDeliveryJob + ` WHERE id = ?`
	sqlClaimDeliveryJob    = `UPDATE delivery_jobs SET status = 'processing' WHERE id = ? AND status = 'pending'`
	sqlCompleteDeliveryJob = `UPDATE delivery_jobs SET status = 'completed', counts = ?, completed_at = ?, last_error = '' WHERE id = ?`
	sqlRetryDeliveryJob    = `UPDATE delivery_jobs SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?, counts = ? WHERE id = ?`
	sqlFailDeliveryJob     = `UPDATE delivery_jobs SET status = 'failed', attempts = ?, last_error = ?, counts = ? WHERE id = ?`
	sqlSweepDeliveryJobs   = `DELETE FROM delivery_jobs WHERE expires_at < ?`
)

// EnqueueDeliveryJob stores a new outbound batch. A second enqueue with the
// same dedupe hash is swallowed as "already queued" and returns false.
func (db *DB) EnqueueDeliveryJob(job *domain.DeliveryJob) (bool, error) {
	audience, err := json.Marshal(job.Audience)
	if err != nil {
		return false, err
	}
	domains, err := json.Marshal(job.Domains)
	if err != nil {
		return false, err
	}
	counts, err := json.Marshal(job.Counts)
	if err != nil {
		return false, err
	}

	// Timestamps are stored in UTC; sqlite compares them as text, so a
	// mixed-offset column would break due-time checks.
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryJob,
			job.ID.String(),
			job.ObjectID,
			job.ActivityJSON,
			string(audience),
			string(domains),
			string(counts),
			string(job.Status),
			job.Attempts,
			job.MaxAttempts,
			job.NextAttemptAt.UTC(),
			job.LastError,
			job.DedupeHash,
			job.ExpiresAt.UTC(),
			job.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func scanDeliveryJob(row interface{ Scan(...any) error }) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var idStr, status, audience, domains, counts string
	var completedAt sql.NullTime
	err := row.Scan(
		&idStr,
		&job.ObjectID,
		&job.ActivityJSON,
		&audience,
		&domains,
		&counts,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextAttemptAt,
		&job.LastError,
		&job.DedupeHash,
		&job.ExpiresAt,
		&job.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ID, _ = uuid.Parse(idStr)
	job.Status = domain.JobStatus(status)
	json.Unmarshal([]byte(audience), &job.Audience)
	json.Unmarshal([]byte(domains), &job.Domains)
	json.Unmarshal([]byte(counts), &job.Counts)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// ReadDueDeliveryJobs returns pending jobs whose next attempt is due. The
// rows are candidates only; a worker owns a job after ClaimDeliveryJob.
func (db *DB) ReadDueDeliveryJobs(limit int) ([]domain.DeliveryJob, error) {
	rows, err := db.db.Query(sqlSelectDueJobs, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		job, err := scanDeliveryJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (db *DB) ReadDeliveryJobById(id string) (*domain.DeliveryJob, error) {
	return scanDeliveryJob(db.db.QueryRow(sqlSelectDeliveryById, id))
}

// ClaimDeliveryJob transitions pending -> processing atomically. With
// concurrent workers exactly one claim succeeds; the rest see false and
// skip the job.
func (db *DB) ClaimDeliveryJob(id uuid.UUID) (bool, error) {
	claimed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlClaimDeliveryJob, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

func (db *DB) CompleteDeliveryJob(id uuid.UUID, counts map[string]int) error {
	encoded, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlCompleteDeliveryJob, string(encoded), time.Now().UTC(), id.String())
		return err
	})
}

// RetryDeliveryJob returns a claimed job to pending with its failure state
// recorded for the next attempt.
func (db *DB) RetryDeliveryJob(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string, counts map[string]int) error {
	encoded, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRetryDeliveryJob, attempts, nextAttemptAt.UTC(), lastError, string(encoded), id.String())
		return err
	})
}

// FailDeliveryJob marks a job terminally failed; no further attempt is
// scheduled.
func (db *DB) FailDeliveryJob(id uuid.UUID, attempts int, lastError string, counts map[string]int) error {
	encoded, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlFailDeliveryJob, attempts, lastError, string(encoded), id.String())
		return err
	})
}

// SweepDeliveryJobs purges jobs past their TTL regardless of status.
func (db *DB) SweepDeliveryJobs(now time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlSweepDeliveryJobs, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Fan-out jobs share the claim/backoff discipline of the delivery queue.
const (
	sqlInsertFanoutJob    = `INSERT INTO fanout_jobs(id, object_id, status, attempts, next_attempt_at, last_error, created_at) VALUES (?, ?, 'pending', 0, ?, '', ?)`
	sqlSelectDueFanout    = `SELECT id, object_id, attempts FROM fanout_jobs WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlClaimFanoutJob     = `UPDATE fanout_jobs SET status = 'processing' WHERE id = ? AND status = 'pending'`
	sqlCompleteFanoutJob  = `DELETE FROM fanout_jobs WHERE id = ?`
	sqlRetryFanoutJob     = `UPDATE fanout_jobs SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`
	sqlFailFanoutJob      = `UPDATE fanout_jobs SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?`
)

// FanoutJob is a pending fan-out computation for one object.
type FanoutJob struct {
	ID       uuid.UUID
	ObjectID string
	Attempts int
}

func (db *DB) EnqueueFanoutJob(objectID string) (uuid.UUID, error) {
	id := uuid.New()
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFanoutJob, id.String(), objectID, time.Now().UTC(), time.Now().UTC())
		return err
	})
	return id, err
}

func (db *DB) ReadDueFanoutJobs(limit int) ([]FanoutJob, error) {
	rows, err := db.db.Query(sqlSelectDueFanout, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []FanoutJob
	for rows.Next() {
		var job FanoutJob
		var idStr string
		if err := rows.Scan(&idStr, &job.ObjectID, &job.Attempts); err != nil {
			return jobs, err
		}
		job.ID, _ = uuid.Parse(idStr)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (db *DB) ClaimFanoutJob(id uuid.UUID) (bool, error) {
	claimed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlClaimFanoutJob, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

func (db *DB) CompleteFanoutJob(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlCompleteFanoutJob, id.String())
		return err
	})
}

func (db *DB) RetryFanoutJob(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRetryFanoutJob, attempts, nextAttemptAt.UTC(), lastError, id.String())
		return err
	})
}

func (db *DB) FailFanoutJob(id uuid.UUID, attempts int, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlFailFanoutJob, attempts, lastError, id.String())
		return err
	})
}
