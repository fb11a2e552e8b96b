package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/domain"
)

func newTestDeliveryJob(dedupeHash string) *domain.DeliveryJob {
	now := time.Now().UTC()
	return &domain.DeliveryJob{
		ID:            uuid.New(),
		ObjectID:      uuid.New().String(),
		ActivityJSON:  `{"type":"Create"}`,
		Audience:      domain.AudienceSnapshot{To: "@public"},
		Domains:       []string{"pleroma.site", "remote.test"},
		Counts:        map[string]int{},
		Status:        domain.JobPending,
		MaxAttempts:   5,
		NextAttemptAt: now,
		DedupeHash:    dedupeHash,
		ExpiresAt:     now.Add(72 * time.Hour),
		CreatedAt:     now,
	}
}

func TestEnqueueDeliveryJobDedupes(t *testing.T) {
	db := setupTestDB(t)

	first := newTestDeliveryJob("hash-1")
	created, err := db.EnqueueDeliveryJob(first)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !created {
		t.Fatal("first enqueue should create a job")
	}

	second := newTestDeliveryJob("hash-1")
	created, err = db.EnqueueDeliveryJob(second)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if created {
		t.Error("duplicate dedupe hash should not create a second job")
	}

	due, err := db.ReadDueDeliveryJobs(10)
	if err != nil {
		t.Fatalf("reading due jobs: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("expected exactly one queued job, got %d", len(due))
	}
}

func TestClaimDeliveryJobIsExclusive(t *testing.T) {
	db := setupTestDB(t)
	job := newTestDeliveryJob("hash-claim")
	if _, err := db.EnqueueDeliveryJob(job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := db.ClaimDeliveryJob(job.ID)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	claimed, err = db.ClaimDeliveryJob(job.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim of a processing job should fail")
	}
}

func TestDeliveryJobLifecycle(t *testing.T) {
	db := setupTestDB(t)
	job := newTestDeliveryJob("hash-life")
	db.EnqueueDeliveryJob(job)
	db.ClaimDeliveryJob(job.ID)

	// Partial failure reschedules as pending with the failure recorded.
	next := time.Now().UTC().Add(30 * time.Second)
	counts := map[string]int{"pleroma.site": 1}
	if err := db.RetryDeliveryJob(job.ID, 1, next, "failed domains [remote.test]: timeout", counts); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := db.ReadDeliveryJobById(job.ID.String())
	if err != nil {
		t.Fatalf("re-reading job: %v", err)
	}
	if got.Status != domain.JobPending || got.Attempts != 1 {
		t.Errorf("after retry: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.Counts["pleroma.site"] != 1 {
		t.Errorf("delivered count lost on retry: %v", got.Counts)
	}
	if got.LastError == "" {
		t.Error("last error should record the failed domains")
	}

	// Not due until next_attempt_at passes.
	due, _ := db.ReadDueDeliveryJobs(10)
	if len(due) != 0 {
		t.Errorf("job due before its backoff elapsed: %d", len(due))
	}

	db.ClaimDeliveryJob(job.ID) // stale claim fails, job is pending-but-not-due
	if err := db.CompleteDeliveryJob(job.ID, map[string]int{"pleroma.site": 1, "remote.test": 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = db.ReadDeliveryJobById(job.ID.String())
	if got.Status != domain.JobCompleted {
		t.Errorf("status after complete = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestFailDeliveryJobIsTerminal(t *testing.T) {
	db := setupTestDB(t)
	job := newTestDeliveryJob("hash-fail")
	db.EnqueueDeliveryJob(job)

	if err := db.FailDeliveryJob(job.ID, 5, "exhausted", map[string]int{}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := db.ReadDeliveryJobById(job.ID.String())
	if got.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	due, _ := db.ReadDueDeliveryJobs(10)
	if len(due) != 0 {
		t.Error("failed job still claimable")
	}
}

func TestSweepDeliveryJobsHonorsTTL(t *testing.T) {
	db := setupTestDB(t)

	expired := newTestDeliveryJob("hash-old")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	db.EnqueueDeliveryJob(expired)

	fresh := newTestDeliveryJob("hash-new")
	db.EnqueueDeliveryJob(fresh)

	n, err := db.SweepDeliveryJobs(time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d jobs, want 1", n)
	}
	if _, err := db.ReadDeliveryJobById(fresh.ID.String()); err != nil {
		t.Error("fresh job swept by mistake")
	}
}

func TestFanoutJobLifecycle(t *testing.T) {
	db := setupTestDB(t)

	id, err := db.EnqueueFanoutJob("object-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := db.ReadDueFanoutJobs(10)
	if err != nil {
		t.Fatalf("reading due: %v", err)
	}
	if len(due) != 1 || due[0].ObjectID != "object-1" {
		t.Fatalf("unexpected due jobs: %+v", due)
	}

	claimed, err := db.ClaimFanoutJob(id)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	claimed, _ = db.ClaimFanoutJob(id)
	if claimed {
		t.Error("double claim succeeded")
	}

	if err := db.CompleteFanoutJob(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	due, _ = db.ReadDueFanoutJobs(10)
	if len(due) != 0 {
		t.Error("completed fanout job still present")
	}
}

func TestRetryFanoutJobDefersNextAttempt(t *testing.T) {
	db := setupTestDB(t)
	id, _ := db.EnqueueFanoutJob("object-2")
	db.ClaimFanoutJob(id)

	if err := db.RetryFanoutJob(id, 1, time.Now().UTC().Add(time.Minute), "viewer scan failed"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	due, _ := db.ReadDueFanoutJobs(10)
	if len(due) != 0 {
		t.Error("retried job due before its backoff elapsed")
	}
}

func TestDueCheckIsOffsetIndependent(t *testing.T) {
	db := setupTestDB(t)

	// Stored timestamps are normalized to UTC; a caller handing over wall
	// times from a non-UTC zone must not skew the due comparison, which
	// sqlite performs on the timestamp text.
	east := time.FixedZone("UTC+9", 9*3600)
	west := time.FixedZone("UTC-8", -8*3600)

	due := newTestDeliveryJob("hash-east")
	due.NextAttemptAt = time.Now().Add(-time.Minute).In(east)
	if _, err := db.EnqueueDeliveryJob(due); err != nil {
		t.Fatalf("enqueueing past job: %v", err)
	}

	notDue := newTestDeliveryJob("hash-west")
	notDue.NextAttemptAt = time.Now().Add(time.Hour).In(west)
	if _, err := db.EnqueueDeliveryJob(notDue); err != nil {
		t.Fatalf("enqueueing future job: %v", err)
	}

	jobs, err := db.ReadDueDeliveryJobs(10)
	if err != nil {
		t.Fatalf("reading due jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != due.ID {
		t.Errorf("due set wrong: %+v", jobs)
	}
}
