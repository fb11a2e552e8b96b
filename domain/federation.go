package domain

import (
	"time"

	"github.com/google/uuid"
)

// Delivery job states. Only pending jobs with a due next_attempt_at are
// claimable; processing is the atomically-claimed state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// AudienceSnapshot records the addressing of an activity at enqueue time,
// for audit only. It is never re-resolved later.
type AudienceSnapshot struct {
	To              string   `json:"to"`
	CanReply        string   `json:"canReply"`
	CanReact        string   `json:"canReact"`
	LocalAddressees []string `json:"localAddressees,omitempty"`
}

// DeliveryJob is one outbound fan-out batch. Mutated only by the delivery
// worker; purged by the TTL sweep after success or exhaustion.
type DeliveryJob struct {
	ID            uuid.UUID
	ObjectID      string
	ActivityJSON  string
	Audience      AudienceSnapshot
	Domains       []string
	// Counts tracks per-domain outcomes: positive means delivered, -1
	// means permanently rejected. A non-zero entry is never retried.
	Counts        map[string]int
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	DedupeHash    string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// FederationCursor tracks incremental pull progress for one
// (viewer, circle, remote domain) triple. Since is opaque to us; the
// audience hash invalidates the cursor when the followed actor set or
// filters change, without deleting history.
type FederationCursor struct {
	ViewerID     string
	CircleID     string
	RemoteDomain string
	Since        string
	AudienceHash string
	UpdatedAt    time.Time
}

// SignatureNonce is one verified inbound signature hash with a hard expiry.
// A repeat before expiry is a replay.
type SignatureNonce struct {
	SigHash   string
	ExpiresAt time.Time
	CreatedAt time.Time
}
