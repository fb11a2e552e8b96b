package federation

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
)

const (
	deliveryBatchSize = 25
	deliveryTimeout   = 30 * time.Second
)

// Queue enqueues outbound delivery batches. It satisfies the dispatcher's
// DeliveryEnqueuer seam.
type Queue struct {
	store *db.DB
	conf  *util.AppConfig
}

func NewQueue(store *db.DB, conf *util.AppConfig) *Queue {
	return &Queue{store: store, conf: conf}
}

// DedupeHash derives the enqueue-once key for an object headed to a domain
// set. Domains are deduplicated and sorted first, so recipient order never
// produces distinct jobs.
func DedupeHash(objectID string, domains []string) string {
	return util.Sha256Hex(objectID + "\x00" + util.HashStrings(domains))
}

// EnqueueActivity stores one delivery batch for the activity. A batch
// already queued for the same (object, domain set) is not queued again;
// the bool reports whether a new job was created.
func (q *Queue) EnqueueActivity(a *domain.Activity, objectID string, domains []string, localAddressees []string) (bool, error) {
	if len(domains) == 0 {
		return false, nil
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encoding activity %s: %w", a.ID, err)
	}

	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)

	now := time.Now().UTC()
	job := &domain.DeliveryJob{
		ID:           uuid.New(),
		ObjectID:     objectID,
		ActivityJSON: string(payload),
		Audience: domain.AudienceSnapshot{
			To:              a.To,
			CanReply:        a.CanReply,
			CanReact:        a.CanReact,
			LocalAddressees: localAddressees,
		},
		Domains:       sorted,
		Counts:        map[string]int{},
		Status:        domain.JobPending,
		MaxAttempts:   q.conf.Conf.DeliveryMaxAttempts,
		NextAttemptAt: now,
		DedupeHash:    DedupeHash(objectID, domains),
		ExpiresAt:     now.Add(time.Duration(q.conf.Conf.JobTTLHours) * time.Hour),
		CreatedAt:     now,
	}
	created, err := q.store.EnqueueDeliveryJob(job)
	if err != nil {
		return false, err
	}
	if created {
		logger.Info("delivery queued", "job", job.ID, "object", objectID, "domains", len(sorted))
	}
	return created, nil
}

// Sender posts one signed payload to one remote domain. Swapped out in
// tests.
type Sender interface {
	Send(ctx context.Context, remoteDomain string, payload []byte) error
}

// httpSender signs with the server key and POSTs to the remote shared
// inbox.
type httpSender struct {
	client  *http.Client
	key     *rsa.PrivateKey
	keyID   string
	version string
}

func NewHTTPSender(key *rsa.PrivateKey, localDomain string) Sender {
	return &httpSender{
		client:  &http.Client{Timeout: deliveryTimeout},
		key:     key,
		keyID:   fmt.Sprintf("https://%s/.well-known/toxodon-key#main-key", localDomain),
		version: util.GetNameAndVersion(),
	}
}

func (s *httpSender) Send(ctx context.Context, remoteDomain string, payload []byte) error {
	inbox := fmt.Sprintf("https://%s/inbox", remoteDomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", remoteDomain, err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", s.version)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", remoteDomain)

	if err := SignRequest(req, s.key, s.keyID, payload); err != nil {
		return fmt.Errorf("signing request for %s: %w", remoteDomain, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &domain.TransientDeliveryError{Domain: remoteDomain, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &domain.TransientDeliveryError{
			Domain: remoteDomain,
			Err:    fmt.Errorf("remote returned %d", resp.StatusCode),
		}
	default:
		return fmt.Errorf("delivery to %s rejected with %d", remoteDomain, resp.StatusCode)
	}
}

// Worker drains the delivery queue: claim, post per domain, then complete,
// reschedule with backoff, or fail at the attempt ceiling.
type Worker struct {
	store  *db.DB
	conf   *util.AppConfig
	sender Sender
}

func NewWorker(store *db.DB, conf *util.AppConfig, sender Sender) *Worker {
	return &Worker{store: store, conf: conf, sender: sender}
}

// Run polls the delivery queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.conf.Conf.DeliveryPollSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("delivery worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("delivery worker stopped")
			return
		case <-ticker.C:
			w.ProcessDue(ctx)
		}
	}
}

func (w *Worker) ProcessDue(ctx context.Context) {
	jobs, err := w.store.ReadDueDeliveryJobs(deliveryBatchSize)
	if err != nil {
		logger.Error("reading due delivery jobs", "err", err)
		return
	}
	for i := range jobs {
		job := jobs[i]
		claimed, err := w.store.ClaimDeliveryJob(job.ID)
		if err != nil {
			logger.Error("claiming delivery job", "job", job.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		w.ProcessJob(ctx, &job)
	}
}

// ProcessJob delivers one claimed batch. Domains already handled in a
// previous attempt (delivered, count > 0, or permanently rejected,
// count < 0) are skipped. Only transient failures reschedule the job; a
// terminal rejection marks the domain handled so it never burns another
// attempt.
func (w *Worker) ProcessJob(ctx context.Context, job *domain.DeliveryJob) {
	if job.Counts == nil {
		job.Counts = map[string]int{}
	}

	payload := []byte(job.ActivityJSON)
	var failed []string
	var lastErr string

	for _, remote := range job.Domains {
		if job.Counts[remote] != 0 {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err := w.sender.Send(sendCtx, remote, payload)
		cancel()
		if err == nil {
			job.Counts[remote]++
			continue
		}
		if domain.IsTransient(err) {
			logger.Warn("delivery attempt failed",
				"job", job.ID, "domain", remote, "tag", domain.ErrorTag(err), "err", err)
			failed = append(failed, remote)
			lastErr = err.Error()
			continue
		}
		job.Counts[remote] = -1
		logger.Error("delivery rejected", "job", job.ID, "domain", remote, "err", err)
	}

	if len(failed) == 0 {
		if err := w.store.CompleteDeliveryJob(job.ID, job.Counts); err != nil {
			logger.Error("completing delivery job", "job", job.ID, "err", err)
			return
		}
		logger.Info("delivery completed", "job", job.ID, "domains", len(job.Domains))
		return
	}

	attempts := job.Attempts + 1
	lastError := fmt.Sprintf("failed domains [%s]: %s", strings.Join(failed, ","), lastErr)

	if attempts >= job.MaxAttempts {
		exhausted := &domain.ExhaustedRetryError{JobID: job.ID.String(), Attempts: attempts}
		logger.Error("delivery exhausted", "job", job.ID, "failed", failed, "err", exhausted)
		if err := w.store.FailDeliveryJob(job.ID, attempts, lastError, job.Counts); err != nil {
			logger.Error("marking delivery job failed", "job", job.ID, "err", err)
		}
		return
	}

	next := time.Now().UTC().Add(util.Backoff(attempts))
	if err := w.store.RetryDeliveryJob(job.ID, attempts, next, lastError, job.Counts); err != nil {
		logger.Error("rescheduling delivery job", "job", job.ID, "err", err)
		return
	}
	logger.Warn("delivery retry scheduled",
		"job", job.ID, "attempts", attempts, "next", next, "failed", failed)
}

// SweepExpired purges completed and exhausted jobs past their TTL.
func SweepExpired(store *db.DB) {
	n, err := store.SweepDeliveryJobs(time.Now().UTC())
	if err != nil {
		logger.Error("delivery sweep failed", "err", err)
		return
	}
	if n > 0 {
		logger.Info("delivery sweep", "removed", n)
	}
}
