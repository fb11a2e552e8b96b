// Package fanout materializes timeline entries. A polling worker drains
// the fan-out queue; for each queued object it walks the local actors,
// applies the visibility filter, and upserts one entry per eligible
// viewer.
package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
	"github.com/mkeska/toxodon/visibility"
)

var logger = log.WithPrefix("fanout")

const batchSize = 50

type Worker struct {
	store *db.DB
	conf  *util.AppConfig
}

func NewWorker(store *db.DB, conf *util.AppConfig) *Worker {
	return &Worker{store: store, conf: conf}
}

// Run polls the fan-out queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.conf.Conf.FanoutPollSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("fanout worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("fanout worker stopped")
			return
		case <-ticker.C:
			w.ProcessDue()
		}
	}
}

// ProcessDue claims and processes one batch of due jobs. Claiming is a
// compare-and-set on the job status, so concurrent workers never process
// the same job twice.
func (w *Worker) ProcessDue() {
	jobs, err := w.store.ReadDueFanoutJobs(batchSize)
	if err != nil {
		logger.Error("reading due fanout jobs", "err", err)
		return
	}
	for i := range jobs {
		job := jobs[i]
		claimed, err := w.store.ClaimFanoutJob(job.ID)
		if err != nil {
			logger.Error("claiming fanout job", "job", job.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		if err := w.processJob(&job); err != nil {
			w.retryOrFail(&job, err)
			continue
		}
		if err := w.store.CompleteFanoutJob(job.ID); err != nil {
			logger.Error("completing fanout job", "job", job.ID, "err", err)
		}
	}
}

func (w *Worker) processJob(job *db.FanoutJob) error {
	obj, err := w.store.ReadObjectById(job.ObjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Deleted before fan-out ran; nothing to materialize.
			return nil
		}
		return fmt.Errorf("loading object %s: %w", job.ObjectID, err)
	}

	viewers, err := w.store.ReadLocalActors()
	if err != nil {
		return fmt.Errorf("listing local actors: %w", err)
	}

	var entries int
	for i := range viewers {
		viewer := &viewers[i]
		vctx, err := w.store.BuildViewerContext(viewer.ID, viewer.Domain)
		if err != nil {
			return fmt.Errorf("viewer context for %s: %w", viewer.ID, err)
		}
		if !visibility.BuildFilter(vctx).Matches(obj) {
			continue
		}

		reason, err := w.reasonFor(obj, viewer, vctx)
		if err != nil {
			return err
		}

		snapshot, err := json.Marshal(visibility.Sanitize(obj, vctx))
		if err != nil {
			return fmt.Errorf("snapshot for %s: %w", viewer.ID, err)
		}

		entry := domain.TimelineEntry{
			ViewerID:   viewer.ID,
			ObjectID:   obj.ID,
			ObjectType: obj.Type,
			CreatedAt:  obj.CreatedAt,
			Reason:     reason,
			Scope:      visibility.ScopeOf(obj.To),
			Snapshot:   string(snapshot),
		}
		if domain.IsCircleToken(obj.To) {
			entry.LocalCircleID = domain.CircleIDOfToken(obj.To)
		}
		if err := w.store.UpsertTimelineEntry(&entry); err != nil {
			return fmt.Errorf("upserting entry for %s: %w", viewer.ID, err)
		}
		entries++
	}

	logger.Debug("fanned out", "object", obj.ID, "viewers", len(viewers), "entries", entries)
	return nil
}

// reasonFor picks the single highest-priority reason the viewer receives
// this object: self > circle > follow > mention > domain.
func (w *Worker) reasonFor(obj *domain.Object, viewer *domain.Actor, vctx *domain.ViewerContext) (domain.Reason, error) {
	if obj.ActorID == viewer.ID {
		return domain.ReasonSelf, nil
	}
	if domain.IsCircleToken(obj.To) && vctx.InCircle(domain.CircleIDOfToken(obj.To)) {
		return domain.ReasonCircle, nil
	}
	following, err := w.store.IsFollowing(viewer.ID, obj.ActorID)
	if err != nil {
		return "", fmt.Errorf("follow check for %s: %w", viewer.ID, err)
	}
	if !following && obj.ActorDomain != viewer.Domain {
		// Following "@remote.test" subscribes to every actor there.
		following, err = w.store.IsFollowing(viewer.ID, "@"+obj.ActorDomain)
		if err != nil {
			return "", fmt.Errorf("domain follow check for %s: %w", viewer.ID, err)
		}
	}
	if following {
		return domain.ReasonFollow, nil
	}
	if obj.To == viewer.ID {
		return domain.ReasonMention, nil
	}
	return domain.ReasonDomain, nil
}

func (w *Worker) retryOrFail(job *db.FanoutJob, cause error) {
	attempts := job.Attempts + 1
	if attempts >= w.conf.Conf.DeliveryMaxAttempts {
		logger.Error("fanout job failed permanently", "job", job.ID, "attempts", attempts, "err", cause)
		if err := w.store.FailFanoutJob(job.ID, attempts, cause.Error()); err != nil {
			logger.Error("marking fanout job failed", "job", job.ID, "err", err)
		}
		return
	}
	next := time.Now().UTC().Add(util.Backoff(attempts))
	logger.Warn("fanout job retry scheduled", "job", job.ID, "attempts", attempts, "next", next, "err", cause)
	if err := w.store.RetryFanoutJob(job.ID, attempts, next, cause.Error()); err != nil {
		logger.Error("rescheduling fanout job", "job", job.ID, "err", err)
	}
}

// SweepRetention soft-deletes timeline entries older than the retention
// window. Rows stay until the sweep so late duplicates of a deleted entry
// cannot resurrect it accidentally.
func SweepRetention(store *db.DB, retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := store.SweepTimeline(cutoff)
	if err != nil {
		logger.Error("timeline sweep failed", "err", err)
		return
	}
	if n > 0 {
		logger.Info("timeline sweep", "removed", n, "cutoff", cutoff)
	}
}
