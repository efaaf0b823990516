// Package broker is the submission and query surface over the job queue,
// the scheduler, the period roster and the progress hub.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jupark12/docflow/analysis"
	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/export"
	"github.com/jupark12/docflow/extract"
	"github.com/jupark12/docflow/models"
	"github.com/jupark12/docflow/period"
	"github.com/jupark12/docflow/progress"
	"github.com/jupark12/docflow/queue"
)

// SubmitRequest describes one document to process. TotalPages may be left
// zero, in which case the number of pages is used.
type SubmitRequest struct {
	DocumentID string
	TotalPages int
	PeriodID   string
	Pages      []extract.PageInput
}

// Stats is returned by the stats endpoint.
type Stats struct {
	Scheduler queue.Stats              `json:"scheduler"`
	Jobs      map[models.JobStatus]int `json:"jobs"`
	Streams   progress.Stats           `json:"streams"`
	Periods   int                      `json:"periods"`
}

type Broker struct {
	jobs    *queue.JobQueue
	sched   *queue.Scheduler
	periods *period.Aggregator
	hub     *progress.Broadcaster
	tracker *analysis.Tracker
	now     func() time.Time
	log     *slog.Logger
}

// New wires the components together. tracker may be nil when error
// analysis is disabled.
func New(jobs *queue.JobQueue, sched *queue.Scheduler, periods *period.Aggregator, hub *progress.Broadcaster, tracker *analysis.Tracker, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	jobs.OnStatusChange(periods.HandleJobChange)
	return &Broker{
		jobs:    jobs,
		sched:   sched,
		periods: periods,
		hub:     hub,
		tracker: tracker,
		now:     time.Now,
		log:     logger,
	}
}

// SubmitJob creates a job, attaches it to its period and hands its pages to
// the scheduler. A locked or unknown period rejects the submission and no
// job is left behind.
func (b *Broker) SubmitJob(ctx context.Context, req SubmitRequest) (models.JobSnapshot, error) {
	if len(req.Pages) == 0 {
		return models.JobSnapshot{}, common.InvalidInputf("at least one page is required")
	}
	if req.TotalPages == 0 {
		req.TotalPages = len(req.Pages)
	}
	if req.TotalPages != len(req.Pages) {
		return models.JobSnapshot{}, common.InvalidInputf("total_pages is %d but %d pages were sent", req.TotalPages, len(req.Pages))
	}
	if req.DocumentID == "" {
		req.DocumentID = "document"
	}
	if req.PeriodID != "" {
		snap, err := b.periods.Get(req.PeriodID)
		if err != nil {
			return models.JobSnapshot{}, err
		}
		if snap.State == models.PeriodLocked {
			return models.JobSnapshot{}, fmt.Errorf("period %s: %w", req.PeriodID, common.ErrPeriodLocked)
		}
	}

	job, err := b.jobs.Create(req.DocumentID, req.TotalPages, req.PeriodID)
	if err != nil {
		return models.JobSnapshot{}, err
	}

	if req.PeriodID != "" {
		if err := b.periods.AttachJob(ctx, req.PeriodID, job.ID); err != nil {
			b.rollback(ctx, job.ID, "")
			return models.JobSnapshot{}, err
		}
	}
	if err := b.sched.Submit(job.ID, req.Pages); err != nil {
		b.rollback(ctx, job.ID, req.PeriodID)
		return models.JobSnapshot{}, err
	}

	b.log.Info("job.submitted", "job_id", job.ID, "document_id", req.DocumentID, "pages", req.TotalPages, "period_id", req.PeriodID)
	return b.jobs.Get(job.ID)
}

// rollback removes a job refused before it could run.
func (b *Broker) rollback(ctx context.Context, jobID, periodID string) {
	if periodID != "" {
		if err := b.periods.DetachJob(ctx, periodID, jobID); err != nil {
			b.log.Warn("job.rollback_detach_failed", "job_id", jobID, "period_id", periodID, "error", err)
		}
	}
	if err := b.jobs.Discard(jobID); err != nil {
		b.log.Warn("job.rollback_discard_failed", "job_id", jobID, "error", err)
	}
	b.hub.Forget(models.SubjectJob, jobID)
}

func (b *Broker) GetJob(jobID string) (models.JobSnapshot, error) {
	return b.jobs.Get(jobID)
}

// ListJobs returns all jobs, or those with the given status.
func (b *Broker) ListJobs(status string) ([]models.JobSnapshot, error) {
	s := models.JobStatus(status)
	if status != "" && !s.Valid() {
		return nil, common.InvalidInputf("unknown job status %q", status)
	}
	return b.jobs.List(s), nil
}

func (b *Broker) CreatePeriod(ctx context.Context, label, category string) (models.Period, error) {
	return b.periods.Create(ctx, label, category)
}

func (b *Broker) GetPeriod(periodID string) (models.PeriodSnapshot, error) {
	return b.periods.Get(periodID)
}

func (b *Broker) ListPeriods(f period.Filter) ([]models.Period, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, common.InvalidInputf("unknown period state %q", f.State)
	}
	return b.periods.List(f), nil
}

func (b *Broker) LockPeriod(ctx context.Context, periodID string) (models.Period, error) {
	return b.periods.Lock(ctx, periodID)
}

func (b *Broker) DetachJob(ctx context.Context, periodID, jobID string) error {
	return b.periods.DetachJob(ctx, periodID, jobID)
}

func (b *Broker) DeletePeriod(ctx context.Context, periodID string) error {
	if err := b.periods.Delete(ctx, periodID); err != nil {
		return err
	}
	b.hub.Forget(models.SubjectPeriod, periodID)
	return nil
}

// SubscribeJob opens a job stream. The first event is the job's current state.
func (b *Broker) SubscribeJob(jobID string) (*progress.Subscription, error) {
	snap, err := b.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	ev := snap.Event(b.now())
	return b.hub.Subscribe(models.SubjectJob, jobID, &ev), nil
}

// SubscribePeriod opens a period stream. The first event is the current
// aggregate.
func (b *Broker) SubscribePeriod(periodID string) (*progress.Subscription, error) {
	ev, err := b.periods.Event(periodID)
	if err != nil {
		return nil, err
	}
	return b.hub.Subscribe(models.SubjectPeriod, periodID, &ev), nil
}

// ExportPeriod renders the period's jobs and pages as an XLSX workbook.
func (b *Broker) ExportPeriod(periodID string) ([]byte, error) {
	snap, err := b.periods.Get(periodID)
	if err != nil {
		return nil, err
	}
	return export.PeriodWorkbook(snap)
}

// ErrorSummary reports the error-analysis counters. ok is false when the
// tracker is disabled.
func (b *Broker) ErrorSummary() (summary analysis.Summary, ok bool) {
	if b.tracker == nil {
		return analysis.Summary{}, false
	}
	return b.tracker.Summary(), true
}

func (b *Broker) Stats() Stats {
	return Stats{
		Scheduler: b.sched.Stats(),
		Jobs:      b.jobs.Counts(),
		Streams:   b.hub.Stats(),
		Periods:   len(b.periods.List(period.Filter{})),
	}
}

// Cleanup drops finished jobs older than retention together with their
// stream state and old analysis records.
func (b *Broker) Cleanup(retention time.Duration) int {
	removed := b.jobs.Cleanup(retention)
	for _, id := range removed {
		b.hub.Forget(models.SubjectJob, id)
	}
	if b.tracker != nil {
		b.tracker.ClearOlderThan(retention)
	}
	return len(removed)
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (b *Broker) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Cleanup(retention); n > 0 {
				b.log.Info("janitor.cleaned", "jobs", n)
			}
		}
	}
}

// Shutdown stops admitting jobs and waits for running ones.
func (b *Broker) Shutdown(ctx context.Context) error {
	err := b.sched.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		b.log.Warn("broker.shutdown_forced", "error", err)
	}
	return err
}
