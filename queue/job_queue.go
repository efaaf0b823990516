package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/models"
)

var (
	ErrPageOutOfRange    = errors.New("page number out of range")
	ErrDuplicatePage     = errors.New("page already has an outcome")
	ErrInvalidTransition = fmt.Errorf("invalid job status transition: %w", common.ErrConflict)
)

// Publisher receives every event emitted by the JobQueue.
type Publisher interface {
	Publish(ev models.ProgressEvent)
}

type discardPublisher struct{}

func (discardPublisher) Publish(models.ProgressEvent) {}

// jobEntry guards one job. Only the JobQueue touches job through mu.
type jobEntry struct {
	mu          sync.Mutex
	job         models.Job
	lastFailure string
}

// JobQueue owns the in-memory state of every job. Each job has its own lock
// and the registry map has a separate one; no method holds both.
type JobQueue struct {
	mu    sync.RWMutex
	jobs  map[string]*jobEntry
	hooks []func(models.JobSnapshot)

	publisher Publisher
	now       func() time.Time
	log       *slog.Logger
}

// NewJobQueue creates an empty queue publishing its events to pub.
func NewJobQueue(pub Publisher, logger *slog.Logger) *JobQueue {
	if pub == nil {
		pub = discardPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{
		jobs:      make(map[string]*jobEntry),
		publisher: pub,
		now:       time.Now,
		log:       logger,
	}
}

// OnStatusChange registers fn to be called after every status transition.
// Hooks run on the caller's goroutine once the job lock is released.
func (q *JobQueue) OnStatusChange(fn func(models.JobSnapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, fn)
}

// Create registers a new queued job and emits its first event.
func (q *JobQueue) Create(documentID string, totalPages int, periodID string) (models.JobSnapshot, error) {
	if totalPages < 1 {
		return models.JobSnapshot{}, common.InvalidInputf("total_pages must be at least 1, got %d", totalPages)
	}

	now := q.now()
	e := &jobEntry{job: models.Job{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Status:     models.StatusQueued,
		TotalPages: totalPages,
		Pages:      make([]models.PageOutcome, totalPages),
		PeriodID:   periodID,
		Message:    "queued",
		CreatedAt:  now,
		Seq:        1,
	}}
	for i := range e.job.Pages {
		e.job.Pages[i] = models.PageOutcome{PageNum: i + 1, Status: models.PagePending}
	}
	snap := e.job.Snapshot()

	q.mu.Lock()
	q.jobs[snap.ID] = e
	q.mu.Unlock()

	q.log.Info("job.created", "job_id", snap.ID, "document_id", documentID, "total_pages", totalPages, "period_id", periodID)
	q.publisher.Publish(snap.Event(now))
	return snap, nil
}

// MarkProcessing moves a queued job to processing.
func (q *JobQueue) MarkProcessing(jobID string) (models.JobSnapshot, error) {
	e, err := q.entry(jobID)
	if err != nil {
		return models.JobSnapshot{}, err
	}

	now := q.now()
	e.mu.Lock()
	if e.job.Status != models.StatusQueued {
		status := e.job.Status
		e.mu.Unlock()
		return models.JobSnapshot{}, fmt.Errorf("job %s: %s -> %s: %w", jobID, status, models.StatusProcessing, ErrInvalidTransition)
	}
	e.job.Status = models.StatusProcessing
	e.job.StartedAt = now
	e.job.Message = fmt.Sprintf("processing %d pages", e.job.TotalPages)
	e.job.Seq++
	snap := e.job.Snapshot()
	e.mu.Unlock()

	q.log.Info("job.processing", "job_id", jobID)
	q.publisher.Publish(snap.Event(now))
	q.notify(snap)
	return snap, nil
}

// RecordPageResult stores the terminal outcome of one page. It is the only
// place page slots and pages_done change. When the last page lands the job
// becomes failed if every page failed and completed otherwise.
func (q *JobQueue) RecordPageResult(jobID string, outcome models.PageOutcome) (models.JobSnapshot, error) {
	if outcome.Status != models.PageSucceeded && outcome.Status != models.PageFailed {
		return models.JobSnapshot{}, common.InvalidInputf("page %d outcome status %q is not terminal", outcome.PageNum, outcome.Status)
	}
	e, err := q.entry(jobID)
	if err != nil {
		return models.JobSnapshot{}, err
	}

	now := q.now()
	e.mu.Lock()
	job := &e.job
	switch {
	case job.Status != models.StatusProcessing:
		status := job.Status
		e.mu.Unlock()
		return models.JobSnapshot{}, fmt.Errorf("job %s: page result while %s: %w", jobID, status, ErrInvalidTransition)
	case outcome.PageNum < 1 || outcome.PageNum > job.TotalPages:
		total := job.TotalPages
		e.mu.Unlock()
		return models.JobSnapshot{}, fmt.Errorf("job %s: page %d of %d: %w", jobID, outcome.PageNum, total, ErrPageOutOfRange)
	case job.Pages[outcome.PageNum-1].Status != models.PagePending:
		e.mu.Unlock()
		return models.JobSnapshot{}, fmt.Errorf("job %s: page %d: %w", jobID, outcome.PageNum, ErrDuplicatePage)
	}

	job.Pages[outcome.PageNum-1] = outcome
	job.PagesDone++
	if outcome.Status == models.PageFailed {
		e.lastFailure = outcome.Error
		job.Message = fmt.Sprintf("page %d failed: %s", outcome.PageNum, outcome.Error)
	} else {
		job.Message = fmt.Sprintf("page %d of %d processed", outcome.PageNum, job.TotalPages)
	}

	finished := job.PagesDone == job.TotalPages
	if finished {
		failed := 0
		for _, p := range job.Pages {
			if p.Status == models.PageFailed {
				failed++
			}
		}
		job.CompletedAt = now
		switch {
		case failed == job.TotalPages:
			job.Status = models.StatusFailed
			job.Error = e.lastFailure
			job.Message = fmt.Sprintf("all %d pages failed", job.TotalPages)
		case failed > 0:
			job.Status = models.StatusCompleted
			job.Message = fmt.Sprintf("completed with %d of %d pages failed", failed, job.TotalPages)
		default:
			job.Status = models.StatusCompleted
			job.Message = fmt.Sprintf("completed %d pages", job.TotalPages)
		}
	}
	job.Seq++
	snap := job.Snapshot()
	e.mu.Unlock()

	if finished {
		q.log.Info("job.finished", "job_id", jobID, "status", snap.Status, "failed_pages", len(snap.FailedPages))
	}
	q.publisher.Publish(snap.Event(now))
	if finished {
		q.notify(snap)
	}
	return snap, nil
}

// NoteRetry emits a retry event for a page without touching its counters.
func (q *JobQueue) NoteRetry(jobID string, page, attempt int, cause error, delay time.Duration) error {
	e, err := q.entry(jobID)
	if err != nil {
		return err
	}

	now := q.now()
	e.mu.Lock()
	if e.job.Status != models.StatusProcessing {
		status := e.job.Status
		e.mu.Unlock()
		return fmt.Errorf("job %s: retry while %s: %w", jobID, status, ErrInvalidTransition)
	}
	e.job.Message = fmt.Sprintf("retrying page %d after attempt %d in %s: %v", page, attempt, delay, cause)
	e.job.Seq++
	snap := e.job.Snapshot()
	e.mu.Unlock()

	q.publisher.Publish(snap.Event(now))
	return nil
}

// Get returns a snapshot of the job.
func (q *JobQueue) Get(jobID string) (models.JobSnapshot, error) {
	e, err := q.entry(jobID)
	if err != nil {
		return models.JobSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Snapshot(), nil
}

// List returns jobs oldest first, filtered by status when status is not empty.
func (q *JobQueue) List(status models.JobStatus) []models.JobSnapshot {
	out := make([]models.JobSnapshot, 0)
	for _, e := range q.entries() {
		e.mu.Lock()
		if status == "" || e.job.Status == status {
			out = append(out, e.job.Snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of jobs per status.
func (q *JobQueue) Counts() map[models.JobStatus]int {
	counts := map[models.JobStatus]int{
		models.StatusQueued:     0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusFailed:     0,
	}
	for _, e := range q.entries() {
		e.mu.Lock()
		counts[e.job.Status]++
		e.mu.Unlock()
	}
	return counts
}

// Discard removes a job that never started, e.g. one refused at admission.
func (q *JobQueue) Discard(jobID string) error {
	e, err := q.entry(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	status := e.job.Status
	e.mu.Unlock()
	if status != models.StatusQueued {
		return fmt.Errorf("job %s: discard while %s: %w", jobID, status, ErrInvalidTransition)
	}

	q.mu.Lock()
	delete(q.jobs, jobID)
	q.mu.Unlock()
	q.log.Info("job.discarded", "job_id", jobID)
	return nil
}

// Cleanup drops terminal jobs that finished more than maxAge ago and
// returns their ids.
func (q *JobQueue) Cleanup(maxAge time.Duration) []string {
	cutoff := q.now().Add(-maxAge)
	var expired []string
	for id, e := range q.entriesByID() {
		e.mu.Lock()
		if e.job.Status.Terminal() && e.job.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return nil
	}

	q.mu.Lock()
	for _, id := range expired {
		delete(q.jobs, id)
	}
	q.mu.Unlock()
	q.log.Info("job.cleanup", "removed", len(expired), "max_age", maxAge.String())
	return expired
}

func (q *JobQueue) entry(jobID string) (*jobEntry, error) {
	q.mu.RLock()
	e, ok := q.jobs[jobID]
	q.mu.RUnlock()
	if !ok {
		return nil, common.NotFoundf("job %s", jobID)
	}
	return e, nil
}

func (q *JobQueue) entries() []*jobEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*jobEntry, 0, len(q.jobs))
	for _, e := range q.jobs {
		out = append(out, e)
	}
	return out
}

func (q *JobQueue) entriesByID() map[string]*jobEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]*jobEntry, len(q.jobs))
	for id, e := range q.jobs {
		out[id] = e
	}
	return out
}

func (q *JobQueue) notify(snap models.JobSnapshot) {
	q.mu.RLock()
	hooks := slices.Clone(q.hooks)
	q.mu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}
}
