package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/extract"
	"github.com/jupark12/docflow/models"
)

const (
	DefaultMaxConcurrentJobs = 3
	DefaultPageConcurrency   = 4
)

// Processor turns one page into a terminal outcome. It must always return.
type Processor interface {
	Process(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome

func (f ProcessorFunc) Process(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
	return f(ctx, jobID, page)
}

// SchedulerConfig holds the two concurrency ceilings.
type SchedulerConfig struct {
	MaxConcurrentJobs int
	PageConcurrency   int
}

// Stats is a point-in-time view of admission.
type Stats struct {
	Queued            int `json:"queued"`
	Active            int `json:"active"`
	Peak              int `json:"peak"`
	Submitted         int `json:"submitted"`
	Finished          int `json:"finished"`
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	PageConcurrency   int `json:"page_concurrency"`
}

type pendingJob struct {
	id    string
	pages []extract.PageInput
}

// Scheduler admits jobs FIFO, keeps at most MaxConcurrentJobs processing and
// fans each job's pages out to the Processor PageConcurrency at a time.
type Scheduler struct {
	jobs *JobQueue
	proc Processor
	cfg  SchedulerConfig

	mu        sync.Mutex
	pending   []pendingJob
	active    int
	peak      int
	submitted int
	finished  int
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewScheduler creates a scheduler recording outcomes on jobs.
func NewScheduler(jobs *JobQueue, proc Processor, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = DefaultPageConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   jobs,
		proc:   proc,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// Submit queues the pages of a job created on the JobQueue. Pages without a
// number are numbered by position; together the pages must cover 1..N once.
func (s *Scheduler) Submit(jobID string, pages []extract.PageInput) error {
	snap, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if snap.Status != models.StatusQueued {
		return fmt.Errorf("job %s is %s: %w", jobID, snap.Status, ErrInvalidTransition)
	}
	if len(pages) != snap.TotalPages {
		return common.InvalidInputf("job %s expects %d pages, got %d", jobID, snap.TotalPages, len(pages))
	}
	owned := make([]extract.PageInput, len(pages))
	seen := make([]bool, len(pages))
	for i, p := range pages {
		if p.PageNum == 0 {
			p.PageNum = i + 1
		}
		if p.PageNum < 1 || p.PageNum > len(pages) {
			return common.InvalidInputf("job %s: page %d of %d: %v", jobID, p.PageNum, len(pages), ErrPageOutOfRange)
		}
		if seen[p.PageNum-1] {
			return common.InvalidInputf("job %s: page %d listed twice", jobID, p.PageNum)
		}
		seen[p.PageNum-1] = true
		if p.DocumentID == "" {
			p.DocumentID = snap.DocumentID
		}
		owned[i] = p
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is shutting down: %w", common.ErrUnavailable)
	}
	s.pending = append(s.pending, pendingJob{id: jobID, pages: owned})
	s.submitted++
	start := s.admitLocked()
	s.mu.Unlock()

	s.log.Debug("scheduler.submitted", "job_id", jobID, "pages", len(owned), "started", len(start))
	s.start(start)
	return nil
}

// Stats returns the current admission counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:            len(s.pending),
		Active:            s.active,
		Peak:              s.peak,
		Submitted:         s.submitted,
		Finished:          s.finished,
		MaxConcurrentJobs: s.cfg.MaxConcurrentJobs,
		PageConcurrency:   s.cfg.PageConcurrency,
	}
}

// Shutdown stops admission and waits for active jobs. When ctx is done first
// in-flight extraction is cancelled, the remaining pages are recorded as
// failed and ctx.Err() is returned. Jobs still queued stay queued.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	left := len(s.pending)
	s.mu.Unlock()
	if left > 0 {
		s.log.Warn("scheduler.shutdown.queued_jobs_abandoned", "count", left)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler.shutdown.cancelling_inflight")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// admitLocked moves queued jobs into the active set while capacity allows.
func (s *Scheduler) admitLocked() []pendingJob {
	if s.closed {
		return nil
	}
	var start []pendingJob
	for s.active < s.cfg.MaxConcurrentJobs && len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = pendingJob{}
		s.pending = s.pending[1:]
		s.active++
		if s.active > s.peak {
			s.peak = s.active
		}
		s.wg.Add(1)
		start = append(start, next)
	}
	return start
}

func (s *Scheduler) start(jobs []pendingJob) {
	for _, pj := range jobs {
		go s.run(pj)
	}
}

// run is the dispatch loop of one job.
func (s *Scheduler) run(pj pendingJob) {
	defer s.finish()

	if _, err := s.jobs.MarkProcessing(pj.id); err != nil {
		s.log.Error("scheduler.mark_processing_failed", "job_id", pj.id, "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.PageConcurrency)
	for _, page := range pj.pages {
		page := page
		g.Go(func() error {
			out := s.process(pj.id, page)
			if _, err := s.jobs.RecordPageResult(pj.id, out); err != nil {
				s.log.Error("scheduler.record_page_failed", "job_id", pj.id, "page", page.PageNum, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// process calls the Processor and pins the outcome to the dispatched page.
func (s *Scheduler) process(jobID string, page extract.PageInput) (out models.PageOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler.processor_panic", "job_id", jobID, "page", page.PageNum, "panic", r)
			out = models.Failed(page.PageNum, 0, fmt.Sprintf("processor panic: %v", r), true)
		}
	}()
	out = s.proc.Process(s.ctx, jobID, page)
	out.PageNum = page.PageNum
	if out.Status != models.PageSucceeded && out.Status != models.PageFailed {
		out = models.Failed(page.PageNum, out.Attempts, "processor returned no outcome", true)
	}
	return out
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.active--
	s.finished++
	start := s.admitLocked()
	s.mu.Unlock()

	s.start(start)
	s.wg.Done()
}
