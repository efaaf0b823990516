package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jupark12/docflow/analysis"
	"github.com/jupark12/docflow/extract"
	"github.com/jupark12/docflow/models"
	"github.com/jupark12/docflow/retry"
)

var errEmptyContent = errors.New("extractor returned empty content")

// RetryNotifier is told about every repeated attempt. The JobQueue
// implements it.
type RetryNotifier interface {
	NoteRetry(jobID string, page, attempt int, cause error, delay time.Duration) error
}

// Worker processes single pages: it runs the extractor under the retry
// policy and always produces a terminal outcome.
type Worker struct {
	ID        string
	extractor extract.Extractor
	policy    *retry.Policy
	retries   RetryNotifier
	observer  analysis.Observer
	log       *slog.Logger
}

// NewWorker creates a worker. A nil policy uses the retry defaults and a
// nil observer disables error analysis.
func NewWorker(id string, ex extract.Extractor, policy *retry.Policy, retries RetryNotifier, observer analysis.Observer, logger *slog.Logger) *Worker {
	if policy == nil {
		policy = retry.New()
	}
	if observer == nil {
		observer = analysis.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:        id,
		extractor: ex,
		policy:    policy,
		retries:   retries,
		observer:  observer,
		log:       logger.With("worker_id", id),
	}
}

// Process extracts one page of jobID.
func (w *Worker) Process(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
	start := time.Now()
	var content json.RawMessage

	res := w.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		out, err := w.extractOnce(ctx, page)
		if err != nil {
			return err
		}
		content = out
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		w.log.Warn("page.retry", "job_id", jobID, "page", page.PageNum, "attempt", attempt, "delay", delay.String(), "error", err)
		if w.retries != nil {
			if nerr := w.retries.NoteRetry(jobID, page.PageNum, attempt, err, delay); nerr != nil {
				w.log.Error("page.retry_event_failed", "job_id", jobID, "page", page.PageNum, "error", nerr)
			}
		}
		w.observer.OnRetry(analysis.PageEvent{
			JobID: jobID, DocumentID: page.DocumentID, Page: page.PageNum, Attempt: attempt, Err: err,
		})
	})

	if res.OK() {
		w.log.Debug("page.succeeded", "job_id", jobID, "page", page.PageNum, "attempts", res.Attempts,
			"elapsed_ms", time.Since(start).Milliseconds())
		w.observer.OnSuccess(analysis.PageEvent{JobID: jobID, DocumentID: page.DocumentID, Page: page.PageNum, Attempt: res.Attempts})
		return models.Succeeded(page.PageNum, res.Attempts, content)
	}

	w.log.Warn("page.failed", "job_id", jobID, "page", page.PageNum, "attempts", res.Attempts,
		"permanent", res.Permanent, "error", res.Err)
	w.observer.OnFailure(analysis.PageEvent{
		JobID: jobID, DocumentID: page.DocumentID, Page: page.PageNum, Attempt: res.Attempts, Err: res.Err, Permanent: res.Permanent,
	})
	return models.Failed(page.PageNum, res.Attempts, res.Err.Error(), res.Permanent)
}

// extractOnce makes a single attempt. Panics and empty content are
// permanent failures.
func (w *Worker) extractOnce(ctx context.Context, page extract.PageInput) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = retry.Permanent(fmt.Errorf("extractor panic: %v", r))
		}
	}()

	out, err = w.extractor.Extract(ctx, page)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(out); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, retry.Permanent(errEmptyContent)
	}
	return out, nil
}
