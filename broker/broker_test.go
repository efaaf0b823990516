package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/docflow/analysis"
	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/extract"
	"github.com/jupark12/docflow/models"
	"github.com/jupark12/docflow/period"
	"github.com/jupark12/docflow/progress"
	"github.com/jupark12/docflow/queue"
	"github.com/jupark12/docflow/retry"
	"github.com/jupark12/docflow/worker"
)

// collectingSink keeps every event the hub accepted.
type collectingSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *collectingSink) Send(ev models.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *collectingSink) jobEvents(jobID string) []models.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgressEvent
	for _, ev := range s.events {
		if ev.SubjectKind == models.SubjectJob && ev.SubjectID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	broker  *Broker
	sink    *collectingSink
	tracker *analysis.Tracker
}

func newHarness(t *testing.T, ex extract.Extractor) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &collectingSink{}
	hub := progress.New(progress.WithSink(sink), progress.WithLogger(logger))
	jobs := queue.NewJobQueue(hub, logger)
	agg := period.NewAggregator(period.NewMemoryStore(), jobs, hub, logger)
	policy := retry.New(
		retry.WithMaxRetries(3),
		retry.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	tracker := analysis.NewTracker(100, logger)
	w := worker.NewWorker("test-worker", ex, policy, jobs, tracker, logger)
	sched := queue.NewScheduler(jobs, w, queue.SchedulerConfig{MaxConcurrentJobs: 2, PageConcurrency: 2}, logger)
	b := New(jobs, sched, agg, hub, tracker, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return &harness{broker: b, sink: sink, tracker: tracker}
}

func pages(n int) []extract.PageInput {
	out := make([]extract.PageInput, n)
	for i := range out {
		out[i] = extract.PageInput{Text: fmt.Sprintf("page %d", i+1)}
	}
	return out
}

// waitJob drains the job stream and returns the final snapshot.
func waitJob(t *testing.T, b *Broker, jobID string) models.JobSnapshot {
	t.Helper()
	sub, err := b.SubscribeJob(jobID)
	if err != nil {
		t.Fatalf("SubscribeJob: %v", err)
	}
	defer sub.Close()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				snap, err := b.GetJob(jobID)
				if err != nil {
					t.Fatalf("GetJob: %v", err)
				}
				return snap
			}
		case <-timeout:
			t.Fatalf("job %s did not finish", jobID)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func content(text string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"text": text})
	return out
}

func TestTransientPageRecovers(t *testing.T) {
	var mu sync.Mutex
	calls := map[int]int{}
	ex := extract.ExtractorFunc(func(ctx context.Context, page extract.PageInput) (json.RawMessage, error) {
		mu.Lock()
		calls[page.PageNum]++
		n := calls[page.PageNum]
		mu.Unlock()
		if page.PageNum == 2 && n <= 2 {
			return nil, retry.Transient(errors.New("upstream busy"))
		}
		return content(page.Text), nil
	})
	h := newHarness(t, ex)

	snap, err := h.broker.SubmitJob(context.Background(), SubmitRequest{DocumentID: "statement.pdf", Pages: pages(3)})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	final := waitJob(t, h.broker, snap.ID)

	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", final.Status, final.Message)
	}
	if final.PagesDone != 3 || final.Progress != 100 {
		t.Errorf("pages_done = %d progress = %d", final.PagesDone, final.Progress)
	}
	if len(final.FailedPages) != 0 {
		t.Errorf("failed pages = %v", final.FailedPages)
	}
	if got := final.PageResults[1].Attempts; got != 3 {
		t.Errorf("page 2 attempts = %d, want 3", got)
	}

	retries := 0
	for _, ev := range h.sink.jobEvents(snap.ID) {
		if strings.HasPrefix(ev.Message, "retrying page 2") {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("retry events = %d, want 2", retries)
	}
	if sum, ok := h.broker.ErrorSummary(); !ok || sum.ByKind[analysis.KindRetry] != 2 {
		t.Errorf("error summary = %+v", sum)
	}
}

func TestAllPagesFailPermanently(t *testing.T) {
	ex := extract.ExtractorFunc(func(ctx context.Context, page extract.PageInput) (json.RawMessage, error) {
		return nil, retry.Permanentf("page %d is unreadable", page.PageNum)
	})
	h := newHarness(t, ex)

	snap, err := h.broker.SubmitJob(context.Background(), SubmitRequest{DocumentID: "scan.pdf", Pages: pages(2)})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	final := waitJob(t, h.broker, snap.ID)

	if final.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error == "" {
		t.Error("failed job has no error")
	}
	if len(final.FailedPages) != 2 {
		t.Errorf("failed pages = %d, want 2", len(final.FailedPages))
	}
	for _, p := range final.PageResults {
		if p.Attempts != 1 {
			t.Errorf("page %d attempts = %d, permanent errors are not retried", p.PageNum, p.Attempts)
		}
	}

	var terminal *models.ProgressEvent
	for _, ev := range h.sink.jobEvents(snap.ID) {
		ev := ev
		if ev.Terminal() {
			terminal = &ev
		}
	}
	if terminal == nil || terminal.Error == nil || *terminal.Error == "" {
		t.Errorf("terminal event = %+v, want one carrying the error", terminal)
	}
}

func TestPeriodProcessedWhenJobsFinish(t *testing.T) {
	ex := extract.ExtractorFunc(func(ctx context.Context, page extract.PageInput) (json.RawMessage, error) {
		if strings.HasPrefix(page.DocumentID, "bad") {
			return nil, retry.Permanent(errors.New("unreadable"))
		}
		return content(page.Text), nil
	})
	h := newHarness(t, ex)
	ctx := context.Background()

	p, err := h.broker.CreatePeriod(ctx, "03/2024", "expenses")
	if err != nil {
		t.Fatalf("CreatePeriod: %v", err)
	}
	if p.ID != "2024-03-expenses" || p.State != models.PeriodEmpty {
		t.Fatalf("period = %+v", p)
	}

	sub, err := h.broker.SubscribePeriod(p.ID)
	if err != nil {
		t.Fatalf("SubscribePeriod: %v", err)
	}
	defer sub.Close()

	good, err := h.broker.SubmitJob(ctx, SubmitRequest{DocumentID: "good.pdf", PeriodID: p.ID, Pages: pages(1)})
	if err != nil {
		t.Fatalf("SubmitJob good: %v", err)
	}
	bad, err := h.broker.SubmitJob(ctx, SubmitRequest{DocumentID: "bad.pdf", PeriodID: p.ID, Pages: pages(1)})
	if err != nil {
		t.Fatalf("SubmitJob bad: %v", err)
	}
	if s := waitJob(t, h.broker, good.ID); s.Status != models.StatusCompleted {
		t.Errorf("good job = %s", s.Status)
	}
	if s := waitJob(t, h.broker, bad.ID); s.Status != models.StatusFailed {
		t.Errorf("bad job = %s", s.Status)
	}

	waitFor(t, "period to be processed", func() bool {
		snap, err := h.broker.GetPeriod(p.ID)
		return err == nil && snap.State == models.PeriodProcessed
	})
	snap, _ := h.broker.GetPeriod(p.ID)
	if snap.RecordCount != 2 || snap.Completed != 1 || snap.Failed != 1 {
		t.Errorf("period = record_count %d completed %d failed %d", snap.RecordCount, snap.Completed, snap.Failed)
	}
	if snap.LastProcessedAt == nil {
		t.Error("last_processed_at not set")
	}

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Period != nil && ev.Period.State == models.PeriodProcessed {
				if ev.Period.RecordCount != 2 {
					t.Errorf("streamed record_count = %d", ev.Period.RecordCount)
				}
				return
			}
		case <-timeout:
			t.Fatal("period stream never reported processed")
		}
	}
}

func TestSubmitToLockedPeriodLeavesNoJob(t *testing.T) {
	h := newHarness(t, extract.ExtractorFunc(func(ctx context.Context, page extract.PageInput) (json.RawMessage, error) {
		return content("x"), nil
	}))
	ctx := context.Background()

	p, err := h.broker.CreatePeriod(ctx, "2024-01", "sales")
	if err != nil {
		t.Fatalf("CreatePeriod: %v", err)
	}
	if _, err := h.broker.LockPeriod(ctx, p.ID); err != nil {
		t.Fatalf("LockPeriod: %v", err)
	}

	_, err = h.broker.SubmitJob(ctx, SubmitRequest{DocumentID: "late.pdf", PeriodID: p.ID, Pages: pages(1)})
	if !errors.Is(err, common.ErrPeriodLocked) {
		t.Fatalf("err = %v, want ErrPeriodLocked", err)
	}
	if got := common.HTTPStatusFromError(err); got != 409 {
		t.Errorf("status = %d, want 409", got)
	}
	jobs, _ := h.broker.ListJobs("")
	if len(jobs) != 0 {
		t.Errorf("jobs left behind: %d", len(jobs))
	}
	if err := h.broker.DeletePeriod(ctx, p.ID); !errors.Is(err, common.ErrPeriodLocked) {
		t.Errorf("DeletePeriod locked = %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, extract.PDFText{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"no pages", SubmitRequest{DocumentID: "a.pdf"}, common.ErrInvalidInput},
		{"page count mismatch", SubmitRequest{DocumentID: "a.pdf", TotalPages: 3, Pages: pages(2)}, common.ErrInvalidInput},
		{"unknown period", SubmitRequest{DocumentID: "a.pdf", PeriodID: "1999-01-none", Pages: pages(1)}, common.ErrNotFound},
		{"duplicate page numbers", SubmitRequest{DocumentID: "a.pdf", Pages: []extract.PageInput{{PageNum: 1}, {PageNum: 1}}}, common.ErrInvalidInput},
		{"page number out of range", SubmitRequest{DocumentID: "a.pdf", Pages: []extract.PageInput{{PageNum: 1}, {PageNum: 5}}}, common.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.broker.SubmitJob(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if jobs, _ := h.broker.ListJobs(""); len(jobs) != 0 {
		t.Errorf("rejected submissions left %d jobs behind", len(jobs))
	}
	if _, err := h.broker.ListJobs("bogus"); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("ListJobs bogus = %v", err)
	}
	if _, err := h.broker.SubscribeJob("missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("SubscribeJob missing = %v", err)
	}
	if _, err := h.broker.SubscribePeriod("missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("SubscribePeriod missing = %v", err)
	}
}

func TestExportAndCleanup(t *testing.T) {
	h := newHarness(t, extract.ExtractorFunc(func(ctx context.Context, page extract.PageInput) (json.RawMessage, error) {
		return content(page.Text), nil
	}))
	ctx := context.Background()

	p, err := h.broker.CreatePeriod(ctx, "2024-05", "receipts")
	if err != nil {
		t.Fatalf("CreatePeriod: %v", err)
	}
	snap, err := h.broker.SubmitJob(ctx, SubmitRequest{DocumentID: "r.pdf", PeriodID: p.ID, Pages: pages(2)})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	waitJob(t, h.broker, snap.ID)

	data, err := h.broker.ExportPeriod(p.ID)
	if err != nil {
		t.Fatalf("ExportPeriod: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty workbook")
	}

	waitFor(t, "scheduler to release the job", func() bool {
		return h.broker.Stats().Scheduler.Finished == 1
	})
	stats := h.broker.Stats()
	if stats.Jobs[models.StatusCompleted] != 1 || stats.Periods != 1 || stats.Scheduler.Active != 0 {
		t.Errorf("stats = %+v", stats)
	}

	if n := h.broker.Cleanup(time.Hour); n != 0 {
		t.Errorf("Cleanup(1h) removed %d fresh jobs", n)
	}
	if n := h.broker.Cleanup(-time.Second); n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
	if _, err := h.broker.GetJob(snap.ID); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetJob after cleanup = %v", err)
	}
	waitFor(t, "period recount", func() bool {
		s, err := h.broker.GetPeriod(p.ID)
		return err == nil && s.TotalJobs == 0
	})
}
