package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/extract"
	"github.com/jupark12/docflow/models"
)

// terminalWaiter blocks until n jobs reached a terminal status.
type terminalWaiter struct {
	mu    sync.Mutex
	order []string
	done  chan struct{}
	want  int
}

func newTerminalWaiter(q *JobQueue, want int) *terminalWaiter {
	w := &terminalWaiter{done: make(chan struct{}), want: want}
	q.OnStatusChange(func(s models.JobSnapshot) {
		if !s.Status.Terminal() {
			return
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		w.order = append(w.order, s.ID)
		if len(w.order) == w.want {
			close(w.done)
		}
	})
	return w
}

func (w *terminalWaiter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for jobs to finish")
	}
}

func textPages(n int) []extract.PageInput {
	pages := make([]extract.PageInput, n)
	for i := range pages {
		pages[i] = extract.PageInput{Text: "page"}
	}
	return pages
}

func submitJob(t *testing.T, q *JobQueue, s *Scheduler, pages int) string {
	t.Helper()
	snap, err := q.Create("doc.pdf", pages, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Submit(snap.ID, textPages(pages)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return snap.ID
}

func TestSchedulerBoundsConcurrentJobsUnderBurst(t *testing.T) {
	const maxJobs = 3
	q := NewJobQueue(nil, nil)

	var mu sync.Mutex
	inflight := map[string]int{}
	maxSeen := 0
	proc := ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		mu.Lock()
		inflight[jobID]++
		if len(inflight) > maxSeen {
			maxSeen = len(inflight)
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inflight[jobID]--
		if inflight[jobID] == 0 {
			delete(inflight, jobID)
		}
		mu.Unlock()
		return models.Succeeded(page.PageNum, 1, []byte(`{"text":"ok"}`))
	})
	s := NewScheduler(q, proc, SchedulerConfig{MaxConcurrentJobs: maxJobs, PageConcurrency: 2}, nil)

	const burst = maxJobs * 5
	waiter := newTerminalWaiter(q, burst)

	var processingNow, processingPeak int
	var pmu sync.Mutex
	q.OnStatusChange(func(snap models.JobSnapshot) {
		pmu.Lock()
		defer pmu.Unlock()
		switch {
		case snap.Status == models.StatusProcessing:
			processingNow++
			if processingNow > processingPeak {
				processingPeak = processingNow
			}
		case snap.Status.Terminal():
			processingNow--
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := q.Create("burst.pdf", 3, "")
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			if err := s.Submit(snap.ID, textPages(3)); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	waiter.wait(t)

	if maxSeen > maxJobs {
		t.Errorf("%d jobs extracted at once, limit %d", maxSeen, maxJobs)
	}
	if processingPeak > maxJobs {
		t.Errorf("%d jobs processing at once, limit %d", processingPeak, maxJobs)
	}
	// the terminal hook fires before the scheduler releases the slot
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().Active != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := s.Stats()
	if st.Peak > maxJobs || st.Active != 0 || st.Queued != 0 || st.Finished != burst {
		t.Errorf("stats = %+v", st)
	}
	for _, snap := range q.List("") {
		if snap.Status != models.StatusCompleted {
			t.Errorf("job %s ended %s", snap.ID, snap.Status)
		}
	}
}

func TestSchedulerAdmitsFIFO(t *testing.T) {
	q := NewJobQueue(nil, nil)
	release := make(chan struct{})
	var mu sync.Mutex
	var started []string
	proc := ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		mu.Lock()
		started = append(started, jobID)
		mu.Unlock()
		<-release
		return models.Succeeded(page.PageNum, 1, []byte(`{"text":"ok"}`))
	})
	s := NewScheduler(q, proc, SchedulerConfig{MaxConcurrentJobs: 1, PageConcurrency: 1}, nil)
	waiter := newTerminalWaiter(q, 4)

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, submitJob(t, q, s, 1))
	}
	if st := s.Stats(); st.Queued != 3 || st.Active != 1 {
		t.Errorf("stats after submit = %+v", st)
	}
	for _, id := range ids[1:] {
		if snap, _ := q.Get(id); snap.Status != models.StatusQueued {
			t.Errorf("job %s is %s while capacity is taken", id, snap.Status)
		}
	}
	close(release)
	waiter.wait(t)

	mu.Lock()
	defer mu.Unlock()
	for i := range ids {
		if started[i] != ids[i] {
			t.Fatalf("start order = %v, want %v", started, ids)
		}
	}
}

func TestSchedulerBoundsPagesPerJob(t *testing.T) {
	q := NewJobQueue(nil, nil)
	var mu sync.Mutex
	cur, peak := 0, 0
	proc := ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		return models.Succeeded(page.PageNum, 1, []byte(`{"text":"ok"}`))
	})
	s := NewScheduler(q, proc, SchedulerConfig{MaxConcurrentJobs: 1, PageConcurrency: 4}, nil)
	waiter := newTerminalWaiter(q, 1)

	id := submitJob(t, q, s, 20)
	waiter.wait(t)

	if peak > 4 {
		t.Errorf("%d pages in flight, limit 4", peak)
	}
	snap, _ := q.Get(id)
	if snap.PagesDone != 20 || snap.Status != models.StatusCompleted {
		t.Errorf("job = %d pages, %s", snap.PagesDone, snap.Status)
	}
}

func TestSchedulerRecordsPanickingProcessor(t *testing.T) {
	q := NewJobQueue(nil, nil)
	proc := ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		if page.PageNum == 2 {
			panic("boom")
		}
		return models.Succeeded(page.PageNum, 1, []byte(`{"text":"ok"}`))
	})
	s := NewScheduler(q, proc, SchedulerConfig{}, nil)
	waiter := newTerminalWaiter(q, 1)
	id := submitJob(t, q, s, 2)
	waiter.wait(t)

	snap, _ := q.Get(id)
	if snap.Status != models.StatusCompleted || len(snap.FailedPages) != 1 || snap.FailedPages[0].PageNum != 2 {
		t.Errorf("job = %+v", snap)
	}
}

func TestSchedulerSubmitValidation(t *testing.T) {
	q := NewJobQueue(nil, nil)
	s := NewScheduler(q, ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		return models.Succeeded(page.PageNum, 1, []byte(`{}`))
	}), SchedulerConfig{}, nil)

	if err := s.Submit("nope", textPages(1)); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("unknown job: %v", err)
	}
	snap, _ := q.Create("a.pdf", 2, "")
	if err := s.Submit(snap.ID, textPages(1)); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("page count mismatch: %v", err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Submit(snap.ID, textPages(2)); !errors.Is(err, common.ErrUnavailable) {
		t.Errorf("submit after shutdown: %v", err)
	}
}

func TestSchedulerRejectsBadPageNumbers(t *testing.T) {
	q := NewJobQueue(nil, nil)
	s := NewScheduler(q, ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		return models.Succeeded(page.PageNum, 1, []byte(`{"text":"ok"}`))
	}), SchedulerConfig{}, nil)
	waiter := newTerminalWaiter(q, 1)

	snap, err := q.Create("numbered.pdf", 2, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name  string
		pages []int
	}{
		{"duplicate", []int{1, 1}},
		{"beyond total", []int{1, 5}},
		{"negative", []int{-1, 2}},
		{"positional clash", []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages := make([]extract.PageInput, len(tt.pages))
			for i, n := range tt.pages {
				pages[i] = extract.PageInput{PageNum: n, Text: "page"}
			}
			if err := s.Submit(snap.ID, pages); !errors.Is(err, common.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
			if got, _ := q.Get(snap.ID); got.Status != models.StatusQueued {
				t.Errorf("status = %s, want queued", got.Status)
			}
		})
	}
	if st := s.Stats(); st.Submitted != 0 || st.Queued != 0 {
		t.Errorf("rejected submissions were admitted: %+v", st)
	}

	outOfOrder := []extract.PageInput{{PageNum: 2, Text: "b"}, {PageNum: 1, Text: "a"}}
	if err := s.Submit(snap.ID, outOfOrder); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waiter.wait(t)
	if got, _ := q.Get(snap.ID); got.Status != models.StatusCompleted || got.PagesDone != 2 {
		t.Errorf("job = %s %d/2", got.Status, got.PagesDone)
	}
}

func TestSchedulerShutdownCancelsInflight(t *testing.T) {
	q := NewJobQueue(nil, nil)
	proc := ProcessorFunc(func(ctx context.Context, jobID string, page extract.PageInput) models.PageOutcome {
		<-ctx.Done()
		return models.Failed(page.PageNum, 1, ctx.Err().Error(), false)
	})
	s := NewScheduler(q, proc, SchedulerConfig{}, nil)
	id := submitJob(t, q, s, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v", err)
	}
	snap, _ := q.Get(id)
	if snap.Status != models.StatusFailed {
		t.Errorf("job after forced shutdown = %s", snap.Status)
	}
}
