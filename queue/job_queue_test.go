package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *recordingPublisher) Publish(ev models.ProgressEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) forSubject(id string) []models.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.ProgressEvent
	for _, ev := range p.events {
		if ev.SubjectID == id {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func newProcessingJob(t *testing.T, q *JobQueue, pages int) models.JobSnapshot {
	t.Helper()
	snap, err := q.Create("statement.pdf", pages, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := q.MarkProcessing(snap.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	return snap
}

func TestCreateRejectsEmptyJob(t *testing.T) {
	q := NewJobQueue(nil, nil)
	if _, err := q.Create("x.pdf", 0, ""); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOutOfOrderPagesKeepPageOrder(t *testing.T) {
	q := NewJobQueue(nil, nil)
	job := newProcessingJob(t, q, 3)

	for _, page := range []int{3, 1, 2} {
		content := []byte(fmt.Sprintf(`{"text":"page %d"}`, page))
		if _, err := q.RecordPageResult(job.ID, models.Succeeded(page, 1, content)); err != nil {
			t.Fatalf("RecordPageResult(%d): %v", page, err)
		}
	}

	snap, err := q.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	for i, p := range snap.PageResults {
		want := fmt.Sprintf(`{"text":"page %d"}`, i+1)
		if p.PageNum != i+1 || string(p.Content) != want {
			t.Errorf("slot %d = page %d %s", i, p.PageNum, p.Content)
		}
	}
	if snap.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		name       string
		outcomes   []models.PageOutcome
		wantStatus models.JobStatus
		wantError  string
		wantFailed int
	}{
		{
			name:       "all succeed",
			outcomes:   []models.PageOutcome{models.Succeeded(1, 1, []byte(`{}`)), models.Succeeded(2, 1, []byte(`{}`))},
			wantStatus: models.StatusCompleted,
		},
		{
			name:       "partial failure",
			outcomes:   []models.PageOutcome{models.Failed(1, 3, "timeout", false), models.Succeeded(2, 1, []byte(`{}`))},
			wantStatus: models.StatusCompleted,
			wantFailed: 1,
		},
		{
			name:       "all fail",
			outcomes:   []models.PageOutcome{models.Failed(1, 1, "unsupported", true), models.Failed(2, 1, "corrupt page", true)},
			wantStatus: models.StatusFailed,
			wantError:  "corrupt page",
			wantFailed: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewJobQueue(nil, nil)
			job := newProcessingJob(t, q, len(tt.outcomes))
			var snap models.JobSnapshot
			var err error
			for _, o := range tt.outcomes {
				if snap, err = q.RecordPageResult(job.ID, o); err != nil {
					t.Fatalf("RecordPageResult: %v", err)
				}
			}
			if snap.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", snap.Status, tt.wantStatus)
			}
			if snap.Error != tt.wantError {
				t.Errorf("error = %q, want %q", snap.Error, tt.wantError)
			}
			if len(snap.FailedPages) != tt.wantFailed {
				t.Errorf("failed pages = %v, want %d", snap.FailedPages, tt.wantFailed)
			}
			if snap.PagesDone != len(tt.outcomes) || snap.Progress != 100 {
				t.Errorf("pages_done = %d progress = %d", snap.PagesDone, snap.Progress)
			}
		})
	}
}

func TestRecordPageResultRejectsBadInput(t *testing.T) {
	q := NewJobQueue(nil, nil)

	queued, _ := q.Create("a.pdf", 2, "")
	if _, err := q.RecordPageResult(queued.ID, models.Succeeded(1, 1, []byte(`{}`))); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("result on queued job: %v", err)
	}

	job := newProcessingJob(t, q, 2)
	if _, err := q.RecordPageResult(job.ID, models.Succeeded(3, 1, []byte(`{}`))); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("page 3 of 2: %v", err)
	}
	if _, err := q.RecordPageResult(job.ID, models.Succeeded(0, 1, []byte(`{}`))); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("page 0: %v", err)
	}
	if _, err := q.RecordPageResult(job.ID, models.Succeeded(1, 1, []byte(`{}`))); err != nil {
		t.Fatalf("first result: %v", err)
	}
	if _, err := q.RecordPageResult(job.ID, models.Failed(1, 1, "again", true)); !errors.Is(err, ErrDuplicatePage) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := q.RecordPageResult("missing", models.Succeeded(1, 1, nil)); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("unknown job: %v", err)
	}

	snap, _ := q.Get(job.ID)
	if snap.PagesDone != 1 || snap.Status != models.StatusProcessing {
		t.Errorf("rejected results changed the job: %+v", snap)
	}
}

func TestStatusTransitionsAreOneWay(t *testing.T) {
	q := NewJobQueue(nil, nil)
	job := newProcessingJob(t, q, 1)
	if _, err := q.MarkProcessing(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second MarkProcessing: %v", err)
	}
	q.RecordPageResult(job.ID, models.Succeeded(1, 1, []byte(`{}`)))
	if _, err := q.MarkProcessing(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkProcessing on completed job: %v", err)
	}
	if err := q.Discard(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Discard completed job: %v", err)
	}
}

func TestConcurrentResultsEmitMonotonicEvents(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewJobQueue(pub, nil)
	const pages = 50
	job := newProcessingJob(t, q, pages)

	var wg sync.WaitGroup
	for i := pages; i >= 1; i-- {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if _, err := q.RecordPageResult(job.ID, models.Succeeded(page, 1, []byte(`{}`))); err != nil {
				t.Errorf("page %d: %v", page, err)
			}
		}(i)
	}
	wg.Wait()

	events := pub.forSubject(job.ID)
	// created + processing + one per page
	if len(events) != pages+2 {
		t.Fatalf("got %d events, want %d", len(events), pages+2)
	}
	prevDone, prevProgress := -1, -1
	seen := map[models.JobStatus]bool{}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.PagesDone < prevDone || ev.Progress < prevProgress {
			t.Fatalf("progress went backwards at seq %d: %d/%d", ev.Seq, ev.PagesDone, ev.Progress)
		}
		if ev.PagesDone > pages {
			t.Fatalf("pages_done %d exceeds total", ev.PagesDone)
		}
		prevDone, prevProgress = ev.PagesDone, ev.Progress
		seen[models.JobStatus(ev.Status)] = true
	}
	if last := events[len(events)-1]; last.Status != string(models.StatusCompleted) || !last.Terminal() {
		t.Errorf("last event = %+v", last)
	}
	if !seen[models.StatusQueued] || !seen[models.StatusProcessing] {
		t.Errorf("statuses seen: %v", seen)
	}
}

func TestNoteRetryDoesNotAdvanceCounters(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewJobQueue(pub, nil)
	job := newProcessingJob(t, q, 2)

	if err := q.NoteRetry(job.ID, 2, 1, errors.New("429 too many requests"), 2*time.Second); err != nil {
		t.Fatalf("NoteRetry: %v", err)
	}
	events := pub.forSubject(job.ID)
	last := events[len(events)-1]
	if last.PagesDone != 0 || last.Status != string(models.StatusProcessing) {
		t.Errorf("retry event = %+v", last)
	}
	if last.Error != nil {
		t.Errorf("retry event carries an error: %v", *last.Error)
	}
}

func TestOnStatusChange(t *testing.T) {
	q := NewJobQueue(nil, nil)
	var got []models.JobStatus
	q.OnStatusChange(func(s models.JobSnapshot) { got = append(got, s.Status) })

	job := newProcessingJob(t, q, 2)
	q.RecordPageResult(job.ID, models.Failed(1, 1, "x", true))
	q.RecordPageResult(job.ID, models.Failed(2, 1, "y", true))

	want := []models.JobStatus{models.StatusProcessing, models.StatusFailed}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("hook saw %v, want %v", got, want)
	}
}

func TestDiscardAndCleanup(t *testing.T) {
	q := NewJobQueue(nil, nil)
	base := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	queued, _ := q.Create("q.pdf", 1, "")
	if err := q.Discard(queued.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := q.Get(queued.ID); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("discarded job still present: %v", err)
	}

	old := newProcessingJob(t, q, 1)
	q.RecordPageResult(old.ID, models.Succeeded(1, 1, []byte(`{}`)))
	clock = base.Add(23 * time.Hour)
	running := newProcessingJob(t, q, 1)

	clock = base.Add(25 * time.Hour)
	removed := q.Cleanup(24 * time.Hour)
	if len(removed) != 1 || removed[0] != old.ID {
		t.Errorf("removed = %v, want [%s]", removed, old.ID)
	}
	if _, err := q.Get(running.ID); err != nil {
		t.Errorf("running job removed: %v", err)
	}
	if counts := q.Counts(); counts[models.StatusProcessing] != 1 || counts[models.StatusCompleted] != 0 {
		t.Errorf("counts = %v", counts)
	}
}
