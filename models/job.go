package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// PageStatus is the state of a single page slot within a job
type PageStatus string

const (
	PagePending   PageStatus = "pending"
	PageSucceeded PageStatus = "succeeded"
	PageFailed    PageStatus = "failed"
)

// PageOutcome is the terminal result of processing one page.
// Pages are numbered from 1.
type PageOutcome struct {
	PageNum   int             `json:"page"`
	Status    PageStatus      `json:"status"`
	Content   json.RawMessage `json:"content,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	Permanent bool            `json:"permanent,omitempty"`
}

// Succeeded builds a successful outcome for page.
func Succeeded(page, attempts int, content json.RawMessage) PageOutcome {
	return PageOutcome{PageNum: page, Status: PageSucceeded, Content: content, Attempts: attempts}
}

// Failed builds a terminal failure outcome for page.
func Failed(page, attempts int, reason string, permanent bool) PageOutcome {
	return PageOutcome{PageNum: page, Status: PageFailed, Error: reason, Attempts: attempts, Permanent: permanent}
}

// PageFailure names a failed page of a job and why it failed
type PageFailure struct {
	PageNum int    `json:"page"`
	Error   string `json:"error"`
}

// Job represents one submitted document and its page slots
type Job struct {
	ID          string
	DocumentID  string
	Status      JobStatus
	TotalPages  int
	PagesDone   int
	Pages       []PageOutcome
	PeriodID    string
	Message     string
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Seq         uint64
}

// Progress returns the integer completion percentage of the job.
func (j *Job) Progress() int {
	if j.TotalPages <= 0 {
		return 0
	}
	return j.PagesDone * 100 / j.TotalPages
}

// Snapshot copies the job into an immutable view.
func (j *Job) Snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:          j.ID,
		DocumentID:  j.DocumentID,
		Status:      j.Status,
		TotalPages:  j.TotalPages,
		PagesDone:   j.PagesDone,
		Progress:    j.Progress(),
		PeriodID:    j.PeriodID,
		Message:     j.Message,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		Seq:         j.Seq,
		PageResults: make([]PageOutcome, len(j.Pages)),
	}
	copy(snap.PageResults, j.Pages)
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		snap.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		snap.CompletedAt = &t
	}
	for _, p := range j.Pages {
		if p.Status == PageFailed {
			snap.FailedPages = append(snap.FailedPages, PageFailure{PageNum: p.PageNum, Error: p.Error})
		}
	}
	return snap
}

// JobSnapshot is a point-in-time copy of a job safe to share across goroutines
type JobSnapshot struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	Status      JobStatus     `json:"status"`
	TotalPages  int           `json:"total_pages"`
	PagesDone   int           `json:"pages_done"`
	Progress    int           `json:"progress"`
	PageResults []PageOutcome `json:"page_results"`
	FailedPages []PageFailure `json:"failed_pages,omitempty"`
	PeriodID    string        `json:"period_id,omitempty"`
	Message     string        `json:"message"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Seq         uint64        `json:"-"`
}

// Event converts the snapshot into a job progress event.
func (s JobSnapshot) Event(at time.Time) ProgressEvent {
	ev := ProgressEvent{
		SubjectID:   s.ID,
		SubjectKind: SubjectJob,
		Status:      string(s.Status),
		Progress:    s.Progress,
		Message:     s.Message,
		PagesDone:   s.PagesDone,
		TotalPages:  s.TotalPages,
		Timestamp:   at,
		Seq:         s.Seq,
	}
	if s.Error != "" {
		e := s.Error
		ev.Error = &e
	}
	return ev
}
