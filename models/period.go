package models

import (
	"fmt"
	"slices"
	"time"
)

// PeriodState is the derived state of a reporting period
type PeriodState string

const (
	PeriodEmpty     PeriodState = "empty"
	PeriodPending   PeriodState = "pending"
	PeriodProcessed PeriodState = "processed"
	PeriodLocked    PeriodState = "locked"
)

// Valid reports whether s is one of the known period states.
func (s PeriodState) Valid() bool {
	switch s {
	case PeriodEmpty, PeriodPending, PeriodProcessed, PeriodLocked:
		return true
	}
	return false
}

// Period is a durable aggregation bucket grouping jobs for reporting.
// Version increases on every mutation so stores can reject stale writes.
// CountedJobIDs lists attached jobs already seen terminal; they stay in
// record_count after the live job has been cleaned up.
type Period struct {
	ID              string      `json:"period_id"`
	Label           string      `json:"label"`
	Category        string      `json:"category"`
	State           PeriodState `json:"state"`
	RecordCount     int         `json:"record_count"`
	JobIDs          []string    `json:"job_ids"`
	CountedJobIDs   []string    `json:"counted_job_ids"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastProcessedAt *time.Time  `json:"last_processed_at,omitempty"`
	Version         int64       `json:"version"`
}

// Clone returns a deep copy of p.
func (p Period) Clone() Period {
	out := p
	out.JobIDs = slices.Clone(p.JobIDs)
	out.CountedJobIDs = slices.Clone(p.CountedJobIDs)
	if p.LastProcessedAt != nil {
		t := *p.LastProcessedAt
		out.LastProcessedAt = &t
	}
	return out
}

// HasJob reports whether jobID is attached to p.
func (p Period) HasJob(jobID string) bool {
	return slices.Contains(p.JobIDs, jobID)
}

// PeriodAggregate is the period view streamed to subscribers
type PeriodAggregate struct {
	PeriodID    string        `json:"period_id"`
	Label       string        `json:"label"`
	Category    string        `json:"category"`
	State       PeriodState   `json:"state"`
	RecordCount int           `json:"record_count"`
	TotalJobs   int           `json:"total_jobs"`
	Queued      int           `json:"queued"`
	Processing  int           `json:"processing"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Jobs        []JobSnapshot `json:"jobs"`
	Timestamp   time.Time     `json:"timestamp"`
}

// PeriodSnapshot pairs the stored period with the live state of its known jobs
type PeriodSnapshot struct {
	Period
	TotalJobs  int           `json:"total_jobs"`
	Queued     int           `json:"queued"`
	Processing int           `json:"processing"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Jobs       []JobSnapshot `json:"jobs"`
}

// NewPeriodSnapshot counts the given job snapshots against p.
func NewPeriodSnapshot(p Period, jobs []JobSnapshot) PeriodSnapshot {
	snap := PeriodSnapshot{Period: p.Clone(), Jobs: jobs}
	if snap.Jobs == nil {
		snap.Jobs = []JobSnapshot{}
	}
	for _, j := range jobs {
		switch j.Status {
		case StatusQueued:
			snap.Queued++
		case StatusProcessing:
			snap.Processing++
		case StatusCompleted:
			snap.Completed++
		case StatusFailed:
			snap.Failed++
		}
	}
	snap.TotalJobs = len(jobs)
	return snap
}

// Event converts the snapshot into a period progress event carrying seq.
func (s PeriodSnapshot) Event(at time.Time, seq uint64) ProgressEvent {
	done := s.Completed + s.Failed
	progress := 0
	if s.TotalJobs > 0 {
		progress = done * 100 / s.TotalJobs
	}
	return ProgressEvent{
		SubjectID:   s.ID,
		SubjectKind: SubjectPeriod,
		Status:      string(s.State),
		Progress:    progress,
		Message:     fmt.Sprintf("%d of %d jobs finished", done, s.TotalJobs),
		PagesDone:   done,
		TotalPages:  s.TotalJobs,
		Timestamp:   at,
		Seq:         seq,
		Period: &PeriodAggregate{
			PeriodID:    s.ID,
			Label:       s.Label,
			Category:    s.Category,
			State:       s.State,
			RecordCount: s.RecordCount,
			TotalJobs:   s.TotalJobs,
			Queued:      s.Queued,
			Processing:  s.Processing,
			Completed:   s.Completed,
			Failed:      s.Failed,
			Jobs:        s.Jobs,
			Timestamp:   at,
		},
	}
}
