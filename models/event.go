package models

import "time"

// SubjectKind tells which kind of entity a progress event describes
type SubjectKind string

const (
	SubjectJob    SubjectKind = "job"
	SubjectPeriod SubjectKind = "period"
)

// ProgressEvent is an immutable snapshot pushed to stream subscribers.
// Seq orders events of one subject; consumers never see it.
type ProgressEvent struct {
	SubjectID   string      `json:"subject_id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	Status      string      `json:"status"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message"`
	PagesDone   int         `json:"pages_done"`
	TotalPages  int         `json:"total_pages"`
	Error       *string     `json:"error"`
	Timestamp   time.Time   `json:"timestamp"`

	Seq    uint64           `json:"-"`
	Period *PeriodAggregate `json:"-"`
}

// Terminal reports whether the event closes a job stream.
func (e ProgressEvent) Terminal() bool {
	return e.SubjectKind == SubjectJob && JobStatus(e.Status).Terminal()
}

// Payload returns the value written on the wire for this event.
func (e ProgressEvent) Payload() any {
	if e.SubjectKind == SubjectPeriod && e.Period != nil {
		return e.Period
	}
	return jobEventPayload{
		SubjectID:  e.SubjectID,
		Status:     e.Status,
		Progress:   e.Progress,
		Message:    e.Message,
		PagesDone:  e.PagesDone,
		TotalPages: e.TotalPages,
		Error:      e.Error,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

type jobEventPayload struct {
	SubjectID  string  `json:"subject_id"`
	Status     string  `json:"status"`
	Progress   int     `json:"progress"`
	Message    string  `json:"message"`
	PagesDone  int     `json:"pages_done"`
	TotalPages int     `json:"total_pages"`
	Error      *string `json:"error"`
	Timestamp  string  `json:"timestamp"`
}
