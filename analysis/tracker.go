package analysis

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Kinds of recorded errors.
const (
	KindRetry     = "retry"
	KindTransient = "transient_exhausted"
	KindPermanent = "permanent"
)

// ErrorRecord is one tracked page error.
type ErrorRecord struct {
	ID         string    `json:"error_id"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id,omitempty"`
	Page       int       `json:"page_number"`
	Attempt    int       `json:"attempt"`
	Kind       string    `json:"error_type"`
	Message    string    `json:"error_message"`
}

// Summary aggregates what the tracker has seen since start.
type Summary struct {
	TotalErrors int            `json:"total_errors"`
	Successes   int            `json:"successes"`
	ByKind      map[string]int `json:"by_type"`
	ByDocument  map[string]int `json:"by_document"`
	Recent      []ErrorRecord  `json:"recent_errors"`
}

// Tracker is an Observer keeping counters and a bounded list of recent errors.
type Tracker struct {
	mu         sync.Mutex
	limit      int
	recent     []ErrorRecord
	counter    int
	successes  int
	byKind     map[string]int
	byDocument map[string]int
	now        func() time.Time
	log        *slog.Logger
}

// NewTracker keeps at most limit recent errors (100 when limit <= 0).
func NewTracker(limit int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 100
	}
	return &Tracker{
		limit:      limit,
		byKind:     make(map[string]int),
		byDocument: make(map[string]int),
		now:        time.Now,
		log:        logger,
	}
}

func (t *Tracker) OnRetry(ev PageEvent) { t.record(KindRetry, ev) }

func (t *Tracker) OnFailure(ev PageEvent) {
	kind := KindTransient
	if ev.Permanent {
		kind = KindPermanent
	}
	t.record(kind, ev)
}

func (t *Tracker) OnSuccess(PageEvent) {
	t.mu.Lock()
	t.successes++
	t.mu.Unlock()
}

func (t *Tracker) record(kind string, ev PageEvent) {
	msg := ""
	if ev.Err != nil {
		msg = ev.Err.Error()
	}

	t.mu.Lock()
	t.counter++
	now := t.now()
	rec := ErrorRecord{
		ID:         fmt.Sprintf("error_%s_%04d", now.UTC().Format("20060102_150405"), t.counter),
		Timestamp:  now,
		JobID:      ev.JobID,
		DocumentID: ev.DocumentID,
		Page:       ev.Page,
		Attempt:    ev.Attempt,
		Kind:       kind,
		Message:    msg,
	}
	t.recent = append(t.recent, rec)
	if len(t.recent) > t.limit {
		t.recent = t.recent[len(t.recent)-t.limit:]
	}
	t.byKind[kind]++
	if ev.DocumentID != "" {
		t.byDocument[ev.DocumentID]++
	}
	t.mu.Unlock()

	t.log.Debug("analysis.error_recorded", "error_id", rec.ID, "job_id", ev.JobID, "page", ev.Page, "type", kind)
}

// Recent returns up to limit errors, newest first.
func (t *Tracker) Recent(limit int) []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ErrorRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.recent[i])
	}
	return out
}

// Summary returns a copy of the counters and the ten most recent errors.
func (t *Tracker) Summary() Summary {
	recent := t.Recent(10)

	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		Successes:  t.successes,
		ByKind:     make(map[string]int, len(t.byKind)),
		ByDocument: make(map[string]int, len(t.byDocument)),
		Recent:     recent,
	}
	for k, v := range t.byKind {
		s.ByKind[k] = v
		s.TotalErrors += v
	}
	for k, v := range t.byDocument {
		s.ByDocument[k] = v
	}
	return s
}

// ClearOlderThan forgets recent errors older than age and returns how many
// were dropped. Counters are not reset.
func (t *Tracker) ClearOlderThan(age time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-age)
	i := sort.Search(len(t.recent), func(i int) bool {
		return !t.recent[i].Timestamp.Before(cutoff)
	})
	t.recent = append([]ErrorRecord(nil), t.recent[i:]...)
	return i
}
