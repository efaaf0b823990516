// Package period groups jobs into durable reporting periods and keeps each
// period's derived state in step with its jobs.
package period

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/models"
)

// JobSource looks up live job state. The JobQueue implements it.
type JobSource interface {
	Get(jobID string) (models.JobSnapshot, error)
}

// Publisher receives period events.
type Publisher interface {
	Publish(ev models.ProgressEvent)
}

type entry struct {
	mu      sync.Mutex
	p       models.Period
	seq     uint64
	deleted bool
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Category string
	State    models.PeriodState
	Search   string
}

// Aggregator owns the period roster. Every period has its own lock; the
// registry has a separate one. Job state is read without holding either.
type Aggregator struct {
	mu      sync.RWMutex
	periods map[string]*entry

	store Store
	jobs  JobSource
	pub   Publisher
	now   func() time.Time
	log   *slog.Logger
}

// NewAggregator creates an empty aggregator. Call Load to read the roster.
func NewAggregator(store Store, jobs JobSource, pub Publisher, logger *slog.Logger) *Aggregator {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		periods: make(map[string]*entry),
		store:   store,
		jobs:    jobs,
		pub:     pub,
		now:     time.Now,
		log:     logger,
	}
}

// Load reads the persisted roster. Stored records are taken as they are;
// their state is recomputed on the next change.
func (a *Aggregator) Load(ctx context.Context) error {
	periods, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load periods: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range periods {
		if p.JobIDs == nil {
			p.JobIDs = []string{}
		}
		a.periods[p.ID] = &entry{p: p}
	}
	a.log.Info("period.roster_loaded", "count", len(periods))
	return nil
}

// Create adds an empty period.
func (a *Aggregator) Create(ctx context.Context, label, category string) (models.Period, error) {
	id, err := NewID(label, category)
	if err != nil {
		return models.Period{}, err
	}
	now := a.now()
	e := &entry{p: models.Period{
		ID:        id,
		Label:     NormalizeLabel(label),
		Category:  strings.TrimSpace(category),
		State:     models.PeriodEmpty,
		JobIDs:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}}

	a.mu.Lock()
	if _, ok := a.periods[id]; ok {
		a.mu.Unlock()
		return models.Period{}, fmt.Errorf("period %s already exists: %w", id, common.ErrConflict)
	}
	a.periods[id] = e
	a.mu.Unlock()

	p := e.p.Clone()
	if err := a.store.Save(ctx, p); err != nil {
		a.mu.Lock()
		delete(a.periods, id)
		a.mu.Unlock()
		return models.Period{}, fmt.Errorf("save period %s: %w", id, err)
	}
	a.log.Info("period.created", "period_id", id)
	a.publish(id)
	return p, nil
}

// AttachJob adds jobID to the period. Attaching twice is a no-op. A locked
// period refuses and is left unchanged.
func (a *Aggregator) AttachJob(ctx context.Context, periodID, jobID string) error {
	e, err := a.entry(periodID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	switch {
	case e.deleted:
		e.mu.Unlock()
		return common.NotFoundf("period %s", periodID)
	case e.p.State == models.PeriodLocked:
		e.mu.Unlock()
		return fmt.Errorf("attach job %s to %s: %w", jobID, periodID, common.ErrPeriodLocked)
	case e.p.HasJob(jobID):
		e.mu.Unlock()
		return nil
	}
	e.p.JobIDs = append(e.p.JobIDs, jobID)
	e.p.Version++
	e.mu.Unlock()

	a.log.Info("period.job_attached", "period_id", periodID, "job_id", jobID)
	return a.Recompute(ctx, periodID)
}

// DetachJob removes jobID from the period.
func (a *Aggregator) DetachJob(ctx context.Context, periodID, jobID string) error {
	e, err := a.entry(periodID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	switch {
	case e.deleted:
		e.mu.Unlock()
		return common.NotFoundf("period %s", periodID)
	case e.p.State == models.PeriodLocked:
		e.mu.Unlock()
		return fmt.Errorf("detach job %s from %s: %w", jobID, periodID, common.ErrPeriodLocked)
	case !e.p.HasJob(jobID):
		e.mu.Unlock()
		return common.NotFoundf("job %s in period %s", jobID, periodID)
	}
	e.p.JobIDs = slices.DeleteFunc(e.p.JobIDs, func(id string) bool { return id == jobID })
	e.p.Version++
	e.mu.Unlock()

	a.log.Info("period.job_detached", "period_id", periodID, "job_id", jobID)
	return a.Recompute(ctx, periodID)
}

// Recompute derives state and record_count from the attached jobs, persists
// the period and publishes it. Unknown job ids count as absent.
func (a *Aggregator) Recompute(ctx context.Context, periodID string) error {
	e, err := a.entry(periodID)
	if err != nil {
		return err
	}

	var saved models.Period
	for {
		e.mu.Lock()
		ids := slices.Clone(e.p.JobIDs)
		version := e.p.Version
		e.mu.Unlock()

		jobs := a.collect(periodID, ids)

		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			return common.NotFoundf("period %s", periodID)
		}
		if e.p.Version != version {
			// attached or detached meanwhile
			e.mu.Unlock()
			continue
		}
		a.applyLocked(&e.p, jobs)
		saved = e.p.Clone()
		e.mu.Unlock()
		break
	}

	if err := a.store.Save(ctx, saved); err != nil {
		return fmt.Errorf("save period %s: %w", periodID, err)
	}
	a.log.Debug("period.recomputed", "period_id", periodID, "state", saved.State, "record_count", saved.RecordCount, "version", saved.Version)
	a.publish(periodID)
	return nil
}

// applyLocked sets the derived fields of p from the known jobs. Jobs counted
// on an earlier pass keep counting once they are gone from the queue; ids
// never seen terminal count as absent.
func (a *Aggregator) applyLocked(p *models.Period, jobs []models.JobSnapshot) {
	p.CountedJobIDs = slices.DeleteFunc(p.CountedJobIDs, func(id string) bool { return !p.HasJob(id) })

	live := make(map[string]bool, len(jobs))
	terminal := 0
	for _, j := range jobs {
		live[j.ID] = true
		if j.Status.Terminal() {
			terminal++
			if !slices.Contains(p.CountedJobIDs, j.ID) {
				p.CountedJobIDs = append(p.CountedJobIDs, j.ID)
			}
		}
	}
	total := len(jobs)
	for _, id := range p.CountedJobIDs {
		if !live[id] {
			terminal++
			total++
		}
	}

	now := a.now()
	p.RecordCount = terminal
	if p.State != models.PeriodLocked {
		switch {
		case total == 0:
			p.State = models.PeriodEmpty
		case terminal < total:
			p.State = models.PeriodPending
		default:
			if p.State != models.PeriodProcessed {
				t := now
				p.LastProcessedAt = &t
			}
			p.State = models.PeriodProcessed
		}
	}
	p.UpdatedAt = now
	p.Version++
}

// Notify publishes the current aggregate without changing the period.
func (a *Aggregator) Notify(periodID string) {
	a.publish(periodID)
}

// HandleJobChange is registered on the JobQueue: a terminal job triggers a
// recompute of its period, any other transition a refresh of the streams.
func (a *Aggregator) HandleJobChange(snap models.JobSnapshot) {
	if snap.PeriodID == "" {
		return
	}
	if !snap.Status.Terminal() {
		a.Notify(snap.PeriodID)
		return
	}
	if err := a.Recompute(context.Background(), snap.PeriodID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			a.log.Warn("period.recompute_unknown_period", "period_id", snap.PeriodID, "job_id", snap.ID)
			return
		}
		a.log.Error("period.recompute_failed", "period_id", snap.PeriodID, "job_id", snap.ID, "error", err)
	}
}

// Lock freezes the period. It stays locked; further attaches fail.
func (a *Aggregator) Lock(ctx context.Context, periodID string) (models.Period, error) {
	e, err := a.entry(periodID)
	if err != nil {
		return models.Period{}, err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return models.Period{}, common.NotFoundf("period %s", periodID)
	}
	if e.p.State == models.PeriodLocked {
		p := e.p.Clone()
		e.mu.Unlock()
		return p, nil
	}
	e.p.State = models.PeriodLocked
	e.p.UpdatedAt = a.now()
	e.p.Version++
	p := e.p.Clone()
	e.mu.Unlock()

	if err := a.store.Save(ctx, p); err != nil {
		return models.Period{}, fmt.Errorf("save period %s: %w", periodID, err)
	}
	a.log.Info("period.locked", "period_id", periodID)
	a.publish(periodID)
	return p, nil
}

// Get returns the period with the live state of its known jobs.
func (a *Aggregator) Get(periodID string) (models.PeriodSnapshot, error) {
	e, err := a.entry(periodID)
	if err != nil {
		return models.PeriodSnapshot{}, err
	}
	e.mu.Lock()
	p := e.p.Clone()
	e.mu.Unlock()
	return models.NewPeriodSnapshot(p, a.collect(periodID, p.JobIDs)), nil
}

// Event returns the current period event without publishing it.
func (a *Aggregator) Event(periodID string) (models.ProgressEvent, error) {
	e, err := a.entry(periodID)
	if err != nil {
		return models.ProgressEvent{}, err
	}
	e.mu.Lock()
	p := e.p.Clone()
	seq := e.seq
	e.mu.Unlock()
	return models.NewPeriodSnapshot(p, a.collect(periodID, p.JobIDs)).Event(a.now(), seq), nil
}

// List returns periods matching f ordered by id, newest label first.
func (a *Aggregator) List(f Filter) []models.Period {
	a.mu.RLock()
	entries := make([]*entry, 0, len(a.periods))
	for _, e := range a.periods {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]models.Period, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		p := e.p.Clone()
		e.mu.Unlock()
		if f.Category != "" && !strings.EqualFold(p.Category, f.Category) {
			continue
		}
		if f.State != "" && p.State != f.State {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.ID+" "+p.Label+" "+p.Category), search) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Delete removes the period. Locked periods cannot be deleted.
func (a *Aggregator) Delete(ctx context.Context, periodID string) error {
	e, err := a.entry(periodID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.p.State == models.PeriodLocked {
		e.mu.Unlock()
		return fmt.Errorf("delete %s: %w", periodID, common.ErrPeriodLocked)
	}
	e.deleted = true
	e.mu.Unlock()

	a.mu.Lock()
	delete(a.periods, periodID)
	a.mu.Unlock()

	if err := a.store.Delete(ctx, periodID); err != nil {
		return fmt.Errorf("delete period %s: %w", periodID, err)
	}
	a.log.Info("period.deleted", "period_id", periodID)
	return nil
}

func (a *Aggregator) entry(periodID string) (*entry, error) {
	a.mu.RLock()
	e, ok := a.periods[periodID]
	a.mu.RUnlock()
	if !ok {
		return nil, common.NotFoundf("period %s", periodID)
	}
	return e, nil
}

// collect fetches the snapshots of ids, skipping jobs that no longer exist.
func (a *Aggregator) collect(periodID string, ids []string) []models.JobSnapshot {
	jobs := make([]models.JobSnapshot, 0, len(ids))
	if a.jobs == nil {
		return jobs
	}
	for _, id := range ids {
		snap, err := a.jobs.Get(id)
		if err != nil {
			a.log.Warn("period.unknown_job", "period_id", periodID, "job_id", id, "error", err)
			continue
		}
		jobs = append(jobs, snap)
	}
	return jobs
}

func (a *Aggregator) publish(periodID string) {
	if a.pub == nil {
		return
	}
	e, err := a.entry(periodID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.seq++
	seq := e.seq
	p := e.p.Clone()
	e.mu.Unlock()

	snap := models.NewPeriodSnapshot(p, a.collect(periodID, p.JobIDs))
	a.pub.Publish(snap.Event(a.now(), seq))
}
