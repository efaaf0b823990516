// Package progress fans progress events out to per-subject subscribers.
package progress

import (
	"log/slog"
	"sync"

	"github.com/jupark12/docflow/models"
)

const DefaultBufferSize = 16

// Sink receives every accepted event. Send must not block.
type Sink interface {
	Send(ev models.ProgressEvent)
}

type subjectKey struct {
	kind models.SubjectKind
	id   string
}

type subjectState struct {
	subs    map[uint64]*Subscription
	last    *models.ProgressEvent
	lastSeq uint64
}

// Subscription is one observer of one subject. Events arrive on Events()
// until the subject ends or Close is called.
type Subscription struct {
	id      uint64
	key     subjectKey
	ch      chan models.ProgressEvent
	b       *Broadcaster
	done    bool
	dropped int
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan models.ProgressEvent { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s)
}

// Dropped returns how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Broadcaster is a per-subject pub/sub hub. Publish never blocks: events
// for a full subscriber are dropped, except a terminal job event, which
// replaces the oldest buffered event.
type Broadcaster struct {
	mu       sync.Mutex
	subjects map[subjectKey]*subjectState
	nextID   uint64
	dropped  int64
	stale    int64

	bufSize int
	sinks   []Sink
	log     *slog.Logger
}

type Option func(*Broadcaster)

func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

func WithSink(s Sink) Option {
	return func(b *Broadcaster) {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subjects: make(map[subjectKey]*subjectState),
		bufSize:  DefaultBufferSize,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers ev to the current subscribers of its subject. Events
// that are not newer than the last one seen for the subject are discarded.
func (b *Broadcaster) Publish(ev models.ProgressEvent) {
	b.publish(ev)
}

func (b *Broadcaster) publish(ev models.ProgressEvent) bool {
	key := subjectKey{kind: ev.SubjectKind, id: ev.SubjectID}

	b.mu.Lock()
	st := b.stateLocked(key)
	if ev.Seq != 0 && ev.Seq <= st.lastSeq {
		b.stale++
		b.mu.Unlock()
		return false
	}
	if ev.Seq != 0 {
		st.lastSeq = ev.Seq
	}
	cached := ev
	st.last = &cached

	for _, sub := range st.subs {
		b.deliverLocked(sub, ev)
	}
	if ev.Terminal() {
		for _, sub := range st.subs {
			b.removeLocked(sub)
		}
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Send(ev)
	}
	return true
}

// Subscribe registers an observer of the subject. The first event delivered
// is current when given, else the last event published for the subject.
// If that event is terminal the subscription is closed right after it.
func (b *Broadcaster) Subscribe(kind models.SubjectKind, subjectID string, current *models.ProgressEvent) *Subscription {
	key := subjectKey{kind: kind, id: subjectID}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		key: key,
		ch:  make(chan models.ProgressEvent, b.bufSize),
		b:   b,
	}
	st := b.stateLocked(key)

	first := st.last
	if current != nil && (first == nil || current.Seq >= first.Seq) {
		first = current
	}
	if first != nil {
		sub.ch <- *first
		if first.Terminal() {
			sub.done = true
			close(sub.ch)
			return sub
		}
	}
	st.subs[sub.id] = sub
	return sub
}

// Forget closes any remaining subscriptions of the subject and drops what
// the broadcaster remembers about it.
func (b *Broadcaster) Forget(kind models.SubjectKind, subjectID string) {
	key := subjectKey{kind: kind, id: subjectID}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.subjects[key]
	if !ok {
		return
	}
	for _, sub := range st.subs {
		b.removeLocked(sub)
	}
	delete(b.subjects, key)
}

// Last returns the most recent accepted event of the subject.
func (b *Broadcaster) Last(kind models.SubjectKind, subjectID string) (models.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.subjects[subjectKey{kind: kind, id: subjectID}]
	if !ok || st.last == nil {
		return models.ProgressEvent{}, false
	}
	return *st.last, true
}

// Stats summarises the hub.
type Stats struct {
	Subjects    int   `json:"subjects"`
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
	Stale       int64 `json:"stale"`
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{Subjects: len(b.subjects), Dropped: b.dropped, Stale: b.stale}
	for _, st := range b.subjects {
		s.Subscribers += len(st.subs)
	}
	return s
}

func (b *Broadcaster) stateLocked(key subjectKey) *subjectState {
	st, ok := b.subjects[key]
	if !ok {
		st = &subjectState{subs: make(map[uint64]*Subscription)}
		b.subjects[key] = st
	}
	return st
}

func (b *Broadcaster) deliverLocked(sub *Subscription, ev models.ProgressEvent) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	if !ev.Terminal() {
		sub.dropped++
		b.dropped++
		return
	}
	// make room for the final status
	select {
	case <-sub.ch:
		sub.dropped++
		b.dropped++
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		b.log.Warn("progress.terminal_event_lost", "subject_id", ev.SubjectID)
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if sub.done {
		return
	}
	sub.done = true
	close(sub.ch)
	if st, ok := b.subjects[sub.key]; ok {
		delete(st.subs, sub.id)
	}
}
