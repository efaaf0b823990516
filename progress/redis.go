package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jupark12/docflow/models"
)

// redisMessage is the envelope published on the channel.
type redisMessage struct {
	Kind      models.SubjectKind `json:"subject_kind"`
	SubjectID string             `json:"subject_id"`
	Payload   any                `json:"payload"`
}

// RedisSink republishes accepted events on a Redis channel so other
// processes can follow progress. Events are queued and sent from a single
// goroutine; when the queue is full they are dropped.
type RedisSink struct {
	client  *redis.Client
	channel string
	mu      sync.RWMutex
	closed  bool
	queue   chan models.ProgressEvent
	done    chan struct{}
	dropped atomic.Int64
	log     *slog.Logger
}

// NewRedisSink starts the publishing goroutine. Close stops it.
func NewRedisSink(client *redis.Client, channel string, queueSize int, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &RedisSink{
		client:  client,
		channel: channel,
		queue:   make(chan models.ProgressEvent, queueSize),
		done:    make(chan struct{}),
		log:     logger,
	}
	go s.run()
	return s
}

// Send queues ev for publishing. Events sent after Close are dropped.
func (s *RedisSink) Send(ev models.ProgressEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded, because the queue was
// full or the sink was closed.
func (s *RedisSink) Dropped() int64 { return s.dropped.Load() }

// Close drains queued events and stops the sink. The client is not closed.
func (s *RedisSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *RedisSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		data, err := json.Marshal(redisMessage{Kind: ev.SubjectKind, SubjectID: ev.SubjectID, Payload: ev.Payload()})
		if err != nil {
			s.log.Error("progress.redis.encode_error", "subject_id", ev.SubjectID, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.client.Publish(ctx, s.channel, data).Err()
		cancel()
		if err != nil {
			s.log.Warn("progress.redis.publish_error", "subject_id", ev.SubjectID, "channel", s.channel, "error", err)
		}
	}
}
