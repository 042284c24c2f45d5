// Package events collects per-request traffic records and ships them to
// the analytics store in batches. The sink is fire-and-forget: producers
// never block on it, and it drops data rather than grow without bound
// when the store is slow or down.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"outray/internal/shared/constants"
)

// Event is one public HTTP request served through a tunnel.
type Event struct {
	Timestamp      int64  `json:"timestamp"`
	TunnelID       string `json:"tunnel_id"`
	OrganizationID string `json:"organization_id"`
	Host           string `json:"host"`
	Method         string `json:"method"`
	Path           string `json:"path"`
	StatusCode     int    `json:"status_code"`
	DurationMs     int64  `json:"request_duration_ms"`
	BytesIn        int64  `json:"bytes_in"`
	BytesOut       int64  `json:"bytes_out"`
	ClientIP       string `json:"client_ip"`
	UserAgent      string `json:"user_agent"`
}

// Writer ships one batch to the analytics store.
type Writer interface {
	WriteBatch(ctx context.Context, batch []Event) error
}

// Options configures a Sink. Zero values mean the defaults.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Sink is a bounded queue with a background flush goroutine. Overflow
// policy: DROP NEWEST — an event that finds the queue full is counted
// and discarded, so producers stay wait-free and memory stays bounded.
type Sink struct {
	writer Writer
	logger *zap.Logger

	queue         chan Event
	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSink creates a sink and starts its flush goroutine.
func NewSink(writer Writer, logger *zap.Logger, opts Options) *Sink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = constants.EventQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.EventBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = constants.EventFlushInterval
	}

	s := &Sink{
		writer:        writer,
		logger:        logger,
		queue:         make(chan Event, opts.QueueSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		stopCh:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Log enqueues one event. It never blocks: when the queue is full the
// event is dropped and counted.
func (s *Sink) Log(ev Event) {
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to queue overflow.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the flush goroutine after one final flush of whatever is
// still queued.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.writer.WriteBatch(ctx, batch)
		cancel()
		if err != nil {
			// Dropping the batch keeps the sink available; durability
			// is explicitly not promised here.
			s.dropped.Add(int64(len(batch)))
			s.logger.Warn("Event batch flush failed, dropping batch",
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
					if len(batch) >= s.batchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
