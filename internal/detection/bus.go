package detection

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/observability/metrics"
)

// DefaultBufferSize is the per-consumer queue capacity.
const DefaultBufferSize = 256

// Consumer receives detection events from the bus. Each consumer gets its own
// goroutine, so ProcessEvent is never called concurrently for one consumer
// and events arrive in publish order.
//
// A consumer that also implements io.Closer is closed after its queue drains
// on Shutdown.
type Consumer interface {
	Name() string
	ProcessEvent(ctx context.Context, event Event) error
}

// BusStats are cumulative bus counters.
type BusStats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}

type consumerQueue struct {
	consumer Consumer
	events   chan Event
}

// Bus fans detection events out to registered consumers without ever
// blocking the publisher. A full consumer queue drops the event for that
// consumer only.
type Bus struct {
	bufferSize int
	log        logger.Logger
	metrics    *metrics.DetectionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	queues []*consumerQueue
	closed bool

	stats BusStats
}

// NewBus creates a bus. A nil log uses the global logger; m may be nil.
func NewBus(bufferSize int, log logger.Logger, m *metrics.DetectionMetrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = logger.Global().Module("detection")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		bufferSize: bufferSize,
		log:        log,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterConsumer adds a consumer and starts its delivery goroutine.
func (b *Bus) RegisterConsumer(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.Newf("detection bus is shut down").
			Component("detection").
			Category(errors.CategoryState).
			Build()
	}
	for _, q := range b.queues {
		if q.consumer.Name() == c.Name() {
			return errors.Newf("consumer %s already registered", c.Name()).
				Component("detection").
				Category(errors.CategoryValidation).
				Build()
		}
	}

	q := &consumerQueue{consumer: c, events: make(chan Event, b.bufferSize)}
	b.queues = append(b.queues, q)
	b.wg.Add(1)
	go b.deliver(q)

	b.log.Info("registered detection consumer", logger.String("consumer", c.Name()))
	return nil
}

// Consumers returns the names of registered consumers.
func (b *Bus) Consumers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.queues))
	for _, q := range b.queues {
		names = append(names, q.consumer.Name())
	}
	return names
}

// TryPublish queues event for every consumer without blocking. It returns
// false when the bus is shut down or at least one consumer dropped the event.
func (b *Bus) TryPublish(event Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	atomic.AddUint64(&b.stats.EventsReceived, 1)

	delivered := true
	for _, q := range b.queues {
		select {
		case q.events <- event:
		default:
			delivered = false
			atomic.AddUint64(&b.stats.EventsDropped, 1)
			b.metrics.RecordDrop(q.consumer.Name())
			b.log.Debug("detection dropped, consumer queue full",
				logger.String("consumer", q.consumer.Name()),
				logger.String("stream", event.Stream),
				logger.String("track_id", event.TrackID))
		}
	}
	return delivered
}

func (b *Bus) deliver(q *consumerQueue) {
	defer b.wg.Done()

	for event := range q.events {
		b.process(q.consumer, event)
	}

	if closer, ok := q.consumer.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			b.log.Warn("failed to close detection consumer",
				logger.String("consumer", q.consumer.Name()),
				logger.Error(err))
		}
	}
}

func (b *Bus) process(c Consumer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&b.stats.ConsumerErrors, 1)
			b.metrics.RecordConsumerError(c.Name())
			b.log.Error("detection consumer panicked",
				logger.String("consumer", c.Name()),
				logger.Any("panic", r),
				logger.String("stream", event.Stream))
		}
	}()

	if err := c.ProcessEvent(b.ctx, event); err != nil {
		atomic.AddUint64(&b.stats.ConsumerErrors, 1)
		b.metrics.RecordConsumerError(c.Name())
		b.log.Warn("detection consumer failed",
			logger.String("consumer", c.Name()),
			logger.String("stream", event.Stream),
			logger.String("track_id", event.TrackID),
			logger.Error(err))
		return
	}
	atomic.AddUint64(&b.stats.EventsProcessed, 1)
}

// Shutdown stops accepting events and waits up to timeout for consumers to
// drain their queues. On timeout the consumer context is cancelled.
func (b *Bus) Shutdown(timeout time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.events)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	defer b.cancel()
	select {
	case <-done:
		b.log.Info("detection bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.log.Warn("detection bus shutdown timeout exceeded", logger.Duration("timeout", timeout))
		return fmt.Errorf("detection bus shutdown timeout exceeded after %s", timeout)
	}
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		EventsReceived:  atomic.LoadUint64(&b.stats.EventsReceived),
		EventsProcessed: atomic.LoadUint64(&b.stats.EventsProcessed),
		EventsDropped:   atomic.LoadUint64(&b.stats.EventsDropped),
		ConsumerErrors:  atomic.LoadUint64(&b.stats.ConsumerErrors),
	}
}
