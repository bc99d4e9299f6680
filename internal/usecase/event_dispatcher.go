package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

// DispatchMetrics observes event fan-out.
type DispatchMetrics interface {
	EventsPublished(sink string, n int, err error)
	EventsDropped(n int)
}

type noopDispatchMetrics struct{}

func (noopDispatchMetrics) EventsPublished(string, int, error) {}
func (noopDispatchMetrics) EventsDropped(int) {}

// EventDispatcher fans committed ledger events out to sinks from a buffered
// queue. Sink failures are logged and counted; the ledger never sees them.
type EventDispatcher struct {
	sinks   []domain.EventSink
	logger  *zap.Logger
	metrics DispatchMetrics
	timeout time.Duration

	queue   chan []domain.Event
	dropped atomic.Int64
}

func NewEventDispatcher(sinks []domain.EventSink, buffer int, timeout time.Duration, logger *zap.Logger, metrics DispatchMetrics) *EventDispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = noopDispatchMetrics{}
	}
	return &EventDispatcher{
		sinks:   sinks,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		queue:   make(chan []domain.Event, buffer),
	}
}

// Enqueue never blocks the ledger. When the queue is full the batch is
// dropped; consumers can backfill from the event log.
func (d *EventDispatcher) Enqueue(events []domain.Event) {
	if len(events) == 0 {
		return
	}
	select {
	case d.queue <- events:
	default:
		d.dropped.Add(int64(len(events)))
		d.metrics.EventsDropped(len(events))
		d.logger.Warn("Event queue full, dropping batch",
			zap.Uint64("first_seq", events[0].Seq),
			zap.Int("count", len(events)),
		)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (d *EventDispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers queued batches until ctx is cancelled, then drains what is
// left and closes the sinks.
func (d *EventDispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting Event Dispatcher", zap.Int("sinks", len(d.sinks)))
	defer d.closeSinks()
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case batch := <-d.queue:
			d.deliver(ctx, batch)
		}
	}
}

func (d *EventDispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case batch := <-d.queue:
			d.deliver(ctx, batch)
		default:
			return
		}
	}
}

func (d *EventDispatcher) deliver(ctx context.Context, batch []domain.Event) {
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Publish(sctx, batch)
		cancel()
		d.metrics.EventsPublished(sink.Name(), len(batch), err)
		if err != nil {
			d.logger.Error("Failed to publish events",
				zap.String("sink", sink.Name()),
				zap.Uint64("first_seq", batch[0].Seq),
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (d *EventDispatcher) closeSinks() {
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			d.logger.Warn("Failed to close event sink", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}
