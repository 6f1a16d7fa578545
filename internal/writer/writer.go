// Package writer turns watcher observations into journaled, broker-delivered events.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/broker"
	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/metrics"
)

// DefaultDeliveryTimeout bounds a single broker hand-off.
const DefaultDeliveryTimeout = 500 * time.Millisecond

// Appender durably records an event.
type Appender interface {
	Append(event.Event) error
}

// Deliverer hands an event to the broker, in process or over the ingress socket.
type Deliverer interface {
	Deliver(ctx context.Context, ev event.Event) error
}

// Options configures a Writer.
type Options struct {
	DeliveryTimeout time.Duration
	Metrics         *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Writer assigns identity and time to observations, journals them, and
// forwards them to the broker. Safe for concurrent use by several watchers.
type Writer struct {
	journal Appender
	deliver Deliverer
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// New creates a Writer. journal or deliver may be nil to skip that step.
func New(journal Appender, deliver Deliverer, logger *zap.Logger, opts Options) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Writer{
		journal: journal,
		deliver: deliver,
		logger:  logger.Named("writer"),
		metrics: metrics.OrNew(opts.Metrics),
		timeout: opts.DeliveryTimeout,
		now:     opts.Now,
		last:    make(map[string]time.Time),
	}
}

// Write validates o, builds the event, journals it and delivers it.
// A ValidationError or a journal failure is returned; a delivery failure is
// logged and counted only, since the journal already holds the event.
func (w *Writer) Write(ctx context.Context, o event.Observation) (event.Event, error) {
	if err := event.ValidateObservation(o); err != nil {
		return event.Event{}, err
	}

	ctxMap := o.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	ev := event.Event{
		ID:        event.NewID(),
		Timestamp: w.stamp(o.Source),
		Type:      o.Type,
		Severity:  o.Severity,
		Source:    o.Source,
		Message:   o.Message,
		Context:   ctxMap,
	}

	if w.journal != nil {
		if err := w.journal.Append(ev); err != nil {
			return event.Event{}, fmt.Errorf("journal event %s: %w", ev.ID, err)
		}
	}

	if w.deliver != nil {
		dctx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.deliver.Deliver(dctx, ev)
		cancel()
		if err != nil {
			derr := &broker.DeliveryError{Target: "broker", EventID: ev.ID, Err: err}
			w.metrics.DeliveryFailures.Inc()
			w.logger.Warn("delivery failed",
				zap.String("event_id", ev.ID),
				zap.String("source", ev.Source),
				zap.Error(derr))
		}
	}
	return ev, nil
}

// Emit satisfies the watcher emitter contract.
func (w *Writer) Emit(ctx context.Context, o event.Observation) error {
	_, err := w.Write(ctx, o)
	return err
}

// stamp returns the current UTC time at millisecond precision, never earlier
// than the previous stamp handed to the same source.
func (w *Writer) stamp(source string) time.Time {
	ts := w.now().UTC().Truncate(time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.last[source]; ok && ts.Before(prev) {
		ts = prev
	}
	w.last[source] = ts
	return ts
}
