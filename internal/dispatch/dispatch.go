// Package dispatch hands fired incidents to remediation consumers.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/correlation"
)

// Dispatcher is re-exported so callers need not import correlation.
type Dispatcher = correlation.Dispatcher

// ErrQueueFull is returned by Queue when its consumer has fallen behind.
var ErrQueueFull = errors.New("incident queue full")

// Log writes every incident to the logger.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log dispatcher.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("dispatch")}
}

func (d *Log) Dispatch(_ context.Context, inc correlation.Incident) error {
	d.logger.Warn("incident",
		zap.String("incident_id", inc.ID),
		zap.String("rule", inc.RuleName),
		zap.String("severity", string(inc.Severity)),
		zap.Strings("actions", inc.Actions),
		zap.Strings("events", inc.ContributingEventIDs),
		zap.String("summary", inc.Summary))
	return nil
}

// Queue buffers incidents for an in-process consumer.
type Queue struct {
	ch chan correlation.Incident
}

// NewQueue creates a Queue holding up to size incidents.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan correlation.Incident, size)}
}

// Dispatch enqueues inc without blocking.
func (q *Queue) Dispatch(ctx context.Context, inc correlation.Incident) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- inc:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, inc.ID)
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan correlation.Incident {
	return q.ch
}

// Multi offers each incident to every dispatcher. It succeeds when at least
// one accepted.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, inc correlation.Incident) error {
	if len(m) == 0 {
		return errors.New("no dispatchers configured")
	}
	var errs []error
	accepted := 0
	for _, d := range m {
		if err := d.Dispatch(ctx, inc); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	if accepted > 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Build assembles the dispatchers enabled in cfg. The returned close function
// releases any connections; it is never nil.
func Build(cfg config.DispatchConfig, logger *zap.Logger) (Multi, func() error, error) {
	var m Multi
	closeFn := func() error { return nil }
	if cfg.Log {
		m = append(m, NewLog(logger))
	}
	if cfg.NATS.URL != "" {
		nd, err := ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, closeFn, &config.ConfigurationError{Component: "dispatch.nats", Err: err}
		}
		m = append(m, nd)
		closeFn = nd.Close
	}
	return m, closeFn, nil
}
