// Package watcher polls system state on an interval, diffs consecutive
// snapshots and emits an observation per change.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/metrics"
)

// failureThreshold is how many consecutive failed polls put a watcher into
// the degraded state.
const failureThreshold = 3

// Emitter accepts observations. The event writer implements it.
type Emitter interface {
	Emit(ctx context.Context, o event.Observation) error
}

// Source observes one kind of system state and turns two snapshots into
// observations.
type Source[S any] interface {
	Name() string
	Observe(ctx context.Context) (S, error)
	Diff(prev, cur S) []event.Observation
}

// BaselineReporter is implemented by sources that report findings on their
// first snapshot. Other sources only record it.
type BaselineReporter[S any] interface {
	Baseline(cur S) []event.Observation
}

// Kind classifies why an observation failed.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindTimeout          Kind = "timeout"
	KindUnknown          Kind = "unknown"
)

// ObservationError is a failed poll. It never stops the watcher.
type ObservationError struct {
	Watcher string
	Kind    Kind
	Err     error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("%s watcher: %s: %v", e.Watcher, e.Kind, e.Err)
}

func (e *ObservationError) Unwrap() error {
	return e.Err
}

// classify maps an observation failure onto a Kind.
func classify(watcher string, err error) *ObservationError {
	var oe *ObservationError
	if errors.As(err, &oe) {
		return oe
	}
	kind := KindUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	default:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "permission denied") || strings.Contains(msg, "access is denied") {
			kind = KindPermissionDenied
		} else if strings.Contains(msg, "no such file") || strings.Contains(msg, "not found") {
			kind = KindNotFound
		}
	}
	return &ObservationError{Watcher: watcher, Kind: kind, Err: err}
}

// Options configures a Runner.
type Options struct {
	Interval time.Duration
	// BackoffInterval replaces Interval while the watcher is degraded.
	BackoffInterval time.Duration
	// Timeout bounds one Observe call; it defaults to Interval.
	Timeout time.Duration
	// Nudge triggers an early poll.
	Nudge   <-chan struct{}
	Metrics *metrics.Metrics
}

// Runner drives one Source. The snapshot is owned by the Run goroutine and
// replaced only after a complete diff.
type Runner[S any] struct {
	src     Source[S]
	emit    Emitter
	logger  *zap.Logger
	opts    Options
	metrics *metrics.Metrics

	prev     S
	baseline bool
	failures int
	degraded bool
}

// NewRunner creates a runner for src.
func NewRunner[S any](src Source[S], emit Emitter, logger *zap.Logger, opts Options) *Runner[S] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BackoffInterval < opts.Interval {
		opts.BackoffInterval = opts.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	return &Runner[S]{
		src:     src,
		emit:    emit,
		logger:  logger.Named("watcher").With(zap.String("watcher", src.Name())),
		opts:    opts,
		metrics: metrics.OrNew(opts.Metrics),
	}
}

// Name returns the source name.
func (r *Runner[S]) Name() string {
	return r.src.Name()
}

// Degraded reports whether the runner is polling at the backoff interval.
func (r *Runner[S]) Degraded() bool {
	return r.degraded
}

func (r *Runner[S]) interval() time.Duration {
	if r.degraded {
		return r.opts.BackoffInterval
	}
	return r.opts.Interval
}

// Run polls immediately and then on every tick or nudge until ctx is done.
func (r *Runner[S]) Run(ctx context.Context) error {
	r.logger.Info("watcher started", zap.Duration("interval", r.opts.Interval))
	defer r.logger.Info("watcher stopped")

	r.poll(ctx)
	timer := time.NewTimer(r.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-r.opts.Nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		r.poll(ctx)
		timer.Reset(r.interval())
	}
}

// poll runs one observe/diff/emit cycle.
func (r *Runner[S]) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	r.metrics.WatcherPolls.WithLabelValues(r.src.Name()).Inc()

	cur, obs, err := r.cycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(classify(r.src.Name(), err))
		return
	}
	r.restore()

	for _, o := range obs {
		if err := r.emit.Emit(ctx, o); err != nil {
			if event.IsValidationError(err) {
				r.logger.Warn("observation rejected", zap.String("type", string(o.Type)), zap.Error(err))
				continue
			}
			r.logger.Error("emit failed", zap.String("type", string(o.Type)), zap.Error(err))
		}
	}
	r.prev = cur
	r.baseline = true
}

func (r *Runner[S]) cycle(ctx context.Context) (cur S, obs []event.Observation, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ObservationError{Watcher: r.src.Name(), Kind: KindUnknown, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	octx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	cur, err = r.src.Observe(octx)
	if err != nil {
		return cur, nil, err
	}
	if !r.baseline {
		if br, ok := r.src.(BaselineReporter[S]); ok {
			obs = br.Baseline(cur)
		}
		r.logger.Debug("baseline recorded")
		return cur, obs, nil
	}
	return cur, r.src.Diff(r.prev, cur), nil
}

func (r *Runner[S]) fail(oe *ObservationError) {
	r.failures++
	r.metrics.WatcherFailures.WithLabelValues(oe.Watcher, string(oe.Kind)).Inc()
	r.logger.Warn("observation failed", zap.String("kind", string(oe.Kind)),
		zap.Int("consecutive", r.failures), zap.Error(oe.Err))
	if r.failures >= failureThreshold && !r.degraded {
		r.degraded = true
		r.metrics.WatcherDegraded.WithLabelValues(oe.Watcher).Set(1)
		r.logger.Error("watcher degraded", zap.Duration("backoff_interval", r.opts.BackoffInterval))
	}
}

func (r *Runner[S]) restore() {
	if r.degraded {
		r.logger.Info("watcher recovered")
		r.metrics.WatcherDegraded.WithLabelValues(r.src.Name()).Set(0)
	}
	r.failures = 0
	r.degraded = false
}
