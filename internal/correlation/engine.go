// Package correlation evaluates sliding-window rules over the event stream
// and raises incidents.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/metrics"
)

// DefaultDedupCapacity is how many recent event ids are remembered.
const DefaultDedupCapacity = 10000

// DefaultMaxFutureSkew is how far ahead of the local clock an event
// timestamp may be before the event is left out of correlation.
const DefaultMaxFutureSkew = 5 * time.Minute

// Dispatcher receives fired incidents.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc Incident) error
}

// Stream yields events in broker acceptance order.
type Stream interface {
	Next(ctx context.Context) (event.Event, error)
}

// Options configures an Engine.
type Options struct {
	DedupCapacity int
	// Book records incidents; nil creates a private one.
	Book *Book
	// Dispatcher is offered every fired incident; nil disables dispatch.
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	// MaxFutureSkew bounds event timestamps ahead of Now; 0 uses
	// DefaultMaxFutureSkew.
	MaxFutureSkew time.Duration
	// Now is the wall clock; nil uses time.Now.
	Now func() time.Time
}

type windowEntry struct {
	id     string
	ts     time.Time
	weight float64
}

type ruleState struct {
	entries []windowEntry
	sum     float64
	// clock is the latest event time seen by this rule, capped at the local clock.
	clock     time.Time
	lastFired time.Time
	hasFired  bool
	// latched is set when the rule fires and cleared once the condition
	// stops holding, so a rule fires only on a transition.
	latched bool
}

// Engine holds per-rule windows. State is in memory only and starts empty.
type Engine struct {
	rules      []*Rule
	book       *Book
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	maxSkew    time.Duration
	now        func() time.Time

	mu     sync.Mutex
	states []*ruleState
	seen   *seenSet
}

// NewEngine creates an engine over rules.
func NewEngine(rules []*Rule, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = DefaultDedupCapacity
	}
	if opts.Book == nil {
		opts.Book = NewBook(0)
	}
	if opts.MaxFutureSkew <= 0 {
		opts.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	states := make([]*ruleState, len(rules))
	for i := range states {
		states[i] = &ruleState{}
	}
	return &Engine{
		rules:      rules,
		book:       opts.Book,
		dispatcher: opts.Dispatcher,
		logger:     logger.Named("correlation"),
		metrics:    metrics.OrNew(opts.Metrics),
		maxSkew:    opts.MaxFutureSkew,
		now:        opts.Now,
		states:     states,
		seen:       newSeenSet(opts.DedupCapacity),
	}
}

// Rules returns the loaded rules.
func (e *Engine) Rules() []*Rule {
	return e.rules
}

// Book returns the incident registry.
func (e *Engine) Book() *Book {
	return e.book
}

// Process evaluates ev against every rule and returns the incidents it fired.
// Events already seen (by event_id) are ignored. Window ages and cooldowns
// are measured on event timestamps, not on arrival time. A rule's clock never
// runs ahead of the local clock, and events stamped further ahead than
// MaxFutureSkew are ignored.
func (e *Engine) Process(ctx context.Context, ev event.Event) []Incident {
	fired := e.evaluate(ev)
	for i := range fired {
		e.book.Add(fired[i])
		e.metrics.Incidents.WithLabelValues(fired[i].RuleName).Inc()
		e.logger.Warn("incident raised",
			zap.String("incident_id", fired[i].ID),
			zap.String("rule", fired[i].RuleName),
			zap.String("severity", string(fired[i].Severity)),
			zap.Int("events", len(fired[i].ContributingEventIDs)))
		fired[i] = e.dispatch(ctx, fired[i])
	}
	return fired
}

func (e *Engine) evaluate(ev event.Event) []Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seen.Add(ev.ID) {
		e.logger.Debug("duplicate event ignored", zap.String("event_id", ev.ID))
		return nil
	}
	now := e.now()
	if ev.Timestamp.After(now.Add(e.maxSkew)) {
		e.logger.Warn("event timestamp too far in the future, not correlated",
			zap.String("event_id", ev.ID),
			zap.String("source", ev.Source),
			zap.Time("timestamp", ev.Timestamp),
			zap.Duration("ahead", ev.Timestamp.Sub(now)))
		return nil
	}

	var fired []Incident
	for i, rule := range e.rules {
		if !rule.Matches(ev) {
			continue
		}
		st := e.states[i]
		at := ev.Timestamp
		if at.After(now) {
			at = now
		}
		if at.After(st.clock) {
			st.clock = at
		}
		cutoff := st.clock.Add(-rule.Window)
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		st.insert(windowEntry{id: ev.ID, ts: ev.Timestamp, weight: rule.Weight(ev)})
		st.prune(cutoff)

		if st.sum < rule.Threshold {
			st.latched = false
			continue
		}
		if st.latched {
			continue
		}
		if st.hasFired && st.clock.Sub(st.lastFired) < rule.Cooldown {
			continue
		}

		st.latched = true
		st.hasFired = true
		st.lastFired = st.clock
		fired = append(fired, newIncident(rule, st, ev))
	}
	return fired
}

func newIncident(rule *Rule, st *ruleState, trigger event.Event) Incident {
	ids := make([]string, len(st.entries))
	for i, e := range st.entries {
		ids[i] = e.id
	}
	measure := "events"
	if rule.WeightField != "" {
		measure = rule.WeightField
	}
	return Incident{
		ID:                   event.NewID(),
		RuleName:             rule.Name,
		Severity:             rule.Severity,
		CreatedAt:            trigger.Timestamp,
		ContributingEventIDs: ids,
		Status:               StatusOpen,
		Actions:              append([]string(nil), rule.Actions...),
		Summary: fmt.Sprintf("%s: %g %s within %s (threshold %g)",
			rule.Name, st.sum, measure, rule.Window, rule.Threshold),
	}
}

func (e *Engine) dispatch(ctx context.Context, inc Incident) Incident {
	if e.dispatcher == nil {
		return inc
	}
	if err := e.dispatcher.Dispatch(ctx, inc); err != nil {
		e.logger.Error("incident dispatch failed", zap.String("incident_id", inc.ID), zap.Error(err))
		return inc
	}
	updated, err := e.book.MarkDispatched(inc.ID)
	if err != nil {
		e.logger.Debug("mark dispatched", zap.String("incident_id", inc.ID), zap.Error(err))
		return inc
	}
	return updated
}

// Run consumes stream until ctx is cancelled or the stream ends.
func (e *Engine) Run(ctx context.Context, stream Stream) error {
	e.logger.Info("correlation engine started", zap.Int("rules", len(e.rules)))
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		e.Process(ctx, ev)
	}
}

// insert keeps entries ordered by timestamp; in-order arrivals append.
func (st *ruleState) insert(w windowEntry) {
	n := len(st.entries)
	if n == 0 || !w.ts.Before(st.entries[n-1].ts) {
		st.entries = append(st.entries, w)
	} else {
		i := sort.Search(n, func(i int) bool { return st.entries[i].ts.After(w.ts) })
		st.entries = append(st.entries, windowEntry{})
		copy(st.entries[i+1:], st.entries[i:])
		st.entries[i] = w
	}
	st.sum += w.weight
}

// prune drops entries older than cutoff.
func (st *ruleState) prune(cutoff time.Time) {
	drop := 0
	for drop < len(st.entries) && st.entries[drop].ts.Before(cutoff) {
		st.sum -= st.entries[drop].weight
		drop++
	}
	if drop > 0 {
		st.entries = append(st.entries[:0], st.entries[drop:]...)
	}
	if len(st.entries) == 0 {
		st.sum = 0
	}
}
