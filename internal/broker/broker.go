// Package broker accepts validated events, keeps a bounded cache of recent
// ones, and fans every accepted event out to subscribers in acceptance order.
//
// All cache and subscriber state is owned by the goroutine running Run;
// producers and subscribers talk to it over channels.
package broker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/metrics"
)

const (
	// DefaultCacheCapacity matches the recent-event cache of the ingress bus.
	DefaultCacheCapacity = 1000
	// DefaultQueueSize is the per-subscriber backlog before events are dropped.
	DefaultQueueSize = 256
)

// ErrStopped is returned once the broker loop has exited.
var ErrStopped = errors.New("broker stopped")

// ErrClosed is returned by Subscription.Next after the subscription ends.
var ErrClosed = errors.New("subscription closed")

// Options configures a Broker.
type Options struct {
	CacheCapacity int
	Metrics       *metrics.Metrics
}

// Stats is a point-in-time view of broker counters.
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Dropped     uint64 `json:"dropped"`
	LastSeq     uint64 `json:"last_seq"`
	Subscribers int    `json:"subscribers"`
	CacheSize   int    `json:"cache_size"`
}

type publishReq struct {
	ev    event.Event
	reply chan uint64
}

type subscribeReq struct {
	sub   *Subscription
	reply chan struct{}
}

type recentReq struct {
	n     int
	reply chan []event.Event
}

// Broker is the event bus core.
type Broker struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	publishCh     chan publishReq
	subscribeCh   chan subscribeReq
	unsubscribeCh chan *Subscription
	recentCh      chan recentReq
	done          chan struct{}
	started       atomic.Bool

	accepted    atomic.Uint64
	rejected    atomic.Uint64
	dropped     atomic.Uint64
	lastSeq     atomic.Uint64
	subscribers atomic.Int64
	cacheSize   atomic.Int64

	// owned by Run
	cache *ring
	subs  map[*Subscription]struct{}
}

// New creates a Broker. Call Run to start it.
func New(logger *zap.Logger, opts Options) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = DefaultCacheCapacity
	}
	return &Broker{
		logger:        logger.Named("broker"),
		metrics:       metrics.OrNew(opts.Metrics),
		publishCh:     make(chan publishReq),
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan *Subscription),
		recentCh:      make(chan recentReq),
		done:          make(chan struct{}),
		cache:         newRing(opts.CacheCapacity),
		subs:          make(map[*Subscription]struct{}),
	}
}

// Run owns the broker state until ctx is cancelled. It must be called once.
// On exit every subscription is closed; queued events stay readable.
func (b *Broker) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("broker already running")
	}
	b.logger.Info("broker started", zap.Int("cache_capacity", b.cache.capacity()))
	defer func() {
		close(b.done)
		for s := range b.subs {
			b.detach(s)
		}
		b.logger.Info("broker stopped", zap.Uint64("accepted", b.accepted.Load()))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-b.publishCh:
			req.reply <- b.accept(req.ev)
		case req := <-b.subscribeCh:
			req.sub.replay = b.cache.snapshot(0)
			b.subs[req.sub] = struct{}{}
			b.subscribers.Store(int64(len(b.subs)))
			b.metrics.Subscribers.Set(float64(len(b.subs)))
			close(req.reply)
		case s := <-b.unsubscribeCh:
			if _, ok := b.subs[s]; ok {
				b.detach(s)
			}
		case req := <-b.recentCh:
			req.reply <- b.cache.snapshot(req.n)
		}
	}
}

func (b *Broker) accept(ev event.Event) uint64 {
	seq := b.lastSeq.Add(1)
	b.cache.push(ev)
	b.accepted.Add(1)
	b.cacheSize.Store(int64(b.cache.len()))
	b.metrics.EventsAccepted.Inc()
	b.metrics.CacheSize.Set(float64(b.cache.len()))

	for s := range b.subs {
		if n := s.offer(ev); n > 0 {
			b.dropped.Add(uint64(n))
			b.metrics.EventsDropped.WithLabelValues(s.label).Add(float64(n))
			b.logger.Warn("subscriber fell behind, backlog dropped",
				zap.String("subscriber", s.name), zap.Int("dropped", n))
		}
	}
	return seq
}

func (b *Broker) detach(s *Subscription) {
	delete(b.subs, s)
	close(s.queue)
	b.subscribers.Store(int64(len(b.subs)))
	b.metrics.Subscribers.Set(float64(len(b.subs)))
}

// Publish validates ev and, if valid, appends it to the cache and fans it out.
// It returns the acceptance sequence number. Invalid events are rejected with
// a ValidationError and never reach the cache.
func (b *Broker) Publish(ctx context.Context, ev event.Event) (uint64, error) {
	if err := event.Validate(ev); err != nil {
		b.rejected.Add(1)
		b.metrics.EventsRejected.Inc()
		return 0, err
	}

	req := publishReq{ev: ev, reply: make(chan uint64, 1)}
	select {
	case b.publishCh <- req:
	case <-b.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-req.reply, nil
}

// Deliver publishes ev, for use as an in-process writer target.
func (b *Broker) Deliver(ctx context.Context, ev event.Event) error {
	_, err := b.Publish(ctx, ev)
	return err
}

// Subscribe registers a subscriber. The returned Subscription first yields the
// cache contents at registration time, then every event accepted afterwards.
// Drops are counted under the part of name before the first ':', so
// per-connection names such as "ws:127.0.0.1:5120" share one metric series.
func (b *Broker) Subscribe(ctx context.Context, name string, queueSize int) (*Subscription, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	label, _, _ := strings.Cut(name, ":")
	s := &Subscription{
		name:   name,
		label:  label,
		broker: b,
		queue:  make(chan event.Event, queueSize),
	}
	req := subscribeReq{sub: s, reply: make(chan struct{})}
	select {
	case b.subscribeCh <- req:
	case <-b.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-req.reply
	b.logger.Debug("subscriber registered", zap.String("subscriber", name), zap.Int("replay", len(s.replay)))
	return s, nil
}

// Recent returns up to n of the most recent cached events, oldest first.
// n <= 0 returns the whole cache.
func (b *Broker) Recent(ctx context.Context, n int) ([]event.Event, error) {
	req := recentReq{n: n, reply: make(chan []event.Event, 1)}
	select {
	case b.recentCh <- req:
	case <-b.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-req.reply, nil
}

// Stats returns current counters without blocking on the loop.
func (b *Broker) Stats() Stats {
	return Stats{
		Accepted:    b.accepted.Load(),
		Rejected:    b.rejected.Load(),
		Dropped:     b.dropped.Load(),
		LastSeq:     b.lastSeq.Load(),
		Subscribers: int(b.subscribers.Load()),
		CacheSize:   int(b.cacheSize.Load()),
	}
}

// Done is closed when Run returns.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Subscription is one subscriber's view of the event stream.
// Next must not be called concurrently.
type Subscription struct {
	name    string
	label   string
	broker  *Broker
	replay  []event.Event
	queue   chan event.Event
	dropped atomic.Uint64
	closing atomic.Bool
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many live events this subscriber lost by falling behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Next returns the next event: replayed cache entries first, then live ones.
// It returns ErrClosed once the subscription or the broker has ended and the
// queue is drained.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	if len(s.replay) > 0 {
		ev := s.replay[0]
		s.replay = s.replay[1:]
		return ev, nil
	}
	select {
	case ev, ok := <-s.queue:
		if !ok {
			return event.Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.broker.unsubscribeCh <- s:
	case <-s.broker.done:
	}
}

// offer enqueues ev without blocking. When the queue is full its unread
// backlog is discarded first; the number of discarded events is returned.
// Called only from the broker loop, the queue's sole sender.
func (s *Subscription) offer(ev event.Event) int {
	select {
	case s.queue <- ev:
		return 0
	default:
	}
	n := 0
	for {
		select {
		case <-s.queue:
			n++
			continue
		default:
		}
		break
	}
	s.queue <- ev
	s.dropped.Add(uint64(n))
	return n
}
