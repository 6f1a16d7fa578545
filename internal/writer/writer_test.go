package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/metrics"
)

type memJournal struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (m *memJournal) Append(ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

type fakeDeliverer struct {
	mu     sync.Mutex
	events []event.Event
	err    error
	block  bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, ev event.Event) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func obs() event.Observation {
	return event.Observation{
		Type:     event.TypeProcess,
		Severity: event.SeverityWarning,
		Source:   "watcher.process",
		Message:  "sustained cpu",
		Context:  map[string]any{"pid": 42},
	}
}

func TestWrite_AssignsIdentityAndTime(t *testing.T) {
	j := &memJournal{}
	d := &fakeDeliverer{}
	fixed := time.Date(2025, 3, 1, 8, 0, 0, 123_456_789, time.FixedZone("KST", 9*3600))
	w := New(j, d, zaptest.NewLogger(t), Options{Now: func() time.Time { return fixed }})

	ev, err := w.Write(context.Background(), obs())
	require.NoError(t, err)

	_, err = uuid.Parse(ev.ID)
	assert.NoError(t, err)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Equal(t, 123_000_000, ev.Timestamp.Nanosecond())
	assert.NoError(t, event.Validate(ev))

	require.Len(t, j.events, 1)
	require.Len(t, d.events, 1)
	assert.Equal(t, ev.ID, j.events[0].ID)
	assert.Equal(t, ev.ID, d.events[0].ID)
}

func TestWrite_InvalidObservationPersistsNothing(t *testing.T) {
	j := &memJournal{}
	d := &fakeDeliverer{}
	w := New(j, d, zaptest.NewLogger(t), Options{})

	o := obs()
	o.Severity = "high"
	_, err := w.Write(context.Background(), o)

	assert.True(t, event.IsValidationError(err))
	assert.Empty(t, j.events)
	assert.Empty(t, d.events)
}

func TestWrite_JournalFailureReturned(t *testing.T) {
	j := &memJournal{err: errors.New("disk full")}
	d := &fakeDeliverer{}
	w := New(j, d, zaptest.NewLogger(t), Options{})

	_, err := w.Write(context.Background(), obs())
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, d.events)
}

func TestWrite_DeliveryFailureNotReturned(t *testing.T) {
	j := &memJournal{}
	d := &fakeDeliverer{err: errors.New("broker down")}
	m := metrics.New()
	w := New(j, d, zaptest.NewLogger(t), Options{Metrics: m})

	_, err := w.Write(context.Background(), obs())
	require.NoError(t, err)
	assert.Len(t, j.events, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
}

func TestWrite_DeliveryTimeoutBounded(t *testing.T) {
	d := &fakeDeliverer{block: true}
	w := New(nil, d, zaptest.NewLogger(t), Options{DeliveryTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := w.Write(context.Background(), obs())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWrite_TimestampsNeverRegressPerSource(t *testing.T) {
	clock := []time.Time{
		time.Date(2025, 3, 1, 8, 0, 2, 0, time.UTC),
		time.Date(2025, 3, 1, 8, 0, 1, 0, time.UTC), // clock stepped back
		time.Date(2025, 3, 1, 8, 0, 3, 0, time.UTC),
	}
	i := 0
	w := New(nil, nil, zaptest.NewLogger(t), Options{Now: func() time.Time {
		now := clock[i]
		i++
		return now
	}})

	var stamps []time.Time
	for range clock {
		ev, err := w.Write(context.Background(), obs())
		require.NoError(t, err)
		stamps = append(stamps, ev.Timestamp)
	}
	assert.Equal(t, clock[0], stamps[1])
	for k := 1; k < len(stamps); k++ {
		assert.False(t, stamps[k].Before(stamps[k-1]))
	}
}

func TestWrite_ConcurrentWatchers(t *testing.T) {
	j := &memJournal{}
	d := &fakeDeliverer{}
	w := New(j, d, zaptest.NewLogger(t), Options{})

	var wg sync.WaitGroup
	for _, src := range []string{"watcher.process", "watcher.network", "watcher.filesystem"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				o := obs()
				o.Source = src
				_, err := w.Write(context.Background(), o)
				assert.NoError(t, err)
			}
		}(src)
	}
	wg.Wait()

	assert.Len(t, j.events, 150)
	assert.Len(t, d.events, 150)
}

func TestEmit_NilContextBecomesEmpty(t *testing.T) {
	d := &fakeDeliverer{}
	w := New(nil, d, zaptest.NewLogger(t), Options{})

	o := obs()
	o.Context = nil
	require.NoError(t, w.Emit(context.Background(), o))
	require.Len(t, d.events, 1)
	assert.NotNil(t, d.events[0].Context)
}
