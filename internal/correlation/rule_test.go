package correlation

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/event"
)

// ruleDoc builds a minimal rule YAML with a contains-selection on field.
func ruleDoc(name, field, value string) []byte {
	return []byte(`name: ` + name + `
match:
  types: [ssh]
  detection:
    selection:
      ` + field + `|contains: '` + value + `'
    condition: selection
threshold: 1
window: 1m
`)
}

func TestLoadRules_FromFS(t *testing.T) {
	fakeFS := fstest.MapFS{
		"ssh/auth.yml": &fstest.MapFile{Data: ruleDoc("ssh-fail", "message", "Failed password")},
		"README.md":    &fstest.MapFile{Data: []byte("not a rule")},
	}
	rules, problems := LoadRules(nil, fakeFS)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].File != "ssh/auth.yml" {
		t.Errorf("File = %q", rules[0].File)
	}

	hit := event.Event{ID: "1", Type: event.TypeSSH, Severity: event.SeverityWarning, Source: "ssh", Message: "Failed password for root from 10.0.0.9"}
	miss := hit
	miss.Message = "Accepted publickey for root"
	if !rules[0].Matches(hit) {
		t.Error("expected match on failed password")
	}
	if rules[0].Matches(miss) {
		t.Error("unexpected match on accepted login")
	}
}

func TestLoadRules_InvalidRuleSkipped(t *testing.T) {
	fakeFS := fstest.MapFS{
		"rules.yml": &fstest.MapFile{Data: []byte(`name: good
threshold: 1
window: 1m
---
name: bad
threshold: 0
window: soon
---
name: also-good
threshold: 2
window: 30s
`)},
	}
	rules, problems := LoadRules(nil, fakeFS)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %d: %v", len(problems), problems)
	}
	if !config.IsConfigurationError(problems[0]) {
		t.Errorf("problem should be a ConfigurationError: %T", problems[0])
	}
	msg := problems[0].Error()
	for _, want := range []string{`"bad"`, "threshold", "window"} {
		if !strings.Contains(msg, want) {
			t.Errorf("problem %q should mention %s", msg, want)
		}
	}
}

func TestLoadRules_LaterSourceOverrides(t *testing.T) {
	base := fstest.MapFS{"a.yml": &fstest.MapFile{Data: []byte("name: r\nthreshold: 1\nwindow: 1m\n")}}
	local := fstest.MapFS{"b.yml": &fstest.MapFile{Data: []byte("name: r\nthreshold: 7\nwindow: 1m\n")}}

	rules, problems := LoadRules(nil, base, local)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if len(rules) != 1 || rules[0].Threshold != 7 {
		t.Fatalf("expected overridden rule with threshold 7, got %+v", rules)
	}
}

func TestLoadRules_DuplicateWithinSource(t *testing.T) {
	fakeFS := fstest.MapFS{
		"a.yml": &fstest.MapFile{Data: []byte("name: r\nthreshold: 1\nwindow: 1m\n")},
		"b.yml": &fstest.MapFile{Data: []byte("name: r\nthreshold: 2\nwindow: 1m\n")},
	}
	rules, problems := LoadRules(nil, fakeFS)
	if len(rules) != 1 || rules[0].Threshold != 1 {
		t.Errorf("first definition should win, got %+v", rules)
	}
	if len(problems) != 1 {
		t.Errorf("expected duplicate to be reported, got %v", problems)
	}
}

func TestLoadRules_MalformedYAML(t *testing.T) {
	fakeFS := fstest.MapFS{"x.yaml": &fstest.MapFile{Data: []byte("name: [unclosed\n")}}
	rules, problems := LoadRules(nil, fakeFS)
	if len(rules) != 0 || len(problems) != 1 {
		t.Errorf("rules=%d problems=%d", len(rules), len(problems))
	}
}

func TestBuiltinRules_AllLoad(t *testing.T) {
	rules, problems := LoadRules(nil, BuiltinRules())
	for _, p := range problems {
		t.Errorf("builtin rule problem: %v", p)
	}
	want := []string{
		"mass-file-modification", "ransomware-activity", "persistence-file-changed",
		"blocked-network-connection", "ssh-brute-force", "ids-alert-storm",
		"suspicious-process-burst", "reverse-shell",
	}
	names := make(map[string]bool)
	for _, r := range rules {
		names[r.Name] = true
	}
	for _, n := range want {
		if !names[n] {
			t.Errorf("builtin rule %q missing", n)
		}
	}
}

func TestParseRule_Defaults(t *testing.T) {
	r, err := ParseRule([]byte("name: x\nthreshold: 1\nwindow: 90s\n"), "x.yml")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if r.Severity != event.SeverityWarning {
		t.Errorf("Severity = %q, want warning", r.Severity)
	}
	if r.Cooldown != 0 {
		t.Errorf("Cooldown = %v, want 0", r.Cooldown)
	}
	if r.Window != 90*time.Second {
		t.Errorf("Window = %v", r.Window)
	}
}

func TestParseRule_Errors(t *testing.T) {
	cases := map[string]string{
		"missing name":      "threshold: 1\nwindow: 1m\n",
		"unknown type":      "name: x\nmatch:\n  types: [dns]\nthreshold: 1\nwindow: 1m\n",
		"bad severity":      "name: x\nthreshold: 1\nwindow: 1m\nseverity: loud\n",
		"bad glob":          "name: x\nmatch:\n  sources: ['[']\nthreshold: 1\nwindow: 1m\n",
		"no condition":      "name: x\nmatch:\n  detection:\n    selection:\n      a: b\nthreshold: 1\nwindow: 1m\n",
		"negative cooldown": "name: x\nthreshold: 1\nwindow: 1m\ncooldown: -5s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRule([]byte(doc), "x.yml"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRule_MatchFilters(t *testing.T) {
	r, err := ParseRule([]byte(`name: x
match:
  types: [network]
  sources: ["watcher.*"]
  min_severity: warning
threshold: 1
window: 1m
`), "x.yml")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	base := event.Event{ID: "1", Type: event.TypeNetwork, Severity: event.SeverityCritical, Source: "watcher.network", Message: "m"}

	if !r.Matches(base) {
		t.Error("base event should match")
	}
	low := base
	low.Severity = event.SeverityInfo
	if r.Matches(low) {
		t.Error("info event should be below min_severity")
	}
	other := base
	other.Source = "suricata"
	if r.Matches(other) {
		t.Error("source glob should not match suricata")
	}
	wrongType := base
	wrongType.Type = event.TypeSSH
	if r.Matches(wrongType) {
		t.Error("ssh event should not match network rule")
	}
}

func TestRule_WeightFallsBackToOne(t *testing.T) {
	r := &Rule{WeightField: "file_count"}
	cases := []struct {
		ctx  map[string]any
		want float64
	}{
		{map[string]any{"file_count": float64(12)}, 12},
		{map[string]any{"file_count": 4}, 4},
		{map[string]any{"file_count": "many"}, 1},
		{map[string]any{"file_count": float64(0)}, 1},
		{map[string]any{}, 1},
	}
	for _, c := range cases {
		if got := r.Weight(event.Event{Context: c.ctx}); got != c.want {
			t.Errorf("Weight(%v) = %g, want %g", c.ctx, got, c.want)
		}
	}
}

func TestFields_TopLevelWins(t *testing.T) {
	ev := event.Event{ID: "id", Type: event.TypeSSH, Severity: event.SeverityInfo, Source: "s", Message: "m",
		Context: map[string]any{"source": "spoofed", "user": "root"}}
	f := Fields(ev)
	if f["source"] != "s" {
		t.Errorf("source = %v, want top-level value", f["source"])
	}
	if f["user"] != "root" {
		t.Errorf("user = %v", f["user"])
	}
}

func TestBook_Lifecycle(t *testing.T) {
	b := NewBook(0)
	b.Add(Incident{ID: "a", RuleName: "r", Status: StatusOpen, CreatedAt: t0})
	b.Add(Incident{ID: "b", RuleName: "r", Status: StatusOpen, CreatedAt: t0.Add(time.Minute)})

	list := b.List()
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("List should be newest first, got %+v", list)
	}

	if _, err := b.MarkDispatched("a"); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if _, err := b.MarkDispatched("a"); err == nil {
		t.Error("dispatching twice should fail")
	}
	inc, err := b.Resolve("a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if inc.Status != StatusResolved || inc.ResolvedAt == nil {
		t.Errorf("resolved incident = %+v", inc)
	}
	if _, err := b.Resolve("a"); err == nil {
		t.Error("resolving twice should fail")
	}
	if _, err := b.Resolve("missing"); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrIncidentNotFound", err)
	}
}

func TestBook_EvictsResolvedFirst(t *testing.T) {
	b := NewBook(2)
	b.Add(Incident{ID: "a", Status: StatusOpen, CreatedAt: t0})
	b.Add(Incident{ID: "b", Status: StatusOpen, CreatedAt: t0.Add(time.Second)})
	if _, err := b.Resolve("b"); err != nil {
		t.Fatal(err)
	}
	b.Add(Incident{ID: "c", Status: StatusOpen, CreatedAt: t0.Add(2 * time.Second)})

	if _, err := b.Get("b"); err == nil {
		t.Error("resolved incident b should have been evicted")
	}
	if _, err := b.Get("a"); err != nil {
		t.Errorf("open incident a should be kept: %v", err)
	}
}
