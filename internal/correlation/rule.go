package correlation

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/event"
)

//go:embed rules
var embeddedRules embed.FS

// Match selects the events a rule counts.
type Match struct {
	Types []event.Type `yaml:"types"`
	// Sources are path.Match globs over event.Source; empty matches any.
	Sources     []string       `yaml:"sources"`
	MinSeverity event.Severity `yaml:"min_severity"`
	// Detection is an optional sigma-style selection over event fields.
	Detection map[string]any `yaml:"detection"`
}

// Rule is a loaded, validated correlation rule. Immutable after loading.
type Rule struct {
	Name        string
	Description string
	Match       Match
	// Threshold is compared with the window measure: the event count, or the
	// sum of WeightField over the window's events.
	Threshold   float64
	WeightField string
	Window      time.Duration
	Cooldown    time.Duration
	Severity    event.Severity
	Actions     []string
	// File is where the rule was loaded from.
	File string

	detection *detection
}

type ruleFile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Match       Match    `yaml:"match"`
	Threshold   float64  `yaml:"threshold"`
	WeightField string   `yaml:"weight_field"`
	Window      string   `yaml:"window"`
	Cooldown    string   `yaml:"cooldown"`
	Severity    string   `yaml:"severity"`
	Actions     []string `yaml:"actions"`
}

// Matches reports whether ev is selected by the rule's match block.
func (r *Rule) Matches(ev event.Event) bool {
	if len(r.Match.Types) > 0 && !containsType(r.Match.Types, ev.Type) {
		return false
	}
	if r.Match.MinSeverity != "" && ev.Severity.Rank() < r.Match.MinSeverity.Rank() {
		return false
	}
	if len(r.Match.Sources) > 0 {
		ok := false
		for _, pattern := range r.Match.Sources {
			if m, _ := path.Match(pattern, ev.Source); m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.detection != nil && !r.detection.matches(ev) {
		return false
	}
	return true
}

// Weight returns the contribution of ev to the window measure.
func (r *Rule) Weight(ev event.Event) float64 {
	if r.WeightField == "" {
		return 1
	}
	if w, ok := toFloat(ev.Context[r.WeightField]); ok && w > 0 {
		return w
	}
	return 1
}

func containsType(types []event.Type, t event.Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ParseRule decodes and validates a single rule document.
func ParseRule(data []byte, file string) (*Rule, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return buildRule(rf, file)
}

func buildRule(rf ruleFile, file string) (*Rule, error) {
	var errs []error
	r := &Rule{
		Name:        strings.TrimSpace(rf.Name),
		Description: rf.Description,
		Match:       rf.Match,
		Threshold:   rf.Threshold,
		WeightField: rf.WeightField,
		Severity:    event.Severity(rf.Severity),
		Actions:     rf.Actions,
		File:        file,
	}

	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	for _, t := range r.Match.Types {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("match.types: unknown event type %q", t))
		}
	}
	for _, s := range r.Match.Sources {
		if _, err := path.Match(s, ""); err != nil {
			errs = append(errs, fmt.Errorf("match.sources: bad pattern %q", s))
		}
	}
	if r.Match.MinSeverity != "" && !r.Match.MinSeverity.Valid() {
		errs = append(errs, fmt.Errorf("match.min_severity: unknown severity %q", r.Match.MinSeverity))
	}
	if r.Threshold <= 0 {
		errs = append(errs, errors.New("threshold must be positive"))
	}
	var err error
	if r.Window, err = parseDuration(rf.Window); err != nil || r.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be a positive duration, got %q", rf.Window))
	}
	if rf.Cooldown != "" {
		if r.Cooldown, err = parseDuration(rf.Cooldown); err != nil || r.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("cooldown must be a duration, got %q", rf.Cooldown))
		}
	}
	if r.Severity == "" {
		r.Severity = event.SeverityWarning
	} else if !r.Severity.Valid() {
		errs = append(errs, fmt.Errorf("severity: unknown value %q", rf.Severity))
	}
	if len(r.Match.Detection) > 0 {
		d, err := newDetection(r.Name, r.Match.Detection)
		if err != nil {
			errs = append(errs, fmt.Errorf("match.detection: %w", err))
		}
		r.detection = d
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(s))
}

// LoadRules reads every .yml/.yaml file in each source, in order. A file may
// hold several rules as separate YAML documents. Each invalid rule is
// reported as a ConfigurationError, logged, and skipped; the remaining rules
// still load. A rule in a later source replaces an earlier one of the same
// name; a repeated name within one source is an error.
func LoadRules(logger *zap.Logger, sources ...fs.FS) ([]*Rule, []error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rules []*Rule
	var problems []error
	index := make(map[string]int)

	reject := func(file, name string, err error) {
		component := "correlation rule " + file
		if name != "" {
			component = fmt.Sprintf("correlation rule %q (%s)", name, file)
		}
		logger.Warn("skipping correlation rule", zap.String("file", file), zap.String("rule", name), zap.Error(err))
		problems = append(problems, &config.ConfigurationError{Component: component, Err: err})
	}

	for _, fsys := range sources {
		local := make(map[string]string)
		err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := filepath.Ext(p)
			if ext != ".yml" && ext != ".yaml" {
				return nil
			}
			data, err := fs.ReadFile(fsys, p)
			if err != nil {
				reject(p, "", err)
				return nil
			}

			dec := yaml.NewDecoder(bytes.NewReader(data))
			for {
				var rf ruleFile
				err := dec.Decode(&rf)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					reject(p, "", fmt.Errorf("parse: %w", err))
					break
				}
				r, err := buildRule(rf, p)
				if err != nil {
					reject(p, rf.Name, err)
					continue
				}
				if prev, dup := local[r.Name]; dup {
					reject(p, r.Name, fmt.Errorf("duplicate rule name, first defined in %s", prev))
					continue
				}
				local[r.Name] = p
				if i, ok := index[r.Name]; ok {
					logger.Info("rule overrides earlier definition", zap.String("rule", r.Name), zap.String("file", p))
					rules[i] = r
					continue
				}
				index[r.Name] = len(rules)
				rules = append(rules, r)
			}
			return nil
		})
		if err != nil {
			problems = append(problems, &config.ConfigurationError{Component: "correlation rules", Err: err})
		}
	}
	return rules, problems
}

// BuiltinRules returns the embedded default rule set.
func BuiltinRules() fs.FS {
	sub, err := fs.Sub(embeddedRules, "rules")
	if err != nil {
		panic(err)
	}
	return sub
}
