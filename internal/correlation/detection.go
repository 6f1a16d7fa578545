package correlation

import (
	"context"
	"fmt"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"gopkg.in/yaml.v3"

	"github.com/iyulab/system-vigil/internal/event"
)

// detection evaluates a rule's sigma-style selection against single events.
type detection struct {
	eval *evaluator.RuleEvaluator
}

// newDetection wraps a detection block in a minimal sigma rule document and
// compiles it.
func newDetection(name string, block map[string]any) (*detection, error) {
	if _, ok := block["condition"]; !ok {
		return nil, fmt.Errorf("condition is required")
	}
	doc := map[string]any{
		"title":     name,
		"logsource": map[string]any{"category": "vigil"},
		"detection": block,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	rule, err := sigmalib.ParseRule(data)
	if err != nil {
		return nil, err
	}
	return &detection{eval: evaluator.ForRule(rule)}, nil
}

func (d *detection) matches(ev event.Event) bool {
	res, err := d.eval.Matches(context.Background(), Fields(ev))
	return err == nil && res.Match
}

// Fields flattens an event into the field map detections select on: the
// top-level attributes plus every context key. Context keys never shadow the
// top-level names.
func Fields(ev event.Event) map[string]interface{} {
	out := make(map[string]interface{}, len(ev.Context)+5)
	for k, v := range ev.Context {
		out[k] = v
	}
	out["event_id"] = ev.ID
	out["type"] = string(ev.Type)
	out["severity"] = string(ev.Severity)
	out["source"] = ev.Source
	out["message"] = ev.Message
	return out
}
