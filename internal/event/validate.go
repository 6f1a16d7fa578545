package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports a single schema violation.
type ValidationError struct {
	Field  string
	Reason string
	// Source is the producer of the offending record, when known.
	Source string
}

func (e *ValidationError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("invalid event from %s: %s: %s", e.Source, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateObservation checks the fields a producer is responsible for.
// All violations are joined into one error.
func ValidateObservation(o Observation) error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason, Source: o.Source})
	}

	if o.Type == "" {
		add("type", "required")
	} else if !o.Type.Valid() {
		add("type", fmt.Sprintf("unknown value %q", o.Type))
	}
	if o.Severity == "" {
		add("severity", "required")
	} else if !o.Severity.Valid() {
		add("severity", fmt.Sprintf("unknown value %q", o.Severity))
	}
	if strings.TrimSpace(o.Source) == "" {
		add("source", "required")
	}
	if strings.TrimSpace(o.Message) == "" {
		add("message", "must not be empty")
	}
	return errors.Join(errs...)
}

// Validate checks a fully formed event.
func Validate(e Event) error {
	errs := []error{ValidateObservation(Observation{
		Type:     e.Type,
		Severity: e.Severity,
		Source:   e.Source,
		Message:  e.Message,
	})}
	if e.ID == "" {
		errs = append(errs, &ValidationError{Field: "event_id", Reason: "required", Source: e.Source})
	} else if _, err := uuid.Parse(e.ID); err != nil {
		errs = append(errs, &ValidationError{Field: "event_id", Reason: "not a UUID", Source: e.Source})
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, &ValidationError{Field: "timestamp", Reason: "required", Source: e.Source})
	}
	return errors.Join(errs...)
}

// ParseWire decodes one wire record. Unknown top-level fields are ignored.
// A record without event_id gets a fresh one; shell producers rarely have a
// UUID generator at hand. A message carried as context.message is accepted.
func ParseWire(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, &ValidationError{Field: "record", Reason: "malformed JSON: " + err.Error()}
	}

	var w wireEvent
	var errs []error
	str := func(field string, dst *string) {
		v, ok := raw[field]
		if !ok {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil {
			errs = append(errs, &ValidationError{Field: field, Reason: "must be a string"})
		}
	}
	str("event_id", &w.EventID)
	str("timestamp", &w.Timestamp)
	str("type", &w.Type)
	str("severity", &w.Severity)
	str("source", &w.Source)
	str("message", &w.Message)

	ctxRaw, ok := raw["context"]
	if !ok {
		errs = append(errs, &ValidationError{Field: "context", Reason: "required", Source: w.Source})
	} else if err := json.Unmarshal(ctxRaw, &w.Context); err != nil {
		errs = append(errs, &ValidationError{Field: "context", Reason: "must be an object", Source: w.Source})
	} else if w.Context == nil {
		w.Context = map[string]any{}
	}
	if err := errors.Join(errs...); err != nil {
		return Event{}, err
	}

	if w.Message == "" {
		if m, ok := w.Context["message"].(string); ok {
			w.Message = m
		}
	}

	ev := Event{
		ID:       w.EventID,
		Type:     Type(w.Type),
		Severity: Severity(w.Severity),
		Source:   w.Source,
		Message:  w.Message,
		Context:  w.Context,
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}

	if w.Timestamp == "" {
		errs = append(errs, &ValidationError{Field: "timestamp", Reason: "required", Source: w.Source})
	} else {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			errs = append(errs, &ValidationError{Field: "timestamp", Reason: err.Error(), Source: w.Source})
		}
		ev.Timestamp = ts
	}
	if err := errors.Join(errs...); err != nil {
		return Event{}, err
	}

	if err := Validate(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds, and the
// zone-less form some shell producers emit (treated as UTC).
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("not ISO-8601: %q", s)
}
