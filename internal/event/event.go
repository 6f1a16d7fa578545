// Package event defines the canonical telemetry event and its validation rules.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event categories.
type Type string

const (
	TypeProcess    Type = "process"
	TypeNetwork    Type = "network"
	TypeFilesystem Type = "filesystem"
	TypeIDS        Type = "ids"
	TypeSSH        Type = "ssh"
	TypeCron       Type = "cron"
	TypePrivacy    Type = "privacy"
	TypeRansomware Type = "ransomware"
	TypeSignature  Type = "signature"
)

// Types lists every valid Type in declaration order.
var Types = []Type{
	TypeProcess, TypeNetwork, TypeFilesystem, TypeIDS, TypeSSH,
	TypeCron, TypePrivacy, TypeRansomware, TypeSignature,
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Severity is the closed set of event severities, ordered info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Rank returns 0, 1, 2 for info, warning, critical and -1 for anything else.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// ParseSeverity converts s into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// TimestampLayout is the wire format for timestamps: ISO-8601, UTC, millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the wire layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Event is a normalized telemetry record. Events are never mutated after the
// writer hands them out; consumers that need to modify Context must Clone first.
type Event struct {
	// ID is a v4 UUID assigned at creation and used for de-duplication.
	ID string
	// Timestamp is UTC with millisecond precision.
	Timestamp time.Time
	Type      Type
	Severity  Severity
	// Source is the producer identifier, e.g. "watcher.filesystem".
	Source  string
	Message string
	// Context carries type-specific fields (directory, pid, remote_ip, ...).
	Context map[string]any
}

// Observation is a raw watcher finding before identity and time are assigned.
type Observation struct {
	Type     Type
	Severity Severity
	Source   string
	Message  string
	Context  map[string]any
}

// NewID returns a fresh v4 UUID string.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a copy of e whose Context can be modified independently.
func (e Event) Clone() Event {
	cp := e
	cp.Context = cloneMap(e.Context)
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneMap(typed)
		case []any:
			out[k] = append([]any(nil), typed...)
		case []string:
			out[k] = append([]string(nil), typed...)
		default:
			out[k] = v
		}
	}
	return out
}

// wireEvent is the JSON form of Event.
type wireEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
}

// MarshalJSON encodes e in the wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	ctx := e.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return json.Marshal(wireEvent{
		EventID:   e.ID,
		Timestamp: FormatTimestamp(e.Timestamp),
		Type:      string(e.Type),
		Severity:  string(e.Severity),
		Source:    e.Source,
		Message:   e.Message,
		Context:   ctx,
	})
}

// UnmarshalJSON decodes and validates the wire format. See ParseWire.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := ParseWire(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
