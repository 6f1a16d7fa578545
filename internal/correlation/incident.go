package correlation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iyulab/system-vigil/internal/event"
)

// Status is an incident's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusDispatched Status = "dispatched"
	StatusResolved   Status = "resolved"
)

// Incident is a fired correlation rule.
type Incident struct {
	ID       string         `json:"incident_id"`
	RuleName string         `json:"rule_name"`
	Severity event.Severity `json:"severity"`
	// CreatedAt is the timestamp of the event that completed the rule.
	CreatedAt time.Time `json:"created_at"`
	// ContributingEventIDs are the window's events, oldest first.
	ContributingEventIDs []string   `json:"contributing_event_ids"`
	Status               Status     `json:"status"`
	Actions              []string   `json:"actions,omitempty"`
	Summary              string     `json:"summary,omitempty"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

// ErrIncidentNotFound is returned for unknown incident ids.
var ErrIncidentNotFound = errors.New("incident not found")

// Book is the in-memory incident registry. Safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
	order     []string
	limit     int
	now       func() time.Time
}

// NewBook creates a Book keeping at most limit incidents (0 = unlimited).
// When full, the oldest resolved incident is forgotten first.
func NewBook(limit int) *Book {
	return &Book{incidents: make(map[string]*Incident), limit: limit, now: time.Now}
}

// Add records a new incident.
func (b *Book) Add(inc Incident) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.incidents[inc.ID]; ok {
		return
	}
	cp := inc
	b.incidents[inc.ID] = &cp
	b.order = append(b.order, inc.ID)
	b.evict()
}

// evict drops the oldest resolved incidents, then the oldest of any status,
// until the book is within its limit. Caller must hold b.mu.
func (b *Book) evict() {
	if b.limit <= 0 {
		return
	}
	for len(b.order) > b.limit {
		victim := 0
		for i, id := range b.order {
			if b.incidents[id].Status == StatusResolved {
				victim = i
				break
			}
		}
		delete(b.incidents, b.order[victim])
		b.order = append(b.order[:victim], b.order[victim+1:]...)
	}
}

// Get returns a copy of the incident with id.
func (b *Book) Get(id string) (Incident, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	inc, ok := b.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return *inc, nil
}

// List returns every incident, newest first.
func (b *Book) List() []Incident {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Incident, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.incidents[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MarkDispatched moves an open incident to dispatched.
func (b *Book) MarkDispatched(id string) (Incident, error) {
	return b.transition(id, StatusDispatched, func(s Status) bool { return s == StatusOpen })
}

// Resolve closes an incident. Resolving twice is an error.
func (b *Book) Resolve(id string) (Incident, error) {
	return b.transition(id, StatusResolved, func(s Status) bool { return s != StatusResolved })
}

func (b *Book) transition(id string, to Status, allowed func(Status) bool) (Incident, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inc, ok := b.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if !allowed(inc.Status) {
		return *inc, fmt.Errorf("incident %s is %s, cannot move to %s", id, inc.Status, to)
	}
	inc.Status = to
	if to == StatusResolved {
		t := b.now().UTC()
		inc.ResolvedAt = &t
	}
	return *inc, nil
}
