package correlation

// seenSet remembers the most recent ids up to a fixed capacity; the oldest
// id is forgotten first.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}

func (s *seenSet) Len() int {
	return len(s.ids)
}
