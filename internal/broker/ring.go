package broker

import "github.com/iyulab/system-vigil/internal/event"

// ring is a fixed-capacity FIFO of events; pushing onto a full ring evicts
// the oldest entry.
type ring struct {
	buf  []event.Event
	head int // index of the oldest entry
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]event.Event, capacity)}
}

func (r *ring) capacity() int { return len(r.buf) }
func (r *ring) len() int      { return r.size }

func (r *ring) push(ev event.Event) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

// snapshot copies the newest n entries, oldest first. n <= 0 copies all.
func (r *ring) snapshot(n int) []event.Event {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]event.Event, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
