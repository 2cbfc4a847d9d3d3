package events

// ring is a fixed-capacity buffer of the most recent events for one name.
type ring struct {
	buf  []*Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*Event, capacity)}
}

func (r *ring) append(ev *Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns up to limit of the most recent events in chronological
// order. A non-positive limit returns everything retained.
func (r *ring) snapshot(limit int) []*Event {
	var ordered []*Event
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
