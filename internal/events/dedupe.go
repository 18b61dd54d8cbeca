package events

import "sync"

// Deduper remembers recently seen event ids so at-least-once subscribers
// can drop redeliveries. Bounded FIFO eviction.
type Deduper struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
}

// NewDeduper creates a deduper remembering up to cap ids.
func NewDeduper(cap int) *Deduper {
	if cap <= 0 {
		cap = 8192
	}
	return &Deduper{cap: cap, seen: make(map[string]struct{}, cap)}
}

// Forget removes an id so a redelivery can be reprocessed. Handlers call
// it when they marked an id but could not complete the work.
func (d *Deduper) Forget(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; !ok {
		return
	}
	delete(d.seen, eventID)
	for i, id := range d.order {
		if id == eventID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Seen records the id and reports whether it was already present.
func (d *Deduper) Seen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; ok {
		return true
	}
	d.seen[eventID] = struct{}{}
	d.order = append(d.order, eventID)
	if len(d.order) > d.cap {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, evict)
	}
	return false
}
