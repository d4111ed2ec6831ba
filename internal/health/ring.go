package health

import (
	"sync"

	"github.com/fentz26/sleepless/internal/models"
)

// RestartRing keeps the most recent restart events. When full, the oldest
// event is evicted regardless of its content.
type RestartRing struct {
	mu     sync.Mutex
	events []models.RestartEvent
	next   int
	full   bool
}

// NewRestartRing creates a ring holding up to size events.
func NewRestartRing(size int) *RestartRing {
	if size < 1 {
		size = 1
	}
	return &RestartRing{events: make([]models.RestartEvent, size)}
}

// Add appends an event.
func (r *RestartRing) Add(ev models.RestartEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of stored events.
func (r *RestartRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.events)
	}
	return r.next
}

// Recent returns up to n events, most recent first. n <= 0 returns all.
func (r *RestartRing) Recent(n int) []models.RestartEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.events)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]models.RestartEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out
}
