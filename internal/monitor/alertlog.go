package monitor

import (
	"sync"

	"github.com/google/uuid"

	"vista/internal/domain"
)

func newAlertID() string {
	return "alert-" + uuid.NewString()
}

// AlertLog keeps the most recent alerts in a fixed-size ring and queues
// unacknowledged ones in append order. Each processing pass only sees
// alerts appended since the previous pass.
type AlertLog struct {
	mu      sync.Mutex
	ring    []domain.Alert
	next    int
	full    bool
	pending []int // ring slots awaiting processing, in append order
	total   int
	dropped int
}

func NewAlertLog(capacity int) *AlertLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &AlertLog{ring: make([]domain.Alert, capacity)}
}

func (l *AlertLog) Append(alerts ...domain.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range alerts {
		if l.full && !l.ring[l.next].Acknowledged {
			l.dropPending(l.next)
		}
		a.Acknowledged = false
		l.ring[l.next] = a
		l.pending = append(l.pending, l.next)
		l.next = (l.next + 1) % len(l.ring)
		if l.next == 0 {
			l.full = true
		}
		l.total++
	}
}

func (l *AlertLog) dropPending(slot int) {
	for i, p := range l.pending {
		if p == slot {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			l.dropped++
			return
		}
	}
}

// Drain acknowledges every pending alert and returns them, oldest first.
func (l *AlertLog) Drain() []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	out := make([]domain.Alert, 0, len(l.pending))
	for _, slot := range l.pending {
		l.ring[slot].Acknowledged = true
		out = append(out, l.ring[slot])
	}
	l.pending = l.pending[:0]
	return out
}

// Recent returns up to n retained alerts, newest last. n <= 0 returns all.
func (l *AlertLog) Recent(n int) []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ordered []domain.Alert
	if l.full {
		ordered = append(ordered, l.ring[l.next:]...)
	}
	ordered = append(ordered, l.ring[:l.next]...)
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Counts returns alerts ever appended and alerts still awaiting processing.
func (l *AlertLog) Counts() (total, unacknowledged int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.pending)
}

// Dropped counts alerts evicted before they were processed.
func (l *AlertLog) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
