package metrics

import (
	"sync"

	"github.com/ashureev/negotiation-live/internal/domain"
)

// DefaultHistoryCap is the number of metric events kept per session.
const DefaultHistoryCap = 80

// History is a fixed-size ring of metric events. When full, appending
// overwrites the oldest event.
type History struct {
	buf  []domain.MetricEvent
	size int
	head int // write position
	full bool
	mu   sync.RWMutex
}

// NewHistory creates a history holding at most size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistoryCap
	}
	return &History{
		buf:  make([]domain.MetricEvent, size),
		size: size,
	}
}

// Append records an event, evicting the oldest one when the ring is full.
func (h *History) Append(ev domain.MetricEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.head] = ev
	h.head = (h.head + 1) % h.size
	if h.head == 0 {
		h.full = true
	}
}

// Events returns the retained events, oldest first.
func (h *History) Events() []domain.MetricEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]domain.MetricEvent, h.head)
		copy(out, h.buf[:h.head])
		return out
	}

	// Wrap-around: head -> end + start -> head
	out := make([]domain.MetricEvent, 0, h.size)
	out = append(out, h.buf[h.head:]...)
	out = append(out, h.buf[:h.head]...)
	return out
}

// ByRound returns the retained events emitted for round, oldest first.
func (h *History) ByRound(round int) []domain.MetricEvent {
	var out []domain.MetricEvent
	for _, ev := range h.Events() {
		if ev.Round == round {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.full {
		return h.size
	}
	return h.head
}

// Reset drops every event.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buf)
	h.head = 0
	h.full = false
}

// Capacity returns the maximum number of retained events.
func (h *History) Capacity() int {
	return h.size
}
