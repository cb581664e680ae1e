package api

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/negotiation-live/internal/domain"
)

const (
	defaultReplaySize     = 200
	defaultSubscriberSize = 64
)

// Event is a published update with its stream position.
type Event struct {
	ID        int64
	Update    domain.Update
	Timestamp time.Time
}

// Subscription receives events published after it was created. C is closed
// when the subscriber falls too far behind; the client is expected to
// reconnect with its last event ID and replay.
type Subscription struct {
	id int64
	C  <-chan Event
	ch chan Event
}

// Hub fans coordinator updates out to every connected front-end and keeps a
// bounded replay buffer for reconnecting clients. Publish never blocks.
type Hub struct {
	mu         sync.Mutex
	lastID     int64
	replay     *list.List
	replaySize int
	subs       map[int64]*Subscription
	nextSub    int64
	bufSize    int
	logger     *slog.Logger
}

// NewHub creates a hub that keeps the last replaySize events.
func NewHub(replaySize, subscriberBuffer int, logger *slog.Logger) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		replay:     list.New(),
		replaySize: replaySize,
		subs:       make(map[int64]*Subscription),
		bufSize:    subscriberBuffer,
		logger:     logger,
	}
}

// Publish implements the session and device publishers.
func (h *Hub) Publish(u domain.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Update: u, Timestamp: time.Now()}
	h.replay.PushBack(ev)
	for h.replay.Len() > h.replaySize {
		h.replay.Remove(h.replay.Front())
	}

	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("stream subscriber too slow, dropping", "subscriber_id", id, "event_id", ev.ID)
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}

// Subscribe registers a subscriber. When afterID is positive and still
// covered by the replay buffer, the events after it are returned and ok is
// true; otherwise the caller should send a full snapshot.
func (h *Hub) Subscribe(afterID int64) (sub *Subscription, missed []Event, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	ch := make(chan Event, h.bufSize)
	sub = &Subscription{id: h.nextSub, C: ch, ch: ch}
	h.subs[sub.id] = sub

	if afterID <= 0 || afterID > h.lastID {
		return sub, nil, false
	}
	if front := h.replay.Front(); front != nil && front.Value.(Event).ID > afterID+1 {
		return sub, nil, false
	}
	for e := h.replay.Front(); e != nil; e = e.Next() {
		if ev := e.Value.(Event); ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return sub, missed, true
}

// Unsubscribe removes sub. It is safe to call after the hub dropped it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		close(sub.ch)
		delete(h.subs, sub.id)
	}
}

// Online reports whether any front-end is attached.
func (h *Hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) > 0
}

// LastID returns the ID of the most recent event.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}
