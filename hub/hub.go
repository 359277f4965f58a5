// Package hub fans out JSON status events to every connected observer.
// Delivery is best effort and at most once per sink per broadcast; a
// failing sink is dropped without disturbing the rest.
package hub

import (
	"sync"

	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/types"
)

// Sink is an opaque observer connection. Deliver failure marks the sink
// dead; the hub closes and forgets it.
type Sink interface {
	Deliver(msg types.BroadcastMessage) error
	Close() error
}

type Hub struct {
	mu    sync.Mutex
	sinks map[Sink]struct{}
	log   logger.Logger
}

func New(log logger.Logger) *Hub {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Hub{
		sinks: make(map[Sink]struct{}),
		log:   log,
	}
}

func (h *Hub) Register(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[s] = struct{}{}
}

// Unregister forgets the sink without closing it; the caller owns the
// connection's lifecycle on this path.
func (h *Hub) Unregister(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, s)
}

// Broadcast delivers msg to every registered sink. Sinks that fail are
// removed and closed after the sweep so one dead connection never
// interrupts delivery to the rest.
func (h *Hub) Broadcast(msg types.BroadcastMessage) {
	h.mu.Lock()
	snapshot := make([]Sink, 0, len(h.sinks))
	for s := range h.sinks {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	var dead []Sink
	for _, s := range snapshot {
		if err := s.Deliver(msg); err != nil {
			h.log.Debug("dropping failed observer sink", map[string]any{
				"error": err.Error(),
			})
			dead = append(dead, s)
		}
	}

	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	for _, s := range dead {
		delete(h.sinks, s)
	}
	h.mu.Unlock()

	for _, s := range dead {
		_ = s.Close()
	}
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

// CloseAll disconnects every observer. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	snapshot := make([]Sink, 0, len(h.sinks))
	for s := range h.sinks {
		snapshot = append(snapshot, s)
		delete(h.sinks, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		_ = s.Close()
	}
}
