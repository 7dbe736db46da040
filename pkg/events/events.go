// Package events implements the outbound EventBus described in spec.md
// §6: a typed pub/sub that lets non-core collaborators (GUI, tray icon)
// subscribe independently to pipeline lifecycle events without the
// pipeline knowing how many, or which, subscribers exist.
//
// Grounded on _examples/original_source/src/events/events.rs (a typed
// event enum with pub/sub fan-out) and the teacher's OnXxx callback-field
// idiom (pkg/rtp/h264.go's OnFrame, pkg/rtsp/client.go's OnRTPPacket),
// generalized from single-callback to multi-subscriber fan-out.
package events

import (
	"log/slog"
	"sync"
)

// Kind enumerates the outbound event variants from spec.md §6.
type Kind int

const (
	PeerConnected Kind = iota
	PeerDisconnected
	StreamStarted
	StreamStopped
	KeyframeRequested
	HealthTick
)

func (k Kind) String() string {
	switch k {
	case PeerConnected:
		return "PeerConnected"
	case PeerDisconnected:
		return "PeerDisconnected"
	case StreamStarted:
		return "StreamStarted"
	case StreamStopped:
		return "StreamStopped"
	case KeyframeRequested:
		return "KeyframeRequested"
	case HealthTick:
		return "HealthTick"
	default:
		return "Unknown"
	}
}

// Event is one published lifecycle notification. Payload is variant-
// specific: a peer id string for PeerConnected/PeerDisconnected, a
// health.Tick for HealthTick, nil otherwise.
type Event struct {
	Kind    Kind
	Payload any
}

// Bus fans published events out to every subscriber. Subscribers each get
// their own buffered channel so a slow subscriber cannot stall publishers
// or other subscribers; a subscriber whose channel fills has its oldest
// pending event dropped to make room rather than blocking Publish, and
// if the channel is still full after that, the new event is dropped and
// logged.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a new listener with the given buffer depth and
// returns the channel to read from plus an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (ch <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	c := make(chan Event, buffer)
	b.subscribers[id] = c

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish fans out ev to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// Drop-oldest: make room by draining one slot, then retry once.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- ev:
			default:
				if b.logger != nil {
					b.logger.Warn("event bus subscriber full, dropping event",
						"subscriber", id, "kind", ev.Kind.String())
				}
			}
		}
	}
}
