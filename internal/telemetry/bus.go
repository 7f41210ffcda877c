// Package telemetry provides the in-process event bus the connector's
// subsystems emit to, the Prometheus metrics, and the optional dashboard
// forwarder. Emission is always non-blocking: a slow or absent consumer can
// never stall the forwarding path.
package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the connector.
const (
	EventPacketForwarded     = "PACKET_FORWARDED"
	EventPeerStateChanged    = "PEER_STATE_CHANGED"
	EventAccountBalance      = "ACCOUNT_BALANCE"
	EventSettlementRequired  = "SETTLEMENT_REQUIRED"
	EventSettlementCompleted = "SETTLEMENT_COMPLETED"
	EventSettlementCancelled = "SETTLEMENT_CANCELLED"
	EventHealthStatus        = "HEALTH_STATUS"
)

// Event is the envelope for everything on the bus.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	NodeID string         `json:"nodeId"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data"`
}

// JSON serializes the event for external sinks.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is a bounded in-process pub/sub bus. Publishing never blocks: when a
// subscriber's buffer is full the oldest queued event is dropped and the
// drop counter incremented.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
	bufferSize  int
	nodeID      string

	dropped atomic.Uint64
}

// NewBus creates a bus stamping every event with nodeID.
func NewBus(nodeID string, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  bufferSize,
		nodeID:      nodeID,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Emit builds an event and publishes it.
func (b *Bus) Emit(eventType string, data map[string]any) {
	b.Publish(&Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		NodeID: b.nodeID,
		Time:   time.Now().UTC(),
		Data:   data,
	})
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		b.deliver(ch, event)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, event)
	}
}

// deliver enqueues the event, evicting the oldest queued one if needed.
func (b *Bus) deliver(ch chan *Event, event *Event) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch: // drop oldest
		b.dropped.Add(1)
	default:
	}
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events have been discarded on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
