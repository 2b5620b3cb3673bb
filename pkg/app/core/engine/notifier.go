package engine

import (
	"sync"
	"time"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/app/core/orderbook"
)

// EventKind names a notification pushed to transport consumers
type EventKind string

const (
	EventOrderConfirmed EventKind = "order-confirmed"
	EventOrderUpdated   EventKind = "order-updated"
	EventBookUpdated    EventKind = "book-updated"
)

// Event is one notification. Order is set for order events, Book for book events.
type Event struct {
	Kind    EventKind           `json:"kind"`
	UserID  string              `json:"userId,omitempty"`
	AssetID string              `json:"assetId"`
	Order   *ledger.Order       `json:"order,omitempty"`
	Book    *orderbook.Snapshot `json:"book,omitempty"`
	At      time.Time           `json:"at"`
}

// Notifier receives the engine's notifications. Implementations must not block.
type Notifier interface {
	OrderConfirmed(o ledger.Order)
	OrderUpdated(o ledger.Order)
	BookUpdated(s orderbook.Snapshot)
}

// NopNotifier discards everything
type NopNotifier struct{}

func (NopNotifier) OrderConfirmed(ledger.Order)    {}
func (NopNotifier) OrderUpdated(ledger.Order)      {}
func (NopNotifier) BookUpdated(orderbook.Snapshot) {}

// EventBus fans notifications out to buffered subscriber channels.
// A full subscriber loses the event instead of stalling the engine.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	bufSize int
	closed  bool

	// OnDrop is called when an event is dropped for a subscriber
	OnDrop func(name string, ev Event)
}

type subscriber struct {
	name string
	ch   chan Event
}

func NewEventBus(bufSize int) *EventBus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &EventBus{bufSize: bufSize}
}

// Subscribe registers a named consumer. The channel is closed by Close.
func (b *EventBus) Subscribe(name string) <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{name: name, ch: ch})
	return ch
}

func (b *EventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(s.name, ev)
			}
		}
	}
}

func (b *EventBus) OrderConfirmed(o ledger.Order) {
	b.publish(Event{Kind: EventOrderConfirmed, UserID: o.UserID, AssetID: o.AssetID, Order: &o, At: time.Now().UTC()})
}

func (b *EventBus) OrderUpdated(o ledger.Order) {
	b.publish(Event{Kind: EventOrderUpdated, UserID: o.UserID, AssetID: o.AssetID, Order: &o, At: time.Now().UTC()})
}

func (b *EventBus) BookUpdated(s orderbook.Snapshot) {
	b.publish(Event{Kind: EventBookUpdated, AssetID: s.AssetID, Book: &s, At: time.Now().UTC()})
}

// Close closes every subscriber channel; later events are discarded
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
}

var (
	_ Notifier = (*EventBus)(nil)
	_ Notifier = NopNotifier{}
)
