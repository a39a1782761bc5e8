// Package event provides the broadcast bus carrying lifecycle and chat
// events to any number of subscribers. Watermill's gochannel backs the bus
// as transport infrastructure while per-subscriber rings preserve type
// information and the documented backpressure semantics.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic is the watermill topic every event is mirrored to as JSON.
const Topic = "nexus.events"

// DefaultSubscriberBuffer is the per-subscriber ring size. A subscriber
// that falls this far behind starts losing its oldest unread events.
const DefaultSubscriberBuffer = 64

// Event is a single immutable bus event. Seq increases monotonically per
// bus; a subscriber observing a jump in Seq has missed events.
type Event struct {
	Type EventType `json:"type"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus is the broadcast primitive. Publishing never blocks on slow
// subscribers: each subscription owns a bounded ring and overflow drops
// the oldest unread event, flagged by a synthetic BusOverflow marker.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool

	pubsub *gochannel.GoChannel
}

// Subscription is one subscriber's view of the bus. Events() yields every
// event published after subscription, in publish order, with a BusOverflow
// marker inserted at the position of any gap.
type Subscription struct {
	id  uint64
	bus *Bus

	mu       sync.Mutex
	ring     []Event
	max      int
	overflow bool
	dropped  uint64
	closed   bool

	notify chan struct{}
	quit   chan struct{}
	out    chan Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
}

// Subscribe attaches a new subscriber with the default buffer size.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffer(DefaultSubscriberBuffer)
}

// SubscribeBuffer attaches a new subscriber with an explicit ring size.
func (b *Bus) SubscribeBuffer(size int) *Subscription {
	if size < 1 {
		size = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		max:    size,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		out:    make(chan Event),
	}
	if b.closed {
		sub.closed = true
		close(sub.out)
		return sub
	}
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// Publish broadcasts an event to all current subscribers and returns the
// published event with its assigned sequence number.
func (b *Bus) Publish(t EventType, data any) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{Type: t, Time: time.Now(), Data: data}
	}

	b.seq++
	ev := Event{Type: t, Seq: b.seq, Time: time.Now(), Data: data}
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
	b.mu.Unlock()

	// Mirror onto watermill for middleware or distributed backends.
	if payload, err := json.Marshal(ev); err == nil {
		_ = b.pubsub.Publish(Topic, message.NewMessage(watermill.NewUUID(), payload))
	}
	return ev
}

// enqueue adds ev to the subscription's ring, dropping the oldest unread
// event when full. Never blocks.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.ring) == s.max {
		s.ring = s.ring[1:]
		s.dropped++
		s.overflow = true
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves events from the ring to the subscriber-facing channel,
// emitting the overflow marker at the position of a gap.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
		}
		if !s.drain() {
			return
		}
	}
}

// drain flushes the ring to the out channel. Returns false once the
// subscription is quitting.
func (s *Subscription) drain() bool {
	for {
		s.mu.Lock()
		var ev Event
		switch {
		case s.overflow:
			s.overflow = false
			ev = Event{
				Type: BusOverflow,
				Time: time.Now(),
				Data: OverflowData{
					Message: "event backlog overflow",
					Dropped: s.dropped,
				},
			}
		case len(s.ring) > 0:
			ev = s.ring[0]
			s.ring = s.ring[1:]
		default:
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return false
		}
	}
}

// Events returns the subscription's event channel. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Dropped reports how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
}

// Seq returns the sequence number of the most recently published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// PubSub exposes the underlying watermill channel, e.g. for bridging the
// event stream to another transport.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close shuts down the bus and closes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			sub.mu.Unlock()
			close(sub.quit)
			continue
		}
		sub.mu.Unlock()
	}

	return b.pubsub.Close()
}
