package bus

import (
	"encoding/json"
	"sync"

	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/types"
)

// SnapshotProvider returns the current view of a topic, delivered to new
// subscribers before any delta
type SnapshotProvider func(topic string) (json.RawMessage, bool)

// Subscriber is one connected live-update client. Events arrive on
// Events() until the subscriber unsubscribes or is dropped for falling
// behind; in both cases the channel is closed.
type Subscriber struct {
	topics  map[string]bool
	queue   chan *types.Event
	dropped bool
}

// Events returns the subscriber's delivery channel
func (s *Subscriber) Events() <-chan *types.Event {
	return s.queue
}

// Dropped reports whether the bus evicted this subscriber for slow
// consumption
func (s *Subscriber) Dropped() bool {
	return s.dropped
}

func (s *Subscriber) wants(topic string) bool {
	return s.topics[topic]
}

// Broker is the topic-keyed live-update bus. Publishers never block: a
// subscriber whose bounded queue overflows is dropped after a terminal
// lost event.
type Broker struct {
	mu        sync.Mutex
	subs      map[*Subscriber]bool
	seqs      map[string]uint64
	snapshots []SnapshotProvider
	queueSize int
	closed    bool
}

// NewBroker creates a broker whose subscribers buffer up to queueSize
// events
func NewBroker(queueSize int) *Broker {
	if queueSize < 2 {
		queueSize = 2
	}
	return &Broker{
		subs:      map[*Subscriber]bool{},
		seqs:      map[string]uint64{},
		queueSize: queueSize,
	}
}

// RegisterSnapshot adds a provider consulted when a subscription opens
func (b *Broker) RegisterSnapshot(provider SnapshotProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, provider)
}

// Subscribe creates a subscription for the given topics. Each topic opens
// with a snapshot event when a provider covers it, followed by deltas in
// publication order.
func (b *Broker) Subscribe(topics ...string) *Subscriber {
	// Extra capacity guarantees the opening snapshots fit even when a
	// subscription covers many topics
	sub := &Subscriber{
		topics: make(map[string]bool, len(topics)),
		queue:  make(chan *types.Event, b.queueSize+len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.queue)
		return sub
	}

	for _, t := range topics {
		for _, provider := range b.snapshots {
			payload, ok := provider(t)
			if !ok {
				continue
			}
			b.seqs[t]++
			sub.queue <- &types.Event{Topic: t, Seq: b.seqs[t], Kind: types.EventSnapshot, Payload: payload}
			break
		}
	}

	b.subs[sub] = true
	metrics.BusSubscribers.Set(float64(len(b.subs)))
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subs[sub] {
		return
	}
	delete(b.subs, sub)
	close(sub.queue)
	metrics.BusSubscribers.Set(float64(len(b.subs)))
}

// Publish delivers an event to every subscriber of its topic. The call
// never blocks; sequence numbers are assigned here, so subscribers of one
// topic observe events in publication order.
func (b *Broker) Publish(topic string, kind types.EventKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seqs[topic]++
	event := &types.Event{Topic: topic, Seq: b.seqs[topic], Kind: kind, Payload: raw}

	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.drop(sub, topic)
		}
	}
}

// drop evicts a slow subscriber: one queued event makes room for the
// terminal lost event, then the channel closes
func (b *Broker) drop(sub *Subscriber, topic string) {
	delete(b.subs, sub)
	sub.dropped = true

	select {
	case <-sub.queue:
	default:
	}
	b.seqs[topic]++
	select {
	case sub.queue <- &types.Event{Topic: topic, Seq: b.seqs[topic], Kind: types.EventLost}:
	default:
	}
	close(sub.queue)

	metrics.BusSubscribers.Set(float64(len(b.subs)))
	metrics.BusDroppedSubscribersTotal.Inc()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber and refuses further publications
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.queue)
	}
	metrics.BusSubscribers.Set(0)
}
