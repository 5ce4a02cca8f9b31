package coord

import (
	"encoding/json"
	"log"
	"sync"
)

// subscriptionBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind is cut off and must resume via replay.
const subscriptionBuffer = 256

// Envelope is one broadcast run event. Seq defines ordering; consumers must
// never rely on arrival order.
type Envelope struct {
	Seq     int64           `json:"seq"`
	EventID uint            `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is one listener on a run's broadcast channel. C is closed
// when the subscription is cancelled or the subscriber lags too far behind.
type Subscription struct {
	C <-chan Envelope

	broker *Broker
	runID  string
	ch     chan Envelope
	once   sync.Once
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s.runID, s)
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Broker fans run event envelopes out to live subscribers within this
// process. Durability lives in the run log; the broker is purely a latency
// optimization, so losing a message here only means a subscriber catches up
// through replay.
type Broker struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription // run id -> subscribers
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a listener for the run's envelopes.
func (b *Broker) Subscribe(runID string) *Subscription {
	ch := make(chan Envelope, subscriptionBuffer)
	sub := &Subscription{C: ch, broker: b, runID: runID, ch: ch}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers env to every subscriber of runID. A subscriber whose
// buffer is full is dropped rather than blocking the writer; its channel is
// closed so the session notices and tears down.
func (b *Broker) Publish(runID string, env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	var kept []*Subscription
	for _, sub := range subs {
		select {
		case sub.ch <- env:
			kept = append(kept, sub)
		default:
			log.Printf("coord: subscriber on run %s lagged, dropping", runID)
			sub.closeChan()
		}
	}
	if len(kept) == 0 {
		delete(b.subs, runID)
	} else {
		b.subs[runID] = kept
	}
}

// remove detaches sub from the run's subscriber list without closing it.
func (b *Broker) remove(runID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	for i, s := range subs {
		if s == sub {
			b.subs[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
}

// SubscriberCount returns the number of live subscribers for a run.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
