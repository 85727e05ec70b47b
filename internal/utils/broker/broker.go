package broker

import (
	"sync"
)

// Event is an account change pushed to a user's connected clients.
type Event struct {
	Type               string `json:"type"`
	Credits            int    `json:"credits"`
	SubscriptionStatus string `json:"subscription_status"`
}

const EventCreditUpdate = "credit_update"

// AccountTopic is the topic carrying events for one user.
func AccountTopic(userID string) string {
	return "account_" + userID
}

type Broker struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan Event),
	}
}

func (b *Broker) Subscribe(topic string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 8)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subscribers[topic]
	for i, c := range chans {
		if c == ch {
			b.subscribers[topic] = append(chans[:i], chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(b.subscribers[topic]) == 0 {
		delete(b.subscribers, topic)
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
