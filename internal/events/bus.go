// Package events is the in-process pub/sub used to decouple the agent loop
// from the memory extractor and the dashboard surfaces. Delivery is
// at-least-once within the process; subscribers must be idempotent.
package events

import (
	"sync"

	"spaceduck/internal/store"
)

// Event types.
const (
	TypeAssistantMessage = "assistant_message"
	TypeConfigChanged    = "config_changed"
	TypeBudgetExceeded   = "budget_exceeded"
)

// AssistantMessage is published after each persisted assistant turn.
type AssistantMessage struct {
	ConversationID string
	Message        store.Message
}

// ConfigChanged is published after a successful patch or external reload.
type ConfigChanged struct {
	ChangedPaths []string
	Rev          string
}

// BudgetExceeded is published when the scheduler pauses on the spend guard.
type BudgetExceeded struct {
	Window   string // "daily" or "monthly"
	SpentUSD float64
	LimitUSD float64
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type    string
	Payload any
}

// Bus fans events out to subscribers. Each subscriber gets its own buffered
// channel drained by its own goroutine, so one slow consumer cannot stall
// the publisher or its siblings.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscription
	wg   sync.WaitGroup
}

type subscription struct {
	ch     chan Event
	once   sync.Once
	closed chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers handler for one event type. The returned function
// unsubscribes and waits for the handler goroutine to drain.
func (b *Bus) Subscribe(eventType string, handler func(Event)) func() {
	sub := &subscription{
		ch:     make(chan Event, 64),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
			case <-sub.closed:
				// Drain what was already queued.
				for {
					select {
					case ev := <-sub.ch:
						handler(ev)
					default:
						return
					}
				}
			}
		}
	}()

	return func() {
		b.mu.Lock()
		list := b.subs[eventType]
		for i, s := range list {
			if s == sub {
				b.subs[eventType] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.closed) })
	}
}

// Publish delivers the event to every current subscriber of its type. A full
// subscriber buffer drops the event for that subscriber rather than blocking.
func (b *Bus) Publish(eventType string, payload any) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs[eventType]))
	copy(subs, b.subs[eventType])
	b.mu.Unlock()

	ev := Event{Type: eventType, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close stops delivery and waits for all subscriber goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, list := range b.subs {
		for _, sub := range list {
			sub.once.Do(func() { close(sub.closed) })
		}
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
	b.wg.Wait()
}
