// Package pubsub is the in-process event bus servers use to announce lifecycle events (shutdown, expired sessions)
// to their background jobs.
package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType is the type of event subscribers are listening for. This is a base type.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. Delivery is guaranteed, but a slow
	// subscriber stalls the whole bus.
	IsBlocking bool
}

// SubscriberID is a unique identifier for a single subscription instance. It is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased form of a typed channel. The closures capture chan *Event[T], so subscribers of
// different payload types share a single registry map.
type subscriber struct {
	// sendFunc asserts the payload back to T and sends the event. It returns false if the event was dropped.
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()

	Options    SubscriptionOptions
	NumDropped uint64 // atomically updated
}

type message struct {
	eventType EventType
	payload   any
}

// PubSubClient implements the publish-subscribe pattern and is safe for concurrent use.
type PubSubClient struct {
	mu sync.RWMutex
	// Used to wait for the run() goroutine to finish
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	// Buffered so Publish does not wait for run() to finish broadcasting the previous event. The buffer is drained
	// during a GracefulShutdown.
	publishChan chan message

	shuttingDown atomic.Bool
	log          *zap.Logger
}

// Subscribe registers ch for events of eventType. The caller owns the buffer size of ch. The channel is closed on
// Unsubscribe.
//
// Go does not allow methods with their own type parameters, so this is a free function taking the client.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	log := p.log

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				log.Warn("Payload type mismatch", zap.Int("event", int(evType)),
					zap.String("expected", typeName[T]()), zap.Any("payload", payload))
				return false
			}

			event := &Event[T]{
				Type:    evType,
				Payload: typedPayload,
			}

			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				// A full channel of a non-blocking subscriber drops the event
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber for a given event type and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.log.Debug("Unsubscribed", zap.Uint64("subscriber", uint64(id)), zap.Int("event", int(eventType)))
}

// Publish broadcasts an event. Events published after shutdown began are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps a shutdown from closing publishChan between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.log.Debug("Dropping event published during shutdown", zap.Int("event", int(event.Type)))
		return
	}

	p.publishChan <- message{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting new publishes and returns without waiting for buffered events.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
}

// GracefulShutdown delivers every buffered event and waits for the broker to exit.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	// Unlock before waiting: run() takes the read lock for every event it drains
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug("Broker drained and terminated")
}

// Dropped returns how many events were dropped for a subscriber
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return atomic.LoadUint64(&sub.NumDropped)
	}
	return 0
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			sent := sub.sendFunc(msg.eventType, msg.payload)
			if !sent && !sub.Options.IsBlocking {
				dropped := atomic.AddUint64(&sub.NumDropped, 1)
				p.log.Debug("Dropped event for slow subscriber", zap.Int("event", int(msg.eventType)),
					zap.Uint64("subscriber", uint64(id)), zap.Uint64("dropped", dropped))
			}
		}
		p.mu.RUnlock()
	}
}

func NewPubSub(log *zap.Logger) *PubSubClient {
	if log == nil {
		log = zap.NewNop()
	}
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan message, 100),
		log:         log.Named("pubsub"),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

func typeName[T any]() string {
	return fmt.Sprintf("%T", *new(T))
}
