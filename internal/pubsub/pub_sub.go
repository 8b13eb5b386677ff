package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// EventType identifies a kind of event. Packages publishing events declare their own constants.
type EventType int

// SubscriptionOptions configures how events are delivered to one subscriber.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait for room in the subscriber's channel instead of dropping the event.
	// A slow blocking subscriber stalls every other subscriber, so most should leave this false.
	IsBlocking bool
}

// SubscriberID is returned by Subscribe and required by Unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload. Event[A] and Event[B] are distinct types, so a subscriber only ever sees the payload
// type it asked for.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber hides the payload type behind closures, which lets channels of different Event[T] live in one registry.
type subscriber struct {
	deliver  func(payload any) bool
	close    func()
	blocking bool
	dropped  atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// PubSubClient is an asynchronous fan-out broker. Publish enqueues, a single goroutine delivers.
type PubSubClient struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	queue    chan envelope
	closed   atomic.Bool
	logger   hclog.Logger
}

// NewPubSub starts a broker. A nil logger discards broker diagnostics.
func NewPubSub(logger hclog.Logger) *PubSubClient {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &PubSubClient{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan envelope, 128),
		logger:   logger.Named("pubsub"),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Subscribe registers ch for events of eventType. The caller owns the buffer size of ch; the broker closes ch on
// Unsubscribe. Go methods cannot declare type parameters, hence the free function.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{blocking: opts.IsBlocking, close: func() { close(ch) }}
	sub.deliver = func(payload any) bool {
		typed, ok := payload.(T)
		if !ok {
			p.logger.Warn("payload type mismatch", "event", eventType, "want", *new(T), "got", payload)
			return false
		}
		ev := &Event[T]{Type: eventType, Payload: typed}
		if sub.blocking {
			ch <- ev
			return true
		}
		select {
		case ch <- ev:
			return true
		default:
			return false
		}
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.close()
	if len(subs) == 0 {
		delete(p.registry, eventType)
	}
}

// Publish enqueues event for delivery without blocking. Events published after shutdown, or while the queue is
// full, are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps Shutdown from closing the queue between the check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		p.logger.Debug("dropping event published after shutdown", "event", event.Type)
		return
	}
	select {
	case p.queue <- envelope{eventType: event.Type, payload: event.Payload}:
	default:
		p.logger.Warn("event queue full, dropping event", "event", event.Type)
	}
}

// Shutdown rejects new events, delivers the queued ones and waits for the broker goroutine. It is idempotent.
func (p *PubSubClient) Shutdown() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for env := range p.queue {
		p.mu.RLock()
		for id, sub := range p.registry[env.eventType] {
			if !sub.deliver(env.payload) && !sub.blocking {
				n := sub.dropped.Add(1)
				p.logger.Debug("subscriber channel full, event dropped", "event", env.eventType, "subscriber", id, "dropped", n)
			}
		}
		p.mu.RUnlock()
	}
}
