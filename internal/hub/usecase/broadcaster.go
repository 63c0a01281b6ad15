package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/scope"
)

// OutboundEvent is a wire message paired with the scope id of the entity it
// concerns. The broadcaster uses the scope id to decide which subscribers may
// receive it; an empty scope id means the event is visible to everyone
// (metrics, device status for unassigned hardware).
type OutboundEvent struct {
	Topic   string
	ScopeID string
	Msg     model.WireMessage
}

// Broadcaster fans push events out to subscribed clients. Delivery is scoped:
// a restricted viewer only receives events whose scope id falls inside their
// assignment, resolved through the same scope package the client engine uses.
type Broadcaster interface {
	// Subscribe registers a client channel for a topic. subscriberID must be
	// unique per connection; the channel is owned by the caller.
	Subscribe(ctx context.Context, subscriberID string, topic string, sc scope.Descriptor, events chan<- model.WireMessage) error

	// Unsubscribe removes a single topic subscription.
	Unsubscribe(ctx context.Context, subscriberID string, topic string) error

	// UnsubscribeAll removes every subscription held by a connection.
	UnsubscribeAll(ctx context.Context, subscriberID string)

	// Publish delivers an event to every subscriber of its topic whose scope
	// allows it. Slow subscribers have the event dropped, never block fan-out.
	Publish(ctx context.Context, event OutboundEvent) error

	// SubscriberCount reports how many connections hold a subscription on the
	// topic, regardless of scope.
	SubscriberCount(topic string) int
}

type subscription struct {
	scope  scope.Descriptor
	events chan<- model.WireMessage
}

type broadcasterImpl struct {
	// subscriptions maps a topic to the connections listening on it.
	subscriptions map[string]map[string]subscription
	mu            sync.RWMutex
	log           logger.Logger
}

// NewBroadcaster creates an in-memory Broadcaster.
func NewBroadcaster(log logger.Logger) Broadcaster {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &broadcasterImpl{
		subscriptions: make(map[string]map[string]subscription),
		log:           log.WithComponent("broadcaster"),
	}
}

func (b *broadcasterImpl) Subscribe(ctx context.Context, subscriberID string, topic string, sc scope.Descriptor, events chan<- model.WireMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[topic]; !ok {
		b.subscriptions[topic] = make(map[string]subscription)
	}

	if _, ok := b.subscriptions[topic][subscriberID]; ok {
		b.log.Warn("Subscriber already subscribed to topic, overwriting subscription",
			zap.String("subscriberID", subscriberID), zap.String("topic", topic))
	}

	b.subscriptions[topic][subscriberID] = subscription{scope: sc, events: events}
	b.log.Info("Client subscribed",
		zap.String("subscriberID", subscriberID),
		zap.String("topic", topic),
		zap.String("scope", sc.Fingerprint()))
	return nil
}

func (b *broadcasterImpl) Unsubscribe(ctx context.Context, subscriberID string, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.subscriptions[topic]
	if !ok {
		b.log.Warn("Topic not found during unsubscribe",
			zap.String("subscriberID", subscriberID), zap.String("topic", topic))
		return nil
	}
	if _, ok := subscribers[subscriberID]; !ok {
		b.log.Warn("Subscriber not found for topic during unsubscribe",
			zap.String("subscriberID", subscriberID), zap.String("topic", topic))
		return nil
	}

	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(b.subscriptions, topic)
	}
	b.log.Info("Client unsubscribed",
		zap.String("subscriberID", subscriberID), zap.String("topic", topic))
	return nil
}

func (b *broadcasterImpl) UnsubscribeAll(ctx context.Context, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for topic, subscribers := range b.subscriptions {
		if _, ok := subscribers[subscriberID]; ok {
			delete(subscribers, subscriberID)
			removed++
			if len(subscribers) == 0 {
				delete(b.subscriptions, topic)
			}
		}
	}
	if removed > 0 {
		b.log.Info("Client subscriptions cleared",
			zap.String("subscriberID", subscriberID), zap.Int("topicCount", removed))
	}
}

func (b *broadcasterImpl) Publish(ctx context.Context, event OutboundEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subscriptions[event.Topic]
	if !ok {
		b.log.Debug("No subscribers for topic on event publish",
			zap.String("topic", event.Topic))
		return nil
	}

	delivered := 0
	for subID, sub := range subscribers {
		// Scope enforcement happens here, at the fan-out point, so a client
		// can never see an event for a classroom outside its assignment no
		// matter what it subscribed to.
		if event.ScopeID != "" && !sub.scope.Allows(event.ScopeID) {
			continue
		}

		select {
		case sub.events <- event.Msg:
			delivered++
		default:
			// Subscriber channel is full; dropping keeps one slow client from
			// stalling delivery to everyone else. The client recovers missed
			// events through resume replay on reconnect.
			b.log.Warn("Dropped event for slow subscriber",
				zap.String("subscriberID", subID),
				zap.String("topic", event.Topic),
				zap.String("eventId", event.Msg.ID))
		}
	}

	b.log.Debug("Published event",
		zap.String("topic", event.Topic),
		zap.String("eventType", event.Msg.Type),
		zap.Int("delivered", delivered))
	return nil
}

func (b *broadcasterImpl) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[topic])
}
