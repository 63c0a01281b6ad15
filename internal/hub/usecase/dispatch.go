package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"classwatch/internal/shared/eventbus"
	"classwatch/internal/shared/logger"
)

// PushDispatcher binds the event bus to the delivery side: every outbound
// event is persisted for resume replay and then fanned out to connected
// clients. The retained copy is written first so a client that reconnects
// mid-publish can still recover the event.
type PushDispatcher struct {
	events      EventStore
	broadcaster Broadcaster
	log         logger.Logger
}

func NewPushDispatcher(events EventStore, broadcaster Broadcaster, log logger.Logger) *PushDispatcher {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &PushDispatcher{
		events:      events,
		broadcaster: broadcaster,
		log:         log.WithComponent("push_dispatcher"),
	}
}

// Bind subscribes the dispatcher to every outbound event type.
func (d *PushDispatcher) Bind(bus eventbus.EventBusInterface) {
	for _, eventType := range []string{
		eventbus.EventTypeAlertNew,
		eventbus.EventTypeAlertUpdated,
		eventbus.EventTypeDeviceStatus,
		eventbus.EventTypeMetricsUpdate,
	} {
		bus.Subscribe(eventType, d.handle)
	}
}

func (d *PushDispatcher) handle(ctx context.Context, event eventbus.Event) error {
	out, ok := event.Data().(OutboundEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for event %s", event.Data(), event.Type())
	}

	if d.events != nil {
		if err := d.events.StoreEvent(ctx, out.Topic, out.Msg); err != nil {
			// Live delivery still proceeds; only replay after reconnect is
			// degraded for this event.
			d.log.Warn("Failed to persist event for replay",
				zap.String("topic", out.Topic),
				zap.String("eventId", out.Msg.ID),
				zap.Error(err))
		}
	}

	return d.broadcaster.Publish(ctx, out)
}
