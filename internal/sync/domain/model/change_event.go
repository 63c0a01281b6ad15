package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push message types recognized on the wire.
const (
	MessageTypeAlertNew      = "alert.new"
	MessageTypeAlertUpdated  = "alert.updated"
	MessageTypeDeviceStatus  = "device.status"
	MessageTypeMetricsUpdate = "metrics.update"

	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
)

// Topics a client can subscribe to.
const (
	TopicAlerts     = "alerts"
	TopicClassrooms = "classrooms"
	TopicMetrics    = "metrics"
)

// WireMessage is the raw inbound push frame. Payload stays undecoded until the
// type is known.
type WireMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
}

// SubscriptionMessage is the outbound frame a client sends to manage topics.
// Since carries a resume position from a previous session; when set on a
// subscribe frame the server replays retained events recorded after it.
type SubscriptionMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Since string `json:"since,omitempty"`
}

// ChangeKind says whether an event introduces a new entity or updates an
// existing one.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// ChangeEvent is a decoded entity change notification. Delivery is
// at-least-once: consumers must treat a repeated EventID as a no-op.
type ChangeEvent struct {
	EventID         string
	Kind            ChangeKind
	Entity          Entity
	ServerTimestamp time.Time
}

// MetricsEvent is a decoded metrics.update frame.
type MetricsEvent struct {
	EventID         string
	Metrics         Metrics
	ServerTimestamp time.Time
}

// DecodeChangeEvent converts an entity-bearing wire message into a typed
// ChangeEvent. metrics.update frames are not entity changes; use
// DecodeMetricsEvent for those.
func DecodeChangeEvent(msg WireMessage) (ChangeEvent, error) {
	ev := ChangeEvent{
		EventID:         msg.ID,
		ServerTimestamp: msg.Timestamp,
	}

	switch msg.Type {
	case MessageTypeAlertNew, MessageTypeAlertUpdated:
		var alert Alert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
		if alert.ID == "" {
			return ChangeEvent{}, fmt.Errorf("decode %s payload: missing alert id", msg.Type)
		}
		ev.Entity = &alert
		if msg.Type == MessageTypeAlertNew {
			ev.Kind = ChangeCreated
		} else {
			ev.Kind = ChangeUpdated
		}
		return ev, nil

	case MessageTypeDeviceStatus:
		var room Classroom
		if err := json.Unmarshal(msg.Payload, &room); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
		if room.ID == "" {
			return ChangeEvent{}, fmt.Errorf("decode %s payload: missing classroom id", msg.Type)
		}
		ev.Entity = &room
		ev.Kind = ChangeUpdated
		return ev, nil

	default:
		return ChangeEvent{}, fmt.Errorf("unknown change event type %q", msg.Type)
	}
}

// DecodeMetricsEvent converts a metrics.update wire message.
func DecodeMetricsEvent(msg WireMessage) (MetricsEvent, error) {
	if msg.Type != MessageTypeMetricsUpdate {
		return MetricsEvent{}, fmt.Errorf("not a metrics event: %q", msg.Type)
	}
	var m Metrics
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return MetricsEvent{}, fmt.Errorf("decode metrics payload: %w", err)
	}
	return MetricsEvent{
		EventID:         msg.ID,
		Metrics:         m,
		ServerTimestamp: msg.Timestamp,
	}, nil
}
