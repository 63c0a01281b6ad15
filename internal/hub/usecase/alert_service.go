package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classwatch/internal/shared/errors"
	"classwatch/internal/shared/eventbus"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/scope"
)

// AlertStore is the persistence surface the alert service needs. Implemented
// by the MongoDB repository; tests supply fakes.
type AlertStore interface {
	ListAlerts(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error)
	ListClassrooms(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error)
	GetAlert(ctx context.Context, alertID string) (*model.Alert, error)
	CreateAlert(ctx context.Context, alert *model.Alert) error
	ApplyAlertAction(ctx context.Context, alertID, action string) (*model.Alert, error)
	SetDeviceStatus(ctx context.Context, classroomID string, online bool) (*model.Classroom, error)
	Metrics(ctx context.Context) (*model.Metrics, error)
}

// EventStore persists push events for resume replay after reconnect.
type EventStore interface {
	StoreEvent(ctx context.Context, topic string, msg model.WireMessage) error
	EventsSince(ctx context.Context, topic string, sinceID string) ([]model.WireMessage, string, error)
}

// AlertService executes alert reads and mutations and publishes the
// resulting change events on the event bus. The push dispatcher picks them up
// from there; the service never talks to a connection.
type AlertService struct {
	store AlertStore
	bus   eventbus.EventBusInterface
	log   logger.Logger
}

func NewAlertService(store AlertStore, bus eventbus.EventBusInterface, log logger.Logger) *AlertService {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &AlertService{
		store: store,
		bus:   bus,
		log:   log.WithComponent("alert_service"),
	}
}

// ListAlerts returns a scope-filtered page of alerts.
func (s *AlertService) ListAlerts(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error) {
	return s.store.ListAlerts(ctx, sc, filters, page, limit)
}

// ListClassrooms returns a scope-filtered page of classrooms.
func (s *AlertService) ListClassrooms(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error) {
	return s.store.ListClassrooms(ctx, sc, filters, page, limit)
}

// ApplyAction transitions an alert's status and broadcasts the update. The
// acting viewer's scope is checked before the mutation so an out-of-scope
// alert id behaves exactly like a missing one.
func (s *AlertService) ApplyAction(ctx context.Context, sc scope.Descriptor, alertID, action string) (*model.Alert, error) {
	existing, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !sc.Allows(existing.ScopeID()) {
		return nil, errors.NewNotFoundError("alert").WithDetail("alertId", alertID)
	}

	updated, err := s.store.ApplyAlertAction(ctx, alertID, action)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, model.MessageTypeAlertUpdated, updated.ScopeID(), updated)
	return updated, nil
}

// IngestAlert records a new alert raised by a classroom device and broadcasts
// it to every viewer whose scope covers the classroom.
func (s *AlertService) IngestAlert(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = model.AlertStatusNew
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.UpdatedAt = alert.CreatedAt

	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}

	s.publish(ctx, model.MessageTypeAlertNew, alert.ScopeID(), alert)
	return alert, nil
}

// ReportDeviceStatus updates a classroom's device connectivity flag and
// broadcasts the change.
func (s *AlertService) ReportDeviceStatus(ctx context.Context, classroomID string, online bool) (*model.Classroom, error) {
	room, err := s.store.SetDeviceStatus(ctx, classroomID, online)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, model.MessageTypeDeviceStatus, room.ScopeID(), room)
	return room, nil
}

// PublishMetricsSnapshot queries the current aggregate counters and
// broadcasts them.
func (s *AlertService) PublishMetricsSnapshot(ctx context.Context) error {
	metrics, err := s.store.Metrics(ctx)
	if err != nil {
		return err
	}
	s.PublishMetrics(ctx, metrics)
	return nil
}

// PublishMetrics broadcasts an aggregate metrics snapshot. Metrics carry no
// scope id; every connected viewer receives them.
func (s *AlertService) PublishMetrics(ctx context.Context, metrics *model.Metrics) {
	payload, err := json.Marshal(metrics)
	if err != nil {
		s.log.Error("Failed to marshal metrics payload", zap.Error(err))
		return
	}
	s.publishRaw(ctx, model.MessageTypeMetricsUpdate, model.TopicMetrics, "", payload)
}

func (s *AlertService) publish(ctx context.Context, msgType, scopeID string, entity model.Entity) {
	payload, err := json.Marshal(entity)
	if err != nil {
		s.log.Error("Failed to marshal event payload",
			zap.String("eventType", msgType), zap.Error(err))
		return
	}

	topic := model.TopicAlerts
	if entity.Kind() == model.KindClassroom {
		topic = model.TopicClassrooms
	}
	s.publishRaw(ctx, msgType, topic, scopeID, payload)
}

func (s *AlertService) publishRaw(ctx context.Context, msgType, topic, scopeID string, payload []byte) {
	out := OutboundEvent{
		Topic:   topic,
		ScopeID: scopeID,
		Msg: model.WireMessage{
			Type:      msgType,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
			ID:        uuid.NewString(),
		},
	}

	if err := s.bus.Publish(ctx, eventbus.NewBasicEventWithSource(msgType, out, "alert_service")); err != nil {
		s.log.Error("Failed to publish event",
			zap.String("topic", topic), zap.String("eventId", out.Msg.ID), zap.Error(err))
	}
}
