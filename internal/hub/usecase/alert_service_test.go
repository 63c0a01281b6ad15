package usecase_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/hub/usecase"
	"classwatch/internal/shared/errors"
	"classwatch/internal/shared/eventbus"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/scope"
)

// fakeAlertStore is an in-memory AlertStore keyed by alert id.
type fakeAlertStore struct {
	mu         sync.Mutex
	alerts     map[string]*model.Alert
	classrooms map[string]*model.Classroom
	metrics    model.Metrics
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{
		alerts:     make(map[string]*model.Alert),
		classrooms: make(map[string]*model.Classroom),
	}
}

func (f *fakeAlertStore) ListAlerts(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entities := make([]model.Entity, 0, len(f.alerts))
	for _, a := range f.alerts {
		entities = append(entities, a.Clone())
	}
	entities = sc.FilterPage(entities)
	return &model.Page{Data: entities, Total: len(entities), Page: page, Limit: limit}, nil
}

func (f *fakeAlertStore) ListClassrooms(ctx context.Context, sc scope.Descriptor, filters map[string]string, page, limit int) (*model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entities := make([]model.Entity, 0, len(f.classrooms))
	for _, c := range f.classrooms {
		entities = append(entities, c.Clone())
	}
	entities = sc.FilterPage(entities)
	return &model.Page{Data: entities, Total: len(entities), Page: page, Limit: limit}, nil
}

func (f *fakeAlertStore) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok {
		return nil, errors.NewNotFoundError("alert").WithDetail("alertId", alertID)
	}
	return a.Clone().(*model.Alert), nil
}

func (f *fakeAlertStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts[alert.ID] = alert.Clone().(*model.Alert)
	return nil
}

func (f *fakeAlertStore) ApplyAlertAction(ctx context.Context, alertID, action string) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok {
		return nil, errors.NewNotFoundError("alert").WithDetail("alertId", alertID)
	}
	switch action {
	case "acknowledge":
		a.Status = model.AlertStatusAcknowledged
	case "resolve":
		a.Status = model.AlertStatusResolved
	case "escalate":
		a.Status = model.AlertStatusEscalated
	}
	a.UpdatedAt = time.Now().UTC()
	return a.Clone().(*model.Alert), nil
}

func (f *fakeAlertStore) SetDeviceStatus(ctx context.Context, classroomID string, online bool) (*model.Classroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classrooms[classroomID]
	if !ok {
		return nil, errors.NewNotFoundError("classroom").WithDetail("classroomId", classroomID)
	}
	c.DeviceOnline = online
	c.UpdatedAt = time.Now().UTC()
	return c.Clone().(*model.Classroom), nil
}

func (f *fakeAlertStore) Metrics(ctx context.Context) (*model.Metrics, error) {
	return &f.metrics, nil
}

// recordingEventStore captures every persisted event in order.
type recordingEventStore struct {
	mu     sync.Mutex
	stored []usecase.OutboundEvent
}

func (r *recordingEventStore) StoreEvent(ctx context.Context, topic string, msg model.WireMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, usecase.OutboundEvent{Topic: topic, Msg: msg})
	return nil
}

func (r *recordingEventStore) EventsSince(ctx context.Context, topic string, sinceID string) ([]model.WireMessage, string, error) {
	return nil, sinceID, nil
}

type serviceFixture struct {
	service *usecase.AlertService
	store   *fakeAlertStore
	events  *recordingEventStore
	sink    chan model.WireMessage
}

// newServiceFixture wires a service through a real event bus and broadcaster,
// the same path production uses, with a director subscribed on every topic.
func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	log := &logger.NopLogger{}
	store := newFakeAlertStore()
	events := &recordingEventStore{}
	broadcaster := usecase.NewBroadcaster(log)
	bus := eventbus.NewEventBus(log)

	dispatcher := usecase.NewPushDispatcher(events, broadcaster, log)
	dispatcher.Bind(bus)

	sink := make(chan model.WireMessage, 32)
	ctx := context.Background()
	for _, topic := range []string{model.TopicAlerts, model.TopicClassrooms, model.TopicMetrics} {
		require.NoError(t, broadcaster.Subscribe(ctx, "conn-test", topic, directorScope(), sink))
	}

	return &serviceFixture{
		service: usecase.NewAlertService(store, bus, log),
		store:   store,
		events:  events,
		sink:    sink,
	}
}

func (f *serviceFixture) nextFrame(t *testing.T) model.WireMessage {
	t.Helper()
	select {
	case msg := <-f.sink:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return model.WireMessage{}
	}
}

func TestAlertService_IngestAlertDefaultsAndPublish(t *testing.T) {
	f := newServiceFixture(t)

	created, err := f.service.IngestAlert(context.Background(), &model.Alert{
		ClassroomID: "room-1",
		Type:        "panic_button",
		Severity:    model.SeverityCritical,
		Message:     "panic button pressed",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.AlertStatusNew, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	frame := f.nextFrame(t)
	assert.Equal(t, model.MessageTypeAlertNew, frame.Type)
	assert.NotEmpty(t, frame.ID)

	var alert model.Alert
	require.NoError(t, json.Unmarshal(frame.Payload, &alert))
	assert.Equal(t, created.ID, alert.ID)
}

func TestAlertService_ApplyActionPublishesUpdate(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.store.CreateAlert(context.Background(), &model.Alert{
		ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusNew,
	}))

	updated, err := f.service.ApplyAction(context.Background(), directorScope(), "a1", "acknowledge")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, updated.Status)

	frame := f.nextFrame(t)
	assert.Equal(t, model.MessageTypeAlertUpdated, frame.Type)
}

func TestAlertService_ApplyActionOutOfScope(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.store.CreateAlert(context.Background(), &model.Alert{
		ID: "a1", ClassroomID: "room-9", Status: model.AlertStatusNew,
	}))

	_, err := f.service.ApplyAction(context.Background(), professorScope("room-1"), "a1", "acknowledge")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err),
		"an out-of-scope alert must be indistinguishable from a missing one")

	// The store was never touched and nothing was broadcast.
	stored, err := f.store.GetAlert(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusNew, stored.Status)
	assert.Empty(t, drain(f.sink))
}

func TestAlertService_ApplyActionMissingAlert(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.ApplyAction(context.Background(), directorScope(), "ghost", "acknowledge")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestAlertService_ReportDeviceStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.store.classrooms["room-1"] = &model.Classroom{ID: "room-1", Name: "Room 101", DeviceOnline: true}

	room, err := f.service.ReportDeviceStatus(context.Background(), "room-1", false)
	require.NoError(t, err)
	assert.False(t, room.DeviceOnline)

	frame := f.nextFrame(t)
	assert.Equal(t, model.MessageTypeDeviceStatus, frame.Type)
}

func TestAlertService_PublishMetricsSnapshot(t *testing.T) {
	f := newServiceFixture(t)
	f.store.metrics = model.Metrics{ActiveAlerts: 3, DevicesOnline: 10, DevicesTotal: 12}

	require.NoError(t, f.service.PublishMetricsSnapshot(context.Background()))

	frame := f.nextFrame(t)
	assert.Equal(t, model.MessageTypeMetricsUpdate, frame.Type)
	var m model.Metrics
	require.NoError(t, json.Unmarshal(frame.Payload, &m))
	assert.Equal(t, 3, m.ActiveAlerts)
}

func TestAlertService_EventsPersistedForReplay(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.IngestAlert(context.Background(), &model.Alert{ClassroomID: "room-1"})
	require.NoError(t, err)

	frame := f.nextFrame(t)
	require.Len(t, f.events.stored, 1)
	assert.Equal(t, model.TopicAlerts, f.events.stored[0].Topic)
	assert.Equal(t, frame.ID, f.events.stored[0].Msg.ID,
		"the retained copy carries the same event id as the live frame")
}
