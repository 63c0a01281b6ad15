package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/sync/clock"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/usecase"
)

func newTestGateway(t *testing.T) (*usecase.MutationGateway, *usecase.EntityCache) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cache := usecase.NewEntityCache(restrictedScope("room-1"), 30*time.Second, clk, nil)
	return usecase.NewMutationGateway(cache, nil), cache
}

func acknowledgeTransform(e model.Entity) model.Entity {
	alert := e.(*model.Alert)
	alert.Status = model.AlertStatusAcknowledged
	return alert
}

func TestMutationGateway_SuccessServerWins(t *testing.T) {
	gateway, cache := newTestGateway(t)
	ctx := context.Background()

	seedAlerts(ctx, t, cache, alertQuery(),
		&model.Alert{ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusNew})

	// The server response carries more than the optimistic guess changed.
	server := &model.Alert{ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusAcknowledged, AssignedTo: "prof-1"}

	got, err := gateway.Mutate(ctx, model.KindAlert, "a1", acknowledgeTransform,
		func(ctx context.Context) (model.Entity, error) { return server, nil })
	require.NoError(t, err)
	assert.Equal(t, "prof-1", got.(*model.Alert).AssignedTo)

	cached, ok := cache.GetEntity(model.KindAlert, "a1")
	require.True(t, ok)
	assert.Equal(t, model.AlertStatusAcknowledged, cached.(*model.Alert).Status)
	assert.Equal(t, "prof-1", cached.(*model.Alert).AssignedTo, "server response replaces the optimistic state")
}

func TestMutationGateway_OptimisticStateVisibleDuringCall(t *testing.T) {
	gateway, cache := newTestGateway(t)
	ctx := context.Background()

	seedAlerts(ctx, t, cache, alertQuery(),
		&model.Alert{ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusNew})

	observed := make(chan model.AlertStatus, 1)
	_, err := gateway.Mutate(ctx, model.KindAlert, "a1", acknowledgeTransform,
		func(ctx context.Context) (model.Entity, error) {
			e, _ := cache.GetEntity(model.KindAlert, "a1")
			observed <- e.(*model.Alert).Status
			return &model.Alert{ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusAcknowledged}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, <-observed,
		"the optimistic patch must be readable while the round-trip runs")
}

func TestMutationGateway_FailureRollsBack(t *testing.T) {
	gateway, cache := newTestGateway(t)
	ctx := context.Background()

	seedAlerts(ctx, t, cache, alertQuery(),
		&model.Alert{ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusNew, AssignedTo: "prof-1"})

	_, err := gateway.Mutate(ctx, model.KindAlert, "a1", acknowledgeTransform,
		func(ctx context.Context) (model.Entity, error) {
			return nil, errors.New("gateway timeout")
		})
	require.Error(t, err)
	assert.True(t, apperrors.IsMutationFailure(err))

	cached, ok := cache.GetEntity(model.KindAlert, "a1")
	require.True(t, ok)
	assert.Equal(t, model.AlertStatusNew, cached.(*model.Alert).Status, "failure restores the pre-image")
	assert.Equal(t, "prof-1", cached.(*model.Alert).AssignedTo)
}

func TestMutationGateway_NotFoundPassesThrough(t *testing.T) {
	gateway, cache := newTestGateway(t)
	ctx := context.Background()

	seedAlerts(ctx, t, cache, alertQuery(),
		&model.Alert{ID: "a1", ClassroomID: "room-1", Status: model.AlertStatusNew})

	_, err := gateway.Mutate(ctx, model.KindAlert, "a1", acknowledgeTransform,
		func(ctx context.Context) (model.Entity, error) {
			return nil, apperrors.NewNotFoundError("alert")
		})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err), "not-found keeps its kind so the UI can distinguish it")
	assert.False(t, apperrors.IsMutationFailure(err))

	cached, _ := cache.GetEntity(model.KindAlert, "a1")
	assert.Equal(t, model.AlertStatusNew, cached.(*model.Alert).Status)
}

func TestMutationGateway_UncachedEntityStillCallsRemote(t *testing.T) {
	gateway, cache := newTestGateway(t)
	ctx := context.Background()

	server := &model.Alert{ID: "a-elsewhere", ClassroomID: "room-1", Status: model.AlertStatusAcknowledged}
	got, err := gateway.Mutate(ctx, model.KindAlert, "a-elsewhere", acknowledgeTransform,
		func(ctx context.Context) (model.Entity, error) { return server, nil })
	require.NoError(t, err)
	assert.Equal(t, "a-elsewhere", got.EntityID())

	// Nothing cached before, nothing cached after: the server response only
	// patches existing occurrences.
	_, ok := cache.GetEntity(model.KindAlert, "a-elsewhere")
	assert.False(t, ok)
}
