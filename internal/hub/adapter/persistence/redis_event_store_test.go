package persistence_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/hub/adapter/persistence"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

func newTestEventStore(t *testing.T) *persistence.RedisEventStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return persistence.NewRedisEventStore(client, &logger.NopLogger{})
}

func storedAlert(t *testing.T, eventID string) model.WireMessage {
	t.Helper()
	payload, err := json.Marshal(model.Alert{ID: "a-" + eventID, ClassroomID: "room-1"})
	require.NoError(t, err)
	return model.WireMessage{
		Type:      model.MessageTypeAlertNew,
		Payload:   payload,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ID:        eventID,
	}
}

func TestRedisEventStore_StoreAndReplay(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.StoreEvent(ctx, model.TopicAlerts, storedAlert(t, fmt.Sprintf("ev-%d", i))))
	}

	events, lastID, err := store.EventsSince(ctx, model.TopicAlerts, "")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NotEmpty(t, lastID)

	// Original event ids survive the roundtrip in order.
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("ev-%d", i), ev.ID)
		assert.Equal(t, model.MessageTypeAlertNew, ev.Type)
		assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), ev.Timestamp.UTC())

		var alert model.Alert
		require.NoError(t, json.Unmarshal(ev.Payload, &alert))
		assert.Equal(t, "room-1", alert.ClassroomID)
	}

	assert.Equal(t, 3, store.EventCount(ctx, model.TopicAlerts))
}

func TestRedisEventStore_ResumeFromPosition(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreEvent(ctx, model.TopicAlerts, storedAlert(t, "ev-0")))
	require.NoError(t, store.StoreEvent(ctx, model.TopicAlerts, storedAlert(t, "ev-1")))

	first, cursor, err := store.EventsSince(ctx, model.TopicAlerts, "")
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, store.StoreEvent(ctx, model.TopicAlerts, storedAlert(t, "ev-2")))

	resumed, _, err := store.EventsSince(ctx, model.TopicAlerts, cursor)
	require.NoError(t, err)
	require.Len(t, resumed, 1, "resume must skip events already delivered")
	assert.Equal(t, "ev-2", resumed[0].ID)
}

func TestRedisEventStore_EmptyTopic(t *testing.T) {
	store := newTestEventStore(t)

	events, lastID, err := store.EventsSince(context.Background(), model.TopicMetrics, "")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "0", lastID)
	assert.Equal(t, 0, store.EventCount(context.Background(), model.TopicMetrics))
}

func TestRedisEventStore_TopicsAreIsolated(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreEvent(ctx, model.TopicAlerts, storedAlert(t, "ev-0")))

	events, _, err := store.EventsSince(ctx, model.TopicClassrooms, "")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisEventStore_TrimTopics(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.StoreEvent(ctx, model.TopicAlerts, storedAlert(t, fmt.Sprintf("ev-%d", i))))
	}

	require.NoError(t, store.TrimTopics(ctx, []string{model.TopicAlerts, model.TopicClassrooms}))
	assert.Equal(t, 5, store.EventCount(ctx, model.TopicAlerts), "under the cap nothing is trimmed")
}
