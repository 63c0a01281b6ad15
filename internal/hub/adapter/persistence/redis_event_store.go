package persistence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

const (
	streamPrefix = "classwatch:events:"

	// maxStreamLength caps each topic stream; older events are trimmed.
	maxStreamLength = 10000
)

// RedisEventStore persists push events per topic in Redis Streams so a
// reconnecting client can replay what it missed. Replayed events keep their
// original ids; the client-side dedup window absorbs any overlap with live
// delivery.
type RedisEventStore struct {
	client *redis.Client
	logger logger.Logger
}

// NewRedisEventStore creates a new Redis-based event store
func NewRedisEventStore(client *redis.Client, log logger.Logger) *RedisEventStore {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &RedisEventStore{
		client: client,
		logger: log.WithComponent("redis_event_store"),
	}
}

// StoreEvent appends a wire message to the topic's stream.
func (r *RedisEventStore) StoreEvent(ctx context.Context, topic string, msg model.WireMessage) error {
	streamName := streamPrefix + topic

	_, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      msg.Type,
			"payload":   string(msg.Payload),
			"timestamp": msg.Timestamp.UnixNano(),
			"id":        msg.ID,
		},
	}).Result()

	if err != nil {
		r.logger.Error("Failed to store event in Redis",
			zap.String("stream", streamName),
			zap.String("eventType", msg.Type),
			zap.Error(err))
		return err
	}

	r.logger.Debug("Event stored in Redis",
		zap.String("stream", streamName),
		zap.String("eventType", msg.Type),
		zap.String("eventId", msg.ID))

	return nil
}

// EventsSince retrieves events after a stream position. An empty position
// replays the whole retained stream. The returned lastID is the position to
// resume from next time.
func (r *RedisEventStore) EventsSince(ctx context.Context, topic string, sinceID string) ([]model.WireMessage, string, error) {
	streamName := streamPrefix + topic
	lastID := "0"
	if sinceID != "" {
		lastID = sinceID
	}

	exists, err := r.client.Exists(ctx, streamName).Result()
	if err != nil {
		r.logger.Error("Failed to check stream existence",
			zap.String("stream", streamName),
			zap.Error(err))
		return nil, lastID, err
	}
	if exists == 0 {
		return []model.WireMessage{}, lastID, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.client.XRead(readCtx, &redis.XReadArgs{
		Streams: []string{streamName, lastID},
		Count:   1000,
		Block:   -1,
	}).Result()

	if err != nil {
		if err == redis.Nil || err == context.DeadlineExceeded {
			return []model.WireMessage{}, lastID, nil
		}
		r.logger.Error("Failed to read events from Redis",
			zap.String("stream", streamName),
			zap.String("sinceID", sinceID),
			zap.Error(err))
		return nil, lastID, err
	}

	var events []model.WireMessage
	for _, streamRes := range res {
		for _, raw := range streamRes.Messages {
			msg, err := r.parseMessage(raw)
			if err != nil {
				r.logger.Warn("Failed to parse event from Redis message",
					zap.String("messageId", raw.ID),
					zap.Error(err))
				continue
			}
			events = append(events, msg)
			lastID = raw.ID
		}
	}

	r.logger.Debug("Retrieved events from Redis",
		zap.String("stream", streamName),
		zap.Int("eventCount", len(events)))

	return events, lastID, nil
}

// TrimTopics trims every known topic stream down to the retention cap.
func (r *RedisEventStore) TrimTopics(ctx context.Context, topics []string) error {
	trimmed := 0
	for _, topic := range topics {
		streamName := streamPrefix + topic
		n, err := r.client.XTrimMaxLen(ctx, streamName, maxStreamLength).Result()
		if err != nil {
			r.logger.Warn("Failed to trim stream",
				zap.String("stream", streamName),
				zap.Error(err))
			continue
		}
		if n > 0 {
			trimmed++
		}
	}

	if trimmed > 0 {
		r.logger.Info("Trimmed event streams", zap.Int("streamsAffected", trimmed))
	}
	return nil
}

// EventCount returns the retained event count for a topic.
func (r *RedisEventStore) EventCount(ctx context.Context, topic string) int {
	length, err := r.client.XLen(ctx, streamPrefix+topic).Result()
	if err != nil {
		return 0
	}
	return int(length)
}

func (r *RedisEventStore) parseMessage(raw redis.XMessage) (model.WireMessage, error) {
	msg := model.WireMessage{}

	if typeStr, ok := raw.Values["type"].(string); ok {
		msg.Type = typeStr
	}
	if id, ok := raw.Values["id"].(string); ok {
		msg.ID = id
	}
	if payload, ok := raw.Values["payload"].(string); ok {
		msg.Payload = []byte(payload)
	}
	if tsStr, ok := raw.Values["timestamp"].(string); ok {
		if nanos, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			msg.Timestamp = time.Unix(0, nanos)
		}
	}

	return msg, nil
}
