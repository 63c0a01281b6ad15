package di

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	hubhttp "classwatch/internal/hub/adapter/http"
	"classwatch/internal/hub/adapter/persistence"
	"classwatch/internal/hub/adapter/persistence/mongodb"
	"classwatch/internal/hub/config"
	"classwatch/internal/hub/session"
	"classwatch/internal/hub/usecase"
	"classwatch/internal/shared/eventbus"
	"classwatch/internal/shared/logger"
)

// Container wires the hub's components together with proper lifecycle
// management.
type Container struct {
	mu sync.Mutex

	Config *config.Config
	Logger logger.Logger

	// Database connections
	MongoClient *mongo.Client
	MongoDB     *mongo.Database
	Redis       *redis.Client

	// Persistence
	AlertRepo  *mongodb.AlertRepository
	EventStore *persistence.RedisEventStore

	// Core services
	Bus          *eventbus.EventBus
	Broadcaster  usecase.Broadcaster
	Dispatcher   *usecase.PushDispatcher
	AlertService *usecase.AlertService
	Tokens       *session.TokenService

	// HTTP surface
	ViewerMiddleware *hubhttp.ViewerMiddleware
	AlertHandler     *hubhttp.AlertHandler
	SessionHandler   *hubhttp.SessionHandler
	WSHandler        *hubhttp.WebSocketHandler
}

// NewContainer creates an empty container. Call Initialize before use.
func NewContainer(cfg *config.Config, log logger.Logger) *Container {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Container{
		Config: cfg,
		Logger: log,
	}
}

// Initialize connects to MongoDB and Redis and builds the service graph.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectMongo(ctx); err != nil {
		return err
	}
	if err := c.connectRedis(ctx); err != nil {
		return err
	}

	c.AlertRepo = mongodb.NewAlertRepository(c.MongoDB, c.Logger)
	c.EventStore = persistence.NewRedisEventStore(c.Redis, c.Logger)
	c.Bus = eventbus.NewEventBus(c.Logger)
	c.Broadcaster = usecase.NewBroadcaster(c.Logger)
	c.Dispatcher = usecase.NewPushDispatcher(c.EventStore, c.Broadcaster, c.Logger)
	c.Dispatcher.Bind(c.Bus)
	c.AlertService = usecase.NewAlertService(c.AlertRepo, c.Bus, c.Logger)
	c.Tokens = session.NewTokenService(c.Config.SessionSecret, c.Config.SessionTTL)

	c.ViewerMiddleware = hubhttp.NewViewerMiddleware(c.Tokens)
	c.AlertHandler = hubhttp.NewAlertHandler(c.AlertService, c.Logger)
	c.SessionHandler = hubhttp.NewSessionHandler(c.Tokens, c.Config.DirectorPINHash, c.Logger)
	c.WSHandler = hubhttp.NewWebSocketHandler(
		c.Broadcaster,
		c.EventStore,
		c.Config.ClientSendChannelBuffer,
		c.Config.HeartbeatInterval,
		c.Logger,
	)

	return nil
}

func (c *Container) connectMongo(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.Config.MongoURI))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	c.MongoClient = client
	c.MongoDB = client.Database(c.Config.DatabaseName)
	return nil
}

func (c *Container) connectRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Config.RedisAddr,
		Password: c.Config.RedisPassword,
		DB:       c.Config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	c.Redis = client
	return nil
}

// Shutdown closes database connections.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.MongoClient != nil {
		if err := c.MongoClient.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
