package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config holds all configuration for the alert hub.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	MongoURI     string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	DatabaseName string `env:"MONGODB_DATABASE" envDefault:"classwatch"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	WebSocketPath string `env:"WEBSOCKET_PATH" envDefault:"/ws/v1/listen"`
	// ClientSendChannelBuffer is the buffer size for channels pushing events
	// to WebSocket clients. A full buffer drops the event for that client
	// rather than blocking distribution.
	ClientSendChannelBuffer int `env:"CLIENT_SEND_CHANNEL_BUFFER" envDefault:"32"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	// EventTrimInterval is how often the retained event streams are trimmed
	// back to their length cap. XADD already trims approximately on every
	// append; the periodic pass enforces the exact cap on quiet topics.
	EventTrimInterval time.Duration `env:"EVENT_TRIM_INTERVAL" envDefault:"1h"`

	SessionSecret string        `env:"SESSION_SECRET" envDefault:"classwatch-demo-secret"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h"`

	// DirectorPINHash is the bcrypt hash of the PIN required to assume the
	// director role. Empty disables role elevation.
	DirectorPINHash string `env:"DIRECTOR_PIN_HASH"`
}

// LoadConfig loads hub configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load hub configuration from environment: " + err.Error())
	}

	if cfg.MongoURI == "" {
		return nil, errors.New("MONGODB_URI environment variable is not set")
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws/v1/listen"
	}
	if cfg.ClientSendChannelBuffer <= 0 {
		cfg.ClientSendChannelBuffer = 32
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.EventTrimInterval <= 0 {
		cfg.EventTrimInterval = time.Hour
	}

	return cfg, nil
}
