// Package channel implements the push transport of the sync engine: a
// reconnecting WebSocket client delivering typed change notifications to
// registered handlers in arrival order.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/clock"
	"classwatch/internal/sync/domain/model"
)

// State is the connection state of the channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is the minimal connection surface the channel needs, satisfied by
// *websocket.Conn and by test fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a connection to the push endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handler receives one inbound frame. Handlers run on the read goroutine so
// delivery order matches arrival order; a slow handler delays the stream, it
// never reorders it.
type Handler func(model.WireMessage)

// StateHandler observes connectivity transitions. Transport failures surface
// to the UI only as this connectivity flag, never as hard errors.
type StateHandler func(State)

// Options configures an EventChannel.
type Options struct {
	URL         string
	Dialer      Dialer
	Clock       clock.Clock
	Logger      logger.Logger
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

type registration struct {
	id      uint64
	handler Handler
}

// EventChannel is a reconnecting push transport. Lifecycle:
//
//	disconnected --Connect--> connecting --dial ok--> connected
//	connected --read error--> disconnected --backoff--> connecting ...
//
// Reconnect backoff doubles from BackoffBase up to BackoffCap and resets on a
// successful dial. An explicit Disconnect is terminal: no auto-reconnect.
type EventChannel struct {
	mu sync.Mutex

	url     string
	dialer  Dialer
	clock   clock.Clock
	log     logger.Logger
	base    time.Duration
	cap     time.Duration

	state    State
	conn     Conn
	attempts int
	closed   bool
	runGen   uint64

	nextRegID uint64
	handlers  map[string][]registration
	stateSubs []StateHandler
	topics    map[string]struct{}
}

// New creates an EventChannel. It stays disconnected until Connect.
func New(opts Options) *EventChannel {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = &logger.NopLogger{}
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	return &EventChannel{
		url:      opts.URL,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		log:      opts.Logger.WithComponent("event_channel"),
		base:     opts.BackoffBase,
		cap:      opts.BackoffCap,
		handlers: make(map[string][]registration),
		topics:   make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (c *EventChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for one message type and returns a registration id
// for Off.
func (c *EventChannel) On(messageType string, h Handler) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextRegID++
	c.handlers[messageType] = append(c.handlers[messageType], registration{id: c.nextRegID, handler: h})
	return c.nextRegID
}

// Off removes a previously registered handler.
func (c *EventChannel) Off(messageType string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.handlers[messageType]
	for i, reg := range regs {
		if reg.id == id {
			c.handlers[messageType] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// OnStateChange registers a connectivity observer.
func (c *EventChannel) OnStateChange(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, h)
}

// Connect starts the connection loop. Idempotent: calling it while already
// connecting or connected does nothing. After an explicit Disconnect the
// channel cannot be reused.
func (c *EventChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrChannelClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.runGen++
	gen := c.runGen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.run(ctx, gen)
	return nil
}

// Disconnect terminates the channel. No automatic reconnect follows.
func (c *EventChannel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Subscribe adds a topic. The subscription is sent immediately when connected
// and replayed after every reconnect.
func (c *EventChannel) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.WriteJSON(model.SubscriptionMessage{Type: model.MessageTypeSubscribe, Topic: topic})
}

// Unsubscribe removes a topic.
func (c *EventChannel) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.WriteJSON(model.SubscriptionMessage{Type: model.MessageTypeUnsubscribe, Topic: topic})
}

// run owns the dial/read/backoff loop for one Connect call.
func (c *EventChannel) run(ctx context.Context, gen uint64) {
	for {
		if c.stale(gen) {
			return
		}

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			delay := c.nextBackoff()
			c.log.Warnf("dial failed, retrying in %s: %v", delay, err)
			c.mu.Lock()
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return
			}
			if c.stale(gen) {
				return
			}
			c.mu.Lock()
			if c.closed || c.runGen != gen {
				c.mu.Unlock()
				return
			}
			c.setStateLocked(StateConnecting)
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		if c.closed || c.runGen != gen {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.attempts = 0
		topics := make([]string, 0, len(c.topics))
		for topic := range c.topics {
			topics = append(topics, topic)
		}
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

		for _, topic := range topics {
			if err := conn.WriteJSON(model.SubscriptionMessage{Type: model.MessageTypeSubscribe, Topic: topic}); err != nil {
				c.log.Warnf("resubscribe %q failed: %v", topic, err)
			}
		}

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		terminal := c.closed || c.runGen != gen
		if !terminal {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		if terminal {
			return
		}

		delay := c.nextBackoff()
		c.log.Infof("connection lost, reconnecting in %s", delay)
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
		if c.closed || c.runGen != gen {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
	}
}

// readLoop delivers frames until the connection errors out. No reordering or
// batching happens here; ordering within scope is the coordinator's concern.
func (c *EventChannel) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var msg model.WireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warnf("dropping unparseable frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *EventChannel) dispatch(msg model.WireMessage) {
	c.mu.Lock()
	regs := make([]registration, len(c.handlers[msg.Type]))
	copy(regs, c.handlers[msg.Type])
	c.mu.Unlock()

	for _, reg := range regs {
		reg.handler(msg)
	}
}

func (c *EventChannel) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.runGen != gen
}

func (c *EventChannel) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := c.base << c.attempts
	if delay > c.cap || delay <= 0 {
		delay = c.cap
	}
	if c.attempts < 30 {
		c.attempts++
	}
	return delay
}

// setStateLocked transitions the state and notifies observers. Callers hold
// the mutex; observers are invoked without it to avoid re-entrancy deadlocks.
func (c *EventChannel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	subs := make([]StateHandler, len(c.stateSubs))
	copy(subs, c.stateSubs)
	go func() {
		for _, h := range subs {
			h(s)
		}
	}()
}
