package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/sync/adapter/channel"
	"classwatch/internal/sync/clock"
	"classwatch/internal/sync/domain/model"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []model.SubscriptionMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.in:
		return 1, raw, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	msg, ok := v.(model.SubscriptionMessage)
	if !ok {
		return errors.New("unexpected write type")
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, msg model.WireMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- raw
}

func (c *fakeConn) sentTopics(msgType string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var topics []string
	for _, w := range c.writes {
		if w.Type == msgType {
			topics = append(topics, w.Topic)
		}
	}
	return topics
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestChannel(dialer *fakeDialer, clk clock.Clock) *channel.EventChannel {
	return channel.New(channel.Options{
		URL:         "ws://hub.test/ws/v1/listen",
		Dialer:      dialer,
		Clock:       clk,
		BackoffBase: time.Second,
		BackoffCap:  8 * time.Second,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func waitForState(t *testing.T, ch *channel.EventChannel, want channel.State) {
	t.Helper()
	waitFor(t, func() bool { return ch.State() == want },
		"channel never reached state "+want.String())
}

func TestChannel_ConnectDeliversFramesInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, clock.NewFake(time.Now()))

	var mu sync.Mutex
	var got []string
	ch.On(model.MessageTypeAlertNew, func(msg model.WireMessage) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)

	conn := dialer.conn(0)
	require.NotNil(t, conn)
	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		conn.deliver(t, model.WireMessage{Type: model.MessageTypeAlertNew, ID: id})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "frames were not delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, got, "delivery order must match arrival order")
}

func TestChannel_ConnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, clock.NewFake(time.Now()))

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)
	require.NoError(t, ch.Connect(context.Background()), "a second Connect is a no-op")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestChannel_DialFailureBacksOffExponentially(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	clk := clock.NewFake(time.Now())
	ch := newTestChannel(dialer, clk)

	require.NoError(t, ch.Connect(context.Background()))

	// First dial fails; the retry waits one base interval.
	waitFor(t, func() bool { return clk.PendingTimers() == 1 }, "no backoff timer after first failure")
	assert.Equal(t, 1, dialer.dialCount())
	clk.Advance(time.Second)

	waitFor(t, func() bool { return clk.PendingTimers() == 1 }, "no backoff timer after second failure")
	assert.Equal(t, 2, dialer.dialCount())
	// The doubled delay has not elapsed yet after one base interval.
	clk.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount(), "retry must wait the doubled interval")
	clk.Advance(time.Second)

	waitFor(t, func() bool { return clk.PendingTimers() == 1 }, "no backoff timer after third failure")
	assert.Equal(t, 3, dialer.dialCount())
	clk.Advance(4 * time.Second)

	// Fourth dial succeeds.
	waitForState(t, ch, channel.StateConnected)
	assert.Equal(t, 4, dialer.dialCount())
}

func TestChannel_ReconnectResubscribesTopics(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.NewFake(time.Now())
	ch := newTestChannel(dialer, clk)

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)
	require.NoError(t, ch.Subscribe(model.TopicAlerts))
	require.NoError(t, ch.Subscribe(model.TopicMetrics))

	// Drop the connection and let the backoff elapse.
	dialer.conn(0).Close()
	waitForState(t, ch, channel.StateDisconnected)
	waitFor(t, func() bool { return clk.PendingTimers() == 1 }, "no reconnect timer")
	clk.Advance(time.Second)
	waitForState(t, ch, channel.StateConnected)

	second := dialer.conn(1)
	require.NotNil(t, second)
	waitFor(t, func() bool { return len(second.sentTopics(model.MessageTypeSubscribe)) == 2 },
		"subscriptions were not replayed on the new connection")
	assert.ElementsMatch(t, []string{model.TopicAlerts, model.TopicMetrics},
		second.sentTopics(model.MessageTypeSubscribe))
}

func TestChannel_UnsubscribeSendsFrame(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, clock.NewFake(time.Now()))

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)

	require.NoError(t, ch.Subscribe(model.TopicAlerts))
	require.NoError(t, ch.Unsubscribe(model.TopicAlerts))

	conn := dialer.conn(0)
	assert.Equal(t, []string{model.TopicAlerts}, conn.sentTopics(model.MessageTypeUnsubscribe))
}

func TestChannel_DisconnectIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.NewFake(time.Now())
	ch := newTestChannel(dialer, clk)

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)

	ch.Disconnect()
	assert.Equal(t, channel.StateDisconnected, ch.State())

	// No reconnect attempt may follow an explicit Disconnect.
	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())

	err := ch.Connect(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrChannelClosed, "a disconnected channel cannot be reused")
}

func TestChannel_StateObserverSeesTransitions(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, clock.NewFake(time.Now()))

	var mu sync.Mutex
	var states []channel.State
	ch.OnStateChange(func(s channel.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	}, "observer missed transitions")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, channel.StateConnecting, states[0])
	assert.Equal(t, channel.StateConnected, states[1])
}

func TestChannel_OffRemovesHandler(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(dialer, clock.NewFake(time.Now()))

	var mu sync.Mutex
	calls := 0
	id := ch.On(model.MessageTypeAlertNew, func(model.WireMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	ch.Off(model.MessageTypeAlertNew, id)

	require.NoError(t, ch.Connect(context.Background()))
	waitForState(t, ch, channel.StateConnected)
	dialer.conn(0).deliver(t, model.WireMessage{Type: model.MessageTypeAlertNew, ID: "ev-1"})

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
