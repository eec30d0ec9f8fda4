package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"offsync/internal/constants"
	"offsync/internal/errors"
	"offsync/internal/models"
	"offsync/internal/retry"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Conn is one open persistent connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens persistent connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Stopper is the part of *time.Timer the reconnect logic needs.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d; time.AfterFunc in production.
type AfterFunc func(d time.Duration, f func()) Stopper

// WebSocketDialer dials with github.com/coder/websocket.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, u string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// ChannelConfig configures the persistent channel.
type ChannelConfig struct {
	URL          string
	Token        string
	DeviceID     string
	PingInterval time.Duration
	Reconnect    retry.BackoffConfig
}

// missedPongLimit is how many ping intervals may pass without any inbound
// frame before the connection is treated as dead.
const missedPongLimit = 2

var errPongTimeout = errors.New(errors.ErrCodeSyncTransport, "no frame from authority within the keep-alive window")

// session is one live connection and the goroutines serving it.
type session struct {
	conn Conn
	ctx  context.Context
	done chan struct{}
	// lastSeen is the unix nano time of the last inbound frame.
	lastSeen atomic.Int64
}

// Channel keeps a persistent connection to the authority open: it answers
// and sends pings, publishes inbound notifications, and after every close
// schedules exactly one reconnect with growing delay.
type Channel struct {
	url          string
	dialer       Dialer
	pingInterval time.Duration
	backoff      *retry.Sequence
	afterFunc    AfterFunc
	bus          *eventBus
	logger       *logrus.Logger

	mu        sync.Mutex
	current   *session
	dialing   bool
	reconnect Stopper
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	lastPong  time.Time
	wg        sync.WaitGroup
}

// ChannelOption customizes a Channel.
type ChannelOption func(*Channel)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) ChannelOption {
	return func(c *Channel) { c.dialer = d }
}

// WithAfterFunc replaces the reconnect timer.
func WithAfterFunc(f AfterFunc) ChannelOption {
	return func(c *Channel) { c.afterFunc = f }
}

// NewChannel builds the channel URL from cfg; it does not connect.
func NewChannel(cfg ChannelConfig, logger *logrus.Logger, opts ...ChannelOption) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", cfg.Token)
	q.Set("deviceId", cfg.DeviceID)
	u.RawQuery = q.Encode()

	ping := cfg.PingInterval
	if ping <= 0 {
		ping = time.Duration(constants.DefaultPingIntervalSec) * time.Second
	}

	reconnect := cfg.Reconnect
	if reconnect.InitialDelay <= 0 {
		reconnect = DefaultReconnectConfig()
	}

	c := &Channel{
		url:          u.String(),
		dialer:       WebSocketDialer{},
		pingInterval: ping,
		backoff:      retry.NewSequence(reconnect),
		afterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
		bus:     newEventBus(constants.DefaultEventBufferSize),
		logger:  logger,
		stopped: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the dial URL including credentials.
func (c *Channel) URL() string {
	return c.url
}

// Subscribe registers for events of one kind.
func (c *Channel) Subscribe(kind EventKind) *Subscription {
	return c.bus.subscribe(kind)
}

// Unsubscribe is equivalent to sub.Unsubscribe().
func (c *Channel) Unsubscribe(sub *Subscription) {
	sub.Unsubscribe()
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Channel) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

// Connect opens the channel. It is a no-op while a connection is open or
// being dialed. A failed dial arms the reconnect timer and returns the error.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.stopped = false
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || c.current != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		delay := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"error":           err.Error(),
			"reconnect_delay": delay.String(),
		}).Warn("Failed to open sync channel")
		return errors.NewTransportError("/ws", 0, err)
	}
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	s := &session{conn: conn, ctx: c.ctx, done: make(chan struct{})}
	s.lastSeen.Store(time.Now().UnixNano())
	c.current = s
	c.backoff.Reset()
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop(s)
	go c.pingLoop(s)

	c.logger.Info("Sync channel connected")
	c.bus.publish(Event{Kind: EventConnectionStatus, Connected: true})
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	s := c.current
	c.current = nil
	if s != nil {
		close(s.done)
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		_ = s.conn.Close()
		c.bus.publish(Event{Kind: EventConnectionStatus, Connected: false})
	}
	c.wg.Wait()
	c.logger.Info("Sync channel disconnected")
}

// scheduleReconnectLocked arms a single reconnect timer and returns its
// delay, or 0 when one is already pending or the channel is stopped.
func (c *Channel) scheduleReconnectLocked() time.Duration {
	if c.stopped || c.reconnect != nil {
		return 0
	}
	delay := c.backoff.Next()
	c.reconnect = c.afterFunc(delay, c.fireReconnect)
	return delay
}

func (c *Channel) fireReconnect() {
	c.mu.Lock()
	c.reconnect = nil
	if c.stopped {
		c.mu.Unlock()
		return
	}
	base := c.ctx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		c.logger.WithError(err).Debug("Reconnect attempt failed")
	}
}

// handleClose tears down s if it is still current and arms the reconnect.
func (c *Channel) handleClose(s *session, cause error) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	c.current = nil
	close(s.done)
	delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = s.conn.Close()
	c.logger.WithFields(logrus.Fields{
		"error":           fmt.Sprint(cause),
		"reconnect_delay": delay.String(),
	}).Warn("Sync channel closed")
	c.bus.publish(Event{Kind: EventConnectionStatus, Connected: false, Err: cause})
}

func (c *Channel) readLoop(s *session) {
	defer c.wg.Done()

	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			c.handleClose(s, err)
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())
		c.handleFrame(s, data)
	}
}

func (c *Channel) pingLoop(s *session) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastSeen.Load())) > missedPongLimit*c.pingInterval {
				c.handleClose(s, errPongTimeout)
				return
			}
			if err := c.write(s, models.Frame{Type: models.FramePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				c.handleClose(s, err)
				return
			}
		}
	}
}

func (c *Channel) handleFrame(s *session, data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.WithError(err).Warn("Ignoring malformed sync channel frame")
		return
	}

	switch frame.Type {
	case models.FramePing:
		if err := c.write(s, models.Frame{Type: models.FramePong, Timestamp: time.Now().UnixMilli()}); err != nil {
			c.logger.WithError(err).Warn("Failed to answer ping")
		}
	case models.FramePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	case models.FrameSyncNotification:
		c.bus.publish(Event{Kind: EventSyncNotification, Frame: frame})
	case models.FrameEntityChanged:
		c.bus.publish(Event{Kind: EventEntityChanged, Frame: frame})
	default:
		c.logger.WithField("type", frame.Type).Debug("Ignoring unknown sync channel frame")
	}
}

func (c *Channel) write(s *session, frame models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(constants.DefaultWebSocketWriteTimeout)*time.Second)
	defer cancel()
	return s.conn.Write(ctx, data)
}

// Send writes a frame on the open connection.
func (c *Channel) Send(ctx context.Context, frame models.Frame) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return errors.New(errors.ErrCodeSyncTransport, "sync channel not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := s.conn.Write(ctx, data); err != nil {
		return errors.NewTransportError("/ws", 0, err)
	}
	return nil
}

// SendSyncCompleted tells other devices which collections changed.
func (c *Channel) SendSyncCompleted(ctx context.Context, deviceID string, changed []string) error {
	return c.Send(ctx, models.Frame{
		Type:               models.FrameSyncCompleted,
		DeviceID:           deviceID,
		ChangedEntityTypes: changed,
		Timestamp:          time.Now().UnixMilli(),
	})
}

// LastPong returns when the authority last answered a ping.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}
