package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

var ErrNotConnected = errors.New("link: not connected")

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// Control is the subscribe/unsubscribe frame written to the endpoint.
type Control struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type Options struct {
	// MaxAttempts caps consecutive reconnects after the socket is lost.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number.
	BaseDelay        time.Duration
	HandshakeTimeout time.Duration

	OnRecord func(telemetry.Record)
	// OnOpen runs after every successful (re)connect.
	OnOpen func()

	Clock  clockwork.Clock
	Logger *slog.Logger
}

type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Client is a reconnecting websocket connection to a telemetry endpoint.
type Client struct {
	opts   Options
	logger *slog.Logger
	clock  clockwork.Clock
	dial   dialFunc

	mu       sync.Mutex
	url      string
	conn     *websocket.Conn
	attempts int
	timer    clockwork.Timer
	closed   bool
	// gen is bumped by Connect and Disconnect; dials started under an
	// older value are discarded.
	gen uint64

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	} else if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	lg := opts.Logger
	if lg == nil {
		lg = observability.Discard()
	}
	c := &Client{
		opts:   opts,
		logger: lg.With("component", "link"),
		clock:  opts.Clock,
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	c.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return c
}

// Connect opens the socket. A failed dial is handled like a lost
// connection: the error is returned and a reconnect is scheduled.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	c.url = url
	c.closed = false
	c.attempts = 0
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return c.open(ctx)
}

func (c *Client) open(ctx context.Context) error {
	c.mu.Lock()
	url := c.url
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dial(ctx, url)
	if err != nil {
		c.logger.Error("link: dial failed", "url", url, "err", err)
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if !stale {
			c.scheduleReconnect()
		}
		return fmt.Errorf("link: dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.closed || c.gen != gen || c.conn != nil {
		// a newer Connect, a Disconnect or another dial won the race
		connected := !c.closed && c.conn != nil
		c.mu.Unlock()
		_ = conn.Close()
		c.logger.Debug("link: discarding superseded connection", "url", url)
		if connected {
			return nil
		}
		return ErrNotConnected
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	observability.TransportUp.Set(1)
	c.logger.Info("link: connected", "url", url)

	go c.readLoop(conn)

	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("link: connection closed")
			} else {
				c.logger.Warn("link: read error", "err", err)
			}
			break
		}
		c.handleMessage(msg)
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	if current {
		observability.TransportUp.Set(0)
		c.scheduleReconnect()
	}
}

func (c *Client) handleMessage(msg []byte) {
	observability.FramesRecv.Inc()
	rec, err := telemetry.ParseFrame(msg)
	if err != nil {
		observability.FrameParseErrors.Inc()
		c.logger.Warn("link: dropping malformed frame", "err", err, "size", len(msg))
		return
	}
	if c.opts.OnRecord != nil {
		c.opts.OnRecord(rec)
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.attempts >= c.opts.MaxAttempts {
		c.logger.Warn("link: giving up reconnecting", "attempts", c.attempts)
		return
	}
	c.attempts++
	delay := time.Duration(c.attempts) * c.opts.BaseDelay
	observability.ReconnectAttempts.Inc()
	c.logger.Info("link: reconnecting", "attempt", c.attempts, "delay", delay)

	c.timer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		stop := c.closed
		c.timer = nil
		c.mu.Unlock()
		if stop {
			return
		}
		_ = c.open(context.Background())
	})
}

func (c *Client) SendSubscription(deviceID string) error {
	return c.send(Control{Action: ActionSubscribe, DeviceID: deviceID})
}

func (c *Client) SendUnsubscription(deviceID string) error {
	return c.send(Control{Action: ActionUnsubscribe, DeviceID: deviceID})
}

// send writes only while the socket is open; nothing is queued.
func (c *Client) send(msg Control) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("link: send %s %s: %w", msg.Action, msg.DeviceID, err)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
	observability.TransportUp.Set(0)
	c.logger.Info("link: disconnected")
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Attempts reports the reconnect attempts made since the last open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
