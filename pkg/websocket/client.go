// Package websocket provides the reconnecting client behind exchange market
// data feeds. The dialer keeps redialing with a fixed backoff until the
// context ends, guards the connection with ping/pong deadlines, and re-runs
// the OnConnect hook after every dial so subscriptions survive reconnects.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"dca_engine/internal/core"
	"dca_engine/pkg/telemetry"
)

// Handler receives each raw frame. It runs on the read loop goroutine, so
// slow work belongs on the caller's side of a channel.
type Handler func(message []byte)

// Config tunes one client. Zero values fall back to feed-friendly defaults.
type Config struct {
	URL string
	// ReconnectWait is the pause between a lost connection and the redial.
	ReconnectWait time.Duration
	// PingInterval is how often the client pings the server. Must stay
	// shorter than PongWait or healthy connections get recycled.
	PingInterval time.Duration
	// PongWait is how long a connection may go without a pong before the
	// read loop gives up and redials.
	PongWait time.Duration
	// WriteWait bounds control and data frame writes.
	WriteWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Client is a self-healing websocket consumer. Run owns the connection
// lifecycle; the other methods are safe from any goroutine.
type Client struct {
	cfg     Config
	handler Handler
	logger  core.ILogger

	mu        sync.Mutex
	conn      *websocket.Conn
	onConnect func()

	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

func NewClient(cfg Config, handler Handler, logger core.ILogger) *Client {
	cfg.applyDefaults()

	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Frames delivered to the handler"))
	connCounter, _ := meter.Int64Counter("ws_connects_total",
		metric.WithDescription("Dial attempts, successful or not"))

	return &Client{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.WithField("component", "ws_client"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
	}
}

// OnConnect registers a hook that runs after every successful dial, before
// the first frame is read. Subscribe frames go here.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Send writes v as one JSON frame. Fails between connections; callers that
// must deliver should retry from their OnConnect hook instead.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Run dials, reads and redials until ctx ends. It always returns nil: a
// feed outage is survivable and the backoff keeps trying.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.dial(ctx); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Dial failed", "url", c.cfg.URL, "error", err)
			}
		} else {
			c.serve(ctx)
		}

		select {
		case <-ctx.Done():
			c.drop()
			c.logger.Info("Websocket client stopped", "url", c.cfg.URL)
			return nil
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		conn.Close()
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// serve reads one connection to its end. The keepalive goroutine doubles as
// the shutdown lever: when ctx ends it closes the connection, which unblocks
// the read.
func (c *Client) serve(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	onConnect := c.onConnect
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.logger.Info("Websocket connected", "url", c.cfg.URL)
	if onConnect != nil {
		onConnect()
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(pingCtx, conn)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Websocket connection lost",
					"url", c.cfg.URL,
					"error", err)
			}
			break
		}
		c.msgCounter.Add(ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}

	stopPing()
	c.drop()
	wg.Wait()
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drop()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.drop()
				return
			}
		}
	}
}

func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
