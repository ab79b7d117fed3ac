package push

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
)

// webSocketChannel receives change batches as text frames and keeps the
// connection alive with its own reconnect loop.
type webSocketChannel struct {
	url string
	d   *dispatcher

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	backoff   time.Duration
}

func newWebSocketChannel(url string, d *dispatcher) *webSocketChannel {
	return &webSocketChannel{
		url:     url,
		d:       d,
		backoff: initialBackoff,
	}
}

func (c *webSocketChannel) String() string { return "push-websocket" }

// Serve connects and maintains the connection.
// It blocks until the context is cancelled.
func (c *webSocketChannel) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.d.log.Debug().Msg("context cancelled, stopping")
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.d.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		c.backoff = initialBackoff

		// Read messages until disconnect
		err := c.readLoop(ctx)
		c.d.disconnected(err)

		c.waitBackoff(ctx)
	}
}

// connect establishes the WebSocket connection.
func (c *webSocketChannel) connect(ctx context.Context) error {
	c.d.log.Debug().Str("url", c.url).Msg("connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop(ctx, conn)

	c.d.connected()
	return nil
}

// readLoop hands every text frame to the dispatcher. It returns the read
// error, nil on a normal close or cancellation.
func (c *webSocketChannel) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
	})
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.d.handle(data)
	}
}

// pingLoop sends periodic pings on conn until it is replaced or closed.
func (c *webSocketChannel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn && c.connected
			c.mu.Unlock()

			if !current {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.d.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// waitBackoff waits for the current backoff duration.
func (c *webSocketChannel) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// Exponential backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// IsConnected returns whether the channel currently holds a connection.
func (c *webSocketChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
