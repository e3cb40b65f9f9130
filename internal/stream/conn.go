package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"polyflow/logger"
)

type channelRole string

const (
	roleTrading channelRole = "trading"
	roleData    channelRole = "data"
)

// channelConn wraps one gorilla websocket connection with the send pacing
// and lifecycle flags the supervisor needs. Reads are driven by the pump's
// reader goroutine; sends can come from any goroutine and are serialized
// under the mutex.
type channelConn struct {
	role channelRole
	url  string

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration

	// Paces outbound frames so a resubscribe burst after reconnect stays
	// inside the venue's per-connection message quota.
	sendLimiter *rate.Limiter

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	pingStop      chan struct{}

	log *logger.Entry
}

func newChannelConn(role channelRole, url string, handshakeTimeout, writeTimeout, pingInterval time.Duration, sendRate float64, sendBurst int, log *logger.Entry) *channelConn {
	if sendRate <= 0 {
		sendRate = 10
	}
	if sendBurst <= 0 {
		sendBurst = 20
	}
	return &channelConn{
		role:             role,
		url:              url,
		handshakeTimeout: handshakeTimeout,
		writeTimeout:     writeTimeout,
		pingInterval:     pingInterval,
		sendLimiter:      rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		log:              log.WithField("channel", string(role)),
	}
}

// connect dials the channel's endpoint and starts the keepalive ping loop.
// Calling it while already connected is a no-op. The returned bool reports
// whether a fresh dial happened, so the caller knows when a handshake on
// the new socket is safe and when it would race an existing reader.
func (c *channelConn) connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return false, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}

	c.conn = conn
	c.connected = true
	c.authenticated = false
	c.pingStop = make(chan struct{})
	go c.pingLoop(conn, c.pingStop)

	c.log.WithField("url", c.url).Info("websocket connected")
	return true, nil
}

func (c *channelConn) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Debug("keepalive ping failed")
				return
			}
		}
	}
}

// close tears the connection down and clears the connected and authenticated
// flags. Safe to call repeatedly and from any goroutine.
func (c *channelConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	if c.conn != nil {
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.authenticated = false
}

// sendJSON writes one frame, waiting on the send limiter first. It fails
// with ErrNotConnected when the channel is down.
func (c *channelConn) sendJSON(ctx context.Context, v interface{}) error {
	if err := c.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// socket returns the live connection for the pump's reader, or nil when the
// channel is down.
func (c *channelConn) socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.conn
}

// readFrame blocks on the next inbound frame. Exactly one goroutine may read
// a given connection at a time.
func (c *channelConn) readFrame() ([]byte, error) {
	conn := c.socket()
	if conn == nil {
		return nil, ErrNotConnected
	}
	_, payload, err := conn.ReadMessage()
	return payload, err
}

func (c *channelConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *channelConn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *channelConn) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}
