// Package wsconnector is the concrete connector.Connector implementation:
// a single long-lived gorilla/websocket client connection to the message
// broker. ConnectAndMonitor owns the dial-retry loop; Send frames each
// outbound envelope as one JSON text message.
package wsconnector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puppetlabs/pxp-agent/internal/connector"
	"github.com/puppetlabs/pxp-agent/internal/logging"
)

const (
	minBackoff = 5 * time.Second
	maxBackoff = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Connector dials url and frames envelopes as single JSON text messages.
type Connector struct {
	URL       string
	TLSConfig *tls.Config

	mu   sync.Mutex
	conn *websocket.Conn

	blockingCB    connector.RequestCallback
	nonBlockingCB connector.RequestCallback
}

// New returns a Connector that will dial url once ConnectAndMonitor runs.
// tlsConfig may be nil for a plain ws:// connection.
func New(url string, tlsConfig *tls.Config) *Connector {
	return &Connector{URL: url, TLSConfig: tlsConfig}
}

// RegisterBlockingRequestCallback implements connector.Connector.
func (c *Connector) RegisterBlockingRequestCallback(cb connector.RequestCallback) {
	c.blockingCB = cb
}

// RegisterNonBlockingRequestCallback implements connector.Connector.
func (c *Connector) RegisterNonBlockingRequestCallback(cb connector.RequestCallback) {
	c.nonBlockingCB = cb
}

// ConnectAndMonitor dials the broker, retrying forever on failure with a
// randomized 5-10s backoff, then runs the read loop until ctx is
// cancelled or the connection drops, at which point it reconnects.
func (c *Connector) ConnectAndMonitor(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dial(ctx)
		if err != nil {
			logging.Op().Warn("broker dial failed, retrying", "url", c.URL, "error", err)
			if !sleepContext(ctx, randomBackoff()) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		logging.Op().Info("connected to broker", "url", c.URL)
		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Op().Warn("broker connection lost, reconnecting", "url", c.URL)
	}
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  c.TLSConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.URL, err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	stopPing := make(chan struct{})
	go c.pingLoop(conn, stopPing)
	defer close(stopPing)
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env connector.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Op().Warn("dropping malformed envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connector) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Connector) dispatch(env connector.Envelope) {
	switch env.MessageType {
	case connector.TypeBlockingRequest:
		if c.blockingCB != nil {
			c.blockingCB(env)
		}
	case connector.TypeNonBlockingRequest:
		if c.nonBlockingCB != nil {
			c.nonBlockingCB(env)
		}
	default:
		logging.Op().Debug("ignoring unhandled message_type", "message_type", env.MessageType)
	}
}

// Send writes env as a single JSON text frame. gorilla's Conn forbids
// concurrent writers, so Send is serialized behind a mutex shared with
// the ping loop.
func (c *Connector) Send(env connector.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected to broker")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func randomBackoff() time.Duration {
	span := maxBackoff - minBackoff
	return minBackoff + time.Duration(rand.Int63n(int64(span)))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
