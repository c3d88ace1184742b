package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/worldsync/server/internal/net/packet"
)

// ErrStale is returned when the server went quiet for longer than StaleAfter.
var ErrStale = errors.New("client: connection stale")

// ConnOptions configures an observer connection.
type ConnOptions struct {
	URL       string
	Subscribe packet.SubscribeMsg
	// HeartbeatInterval is the server's ping interval. StaleAfter defaults
	// to three of them.
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Header            http.Header
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * o.HeartbeatInterval
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// Conn keeps an observer subscription alive: it dials, subscribes, feeds the
// reconciler and reconnects with capped exponential backoff. While the link
// is down the reconciler coasts.
type Conn struct {
	opts   ConnOptions
	rec    *Reconciler
	dialer websocket.Dialer
	log    *zap.Logger

	// OnMessage, if set, sees every decoded server message type and its
	// raw frame. Called from the connection goroutine.
	OnMessage func(typ string, raw []byte)

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connected  atomic.Bool
	sessions   atomic.Int64
	lastServer atomic.Int64 // server time of the last ping, Unix ms
}

func NewConn(opts ConnOptions, rec *Reconciler, log *zap.Logger) *Conn {
	return &Conn{
		opts:   opts.withDefaults(),
		rec:    rec,
		dialer: websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:    log,
	}
}

func (c *Conn) Connected() bool { return c.connected.Load() }

// Sessions counts successful subscriptions, reconnects included.
func (c *Conn) Sessions() int64 { return c.sessions.Load() }

// Run blocks until ctx ends, reconnecting whenever the link fails.
func (c *Conn) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		subscribed, err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.rec.Disconnect()
		if subscribed {
			backoff = c.opts.MinBackoff
		}
		c.log.Info("observer link down, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < c.opts.MaxBackoff {
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
		}
	}
}

// Close drops the current link. Run reconnects unless its context is done.
func (c *Conn) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// session runs one connection until it fails. subscribed reports whether a
// snapshot was received.
func (c *Conn) session(ctx context.Context) (subscribed bool, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := struct {
		Type string `json:"type"`
		packet.SubscribeMsg
	}{packet.TypeSubscribe, c.opts.Subscribe}
	if err := c.write(conn, sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.StaleAfter))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return subscribed, ErrStale
			}
			return subscribed, err
		}
		var env packet.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Debug("undecodable frame", zap.Error(err))
			continue
		}
		switch env.Type {
		case packet.TypeSnapshot:
			var msg packet.SnapshotMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				return subscribed, fmt.Errorf("decode snapshot: %w", err)
			}
			c.rec.OnSnapshot(msg)
			if !subscribed {
				subscribed = true
				c.connected.Store(true)
				c.sessions.Add(1)
			}
		case packet.TypeWorld:
			var msg packet.WorldMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				return subscribed, fmt.Errorf("decode batch: %w", err)
			}
			if bad := c.rec.OnWorld(msg); bad > 0 {
				c.log.Debug("skipped undecodable events", zap.Int("count", bad), zap.Uint64("tick", msg.Tick))
			}
		case packet.TypePing:
			var ping packet.PingMsg
			if err := json.Unmarshal(raw, &ping); err != nil {
				continue
			}
			c.lastServer.Store(ping.Timestamp)
			pong := struct {
				Type string `json:"type"`
				packet.PongMsg
			}{packet.TypePong, packet.PongMsg{Timestamp: ping.Timestamp}}
			if err := c.write(conn, pong); err != nil {
				return subscribed, fmt.Errorf("pong: %w", err)
			}
		case packet.TypeError:
			var e packet.ErrorMsg
			if err := json.Unmarshal(raw, &e); err == nil {
				c.log.Warn("server error", zap.String("code", e.Code), zap.String("reason", e.Reason))
			}
		}
		if c.OnMessage != nil {
			c.OnMessage(env.Type, raw)
		}
	}
}

func (c *Conn) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

// Request sends a client message on the live link, for example
// {"type":"roomInfo"}. It fails when disconnected.
func (c *Conn) Request(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("client: not connected")
	}
	return c.write(c.conn, v)
}

// ServerTime is the server timestamp of the last ping, Unix ms.
func (c *Conn) ServerTime() int64 { return c.lastServer.Load() }
