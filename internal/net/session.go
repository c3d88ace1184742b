package net

import (
	stdnet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

// Conn is the part of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() stdnet.Addr
	Close() error
}

// SessionOptions sizes the per-connection queues and limits.
type SessionOptions struct {
	InQueueSize      int
	OutQueueSize     int
	PacketsPerSecond int // 0 = unlimited
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Session represents a single observer connection. Network I/O runs in
// dedicated goroutines; subscription state is accessed only from the tick.
type Session struct {
	ID   uint64
	conn Conn
	opts SessionOptions

	state atomic.Int32 // packet.SessionState stored as int32

	InQueue  chan []byte // tick reads client messages from here
	OutQueue chan []byte // writer goroutine reads from here

	IP string

	// Tick-owned.
	Sub     *world.Subscription
	Lagging int // consecutive dropped batches
	Dropped int // total dropped batches

	rtt atomic.Int64 // nanoseconds, 0 until the first pong

	outBuf [][]byte // buffered messages, flushed once per tick (tick only)

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	onClose   func(id uint64)
	closeCode atomic.Int32
	closeMsg  atomic.Value

	// Per-second packet rate limiter (readLoop goroutine only, no lock needed)
	pktCount   int
	pktResetAt int64

	log *zap.Logger
}

func NewSession(conn Conn, id uint64, opts SessionOptions, log *zap.Logger) *Session {
	if opts.InQueueSize <= 0 {
		opts.InQueueSize = 64
	}
	if opts.OutQueueSize <= 0 {
		opts.OutQueueSize = 64
	}
	s := &Session{
		ID:       id,
		conn:     conn,
		opts:     opts,
		InQueue:  make(chan []byte, opts.InQueueSize),
		OutQueue: make(chan []byte, opts.OutQueueSize),
		closeCh:  make(chan struct{}),
		log:      log.With(zap.Uint64("session", id)),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.IP = addr.String()
	}
	s.state.Store(int32(packet.StateConnected))
	return s
}

func (s *Session) State() packet.SessionState {
	return packet.SessionState(s.state.Load())
}

func (s *Session) SetState(st packet.SessionState) {
	s.state.Store(int32(st))
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a message. It is not queued for the writer until
// FlushOutput runs. Tick goroutine only.
func (s *Session) Send(data []byte) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, data)
}

// FlushOutput moves buffered messages to OutQueue without blocking. If the
// queue fills up, the rest of the buffer is discarded and dropped is true;
// the caller decides what a drop means for the session.
func (s *Session) FlushOutput() (dropped bool) {
	defer func() { s.outBuf = s.outBuf[:0] }()
	if s.closed.Load() {
		return false
	}
	for _, data := range s.outBuf {
		select {
		case s.OutQueue <- data:
		default:
			return true
		}
	}
	return false
}

// Pending reports buffered, not yet flushed messages.
func (s *Session) Pending() int { return len(s.outBuf) }

// RTT is the last measured round trip, zero before the first pong.
func (s *Session) RTT() time.Duration { return time.Duration(s.rtt.Load()) }

func (s *Session) SetRTT(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.rtt.Store(int64(d))
}

// Close shuts the session down with a normal closure.
func (s *Session) Close() {
	s.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith shuts the session down, sending code and reason to the peer.
func (s *Session) CloseWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		s.closeMsg.Store(reason)
		s.closed.Store(true)
		s.SetState(packet.StateDisconnecting)
		close(s.closeCh)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s.ID)
		}
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// CloseCode returns the close code sent to the peer, zero while open.
func (s *Session) CloseCode() int { return int(s.closeCode.Load()) }

// CloseReason returns the reason given to CloseWith.
func (s *Session) CloseReason() string {
	r, _ := s.closeMsg.Load().(string)
	return r
}

// readLoop reads frames and pushes them onto InQueue for the tick.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		if s.opts.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		if s.opts.PacketsPerSecond > 0 {
			now := time.Now().Unix()
			if now != s.pktResetAt {
				s.pktCount = 0
				s.pktResetAt = now
			}
			s.pktCount++
			if s.pktCount > s.opts.PacketsPerSecond {
				s.log.Warn("message rate exceeded, closing", zap.Int("pps", s.pktCount))
				s.CloseWith(websocket.ClosePolicyViolation, "rate limit")
				return
			}
		}

		// Blocking here only stalls this client's reader.
		select {
		case s.InQueue <- payload:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop writes queued messages to the socket.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.OutQueue:
			if !s.writeOne(data) {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeOne(data []byte) bool {
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !s.closed.Load() {
			s.log.Debug("write error", zap.Error(err))
		}
		return false
	}
	return true
}
