package net

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests to WebSocket sessions. New and dead
// sessions are handed to the tick through channels.
type Server struct {
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	newConns chan *Session
	deadCh   chan uint64
	opts     SessionOptions
	log      *zap.Logger
	closed   atomic.Bool
}

func NewServer(opts SessionOptions, checkOrigin func(*http.Request) bool, log *zap.Logger) *Server {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin,
		},
		newConns: make(chan *Session, 64),
		deadCh:   make(chan uint64, 256),
		opts:     opts,
		log:      log,
	}
}

// ServeHTTP upgrades the request and queues the session for the tick.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.Accept(conn)
}

// Accept wraps an established connection in a Session and starts it.
func (s *Server) Accept(conn Conn) *Session {
	id := s.nextID.Add(1)
	sess := NewSession(conn, id, s.opts, s.log)
	sess.onClose = s.NotifyDead
	sess.Start()

	s.log.Info("observer connected", zap.Uint64("session", id), zap.String("ip", sess.IP))

	select {
	case s.newConns <- sess:
	default:
		s.log.Warn("session queue full, rejecting connection")
		sess.CloseWith(websocket.CloseTryAgainLater, "server busy")
	}
	return sess
}

// NewSessions returns the channel of newly connected sessions.
func (s *Server) NewSessions() <-chan *Session {
	return s.newConns
}

// NotifyDead reports a dead session ID to the tick.
func (s *Server) NotifyDead(sessionID uint64) {
	select {
	case s.deadCh <- sessionID:
	default:
	}
}

// DeadSessions returns the channel of dead session IDs.
func (s *Server) DeadSessions() <-chan uint64 {
	return s.deadCh
}

// Shutdown stops accepting new sessions.
func (s *Server) Shutdown() {
	s.closed.Store(true)
}
