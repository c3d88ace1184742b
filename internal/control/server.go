// Package control is the request/response surface for agents: register,
// world mutations and read-only lookups. Mutations are validated and queued
// here; the tick applies them.
package control

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/worldsync/server/internal/command"
	"github.com/worldsync/server/internal/config"
	"github.com/worldsync/server/internal/eventlog"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

const maxBodyBytes = 64 * 1024

// Options wires the control server to the rest of the process.
type Options struct {
	Config *config.Config
	Intake *command.Intake
	World  *world.State // only Published and Mailbox are used
	Events *eventlog.Log
	// Subscribers reports the observer count; safe for concurrent use.
	Subscribers func() int
	// WebSocket is mounted at /ws when set.
	WebSocket http.Handler
	Log       *zap.Logger
}

// Server is the HTTP control surface.
type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	intake  *command.Intake
	world   *world.State
	events  *eventlog.Log
	subs    func() int
	schemas *schemas
	log     *zap.Logger

	keyHash  []byte
	keyMu    sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

func New(opts Options) (*Server, error) {
	sc, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      opts.Config,
		intake:   opts.Intake,
		world:    opts.World,
		events:   opts.Events,
		subs:     opts.Subscribers,
		schemas:  sc,
		log:      opts.Log,
		verified: make(map[[sha256.Size]byte]struct{}),
	}
	if h := opts.Config.Control.APIKeyHash; h != "" {
		s.keyHash = []byte(h)
	}
	if s.subs == nil {
		s.subs = func() int { return 0 }
	}
	s.setupRouter(opts.WebSocket)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRouter(ws http.Handler) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Control.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))

		// Read-only
		r.Get("/profiles", s.handleProfiles)
		r.Get("/profiles/{agentID}", s.handleProfile)
		r.Get("/room", s.handleRoom)
		r.Get("/agents/{agentID}/nearby", s.handleNearby)
		r.Get("/events", s.handleEvents)

		// Mutations
		r.Group(func(r chi.Router) {
			r.Use(s.requireKey)
			r.Post("/register", s.handleRegister)
			r.Post("/world/move", s.handleMove)
			r.Post("/world/chat", s.handleChat)
			r.Post("/world/action", s.handleAction)
			r.Post("/world/emote", s.handleEmote)
			r.Post("/world/leave", s.handleLeave)
			r.Post("/world/dm", s.handleDM)
			r.Get("/agents/{agentID}/inbox", s.handleInbox)
		})
	})

	s.router = r
}

// requireKey checks the bearer key against the configured bcrypt hash.
// Verified keys are remembered by digest so bcrypt runs once per key.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keyHash == nil {
			next.ServeHTTP(w, r)
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			s.respondError(w, http.StatusUnauthorized, "E_UNAUTHORIZED", "missing bearer key", false)
			return
		}
		digest := sha256.Sum256([]byte(key))
		s.keyMu.RLock()
		_, known := s.verified[digest]
		s.keyMu.RUnlock()
		if !known {
			if bcrypt.CompareHashAndPassword(s.keyHash, []byte(key)) != nil {
				s.respondError(w, http.StatusUnauthorized, "E_UNAUTHORIZED", "invalid key", false)
				return
			}
			s.keyMu.Lock()
			s.verified[digest] = struct{}{}
			s.keyMu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

// --- Response helpers ---

type errorBody struct {
	OK    bool               `json:"ok"`
	Error *command.Rejection `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, reason string, retryable bool) {
	s.respondJSON(w, status, errorBody{Error: &command.Rejection{
		Code:      command.Code(code),
		Reason:    reason,
		Retryable: retryable,
	}})
}

func (s *Server) respondRejection(w http.ResponseWriter, err error) {
	rej := command.AsRejection(err)
	s.respondJSON(w, statusFor(rej.Code), errorBody{Error: rej})
}

func statusFor(code command.Code) int {
	switch code {
	case command.CodeUnknownAgent:
		return http.StatusNotFound
	case command.CodeRoomFull, command.CodeAlreadyRemoved:
		return http.StatusConflict
	case command.CodeRateLimit:
		return http.StatusTooManyRequests
	case command.CodeBusy:
		return http.StatusServiceUnavailable
	case command.CodeContentBlocked:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.world.Published()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"tick": snap.Tick,
		"age":  time.Since(snap.At).Milliseconds(),
	})
}

func (s *Server) roomInfo() packet.RoomInfo {
	return packet.BuildRoomInfo(s.world.Published(),
		s.cfg.Server.RoomID, s.cfg.Server.Name, s.cfg.Network.TickRate, s.subs())
}
