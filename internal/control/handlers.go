package control

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/worldsync/server/internal/command"
	"github.com/worldsync/server/internal/world"
)

type registerRequest struct {
	AgentID      string        `json:"agentId"`
	Name         string        `json:"name"`
	Color        string        `json:"color"`
	Bio          string        `json:"bio"`
	Capabilities []string      `json:"capabilities"`
	Skills       []world.Skill `json:"skills"`
	X            *float64      `json:"x"`
	Y            *float64      `json:"y"`
	Z            *float64      `json:"z"`
}

type connectionInfo struct {
	WS          string `json:"ws"`
	TickRateMs  int64  `json:"tickRateMs"`
	HeartbeatMs int64  `json:"heartbeatMs"`
}

type registerResponse struct {
	OK         bool               `json:"ok"`
	Profile    world.AgentProfile `json:"profile"`
	Tick       uint64             `json:"tick"`
	Connection connectionInfo     `json:"connection"`
}

type acceptedResponse struct {
	OK  bool   `json:"ok"`
	Seq uint64 `json:"seq"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.schemas.decode(r, "register", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	cmd := command.Command{
		AgentID: req.AgentID,
		Profile: world.AgentProfile{
			AgentID:      req.AgentID,
			Name:         req.Name,
			Color:        req.Color,
			Bio:          req.Bio,
			Capabilities: req.Capabilities,
			Skills:       req.Skills,
		},
	}
	if req.X != nil && req.Z != nil {
		spawn := world.Vec3{X: *req.X, Z: *req.Z}
		if req.Y != nil {
			spawn.Y = *req.Y
		}
		cmd.Spawn = &spawn
	}
	res, err := s.intake.Register(r.Context(), cmd)
	if err != nil {
		s.respondRejection(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, registerResponse{
		OK:      true,
		Profile: res.Profile,
		Tick:    res.Tick,
		Connection: connectionInfo{
			WS:          s.wsURL(r),
			TickRateMs:  s.cfg.Network.TickRate.Milliseconds(),
			HeartbeatMs: s.cfg.Network.HeartbeatInterval.Milliseconds(),
		},
	})
}

// wsURL is the advertised observer endpoint: the configured public URL, or
// the host the request reached.
func (s *Server) wsURL(r *http.Request) string {
	if u := s.cfg.Network.PublicURL; u != "" {
		return u
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws"
}

func (s *Server) submit(w http.ResponseWriter, cmd command.Command) {
	seq, err := s.intake.Submit(cmd)
	if err != nil {
		s.respondRejection(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acceptedResponse{OK: true, Seq: seq})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string   `json:"agentId"`
		X        float64  `json:"x"`
		Y        *float64 `json:"y"`
		Z        float64  `json:"z"`
		Rotation *float64 `json:"rotation"`
	}
	if err := s.schemas.decode(r, "move", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	// an omitted y or rotation keeps the agent's current value
	cmd := command.Command{
		Verb:         command.VerbMove,
		AgentID:      req.AgentID,
		Position:     world.Vec3{X: req.X, Z: req.Z},
		KeepY:        req.Y == nil,
		KeepRotation: req.Rotation == nil,
	}
	if req.Y != nil {
		cmd.Position.Y = *req.Y
	}
	if req.Rotation != nil {
		cmd.Rotation = *req.Rotation
	}
	s.submit(w, cmd)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
		Text    string `json:"text"`
	}
	if err := s.schemas.decode(r, "chat", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	s.submit(w, command.Command{Verb: command.VerbChat, AgentID: req.AgentID, Text: req.Text})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
		Action  string `json:"action"`
	}
	if err := s.schemas.decode(r, "action", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	s.submit(w, command.Command{Verb: command.VerbAction, AgentID: req.AgentID, Action: req.Action})
}

func (s *Server) handleEmote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
		Emote   string `json:"emote"`
	}
	if err := s.schemas.decode(r, "emote", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	s.submit(w, command.Command{Verb: command.VerbEmote, AgentID: req.AgentID, Emote: req.Emote})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := s.schemas.decode(r, "leave", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	s.submit(w, command.Command{Verb: command.VerbLeave, AgentID: req.AgentID})
}

func (s *Server) handleDM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
		To      string `json:"to"`
		Text    string `json:"text"`
	}
	if err := s.schemas.decode(r, "dm", &req); err != nil {
		s.respondRejection(w, err)
		return
	}
	s.submit(w, command.Command{Verb: command.VerbDM, AgentID: req.AgentID, To: req.To, Text: req.Text})
}

// handleInbox returns and clears the agent's private messages.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if !s.world.Published().IsRegistered(id) {
		s.respondRejection(w, command.Rejectf(command.CodeUnknownAgent, "agent %s is not registered", id))
		return
	}
	msgs := s.world.Mailbox().Take(id)
	if msgs == nil {
		msgs = []world.DirectMessage{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": msgs})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.world.Published().Profiles
	if profiles == nil {
		profiles = []world.AgentProfile{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "profiles": profiles})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	p, ok := s.world.Published().Profile(id)
	if !ok {
		s.respondRejection(w, command.Rejectf(command.CodeUnknownAgent, "agent %s is not registered", id))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": p})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "room": s.roomInfo()})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	radius := s.cfg.World.InterestRadius
	if v := r.URL.Query().Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			s.respondRejection(w, command.Rejectf(command.CodeMalformed, "radius must be a non-negative number"))
			return
		}
		radius = f
	}
	snap := s.world.Published()
	agents, err := snap.Nearby(id, radius)
	if errors.Is(err, world.ErrNotActive) {
		s.respondRejection(w, command.Rejectf(command.CodeUnknownAgent, "agent %s is not in the world", id))
		return
	}
	if agents == nil {
		agents = []world.AgentPosition{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"tick":   snap.Tick,
		"radius": radius,
		"agents": agents,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondRejection(w, command.Rejectf(command.CodeMalformed, "since must be unix milliseconds"))
			return
		}
		since = n
	}
	maxLimit := s.cfg.EventLog.MaxLimit
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondRejection(w, command.Rejectf(command.CodeMalformed, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	entries := s.events.Since(since, limit)
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "events": entries})
}
