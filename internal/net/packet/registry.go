package packet

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// SessionState represents the session's current protocol phase.
type SessionState int

const (
	StateConnected  SessionState = iota // socket open, no subscription yet
	StateSubscribed                     // snapshot sent, receiving deltas
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateSubscribed:
		return "Subscribed"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// HandlerFunc is the callback signature for message handlers.
// The session is passed as an opaque interface to avoid import cycles.
type HandlerFunc func(sess any, raw json.RawMessage)

type handlerEntry struct {
	fn            HandlerFunc
	allowedStates map[SessionState]bool
}

// Registry maps message types to handlers with state-based access control.
type Registry struct {
	handlers map[string]*handlerEntry
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]*handlerEntry),
		log:      log,
	}
}

// Register maps a message type to a handler, restricted to the given session states.
func (reg *Registry) Register(msgType string, states []SessionState, fn HandlerFunc) {
	allowed := make(map[SessionState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	reg.handlers[msgType] = &handlerEntry{
		fn:            fn,
		allowedStates: allowed,
	}
}

// Has reports whether a handler exists for msgType.
func (reg *Registry) Has(msgType string) bool {
	_, ok := reg.handlers[msgType]
	return ok
}

// Dispatch decodes the type field of data, validates the session state and
// calls the handler. Unknown types are an error so the caller can answer
// with an error message.
func (reg *Registry) Dispatch(sess any, state SessionState, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	reg.log.Debug("message received",
		zap.String("type", head.Type),
		zap.Int("size", len(data)),
		zap.String("state", state.String()),
	)

	entry, ok := reg.handlers[head.Type]
	if !ok {
		return fmt.Errorf("unknown message type %q", head.Type)
	}
	if !entry.allowedStates[state] {
		reg.log.Debug("message not allowed in state",
			zap.String("type", head.Type),
			zap.String("state", state.String()),
		)
		return fmt.Errorf("message %q not allowed in state %s", head.Type, state)
	}
	return reg.safeCall(entry.fn, sess, data, head.Type)
}

// safeCall executes a handler with panic recovery so a single bad message
// cannot crash the tick loop.
func (reg *Registry) safeCall(fn HandlerFunc, sess any, raw json.RawMessage, msgType string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("handler panic recovered",
				zap.String("type", msgType),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for %q: %v", msgType, rec)
		}
	}()
	fn(sess, raw)
	return nil
}
