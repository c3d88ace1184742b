package handler

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/config"
	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

// Deps holds shared dependencies injected into all message handlers.
type Deps struct {
	Config   *config.Config
	Log      *zap.Logger
	World    *world.State
	Sessions *net.SessionStore
	Clock    clock.Clock
}

var (
	anyState   = []packet.SessionState{packet.StateConnected, packet.StateSubscribed}
	subscribed = []packet.SessionState{packet.StateSubscribed}
)

// RegisterAll registers all observer message handlers into the registry.
func RegisterAll(reg *packet.Registry, deps *Deps) {
	reg.Register(packet.TypeSubscribe, anyState,
		func(sess any, raw json.RawMessage) {
			HandleSubscribe(sess.(*net.Session), raw, deps)
		},
	)
	reg.Register(packet.TypeViewport, subscribed,
		func(sess any, raw json.RawMessage) {
			HandleViewport(sess.(*net.Session), raw, deps)
		},
	)
	reg.Register(packet.TypeFollow, subscribed,
		func(sess any, raw json.RawMessage) {
			HandleFollow(sess.(*net.Session), raw, deps)
		},
	)
	reg.Register(packet.TypeAck, subscribed,
		func(sess any, raw json.RawMessage) {
			HandleAck(sess.(*net.Session), raw, deps)
		},
	)
	reg.Register(packet.TypeRequestProfiles, anyState,
		func(sess any, raw json.RawMessage) {
			HandleRequestProfiles(sess.(*net.Session), deps)
		},
	)
	reg.Register(packet.TypeRequestProfile, anyState,
		func(sess any, raw json.RawMessage) {
			HandleRequestProfile(sess.(*net.Session), raw, deps)
		},
	)
	reg.Register(packet.TypeRoomInfo, anyState,
		func(sess any, raw json.RawMessage) {
			HandleRoomInfo(sess.(*net.Session), deps)
		},
	)
	reg.Register(packet.TypePong, anyState,
		func(sess any, raw json.RawMessage) {
			HandlePong(sess.(*net.Session), raw, deps)
		},
	)
}

func sendError(sess *net.Session, code, reason string) {
	sess.Send(packet.NewError(code, reason))
}

func (d *Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock.Now()
}
