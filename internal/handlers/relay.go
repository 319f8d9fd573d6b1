package handlers

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/mossy-p/telecare-signaling/internal/redis"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// route applies one client message. The relay stamps sender_identity itself;
// whatever the client put there is overwritten.
func (h *Hub) route(ctx context.Context, c *Client, env models.Envelope) {
	switch env.Event {
	case models.EventCallInvite:
		var m models.CallInvite
		if decode(c, env, &m) {
			h.onInvite(ctx, c, m)
		}
	case models.EventAcceptCall:
		var m models.AcceptCall
		if decode(c, env, &m) {
			h.onAccept(ctx, c, m)
		}
	case models.EventRejectCall:
		var m models.RejectCall
		if decode(c, env, &m) {
			h.onReject(ctx, c, m)
		}
	case models.EventUserBusy:
		var m models.UserBusy
		if decode(c, env, &m) {
			m.SenderIdentity = c.Identity
			h.forward(ctx, models.EventUserBusy, m, func(e models.Envelope) {
				h.deliverSID(ctx, m.TargetSID, m.TargetIdentity, e)
			})
		}
	case models.EventJoinRoom:
		var m models.JoinRoom
		if decode(c, env, &m) {
			h.onJoin(ctx, c, m)
		}
	case models.EventSignal:
		var m models.Signal
		if decode(c, env, &m) {
			h.onSignal(ctx, c, m)
		}
	case models.EventEndCall:
		var m models.CallEnded
		if decode(c, env, &m) {
			h.onEnd(ctx, c, m)
		}
	default:
		log.Debug().Str("identity", c.Identity).Str("event", string(env.Event)).Msg("unknown event")
		c.sendError(env.Event, "unknown event")
	}
}

func decode(c *Client, env models.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Debug().Err(err).Str("identity", c.Identity).Str("event", string(env.Event)).Msg("malformed payload")
		c.sendError(env.Event, "malformed payload")
		return false
	}
	return true
}

func (h *Hub) forward(ctx context.Context, event models.Event, data any, send func(models.Envelope)) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal message")
		return
	}
	send(env)
}

func (h *Hub) online(ctx context.Context, identity string) bool {
	if h.Online(identity) {
		return true
	}
	online, err := h.store.IsOnline(ctx, identity)
	if err != nil {
		log.Error().Err(err).Str("identity", identity).Msg("presence lookup failed")
		return false
	}
	return online
}

func (h *Hub) invited(ctx context.Context, room, identity string) bool {
	ok, err := h.store.IsInvited(ctx, room, identity)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("room lookup failed")
		return false
	}
	return ok
}

func (h *Hub) onInvite(ctx context.Context, c *Client, m models.CallInvite) {
	if m.Room == "" || m.TargetIdentity == "" || m.TargetIdentity == c.Identity {
		c.sendError(models.EventCallInvite, "invalid invite")
		return
	}

	if !h.online(ctx, m.TargetIdentity) {
		log.Info().Str("caller", c.Identity).Str("target", m.TargetIdentity).Msg("invite target offline")
		c.sendEnvelope(models.EventUserUnavailable, models.UserUnavailable{
			TargetIdentity: m.TargetIdentity,
			Room:           m.Room,
		})
		return
	}

	if err := h.store.Invite(ctx, m.Room, c.Identity, m.TargetIdentity); err != nil {
		if errors.Is(err, redis.ErrRoomInUse) {
			log.Warn().Str("caller", c.Identity).Str("room", m.Room).Msg("invite for existing room")
			c.sendError(models.EventCallInvite, "room in use")
			return
		}
		log.Error().Err(err).Str("room", m.Room).Msg("failed to record invite")
		c.sendError(models.EventCallInvite, "relay unavailable")
		return
	}

	callerName := m.CallerName
	if callerName == "" {
		callerName = c.DisplayName
	}

	log.Info().Str("caller", c.Identity).Str("target", m.TargetIdentity).Str("room", m.Room).Msg("ringing")
	h.forward(ctx, models.EventIncomingCall, models.IncomingCall{
		CallerIdentity: c.Identity,
		CallerSID:      c.SID,
		SuggestedRoom:  m.Room,
		CallerName:     callerName,
		SenderIdentity: c.Identity,
	}, func(e models.Envelope) { h.deliver(ctx, m.TargetIdentity, e) })
}

func (h *Hub) onAccept(ctx context.Context, c *Client, m models.AcceptCall) {
	if !h.invited(ctx, m.RoomName, c.Identity) {
		c.sendError(models.EventAcceptCall, "not invited")
		return
	}

	m.SenderIdentity = c.Identity
	h.forward(ctx, models.EventAcceptCall, m, func(e models.Envelope) {
		h.deliverSID(ctx, m.CallerSID, m.CallerIdentity, e)
	})
}

func (h *Hub) onReject(ctx context.Context, c *Client, m models.RejectCall) {
	m.SenderIdentity = c.Identity
	h.forward(ctx, models.EventCallRejected, m, func(e models.Envelope) {
		h.deliverSID(ctx, m.CallerSID, m.CallerIdentity, e)
	})

	if m.Room != "" && h.invited(ctx, m.Room, c.Identity) {
		if err := h.store.ClearRoom(ctx, m.Room); err != nil {
			log.Error().Err(err).Str("room", m.Room).Msg("failed to clear room")
		}
	}
}

func (h *Hub) onJoin(ctx context.Context, c *Client, m models.JoinRoom) {
	if !h.invited(ctx, m.Room, c.Identity) {
		c.sendError(models.EventJoinRoom, "not invited")
		return
	}
	if err := h.store.Join(ctx, m.Room, c.Identity); err != nil {
		log.Error().Err(err).Str("room", m.Room).Msg("failed to join room")
		c.sendError(models.EventJoinRoom, "relay unavailable")
		return
	}
	log.Debug().Str("identity", c.Identity).Str("room", m.Room).Msg("joined room")
}

func (h *Hub) onSignal(ctx context.Context, c *Client, m models.Signal) {
	member, err := h.store.IsMember(ctx, m.Room, c.Identity)
	if err != nil || !member || !h.invited(ctx, m.Room, m.ReceiverIdentity) {
		log.Debug().Str("identity", c.Identity).Str("room", m.Room).Msg("dropping signal outside room")
		c.sendError(models.EventSignal, "not in room")
		return
	}

	m.SenderIdentity = c.Identity
	h.forward(ctx, models.EventSignal, m, func(e models.Envelope) {
		h.deliver(ctx, m.ReceiverIdentity, e)
	})
}

func (h *Hub) onEnd(ctx context.Context, c *Client, m models.CallEnded) {
	room, err := h.store.Room(ctx, m.Room)
	if err != nil {
		// Already ended; duplicates after a reconnect land here.
		log.Debug().Err(err).Str("identity", c.Identity).Str("room", m.Room).Msg("end for unknown room")
		return
	}

	parties := make(map[string]struct{}, len(room.Invitees)+len(room.Members))
	for _, id := range append(room.Invitees, room.Members...) {
		parties[id] = struct{}{}
	}
	if _, ok := parties[c.Identity]; !ok {
		c.sendError(models.EventEndCall, "not in room")
		return
	}

	if err := h.store.ClearRoom(ctx, m.Room); err != nil {
		log.Error().Err(err).Str("room", m.Room).Msg("failed to clear room")
	}

	m.SenderIdentity = c.Identity
	h.forward(ctx, models.EventCallEnded, m, func(e models.Envelope) {
		for id := range parties {
			if id != c.Identity {
				h.deliver(ctx, id, e)
			}
		}
	})
	log.Info().Str("identity", c.Identity).Str("room", m.Room).Msg("call ended")
}
