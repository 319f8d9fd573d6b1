package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecare-signaling/internal/middleware"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/mossy-p/telecare-signaling/internal/redis"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub relays call signaling between authenticated identities. Each identity
// holds at most one connection; a reconnect replaces the previous one.
type Hub struct {
	store *redis.Store

	mu         sync.RWMutex
	byIdentity map[string]*Client
	bySID      map[string]*Client
}

// Client represents a WebSocket client connection
type Client struct {
	SID         string
	Identity    string
	DisplayName string
	Conn        *websocket.Conn
	Send        chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub backed by store.
func NewHub(store *redis.Store) *Hub {
	return &Hub{
		store:      store,
		byIdentity: make(map[string]*Client),
		bySID:      make(map[string]*Client),
	}
}

// Run delivers messages published by other relay instances to local
// connections until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.store.Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			identity := redis.IdentityFromChannel(msg.Channel)
			if client := h.local(identity); client != nil {
				client.enqueue([]byte(msg.Payload))
			}
		}
	}
}

// HandleSignaling upgrades an authenticated request to a signaling connection.
func (h *Hub) HandleSignaling(c *gin.Context) {
	identity := c.GetString(middleware.ContextUserID)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		SID:         uuid.New().String(),
		Identity:    identity,
		DisplayName: c.GetString(middleware.ContextDisplayName),
		Conn:        conn,
		Send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}

	// Detach from the request context; the connection outlives the handler.
	ctx := context.WithoutCancel(c.Request.Context())
	h.register(ctx, client)

	go client.writePump()
	go h.readPump(ctx, client)
}

// Online reports whether identity is connected to this instance.
func (h *Hub) Online(identity string) bool {
	return h.local(identity) != nil
}

func (h *Hub) local(identity string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byIdentity[identity]
}

func (h *Hub) localSID(sid string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bySID[sid]
}

func (h *Hub) register(ctx context.Context, client *Client) {
	if err := h.store.SetOnline(ctx, client.Identity, client.SID); err != nil {
		log.Error().Err(err).Str("identity", client.Identity).Msg("failed to record presence")
	}

	h.mu.Lock()
	previous := h.byIdentity[client.Identity]
	h.byIdentity[client.Identity] = client
	h.bySID[client.SID] = client
	if previous != nil {
		delete(h.bySID, previous.SID)
	}
	h.mu.Unlock()

	if previous != nil {
		log.Info().Str("identity", client.Identity).Str("sid", previous.SID).Msg("replacing previous connection")
		previous.close()
	}

	log.Info().Str("identity", client.Identity).Str("sid", client.SID).Msg("peer connected")
}

func (h *Hub) unregister(ctx context.Context, client *Client) {
	h.mu.Lock()
	if h.byIdentity[client.Identity] == client {
		delete(h.byIdentity, client.Identity)
	}
	delete(h.bySID, client.SID)
	h.mu.Unlock()

	if err := h.store.SetOffline(ctx, client.Identity, client.SID); err != nil {
		log.Error().Err(err).Str("identity", client.Identity).Msg("failed to clear presence")
	}

	log.Info().Str("identity", client.Identity).Str("sid", client.SID).Msg("peer disconnected")
}

// deliver sends env to identity, locally if possible and through redis
// otherwise.
func (h *Hub) deliver(ctx context.Context, identity string, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", string(env.Event)).Msg("failed to marshal message")
		return
	}

	if client := h.local(identity); client != nil {
		client.enqueue(data)
		return
	}

	if err := h.store.Publish(ctx, identity, data); err != nil {
		log.Error().Err(err).Str("identity", identity).Msg("failed to publish message")
	}
}

// deliverSID prefers the exact connection named by sid and falls back to
// identity when that connection is not held here.
func (h *Hub) deliverSID(ctx context.Context, sid, identity string, env models.Envelope) {
	if client := h.localSID(sid); client != nil {
		h.deliver(ctx, client.Identity, env)
		return
	}
	if identity == "" {
		log.Debug().Str("sid", sid).Str("event", string(env.Event)).Msg("target connection not found")
		return
	}
	h.deliver(ctx, identity, env)
}

func (h *Hub) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.unregister(ctx, c)
		c.close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.store.RefreshOnline(ctx, c.Identity); err != nil {
			log.Warn().Err(err).Str("identity", c.Identity).Msg("failed to refresh presence")
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("identity", c.Identity).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Debug().Err(err).Str("identity", c.Identity).Msg("failed to parse message")
			continue
		}

		h.route(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"))
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("identity", c.Identity).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.Send <- data:
	default:
		log.Warn().Str("identity", c.Identity).Msg("send buffer full, dropping message")
	}
}

func (c *Client) sendEnvelope(event models.Event, data any) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal message")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *Client) sendError(event models.Event, reason string) {
	c.sendEnvelope(models.EventError, models.ErrorMessage{Event: event, Error: reason})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
