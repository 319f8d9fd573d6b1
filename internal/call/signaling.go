package call

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 256
)

// ChannelEventKind classifies what a SignalingChannel reports.
type ChannelEventKind int

const (
	ChannelConnected ChannelEventKind = iota
	ChannelDisconnected
	ChannelError
	ChannelMessage
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelConnected:
		return "connected"
	case ChannelDisconnected:
		return "disconnected"
	case ChannelError:
		return "error"
	default:
		return "message"
	}
}

// ChannelEvent is delivered to subscribers. Message is set for
// ChannelMessage, Err for ChannelError.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Message models.Envelope
	Err     error
}

// SignalingChannel is the authenticated message channel to the relay.
type SignalingChannel interface {
	// Emit queues an event. It returns ErrChannelUnavailable while
	// disconnected; nothing is buffered across reconnects.
	Emit(event models.Event, payload any) error
	// Subscribe registers handler for every later event. Handlers run on the
	// channel's reader goroutine and must not block.
	Subscribe(handler func(ChannelEvent)) (cancel func())
	Connected() bool
	Close() error
}

// WSChannel is a SignalingChannel over a websocket to the relay. It
// reconnects with the same identity until closed.
type WSChannel struct {
	url      string
	identity IdentityProvider
	policy   config.ReconnectPolicy
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu       sync.Mutex
	send     chan []byte
	handlers map[int]func(ChannelEvent)
	nextID   int

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSChannel creates a channel to url. Nothing is dialed until Run.
func NewWSChannel(url string, identity IdentityProvider, policy config.ReconnectPolicy, logger zerolog.Logger) *WSChannel {
	return &WSChannel{
		url:      url,
		identity: identity,
		policy:   policy,
		dialer:   websocket.DefaultDialer,
		log:      logger.With().Str("component", "signaling").Logger(),
		handlers: make(map[int]func(ChannelEvent)),
		closed:   make(chan struct{}),
	}
}

// Run keeps the connection up until ctx is done or Close is called. It
// returns early with ErrUnauthenticated when there is no identity or the
// relay refuses the token.
func (c *WSChannel) Run(ctx context.Context) error {
	backoff := c.policy.MinBackoff
	for {
		id, err := c.identity.Identity()
		if err != nil {
			c.publish(ChannelEvent{Kind: ChannelError, Err: err})
			return err
		}

		connected, err := c.connect(ctx, id)
		if c.done(ctx) {
			return nil
		}
		if errors.Is(err, ErrUnauthenticated) {
			c.publish(ChannelEvent{Kind: ChannelError, Err: err})
			return err
		}
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("signaling connection lost")
			c.publish(ChannelEvent{Kind: ChannelError, Err: err})
		}

		if connected {
			backoff = c.policy.MinBackoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}
}

func (c *WSChannel) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

// connect runs one connection to completion. connected reports whether the
// handshake succeeded.
func (c *WSChannel) connect(ctx context.Context, id Identity) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, errors.Wrap(ErrUnauthenticated, "relay refused token")
		}
		return false, errors.Wrap(err, "dial relay")
	}

	send := make(chan []byte, sendBufferSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()

	c.log.Info().Str("identity", id.ID).Msg("signaling connected")
	c.publish(ChannelEvent{Kind: ChannelConnected})

	stop := make(chan struct{})
	go c.writePump(ctx, conn, send, stop)
	err = c.readPump(conn)
	close(stop)

	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	conn.Close()

	c.publish(ChannelEvent{Kind: ChannelDisconnected})
	return true, err
}

func (c *WSChannel) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.log.Debug().Err(err).Msg("malformed relay message dropped")
			continue
		}
		c.publish(ChannelEvent{Kind: ChannelMessage, Message: env})
	}
}

func (c *WSChannel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("signaling write failed")
				conn.Close()
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			c.closeConn(conn)
			return
		case <-c.closed:
			c.closeConn(conn)
			return
		}
	}
}

func (c *WSChannel) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func (c *WSChannel) Emit(event models.Event, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	message, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrChannelUnavailable
	}
	select {
	case c.send <- message:
		return nil
	default:
		return errors.Wrap(ErrChannelUnavailable, "send buffer full")
	}
}

func (c *WSChannel) Subscribe(handler func(ChannelEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Close stops Run and drops the connection. Safe to call repeatedly.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *WSChannel) publish(ev ChannelEvent) {
	c.mu.Lock()
	handlers := make([]func(ChannelEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
