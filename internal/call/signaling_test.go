package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "good-token"

// newTestServer accepts websocket connections carrying testToken and hands
// them to the test.
func newTestServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()

	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func runChannel(t *testing.T, url string, identity IdentityProvider) (*WSChannel, <-chan ChannelEvent, <-chan error) {
	t.Helper()

	ch := NewWSChannel(url, identity, config.ReconnectPolicy{
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, zerolog.Nop())

	events := make(chan ChannelEvent, 32)
	ch.Subscribe(func(ev ChannelEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- ch.Run(ctx) }()
	t.Cleanup(cancel)

	return ch, events, result
}

func nextEvent(t *testing.T, events <-chan ChannelEvent, kind ChannelEventKind) ChannelEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func acceptConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func TestWSChannelExchange(t *testing.T) {
	url, conns := newTestServer(t)
	ch, events, _ := runChannel(t, url, StaticIdentity{ID: "dr-smith", Token: testToken})

	nextEvent(t, events, ChannelConnected)
	server := acceptConn(t, conns)
	assert.True(t, ch.Connected())

	require.NoError(t, ch.Emit(models.EventJoinRoom, models.JoinRoom{Room: "r1"}))
	server.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := server.ReadMessage()
	require.NoError(t, err)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, models.EventJoinRoom, env.Event)
	assert.JSONEq(t, `{"room":"r1"}`, string(env.Data))

	require.NoError(t, server.WriteJSON(models.Envelope{
		Event: models.EventCallEnded,
		Data:  json.RawMessage(`{"room":"r1","sender_identity":"patient-42"}`),
	}))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, server.WriteJSON(models.Envelope{Event: models.EventError}))

	got := nextEvent(t, events, ChannelMessage)
	assert.Equal(t, models.EventCallEnded, got.Message.Event)
	got = nextEvent(t, events, ChannelMessage)
	assert.Equal(t, models.EventError, got.Message.Event)
}

func TestWSChannelReconnects(t *testing.T) {
	url, conns := newTestServer(t)
	ch, events, _ := runChannel(t, url, StaticIdentity{ID: "dr-smith", Token: testToken})

	nextEvent(t, events, ChannelConnected)
	first := acceptConn(t, conns)
	first.Close()

	nextEvent(t, events, ChannelDisconnected)
	nextEvent(t, events, ChannelConnected)
	acceptConn(t, conns)
	assert.True(t, ch.Connected())
}

func TestWSChannelEmitWhileDisconnected(t *testing.T) {
	ch := NewWSChannel("ws://127.0.0.1:1/ws", StaticIdentity{ID: "x", Token: testToken}, config.ReconnectPolicy{
		MinBackoff: time.Millisecond,
		MaxBackoff: time.Millisecond,
	}, zerolog.Nop())

	assert.False(t, ch.Connected())
	assert.True(t, errors.Is(ch.Emit(models.EventEndCall, models.CallEnded{Room: "r"}), ErrChannelUnavailable))
}

func TestWSChannelUnauthenticated(t *testing.T) {
	url, _ := newTestServer(t)

	_, _, result := runChannel(t, url, StaticIdentity{ID: "dr-smith", Token: "stolen"})
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept retrying with a refused token")
	}

	_, _, result = runChannel(t, url, StaticIdentity{})
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	case <-time.After(3 * time.Second):
		t.Fatal("Run started without an identity")
	}
}

func TestWSChannelCloseStopsRun(t *testing.T) {
	url, conns := newTestServer(t)
	ch, events, result := runChannel(t, url, StaticIdentity{ID: "dr-smith", Token: testToken})

	nextEvent(t, events, ChannelConnected)
	acceptConn(t, conns)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, ch.Connected())
}
