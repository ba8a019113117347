package meet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/yfffy/simplemeet/protocol"
)

func startWsServer(t *testing.T, handle func(ws *websocket.Conn)) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(ws)
	}))
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return server, wsUrl
}

func nextEvent(t *testing.T, channel *Channel, timeout time.Duration) ChannelEvent {
	select {
	case event := <-channel.Events():
		return event
	case <-time.After(timeout):
		t.Fatal("timed out waiting for channel event")
		return nil
	}
}

func nextEventOfType[E ChannelEvent](t *testing.T, channel *Channel, timeout time.Duration) E {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
		event := nextEvent(t, channel, remaining)
		if typed, ok := event.(E); ok {
			return typed
		}
	}
}

func TestChannelOpenSendReceive(t *testing.T) {
	received := make(chan *protocol.Frame, 1)
	server, wsUrl := startWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			return
		}
		received <- frame

		reply, _ := protocol.EncodeFrame(protocol.EventShareCreated, &protocol.ShareResult{
			ShareCode: "ABC-123",
			Sid:       "sid1",
			Color:     "#E6194B",
			Username:  "User-sid1",
		})
		ws.WriteMessage(websocket.TextMessage, reply)

		// hold the connection open until the client closes
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewChannelWithDefaults(ctx)
	err := channel.Open(wsUrl)
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.IsConnected(), true)

	nextEventOfType[*ChannelConnected](t, channel, time.Second)

	channel.Send(protocol.EventCreateShare, nil)

	select {
	case frame := <-received:
		assert.Equal(t, frame.Event, protocol.EventCreateShare)
	case <-time.After(time.Second):
		t.Fatal("server did not receive the frame")
	}

	message := nextEventOfType[*ChannelMessage](t, channel, time.Second)
	assert.Equal(t, message.Frame.Event, protocol.EventShareCreated)
	result := &protocol.ShareResult{}
	assert.Equal(t, message.Frame.DecodeData(result), nil)
	assert.Equal(t, result.ShareCode, "ABC-123")

	channel.Close(CloseUserInitiated)
	disconnected := nextEventOfType[*ChannelDisconnected](t, channel, time.Second)
	assert.Equal(t, disconnected.Intent, CloseUserInitiated)
	assert.Equal(t, channel.IsConnected(), false)
}

func TestChannelSendNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewChannelWithDefaults(ctx)
	channel.Send(protocol.EventCreateShare, nil)

	channelError := nextEventOfType[*ChannelError](t, channel, time.Second)
	assert.Equal(t, errors.Is(channelError.Err, ErrNotConnected), true)
}

func TestChannelServerCloseIsForced(t *testing.T) {
	server, wsUrl := startWsServer(t, func(ws *websocket.Conn) {
		// drop the connection without warning
		ws.Close()
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewChannelWithDefaults(ctx)
	assert.Equal(t, channel.Open(wsUrl), nil)
	nextEventOfType[*ChannelConnected](t, channel, time.Second)

	disconnected := nextEventOfType[*ChannelDisconnected](t, channel, 2*time.Second)
	assert.Equal(t, disconnected.Intent, CloseForced)
	assert.Equal(t, channel.IsConnected(), false)
}

func TestChannelOpenWhileOpenClosesPrior(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	server, wsUrl := startWsServer(t, func(ws *websocket.Conn) {
		conns <- ws
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewChannelWithDefaults(ctx)
	assert.Equal(t, channel.Open(wsUrl), nil)
	nextEventOfType[*ChannelConnected](t, channel, time.Second)

	assert.Equal(t, channel.Open(wsUrl), nil)

	// the prior connection closes with user intent, the new one stays up
	disconnected := nextEventOfType[*ChannelDisconnected](t, channel, 2*time.Second)
	assert.Equal(t, disconnected.Intent, CloseUserInitiated)
	assert.Equal(t, channel.IsConnected(), true)
	for i := 0; i < 2; i += 1 {
		select {
		case <-conns:
		case <-time.After(time.Second):
			t.Fatal("expected two server connections")
		}
	}
}

func TestChannelDisconnectSurvivesBackpressure(t *testing.T) {
	server, wsUrl := startWsServer(t, func(ws *websocket.Conn) {
		for i := 0; i < 8; i += 1 {
			frameBytes, _ := protocol.EncodeFrame(protocol.EventUserLeft, &protocol.UserLeft{Sid: "x"})
			if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				return
			}
		}
		ws.Close()
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultChannelSettings()
	settings.EventBufferSize = 2

	channel := NewChannel(ctx, settings)
	assert.Equal(t, channel.Open(wsUrl), nil)

	// nobody drains while the server floods past the buffer and hangs up.
	// messages may be dropped, but the disconnect must still come through.
	time.Sleep(200 * time.Millisecond)

	disconnected := nextEventOfType[*ChannelDisconnected](t, channel, 2*time.Second)
	assert.Equal(t, disconnected.Intent, CloseForced)
	assert.Equal(t, channel.IsConnected(), false)
}

func TestChannelDialError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewChannelWithDefaults(ctx)
	err := channel.Open("ws://127.0.0.1:1/ws")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, channel.IsConnected(), false)

	nextEventOfType[*ChannelError](t, channel, time.Second)
}
