package meet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/yfffy/simplemeet/protocol"
)

// CloseIntent travels with the close request so that the disconnect
// notification does not read intent out of shared state.
type CloseIntent int

const (
	// the connection dropped without a user action
	CloseForced CloseIntent = iota
	// the user asked to leave
	CloseUserInitiated
)

func (self CloseIntent) String() string {
	switch self {
	case CloseUserInitiated:
		return "user"
	default:
		return "forced"
	}
}

type ChannelEvent interface {
	isChannelEvent()
}

type ChannelConnected struct {
	Endpoint string
}

type ChannelDisconnected struct {
	Intent CloseIntent
	Reason string
}

// an asynchronous failure: dial error, send while not connected, write error
type ChannelError struct {
	Err error
}

// one decoded inbound frame
type ChannelMessage struct {
	Frame *protocol.Frame
}

func (self *ChannelConnected) isChannelEvent()    {}
func (self *ChannelDisconnected) isChannelEvent() {}
func (self *ChannelError) isChannelEvent()        {}
func (self *ChannelMessage) isChannelEvent()      {}

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	EventBufferSize    int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     8,
		EventBufferSize:    32,
	}
}

// Channel is one logical realtime connection to the share server.
// At most one websocket is open at a time; opening while open closes the
// prior connection first. The channel performs no automatic reconnection.
// Reconnection policy belongs to the session.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ChannelSettings

	events chan ChannelEvent

	stateLock sync.Mutex
	conn      *channelConn
}

type channelConn struct {
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	closeLock sync.Mutex
	closed    bool
	intent    CloseIntent
}

// records intent for the subsequent disconnect notification.
// the first close wins.
func (self *channelConn) close(intent CloseIntent) {
	self.closeLock.Lock()
	if !self.closed {
		self.closed = true
		self.intent = intent
	}
	self.closeLock.Unlock()
	self.cancel()
	self.ws.Close()
}

func (self *channelConn) closeIntent() CloseIntent {
	self.closeLock.Lock()
	defer self.closeLock.Unlock()
	if self.closed {
		return self.intent
	}
	return CloseForced
}

func NewChannelWithDefaults(ctx context.Context) *Channel {
	return NewChannel(ctx, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		events:   make(chan ChannelEvent, settings.EventBufferSize),
	}
}

func (self *Channel) Events() <-chan ChannelEvent {
	return self.events
}

func (self *Channel) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conn != nil
}

// Open dials the endpoint. A connection already open is closed first with
// user intent, since the caller asked for the replacement.
func (self *Channel) Open(endpoint string) error {
	self.stateLock.Lock()
	prior := self.conn
	self.conn = nil
	self.stateLock.Unlock()
	if prior != nil {
		prior.close(CloseUserInitiated)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, endpoint, nil)
	if err != nil {
		glog.Infof("[ch]dial %s error = %s\n", endpoint, err)
		self.emit(&ChannelError{Err: err})
		return err
	}

	connCtx, connCancel := context.WithCancel(self.ctx)
	conn := &channelConn{
		ws:     ws,
		send:   make(chan []byte, self.settings.SendBufferSize),
		cancel: connCancel,
	}

	self.stateLock.Lock()
	self.conn = conn
	self.stateLock.Unlock()

	go self.writeLoop(connCtx, conn)
	go self.readLoop(connCtx, conn)

	self.emit(&ChannelConnected{Endpoint: endpoint})
	return nil
}

// Send encodes and queues one outbound frame. A send while not connected
// fails silently here; the failure is reported as a `ChannelError` event.
func (self *Channel) Send(event string, data any) {
	frameBytes, err := protocol.EncodeFrame(event, data)
	if err != nil {
		self.emit(&ChannelError{Err: err})
		return
	}

	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		glog.V(2).Infof("[ch]drop %s, not connected\n", event)
		self.emit(&ChannelError{Err: ErrNotConnected})
		return
	}

	select {
	case conn.send <- frameBytes:
		glog.V(2).Infof("[ch]%s->\n", event)
	case <-self.ctx.Done():
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[ch]drop %s, send backpressure\n", event)
		self.emit(&ChannelError{Err: fmt.Errorf("send timeout for %s", event)})
	}
}

// Close tears down the current connection, if any, recording intent for
// the disconnect notification. Safe to call with no open connection.
func (self *Channel) Close(intent CloseIntent) {
	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	self.stateLock.Unlock()
	if conn != nil {
		conn.close(intent)
	}
}

// Cancel closes the connection and stops event delivery permanently.
func (self *Channel) Cancel() {
	self.Close(CloseUserInitiated)
	self.cancel()
}

func (self *Channel) writeLoop(connCtx context.Context, conn *channelConn) {
	defer conn.cancel()

	for {
		select {
		case <-connCtx.Done():
			return
		case frameBytes, ok := <-conn.send:
			if !ok {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				glog.Infof("[ch]write error = %s\n", err)
				self.emit(&ChannelError{Err: err})
				return
			}
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *Channel) readLoop(connCtx context.Context, conn *channelConn) {
	defer func() {
		conn.cancel()
		conn.ws.Close()

		// drop the conn if it is still current
		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()

		intent := conn.closeIntent()
		glog.V(2).Infof("[ch]disconnected intent=%s\n", intent)
		self.emit(&ChannelDisconnected{
			Intent: intent,
			Reason: "connection closed",
		})
	}()

	conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[ch]read error = %s\n", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			frame, err := protocol.DecodeFrame(message)
			if err != nil {
				glog.Infof("[ch]bad frame = %s\n", err)
				continue
			}
			glog.V(2).Infof("[ch]%s<-\n", frame.Event)
			self.emit(&ChannelMessage{Frame: frame})
		}
	}
}

func (self *Channel) emit(event ChannelEvent) {
	if _, disconnect := event.(*ChannelDisconnected); disconnect {
		// a dropped disconnect would leave the consumer in a live-looking
		// state forever. block until delivered or the channel is cancelled.
		select {
		case self.events <- event:
		case <-self.ctx.Done():
		}
		return
	}
	select {
	case self.events <- event:
	case <-self.ctx.Done():
	default:
		// the consumer stopped draining. drop rather than block the loops.
		glog.Infof("[ch]drop event %T, backpressure\n", event)
	}
}
