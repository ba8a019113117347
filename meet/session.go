package meet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/yfffy/simplemeet/protocol"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitingShare
	PhaseActive
	PhaseDisconnected
)

func (self Phase) String() string {
	switch self {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingShare:
		return "awaiting_share"
	case PhaseActive:
		return "active"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleNone Role = iota
	RoleCreator
	RoleMember
)

func (self Role) String() string {
	switch self {
	case RoleCreator:
		return "creator"
	case RoleMember:
		return "member"
	default:
		return "none"
	}
}

// SessionState is a snapshot of the session.
type SessionState struct {
	Phase        Phase
	Role         Role
	ShareCode    ShareCode
	SelfId       string
	SelfColor    string
	SelfUsername string
}

type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

// Notice is a user-visible message. No error is swallowed without at
// least one of these or a log line.
type Notice struct {
	Level   NoticeLevel
	Message string
}

type NoticeFunc func(notice *Notice)

// the server refused the create or join request. local and recoverable.
type JoinRejectedError struct {
	Message string
}

func (self *JoinRejectedError) Error() string {
	return self.Message
}

type SessionSettings struct {
	// bounded grace period to establish the connection before a create or
	// join fails with ErrNotConnected
	ConnectTimeout time.Duration
	// how long to wait for the server's share result
	ShareResultTimeout time.Duration

	ChannelSettings  *ChannelSettings
	PipelineSettings *PipelineSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ConnectTimeout:     5 * time.Second,
		ShareResultTimeout: 10 * time.Second,
		ChannelSettings:    DefaultChannelSettings(),
		PipelineSettings:   DefaultPipelineSettings(),
	}
}

type shareOutcome struct {
	state *SessionState
	err   error
}

// Session is the state machine that owns the channel, the presence store
// and the location pipeline. All presence and state mutations are
// serialized through its event loop.
//
// The session performs no automatic reconnection: after an unexpected
// disconnect it parks in PhaseDisconnected and the caller decides whether
// to create or join again.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	settings *SessionSettings

	channel  *Channel
	presence *PresenceStore
	pipeline *LocationPipeline
	pending  *PendingStore

	stateMonitor    *Monitor
	noticeCallbacks *CallbackList[NoticeFunc]

	stateLock sync.Mutex
	state     SessionState
	awaiting  chan *shareOutcome
}

func NewSessionWithDefaults(ctx context.Context, endpoint string, source Source, pending *PendingStore) *Session {
	return NewSession(ctx, endpoint, source, pending, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	endpoint string,
	source Source,
	pending *PendingStore,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	channel := NewChannel(cancelCtx, settings.ChannelSettings)
	presence := NewPresenceStore()
	pipeline := NewLocationPipeline(cancelCtx, source, channel, presence, pending, settings.PipelineSettings)

	session := &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		endpoint:        endpoint,
		settings:        settings,
		channel:         channel,
		presence:        presence,
		pipeline:        pipeline,
		pending:         pending,
		stateMonitor:    NewMonitor(),
		noticeCallbacks: NewCallbackList[NoticeFunc](),
	}
	go session.run()
	return session
}

func (self *Session) Presence() *PresenceStore {
	return self.presence
}

func (self *Session) Pipeline() *LocationPipeline {
	return self.pipeline
}

func (self *Session) StateMonitor() *Monitor {
	return self.stateMonitor
}

func (self *Session) AddNoticeCallback(noticeCallback NoticeFunc) func() {
	return self.noticeCallbacks.Add(noticeCallback)
}

func (self *Session) State() *SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stateCopy := self.state
	return &stateCopy
}

// Create requests a new share. On success the session is
// PhaseActive with RoleCreator and the pipeline is running.
func (self *Session) Create(ctx context.Context) (*SessionState, error) {
	return self.request(ctx, protocol.EventCreateShare, nil)
}

// Join validates the code shape locally, then requests to join. The server
// may still reject, which surfaces as a JoinRejectedError and leaves the
// session idle so the caller can retry.
func (self *Session) Join(ctx context.Context, codeStr string) (*SessionState, error) {
	code, err := ParseShareCode(codeStr)
	if err != nil {
		return nil, err
	}
	return self.request(ctx, protocol.EventJoinShare, &protocol.JoinShare{
		ShareCode: code.String(),
	})
}

func (self *Session) request(ctx context.Context, event string, data any) (*SessionState, error) {
	self.stateLock.Lock()
	switch self.state.Phase {
	case PhaseIdle, PhaseDisconnected:
	default:
		phase := self.state.Phase
		self.stateLock.Unlock()
		return nil, fmt.Errorf("session is %s", phase)
	}
	self.state = SessionState{Phase: PhaseConnecting}
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()

	if err := self.ensureConnected(ctx); err != nil {
		self.setIdle()
		return nil, err
	}

	outcome := make(chan *shareOutcome, 1)
	self.stateLock.Lock()
	self.state.Phase = PhaseAwaitingShare
	self.awaiting = outcome
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()

	self.channel.Send(event, data)

	select {
	case <-ctx.Done():
		self.clearAwaiting(outcome)
		self.setIdle()
		return nil, ctx.Err()
	case <-time.After(self.settings.ShareResultTimeout):
		self.clearAwaiting(outcome)
		self.setIdle()
		return nil, fmt.Errorf("timed out waiting for share result")
	case result := <-outcome:
		if result.err != nil {
			return nil, result.err
		}
		return result.state, nil
	}
}

// connect if needed, then re-check within a bounded grace period
func (self *Session) ensureConnected(ctx context.Context) error {
	if self.channel.IsConnected() {
		return nil
	}
	if err := self.channel.Open(self.endpoint); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	deadline := time.Now().Add(self.settings.ConnectTimeout)
	for !self.channel.IsConnected() {
		if time.Now().After(deadline) {
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// Leave is idempotent and safe with no active session. Presence and state
// reset before the channel closes, so stale events cannot repopulate the
// UI after the logical leave.
func (self *Session) Leave() {
	self.stateLock.Lock()
	previousCode := self.state.ShareCode
	self.state = SessionState{Phase: PhaseIdle}
	awaiting := self.awaiting
	self.awaiting = nil
	self.stateLock.Unlock()

	if awaiting != nil {
		awaiting <- &shareOutcome{err: errors.New("left before the share result arrived")}
	}

	self.pipeline.Stop()
	self.presence.Clear()
	self.presence.ClearSelf()
	self.stateMonitor.NotifyAll()

	self.channel.Close(CloseUserInitiated)

	if previousCode != "" {
		self.notify(NoticeInfo, fmt.Sprintf("Left share %s.", previousCode))
	}
}

// Cancel tears the session down permanently.
func (self *Session) Cancel() {
	self.Leave()
	self.channel.Cancel()
	self.cancel()
}

func (self *Session) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.channel.Events():
			if !ok {
				return
			}
			self.dispatch(event)
		}
	}
}

// one reducer for all inbound events
func (self *Session) dispatch(event ChannelEvent) {
	switch v := event.(type) {
	case *ChannelConnected:
		glog.V(2).Infof("[s]connected %s\n", v.Endpoint)
	case *ChannelDisconnected:
		self.handleDisconnected(v)
	case *ChannelError:
		self.handleChannelError(v)
	case *ChannelMessage:
		self.handleMessage(v.Frame)
	}
}

func (self *Session) handleDisconnected(event *ChannelDisconnected) {
	if event.Intent == CloseUserInitiated {
		// leave already reset everything
		glog.V(2).Infof("[s]intentional disconnect\n")
		return
	}

	glog.Infof("[s]unexpected disconnect: %s\n", event.Reason)

	self.stateLock.Lock()
	self.state = SessionState{Phase: PhaseDisconnected}
	awaiting := self.awaiting
	self.awaiting = nil
	self.stateLock.Unlock()

	if awaiting != nil {
		awaiting <- &shareOutcome{err: ErrNotConnected}
	}

	self.pipeline.Stop()
	self.presence.Clear()
	self.presence.ClearSelf()
	self.stateMonitor.NotifyAll()
	self.notify(NoticeError, "Lost connection to the server.")
}

func (self *Session) handleChannelError(event *ChannelError) {
	if errors.Is(event.Err, ErrNotConnected) {
		self.stateLock.Lock()
		awaiting := self.awaiting
		self.awaiting = nil
		if awaiting != nil {
			self.state = SessionState{Phase: PhaseIdle}
		}
		self.stateLock.Unlock()
		if awaiting != nil {
			awaiting <- &shareOutcome{err: ErrNotConnected}
			self.stateMonitor.NotifyAll()
			return
		}
	}
	glog.Infof("[s]channel error = %s\n", event.Err)
	self.notify(NoticeWarning, fmt.Sprintf("Connection problem: %s", event.Err))
}

func (self *Session) active() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state.Phase == PhaseActive
}

func (self *Session) handleMessage(frame *protocol.Frame) {
	switch frame.Event {
	case protocol.EventUserListUpdate,
		protocol.EventUserJoined,
		protocol.EventExistingUsers,
		protocol.EventUserLeft,
		protocol.EventLocationBroadcast:
		// presence events buffered before a leave must not repopulate the store
		if !self.active() {
			glog.V(2).Infof("[s]drop %s while not active\n", frame.Event)
			return
		}
	}

	switch frame.Event {
	case protocol.EventShareCreated:
		self.handleShareResult(frame, RoleCreator)
	case protocol.EventJoinedShare:
		self.handleShareResult(frame, RoleMember)
	case protocol.EventJoinError, protocol.EventCreateError:
		self.handleShareError(frame)
	case protocol.EventUserListUpdate:
		update := &protocol.UserListUpdate{}
		if err := frame.DecodeData(update); err != nil {
			glog.Infof("[s]bad %s = %s\n", frame.Event, err)
			return
		}
		self.presence.ApplySnapshot(update.Users)
	case protocol.EventUserJoined:
		joined := &protocol.UserJoined{}
		if err := frame.DecodeData(joined); err != nil || joined.Data == nil {
			glog.Infof("[s]bad %s = %s\n", frame.Event, err)
			return
		}
		self.presence.Upsert(joined.Sid, joined.Data.Username, joined.Data.Color, joined.Data.Lat, joined.Data.Lon, joined.Data.Heading)
	case protocol.EventExistingUsers:
		existing := &protocol.ExistingUsers{}
		if err := frame.DecodeData(existing); err != nil {
			glog.Infof("[s]bad %s = %s\n", frame.Event, err)
			return
		}
		for sid, data := range existing.Users {
			self.presence.Upsert(sid, data.Username, data.Color, data.Lat, data.Lon, data.Heading)
		}
	case protocol.EventUserLeft:
		left := &protocol.UserLeft{}
		if err := frame.DecodeData(left); err != nil {
			glog.Infof("[s]bad %s = %s\n", frame.Event, err)
			return
		}
		self.presence.Remove(left.Sid)
	case protocol.EventLocationBroadcast:
		broadcast := &protocol.LocationBroadcast{}
		if err := frame.DecodeData(broadcast); err != nil {
			glog.Infof("[s]bad %s = %s\n", frame.Event, err)
			return
		}
		self.presence.UpdateLocation(broadcast.Sid, broadcast.Lat, broadcast.Lon, broadcast.Heading, broadcast.Color)
	default:
		glog.V(2).Infof("[s]ignore %s\n", frame.Event)
	}
}

func (self *Session) handleShareResult(frame *protocol.Frame, role Role) {
	result := &protocol.ShareResult{}
	if err := frame.DecodeData(result); err != nil {
		glog.Infof("[s]bad %s = %s\n", frame.Event, err)
		return
	}

	state := SessionState{
		Phase:        PhaseActive,
		Role:         role,
		ShareCode:    ShareCode(result.ShareCode),
		SelfId:       result.Sid,
		SelfColor:    result.Color,
		SelfUsername: result.Username,
	}
	if state.SelfColor == "" {
		state.SelfColor = DefaultSelfColor
	}

	self.stateLock.Lock()
	// a result with no request attached is stale: the caller left, timed
	// out or cancelled, and the session must not reactivate behind them
	if self.awaiting == nil || self.state.Phase != PhaseAwaitingShare {
		phase := self.state.Phase
		self.stateLock.Unlock()
		glog.Infof("[s]drop %s, no request awaiting (%s)\n", frame.Event, phase)
		return
	}
	self.state = state
	awaiting := self.awaiting
	self.awaiting = nil
	self.stateLock.Unlock()

	self.presence.SetSelf(result.Sid)
	self.presence.Upsert(result.Sid, result.Username, state.SelfColor, nil, nil, nil)
	self.pipeline.Start(state.ShareCode, state.SelfColor)
	self.stateMonitor.NotifyAll()

	glog.Infof("[s]%s %s as %s\n", role, state.ShareCode, result.Username)
	if awaiting != nil {
		stateCopy := state
		awaiting <- &shareOutcome{state: &stateCopy}
	}
}

func (self *Session) handleShareError(frame *protocol.Frame) {
	message := &protocol.ErrorMessage{}
	if err := frame.DecodeData(message); err != nil {
		message.Message = frame.Event
	}

	self.stateLock.Lock()
	self.state = SessionState{Phase: PhaseIdle}
	awaiting := self.awaiting
	self.awaiting = nil
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()

	glog.Infof("[s]%s = %s\n", frame.Event, message.Message)
	self.notify(NoticeWarning, message.Message)
	if awaiting != nil {
		awaiting <- &shareOutcome{err: &JoinRejectedError{Message: message.Message}}
	}
}

func (self *Session) setIdle() {
	self.stateLock.Lock()
	self.state = SessionState{Phase: PhaseIdle}
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()
}

func (self *Session) clearAwaiting(outcome chan *shareOutcome) {
	self.stateLock.Lock()
	if self.awaiting == outcome {
		self.awaiting = nil
	}
	self.stateLock.Unlock()
}

func (self *Session) notify(level NoticeLevel, message string) {
	notice := &Notice{
		Level:   level,
		Message: message,
	}
	for _, noticeCallback := range self.noticeCallbacks.Get() {
		noticeCallback(notice)
	}
}
