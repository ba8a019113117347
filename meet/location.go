package meet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/yfffy/simplemeet/protocol"
)

// Position is one fix from the device position source.
type Position struct {
	Lat     float64
	Lon     float64
	Heading *float64
	At      time.Time
}

type SourceErrorCode int

const (
	// terminal: stop watching until the user intervenes externally
	SourcePermissionDenied SourceErrorCode = iota
	// transient: keep the subscription
	SourcePositionUnavailable
	// transient: the source retries on its own cadence
	SourceTimeout
)

type SourceError struct {
	Code    SourceErrorCode
	Message string
}

func (self *SourceError) Error() string {
	return self.Message
}

func (self *SourceError) Terminal() bool {
	return self.Code == SourcePermissionDenied
}

// Source is the device position source. Watch delivers fixes and errors
// until ctx is done. Both channels close when the watch ends.
type Source interface {
	Watch(ctx context.Context) (<-chan *Position, <-chan *SourceError)
}

type PipelineSettings struct {
	// minimum time between forwarded updates. faster samples are dropped,
	// not buffered: the pipeline may miss samples but never forwards more
	// frequently than this.
	UpdateInterval time.Duration
	// platform-reported connectivity signal
	Online func() bool
}

func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		UpdateInterval: 2 * time.Second,
		Online: func() bool {
			return true
		},
	}
}

// LocationPipeline bridges the position source to the channel under a
// minimum-interval rate limit and under connectivity uncertainty.
//
// Online, a forwarded fix goes out as a location_update and updates the
// self presence optimistically, without waiting on a server echo. Offline,
// the fix overwrites the single pending slot. The pending slot is not
// resent on reconnect.
type LocationPipeline struct {
	ctx context.Context

	settings *PipelineSettings

	source   Source
	channel  *Channel
	presence *PresenceStore
	pending  *PendingStore

	errorCallbacks *CallbackList[func(*SourceError)]

	stateLock       sync.Mutex
	epoch           Id
	watchCancel     context.CancelFunc
	lastForwardedAt time.Time
	shareCode       ShareCode
	selfColor       string
}

func NewLocationPipeline(
	ctx context.Context,
	source Source,
	channel *Channel,
	presence *PresenceStore,
	pending *PendingStore,
	settings *PipelineSettings,
) *LocationPipeline {
	return &LocationPipeline{
		ctx:            ctx,
		settings:       settings,
		source:         source,
		channel:        channel,
		presence:       presence,
		pending:        pending,
		errorCallbacks: NewCallbackList[func(*SourceError)](),
	}
}

func (self *LocationPipeline) AddErrorCallback(errorCallback func(*SourceError)) func() {
	return self.errorCallbacks.Add(errorCallback)
}

// Start subscribes to the source for the given share. A prior watch is
// cancelled first. Each start gets a new epoch; callbacks that land after
// the epoch has moved on are discarded.
func (self *LocationPipeline) Start(shareCode ShareCode, selfColor string) {
	watchCtx, watchCancel := context.WithCancel(self.ctx)

	self.stateLock.Lock()
	if self.watchCancel != nil {
		self.watchCancel()
	}
	epoch := NewId()
	self.epoch = epoch
	self.watchCancel = watchCancel
	self.lastForwardedAt = time.Time{}
	self.shareCode = shareCode
	self.selfColor = selfColor
	self.stateLock.Unlock()

	glog.V(2).Infof("[loc]start %s epoch=%s\n", shareCode, epoch)
	go self.watch(watchCtx, epoch)
}

// Stop unsubscribes from the source. In-flight callbacks keep their old
// epoch and are discarded when they land.
func (self *LocationPipeline) Stop() {
	self.stateLock.Lock()
	watchCancel := self.watchCancel
	self.watchCancel = nil
	self.epoch = Id{}
	self.stateLock.Unlock()
	if watchCancel != nil {
		watchCancel()
	}
}

func (self *LocationPipeline) watch(watchCtx context.Context, epoch Id) {
	positions, sourceErrors := self.source.Watch(watchCtx)
	for {
		select {
		case <-watchCtx.Done():
			return
		case position, ok := <-positions:
			if !ok {
				return
			}
			self.handlePosition(epoch, position)
		case sourceError, ok := <-sourceErrors:
			if !ok {
				return
			}
			if !self.currentEpoch(epoch) {
				continue
			}
			for _, errorCallback := range self.errorCallbacks.Get() {
				errorCallback(sourceError)
			}
			if sourceError.Terminal() {
				glog.Infof("[loc]terminal source error = %s\n", sourceError)
				self.Stop()
				return
			}
			glog.Infof("[loc]source error = %s\n", sourceError)
		}
	}
}

func (self *LocationPipeline) currentEpoch(epoch Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.epoch == epoch
}

func (self *LocationPipeline) handlePosition(epoch Id, position *Position) {
	at := position.At
	if at.IsZero() {
		at = time.Now()
	}

	self.stateLock.Lock()
	if self.epoch != epoch {
		// stale callback from a previous session
		self.stateLock.Unlock()
		return
	}
	if !self.lastForwardedAt.IsZero() && at.Sub(self.lastForwardedAt) < self.settings.UpdateInterval {
		self.stateLock.Unlock()
		return
	}
	self.lastForwardedAt = at
	shareCode := self.shareCode
	selfColor := self.selfColor
	self.stateLock.Unlock()

	lat := position.Lat
	lon := position.Lon

	// update the self presence immediately. local rendering must not wait
	// on a round trip.
	if selfId := self.presence.SelfId(); selfId != "" {
		self.presence.UpdateLocation(selfId, &lat, &lon, position.Heading, selfColor)
	}

	if self.settings.Online() && self.channel.IsConnected() {
		self.channel.Send(protocol.EventLocationUpdate, &protocol.LocationUpdate{
			Lat:     &lat,
			Lon:     &lon,
			Heading: position.Heading,
		})
	} else if !self.settings.Online() {
		pending := &PendingLocation{
			Lat:        lat,
			Lon:        lon,
			Heading:    position.Heading,
			CapturedAt: at,
			ShareCode:  shareCode,
		}
		if err := self.pending.Store(pending); err != nil {
			glog.Infof("[loc]pending store error = %s\n", err)
		} else {
			glog.V(2).Infof("[loc]pending %0.5f,%0.5f\n", lat, lon)
		}
	}
}

// ReplaySource plays a scripted sequence of positions on a fixed cadence,
// repeating the last one. It stands in where the process has no sensor,
// and real sensors implement Source the same way.
type ReplaySource struct {
	positions []*Position
	interval  time.Duration
}

func NewReplaySource(positions []*Position, interval time.Duration) (*ReplaySource, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("replay source needs at least one position")
	}
	return &ReplaySource{
		positions: positions,
		interval:  interval,
	}, nil
}

func (self *ReplaySource) Watch(ctx context.Context) (<-chan *Position, <-chan *SourceError) {
	positions := make(chan *Position)
	sourceErrors := make(chan *SourceError)
	go func() {
		defer close(positions)
		defer close(sourceErrors)

		i := 0
		for {
			position := self.positions[i]
			if i+1 < len(self.positions) {
				i += 1
			}
			select {
			case <-ctx.Done():
				return
			case positions <- &Position{
				Lat:     position.Lat,
				Lon:     position.Lon,
				Heading: position.Heading,
				At:      time.Now(),
			}:
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.interval):
			}
		}
	}()
	return positions, sourceErrors
}
