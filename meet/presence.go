package meet

import (
	"sort"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/yfffy/simplemeet/protocol"
)

// PeerPresence is the last-known state of one participant.
// Lat/Lon nil means no fix yet, which is distinct from a fix at (0, 0).
type PeerPresence struct {
	PeerId   string
	Username string
	Color    string
	Lat      *float64
	Lon      *float64
	Heading  *float64
	IsSelf   bool
}

func (self *PeerPresence) HasFix() bool {
	return self.Lat != nil && self.Lon != nil
}

func (self *PeerPresence) DisplayName() string {
	if self.Username != "" {
		return self.Username
	}
	return DefaultUsername(self.PeerId)
}

// DisplayColor falls back to a fixed marker color until the assigned
// color arrives.
func (self *PeerPresence) DisplayColor() string {
	if self.Color != "" {
		return self.Color
	}
	return FallbackPeerColor
}

func (self *PeerPresence) copy() *PeerPresence {
	peerCopy := *self
	return &peerCopy
}

type PresenceFunc func(peers []*PeerPresence)

// PresenceStore maps peer id to last-known presence.
// It is the sole source of truth rendered to the map and the peer list.
// Mutations come only from the session, which serializes them; the lock
// exists for observers reading snapshots from other goroutines.
type PresenceStore struct {
	stateLock sync.Mutex
	selfId    string
	peers     map[string]*PeerPresence

	changeCallbacks *CallbackList[PresenceFunc]
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		peers:           map[string]*PeerPresence{},
		changeCallbacks: NewCallbackList[PresenceFunc](),
	}
}

// AddChangeCallback returns a function to remove the callback.
// The callback receives a snapshot after every mutation.
func (self *PresenceStore) AddChangeCallback(changeCallback PresenceFunc) func() {
	return self.changeCallbacks.Add(changeCallback)
}

// SetSelf marks the device's connection identity. A rejoin yields a new id.
func (self *PresenceStore) SetSelf(sid string) {
	self.stateLock.Lock()
	self.selfId = sid
	for peerId, peer := range self.peers {
		peer.IsSelf = peerId == sid
	}
	self.stateLock.Unlock()
	self.notify()
}

func (self *PresenceStore) ClearSelf() {
	self.SetSelf("")
}

func (self *PresenceStore) SelfId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selfId
}

// ApplySnapshot is an authoritative full replace: every current peer not in
// the list is removed, every listed peer is upserted. The last full snapshot
// wins over lighter single-peer events that race it.
func (self *PresenceStore) ApplySnapshot(users []*protocol.User) {
	self.stateLock.Lock()
	nextPeers := make(map[string]*PeerPresence, len(users))
	for _, user := range users {
		if user.Sid == "" {
			continue
		}
		nextPeers[user.Sid] = &PeerPresence{
			PeerId:   user.Sid,
			Username: user.Username,
			Color:    user.Color,
			Lat:      user.Lat,
			Lon:      user.Lon,
			Heading:  user.Heading,
			IsSelf:   user.Sid == self.selfId,
		}
	}
	glog.V(2).Infof("[p]snapshot %d -> %d peers\n", len(self.peers), len(nextPeers))
	self.peers = nextPeers
	self.stateLock.Unlock()
	self.notify()
}

// Upsert adds or replaces the display attributes of a single peer,
// keeping an already-known position when the update carries none.
func (self *PresenceStore) Upsert(peerId string, username string, color string, lat *float64, lon *float64, heading *float64) {
	if peerId == "" {
		return
	}
	self.stateLock.Lock()
	peer, ok := self.peers[peerId]
	if !ok {
		peer = &PeerPresence{
			PeerId: peerId,
		}
		self.peers[peerId] = peer
	}
	if username != "" {
		peer.Username = username
	}
	if color != "" {
		peer.Color = color
	}
	if lat != nil && lon != nil {
		peer.Lat = lat
		peer.Lon = lon
	}
	if heading != nil {
		peer.Heading = heading
	}
	peer.IsSelf = peerId == self.selfId
	self.stateLock.Unlock()
	self.notify()
}

// UpdateLocation upserts position, heading and color for one peer.
// A nil position is "no fix": the peer is kept but its last fix unchanged,
// so nothing renders a marker at an invalid coordinate.
func (self *PresenceStore) UpdateLocation(peerId string, lat *float64, lon *float64, heading *float64, color string) {
	self.Upsert(peerId, "", color, lat, lon, heading)
}

// Remove removes a single peer. Removing an unknown id is a no-op.
func (self *PresenceStore) Remove(peerId string) {
	self.stateLock.Lock()
	_, ok := self.peers[peerId]
	if ok {
		delete(self.peers, peerId)
	}
	self.stateLock.Unlock()
	if ok {
		self.notify()
	}
}

func (self *PresenceStore) Clear() {
	self.stateLock.Lock()
	maps.Clear(self.peers)
	self.stateLock.Unlock()
	self.notify()
}

func (self *PresenceStore) Get(peerId string) (*PeerPresence, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	peer, ok := self.peers[peerId]
	if !ok {
		return nil, false
	}
	return peer.copy(), true
}

func (self *PresenceStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

// Peers returns a snapshot sorted by display name, self first.
func (self *PresenceStore) Peers() []*PeerPresence {
	self.stateLock.Lock()
	peers := make([]*PeerPresence, 0, len(self.peers))
	for _, peer := range self.peers {
		peers = append(peers, peer.copy())
	}
	self.stateLock.Unlock()

	sort.Slice(peers, func(i int, j int) bool {
		if peers[i].IsSelf != peers[j].IsSelf {
			return peers[i].IsSelf
		}
		return peers[i].DisplayName() < peers[j].DisplayName()
	})
	return peers
}

func (self *PresenceStore) notify() {
	peers := self.Peers()
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(peers)
	}
}
