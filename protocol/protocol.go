package protocol

import (
	"encoding/json"
	"fmt"
)

// wire protocol for the share server
// every message is a single json text frame: {"event": ..., "data": {...}}
// payload keys are defined by the server and must not be renamed

// client -> server
const (
	EventCreateShare    = "create_share"
	EventJoinShare      = "join_share"
	EventLocationUpdate = "location_update"
)

// server -> client
const (
	EventShareCreated      = "share_created"
	EventJoinedShare       = "joined_share"
	EventJoinError         = "join_error"
	EventCreateError       = "create_error"
	EventUserListUpdate    = "user_list_update"
	EventUserJoined        = "user_joined"
	EventExistingUsers     = "existing_users"
	EventUserLeft          = "user_left"
	EventLocationBroadcast = "location_broadcast"
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func EncodeFrame(event string, data any) ([]byte, error) {
	frame := &Frame{
		Event: event,
	}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = dataBytes
	}
	return json.Marshal(frame)
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, err
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("frame missing event")
	}
	return frame, nil
}

func (self *Frame) DecodeData(data any) error {
	if len(self.Data) == 0 {
		return fmt.Errorf("%s: frame missing data", self.Event)
	}
	return json.Unmarshal(self.Data, data)
}

// join_share request
type JoinShare struct {
	ShareCode string `json:"share_code"`
}

// location_update request
// nil lat/lon means no fix, nil heading means no bearing
type LocationUpdate struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Heading *float64 `json:"heading"`
}

// share_created and joined_share result
type ShareResult struct {
	ShareCode string `json:"share_code"`
	Sid       string `json:"sid"`
	Color     string `json:"color"`
	Username  string `json:"username"`
}

// join_error and create_error
type ErrorMessage struct {
	Message string `json:"message"`
}

// one participant as the server reports it
type User struct {
	Sid      string   `json:"sid"`
	Username string   `json:"username"`
	Color    string   `json:"color"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Heading  *float64 `json:"heading"`
}

// user_list_update, the authoritative list for the share
type UserListUpdate struct {
	Users []*User `json:"users"`
}

// the per-user payload nested in user_joined and existing_users
type UserData struct {
	Username string   `json:"username"`
	Color    string   `json:"color"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Heading  *float64 `json:"heading"`
}

// user_joined
type UserJoined struct {
	Sid  string    `json:"sid"`
	Data *UserData `json:"data"`
}

// existing_users, sent once to a joiner, keyed by sid
type ExistingUsers struct {
	Users map[string]*UserData `json:"users"`
}

// user_left
type UserLeft struct {
	Sid string `json:"sid"`
}

// location_broadcast
type LocationBroadcast struct {
	Sid      string   `json:"sid"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Heading  *float64 `json:"heading"`
	Color    string   `json:"color"`
	Username string   `json:"username"`
}
