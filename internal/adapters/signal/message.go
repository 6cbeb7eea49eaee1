package signal

import (
	"encoding/json"

	"github.com/openjamlab/jamlink/internal/domain"
)

// Abuse bounds on the generic room-broadcast fan-out. Envelopes exceeding
// them are dropped without notice, same as any other malformed input.
const (
	maxEventNameLen = 64
	maxPayloadBytes = 8 * 1024
)

// Inbound event names (client -> server).
const (
	evJoinRoom      = "join-room"
	evToggleAudio   = "toggle-audio"
	evSignal        = "signal"
	evRoomBroadcast = "room-broadcast"
	evPing          = "ping"
)

// Outbound event names (server -> client).
const (
	evJoinedRoom        = "joined-room"
	evParticipantJoined = "participant-joined"
	evPresenceUpdated   = "presence-updated"
	evParticipantLeft   = "participant-left"
	evPong              = "pong"
)

// BroadcastAll is the wildcard target of a signal envelope: deliver to every
// other current member of the sender's room.
const BroadcastAll = "all"

// envelope is the minimal shape every inbound frame must carry.
type envelope struct {
	Type string `json:"type"`
}

type joinRoomMsg struct {
	RoomID     string `json:"roomId"`
	Username   string `json:"username"`
	Instrument string `json:"instrument"`
}

type toggleAudioMsg struct {
	Enabled bool `json:"enabled"`
}

type signalMsg struct {
	To     string          `json:"to"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

type roomBroadcastMsg struct {
	RoomID    string          `json:"roomId"`
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"payload"`
}

type pingMsg struct {
	Timestamp int64 `json:"timestamp"`
}

type joinedRoomEvent struct {
	Type   string               `json:"type"`
	RoomID domain.RoomID        `json:"roomId"`
	ID     domain.ClientID      `json:"id"`
	Users  []domain.Participant `json:"users"`
}

type participantJoinedEvent struct {
	Type  string               `json:"type"`
	User  domain.Participant   `json:"user"`
	Users []domain.Participant `json:"users"`
}

type presenceUpdatedEvent struct {
	Type  string               `json:"type"`
	Users []domain.Participant `json:"users"`
}

type participantLeftEvent struct {
	Type     string          `json:"type"`
	ID       domain.ClientID `json:"id"`
	Username string          `json:"username"`
}

type signalEvent struct {
	Type string          `json:"type"`
	From domain.ClientID `json:"from"`
	Data json.RawMessage `json:"data"`
}

type broadcastEvent struct {
	Type    string          `json:"type"`
	From    domain.ClientID `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pongEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
