// Package app owns the in-memory presence state: which participants occupy
// which room right now. Rooms are created implicitly on first join and
// deleted the moment their last participant leaves.
package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openjamlab/jamlink/internal/domain"
)

type room struct {
	members []*domain.Participant // insertion order
}

func (r *room) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	return out
}

func (r *room) remove(id domain.ClientID) (domain.Participant, bool) {
	for i, m := range r.members {
		if m.ID == id {
			gone := *m
			r.members = append(r.members[:i], r.members[i+1:]...)
			return gone, true
		}
	}
	return domain.Participant{}, false
}

// Departure describes the side effect of leaving a room: which room was
// vacated, who left, and the post-removal snapshot (empty when the room was
// deleted because it emptied).
type Departure struct {
	RoomID domain.RoomID
	Left   domain.Participant
	Users  []domain.Participant
}

// JoinResult is what a successful Join reports back to the relay.
type JoinResult struct {
	RoomID domain.RoomID
	Joined domain.Participant
	Users  []domain.Participant
	Moved  *Departure // non-nil when the connection transferred rooms
}

// RoomStats is one row of the health probe payload.
type RoomStats struct {
	RoomID       domain.RoomID `json:"roomId"`
	Participants int           `json:"participants"`
}

// Registry is the process-wide room map. A single coarse lock guards it;
// "check membership then mutate" sequences run under one acquisition, so
// join/leave interleavings cannot lose updates.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]*room
	byConn map[domain.ClientID]domain.RoomID
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[domain.RoomID]*room),
		byConn: make(map[domain.ClientID]domain.RoomID),
	}
}

// Join places the connection in the named room, normalizing the room id
// first. A connection already occupying a different room is removed from it
// atomically before insertion (never a member of two rooms). An id that is
// empty after normalization is malformed input: no-op, ok=false.
func (reg *Registry) Join(rawRoomID string, connID domain.ClientID, username, instrument string) (JoinResult, bool) {
	roomID, ok := domain.NormalizeRoomID(rawRoomID)
	if !ok {
		return JoinResult{}, false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	var moved *Departure
	if prevID, inRoom := reg.byConn[connID]; inRoom {
		if prevID == roomID {
			// Re-join of the current room: refresh metadata in place,
			// keeping the audio indicator.
			r := reg.rooms[roomID]
			gone, _ := r.remove(connID)
			p := domain.NewParticipant(connID, username, instrument)
			p.AudioEnabled = gone.AudioEnabled
			r.members = append(r.members, &p)
			return JoinResult{RoomID: roomID, Joined: p, Users: r.snapshot()}, true
		}
		moved = reg.evictLocked(connID, prevID)
	}

	r, exists := reg.rooms[roomID]
	if !exists {
		r = &room{}
		reg.rooms[roomID] = r
		log.Debug().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created")
	}

	p := domain.NewParticipant(connID, username, instrument)
	r.members = append(r.members, &p)
	reg.byConn[connID] = roomID
	log.Info().Str("module", "app.registry").Str("conn", string(connID)).Str("room", string(roomID)).Msg("participant joined")

	return JoinResult{RoomID: roomID, Joined: p, Users: r.snapshot(), Moved: moved}, true
}

// Leave removes the connection from whichever room it occupies, deleting the
// room if it empties. ok=false when the connection was roomless.
func (reg *Registry) Leave(connID domain.ClientID) (Departure, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	roomID, inRoom := reg.byConn[connID]
	if !inRoom {
		return Departure{}, false
	}
	dep := reg.evictLocked(connID, roomID)
	if dep == nil {
		return Departure{}, false
	}
	return *dep, true
}

func (reg *Registry) evictLocked(connID domain.ClientID, roomID domain.RoomID) *Departure {
	delete(reg.byConn, connID)
	r, exists := reg.rooms[roomID]
	if !exists {
		return nil
	}
	gone, found := r.remove(connID)
	if !found {
		return nil
	}
	if len(r.members) == 0 {
		delete(reg.rooms, roomID)
		log.Debug().Str("module", "app.registry").Str("room", string(roomID)).Msg("room deleted")
	}
	log.Info().Str("module", "app.registry").Str("conn", string(connID)).Str("room", string(roomID)).Msg("participant left")
	return &Departure{RoomID: roomID, Left: gone, Users: r.snapshot()}
}

// SetAudioEnabled flips the caller's own audio indicator. No-op while the
// connection is roomless.
func (reg *Registry) SetAudioEnabled(connID domain.ClientID, enabled bool) (domain.RoomID, []domain.Participant, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	roomID, inRoom := reg.byConn[connID]
	if !inRoom {
		return "", nil, false
	}
	r := reg.rooms[roomID]
	for _, m := range r.members {
		if m.ID == connID {
			m.AudioEnabled = enabled
			return roomID, r.snapshot(), true
		}
	}
	return "", nil, false
}

// Member reports whether the connection is currently a member of the room.
func (reg *Registry) Member(roomID domain.RoomID, connID domain.ClientID) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return roomID != "" && reg.byConn[connID] == roomID
}

// RoomOf returns the room the connection currently occupies.
func (reg *Registry) RoomOf(connID domain.ClientID) (domain.RoomID, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	id, ok := reg.byConn[connID]
	return id, ok
}

// Snapshot returns a fresh copy of the room's participant list, insertion
// order, nil when the room does not exist.
func (reg *Registry) Snapshot(roomID domain.RoomID) []domain.Participant {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Stats feeds the health probe: total room count, total participant count
// and a per-room breakdown.
func (reg *Registry) Stats() (rooms, participants int, perRoom []RoomStats) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	perRoom = make([]RoomStats, 0, len(reg.rooms))
	for id, r := range reg.rooms {
		perRoom = append(perRoom, RoomStats{RoomID: id, Participants: len(r.members)})
		participants += len(r.members)
	}
	return len(reg.rooms), participants, perRoom
}
