// Package signal is the event-driven relay between connected clients: it
// validates inbound envelopes, consults the presence registry, rewrites
// session descriptions through the Opus normalizer and fans events out to
// room members. Malformed input and unauthorized targets are dropped
// silently; signaling races during disconnect are expected and never error.
package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openjamlab/jamlink/internal/app"
	"github.com/openjamlab/jamlink/internal/domain"
	"github.com/openjamlab/jamlink/internal/sdp"
)

// Profile carries a client's remembered display metadata, used as join
// defaults when the join envelope omits them.
type Profile struct {
	Username   string `json:"username"`
	Instrument string `json:"instrument"`
}

// session is the explicit per-connection state record: connection identity
// plus transport endpoint and join defaults. Everything else about a
// participant lives in the registry.
type session struct {
	id       domain.ClientID
	conn     Conn
	defaults Profile
}

// Options configure a Controller from the server config.
type Options struct {
	AllowedOrigin string
	ReadLimit     int64
	PingPeriod    time.Duration
}

// Controller routes every inbound signaling event. A single dispatch mutex
// serializes handling across all connections: one envelope's mutation and
// all of its emissions complete before the next envelope is processed, which
// keeps presence updates ordered identically for every member of a room.
// TrySend never blocks, so holding the lock during emission cannot stall on
// a slow client.
type Controller struct {
	registry *app.Registry
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[domain.ClientID]*session
}

func NewController(registry *app.Registry, opts Options) *Controller {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32 * 1024
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	ctl := &Controller{
		registry: registry,
		opts:     opts,
		sessions: make(map[domain.ClientID]*session),
	}
	ctl.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == opts.AllowedOrigin
		},
	}
	return ctl
}

// ServeWS upgrades the request and runs the connection until it closes.
func (ctl *Controller) ServeWS(w http.ResponseWriter, r *http.Request, defaults Profile) {
	ws, err := ctl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("ws upgrade failed")
		return
	}

	conn := newWSConn(ws)
	id := ctl.Register(conn, defaults)
	log.Info().Str("module", "signal").Str("conn", string(id)).Msg("ws connected")

	go conn.writePump(ctl.opts.PingPeriod)
	ctl.readPump(id, conn)
}

func (ctl *Controller) readPump(id domain.ClientID, c *wsConn) {
	defer ctl.Disconnect(id)

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("read pump stopping")
			}
			return
		}
		ctl.Dispatch(id, data)
	}
}

// Register admits a new connection and assigns its identifier. Exposed
// separately from ServeWS so alternative transports (long-poll) and tests
// can drive the controller through the same path.
func (ctl *Controller) Register(conn Conn, defaults Profile) domain.ClientID {
	id := domain.ClientID(uuid.NewString())
	ctl.mu.Lock()
	ctl.sessions[id] = &session{id: id, conn: conn, defaults: defaults}
	ctl.mu.Unlock()
	return id
}

// Dispatch handles one inbound envelope from the identified connection.
func (ctl *Controller) Dispatch(id domain.ClientID, data []byte) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	sess, ok := ctl.sessions[id]
	if !ok {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("bad envelope")
		return
	}

	switch env.Type {
	case evJoinRoom:
		ctl.handleJoinRoom(sess, data)
	case evToggleAudio:
		ctl.handleToggleAudio(sess, data)
	case evSignal:
		ctl.handleSignal(sess, data)
	case evRoomBroadcast:
		ctl.handleRoomBroadcast(sess, data)
	case evPing:
		ctl.handlePing(sess, data)
	default:
		log.Debug().Str("module", "signal").Str("type", env.Type).Msg("unknown event")
	}
}

// Disconnect tears the connection down: registry eviction, departure
// notifications to the vacated room, transport close.
func (ctl *Controller) Disconnect(id domain.ClientID) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	sess, ok := ctl.sessions[id]
	if !ok {
		return
	}
	delete(ctl.sessions, id)

	if dep, left := ctl.registry.Leave(id); left {
		ctl.notifyDeparture(dep)
	}
	sess.conn.Close()
	log.Info().Str("module", "signal").Str("conn", string(id)).Msg("disconnected")
}

func (ctl *Controller) handleJoinRoom(sess *session, data []byte) {
	var msg joinRoomMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Username == "" {
		msg.Username = sess.defaults.Username
	}
	if msg.Instrument == "" {
		msg.Instrument = sess.defaults.Instrument
	}

	res, ok := ctl.registry.Join(msg.RoomID, sess.id, msg.Username, msg.Instrument)
	if !ok {
		// Empty room id after normalization: malformed, dropped.
		return
	}

	if res.Moved != nil {
		ctl.notifyDeparture(*res.Moved)
	}

	ctl.sendTo(sess.id, joinedRoomEvent{
		Type:   evJoinedRoom,
		RoomID: res.RoomID,
		ID:     sess.id,
		Users:  res.Users,
	})
	ctl.emit(res.Users, sess.id, participantJoinedEvent{
		Type:  evParticipantJoined,
		User:  res.Joined,
		Users: res.Users,
	})
}

func (ctl *Controller) handleToggleAudio(sess *session, data []byte) {
	var msg toggleAudioMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_, users, ok := ctl.registry.SetAudioEnabled(sess.id, msg.Enabled)
	if !ok {
		return
	}
	// Everyone in the room, sender included, so indicators stay consistent.
	ctl.emit(users, "", presenceUpdatedEvent{Type: evPresenceUpdated, Users: users})
}

func (ctl *Controller) handleSignal(sess *session, data []byte) {
	var msg signalMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	roomID, ok := domain.NormalizeRoomID(msg.RoomID)
	if !ok || !ctl.registry.Member(roomID, sess.id) {
		return
	}

	out, err := json.Marshal(signalEvent{
		Type: evSignal,
		From: sess.id,
		Data: normalizeSignalData(msg.Data),
	})
	if err != nil {
		return
	}

	if msg.To == BroadcastAll {
		for _, p := range ctl.registry.Snapshot(roomID) {
			if p.ID != sess.id {
				ctl.sendRaw(p.ID, out)
			}
		}
		return
	}

	target := domain.ClientID(msg.To)
	if target == "" || target == sess.id || !ctl.registry.Member(roomID, target) {
		// Departed or unrelated target: expected race, dropped silently.
		return
	}
	ctl.sendRaw(target, out)
}

func (ctl *Controller) handleRoomBroadcast(sess *session, data []byte) {
	var msg roomBroadcastMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.EventName == "" || len(msg.EventName) > maxEventNameLen ||
		len(msg.Payload) > maxPayloadBytes || reservedEvent(msg.EventName) {
		return
	}
	roomID, ok := domain.NormalizeRoomID(msg.RoomID)
	if !ok || !ctl.registry.Member(roomID, sess.id) {
		return
	}
	ctl.emit(ctl.registry.Snapshot(roomID), "", broadcastEvent{
		Type:    msg.EventName,
		From:    sess.id,
		Payload: msg.Payload,
	})
}

func (ctl *Controller) handlePing(sess *session, data []byte) {
	var msg pingMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	ctl.sendTo(sess.id, pongEvent{Type: evPong, Timestamp: msg.Timestamp})
}

func (ctl *Controller) notifyDeparture(dep app.Departure) {
	ctl.emit(dep.Users, "", participantLeftEvent{
		Type:     evParticipantLeft,
		ID:       dep.Left.ID,
		Username: dep.Left.Username,
	})
	ctl.emit(dep.Users, "", presenceUpdatedEvent{Type: evPresenceUpdated, Users: dep.Users})
}

// emit marshals once and delivers to every listed participant except the
// one named (empty means no exception).
func (ctl *Controller) emit(users []domain.Participant, except domain.ClientID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("emit marshal")
		return
	}
	for _, p := range users {
		if p.ID == except {
			continue
		}
		ctl.sendRaw(p.ID, data)
	}
}

func (ctl *Controller) sendTo(id domain.ClientID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	ctl.sendRaw(id, data)
}

func (ctl *Controller) sendRaw(id domain.ClientID, data []byte) {
	sess, ok := ctl.sessions[id]
	if !ok {
		return
	}
	if err := sess.conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("dropping frame")
		if errors.Is(err, ErrBackpressure) {
			// A client that cannot drain its buffer gets kicked.
			// Disconnect needs the dispatch lock, so it runs once the
			// current dispatch releases it.
			go ctl.Disconnect(id)
		}
	}
}

// normalizeSignalData rewrites the sdp field of a negotiation payload
// through the Opus normalizer. ICE candidates and anything unparseable pass
// through untouched.
func normalizeSignalData(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw
	}
	text, ok := payload["sdp"].(string)
	if !ok {
		return raw
	}
	payload["sdp"] = sdp.Normalize(text)
	out, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return out
}

func reservedEvent(name string) bool {
	switch name {
	case evJoinRoom, evToggleAudio, evSignal, evRoomBroadcast, evPing,
		evJoinedRoom, evParticipantJoined, evPresenceUpdated, evParticipantLeft, evPong:
		return true
	}
	return false
}
