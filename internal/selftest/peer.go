package selftest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/openjamlab/jamlink/internal/domain"
)

// opusSilence is a valid minimal Opus frame (silence). The synthetic peers
// have no microphone; they pump silence so real RTP flows end to end.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const sampleInterval = 20 * time.Millisecond

// wire shapes, client-side view of the relay protocol.

type outEnvelope struct {
	Type       string     `json:"type"`
	RoomID     string     `json:"roomId,omitempty"`
	Username   string     `json:"username,omitempty"`
	Instrument string     `json:"instrument,omitempty"`
	To         string     `json:"to,omitempty"`
	Data       signalData `json:"data,omitempty"`
}

type inEnvelope struct {
	Type   string               `json:"type"`
	RoomID string               `json:"roomId"`
	ID     domain.ClientID      `json:"id"`
	User   domain.Participant   `json:"user"`
	Users  []domain.Participant `json:"users"`
	From   domain.ClientID      `json:"from"`
	Data   signalData           `json:"data"`
}

type signalData struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type joinedInfo struct {
	id    domain.ClientID
	users []domain.Participant
}

// peer is one synthetic client: a websocket signaling connection plus a Pion
// peer connection pumping Opus silence.
type peer struct {
	name   string
	roomID string
	ws     *websocket.Conn
	pc     *webrtc.PeerConnection

	writeMu sync.Mutex

	joinedCh chan joinedInfo
	peerCh   chan domain.ClientID
	signalCh chan inEnvelope
	readDone chan struct{}

	id     domain.ClientID
	target domain.ClientID

	candMu    sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	bytes     atomic.Int64
	packets   atomic.Int64
	gotMedia  chan struct{}
	mediaSeen sync.Once

	closeOnce sync.Once
}

func dialPeer(ctx context.Context, wsURL, name string) (*peer, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	p := &peer{
		name:     name,
		ws:       ws,
		joinedCh: make(chan joinedInfo, 1),
		peerCh:   make(chan domain.ClientID, 4),
		signalCh: make(chan inEnvelope, 32),
		readDone: make(chan struct{}),
		gotMedia: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *peer) readLoop() {
	defer close(p.readDone)
	for {
		var env inEnvelope
		if err := p.ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "joined-room":
			select {
			case p.joinedCh <- joinedInfo{id: env.ID, users: env.Users}:
			default:
			}
		case "participant-joined":
			select {
			case p.peerCh <- env.User.ID:
			default:
			}
		case "signal":
			select {
			case p.signalCh <- env:
			default:
			}
		}
	}
}

func (p *peer) send(v outEnvelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.ws.WriteJSON(v)
}

// join enters the room and records the identifier the relay assigned us.
func (p *peer) join(ctx context.Context, roomID string) error {
	p.roomID = roomID
	err := p.send(outEnvelope{
		Type:       "join-room",
		RoomID:     roomID,
		Username:   p.name,
		Instrument: "probe",
	})
	if err != nil {
		return fmt.Errorf("%s join send: %w", p.name, err)
	}
	select {
	case info := <-p.joinedCh:
		p.id = info.id
		return nil
	case <-p.readDone:
		return fmt.Errorf("%s: connection closed before join confirmation", p.name)
	case <-ctx.Done():
		return fmt.Errorf("%s: timed out waiting for join confirmation", p.name)
	}
}

// waitPeer blocks until another participant shows up in the room.
func (p *peer) waitPeer(ctx context.Context) (domain.ClientID, error) {
	select {
	case id := <-p.peerCh:
		return id, nil
	case <-p.readDone:
		return "", fmt.Errorf("%s: connection closed while waiting for peer", p.name)
	case <-ctx.Done():
		return "", fmt.Errorf("%s: timed out waiting for peer", p.name)
	}
}

// setupMedia builds the peer connection: an outbound silence track and
// inbound byte counting. target must be set before ICE starts trickling.
func (p *peer) setupMedia(ctx context.Context, target domain.ClientID) error {
	p.target = target

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("%s new peer connection: %w", p.name, err)
	}
	p.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", p.name,
	)
	if err != nil {
		return fmt.Errorf("%s new track: %w", p.name, err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("%s add track: %w", p.name, err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go p.pumpSilence(ctx, track)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = p.send(outEnvelope{
			Type:   "signal",
			To:     string(p.target),
			RoomID: p.roomID,
			Data:   signalData{Candidate: &init},
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			p.bytes.Add(int64(len(pkt.Payload)))
			p.packets.Add(1)
			p.mediaSeen.Do(func() { close(p.gotMedia) })
		}
	})

	return nil
}

func (p *peer) pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: sampleInterval}); err != nil {
				return
			}
		}
	}
}

// offer starts negotiation: the local description is the offer exactly as
// created, while the copy relayed to the other peer goes through the same
// normalization a browser client relies on the server for.
func (p *peer) offer(normalize func(string) string) error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%s create offer: %w", p.name, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%s set local offer: %w", p.name, err)
	}
	return p.send(outEnvelope{
		Type:   "signal",
		To:     string(p.target),
		RoomID: p.roomID,
		Data:   signalData{Type: "offer", SDP: normalize(offer.SDP)},
	})
}

// handleSignals answers offers, applies answers and feeds candidates until
// the context ends.
func (p *peer) handleSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.readDone:
			return
		case env := <-p.signalCh:
			p.handleSignal(env.Data)
		}
	}
}

func (p *peer) handleSignal(data signalData) {
	switch {
	case data.SDP != "" && data.Type == "offer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: data.SDP,
		}); err != nil {
			return
		}
		p.flushCandidates()
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return
		}
		_ = p.send(outEnvelope{
			Type:   "signal",
			To:     string(p.target),
			RoomID: p.roomID,
			Data:   signalData{Type: "answer", SDP: answer.SDP},
		})
	case data.SDP != "" && data.Type == "answer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: data.SDP,
		}); err != nil {
			return
		}
		p.flushCandidates()
	case data.Candidate != nil:
		p.addCandidate(*data.Candidate)
	}
}

// Trickled candidates can outrun the description exchange; hold them until
// the remote description lands.
func (p *peer) addCandidate(init webrtc.ICECandidateInit) {
	p.candMu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.candMu.Unlock()
		return
	}
	p.candMu.Unlock()
	_ = p.pc.AddICECandidate(init)
}

func (p *peer) flushCandidates() {
	p.candMu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.candMu.Unlock()
	for _, init := range pending {
		_ = p.pc.AddICECandidate(init)
	}
}

// stats pulls jitter and round-trip time out of the transport report;
// best-effort, zeros when the fields are not yet populated.
func (p *peer) stats() (jitter, rtt float64) {
	if p.pc == nil {
		return 0, 0
	}
	for _, s := range p.pc.GetStats() {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if v.Jitter > jitter {
				jitter = v.Jitter
			}
		case webrtc.ICECandidatePairStats:
			if v.CurrentRoundTripTime > rtt {
				rtt = v.CurrentRoundTripTime
			}
		}
	}
	return jitter, rtt
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		if p.pc != nil {
			_ = p.pc.Close()
		}
		_ = p.ws.Close()
	})
}
