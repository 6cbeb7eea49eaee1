// Package selftest drives two synthetic peers through the public signaling
// protocol (join, offer/answer, trickle ICE) and verifies that real media
// packets flow in both directions. It exercises the relay and the presence
// registry exactly the way a pair of browsers would, no browser required.
package selftest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openjamlab/jamlink/internal/domain"
	"github.com/openjamlab/jamlink/internal/sdp"
)

// DirectionStats reports what one peer received from the other.
type DirectionStats struct {
	From            string  `json:"from"`
	To              string  `json:"to"`
	BytesReceived   int64   `json:"bytesReceived"`
	PacketsReceived int64   `json:"packetsReceived"`
	Jitter          float64 `json:"jitter"`
	RoundTripTime   float64 `json:"roundTripTime"`
}

// Report is the structured self-test result. Failures never surface as
// errors; they come back as OK=false with a diagnostic note.
type Report struct {
	OK         bool             `json:"ok"`
	RoomID     string           `json:"roomId"`
	Directions []DirectionStats `json:"perDirectionStats"`
	Note       string           `json:"diagnosticNote"`
}

// mediaSoak is how long media keeps flowing after both directions are
// confirmed, so the stats have something to measure.
const mediaSoak = time.Second

// Run executes the end-to-end check against the given ws endpoint. Both
// synthetic peers are torn down on every exit path.
func Run(ctx context.Context, wsURL string, timeout time.Duration) Report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	roomID := newRoomID()
	rep := Report{RoomID: roomID}
	fail := func(stage string, err error) Report {
		rep.Note = fmt.Sprintf("%s: %v", stage, err)
		log.Warn().Str("module", "selftest").Str("room", roomID).Msg(rep.Note)
		return rep
	}

	alice, err := dialPeer(ctx, wsURL, "probe-alice")
	if err != nil {
		return fail("dial peer A", err)
	}
	defer alice.close()

	bob, err := dialPeer(ctx, wsURL, "probe-bob")
	if err != nil {
		return fail("dial peer B", err)
	}
	defer bob.close()

	if err := alice.join(ctx, roomID); err != nil {
		return fail("join peer A", err)
	}
	if err := bob.join(ctx, roomID); err != nil {
		return fail("join peer B", err)
	}

	// A learns B's connection id from the presence event its join produced.
	bobID, err := alice.waitPeer(ctx)
	if err != nil {
		return fail("presence", err)
	}

	if err := alice.setupMedia(ctx, bobID); err != nil {
		return fail("media peer A", err)
	}
	if err := bob.setupMedia(ctx, alice.id); err != nil {
		return fail("media peer B", err)
	}

	go alice.handleSignals(ctx)
	go bob.handleSignals(ctx)

	if err := alice.offer(sdp.Normalize); err != nil {
		return fail("offer", err)
	}

	for _, p := range []*peer{alice, bob} {
		select {
		case <-p.gotMedia:
		case <-ctx.Done():
			return fail("wait for media", fmt.Errorf("%s: no inbound media within the timeout", p.name))
		}
	}

	// Let media flow briefly so the counters mean something.
	select {
	case <-time.After(mediaSoak):
	case <-ctx.Done():
	}

	rep.Directions = []DirectionStats{
		direction(bob, alice),
		direction(alice, bob),
	}
	rep.OK = rep.Directions[0].BytesReceived > 0 && rep.Directions[1].BytesReceived > 0
	if !rep.OK {
		rep.Note = "media connected but a direction reported zero received bytes"
	} else {
		rep.Note = "both directions received media"
	}
	log.Info().Str("module", "selftest").Str("room", roomID).Bool("ok", rep.OK).
		Int64("a_bytes", rep.Directions[0].BytesReceived).
		Int64("b_bytes", rep.Directions[1].BytesReceived).
		Msg("self-test finished")
	return rep
}

// direction reports what `to` received from `from`.
func direction(from, to *peer) DirectionStats {
	jitter, rtt := to.stats()
	return DirectionStats{
		From:            from.name,
		To:              to.name,
		BytesReceived:   to.bytes.Load(),
		PacketsReceived: to.packets.Load(),
		Jitter:          jitter,
		RoundTripTime:   rtt,
	}
}

// newRoomID derives a collision-resistant room id that survives the relay's
// normalization unchanged (already uppercase, already within the cap).
func newRoomID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if len(raw) > domain.MaxRoomIDLen {
		raw = raw[:domain.MaxRoomIDLen]
	}
	return raw
}
