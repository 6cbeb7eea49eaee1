// Package domain contains entity types without transport logic, just meta-data.
package domain

const (
	MaxUsernameLen   = 24
	MaxInstrumentLen = 24

	DefaultUsername   = "Anonymous"
	DefaultInstrument = "Unknown"
)

// ClientID is the opaque token assigned when a signaling channel opens.
// It is unique for the lifetime of that channel.
type ClientID string

// Participant is one connected client inside a room: display metadata plus
// the audio-enabled indicator. A participant belongs to exactly one room.
type Participant struct {
	ID           ClientID `json:"id"`
	Username     string   `json:"username"`
	Instrument   string   `json:"instrument"`
	AudioEnabled bool     `json:"audioEnabled"`
}

// NewParticipant applies the metadata policy: empty fields get fixed
// defaults, oversize fields are clamped, never rejected.
func NewParticipant(id ClientID, username, instrument string) Participant {
	return Participant{
		ID:           id,
		Username:     clamp(username, DefaultUsername, MaxUsernameLen),
		Instrument:   clamp(instrument, DefaultInstrument, MaxInstrumentLen),
		AudioEnabled: true,
	}
}

func clamp(s, def string, max int) string {
	if s == "" {
		return def
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max])
	}
	return s
}
