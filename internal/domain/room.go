package domain

import "strings"

// MaxRoomIDLen caps room identifiers so they stay printable in the UI and
// cheap to key on.
const MaxRoomIDLen = 12

type RoomID string

// NormalizeRoomID canonicalizes a user-supplied room name: surrounding
// whitespace is stripped, the id is uppercased and truncated to MaxRoomIDLen
// runes (never mid-rune, so the key stays valid UTF-8 and round-trips
// through JSON). Returns false when nothing remains, which callers treat as
// malformed input and drop silently.
func NormalizeRoomID(raw string) (RoomID, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	if r := []rune(s); len(r) > MaxRoomIDLen {
		s = string(r[:MaxRoomIDLen])
	}
	return RoomID(s), true
}
