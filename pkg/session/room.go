package session

import "strings"

// roomPrefix namespaces collaboration rooms away from any other traffic
// sharing the relay.
const roomPrefix = "yc-doc-"

// maxRoomRunes caps the sanitized document part of a room id.
const maxRoomRunes = 64

// RoomID derives the relay room id from a document id. The derivation is
// deterministic so every client of the same document lands in the same room:
// lowercase, any run of characters outside [a-z0-9_-] collapses to a single
// "-", truncated to 64 runes, then prefixed.
func RoomID(documentID string) string {
	var b strings.Builder
	b.Grow(len(documentID))
	pendingDash := false
	for _, r := range strings.ToLower(documentID) {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			if b.Len() > 0 {
				pendingDash = true
			}
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}

	sanitized := b.String()
	runes := []rune(sanitized)
	if len(runes) > maxRoomRunes {
		sanitized = string(runes[:maxRoomRunes])
	}
	return roomPrefix + sanitized
}
