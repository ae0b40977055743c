package domain

import "strings"

// PeerID identifies a user. It is opaque and never reused across users.
type PeerID string

// ConversationKey is the unordered pair of peers a conversation belongs to.
// A and B are kept sorted so both sides derive the same key.
type ConversationKey struct {
	A PeerID `json:"a"`
	B PeerID `json:"b"`
}

// NewConversationKey builds the key for x and y in either order.
func NewConversationKey(x, y PeerID) ConversationKey {
	if y < x {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}
}

// String returns the canonical "a|b" form used as a storage key.
func (k ConversationKey) String() string {
	return string(k.A) + "|" + string(k.B)
}

// Contains reports whether p is one of the two parties.
func (k ConversationKey) Contains(p PeerID) bool {
	return k.A == p || k.B == p
}

// Other returns the party that is not self.
func (k ConversationKey) Other(self PeerID) PeerID {
	if k.A == self {
		return k.B
	}
	return k.A
}

// ParseConversationKey is the inverse of String.
func ParseConversationKey(s string) (ConversationKey, bool) {
	a, b, ok := strings.Cut(s, "|")
	if !ok || a == "" || b == "" {
		return ConversationKey{}, false
	}
	return NewConversationKey(PeerID(a), PeerID(b)), true
}

// Presence is the relay's view of who is online.
type Presence struct {
	PeerID PeerID   `json:"peerId"`
	Online bool     `json:"online"`
	Peers  []PeerID `json:"peers,omitempty"`
}
