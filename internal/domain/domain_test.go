package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationKeyIsUnordered(t *testing.T) {
	k1 := NewConversationKey("bob", "alice")
	k2 := NewConversationKey("alice", "bob")

	assert.Equal(t, k1, k2)
	assert.Equal(t, "alice|bob", k1.String())
	assert.True(t, k1.Contains("bob"))
	assert.False(t, k1.Contains("carol"))
	assert.Equal(t, PeerID("alice"), k1.Other("bob"))
	assert.Equal(t, PeerID("bob"), k1.Other("alice"))
}

func TestParseConversationKey(t *testing.T) {
	k, ok := ParseConversationKey("bob|alice")
	require.True(t, ok)
	assert.Equal(t, NewConversationKey("alice", "bob"), k)

	for _, bad := range []string{"", "alice", "|bob", "alice|"} {
		_, ok := ParseConversationKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestReceiptStatusOrdering(t *testing.T) {
	tests := []struct {
		from, to ReceiptStatus
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusSeen, true},
		{StatusSent, StatusSeen, true},
		{StatusSeen, StatusDelivered, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusSeen, "bogus", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.Advances(tt.to))
		})
	}

	assert.False(t, StatusPending.Valid())
	assert.True(t, StatusSeen.Valid())
}

func TestChatMessageWireShape(t *testing.T) {
	msg := ChatMessage{From: "alice", To: "bob", MessageID: "m1", Text: "hi"}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	raw := string(data)
	assert.Contains(t, raw, `"messageId":"m1"`)
	assert.NotContains(t, raw, "meta")
	assert.Equal(t, NewConversationKey("bob", "alice"), msg.Conversation())
}

func TestICECandidateWireShape(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	data, err := json.Marshal(ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`, string(data))
}

func TestCallKindValid(t *testing.T) {
	assert.True(t, CallAudio.Valid())
	assert.True(t, CallVideo.Valid())
	assert.False(t, CallKind("screen").Valid())
}
