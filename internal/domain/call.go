package domain

// CallKind is the media kind a call was started with.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether k is a known kind.
func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// CallDirection records who placed the call.
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is an opaque negotiation datum, shaped like RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Reasons carried by call:end.
const (
	EndHangup   = "hangup"
	EndDeclined = "declined"
	EndBusy     = "busy"
	EndTimeout  = "timeout"
	EndOffline  = "offline"
	EndFailed   = "failed"
)
