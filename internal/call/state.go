// Package call coordinates one-to-one call signaling over the shared
// transport and drives a media negotiator through the call lifecycle.
package call

import (
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/media"
)

// State is the coordinator's single source of truth about the call.
type State string

const (
	Idle            State = "idle"
	OutgoingRinging State = "outgoing-ringing"
	IncomingRinging State = "incoming-ringing"
	Negotiating     State = "negotiating"
	Connected       State = "connected"
	Ending          State = "ending"
	Ended           State = "ended" // transient, immediately followed by Idle
)

// Ringing reports whether s is either ringing state.
func (s State) Ringing() bool {
	return s == OutgoingRinging || s == IncomingRinging
}

// Info describes the active call.
type Info struct {
	Peer      domain.PeerID        `json:"peer"`
	Direction domain.CallDirection `json:"direction"`
	Kind      domain.CallKind      `json:"kind"`
	State     State                `json:"state"`
}

// Event is published to coordinator subscribers.
type Event interface {
	callEvent()
}

// StateChanged reports a transition.
type StateChanged struct {
	Peer domain.PeerID
	From State
	To   State
}

// IncomingRing asks the consumer to accept or dismiss. It is never auto-answered.
type IncomingRing struct {
	Peer domain.PeerID
	Kind domain.CallKind
}

// RemoteTrackAdded reports remote media becoming available.
type RemoteTrackAdded struct {
	Peer  domain.PeerID
	Track media.RemoteTrack
}

// CallEnded reports a call that finished normally: hangup, decline, busy,
// timeout or an unreachable peer.
type CallEnded struct {
	Peer   domain.PeerID
	Reason string
	Remote bool // the other side ended it
}

// CallError is the single terminal notice for a failed call. Err wraps one of
// domain.ErrMediaUnavailable, domain.ErrNegotiationFailed,
// domain.ErrTransportUnavailable or domain.ErrPeerUnavailable.
type CallError struct {
	Peer   domain.PeerID
	Reason string // failed or offline
	Err    error
}

func (StateChanged) callEvent()     {}
func (IncomingRing) callEvent()     {}
func (RemoteTrackAdded) callEvent() {}
func (CallEnded) callEvent()        {}
func (CallError) callEvent()        {}
