package domain

import "errors"

var (
	// ErrTransportUnavailable means the relay channel is not connected.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrAckTimeout means the relay never acknowledged an emit. Delivery is
	// unconfirmed, not failed.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrMediaUnavailable means capture permission was denied or no device exists.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrNegotiationFailed means SDP or ICE never reached connected.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrPeerMismatch is recovered locally by ignoring the event.
	ErrPeerMismatch = errors.New("peer mismatch")
	// ErrDuplicateMessage is recovered locally by deduplication and never surfaced.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrPeerUnavailable means the relay could not reach the remote peer.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrInvalidState is returned for commands that do not apply to the current call state.
	ErrInvalidState = errors.New("invalid call state")
	// ErrBusy is returned when a call is already in progress.
	ErrBusy = errors.New("call already in progress")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)
