// Package media wraps local capture and peer connection negotiation behind
// small interfaces the call coordinator drives.
package media

import (
	"context"

	"github.com/soyeahso/parley/internal/domain"
)

// ConnectionState is the lifecycle of a peer connection.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether the connection cannot recover from s.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Stream is captured local media. Close stops every track.
type Stream interface {
	Kind() domain.CallKind
	Close() error
}

// RemoteTrack describes media arriving from the remote peer.
type RemoteTrack struct {
	ID       string          `json:"id"`
	StreamID string          `json:"streamId"`
	Kind     domain.CallKind `json:"kind"`
	Codec    string          `json:"codec,omitempty"`
}

// Negotiator captures local media and creates connection handles.
type Negotiator interface {
	// AcquireMedia fails with domain.ErrMediaUnavailable when permission is
	// denied or no device exists.
	AcquireMedia(ctx context.Context, kind domain.CallKind) (Stream, error)
	CreateConnection(ctx context.Context) (Connection, error)
}

// Connection is one peer connection handle. Callbacks run on goroutines owned
// by the implementation and must not block.
type Connection interface {
	AttachMedia(s Stream) error
	// CreateOffer and CreateAnswer also install the result as the local description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(sd domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error

	OnICECandidate(func(domain.ICECandidate))
	OnStateChange(func(ConnectionState))
	OnRemoteTrack(func(RemoteTrack))

	// Close is idempotent and stops attached local tracks.
	Close() error
}
