// Package mediatest provides an in-memory media.Negotiator for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/media"
)

// ErrNoRemoteDescription mirrors what real peer connections return when a
// candidate is added too early.
var ErrNoRemoteDescription = errors.New("remote description not set")

// Negotiator records every stream and connection it hands out.
type Negotiator struct {
	// MediaErr, when set, fails AcquireMedia.
	MediaErr error
	// ConnErr, when set, fails CreateConnection.
	ConnErr error
	// AutoConnect moves a connection to connected once it has both a local
	// and a remote description.
	AutoConnect bool
	// OfferGate, when set, blocks CreateOffer until it is closed.
	OfferGate chan struct{}

	mu      sync.Mutex
	streams []*Stream
	conns   []*Connection
}

var _ media.Negotiator = (*Negotiator)(nil)

func (n *Negotiator) AcquireMedia(ctx context.Context, kind domain.CallKind) (media.Stream, error) {
	if n.MediaErr != nil {
		return nil, n.MediaErr
	}
	s := &Stream{kind: kind}
	n.mu.Lock()
	n.streams = append(n.streams, s)
	n.mu.Unlock()
	return s, nil
}

func (n *Negotiator) CreateConnection(ctx context.Context) (media.Connection, error) {
	if n.ConnErr != nil {
		return nil, n.ConnErr
	}
	n.mu.Lock()
	c := &Connection{id: len(n.conns) + 1, auto: n.AutoConnect, gate: n.OfferGate}
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	return c, nil
}

// Connections returns every connection created so far.
func (n *Negotiator) Connections() []*Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Connection(nil), n.conns...)
}

// Last returns the most recent connection or nil.
func (n *Negotiator) Last() *Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

// Streams returns every stream handed out so far.
func (n *Negotiator) Streams() []*Stream {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Stream(nil), n.streams...)
}

// Stream is a fake capture.
type Stream struct {
	kind domain.CallKind

	mu     sync.Mutex
	closed bool
}

func (s *Stream) Kind() domain.CallKind { return s.kind }

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connection is a fake peer connection. Tests drive its callbacks directly.
type Connection struct {
	id   int
	auto bool
	gate chan struct{}

	mu         sync.Mutex
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	candidates []domain.ICECandidate
	attached   []media.Stream
	closed     bool
	connected  bool
	onICE      func(domain.ICECandidate)
	onState    func(media.ConnectionState)
	onTrack    func(media.RemoteTrack)
}

func (c *Connection) AttachMedia(s media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, s)
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return domain.SessionDescription{}, ctx.Err()
		}
	}
	return c.setLocal("offer")
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	hasRemote := c.remote != nil
	c.mu.Unlock()
	if !hasRemote {
		return domain.SessionDescription{}, ErrNoRemoteDescription
	}
	return c.setLocal("answer")
}

func (c *Connection) setLocal(typ string) (domain.SessionDescription, error) {
	sd := domain.SessionDescription{Type: typ, SDP: fmt.Sprintf("v=0 fake %s %d", typ, c.id)}
	c.mu.Lock()
	c.local = &sd
	c.mu.Unlock()
	c.maybeConnect()
	return sd, nil
}

func (c *Connection) SetRemoteDescription(sd domain.SessionDescription) error {
	if sd.Type != "offer" && sd.Type != "answer" {
		return fmt.Errorf("unsupported sdp type %q", sd.Type)
	}
	c.mu.Lock()
	c.remote = &sd
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ErrNoRemoteDescription
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Connection) OnICECandidate(h func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = h
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(h func(media.ConnectionState)) {
	c.mu.Lock()
	c.onState = h
	c.mu.Unlock()
}

func (c *Connection) OnRemoteTrack(h func(media.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = h
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.attached {
		s.Close()
	}
	return nil
}

func (c *Connection) maybeConnect() {
	c.mu.Lock()
	ready := c.auto && !c.connected && c.local != nil && c.remote != nil
	if ready {
		c.connected = true
	}
	c.mu.Unlock()
	if ready {
		go func() {
			c.SetState(media.StateConnecting)
			c.SetState(media.StateConnected)
		}()
	}
}

// SetState fires the state callback.
func (c *Connection) SetState(s media.ConnectionState) {
	c.mu.Lock()
	h := c.onState
	c.mu.Unlock()
	if h != nil {
		h(s)
	}
}

// GatherICE fires the local candidate callback.
func (c *Connection) GatherICE(cand domain.ICECandidate) {
	c.mu.Lock()
	h := c.onICE
	c.mu.Unlock()
	if h != nil {
		h(cand)
	}
}

// AddRemoteTrack fires the remote track callback.
func (c *Connection) AddRemoteTrack(t media.RemoteTrack) {
	c.mu.Lock()
	h := c.onTrack
	c.mu.Unlock()
	if h != nil {
		h(t)
	}
}

// Local returns the installed local description.
func (c *Connection) Local() *domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Remote returns the installed remote description.
func (c *Connection) Remote() *domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Candidates returns applied remote candidates in order.
func (c *Connection) Candidates() []domain.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ICECandidate(nil), c.candidates...)
}

// Attached returns attached local streams.
func (c *Connection) Attached() []media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Stream(nil), c.attached...)
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
