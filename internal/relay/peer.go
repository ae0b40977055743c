package relay

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/wire"
)

// ErrPeerClosed is returned when writing to a peer whose socket was closed.
var ErrPeerClosed = errors.New("peer connection closed")

// Peer is one authenticated WebSocket connection.
type Peer struct {
	ConnID      string
	ID          domain.PeerID
	Info        wire.ClientInfo
	Socket      *websocket.Conn
	AuthResult  AuthResult
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
}

// NewPeer wraps a socket that has completed the handshake.
func NewPeer(conn *websocket.Conn, info wire.ClientInfo, authResult AuthResult) *Peer {
	return &Peer{
		ConnID:      uuid.New().String(),
		ID:          info.ID,
		Info:        info,
		Socket:      conn,
		AuthResult:  authResult,
		ConnectedAt: time.Now(),
	}
}

// Send writes a frame. Safe for concurrent use.
func (p *Peer) Send(frame wire.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	return p.Socket.WriteJSON(frame)
}

// SendEvent sends a named event.
func (p *Peer) SendEvent(event string, payload any, seq int64) error {
	f, err := wire.NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return p.Send(f)
}

// Respond answers a request. Fire-and-forget requests (empty id) get nothing.
func (p *Peer) Respond(reqID string, payload any) error {
	if reqID == "" {
		return nil
	}
	f, err := wire.NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return p.Send(f)
}

// RespondError answers a request with an error.
func (p *Peer) RespondError(reqID string, errShape wire.ErrorShape) error {
	if reqID == "" {
		return nil
	}
	return p.Send(wire.NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the socket.
func (p *Peer) ReadFrame() (wire.Frame, error) {
	_, msg, err := p.Socket.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	var f wire.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return wire.Frame{}, err
	}
	return f, nil
}

// Close closes the socket. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.Socket.Close()
}

// Registry maps peer identities to their live connection.
// A newer connection for the same identity replaces the older one.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*Peer
	log   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		peers: make(map[domain.PeerID]*Peer),
		log:   log,
	}
}

// Add registers p and returns the connection it replaced, if any.
func (r *Registry) Add(p *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.peers[p.ID]
	r.peers[p.ID] = p
	r.log.Info().Str("connId", p.ConnID).Str("peer", string(p.ID)).Msg("peer connected")
	return prev
}

// Remove unregisters p unless it was already replaced. Reports whether it removed anything.
func (r *Registry) Remove(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.ID] != p {
		return false
	}
	delete(r.peers, p.ID)
	r.log.Info().Str("connId", p.ConnID).Str("peer", string(p.ID)).Msg("peer disconnected")
	return true
}

// Get returns the live connection for id.
func (r *Registry) Get(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// IDs returns the connected peer ids, sorted.
func (r *Registry) IDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Broadcast sends an event to every connected peer.
func (r *Registry) Broadcast(event string, payload any, seq int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if err := p.SendEvent(event, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("peer", string(p.ID)).Msg("broadcast send failed")
		}
	}
}

// CloseAll closes and forgets every peer.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		p.Close()
		delete(r.peers, id)
	}
}
