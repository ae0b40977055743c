package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/wire"
)

// Hub is an in-process relay. It forwards between MemoryBus endpoints with the
// same renaming, sender stamping and acks as the network relay, which makes it
// the transport of choice for tests and single-process demos.
type Hub struct {
	log *logging.Logger

	mu    sync.RWMutex
	peers map[domain.PeerID]*MemoryBus
	taps  []func(from domain.PeerID, method string, payload json.RawMessage)
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{log: log.Sub("hub"), peers: make(map[domain.PeerID]*MemoryBus)}
}

// Join attaches a new online endpoint for id, replacing any previous one.
func (h *Hub) Join(id domain.PeerID) *MemoryBus {
	bus := events.NewBus[json.RawMessage](h.log)
	b := &MemoryBus{hub: h, self: id, bus: bus, dispatch: newDispatch(bus), online: true}
	h.mu.Lock()
	prev := h.peers[id]
	h.peers[id] = b
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return b
}

// Tap observes every request sent through the hub, before forwarding.
func (h *Hub) Tap(fn func(from domain.PeerID, method string, payload json.RawMessage)) {
	h.mu.Lock()
	h.taps = append(h.taps, fn)
	h.mu.Unlock()
}

func (h *Hub) route(from domain.PeerID, method string, payload any) (wire.Ack, error) {
	event, ok := wire.Forwarded(method)
	if !ok {
		return wire.Ack{}, &wire.RemoteError{Method: method, Shape: wire.ErrorShape{Code: wire.CodeMethodNotFound, Message: "unknown method: " + method}}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return wire.Ack{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return wire.Ack{}, &wire.RemoteError{Method: method, Shape: wire.ErrorShape{Code: wire.CodeInvalidRequest, Message: "params must be an object"}}
	}
	var to domain.PeerID
	json.Unmarshal(fields["to"], &to)
	if to == "" || to == from {
		return wire.Ack{}, &wire.RemoteError{Method: method, Shape: wire.ErrorShape{Code: wire.CodeInvalidRequest, Message: "bad recipient"}}
	}
	fields["from"], _ = json.Marshal(from)
	forwarded, _ := json.Marshal(fields)

	h.mu.RLock()
	taps := append([]func(domain.PeerID, string, json.RawMessage){}, h.taps...)
	target := h.peers[to]
	h.mu.RUnlock()

	for _, tap := range taps {
		tap(from, method, forwarded)
	}

	ack := wire.Ack{}
	if target != nil && target.Online() {
		target.dispatch.Push(delivery{event: event, payload: forwarded})
		ack.Delivered = true
	}
	if method == wire.ChatSend && ack.Delivered {
		var msgID string
		json.Unmarshal(fields["messageId"], &msgID)
		ack.Receipt = &domain.DeliveryReceipt{MessageID: msgID, Status: domain.StatusSent, From: from, To: to}
	}
	return ack, nil
}

// MemoryBus is one endpoint attached to a Hub. It implements Bus.
type MemoryBus struct {
	hub      *Hub
	self     domain.PeerID
	bus      *events.Bus[json.RawMessage]
	dispatch *events.Queue[delivery]

	mu     sync.Mutex
	online bool
}

var _ Bus = (*MemoryBus)(nil)

// Self implements Bus.
func (b *MemoryBus) Self() domain.PeerID { return b.self }

// Online reports whether the endpoint is attached.
func (b *MemoryBus) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// SetOnline simulates losing or regaining the relay connection.
func (b *MemoryBus) SetOnline(online bool) {
	b.mu.Lock()
	b.online = online
	b.mu.Unlock()
}

// Emit implements Bus.
func (b *MemoryBus) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.Online() {
		return nil, domain.ErrTransportUnavailable
	}
	ack, err := b.hub.route(b.self, event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ack)
}

// Notify implements Bus.
func (b *MemoryBus) Notify(event string, payload any) error {
	if !b.Online() {
		return domain.ErrTransportUnavailable
	}
	_, err := b.hub.route(b.self, event, payload)
	return err
}

// On implements Bus.
func (b *MemoryBus) On(event string, handler func(json.RawMessage)) func() {
	return b.bus.On(event, func(_ string, payload json.RawMessage) { handler(payload) })
}

// Inject delivers an event to this endpoint as if the relay had sent it.
func (b *MemoryBus) Inject(event string, payload any) {
	raw, _ := json.Marshal(payload)
	b.dispatch.Push(delivery{event: event, payload: raw})
}

// Close detaches the endpoint and stops delivery.
func (b *MemoryBus) Close() {
	b.SetOnline(false)
	b.dispatch.Close()
}
