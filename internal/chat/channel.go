// Package chat layers conversation messages, typing hints and delivery
// receipts over the shared transport session.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/transport"
	"github.com/soyeahso/parley/internal/wire"
)

// DefaultDedupWindow is how many message ids the channel remembers.
const DefaultDedupWindow = 4096

// Channel sends and receives chat traffic for the local peer. It keeps no
// history; callers append to their own.
//
// Every distinct messageId reaches OnIncoming subscribers exactly once while it
// stays inside the dedup window. Receipts only ever move forward.
type Channel struct {
	bus transport.Bus
	log *logging.Logger
	now func() time.Time

	seen *lru.Cache[string, struct{}]

	receiptMu sync.Mutex
	inbound   *lru.Cache[string, domain.ReceiptStatus]
	outbound  *lru.Cache[string, domain.ReceiptStatus]

	incoming *events.Bus[domain.ChatMessage]
	typing   *events.Bus[domain.TypingSignal]
	receipts *events.Bus[domain.DeliveryReceipt]
	presence *events.Bus[domain.Presence]

	disposers []func()
	closeOnce sync.Once
}

// New subscribes a channel to bus. Close releases the subscriptions.
func New(bus transport.Bus, dedupWindow int, log *logging.Logger) *Channel {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	log = log.Sub("chat")

	// lru.New only fails for a non-positive size.
	seen, _ := lru.New[string, struct{}](dedupWindow)
	inbound, _ := lru.New[string, domain.ReceiptStatus](dedupWindow)
	outbound, _ := lru.New[string, domain.ReceiptStatus](dedupWindow)

	c := &Channel{
		bus:      bus,
		log:      log,
		now:      time.Now,
		seen:     seen,
		inbound:  inbound,
		outbound: outbound,
		incoming: events.NewBus[domain.ChatMessage](log),
		typing:   events.NewBus[domain.TypingSignal](log),
		receipts: events.NewBus[domain.DeliveryReceipt](log),
		presence: events.NewBus[domain.Presence](log),
	}
	c.disposers = []func(){
		bus.On(wire.ChatDeliver, c.handleDeliver),
		bus.On(wire.ChatTyping, c.handleTyping),
		bus.On(wire.ChatReceipt, c.handleReceipt),
		bus.On(wire.PresenceState, c.handlePresence),
	}
	return c
}

// Self is the local peer.
func (c *Channel) Self() domain.PeerID { return c.bus.Self() }

// Compose builds a new message addressed to to with a fresh messageId.
func (c *Channel) Compose(to domain.PeerID, text string, meta json.RawMessage) domain.ChatMessage {
	return domain.ChatMessage{
		From:      c.bus.Self(),
		To:        to,
		MessageID: uuid.New().String(),
		Text:      text,
		Meta:      meta,
		Timestamp: c.now().UTC(),
	}
}

// Deliver emits msg as chat:send and returns the relay's ack. ErrAckTimeout
// means the relay may or may not have the message. There are no retries.
func (c *Channel) Deliver(ctx context.Context, msg domain.ChatMessage) (wire.Ack, error) {
	if msg.To == "" {
		return wire.Ack{}, fmt.Errorf("chat: message %s has no recipient", msg.MessageID)
	}
	raw, err := c.bus.Emit(ctx, wire.ChatSend, wire.ChatPayload{
		Route:     wire.Route{To: msg.To},
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Meta:      msg.Meta,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return wire.Ack{}, err
	}

	var ack wire.Ack
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &ack); err != nil {
			return wire.Ack{}, fmt.Errorf("chat: parsing ack: %w", err)
		}
	}
	if ack.Receipt != nil {
		c.advance(c.inbound, ack.Receipt.MessageID, ack.Receipt.Status)
	}
	return ack, nil
}

// Send composes and delivers in one step.
func (c *Channel) Send(ctx context.Context, to domain.PeerID, text string, meta json.RawMessage) (domain.ChatMessage, wire.Ack, error) {
	msg := c.Compose(to, text, meta)
	ack, err := c.Deliver(ctx, msg)
	return msg, ack, err
}

// SetTyping is a soft hint. It is never acknowledged and may be lost.
func (c *Channel) SetTyping(to domain.PeerID, isTyping bool) error {
	return c.bus.Notify(wire.ChatTyping, wire.TypingPayload{Route: wire.Route{To: to}, IsTyping: isTyping})
}

// SendReceipt tells to that messageID reached status. A receipt that would not
// advance what was already reported is skipped.
func (c *Channel) SendReceipt(to domain.PeerID, messageID string, status domain.ReceiptStatus) error {
	if !status.Valid() {
		return fmt.Errorf("chat: invalid receipt status %q", status)
	}
	if !c.advance(c.outbound, messageID, status) {
		return nil
	}
	return c.bus.Notify(wire.ChatReceipt, wire.ReceiptPayload{
		Route:     wire.Route{To: to},
		MessageID: messageID,
		Status:    status,
	})
}

// OnIncoming subscribes to distinct incoming messages.
func (c *Channel) OnIncoming(h func(domain.ChatMessage)) func() {
	return c.incoming.On(wire.ChatDeliver, func(_ string, m domain.ChatMessage) { h(m) })
}

// OnTyping subscribes to typing hints.
func (c *Channel) OnTyping(h func(domain.TypingSignal)) func() {
	return c.typing.On(wire.ChatTyping, func(_ string, s domain.TypingSignal) { h(s) })
}

// OnReceipt subscribes to receipts that advance a message's status.
func (c *Channel) OnReceipt(h func(domain.DeliveryReceipt)) func() {
	return c.receipts.On(wire.ChatReceipt, func(_ string, r domain.DeliveryReceipt) { h(r) })
}

// OnPresence subscribes to relay presence updates.
func (c *Channel) OnPresence(h func(domain.Presence)) func() {
	return c.presence.On(wire.PresenceState, func(_ string, p domain.Presence) { h(p) })
}

// Close drops the transport subscriptions and every local subscriber.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		for _, dispose := range c.disposers {
			dispose()
		}
		c.incoming.Clear()
		c.typing.Clear()
		c.receipts.Clear()
		c.presence.Clear()
	})
}

func (c *Channel) handleDeliver(raw json.RawMessage) {
	var p wire.ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed chat:deliver")
		return
	}
	if p.MessageID == "" || p.From == "" {
		c.log.Debug().Msg("dropping chat:deliver without messageId or sender")
		return
	}
	if p.To != "" && p.To != c.bus.Self() {
		c.log.Debug().Str("to", string(p.To)).Err(domain.ErrPeerMismatch).Msg("ignoring message for another peer")
		return
	}
	if seen, _ := c.seen.ContainsOrAdd(p.MessageID, struct{}{}); seen {
		c.log.Debug().Str("messageId", p.MessageID).Err(domain.ErrDuplicateMessage).Msg("dropping duplicate delivery")
		return
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = c.now().UTC()
	}
	c.incoming.Emit(wire.ChatDeliver, domain.ChatMessage{
		From:      p.From,
		To:        c.bus.Self(),
		MessageID: p.MessageID,
		Text:      p.Text,
		Meta:      p.Meta,
		Timestamp: ts,
	})
}

func (c *Channel) handleTyping(raw json.RawMessage) {
	var p wire.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.From == "" {
		return
	}
	c.typing.Emit(wire.ChatTyping, domain.TypingSignal{From: p.From, To: c.bus.Self(), IsTyping: p.IsTyping})
}

func (c *Channel) handleReceipt(raw json.RawMessage) {
	var p wire.ReceiptPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed chat:receipt")
		return
	}
	if p.MessageID == "" || !p.Status.Valid() {
		c.log.Debug().Str("status", string(p.Status)).Msg("dropping invalid receipt")
		return
	}
	if !c.advance(c.inbound, p.MessageID, p.Status) {
		c.log.Debug().Str("messageId", p.MessageID).Str("status", string(p.Status)).Msg("ignoring stale receipt")
		return
	}
	c.receipts.Emit(wire.ChatReceipt, domain.DeliveryReceipt{
		MessageID: p.MessageID,
		Status:    p.Status,
		From:      p.From,
		To:        c.bus.Self(),
	})
}

func (c *Channel) handlePresence(raw json.RawMessage) {
	var p domain.Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed presence")
		return
	}
	c.presence.Emit(wire.PresenceState, p)
}

// advance records status for id if it moves forward and reports whether it did.
func (c *Channel) advance(cache *lru.Cache[string, domain.ReceiptStatus], id string, status domain.ReceiptStatus) bool {
	c.receiptMu.Lock()
	defer c.receiptMu.Unlock()
	if cur, ok := cache.Get(id); ok && !cur.Advances(status) {
		return false
	}
	cache.Add(id, status)
	return true
}
