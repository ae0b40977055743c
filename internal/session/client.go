// Package session composes the chat channel, the call coordinator and the
// history store behind one API per conversation, and owns the process-wide
// relay connection they share.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/media"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/transport"
	"github.com/soyeahso/parley/internal/wire"
)

// Options configure a Client. Bus, Negotiator and History are built from
// Config when nil; injected ones are not closed by the client.
type Options struct {
	Config     config.Config
	Paths      config.Paths
	Bus        transport.Bus
	Negotiator media.Negotiator
	History    store.History
}

// Client is the process-level entry point. It holds one relay connection,
// one chat channel and one history store, and hands out at most one Facade
// per peer so that no peer ever has two call coordinators.
type Client struct {
	cfg config.Config
	log *logging.Logger

	relay       *transport.Session // nil when the bus was injected
	bus         transport.Bus
	chat        *chat.Channel
	neg         media.Negotiator
	history     store.History
	ownsHistory bool

	opened    *events.Bus[*Facade]
	disposers []func()

	mu      sync.Mutex
	facades map[domain.PeerID]*Facade
	online  map[domain.PeerID]bool
	closed  bool
}

// New wires a client. It does not connect; call Open.
func New(opts Options, log *logging.Logger) (*Client, error) {
	log = log.Sub("session")
	c := &Client{
		cfg:     opts.Config,
		log:     log,
		bus:     opts.Bus,
		neg:     opts.Negotiator,
		history: opts.History,
		opened:  events.NewBus[*Facade](log),
		facades: make(map[domain.PeerID]*Facade),
		online:  make(map[domain.PeerID]bool),
	}

	if c.bus == nil {
		if opts.Config.Identity.PeerID == "" {
			return nil, &config.ConfigError{Message: "identity.peerId is required to connect"}
		}
		if opts.Config.Relay.URL == "" {
			return nil, &config.ConfigError{Message: "relay.url is required to connect"}
		}
		c.relay = transport.New(transport.OptionsFromConfig(opts.Config), log)
		c.bus = c.relay
	}
	if c.neg == nil {
		neg, err := media.NewPionNegotiator(media.OptionsFromConfig(opts.Config), log)
		if err != nil {
			c.closeOwned()
			return nil, fmt.Errorf("creating negotiator: %w", err)
		}
		c.neg = neg
	}
	if c.history == nil {
		h, err := store.OpenHistory(opts.Config, opts.Paths, log)
		if err != nil {
			c.closeOwned()
			return nil, fmt.Errorf("opening history: %w", err)
		}
		c.history = h
		c.ownsHistory = true
	}

	c.chat = chat.New(c.bus, opts.Config.Chat.DedupWindow, log)
	c.disposers = []func(){
		c.chat.OnIncoming(c.routeMessage),
		c.chat.OnTyping(c.routeTyping),
		c.chat.OnReceipt(c.routeReceipt),
		c.chat.OnPresence(c.routePresence),
		c.bus.On(wire.CallRing, c.routeRing),
	}
	return c, nil
}

// Open connects to the relay. Injected buses are assumed connected.
func (c *Client) Open(ctx context.Context) error {
	if c.isClosed() {
		return domain.ErrClosed
	}
	if c.relay == nil {
		return nil
	}
	return c.relay.Acquire(ctx)
}

// Self is the local peer.
func (c *Client) Self() domain.PeerID { return c.bus.Self() }

// Connected reports whether the relay link is up.
func (c *Client) Connected() bool {
	return c.relay == nil || c.relay.Connected()
}

// Peers lists who the relay last reported online.
func (c *Client) Peers() []domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PeerID, 0, len(c.online))
	for p, on := range c.online {
		if on {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// OnStatus subscribes to the relay's connect, disconnect and error events.
func (c *Client) OnStatus(h func(event string, p transport.StatusPayload)) func() {
	var disposers []func()
	for _, event := range []string{wire.EventConnect, wire.EventDisconnect, wire.EventError} {
		disposers = append(disposers, c.bus.On(event, func(raw json.RawMessage) {
			var p transport.StatusPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				c.log.Warn().Err(err).Str("event", event).Msg("dropping malformed status")
				return
			}
			h(event, p)
		}))
	}
	return func() {
		for _, dispose := range disposers {
			dispose()
		}
	}
}

// OnConversation fires whenever a new Facade is created, whether by
// Conversation or by a peer messaging or calling first. Handlers run before
// the triggering message or ring is processed, so they can subscribe to it.
func (c *Client) OnConversation(h func(*Facade)) func() {
	return c.opened.On("open", func(_ string, f *Facade) { h(f) })
}

// Conversation returns the facade for peer, creating it on first use.
func (c *Client) Conversation(peer domain.PeerID) (*Facade, error) {
	if peer == "" || peer == c.Self() {
		return nil, fmt.Errorf("invalid conversation peer %q", peer)
	}
	f, created, err := c.facade(peer)
	if err != nil {
		return nil, err
	}
	if created {
		c.opened.Emit("open", f)
	}
	return f, nil
}

func (c *Client) facade(peer domain.PeerID) (*Facade, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, domain.ErrClosed
	}
	if f, ok := c.facades[peer]; ok {
		return f, false, nil
	}
	opts := call.OptionsFromConfig(c.cfg.Call)
	opts.Peer = peer
	f := newFacade(c, peer, call.New(c.bus, c.neg, opts, c.log))
	if on, known := c.online[peer]; known {
		f.setPresence(on)
	}
	c.facades[peer] = f
	return f, true, nil
}

// existing returns the open facade for peer without creating one.
func (c *Client) existing(peer domain.PeerID) *Facade {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facades[peer]
}

func (c *Client) forget(peer domain.PeerID, f *Facade) {
	c.mu.Lock()
	if c.facades[peer] == f {
		delete(c.facades, peer)
	}
	c.mu.Unlock()
}

func (c *Client) routeMessage(msg domain.ChatMessage) {
	f, err := c.Conversation(msg.From)
	if err != nil {
		c.log.Debug().Err(err).Str("from", string(msg.From)).Msg("dropping incoming message")
		return
	}
	f.receive(msg)
}

func (c *Client) routeTyping(sig domain.TypingSignal) {
	if f := c.existing(sig.From); f != nil {
		f.publish(Typing{IsTyping: sig.IsTyping})
	}
}

func (c *Client) routeReceipt(r domain.DeliveryReceipt) {
	if f := c.existing(r.From); f != nil {
		f.receipt(r)
		return
	}
	// Conversations that are not open still keep their history current.
	if _, err := c.history.UpdateStatus(r.MessageID, r.Status); err != nil {
		c.log.Warn().Err(err).Str("messageId", r.MessageID).Msg("failed to record receipt")
	}
}

func (c *Client) routePresence(p domain.Presence) {
	c.mu.Lock()
	if p.Peers != nil {
		clear(c.online)
		for _, peer := range p.Peers {
			c.online[peer] = true
		}
	}
	if p.PeerID != "" {
		c.online[p.PeerID] = p.Online
	}
	facades := make([]*Facade, 0, len(c.facades))
	for _, f := range c.facades {
		facades = append(facades, f)
	}
	online := maps.Clone(c.online)
	c.mu.Unlock()

	for _, f := range facades {
		f.setPresence(online[f.peer])
	}
}

// routeRing opens a conversation for a peer that calls before one exists and
// hands it the ring its coordinator could not have seen.
func (c *Client) routeRing(raw json.RawMessage) {
	var p wire.CallInitPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.From == "" || p.From == c.Self() {
		return
	}
	f, created, err := c.facade(p.From)
	if err != nil || !created {
		return
	}
	c.opened.Emit("open", f)
	f.calls.Signal(wire.CallRing, raw)
}

// Close hangs up every call, closes every conversation and releases the relay
// connection and any store the client opened.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	facades := make([]*Facade, 0, len(c.facades))
	for _, f := range c.facades {
		facades = append(facades, f)
	}
	c.mu.Unlock()

	for _, f := range facades {
		f.Close()
	}
	for _, dispose := range c.disposers {
		dispose()
	}
	c.chat.Close()
	c.opened.Clear()
	return c.closeOwned()
}

func (c *Client) closeOwned() error {
	if c.relay != nil {
		c.relay.Close()
	}
	if c.ownsHistory && c.history != nil {
		if err := c.history.Close(); err != nil {
			return fmt.Errorf("closing history: %w", err)
		}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
