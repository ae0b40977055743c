package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/media"
	"github.com/soyeahso/parley/internal/transport"
	"github.com/soyeahso/parley/internal/wire"
)

const (
	eventName = "call"

	// Limits for signals stashed before their ring arrives. Candidates for
	// the active call are not capped; the ring and negotiation timeouts end it.
	maxEarlyPeers      = 32
	maxEarlyCandidates = 256
)

// Options tune a Coordinator.
type Options struct {
	// Peer scopes the coordinator to one remote peer. Empty accepts any peer.
	Peer domain.PeerID
	// RingTimeout ends unanswered rings. Zero disables it.
	RingTimeout time.Duration
	// NegotiationTimeout fails calls stuck before connected. Zero disables it.
	NegotiationTimeout time.Duration
}

// OptionsFromConfig maps the call section onto Options.
func OptionsFromConfig(cfg config.CallConfig) Options {
	return Options{
		RingTimeout:        cfg.RingTimeout(),
		NegotiationTimeout: cfg.NegotiationTimeout(),
	}
}

// outbound is one signal waiting in the send queue.
type outbound struct {
	callID  uint64
	event   string
	payload any
	notify  bool
}

// early holds signals from a peer whose ring has not arrived yet.
type early struct {
	offer *domain.SessionDescription
	ice   []domain.ICECandidate
}

// active is the one non-idle call.
type active struct {
	id     uint64
	peer   domain.PeerID
	dir    domain.CallDirection
	kind   domain.CallKind
	conn   media.Connection
	stream media.Stream

	offer     *domain.SessionDescription // remote offer waiting for accept
	remoteSet bool
	localSent bool
	inbound   []domain.ICECandidate // wait for conn and remote description
	outbound  []domain.ICECandidate // wait for the local description to go out
	timer     *time.Timer
}

// Coordinator owns the call state machine. Every transition runs on one
// mailbox goroutine, so commands, signals and media callbacks never
// interleave. Outgoing signals leave through a FIFO send queue and events
// reach subscribers through their own queue, so subscribers may issue
// commands.
type Coordinator struct {
	bus  transport.Bus
	neg  media.Negotiator
	opts Options
	log  *logging.Logger

	mailbox *events.Queue[func()]
	outbox  *events.Queue[outbound]
	notify  *events.Queue[Event]
	subs    *events.Bus[Event]

	handlers  map[string]func(json.RawMessage)
	disposers []func()
	closeOnce sync.Once

	// Owned by the mailbox goroutine.
	state  State
	call   *active
	early  map[domain.PeerID]*early
	nextID uint64

	mu   sync.RWMutex
	info Info
}

// New subscribes a coordinator to the call signals on bus.
func New(bus transport.Bus, neg media.Negotiator, opts Options, log *logging.Logger) *Coordinator {
	log = log.Sub("call")
	if opts.Peer != "" {
		log = log.With("scope", string(opts.Peer))
	}
	c := &Coordinator{
		bus:   bus,
		neg:   neg,
		opts:  opts,
		log:   log,
		subs:  events.NewBus[Event](log),
		state: Idle,
		early: make(map[domain.PeerID]*early),
		info:  Info{State: Idle},
	}
	c.notify = events.NewQueue(func(e Event) { c.subs.Emit(eventName, e) })
	c.outbox = events.NewQueue(c.send)
	c.mailbox = events.NewQueue(func(fn func()) { fn() })

	c.handlers = map[string]func(json.RawMessage){
		wire.CallRing:   c.onRing,
		wire.CallOffer:  c.onOffer,
		wire.CallAnswer: c.onAnswer,
		wire.CallAccept: c.onAccept,
		wire.CallICE:    c.onICE,
		wire.CallEnd:    c.onEnd,
	}
	for event, handle := range c.handlers {
		c.disposers = append(c.disposers, c.bus.On(event, func(raw json.RawMessage) {
			c.mailbox.Push(func() { handle(raw) })
		}))
	}
	return c
}

// Signal feeds a call signal that reached the process before this coordinator
// subscribed, such as the ring that caused it to be created. It reports false
// for unknown events or after Close.
func (c *Coordinator) Signal(event string, raw json.RawMessage) bool {
	handle, ok := c.handlers[event]
	if !ok {
		return false
	}
	return c.mailbox.Push(func() { handle(raw) })
}

// OnEvent subscribes to call events. The disposer is idempotent.
func (c *Coordinator) OnEvent(h func(Event)) func() {
	return c.subs.On(eventName, func(_ string, e Event) { h(e) })
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.State
}

// Current describes the active call, if any.
func (c *Coordinator) Current() (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info, c.info.State != Idle
}

// Phases of a command posted by do.
const (
	cmdPending int32 = iota
	cmdRunning
	cmdAbandoned
)

// do runs fn on the mailbox goroutine and waits for its result. If ctx ends
// before fn starts, fn never runs and the caller gets ctx.Err(). Once fn has
// started the caller waits for it, so the returned error always matches
// the coordinator's state.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	var phase atomic.Int32
	res := make(chan error, 1)
	pushed := c.mailbox.Push(func() {
		if !phase.CompareAndSwap(cmdPending, cmdRunning) {
			return
		}
		if err := ctx.Err(); err != nil {
			res <- err
			return
		}
		res <- fn()
	})
	if !pushed {
		return domain.ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		if phase.CompareAndSwap(cmdPending, cmdAbandoned) {
			return ctx.Err()
		}
		return <-res
	}
}

// StartCall rings peer. It returns once local media is attached and the ring
// and offer are queued for sending.
func (c *Coordinator) StartCall(ctx context.Context, peer domain.PeerID, kind domain.CallKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown call kind %q", kind)
	}
	if peer == "" || peer == c.bus.Self() {
		return fmt.Errorf("cannot call %q", peer)
	}
	if !c.inScope(peer) {
		return fmt.Errorf("%w: coordinator is scoped to %s", domain.ErrPeerMismatch, c.opts.Peer)
	}

	return c.do(ctx, func() error {
		if c.call != nil {
			return domain.ErrBusy
		}
		delete(c.early, peer)
		a := c.begin(peer, domain.CallOutgoing, kind)

		if err := c.prepare(ctx, a); err != nil {
			c.fail(err, "")
			return err
		}
		offer, err := a.conn.CreateOffer(ctx)
		if err != nil {
			err = fmt.Errorf("%w: creating offer: %v", domain.ErrNegotiationFailed, err)
			c.fail(err, "")
			return err
		}
		// Nothing was sent yet, so a caller that gave up leaves no trace.
		if err := ctx.Err(); err != nil {
			c.fail(err, "")
			return err
		}

		c.transition(OutgoingRinging)
		c.enqueue(a, wire.CallInit, wire.CallInitPayload{Route: wire.Route{To: peer}, Type: kind})
		c.sendLocalDescription(a, wire.CallOffer, offer)
		c.arm(a, c.opts.RingTimeout, c.ringExpired)
		c.log.Info().Str("peer", string(peer)).Str("kind", string(kind)).Msg("calling")
		return nil
	})
}

// AcceptCall answers the ringing call.
func (c *Coordinator) AcceptCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		a := c.call
		if a == nil || c.state != IncomingRinging {
			return domain.ErrInvalidState
		}
		if err := c.prepare(ctx, a); err != nil {
			c.fail(err, domain.EndFailed)
			return err
		}
		if err := ctx.Err(); err != nil {
			c.fail(err, domain.EndFailed)
			return err
		}

		c.transition(Negotiating)
		c.enqueue(a, wire.CallAccept, wire.AcceptPayload{Route: wire.Route{To: a.peer}})
		if a.offer != nil {
			offer := *a.offer
			a.offer = nil
			if err := c.answer(ctx, a, offer); err != nil {
				c.fail(err, domain.EndFailed)
				return err
			}
		}
		c.arm(a, c.opts.NegotiationTimeout, c.negotiationExpired)
		c.log.Info().Str("peer", string(a.peer)).Msg("accepted call")
		return nil
	})
}

// Dismiss declines a ringing call. In any other non-idle state it hangs up.
// It is a no-op when idle.
func (c *Coordinator) Dismiss(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.call == nil {
			return nil
		}
		if c.state == IncomingRinging {
			c.end(domain.EndDeclined, false)
			return nil
		}
		c.end(domain.EndHangup, false)
		return nil
	})
}

// Hangup ends the call from any non-idle state. Calling it again is a no-op,
// so exactly one call:end goes out.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.call != nil {
			c.end(domain.EndHangup, false)
		}
		return nil
	})
}

// Close hangs up any active call, drops the signal subscriptions and stops
// the coordinator. Queued signals and events are still flushed.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		for _, dispose := range c.disposers {
			dispose()
		}
		done := make(chan struct{})
		if c.mailbox.Push(func() {
			if c.call != nil {
				c.end(domain.EndHangup, false)
			}
			close(done)
		}) {
			<-done
		}
		c.mailbox.Close()
		c.outbox.Close()
		c.notify.Close()
	})
}

func (c *Coordinator) inScope(peer domain.PeerID) bool {
	return c.opts.Peer == "" || c.opts.Peer == peer
}

func (c *Coordinator) begin(peer domain.PeerID, dir domain.CallDirection, kind domain.CallKind) *active {
	c.nextID++
	a := &active{id: c.nextID, peer: peer, dir: dir, kind: kind}
	c.call = a
	return a
}

// prepare acquires local media and a connection handle for a.
func (c *Coordinator) prepare(ctx context.Context, a *active) error {
	stream, err := c.neg.AcquireMedia(ctx, a.kind)
	if err != nil {
		return fmt.Errorf("acquiring %s media: %w", a.kind, err)
	}
	a.stream = stream

	conn, err := c.neg.CreateConnection(ctx)
	if err != nil {
		return fmt.Errorf("%w: creating connection: %v", domain.ErrNegotiationFailed, err)
	}
	a.conn = conn
	c.watch(a)

	if err := conn.AttachMedia(stream); err != nil {
		return fmt.Errorf("%w: attaching media: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

// watch routes connection callbacks into the mailbox, tagged with the call
// id so callbacks from a finished call are ignored.
func (c *Coordinator) watch(a *active) {
	id := a.id
	a.conn.OnICECandidate(func(cand domain.ICECandidate) {
		c.mailbox.Push(func() { c.localCandidate(id, cand) })
	})
	a.conn.OnStateChange(func(s media.ConnectionState) {
		c.mailbox.Push(func() { c.connState(id, s) })
	})
	a.conn.OnRemoteTrack(func(t media.RemoteTrack) {
		c.mailbox.Push(func() { c.remoteTrack(id, t) })
	})
}

func (c *Coordinator) current(id uint64) *active {
	if c.call == nil || c.call.id != id {
		return nil
	}
	return c.call
}

func (c *Coordinator) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	var peer domain.PeerID
	info := Info{State: to}
	if a := c.call; a != nil {
		peer = a.peer
		if to != Idle {
			info = Info{Peer: a.peer, Direction: a.dir, Kind: a.kind, State: to}
		}
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	c.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("peer", string(peer)).Msg("call state")
	c.notify.Push(StateChanged{Peer: peer, From: from, To: to})
}

func (c *Coordinator) enqueue(a *active, event string, payload any) {
	c.outbox.Push(outbound{callID: a.id, event: event, payload: payload})
}

// send runs on the outbox goroutine. Signals leave in queue order.
func (c *Coordinator) send(o outbound) {
	if o.notify {
		if err := c.bus.Notify(o.event, o.payload); err != nil {
			c.log.Debug().Err(err).Str("event", o.event).Msg("signal not sent")
		}
		return
	}
	raw, err := c.bus.Emit(context.Background(), o.event, o.payload)
	c.mailbox.Push(func() { c.acked(o, raw, err) })
}

func (c *Coordinator) acked(o outbound, raw json.RawMessage, err error) {
	a := c.current(o.callID)
	if a == nil {
		if err != nil {
			c.log.Debug().Err(err).Str("event", o.event).Msg("signal for finished call not sent")
		}
		return
	}
	if err != nil {
		if errors.Is(err, domain.ErrAckTimeout) {
			c.log.Warn().Str("event", o.event).Msg("signal unconfirmed")
			return
		}
		if o.event == wire.CallEnd {
			return
		}
		c.fail(fmt.Errorf("sending %s: %w", o.event, err), "")
		return
	}

	if o.event != wire.CallInit || len(raw) == 0 {
		return
	}
	var ack wire.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		c.log.Debug().Err(err).Msg("unparseable call:init ack")
		return
	}
	if !ack.Delivered {
		c.fail(fmt.Errorf("%w: %s is offline", domain.ErrPeerUnavailable, a.peer), "")
	}
}

func (c *Coordinator) sendLocalDescription(a *active, event string, sd domain.SessionDescription) {
	c.enqueue(a, event, wire.SDPPayload{Route: wire.Route{To: a.peer}, SDP: sd})
	a.localSent = true
	for _, cand := range a.outbound {
		c.sendCandidate(a, cand)
	}
	a.outbound = nil
}

func (c *Coordinator) sendCandidate(a *active, cand domain.ICECandidate) {
	c.outbox.Push(outbound{
		callID:  a.id,
		event:   wire.CallICE,
		payload: wire.ICEPayload{Route: wire.Route{To: a.peer}, Candidate: cand},
		notify:  true,
	})
}

func (c *Coordinator) localCandidate(id uint64, cand domain.ICECandidate) {
	a := c.current(id)
	if a == nil {
		return
	}
	if !a.localSent {
		a.outbound = append(a.outbound, cand)
		return
	}
	c.sendCandidate(a, cand)
}

func (c *Coordinator) applyRemote(a *active, sd domain.SessionDescription) error {
	if err := a.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	a.remoteSet = true
	for _, cand := range a.inbound {
		c.addCandidate(a, cand)
	}
	a.inbound = nil
	return nil
}

func (c *Coordinator) answer(ctx context.Context, a *active, offer domain.SessionDescription) error {
	if err := c.applyRemote(a, offer); err != nil {
		return err
	}
	answer, err := a.conn.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("%w: creating answer: %v", domain.ErrNegotiationFailed, err)
	}
	c.sendLocalDescription(a, wire.CallAnswer, answer)
	return nil
}

func (c *Coordinator) addCandidate(a *active, cand domain.ICECandidate) {
	if err := a.conn.AddICECandidate(cand); err != nil {
		c.log.Warn().Err(err).Msg("rejected remote candidate")
	}
}

func (c *Coordinator) connState(id uint64, s media.ConnectionState) {
	if c.current(id) == nil {
		return
	}
	switch s {
	case media.StateConnected:
		if c.state == Negotiating {
			c.stopTimer()
			c.transition(Connected)
			c.log.Info().Str("peer", string(c.call.peer)).Msg("call connected")
		}
	case media.StateFailed:
		if c.state == Negotiating || c.state == Connected {
			c.fail(fmt.Errorf("%w: connection failed", domain.ErrNegotiationFailed), domain.EndFailed)
		}
	case media.StateDisconnected:
		c.log.Warn().Msg("connection interrupted")
	}
}

func (c *Coordinator) remoteTrack(id uint64, t media.RemoteTrack) {
	a := c.current(id)
	if a == nil {
		return
	}
	c.notify.Push(RemoteTrackAdded{Peer: a.peer, Track: t})
}

func (c *Coordinator) arm(a *active, d time.Duration, expire func(id uint64)) {
	c.stopTimer()
	if d <= 0 {
		return
	}
	id := a.id
	a.timer = time.AfterFunc(d, func() {
		c.mailbox.Push(func() { expire(id) })
	})
}

func (c *Coordinator) stopTimer() {
	if a := c.call; a != nil && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (c *Coordinator) ringExpired(id uint64) {
	if c.current(id) == nil || !c.state.Ringing() {
		return
	}
	c.log.Info().Str("peer", string(c.call.peer)).Msg("ring timed out")
	c.end(domain.EndTimeout, false)
}

func (c *Coordinator) negotiationExpired(id uint64) {
	if c.current(id) == nil || c.state != Negotiating {
		return
	}
	c.fail(fmt.Errorf("%w: not connected within %s", domain.ErrNegotiationFailed, c.opts.NegotiationTimeout), domain.EndFailed)
}

// release closes the connection handle and local tracks of a.
func (c *Coordinator) release(a *active) {
	c.stopTimer()
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("closing connection")
		}
	}
	if a.stream != nil {
		a.stream.Close()
	}
	a.inbound, a.outbound, a.offer = nil, nil, nil
}

// end finishes the call normally through Ending and Ended, or straight to
// Idle for a ring that was never answered. A locally ended
// call tells the peer why.
func (c *Coordinator) end(reason string, remote bool) {
	a := c.call
	if a == nil {
		return
	}
	if !remote {
		c.enqueue(a, wire.CallEnd, wire.EndPayload{Route: wire.Route{To: a.peer}, Reason: reason})
	}
	if c.state == IncomingRinging {
		// An unanswered ring is simply discarded.
		c.release(a)
		c.transition(Idle)
	} else {
		c.transition(Ending)
		c.release(a)
		c.transition(Ended)
		c.transition(Idle)
	}
	c.call = nil

	c.log.Info().Str("peer", string(a.peer)).Str("reason", reason).Bool("remote", remote).Msg("call ended")
	c.notify.Push(CallEnded{Peer: a.peer, Reason: reason, Remote: remote})
}

// fail abandons the call straight to Idle and publishes the one terminal
// error. A non-empty notify reason is sent to the peer as call:end.
func (c *Coordinator) fail(err error, notify string) {
	a := c.call
	if a == nil {
		return
	}
	if notify != "" {
		c.enqueue(a, wire.CallEnd, wire.EndPayload{Route: wire.Route{To: a.peer}, Reason: notify})
	}
	c.release(a)
	c.transition(Idle)
	c.call = nil

	reason := domain.EndFailed
	if errors.Is(err, domain.ErrPeerUnavailable) {
		reason = domain.EndOffline
	}
	c.log.Warn().Err(err).Str("peer", string(a.peer)).Msg("call failed")
	c.notify.Push(CallError{Peer: a.peer, Reason: reason, Err: err})
}
