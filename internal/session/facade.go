package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/store"
)

const eventName = "session"

var errNotFailed = errors.New("message is not a failed outgoing message")

// Facade is the per-conversation API a UI talks to. It owns the
// conversation's history and its call coordinator. Events are delivered on a
// dedicated goroutine, so handlers may call back into the facade.
type Facade struct {
	client  *Client
	peer    domain.PeerID
	key     domain.ConversationKey
	chat    *chat.Channel
	history store.History
	calls   *call.Coordinator
	limit   int
	log     *logging.Logger

	subs         *events.Bus[Event]
	notify       *events.Queue[Event]
	disposeCalls func()
	closeOnce    sync.Once
	closed       atomic.Bool

	presenceMu    sync.Mutex
	online        bool
	presenceKnown bool
}

func newFacade(c *Client, peer domain.PeerID, calls *call.Coordinator) *Facade {
	log := c.log.With("peer", string(peer))
	limit := c.cfg.Chat.HistoryLimit
	if limit <= 0 {
		limit = config.DefaultHistoryLimit
	}
	f := &Facade{
		client:  c,
		peer:    peer,
		key:     domain.NewConversationKey(c.Self(), peer),
		chat:    c.chat,
		history: c.history,
		calls:   calls,
		limit:   limit,
		log:     log,
		subs:    events.NewBus[Event](log),
	}
	f.notify = events.NewQueue(func(e Event) { f.subs.Emit(eventName, e) })
	f.disposeCalls = calls.OnEvent(func(e call.Event) { f.publish(Call{Event: e}) })
	return f
}

// Peer is the other party.
func (f *Facade) Peer() domain.PeerID { return f.peer }

// Key identifies the conversation in history.
func (f *Facade) Key() domain.ConversationKey { return f.key }

// OnEvent subscribes to the conversation's events. The disposer is idempotent.
func (f *Facade) OnEvent(h func(Event)) func() {
	return f.subs.On(eventName, func(_ string, e Event) { h(e) })
}

func (f *Facade) publish(e Event) {
	f.notify.Push(e)
}

// Send appends the message to history as pending, then delivers it. A
// confirmed ack moves it to sent. If delivery fails or stays unconfirmed the
// entry is kept and flagged failed; Resend can retry it.
func (f *Facade) Send(ctx context.Context, text string, meta json.RawMessage) (store.Entry, error) {
	if f.closed.Load() {
		return store.Entry{}, domain.ErrClosed
	}
	msg := f.chat.Compose(f.peer, text, meta)
	e := store.Entry{ChatMessage: msg, Status: domain.StatusPending, UpdatedAt: msg.Timestamp}
	if _, err := f.history.Append(e); err != nil {
		return e, fmt.Errorf("storing message: %w", err)
	}
	f.publish(MessageUpdated{Message: e})
	return f.deliver(ctx, e)
}

// Resend retries a message flagged failed. The messageId is reused, so a peer
// that did receive the first attempt drops the copy.
func (f *Facade) Resend(ctx context.Context, messageID string) (store.Entry, error) {
	if f.closed.Load() {
		return store.Entry{}, domain.ErrClosed
	}
	e, ok, err := f.history.Get(messageID)
	if err != nil {
		return store.Entry{}, err
	}
	if !ok || e.From != f.chat.Self() || e.To != f.peer || !e.Failed {
		return e, fmt.Errorf("resend %s: %w", messageID, errNotFailed)
	}
	return f.deliver(ctx, e)
}

func (f *Facade) deliver(ctx context.Context, e store.Entry) (store.Entry, error) {
	ack, err := f.chat.Deliver(ctx, e.ChatMessage)
	if err == nil && !ack.Delivered {
		err = domain.ErrPeerUnavailable
	}
	if err != nil {
		f.log.Warn().Err(err).Str("messageId", e.MessageID).Msg("message delivery not confirmed")
		if _, merr := f.history.MarkFailed(e.MessageID); merr != nil {
			f.log.Error().Err(merr).Str("messageId", e.MessageID).Msg("failed to flag message")
		}
		return f.refresh(e), fmt.Errorf("sending message: %w", err)
	}

	status := domain.StatusSent
	if ack.Receipt != nil && ack.Receipt.MessageID == e.MessageID && ack.Receipt.Status.Valid() {
		status = ack.Receipt.Status
	}
	if _, err := f.history.UpdateStatus(e.MessageID, status); err != nil {
		f.log.Error().Err(err).Str("messageId", e.MessageID).Msg("failed to record send")
	}
	return f.refresh(e), nil
}

// refresh reloads e from history and publishes it.
func (f *Facade) refresh(e store.Entry) store.Entry {
	if got, ok, err := f.history.Get(e.MessageID); err == nil && ok {
		e = got
	}
	f.publish(MessageUpdated{Message: e})
	return e
}

// History returns up to limit of the newest messages, oldest first. limit <= 0
// uses the configured history limit.
func (f *Facade) History(limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = f.limit
	}
	return f.history.Conversation(f.key, limit)
}

// SetTyping sends a typing hint. Errors only mean the hint was not sent.
func (f *Facade) SetTyping(isTyping bool) error {
	return f.chat.SetTyping(f.peer, isTyping)
}

// MarkSeen sends a seen receipt for every incoming message in the history
// window that has not been reported seen. It returns how many were marked.
func (f *Facade) MarkSeen() (int, error) {
	entries, err := f.history.Conversation(f.key, f.limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.From != f.peer || e.Status == domain.StatusSeen {
			continue
		}
		if err := f.chat.SendReceipt(f.peer, e.MessageID, domain.StatusSeen); err != nil {
			return n, fmt.Errorf("sending seen receipt: %w", err)
		}
		if _, err := f.history.UpdateStatus(e.MessageID, domain.StatusSeen); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// receive stores an incoming message and acknowledges it as delivered.
func (f *Facade) receive(msg domain.ChatMessage) {
	e := store.Entry{ChatMessage: msg, Status: domain.StatusDelivered, UpdatedAt: msg.Timestamp}
	added, err := f.history.Append(e)
	if err != nil {
		f.log.Error().Err(err).Str("messageId", msg.MessageID).Msg("failed to store incoming message")
		return
	}
	if !added {
		// Already stored by an earlier run; the dedup window has since moved on.
		f.log.Debug().Str("messageId", msg.MessageID).Err(domain.ErrDuplicateMessage).Msg("dropping stored message")
		return
	}
	if err := f.chat.SendReceipt(f.peer, msg.MessageID, domain.StatusDelivered); err != nil {
		f.log.Debug().Err(err).Str("messageId", msg.MessageID).Msg("delivered receipt not sent")
	}
	f.publish(MessageReceived{Message: e})
}

func (f *Facade) receipt(r domain.DeliveryReceipt) {
	if _, err := f.history.UpdateStatus(r.MessageID, r.Status); err != nil {
		f.log.Warn().Err(err).Str("messageId", r.MessageID).Msg("failed to record receipt")
	}
	f.publish(Receipt{Receipt: r})
}

// setPresence publishes only changes.
func (f *Facade) setPresence(online bool) {
	f.presenceMu.Lock()
	if f.presenceKnown && f.online == online {
		f.presenceMu.Unlock()
		return
	}
	f.presenceKnown = true
	f.online = online
	f.presenceMu.Unlock()
	f.publish(Presence{Online: online})
}

// Online reports the peer's last known presence.
func (f *Facade) Online() (online, known bool) {
	f.presenceMu.Lock()
	defer f.presenceMu.Unlock()
	return f.online, f.presenceKnown
}

// StartCall rings the peer.
func (f *Facade) StartCall(ctx context.Context, kind domain.CallKind) error {
	return f.calls.StartCall(ctx, f.peer, kind)
}

// AcceptCall answers the ringing call.
func (f *Facade) AcceptCall(ctx context.Context) error {
	return f.calls.AcceptCall(ctx)
}

// Dismiss declines a ring, or hangs up any other call.
func (f *Facade) Dismiss(ctx context.Context) error {
	return f.calls.Dismiss(ctx)
}

// Hangup ends the call. It is idempotent.
func (f *Facade) Hangup(ctx context.Context) error {
	return f.calls.Hangup(ctx)
}

// CallState is the coordinator's current state.
func (f *Facade) CallState() call.State {
	return f.calls.State()
}

// CallInfo describes the active call, if any.
func (f *Facade) CallInfo() (call.Info, bool) {
	return f.calls.Current()
}

// Close hangs up, stops event delivery and detaches the facade from its
// client. A later Conversation call creates a fresh facade.
func (f *Facade) Close() {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.calls.Close()
		f.disposeCalls()
		f.notify.Close()
		f.client.forget(f.peer, f)
	})
}
