// Package transport owns the single multiplexed event channel between this
// process and the signaling relay.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/version"
	"github.com/soyeahso/parley/internal/wire"
	"golang.org/x/sync/singleflight"
)

// Bus is the slice of a transport session that chat and call signaling use.
type Bus interface {
	// Emit sends payload under event and waits for the relay's ack payload.
	Emit(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Notify sends payload without asking for an ack.
	Notify(event string, payload any) error
	// On subscribes to event and returns an idempotent disposer.
	On(event string, handler func(json.RawMessage)) (dispose func())
	// Self is the local peer identity.
	Self() domain.PeerID
}

// Conn is a framed JSON connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials the relay with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configure a Session.
type Options struct {
	URL         string
	Client      wire.ClientInfo
	Auth        *wire.ConnectAuth
	DialTimeout time.Duration
	AckTimeout  time.Duration
	Dialer      Dialer
}

// OptionsFromConfig builds session options for the configured identity and relay.
func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		URL: cfg.Relay.URL,
		Client: wire.ClientInfo{
			ID:          domain.PeerID(cfg.Identity.PeerID),
			DisplayName: cfg.Identity.DisplayName,
			Version:     version.Version,
			Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		},
		DialTimeout: cfg.Relay.DialTimeout(),
		AckTimeout:  cfg.Relay.AckTimeout(),
	}
	if cfg.Relay.Token != "" || cfg.Relay.Password != "" {
		opts.Auth = &wire.ConnectAuth{Token: cfg.Relay.Token, Password: cfg.Relay.Password}
	}
	return opts
}

// StatusPayload is the body of the local connect, disconnect and error events.
type StatusPayload struct {
	Error string          `json:"error,omitempty"`
	Hello *wire.HelloOK   `json:"hello,omitempty"`
	Peers []domain.PeerID `json:"peers,omitempty"`
}

// Session is the process-wide relay connection with connect-on-demand
// semantics. Subscriptions belong to the session and survive reconnects.
type Session struct {
	opts Options
	log  *logging.Logger

	bus      *events.Bus[json.RawMessage]
	dispatch *events.Queue[delivery]
	group    singleflight.Group

	mu     sync.Mutex
	link   *link
	closed bool
}

// New creates a disconnected session. Call Acquire to connect and Close when done.
func New(opts Options, log *logging.Logger) *Session {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	log = log.Sub("transport")
	bus := events.NewBus[json.RawMessage](log)
	return &Session{
		opts:     opts,
		log:      log,
		bus:      bus,
		dispatch: newDispatch(bus),
	}
}

// Self returns the local peer identity.
func (s *Session) Self() domain.PeerID { return s.opts.Client.ID }

// Connected reports whether a live link exists.
func (s *Session) Connected() bool {
	return s.current() != nil
}

// Hello returns the handshake response of the live link.
func (s *Session) Hello() (wire.HelloOK, bool) {
	l := s.current()
	if l == nil {
		return wire.HelloOK{}, false
	}
	return l.hello, true
}

func (s *Session) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.link.isClosed() {
		return nil
	}
	return s.link
}

// Acquire returns once a live link exists, dialing if there is none.
// Concurrent callers share a single dial.
func (s *Session) Acquire(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.ErrClosed
	}

	ch := s.group.DoChan("acquire", func() (any, error) {
		if s.current() != nil {
			return nil, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DialTimeout)
		defer cancel()
		return nil, s.connect(dctx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(ctx context.Context) error {
	conn, err := s.opts.Dialer.Dial(ctx, s.opts.URL)
	if err != nil {
		s.publishStatus(wire.EventError, StatusPayload{Error: err.Error()})
		return fmt.Errorf("%w: dial %s: %v", domain.ErrTransportUnavailable, s.opts.URL, err)
	}

	hello, err := s.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		s.publishStatus(wire.EventError, StatusPayload{Error: err.Error()})
		return err
	}

	l := newLink(conn, hello)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.close(domain.ErrClosed)
		return domain.ErrClosed
	}
	s.link = l
	s.mu.Unlock()

	go s.readLoop(l)

	s.log.Info().
		Str("url", s.opts.URL).
		Str("peer", string(s.Self())).
		Str("connId", hello.Server.ConnID).
		Int("online", len(hello.Peers)).
		Msg("connected to relay")
	s.publishStatus(wire.EventConnect, StatusPayload{Hello: &hello, Peers: hello.Peers})
	return nil
}

// handshake answers the relay's challenge with our identity and credentials.
func (s *Session) handshake(ctx context.Context, conn Conn) (wire.HelloOK, error) {
	type result struct {
		hello wire.HelloOK
		err   error
	}
	done := make(chan result, 1)

	go func() {
		var challenge wire.Frame
		if err := conn.ReadJSON(&challenge); err != nil {
			done <- result{err: fmt.Errorf("%w: reading challenge: %v", domain.ErrTransportUnavailable, err)}
			return
		}
		if challenge.Event != wire.EventChallenge {
			done <- result{err: fmt.Errorf("%w: expected challenge, got %q", domain.ErrTransportUnavailable, challenge.Event)}
			return
		}

		id := uuid.New().String()
		req, err := wire.NewRequest(id, wire.MethodConnect, wire.ConnectParams{
			MinProtocol: wire.ProtocolVersion,
			MaxProtocol: wire.ProtocolVersion,
			Client:      s.opts.Client,
			Auth:        s.opts.Auth,
		})
		if err != nil {
			done <- result{err: err}
			return
		}
		if err := conn.WriteJSON(req); err != nil {
			done <- result{err: fmt.Errorf("%w: sending connect: %v", domain.ErrTransportUnavailable, err)}
			return
		}

		var resp wire.Frame
		if err := conn.ReadJSON(&resp); err != nil {
			done <- result{err: fmt.Errorf("%w: reading hello: %v", domain.ErrTransportUnavailable, err)}
			return
		}
		if !resp.Succeeded() {
			shape := wire.ErrorShape{Code: wire.CodeInternal, Message: "connect rejected"}
			if resp.Error != nil {
				shape = *resp.Error
			}
			done <- result{err: &wire.RemoteError{Method: wire.MethodConnect, Shape: shape}}
			return
		}

		var hello wire.HelloOK
		if err := json.Unmarshal(resp.Payload, &hello); err != nil {
			done <- result{err: fmt.Errorf("parsing hello: %w", err)}
			return
		}
		done <- result{hello: hello}
	}()

	select {
	case r := <-done:
		return r.hello, r.err
	case <-ctx.Done():
		// Closing the conn unblocks the handshake goroutine.
		conn.Close()
		return wire.HelloOK{}, fmt.Errorf("%w: handshake: %v", domain.ErrTransportUnavailable, ctx.Err())
	}
}

func (s *Session) readLoop(l *link) {
	for {
		var f wire.Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			l.close(err)
			if s.drop(l) {
				s.log.Warn().Err(err).Msg("relay connection lost")
				s.publishStatus(wire.EventError, StatusPayload{Error: err.Error()})
				s.publishStatus(wire.EventDisconnect, StatusPayload{Error: err.Error()})
			}
			return
		}

		switch f.Type {
		case wire.FrameTypeResponse:
			l.resolve(f)
		case wire.FrameTypeEvent:
			s.dispatch.Push(delivery{event: f.Event, payload: f.Payload})
		default:
			s.log.Debug().Str("type", f.Type).Msg("ignoring unexpected frame")
		}
	}
}

// drop forgets l if it is still the current link.
func (s *Session) drop(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l {
		return false
	}
	s.link = nil
	return true
}

func (s *Session) publishStatus(event string, p StatusPayload) {
	raw, _ := json.Marshal(p)
	s.dispatch.Push(delivery{event: event, payload: raw})
}

// Emit sends payload under event and waits for the relay's acknowledgement.
// It fails fast with ErrTransportUnavailable when there is no live link.
// ErrAckTimeout means delivery is unconfirmed, not failed. No retries.
func (s *Session) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	l := s.current()
	if l == nil {
		return nil, domain.ErrTransportUnavailable
	}

	id := uuid.New().String()
	frame, err := wire.NewRequest(id, event, payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}

	ch := l.expect(id)
	defer l.forget(id)

	if err := l.write(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}

	var timeout <-chan time.Time
	if s.opts.AckTimeout > 0 {
		timer := time.NewTimer(s.opts.AckTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-ch:
		if !resp.Succeeded() {
			shape := wire.ErrorShape{Code: wire.CodeInternal}
			if resp.Error != nil {
				shape = *resp.Error
			}
			return nil, &wire.RemoteError{Method: event, Shape: shape}
		}
		return resp.Payload, nil
	case <-l.done:
		return nil, domain.ErrTransportUnavailable
	case <-timeout:
		return nil, domain.ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends payload without an ack. It may be lost silently.
func (s *Session) Notify(event string, payload any) error {
	l := s.current()
	if l == nil {
		return domain.ErrTransportUnavailable
	}
	frame, err := wire.NewRequest("", event, payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if err := l.write(frame); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// On subscribes handler to event. Handlers run on the session's dispatch
// goroutine in arrival order; they may call Emit.
func (s *Session) On(event string, handler func(json.RawMessage)) func() {
	return s.bus.On(event, func(_ string, payload json.RawMessage) { handler(payload) })
}

// Release closes the live link. A later Acquire reconnects.
func (s *Session) Release() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()

	if l == nil {
		return
	}
	l.close(errReleased)
	s.log.Info().Msg("released relay connection")
	s.publishStatus(wire.EventDisconnect, StatusPayload{Error: errReleased.Error()})
}

// Close releases the link and stops event delivery. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Release()
	s.dispatch.Close()
	s.bus.Clear()
}

var errReleased = errors.New("released")

type delivery struct {
	event   string
	payload json.RawMessage
}

// newDispatch delivers events to bus from one goroutine in arrival order, so
// the socket reader never waits on a subscriber and subscribers may Emit.
func newDispatch(bus *events.Bus[json.RawMessage]) *events.Queue[delivery] {
	return events.NewQueue(func(d delivery) { bus.Emit(d.event, d.payload) })
}
