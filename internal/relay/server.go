package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/version"
	"github.com/soyeahso/parley/internal/wire"
)

const (
	maxPayload       = 1 << 20
	handshakeTimeout = 10 * time.Second
	tickInterval     = 30 * time.Second
)

// Server is the signaling relay: it authenticates peers and forwards chat and
// call events between them.
type Server struct {
	cfg      config.ServerConfig
	auth     ResolvedAuth
	log      *logging.Logger
	peers    *Registry
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	mu          sync.Mutex
	httpServer  *http.Server
	addr        string
	startedAt   time.Time
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates a relay server.
func New(cfg config.ServerConfig, log *logging.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Auth),
		log:         log.Sub("relay"),
		peers:       NewRegistry(log.Sub("peers")),
		handlers:    make(map[string]RequestHandler),
		version:     version.Version,
		authLimiter: newAuthRateLimiter(),
		done:        make(chan struct{}),
		startedAt:   time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	go s.authLimiter.run(s.done)

	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin accepts requests without an Origin header and those
// whose Origin is explicitly allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

// Handle registers a request handler for method.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	return methods
}

// Peers exposes the connection registry.
func (s *Server) Peers() *Registry { return s.peers }

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return withMiddleware(mux, s.log, s.cfg.AllowedOrigins)
}

func resolveBindAddr(cfg config.ServerConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, relay credentials travel in cleartext")
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Str("auth", s.auth.Mode).
		Msg("relay server ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down relay server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Close()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects all peers and stops background work. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.peers.CloseAll()
	})
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited after failed handshakes")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	peer, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	if prev := s.peers.Add(peer); prev != nil {
		s.log.Info().Str("peer", string(peer.ID)).Str("connId", prev.ConnID).Msg("replacing older connection")
		prev.Close()
	}
	s.publishPresence(peer.ID, true)

	defer func() {
		if s.peers.Remove(peer) {
			s.publishPresence(peer.ID, false)
		}
		peer.Close()
	}()

	s.readLoop(peer)
}

// handshake: relay sends a challenge, the peer answers with connect, the relay
// authorizes and replies with hello.
func (s *Server) handshake(conn *websocket.Conn) (*Peer, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := wire.NewEvent(wire.EventChallenge, wire.Challenge{
		Nonce: uuid.New().String(),
		TS:    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	var frame wire.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	if frame.Type != wire.FrameTypeRequest || frame.Method != wire.MethodConnect {
		sendErrorAndClose(conn, frame.ID, wire.CodeInvalidRequest, "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params wire.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, wire.CodeInvalidRequest, "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}
	if params.Client.ID == "" {
		sendErrorAndClose(conn, frame.ID, wire.CodeInvalidRequest, "client id is required")
		return nil, errors.New("connect without client id")
	}
	if params.MaxProtocol != 0 && params.MaxProtocol < wire.ProtocolVersion {
		sendErrorAndClose(conn, frame.ID, wire.CodeInvalidRequest, "unsupported protocol")
		return nil, fmt.Errorf("peer speaks protocol <= %d", params.MaxProtocol)
	}

	authResult := Authorize(s.auth, string(params.Client.ID), params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, wire.CodeUnauthorized, authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})

	peer := NewPeer(conn, params.Client, authResult)
	hello := wire.HelloOK{
		Protocol: wire.ProtocolVersion,
		Server: wire.ServerInfo{
			Version: s.version,
			Commit:  version.Commit,
			ConnID:  peer.ConnID,
		},
		Peers: s.peers.IDs(),
		Policy: wire.ServerPolicy{
			MaxPayload:     maxPayload,
			TickIntervalMs: int(tickInterval.Milliseconds()),
		},
	}

	resp, err := wire.NewResponse(frame.ID, hello)
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", peer.ConnID).
		Str("peer", string(peer.ID)).
		Str("clientVersion", params.Client.Version).
		Str("authMethod", authResult.Method).
		Msg("peer authenticated")

	return peer, nil
}

func (s *Server) readLoop(peer *Peer) {
	for {
		frame, err := peer.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("peer", string(peer.ID)).Msg("peer closed connection")
			} else {
				s.log.Debug().Err(err).Str("peer", string(peer.ID)).Msg("read error")
			}
			return
		}

		if frame.Type != wire.FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(peer, frame)
	}
}

func (s *Server) dispatch(peer *Peer, frame wire.Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		peer.RespondError(frame.ID, wire.ErrorShape{
			Code:    wire.CodeMethodNotFound,
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	handler(&RequestContext{Peer: peer, Frame: frame, Server: s})
}

func (s *Server) publishPresence(id domain.PeerID, online bool) {
	s.peers.Broadcast(wire.PresenceState, domain.Presence{
		PeerID: id,
		Online: online,
		Peers:  s.peers.IDs(),
	}, s.eventSeq.Add(1))
}

func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(wire.NewErrorResponse(reqID, wire.ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
