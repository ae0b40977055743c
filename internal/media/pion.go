package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
)

// Options configure the pion negotiator.
type Options struct {
	ICEServers          []config.ICEServerEntry
	ReceiveOnlyFallback bool

	// ICE timeouts. A brief relay hiccup should not end a call, so the
	// defaults are generous.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// OptionsFromConfig maps the ice and call sections onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ICEServers:          cfg.ICE.Servers,
		ReceiveOnlyFallback: cfg.Call.ReceiveOnlyFallback,
	}
}

// PionNegotiator implements Negotiator with pion/webrtc.
type PionNegotiator struct {
	opts    Options
	log     *logging.Logger
	capture capturer
}

var _ Negotiator = (*PionNegotiator)(nil)

// NewPionNegotiator prepares capture codecs. It does not open any device.
func NewPionNegotiator(opts Options, log *logging.Logger) (*PionNegotiator, error) {
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = 30 * time.Second
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = 120 * time.Second
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 2 * time.Second
	}
	c, err := newCapturer()
	if err != nil {
		return nil, fmt.Errorf("preparing capture codecs: %w", err)
	}
	return &PionNegotiator{opts: opts, log: log.Sub("media"), capture: c}, nil
}

// AcquireMedia captures local tracks for kind. With ReceiveOnlyFallback set, a
// capture failure yields an empty stream instead of an error.
func (n *PionNegotiator) AcquireMedia(ctx context.Context, kind domain.CallKind) (Stream, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrMediaUnavailable, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := n.capture.capture(kind)
	if err == nil {
		n.log.Info().Str("kind", string(kind)).Int("tracks", len(s.tracks)).Msg("local media captured")
		return s, nil
	}
	if !n.opts.ReceiveOnlyFallback {
		return nil, err
	}
	n.log.Warn().Err(err).Msg("capture failed, proceeding receive-only")
	return &pionStream{kind: kind}, nil
}

// CreateConnection builds a fresh peer connection. Each connection gets its
// own media engine and interceptor registry.
func (n *PionNegotiator) CreateConnection(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := n.capture.populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(n.opts.DisconnectedTimeout, n.opts.FailedTimeout, n.opts.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(n.opts.ICEServers)})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return newPionConnection(pc, n.log), nil
}

func iceServers(entries []config.ICEServerEntry) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		out = append(out, webrtc.ICEServer{URLs: e.URLs, Username: e.Username, Credential: e.Credential})
	}
	return out
}

// Device is a capture device visible to this build.
type Device struct {
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// Devices lists capture devices. Builds without the devices tag have no
// drivers registered and report none.
func Devices() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		kind := "video"
		if d.Kind == mediadevices.AudioInput {
			kind = "audio"
		}
		out = append(out, Device{Label: d.Label, Kind: kind})
	}
	return out
}

// localTrack is a capture track that can be sent on a peer connection.
type localTrack interface {
	webrtc.TrackLocal
	Close() error
}

type pionStream struct {
	kind   domain.CallKind
	tracks []localTrack
	once   sync.Once
}

func (s *pionStream) Kind() domain.CallKind { return s.kind }

func (s *pionStream) Close() error {
	var errs []error
	s.once.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

type pionConnection struct {
	pc  *webrtc.PeerConnection
	log *logging.Logger

	mu      sync.Mutex
	streams []*pionStream
	want    []webrtc.RTPCodecType
	onICE   func(domain.ICECandidate)
	onState func(ConnectionState)
	onTrack func(RemoteTrack)

	closeOnce sync.Once
	closeErr  error
}

func newPionConnection(pc *webrtc.PeerConnection, log *logging.Logger) *pionConnection {
	c := &pionConnection{pc: pc, log: log}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // gathering complete
		}
		init := cand.ToJSON()
		c.mu.Lock()
		h := c.onICE
		c.mu.Unlock()
		if h != nil {
			h(domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug().Str("state", s.String()).Msg("peer connection state")
		c.mu.Lock()
		h := c.onState
		c.mu.Unlock()
		if h != nil {
			h(mapState(s))
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := domain.CallAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.CallVideo
		}
		c.log.Info().Str("kind", string(kind)).Str("codec", t.Codec().MimeType).Msg("remote track")
		c.mu.Lock()
		h := c.onTrack
		c.mu.Unlock()
		if h != nil {
			h(RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: kind, Codec: t.Codec().MimeType})
		}
		// Keep the interceptors fed even when nobody renders the track.
		go func() {
			for {
				if _, _, err := t.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return c
}

func (c *pionConnection) AttachMedia(s Stream) error {
	ps, ok := s.(*pionStream)
	if !ok {
		return fmt.Errorf("attach: unsupported stream %T", s)
	}
	for _, t := range ps.tracks {
		if _, err := c.pc.AddTrack(t); err != nil {
			return fmt.Errorf("adding %s track: %w", t.Kind(), err)
		}
	}
	c.mu.Lock()
	c.streams = append(c.streams, ps)
	c.want = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if ps.kind == domain.CallVideo {
		c.want = append(c.want, webrtc.RTPCodecTypeVideo)
	}
	c.mu.Unlock()
	return nil
}

// ensureTransceivers adds a recv-only transceiver for every wanted kind that
// has no sender yet, so the offer always carries usable m-lines.
func (c *pionConnection) ensureTransceivers() error {
	c.mu.Lock()
	want := c.want
	c.mu.Unlock()
	if len(want) == 0 {
		want = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}
	}

	have := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range c.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range want {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (c *pionConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.ensureTransceivers(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("setting local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("setting local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConnection) SetRemoteDescription(sd domain.SessionDescription) error {
	typ := webrtc.NewSDPType(sd.Type)
	if typ != webrtc.SDPTypeOffer && typ != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unsupported sdp type %q", sd.Type)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sd.SDP}); err != nil {
		return fmt.Errorf("setting remote %s: %w", sd.Type, err)
	}
	return nil
}

func (c *pionConnection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *pionConnection) OnICECandidate(h func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = h
	c.mu.Unlock()
}

func (c *pionConnection) OnStateChange(h func(ConnectionState)) {
	c.mu.Lock()
	c.onState = h
	c.mu.Unlock()
}

func (c *pionConnection) OnRemoteTrack(h func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = h
	c.mu.Unlock()
}

func (c *pionConnection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		streams := c.streams
		c.streams = nil
		c.onICE, c.onState, c.onTrack = nil, nil, nil
		c.mu.Unlock()

		var errs []error
		for _, s := range streams {
			errs = append(errs, s.Close())
		}
		errs = append(errs, c.pc.Close())
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func mapState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
