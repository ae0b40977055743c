package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/media"
	"github.com/soyeahso/parley/internal/media/mediatest"
	"github.com/soyeahso/parley/internal/transport"
	"github.com/soyeahso/parley/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) transitions() []string {
	var out []string
	for _, e := range r.all() {
		if sc, ok := e.(StateChanged); ok {
			out = append(out, string(sc.From)+">"+string(sc.To))
		}
	}
	return out
}

func waitEvent[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, e := range r.all() {
			if v, ok := e.(T); ok {
				found = v
				return true
			}
		}
		return false
	}, wait, 5*time.Millisecond)
	return found
}

type signal struct {
	from    domain.PeerID
	method  string
	payload json.RawMessage
}

type signalTap struct {
	mu    sync.Mutex
	items []signal
}

func (s *signalTap) record(from domain.PeerID, method string, payload json.RawMessage) {
	s.mu.Lock()
	s.items = append(s.items, signal{from: from, method: method, payload: payload})
	s.mu.Unlock()
}

// methods lists what peer sent, in order, optionally without ICE.
func (s *signalTap) methods(peer domain.PeerID, withICE bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, it := range s.items {
		if it.from != peer || (!withICE && it.method == wire.CallICE) {
			continue
		}
		out = append(out, it.method)
	}
	return out
}

func (s *signalTap) find(peer domain.PeerID, method string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, it := range s.items {
		if it.from == peer && it.method == method {
			out = append(out, it.payload)
		}
	}
	return out
}

type peer struct {
	id     domain.PeerID
	bus    *transport.MemoryBus
	neg    *mediatest.Negotiator
	coord  *Coordinator
	events *recorder
}

type rig struct {
	hub *transport.Hub
	tap *signalTap
}

func newRig() *rig {
	r := &rig{hub: transport.NewHub(logging.Silent()), tap: &signalTap{}}
	r.hub.Tap(r.tap.record)
	return r
}

func (r *rig) join(t *testing.T, id domain.PeerID, opts Options, neg *mediatest.Negotiator) *peer {
	t.Helper()
	if neg == nil {
		neg = &mediatest.Negotiator{}
	}
	bus := r.hub.Join(id)
	c := New(bus, neg, opts, logging.Silent())
	p := &peer{id: id, bus: bus, neg: neg, coord: c, events: &recorder{}}
	c.OnEvent(p.events.add)
	t.Cleanup(func() {
		c.Close()
		bus.Close()
	})
	return p
}

func waitState(t *testing.T, p *peer, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.coord.State() == s }, wait, 5*time.Millisecond,
		"%s never reached %s (now %s)", p.id, s, p.coord.State())
}

// online attaches a bare endpoint so acks report the peer as delivered.
func (r *rig) online(t *testing.T, id domain.PeerID) *transport.MemoryBus {
	bus := r.hub.Join(id)
	t.Cleanup(bus.Close)
	return bus
}

func cand(s string) domain.ICECandidate { return domain.ICECandidate{Candidate: s} }

func TestVideoCallScenario(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, &mediatest.Negotiator{AutoConnect: true})
	bob := r.join(t, "bob", Options{}, &mediatest.Negotiator{AutoConnect: true})
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallVideo))

	ring := waitEvent[IncomingRing](t, bob.events)
	assert.Equal(t, domain.PeerID("alice"), ring.Peer)
	assert.Equal(t, domain.CallVideo, ring.Kind)
	assert.Equal(t, IncomingRinging, bob.coord.State())

	require.NoError(t, bob.coord.AcceptCall(ctx))
	waitState(t, alice, Connected)
	waitState(t, bob, Connected)

	assert.Equal(t, []string{wire.CallInit, wire.CallOffer}, r.tap.methods("alice", false))
	assert.Equal(t, []string{wire.CallAccept, wire.CallAnswer}, r.tap.methods("bob", false))

	var init wire.CallInitPayload
	require.NoError(t, json.Unmarshal(r.tap.find("alice", wire.CallInit)[0], &init))
	assert.Equal(t, domain.PeerID("bob"), init.To)
	assert.Equal(t, domain.CallVideo, init.Type)

	aliceConn, bobConn := alice.neg.Last(), bob.neg.Last()
	assert.Equal(t, aliceConn.Local(), bobConn.Remote(), "bob applied alice's offer")
	assert.Equal(t, bobConn.Local(), aliceConn.Remote(), "alice applied bob's answer")

	assert.Equal(t, []string{
		"idle>outgoing-ringing",
		"outgoing-ringing>negotiating",
		"negotiating>connected",
	}, alice.events.transitions())
	assert.Equal(t, []string{
		"idle>incoming-ringing",
		"incoming-ringing>negotiating",
		"negotiating>connected",
	}, bob.events.transitions())

	info, ok := alice.coord.Current()
	require.True(t, ok)
	assert.Equal(t, Info{Peer: "bob", Direction: domain.CallOutgoing, Kind: domain.CallVideo, State: Connected}, info)
}

func TestBusyRejection(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)
	carol := r.join(t, "carol", Options{}, nil)
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)

	require.NoError(t, carol.coord.StartCall(ctx, "bob", domain.CallAudio))
	ended := waitEvent[CallEnded](t, carol.events)
	assert.Equal(t, domain.EndBusy, ended.Reason)
	assert.True(t, ended.Remote)
	waitState(t, carol, Idle)

	info, ok := bob.coord.Current()
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("alice"), info.Peer)
	assert.Equal(t, IncomingRinging, info.State)
	assert.Equal(t, OutgoingRinging, alice.coord.State())

	ends := r.tap.find("bob", wire.CallEnd)
	require.Len(t, ends, 1)
	var end wire.EndPayload
	require.NoError(t, json.Unmarshal(ends[0], &end))
	assert.Equal(t, domain.PeerID("carol"), end.To)
}

func TestInboundCandidatesWaitForRemoteDescription(t *testing.T) {
	r := newRig()
	bob := r.join(t, "bob", Options{}, nil)
	from := wire.Route{From: "alice", To: "bob"}

	bob.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand("c1")})
	bob.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: from, Type: domain.CallAudio})
	bob.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand("c2")})
	bob.bus.Inject(wire.CallOffer, wire.SDPPayload{Route: from, SDP: domain.SessionDescription{Type: "offer", SDP: "v=0 o1"}})
	bob.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand("c3")})
	// A second caller is rejected as busy, which proves everything before it was handled.
	bob.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: wire.Route{From: "carol", To: "bob"}, Type: domain.CallAudio})
	require.Eventually(t, func() bool { return len(r.tap.find("bob", wire.CallEnd)) == 1 }, wait, 5*time.Millisecond)
	require.Equal(t, IncomingRinging, bob.coord.State())

	require.NoError(t, bob.coord.AcceptCall(context.Background()))
	conn := bob.neg.Last()
	require.NotNil(t, conn)
	assert.Equal(t, []domain.ICECandidate{cand("c1"), cand("c2"), cand("c3")}, conn.Candidates())

	bob.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand("c4")})
	require.Eventually(t, func() bool { return len(conn.Candidates()) == 4 }, wait, 5*time.Millisecond)
	assert.Equal(t, cand("c4"), conn.Candidates()[3])
}

func TestCallerBuffersCandidatesUntilAnswer(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	r.online(t, "bob")
	from := wire.Route{From: "bob", To: "alice"}

	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))
	alice.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand("b1")})
	alice.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand("b2")})
	alice.bus.Inject(wire.CallAnswer, wire.SDPPayload{Route: from, SDP: domain.SessionDescription{Type: "answer", SDP: "v=0 a1"}})

	waitState(t, alice, Negotiating)
	assert.Equal(t, []domain.ICECandidate{cand("b1"), cand("b2")}, alice.neg.Last().Candidates())
}

func TestLocalCandidatesFollowLocalDescription(t *testing.T) {
	r := newRig()
	r.online(t, "alice")
	bob := r.join(t, "bob", Options{}, nil)
	from := wire.Route{From: "alice", To: "bob"}

	bob.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: from, Type: domain.CallAudio})
	waitState(t, bob, IncomingRinging)
	require.NoError(t, bob.coord.AcceptCall(context.Background()))

	// Accepted before any offer: gathered candidates must wait for the answer.
	conn := bob.neg.Last()
	conn.GatherICE(cand("x1"))
	conn.GatherICE(cand("x2"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{wire.CallAccept}, r.tap.methods("bob", true))

	bob.bus.Inject(wire.CallOffer, wire.SDPPayload{Route: from, SDP: domain.SessionDescription{Type: "offer", SDP: "v=0 o1"}})
	require.Eventually(t, func() bool { return len(r.tap.methods("bob", true)) == 4 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{wire.CallAccept, wire.CallAnswer, wire.CallICE, wire.CallICE}, r.tap.methods("bob", true))

	conn.GatherICE(cand("x3"))
	require.Eventually(t, func() bool { return len(r.tap.find("bob", wire.CallICE)) == 3 }, wait, 5*time.Millisecond)

	var last wire.ICEPayload
	require.NoError(t, json.Unmarshal(r.tap.find("bob", wire.CallICE)[2], &last))
	assert.Equal(t, "x3", last.Candidate.Candidate)
}

func TestHangupTwiceSendsOneEnd(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallVideo))
	waitState(t, bob, IncomingRinging)

	require.NoError(t, alice.coord.Hangup(ctx))
	require.NoError(t, alice.coord.Hangup(ctx))
	assert.Equal(t, Idle, alice.coord.State())

	waitState(t, bob, Idle)
	ended := waitEvent[CallEnded](t, bob.events)
	assert.Equal(t, domain.EndHangup, ended.Reason)
	assert.True(t, ended.Remote)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.tap.find("alice", wire.CallEnd), 1)

	conn := alice.neg.Last()
	assert.True(t, conn.Closed())
	assert.True(t, alice.neg.Streams()[0].Closed())
	assert.Equal(t, []string{
		"idle>outgoing-ringing",
		"outgoing-ringing>ending",
		"ending>ended",
		"ended>idle",
	}, alice.events.transitions())
}

func TestMediaFailureOnStart(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, &mediatest.Negotiator{MediaErr: domain.ErrMediaUnavailable})

	err := alice.coord.StartCall(context.Background(), "bob", domain.CallVideo)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, Idle, alice.coord.State())
	assert.Empty(t, alice.neg.Connections(), "no half-open connection")

	callErr := waitEvent[CallError](t, alice.events)
	assert.ErrorIs(t, callErr.Err, domain.ErrMediaUnavailable)
	assert.Empty(t, r.tap.methods("alice", true))
	assert.Empty(t, alice.events.transitions())
}

func TestMediaFailureOnAccept(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, &mediatest.Negotiator{MediaErr: domain.ErrMediaUnavailable})
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)

	err := bob.coord.AcceptCall(ctx)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, Idle, bob.coord.State())
	assert.Equal(t, []string{"idle>incoming-ringing", "incoming-ringing>idle"}, bob.events.transitions())

	ended := waitEvent[CallEnded](t, alice.events)
	assert.Equal(t, domain.EndFailed, ended.Reason)
	waitState(t, alice, Idle)
}

func TestRingTimeout(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{RingTimeout: 30 * time.Millisecond}, nil)
	bob := r.join(t, "bob", Options{}, nil)

	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))

	ended := waitEvent[CallEnded](t, alice.events)
	assert.Equal(t, domain.EndTimeout, ended.Reason)
	assert.False(t, ended.Remote)
	waitState(t, alice, Idle)

	bobEnded := waitEvent[CallEnded](t, bob.events)
	assert.Equal(t, domain.EndTimeout, bobEnded.Reason)
	waitState(t, bob, Idle)
}

func TestNegotiationTimeout(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{NegotiationTimeout: 30 * time.Millisecond}, nil)
	bob := r.join(t, "bob", Options{}, nil)
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)
	require.NoError(t, bob.coord.AcceptCall(ctx))

	callErr := waitEvent[CallError](t, alice.events)
	assert.ErrorIs(t, callErr.Err, domain.ErrNegotiationFailed)
	waitState(t, alice, Idle)

	ended := waitEvent[CallEnded](t, bob.events)
	assert.Equal(t, domain.EndFailed, ended.Reason)
	waitState(t, bob, Idle)
}

func TestCallOfflinePeer(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)

	require.NoError(t, alice.coord.StartCall(context.Background(), "dave", domain.CallAudio))

	callErr := waitEvent[CallError](t, alice.events)
	assert.ErrorIs(t, callErr.Err, domain.ErrPeerUnavailable)
	assert.Equal(t, domain.EndOffline, callErr.Reason)
	waitState(t, alice, Idle)
	assert.True(t, alice.neg.Last().Closed())
}

func TestTransportDownFailsCall(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	alice.bus.SetOnline(false)

	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))
	callErr := waitEvent[CallError](t, alice.events)
	assert.ErrorIs(t, callErr.Err, domain.ErrTransportUnavailable)
	waitState(t, alice, Idle)
}

func TestPeerMismatchIsIgnored(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	r.online(t, "bob")
	scoped := r.join(t, "erin", Options{Peer: "bob"}, nil)
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	alice.bus.Inject(wire.CallAnswer, wire.SDPPayload{Route: wire.Route{From: "carol", To: "alice"}, SDP: domain.SessionDescription{Type: "answer", SDP: "v=0"}})
	alice.bus.Inject(wire.CallEnd, wire.EndPayload{Route: wire.Route{From: "carol", To: "alice"}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, OutgoingRinging, alice.coord.State())
	assert.Nil(t, alice.neg.Last().Remote())

	scoped.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: wire.Route{From: "carol", To: "erin"}, Type: domain.CallAudio})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Idle, scoped.coord.State())
	assert.Empty(t, scoped.events.all())

	err := scoped.coord.StartCall(ctx, "carol", domain.CallAudio)
	assert.ErrorIs(t, err, domain.ErrPeerMismatch)
}

func TestInvalidCommands(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	r.online(t, "bob")
	ctx := context.Background()

	assert.ErrorIs(t, alice.coord.AcceptCall(ctx), domain.ErrInvalidState)
	assert.NoError(t, alice.coord.Dismiss(ctx))
	assert.NoError(t, alice.coord.Hangup(ctx))
	assert.Error(t, alice.coord.StartCall(ctx, "bob", "hologram"))
	assert.Error(t, alice.coord.StartCall(ctx, "alice", domain.CallAudio))

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	assert.ErrorIs(t, alice.coord.StartCall(ctx, "carol", domain.CallAudio), domain.ErrBusy)
	assert.ErrorIs(t, alice.coord.AcceptCall(ctx), domain.ErrInvalidState)
	assert.Equal(t, OutgoingRinging, alice.coord.State())

	info, ok := alice.coord.Current()
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("bob"), info.Peer)
}

func TestHangupWhileOfferInFlight(t *testing.T) {
	r := newRig()
	gate := make(chan struct{})
	alice := r.join(t, "alice", Options{}, &mediatest.Negotiator{OfferGate: gate})
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- alice.coord.StartCall(ctx, "bob", domain.CallAudio) }()
	require.Eventually(t, func() bool { return alice.neg.Last() != nil }, wait, 5*time.Millisecond)

	hungUp := make(chan error, 1)
	go func() { hungUp <- alice.coord.Hangup(ctx) }()
	close(gate)

	require.NoError(t, <-started)
	require.NoError(t, <-hungUp)
	assert.Equal(t, Idle, alice.coord.State())
	assert.True(t, alice.neg.Last().Closed())

	require.Eventually(t, func() bool { return len(r.tap.methods("alice", false)) == 3 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{wire.CallInit, wire.CallOffer, wire.CallEnd}, r.tap.methods("alice", false))
}

func TestDismissDeclines(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)
	require.NoError(t, bob.coord.Dismiss(ctx))
	assert.Equal(t, Idle, bob.coord.State())
	assert.Empty(t, bob.neg.Connections())

	ended := waitEvent[CallEnded](t, alice.events)
	assert.Equal(t, domain.EndDeclined, ended.Reason)
	assert.True(t, ended.Remote)
	waitState(t, alice, Idle)

	require.Eventually(t, func() bool {
		return len(bob.events.transitions()) == 2
	}, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"idle>incoming-ringing", "incoming-ringing>idle"}, bob.events.transitions())
	declined := waitEvent[CallEnded](t, bob.events)
	assert.Equal(t, domain.EndDeclined, declined.Reason)
	assert.False(t, declined.Remote)
}

func TestCallerHangupDiscardsRing(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)
	require.NoError(t, alice.coord.Hangup(ctx))

	ended := waitEvent[CallEnded](t, bob.events)
	assert.Equal(t, domain.EndHangup, ended.Reason)
	assert.Equal(t, Idle, bob.coord.State())
	assert.Equal(t, []string{"idle>incoming-ringing", "incoming-ringing>idle"}, bob.events.transitions())
}

func TestRemoteEndWhileRingingDiscardsEarlySignals(t *testing.T) {
	r := newRig()
	bob := r.join(t, "bob", Options{}, nil)
	from := wire.Route{From: "alice", To: "bob"}

	bob.bus.Inject(wire.CallOffer, wire.SDPPayload{Route: from, SDP: domain.SessionDescription{Type: "offer", SDP: "stale"}})
	bob.bus.Inject(wire.CallEnd, wire.EndPayload{Route: from, Reason: domain.EndHangup})
	bob.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: from, Type: domain.CallAudio})
	waitState(t, bob, IncomingRinging)

	require.NoError(t, bob.coord.AcceptCall(context.Background()))
	assert.Nil(t, bob.neg.Last().Remote(), "the stale offer was discarded")
	assert.Equal(t, Negotiating, bob.coord.State())
}

func TestConnectionFailureAfterConnected(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, &mediatest.Negotiator{AutoConnect: true})
	bob := r.join(t, "bob", Options{}, &mediatest.Negotiator{AutoConnect: true})
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallVideo))
	waitState(t, bob, IncomingRinging)
	require.NoError(t, bob.coord.AcceptCall(ctx))
	waitState(t, alice, Connected)
	waitState(t, bob, Connected)

	bob.neg.Last().AddRemoteTrack(media.RemoteTrack{ID: "v0", Kind: domain.CallVideo, Codec: "video/VP8"})
	track := waitEvent[RemoteTrackAdded](t, bob.events)
	assert.Equal(t, "v0", track.Track.ID)
	assert.Equal(t, domain.PeerID("alice"), track.Peer)

	alice.neg.Last().SetState(media.StateFailed)
	callErr := waitEvent[CallError](t, alice.events)
	assert.True(t, errors.Is(callErr.Err, domain.ErrNegotiationFailed))
	waitState(t, alice, Idle)
	waitState(t, bob, Idle)
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	r.online(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.coord.StartCall(ctx, "bob", domain.CallAudio))
	old := alice.neg.Last()
	require.NoError(t, alice.coord.Hangup(ctx))

	old.SetState(media.StateConnected)
	old.GatherICE(cand("late"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Idle, alice.coord.State())
	assert.Empty(t, r.tap.find("alice", wire.CallICE))
}

func TestCloseHangsUp(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)

	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)

	alice.coord.Close()
	alice.coord.Close()
	waitState(t, bob, Idle)
	assert.ErrorIs(t, alice.coord.Hangup(context.Background()), domain.ErrClosed)
}

func TestSignalFeedsMissedRing(t *testing.T) {
	r := newRig()
	bob := r.join(t, "bob", Options{Peer: "alice"}, nil)
	raw, err := json.Marshal(wire.CallInitPayload{Route: wire.Route{From: "alice", To: "bob"}, Type: domain.CallVideo})
	require.NoError(t, err)

	assert.False(t, bob.coord.Signal("call:unknown", raw))
	require.True(t, bob.coord.Signal(wire.CallRing, raw))
	waitState(t, bob, IncomingRinging)

	ring := waitEvent[IncomingRing](t, bob.events)
	assert.Equal(t, domain.PeerID("alice"), ring.Peer)
	assert.Equal(t, domain.CallVideo, ring.Kind)

	bob.coord.Close()
	assert.False(t, bob.coord.Signal(wire.CallRing, raw))
}

func TestCanceledStartCallHasNoEffect(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := alice.coord.StartCall(ctx, "bob", domain.CallAudio)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, alice.coord.State())
	assert.Empty(t, alice.neg.Connections())

	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)
	require.Eventually(t, func() bool {
		return len(r.tap.methods("alice", false)) == 2
	}, wait, 5*time.Millisecond)
	assert.Equal(t, []string{wire.CallInit, wire.CallOffer}, r.tap.methods("alice", false))
}

func TestStartCallCanceledWhileOffering(t *testing.T) {
	r := newRig()
	gate := make(chan struct{})
	alice := r.join(t, "alice", Options{}, &mediatest.Negotiator{OfferGate: gate})
	r.online(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- alice.coord.StartCall(ctx, "bob", domain.CallAudio) }()
	require.Eventually(t, func() bool { return len(alice.neg.Connections()) == 1 }, wait, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, domain.ErrNegotiationFailed)
	case <-time.After(wait):
		t.Fatal("StartCall did not return")
	}
	assert.Equal(t, Idle, alice.coord.State())
	assert.True(t, alice.neg.Last().Closed())
	waitEvent[CallError](t, alice.events)
	assert.Empty(t, r.tap.methods("alice", true))

	close(gate)
	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))
	assert.Equal(t, OutgoingRinging, alice.coord.State())
}

func TestCanceledAcceptKeepsRinging(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", Options{}, nil)
	bob := r.join(t, "bob", Options{}, nil)

	require.NoError(t, alice.coord.StartCall(context.Background(), "bob", domain.CallAudio))
	waitState(t, bob, IncomingRinging)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, bob.coord.AcceptCall(ctx), context.Canceled)
	assert.Equal(t, IncomingRinging, bob.coord.State())
	assert.Empty(t, bob.neg.Connections())
	assert.Empty(t, r.tap.methods("bob", true))

	require.NoError(t, bob.coord.AcceptCall(context.Background()))
	assert.Equal(t, Negotiating, bob.coord.State())
	require.Eventually(t, func() bool {
		return len(r.tap.methods("bob", false)) == 2
	}, wait, 5*time.Millisecond)
	assert.Equal(t, []string{wire.CallAccept, wire.CallAnswer}, r.tap.methods("bob", false))
}

// ringAndSync rings bob from alice between before and after, then waits until a busy
// rejection of carol proves every injected signal was handled.
func ringAndSync(t *testing.T, r *rig, bob *peer, before, after func()) {
	t.Helper()
	from := wire.Route{From: "alice", To: "bob"}
	before()
	bob.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: from, Type: domain.CallAudio})
	after()
	bob.bus.Inject(wire.CallOffer, wire.SDPPayload{Route: from, SDP: domain.SessionDescription{Type: "offer", SDP: "v=0 o1"}})
	bob.bus.Inject(wire.CallRing, wire.CallInitPayload{Route: wire.Route{From: "carol", To: "bob"}, Type: domain.CallAudio})
	require.Eventually(t, func() bool { return len(r.tap.find("bob", wire.CallEnd)) == 1 }, wait, 5*time.Millisecond)
	require.Equal(t, IncomingRinging, bob.coord.State())
}

func injectCandidates(bob *peer, prefix string, n int) func() {
	return func() {
		from := wire.Route{From: "alice", To: "bob"}
		for i := 0; i < n; i++ {
			bob.bus.Inject(wire.CallICE, wire.ICEPayload{Route: from, Candidate: cand(fmt.Sprintf("%s%d", prefix, i))})
		}
	}
}

func TestRingingCallKeepsEveryCandidate(t *testing.T) {
	r := newRig()
	bob := r.join(t, "bob", Options{}, nil)
	n := maxEarlyCandidates + 44

	ringAndSync(t, r, bob, func() {}, injectCandidates(bob, "c", n))
	require.NoError(t, bob.coord.AcceptCall(context.Background()))

	got := bob.neg.Last().Candidates()
	require.Len(t, got, n)
	for i, c := range got {
		assert.Equal(t, cand(fmt.Sprintf("c%d", i)), c)
	}
}

func TestEarlyCandidateStashIsBounded(t *testing.T) {
	r := newRig()
	bob := r.join(t, "bob", Options{}, nil)

	ringAndSync(t, r, bob, injectCandidates(bob, "e", maxEarlyCandidates+10), injectCandidates(bob, "c", 3))
	require.NoError(t, bob.coord.AcceptCall(context.Background()))

	got := bob.neg.Last().Candidates()
	require.Len(t, got, maxEarlyCandidates+3)
	assert.Equal(t, cand("e0"), got[0])
	assert.Equal(t, cand(fmt.Sprintf("e%d", maxEarlyCandidates-1)), got[maxEarlyCandidates-1])
	assert.Equal(t, cand("c0"), got[maxEarlyCandidates])
}
