package call

import (
	"context"
	"encoding/json"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/wire"
)

// Signal handlers run on the mailbox goroutine.

func (c *Coordinator) decode(event string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn().Err(err).Str("event", event).Msg("dropping malformed signal")
		return false
	}
	return true
}

// accepts reports whether a signal from peer concerns this coordinator.
func (c *Coordinator) accepts(event string, from domain.PeerID) bool {
	if from == "" {
		c.log.Debug().Str("event", event).Msg("dropping signal without sender")
		return false
	}
	if !c.inScope(from) {
		c.log.Trace().Str("event", event).Str("from", string(from)).Msg("signal for another conversation")
		return false
	}
	return true
}

// matching returns the active call with from, or nil and a log line.
func (c *Coordinator) matching(event string, from domain.PeerID) *active {
	a := c.call
	if a == nil || a.peer != from {
		c.log.Debug().Str("event", event).Str("from", string(from)).Err(domain.ErrPeerMismatch).Msg("ignoring signal")
		return nil
	}
	return a
}

func (c *Coordinator) stash(peer domain.PeerID) *early {
	e, ok := c.early[peer]
	if !ok {
		if len(c.early) >= maxEarlyPeers {
			return nil
		}
		e = &early{}
		c.early[peer] = e
	}
	return e
}

func (c *Coordinator) onRing(raw json.RawMessage) {
	var p wire.CallInitPayload
	if !c.decode(wire.CallRing, raw, &p) || !c.accepts(wire.CallRing, p.From) {
		return
	}
	if !p.Type.Valid() {
		c.log.Debug().Str("type", string(p.Type)).Msg("ignoring ring with unknown kind")
		return
	}

	if a := c.call; a != nil {
		if a.peer == p.From && a.dir == domain.CallIncoming {
			return // repeated ring for the call we already show
		}
		c.log.Info().Str("from", string(p.From)).Str("busyWith", string(a.peer)).Msg("rejecting ring as busy")
		c.outbox.Push(outbound{
			event:   wire.CallEnd,
			payload: wire.EndPayload{Route: wire.Route{To: p.From}, Reason: domain.EndBusy},
		})
		return
	}

	a := c.begin(p.From, domain.CallIncoming, p.Type)
	if e := c.early[p.From]; e != nil {
		a.offer = e.offer
		a.inbound = e.ice
		delete(c.early, p.From)
	}
	c.transition(IncomingRinging)
	c.arm(a, c.opts.RingTimeout, c.ringExpired)
	c.log.Info().Str("from", string(p.From)).Str("kind", string(p.Type)).Msg("incoming call")
	c.notify.Push(IncomingRing{Peer: p.From, Kind: p.Type})
}

func (c *Coordinator) onOffer(raw json.RawMessage) {
	var p wire.SDPPayload
	if !c.decode(wire.CallOffer, raw, &p) || !c.accepts(wire.CallOffer, p.From) {
		return
	}

	if c.call == nil {
		e := c.stash(p.From)
		if e == nil {
			c.log.Warn().Str("peer", string(p.From)).Msg("too many peers with early signals, dropping offer")
			return
		}
		sd := p.SDP
		e.offer = &sd
		return
	}
	a := c.matching(wire.CallOffer, p.From)
	if a == nil {
		return
	}
	if a.dir != domain.CallIncoming || a.remoteSet {
		c.log.Debug().Msg("ignoring unexpected offer")
		return
	}
	if a.conn == nil {
		sd := p.SDP
		a.offer = &sd
		return
	}
	// Accepted before the offer arrived.
	if err := c.answer(context.Background(), a, p.SDP); err != nil {
		c.fail(err, domain.EndFailed)
	}
}

func (c *Coordinator) onAnswer(raw json.RawMessage) {
	var p wire.SDPPayload
	if !c.decode(wire.CallAnswer, raw, &p) || !c.accepts(wire.CallAnswer, p.From) {
		return
	}
	a := c.matching(wire.CallAnswer, p.From)
	if a == nil {
		return
	}
	if a.dir != domain.CallOutgoing || a.remoteSet || a.conn == nil {
		c.log.Debug().Msg("ignoring unexpected answer")
		return
	}
	if err := c.applyRemote(a, p.SDP); err != nil {
		c.fail(err, domain.EndFailed)
		return
	}
	c.transition(Negotiating)
	c.arm(a, c.opts.NegotiationTimeout, c.negotiationExpired)
}

func (c *Coordinator) onAccept(raw json.RawMessage) {
	var p wire.AcceptPayload
	if !c.decode(wire.CallAccept, raw, &p) || !c.accepts(wire.CallAccept, p.From) {
		return
	}
	a := c.matching(wire.CallAccept, p.From)
	if a == nil || a.dir != domain.CallOutgoing || c.state != OutgoingRinging {
		return
	}
	c.transition(Negotiating)
	c.arm(a, c.opts.NegotiationTimeout, c.negotiationExpired)
}

func (c *Coordinator) onICE(raw json.RawMessage) {
	var p wire.ICEPayload
	if !c.decode(wire.CallICE, raw, &p) || !c.accepts(wire.CallICE, p.From) {
		return
	}

	if c.call == nil {
		e := c.stash(p.From)
		if e == nil || len(e.ice) >= maxEarlyCandidates {
			c.log.Warn().Str("peer", string(p.From)).Msg("early candidate stash full, dropping candidate")
			return
		}
		e.ice = append(e.ice, p.Candidate)
		return
	}
	a := c.matching(wire.CallICE, p.From)
	if a == nil {
		return
	}
	if a.conn != nil && a.remoteSet {
		c.addCandidate(a, p.Candidate)
		return
	}
	a.inbound = append(a.inbound, p.Candidate)
}

func (c *Coordinator) onEnd(raw json.RawMessage) {
	var p wire.EndPayload
	if !c.decode(wire.CallEnd, raw, &p) || !c.accepts(wire.CallEnd, p.From) {
		return
	}
	delete(c.early, p.From)

	a := c.call
	if a == nil || a.peer != p.From {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = domain.EndHangup
	}
	c.end(reason, true)
}
